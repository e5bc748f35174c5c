package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/ini.v1"
)

// MatchInfoFileName is the human-editable metadata file kept alongside a
// group's recordings.
const MatchInfoFileName = "match_info.ini"

const matchInfoSection = "MATCH"

// DefaultGameDuration is assumed when total_duration is absent or cannot
// be parsed.
const DefaultGameDuration = 90 * time.Minute

// MatchInfo is the per-group match metadata driving the trim and upload
// stages. Offsets and durations are stored as HH:MM:SS strings exactly as
// an operator would type them.
type MatchInfo struct {
	MyTeamName       string `ini:"my_team_name"`
	OpponentTeamName string `ini:"opponent_team_name"`
	Location         string `ini:"location"`
	StartTimeOffset  string `ini:"start_time_offset"`
	TotalDuration    string `ini:"total_duration"`
}

// Populated reports whether enough metadata exists to trim and title the
// video. total_duration is deliberately excluded; a missing duration falls
// back to DefaultGameDuration.
func (info MatchInfo) Populated() bool {
	return info.MyTeamName != "" &&
		info.OpponentTeamName != "" &&
		info.Location != "" &&
		info.StartTimeOffset != ""
}

// StartOffset parses start_time_offset. An empty or malformed offset is an
// error; the trim stage must not guess where the game begins.
func (info MatchInfo) StartOffset() (time.Duration, error) {
	return ParseClockDuration(info.StartTimeOffset)
}

// GameDuration parses total_duration, tolerating both HH:MM:SS and MM:SS.
// Anything unparseable yields DefaultGameDuration.
func (info MatchInfo) GameDuration() time.Duration {
	parsed, err := ParseClockDuration(info.TotalDuration)
	if err != nil {
		return DefaultGameDuration
	}

	return parsed
}

// Merge fills every empty field of this MatchInfo from the other one.
// Populated fields are never overwritten.
func (info *MatchInfo) Merge(other MatchInfo) {
	if info.MyTeamName == "" {
		info.MyTeamName = other.MyTeamName
	}
	if info.OpponentTeamName == "" {
		info.OpponentTeamName = other.OpponentTeamName
	}
	if info.Location == "" {
		info.Location = other.Location
	}
	if info.StartTimeOffset == "" {
		info.StartTimeOffset = other.StartTimeOffset
	}
	if info.TotalDuration == "" {
		info.TotalDuration = other.TotalDuration
	}
}

// MissingFields lists the names of the required fields that are still empty,
// for use in operator-facing prompts.
func (info MatchInfo) MissingFields() []string {
	missing := make([]string, 0, 4)
	if info.MyTeamName == "" {
		missing = append(missing, "my_team_name")
	}
	if info.OpponentTeamName == "" {
		missing = append(missing, "opponent_team_name")
	}
	if info.Location == "" {
		missing = append(missing, "location")
	}
	if info.StartTimeOffset == "" {
		missing = append(missing, "start_time_offset")
	}

	return missing
}

// LoadMatchInfo reads the match_info.ini of a group directory. A missing
// file yields a zero MatchInfo without error, as the template may not have
// been written yet.
func LoadMatchInfo(groupDir string) (MatchInfo, error) {
	var info MatchInfo
	path := filepath.Join(groupDir, MatchInfoFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return info, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return info, fmt.Errorf("failed to load %s: %w", path, err)
	}

	if err := file.Section(matchInfoSection).MapTo(&info); err != nil {
		return info, fmt.Errorf("failed to map %s: %w", path, err)
	}

	return info, nil
}

// SaveMatchInfo writes the match_info.ini of a group directory atomically.
func SaveMatchInfo(groupDir string, info MatchInfo) error {
	file := ini.Empty()
	if err := file.Section(matchInfoSection).ReflectFrom(&info); err != nil {
		return err
	}

	var builder strings.Builder
	if _, err := file.WriteTo(&builder); err != nil {
		return err
	}

	return renameio.WriteFile(filepath.Join(groupDir, MatchInfoFileName), []byte(builder.String()), 0o644)
}

// EnsureMatchInfo writes an empty match_info.ini template if the group has
// none yet, so an operator always has a file to edit. An existing file is
// left alone regardless of its contents.
func EnsureMatchInfo(groupDir string) error {
	path := filepath.Join(groupDir, MatchInfoFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return SaveMatchInfo(groupDir, MatchInfo{})
}

// MergeMatchInfo loads, merges and saves in one step, returning the merged
// result. Used by the schedule enrichment and the notifier answer paths.
func MergeMatchInfo(groupDir string, update MatchInfo) (MatchInfo, error) {
	info, err := LoadMatchInfo(groupDir)
	if err != nil {
		return info, err
	}

	info.Merge(update)
	if err := SaveMatchInfo(groupDir, info); err != nil {
		return info, err
	}

	return info, nil
}

// ParseClockDuration parses HH:MM:SS or MM:SS into a duration.
func ParseClockDuration(clock string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("%q is not a HH:MM:SS or MM:SS duration", clock)
	}

	total := time.Duration(0)
	for _, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil || value < 0 {
			return 0, fmt.Errorf("%q is not a HH:MM:SS or MM:SS duration", clock)
		}

		total = total*60 + time.Duration(value)*time.Second
	}

	return total, nil
}

// FormatClockDuration renders a duration as zero-padded HH:MM:SS.
func FormatClockDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
