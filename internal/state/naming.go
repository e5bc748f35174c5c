package state

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CombinedFileName is the concatenation of all converted fragments in a
// group, produced by the combine stage.
const CombinedFileName = "combined.mp4"

// GroupDirName derives a group directory name from the start time of the
// group's first fragment.
func GroupDirName(start time.Time) string {
	return start.Format(GroupDirLayout)
}

// ParseGroupDirName parses a directory base name back into the group's
// start time. The second return is false for directories that are not
// group directories (trimmed output folders, stray files, etc).
func ParseGroupDirName(name string) (time.Time, bool) {
	parsed, err := time.ParseInLocation(GroupDirLayout, name, time.Local)
	if err != nil {
		return time.Time{}, false
	}

	return parsed, true
}

// mp4Path swaps a fragment's .dav extension for .mp4.
func mp4Path(davPath string) string {
	return strings.TrimSuffix(davPath, filepath.Ext(davPath)) + ".mp4"
}

// Mp4Path is the exported form of mp4Path for use by the pipeline workers.
func Mp4Path(davPath string) string { return mp4Path(davPath) }

// Slugify lowercases the input and collapses every run of non-alphanumeric
// characters to a single hyphen, trimming any leading/trailing hyphens.
func Slugify(input string) string {
	var builder strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(input) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			builder.WriteByte('-')
			lastHyphen = true
		}
	}

	return strings.TrimSuffix(builder.String(), "-")
}

// TrimmedOutputPath derives the final raw-cut location for a group:
//
//	<group>/<YYYY.MM.DD> - <A> vs <B> (<location>)/<a>-<b>-<loc>-<MM-DD-YYYY>-raw.mp4
//
// The folder keeps the human-readable team names; the file name is slugged.
func TrimmedOutputPath(groupDir string, matchDate time.Time, info MatchInfo) string {
	folder := fmt.Sprintf("%s - %s vs %s (%s)",
		matchDate.Format("2006.01.02"), info.MyTeamName, info.OpponentTeamName, info.Location)

	file := fmt.Sprintf("%s-%s-%s-%s-raw.mp4",
		Slugify(info.MyTeamName), Slugify(info.OpponentTeamName), Slugify(info.Location),
		matchDate.Format("01-02-2006"))

	return filepath.Join(groupDir, folder, file)
}

func sortStrings(items []string) {
	sort.Strings(items)
}
