package poller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgrayson/pitchcap/internal/camera"
	"github.com/dgrayson/pitchcap/internal/event"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/pkg/logger"
)

var log = logger.Get("Poller")

const (
	// DefaultGapTolerance is the largest gap between one fragment's end and
	// the next fragment's start for both to be considered part of the same
	// match. The camera splits a continuous recording into chunks with
	// sub-second gaps; any real inter-match pause is minutes long.
	DefaultGapTolerance = 15 * time.Second

	// boundaryLookback is subtracted from the high-water mark when querying
	// the camera, catching fragments whose end landed exactly on the mark.
	boundaryLookback = 60 * time.Second

	// initialLookback bounds the very first query of a fresh install.
	initialLookback = 24 * time.Hour
)

type (
	Config struct {
		StorageRoot          string
		CheckIntervalSeconds int
		GapTolerance         time.Duration
	}

	// pollerService periodically discovers new recordings on the camera,
	// assigns each to a group directory and hands the download work to the
	// download worker's queue. It never downloads or mutates file state
	// beyond creating the initial pending entries.
	pollerService struct {
		config        Config
		camera        camera.Camera
		highWaterMark *state.HighWaterMark
		downloadQueue *state.Queue
		eventBus      event.EventDispatcher
		wakeDownloads func()
	}
)

func New(config Config, cam camera.Camera, highWaterMark *state.HighWaterMark, downloadQueue *state.Queue, eventBus event.EventDispatcher, wakeDownloads func()) *pollerService {
	if config.GapTolerance == 0 {
		config.GapTolerance = DefaultGapTolerance
	}

	return &pollerService{
		config:        config,
		camera:        cam,
		highWaterMark: highWaterMark,
		downloadQueue: downloadQueue,
		eventBus:      eventBus,
		wakeDownloads: wakeDownloads,
	}
}

// Run polls the camera on the configured cadence until the context is
// cancelled. A pass that fails part-way leaves the high-water mark alone so
// the next pass retries the same window.
func (service *pollerService) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(service.config.CheckIntervalSeconds) * time.Second)
	defer ticker.Stop()

	service.Pass(ctx)
	for {
		select {
		case <-ticker.C:
			service.Pass(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Pass performs one discovery cycle: enumerate camera recordings since the
// high-water mark, drop any overlapping a connected-platform window, group
// and persist the rest, and enqueue their downloads.
func (service *pollerService) Pass(ctx context.Context) {
	if !service.camera.CheckAvailability(ctx) {
		log.Warnf("Camera is unreachable, skipping discovery pass\n")
		return
	}

	now := time.Now()
	from := now.Add(-initialLookback)
	if mark, ok := service.highWaterMark.Get(); ok {
		from = mark.Add(-boundaryLookback)
	}

	recordings, err := service.camera.ListRecordings(ctx, from, now)
	if err != nil {
		log.Errorf("Failed to list camera recordings: %v\n", err)
		return
	}

	timeframes, err := service.camera.ConnectedTimeframes(ctx)
	if err != nil {
		log.Errorf("Failed to fetch connected timeframes: %v\n", err)
		return
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].StartTime.Before(recordings[j].StartTime)
	})

	var latestEnd time.Time
	enqueued := 0
	ingestFailed := false
	for _, recording := range recordings {
		if recording.EndTime.After(latestEnd) {
			latestEnd = recording.EndTime
		}

		if overlapsAny(recording, timeframes, now) {
			log.Debugf("Dropping %s: camera was connected to its upload platform during this recording\n", recording.Path)
			continue
		}

		newWork, err := service.ingestRecording(recording)
		if err != nil {
			log.Errorf("Failed to ingest %s: %v\n", recording.Path, err)
			ingestFailed = true
			continue
		}
		if newWork {
			enqueued++
		}
	}

	// A fragment that failed to persist must stay inside the next query
	// window, so the mark holds until a pass ingests everything it saw.
	if ingestFailed {
		log.Warnf("Holding high-water mark after ingest failure(s); next pass re-queries the same window\n")
	} else if !latestEnd.IsZero() {
		if err := service.highWaterMark.Advance(latestEnd); err != nil {
			log.Errorf("Failed to advance high-water mark: %v\n", err)
		}
	}

	if enqueued > 0 {
		log.Emit(logger.NEW, "Discovered %d new recording(s)\n", enqueued)
		service.wakeDownloads()
	}
}

// ingestRecording assigns the recording to a group directory, persists a
// pending file entry if one does not exist yet, and enqueues its download.
// Returns true if new download work was enqueued.
func (service *pollerService) ingestRecording(recording camera.Recording) (bool, error) {
	groupDir, err := service.groupFor(recording)
	if err != nil {
		return false, err
	}

	localPath := filepath.Join(groupDir, localFileName(recording))

	needsDownload := false
	err = state.Update(groupDir, func(dirState *state.DirectoryState) error {
		if existing := dirState.FileForRemotePath(recording.Path); existing != nil {
			needsDownload = existing.Status == state.FilePending || existing.Status == state.FileDownloadFailed
			localPath = existing.FilePath
			return nil
		}

		dirState.Files[localPath] = &state.RecordingFile{
			FilePath:    localPath,
			RemotePath:  recording.Path,
			StartTime:   state.NewTimestamp(recording.StartTime),
			EndTime:     state.NewTimestamp(recording.EndTime),
			Status:      state.FilePending,
			LastUpdated: state.NewTimestamp(time.Now()),
		}
		needsDownload = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to persist file entry for %s: %w", recording.Path, err)
	}

	if !needsDownload {
		return false, nil
	}

	if service.downloadQueue.Enqueue(state.NewDownloadTask(groupDir, localPath, recording.Path)) {
		service.eventBus.Dispatch(event.RecordingDiscoveredEvent, groupDir)
		return true, nil
	}

	return false, nil
}

// groupFor finds the existing group this recording belongs to, or creates a
// fresh group directory named after the recording's start time. Membership
// is decided purely by the gap between this fragment's start and the
// group's latest end.
func (service *pollerService) groupFor(recording camera.Recording) (string, error) {
	for _, groupDir := range service.groupDirsNewestFirst() {
		dirState := state.Load(groupDir)
		latestEnd := dirState.LatestEndTime()
		if latestEnd.IsZero() {
			continue
		}

		gap := recording.StartTime.Sub(latestEnd)
		if gap >= 0 && gap <= service.config.GapTolerance {
			return groupDir, nil
		}
	}

	groupDir := filepath.Join(service.config.StorageRoot, state.GroupDirName(recording.StartTime))
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create group directory %s: %w", groupDir, err)
	}

	return groupDir, nil
}

// groupDirsNewestFirst enumerates the storage root's group directories,
// most recent group first.
func (service *pollerService) groupDirsNewestFirst() []string {
	entries, err := os.ReadDir(service.config.StorageRoot)
	if err != nil {
		log.Errorf("Failed to enumerate storage root: %v\n", err)
		return nil
	}

	type groupEntry struct {
		path  string
		start time.Time
	}

	groups := make([]groupEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		start, ok := state.ParseGroupDirName(entry.Name())
		if !ok {
			continue
		}

		groups = append(groups, groupEntry{path: filepath.Join(service.config.StorageRoot, entry.Name()), start: start})
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].start.After(groups[j].start) })

	paths := make([]string, 0, len(groups))
	for _, group := range groups {
		paths = append(paths, group.path)
	}

	return paths
}

func overlapsAny(recording camera.Recording, timeframes []camera.Timeframe, now time.Time) bool {
	for _, timeframe := range timeframes {
		if timeframe.Overlaps(recording.StartTime, recording.EndTime, now) {
			return true
		}
	}

	return false
}

// localFileName derives a safe local file name for a camera-side path.
func localFileName(recording camera.Recording) string {
	base := filepath.Base(recording.Path)
	if base == "." || base == "/" || base == "" {
		base = recording.StartTime.Format("15.04.05") + ".dav"
	}

	var builder strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteByte('_')
		}
	}

	name := builder.String()
	if !strings.HasSuffix(strings.ToLower(name), ".dav") {
		name += ".dav"
	}

	return name
}
