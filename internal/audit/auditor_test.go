package audit_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgrayson/pitchcap/internal/audit"
	"github.com/dgrayson/pitchcap/internal/schedule"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type fakeCollector struct {
	requested []string
	processed []string
	pending   map[string]bool
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{pending: make(map[string]bool)}
}

func (c *fakeCollector) RequestMatchInfo(groupDir string, _ state.MatchInfo, _ bool) error {
	c.requested = append(c.requested, groupDir)
	return nil
}

func (c *fakeCollector) MarkProcessed(groupDir string) {
	c.processed = append(c.processed, groupDir)
}

func (c *fakeCollector) HasPending(groupDir string) bool {
	return c.pending[groupDir]
}

type fakeSchedule struct {
	game    *schedule.Game
	windows [][2]time.Time
}

func (s *fakeSchedule) FindGame(_ context.Context, windowStart time.Time, windowEnd time.Time) (*schedule.Game, error) {
	s.windows = append(s.windows, [2]time.Time{windowStart, windowEnd})
	return s.game, nil
}

type auditHarness struct {
	storageRoot   string
	downloadQueue *state.Queue
	videoQueue    *state.Queue
	uploadQueue   *state.Queue
	collector     *fakeCollector
	schedule      *fakeSchedule
	wakeups       *int
	auditor       interface{ Pass(ctx context.Context) }
}

func startAuditor(t *testing.T, uploaderEnabled bool) *auditHarness {
	t.Helper()

	harness := &auditHarness{
		storageRoot:   t.TempDir(),
		downloadQueue: state.NewQueue(filepath.Join(t.TempDir(), "download.json")),
		videoQueue:    state.NewQueue(filepath.Join(t.TempDir(), "video.json")),
		uploadQueue:   state.NewQueue(filepath.Join(t.TempDir(), "upload.json")),
		collector:     newFakeCollector(),
		schedule:      &fakeSchedule{},
		wakeups:       new(int),
	}

	harness.auditor = audit.New(audit.Config{
		StorageRoot:          harness.storageRoot,
		CheckIntervalSeconds: 60,
		UploaderEnabled:      uploaderEnabled,
	}, harness.downloadQueue, harness.videoQueue, harness.uploadQueue,
		harness.schedule, harness.collector, func() { *harness.wakeups++ })

	return harness
}

// newGroup materialises a group directory with the state provided. The
// directory name is derived from the start time so the auditor can resolve
// the group's schedule window.
func (h *auditHarness) newGroup(t *testing.T, start time.Time, mutate func(*state.DirectoryState)) string {
	t.Helper()

	groupDir := filepath.Join(h.storageRoot, state.GroupDirName(start))
	require.NoError(t, os.MkdirAll(groupDir, 0o755))
	require.NoError(t, state.Update(groupDir, func(dirState *state.DirectoryState) error {
		mutate(dirState)
		return nil
	}))

	return groupDir
}

func groupStart() time.Time {
	return time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
}

func TestPass_ReEnqueuesUnfinishedFileWork(t *testing.T) {
	harness := startAuditor(t, false)
	harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Files["/g/a.dav"] = &state.RecordingFile{FilePath: "/g/a.dav", RemotePath: "/r/a.dav", Status: state.FilePending}
		dirState.Files["/g/b.dav"] = &state.RecordingFile{FilePath: "/g/b.dav", RemotePath: "/r/b.dav", Status: state.FileDownloadFailed}
		dirState.Files["/g/c.dav"] = &state.RecordingFile{FilePath: "/g/c.dav", Status: state.FileDownloaded}
		dirState.Files["/g/d.dav"] = &state.RecordingFile{FilePath: "/g/d.dav", Status: state.FileConversionFailed}
		dirState.Files["/g/e.dav"] = &state.RecordingFile{FilePath: "/g/e.dav", Status: state.FilePending, Skip: true}
	})

	harness.auditor.Pass(context.Background())

	assert.ElementsMatch(t, []string{"dahua_download:/g/a.dav", "dahua_download:/g/b.dav"}, harness.downloadQueue.Keys())
	assert.ElementsMatch(t, []string{"convert:/g/c.dav", "convert:/g/d.dav"}, harness.videoQueue.Keys())
	assert.Equal(t, 1, *harness.wakeups)
}

func TestPass_EnqueuesCombineOnlyWhenOutputMissing(t *testing.T) {
	harness := startAuditor(t, false)
	groupDir := harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Files["/g/a.dav"] = &state.RecordingFile{FilePath: "/g/a.dav", Status: state.FileConverted}
	})

	harness.auditor.Pass(context.Background())
	assert.Equal(t, []string{"combine:" + groupDir}, harness.videoQueue.Keys())

	// Drain and drop a combined.mp4 in place; the next pass owes nothing.
	harness.videoQueue.Dequeue()
	require.NoError(t, os.WriteFile(filepath.Join(groupDir, state.CombinedFileName), []byte("mp4"), 0o644))

	harness.auditor.Pass(context.Background())
	assert.Zero(t, harness.videoQueue.Len())
}

func TestPass_CombinedGroupWithFullInfoIsTrimmed(t *testing.T) {
	harness := startAuditor(t, false)
	groupDir := harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Status = state.GroupCombined
		dirState.Files["/g/a.dav"] = &state.RecordingFile{FilePath: "/g/a.dav", Status: state.FileConverted}
	})
	require.NoError(t, os.WriteFile(filepath.Join(groupDir, state.CombinedFileName), []byte("mp4"), 0o644))
	require.NoError(t, state.SaveMatchInfo(groupDir, state.MatchInfo{
		MyTeamName:       "Strikers",
		OpponentTeamName: "Rovers",
		Location:         "Memorial Park",
		StartTimeOffset:  "00:05:00",
	}))

	harness.auditor.Pass(context.Background())

	assert.Equal(t, []string{"trim:" + groupDir}, harness.videoQueue.Keys())
	assert.Equal(t, []string{groupDir}, harness.collector.processed)
	assert.Empty(t, harness.collector.requested)
}

func TestPass_TrimFailedGroupIsRetried(t *testing.T) {
	harness := startAuditor(t, false)
	groupDir := harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Status = state.GroupTrimFailed
		dirState.ErrorMessage = "ffmpeg exited with code 1"
	})
	require.NoError(t, os.WriteFile(filepath.Join(groupDir, state.CombinedFileName), []byte("mp4"), 0o644))
	require.NoError(t, state.SaveMatchInfo(groupDir, state.MatchInfo{
		MyTeamName:       "Strikers",
		OpponentTeamName: "Rovers",
		Location:         "Memorial Park",
		StartTimeOffset:  "00:05:00",
	}))

	harness.auditor.Pass(context.Background())

	assert.Equal(t, []string{"trim:" + groupDir}, harness.videoQueue.Keys())
}

func TestPass_CombinedGroupMissingInfoAsksTheCollector(t *testing.T) {
	harness := startAuditor(t, false)
	harness.schedule.game = &schedule.Game{
		MyTeamName:       "Strikers",
		OpponentTeamName: "Rovers",
		Location:         "Memorial Park",
		Source:           "teamsnap",
	}

	groupDir := harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Status = state.GroupCombined
	})

	harness.auditor.Pass(context.Background())

	// Schedule data fills the team fields...
	info, err := state.LoadMatchInfo(groupDir)
	require.NoError(t, err)
	assert.Equal(t, "Strikers", info.MyTeamName)
	assert.Equal(t, "Rovers", info.OpponentTeamName)
	assert.Equal(t, "Memorial Park", info.Location)

	// ...but no provider knows the kickoff offset, so the operator is asked.
	assert.Equal(t, []string{groupDir}, harness.collector.requested)
	assert.Empty(t, harness.collector.processed)

	// The lookup window brackets the group's start time by two hours.
	require.Len(t, harness.schedule.windows, 1)
	assert.True(t, harness.schedule.windows[0][0].Equal(groupStart().Add(-2*time.Hour)))
	assert.True(t, harness.schedule.windows[0][1].Equal(groupStart().Add(2*time.Hour)))
}

func TestPass_ScheduleCompletingTheInfoMarksProcessed(t *testing.T) {
	harness := startAuditor(t, false)
	harness.schedule.game = &schedule.Game{
		MyTeamName:       "Strikers",
		OpponentTeamName: "Rovers",
		Location:         "Memorial Park",
		Source:           "teamsnap",
	}

	groupDir := harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Status = state.GroupCombined
	})
	require.NoError(t, state.SaveMatchInfo(groupDir, state.MatchInfo{StartTimeOffset: "00:05:00"}))

	harness.auditor.Pass(context.Background())

	assert.Equal(t, []string{groupDir}, harness.collector.processed)
	assert.Empty(t, harness.collector.requested)
}

func TestPass_GroupAlreadyWaitingOnAQuestionIsNotReAsked(t *testing.T) {
	harness := startAuditor(t, false)
	groupDir := harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Status = state.GroupCombined
	})
	harness.collector.pending[groupDir] = true

	harness.auditor.Pass(context.Background())

	assert.Empty(t, harness.collector.requested)
}

func TestPass_UploadEligibilityRespectsConfigAndRecordedIDs(t *testing.T) {
	harness := startAuditor(t, true)
	eligible := harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Status = state.GroupAutocamComplete
	})
	partial := harness.newGroup(t, groupStart().Add(24*time.Hour), func(dirState *state.DirectoryState) {
		dirState.Status = state.GroupDavFilesDeleted
		dirState.VideoID = "abc123"
	})
	// Both video IDs recorded: nothing left to upload.
	harness.newGroup(t, groupStart().Add(48*time.Hour), func(dirState *state.DirectoryState) {
		dirState.Status = state.GroupAutocamComplete
		dirState.VideoID = "abc123"
		dirState.RawVideoID = "def456"
	})

	harness.auditor.Pass(context.Background())

	assert.ElementsMatch(t, []string{
		"youtube_upload:" + eligible,
		"youtube_upload:" + partial,
	}, harness.uploadQueue.Keys())
}

func TestPass_UploaderDisabledNeverEnqueuesUploads(t *testing.T) {
	harness := startAuditor(t, false)
	harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Status = state.GroupAutocamComplete
	})

	harness.auditor.Pass(context.Background())
	assert.Zero(t, harness.uploadQueue.Len())
}

func TestPass_IsIdempotent(t *testing.T) {
	harness := startAuditor(t, true)
	harness.newGroup(t, groupStart(), func(dirState *state.DirectoryState) {
		dirState.Files["/g/a.dav"] = &state.RecordingFile{FilePath: "/g/a.dav", RemotePath: "/r/a.dav", Status: state.FilePending}
		dirState.Files["/g/b.dav"] = &state.RecordingFile{FilePath: "/g/b.dav", Status: state.FileDownloaded}
	})

	harness.auditor.Pass(context.Background())
	downloadKeys := harness.downloadQueue.Keys()
	videoKeys := harness.videoQueue.Keys()
	require.NotEmpty(t, downloadKeys)

	harness.auditor.Pass(context.Background())

	assert.Equal(t, downloadKeys, harness.downloadQueue.Keys())
	assert.Equal(t, videoKeys, harness.videoQueue.Keys())
	assert.Equal(t, 1, *harness.wakeups, "a pass that owes nothing does not wake workers")
}
