package upload_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgrayson/pitchcap/internal/event"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/internal/upload"
	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/dgrayson/pitchcap/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type fakeUploader struct {
	playlists map[string]string
	uploads   []upload.Video
	added     map[string][]string
	authCalls int
	authErr   error
	uploadErr error
	nextVideo int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		playlists: make(map[string]string),
		added:     make(map[string][]string),
	}
}

func (u *fakeUploader) Authenticate(context.Context) error {
	u.authCalls++
	return u.authErr
}

func (u *fakeUploader) FindPlaylist(_ context.Context, name string) (string, bool, error) {
	id, ok := u.playlists[name]
	return id, ok, nil
}

func (u *fakeUploader) CreatePlaylist(_ context.Context, name string, _ string, _ string) (string, error) {
	id := fmt.Sprintf("pl-%d", len(u.playlists)+1)
	u.playlists[name] = id
	return id, nil
}

func (u *fakeUploader) Upload(_ context.Context, video upload.Video) (string, error) {
	if u.uploadErr != nil {
		return "", u.uploadErr
	}

	u.uploads = append(u.uploads, video)
	u.nextVideo++
	return fmt.Sprintf("vid-%d", u.nextVideo), nil
}

func (u *fakeUploader) AddToPlaylist(_ context.Context, videoID string, playlistID string) error {
	u.added[playlistID] = append(u.added[playlistID], videoID)
	return nil
}

type fakePrompter struct {
	asked []string
}

func (p *fakePrompter) RequestPlaylistName(_ string, teamName string) error {
	p.asked = append(p.asked, teamName)
	return nil
}

// eligibleGroup builds a group directory that has passed the autocam stage:
// combined and trimmed outputs on disk, full match info, eligible status.
func eligibleGroup(t *testing.T, root string) string {
	t.Helper()

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	groupDir := filepath.Join(root, state.GroupDirName(start))
	require.NoError(t, os.MkdirAll(groupDir, 0o755))

	info := state.MatchInfo{
		MyTeamName:       "Strikers",
		OpponentTeamName: "Rovers",
		Location:         "Memorial Park",
		StartTimeOffset:  "00:05:00",
	}
	require.NoError(t, state.SaveMatchInfo(groupDir, info))
	require.NoError(t, state.Update(groupDir, func(dirState *state.DirectoryState) error {
		dirState.Status = state.GroupAutocamComplete
		return nil
	}))

	trimmedPath := state.TrimmedOutputPath(groupDir, start, info)
	require.NoError(t, os.MkdirAll(filepath.Dir(trimmedPath), 0o755))
	require.NoError(t, os.WriteFile(trimmedPath, []byte("trimmed"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(groupDir, state.CombinedFileName), []byte("combined"), 0o644))

	return groupDir
}

func drainUploads(t *testing.T, config upload.WorkerConfig, uploader upload.Uploader, queue *state.Queue, prompter upload.PlaylistPrompter) {
	t.Helper()

	task := upload.NewWorker(context.Background(), config, uploader, queue, prompter, event.New())
	w := worker.NewWorker("upload", task)
	w.Close()
	require.NoError(t, task.Execute(w))
}

func TestExecute_PublishesTrimmedAndRawCuts(t *testing.T) {
	groupDir := eligibleGroup(t, t.TempDir())
	uploader := newFakeUploader()
	queue := state.NewQueue(filepath.Join(t.TempDir(), "upload.json"))
	queue.Enqueue(state.NewUploadTask(groupDir))

	config := upload.WorkerConfig{
		PlaylistMap:   map[string]string{"Strikers": "Strikers 2024"},
		PrivacyStatus: "unlisted",
	}
	drainUploads(t, config, uploader, queue, &fakePrompter{})

	require.Len(t, uploader.uploads, 2)
	assert.Equal(t, "Strikers vs Rovers", uploader.uploads[0].Title)
	assert.Contains(t, uploader.uploads[0].Description, "automated camera tracking")
	assert.Equal(t, "unlisted", uploader.uploads[0].Privacy)
	assert.Equal(t, "Strikers vs Rovers - Full Field", uploader.uploads[1].Title)
	assert.Contains(t, uploader.uploads[1].Description, "unedited footage")

	// Both playlists were created on demand, each holding its cut.
	require.Contains(t, uploader.playlists, "Strikers 2024")
	require.Contains(t, uploader.playlists, "Strikers 2024 - Full Field")
	assert.Equal(t, []string{"vid-1"}, uploader.added[uploader.playlists["Strikers 2024"]])
	assert.Equal(t, []string{"vid-2"}, uploader.added[uploader.playlists["Strikers 2024 - Full Field"]])

	dirState := state.Load(groupDir)
	assert.Equal(t, "vid-1", dirState.VideoID)
	assert.Equal(t, "vid-2", dirState.RawVideoID)
}

func TestExecute_GroupStateOverrideBeatsThePlaylistMap(t *testing.T) {
	groupDir := eligibleGroup(t, t.TempDir())
	require.NoError(t, state.Update(groupDir, func(dirState *state.DirectoryState) error {
		dirState.PlaylistName = "Cup Run"
		return nil
	}))

	uploader := newFakeUploader()
	queue := state.NewQueue(filepath.Join(t.TempDir(), "upload.json"))
	queue.Enqueue(state.NewUploadTask(groupDir))

	config := upload.WorkerConfig{PlaylistMap: map[string]string{"Strikers": "Strikers 2024"}}
	drainUploads(t, config, uploader, queue, &fakePrompter{})

	assert.Contains(t, uploader.playlists, "Cup Run")
	assert.NotContains(t, uploader.playlists, "Strikers 2024")
}

func TestExecute_UnmappedTeamDefersAndPrompts(t *testing.T) {
	groupDir := eligibleGroup(t, t.TempDir())
	uploader := newFakeUploader()
	queue := state.NewQueue(filepath.Join(t.TempDir(), "upload.json"))
	queue.Enqueue(state.NewUploadTask(groupDir))

	prompter := &fakePrompter{}
	drainUploads(t, upload.WorkerConfig{}, uploader, queue, prompter)

	assert.Empty(t, uploader.uploads, "nothing is published until the playlist is known")
	assert.Equal(t, []string{"Strikers"}, prompter.asked)
	assert.Empty(t, state.Load(groupDir).VideoID)
}

func TestExecute_AlreadyUploadedCutIsSkipped(t *testing.T) {
	groupDir := eligibleGroup(t, t.TempDir())
	require.NoError(t, state.Update(groupDir, func(dirState *state.DirectoryState) error {
		dirState.VideoID = "vid-existing"
		return nil
	}))

	uploader := newFakeUploader()
	queue := state.NewQueue(filepath.Join(t.TempDir(), "upload.json"))
	queue.Enqueue(state.NewUploadTask(groupDir))

	config := upload.WorkerConfig{PlaylistMap: map[string]string{"Strikers": "Strikers 2024"}}
	drainUploads(t, config, uploader, queue, &fakePrompter{})

	// Only the raw cut goes out; the trimmed cut already has an ID.
	require.Len(t, uploader.uploads, 1)
	assert.Equal(t, "Strikers vs Rovers - Full Field", uploader.uploads[0].Title)

	dirState := state.Load(groupDir)
	assert.Equal(t, "vid-existing", dirState.VideoID)
	assert.Equal(t, "vid-1", dirState.RawVideoID)
}

func TestExecute_IneligibleGroupIsDropped(t *testing.T) {
	groupDir := eligibleGroup(t, t.TempDir())
	require.NoError(t, state.Update(groupDir, func(dirState *state.DirectoryState) error {
		dirState.Status = state.GroupCombined
		return nil
	}))

	uploader := newFakeUploader()
	queue := state.NewQueue(filepath.Join(t.TempDir(), "upload.json"))
	queue.Enqueue(state.NewUploadTask(groupDir))

	config := upload.WorkerConfig{PlaylistMap: map[string]string{"Strikers": "Strikers 2024"}}
	drainUploads(t, config, uploader, queue, &fakePrompter{})

	assert.Empty(t, uploader.uploads)
}

func TestExecute_AuthenticatesOnceBeforeTheFirstPublish(t *testing.T) {
	root := t.TempDir()
	first := eligibleGroup(t, root)
	second := eligibleGroup(t, filepath.Join(root, "later"))

	uploader := newFakeUploader()
	queue := state.NewQueue(filepath.Join(t.TempDir(), "upload.json"))
	queue.Enqueue(state.NewUploadTask(first))
	queue.Enqueue(state.NewUploadTask(second))

	config := upload.WorkerConfig{PlaylistMap: map[string]string{"Strikers": "Strikers 2024"}}
	drainUploads(t, config, uploader, queue, &fakePrompter{})

	require.Len(t, uploader.uploads, 4)
	assert.Equal(t, 1, uploader.authCalls, "credentials are refreshed once per worker, not per group")
}

func TestExecute_AuthenticationFailureDefersTheGroup(t *testing.T) {
	groupDir := eligibleGroup(t, t.TempDir())
	uploader := newFakeUploader()
	uploader.authErr = fmt.Errorf("invalid_grant")

	queue := state.NewQueue(filepath.Join(t.TempDir(), "upload.json"))
	queue.Enqueue(state.NewUploadTask(groupDir))

	config := upload.WorkerConfig{PlaylistMap: map[string]string{"Strikers": "Strikers 2024"}}
	drainUploads(t, config, uploader, queue, &fakePrompter{})

	assert.Empty(t, uploader.uploads)
	dirState := state.Load(groupDir)
	assert.Empty(t, dirState.VideoID)
	assert.Empty(t, dirState.RawVideoID)
	assert.Equal(t, state.GroupAutocamComplete, dirState.Status, "the next audit pass re-enqueues the group")
}

func TestExecute_UploadFailureLeavesStateUntouchedForRetry(t *testing.T) {
	groupDir := eligibleGroup(t, t.TempDir())
	uploader := newFakeUploader()
	uploader.uploadErr = fmt.Errorf("quota exceeded")

	queue := state.NewQueue(filepath.Join(t.TempDir(), "upload.json"))
	queue.Enqueue(state.NewUploadTask(groupDir))

	config := upload.WorkerConfig{PlaylistMap: map[string]string{"Strikers": "Strikers 2024"}}
	drainUploads(t, config, uploader, queue, &fakePrompter{})

	dirState := state.Load(groupDir)
	assert.Empty(t, dirState.VideoID)
	assert.Empty(t, dirState.RawVideoID)
	assert.Equal(t, state.GroupAutocamComplete, dirState.Status)
}
