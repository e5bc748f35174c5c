package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgrayson/pitchcap/internal/event"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/dgrayson/pitchcap/pkg/worker"
)

type (
	WorkerConfig struct {
		// PlaylistMap maps a team name to its base playlist name; a group
		// state override always wins over this map.
		PlaylistMap   map[string]string
		PrivacyStatus string
	}

	// PlaylistPrompter asks the operator for the base playlist name of a
	// group whose team has no configured mapping. Implemented by the
	// notifier queue.
	PlaylistPrompter interface {
		RequestPlaylistName(groupDir string, teamName string) error
	}

	// uploadWorker drains the upload queue, publishing both the trimmed cut
	// and the raw combined video of each finished group. A group with no
	// resolvable playlist is deferred, not failed: the auditor re-enqueues
	// it once the operator has answered.
	uploadWorker struct {
		ctx           context.Context
		config        WorkerConfig
		uploader      Uploader
		queue         *state.Queue
		prompter      PlaylistPrompter
		eventBus      event.EventDispatcher
		authenticated bool
	}
)

func NewWorker(ctx context.Context, config WorkerConfig, uploader Uploader, queue *state.Queue, prompter PlaylistPrompter, eventBus event.EventDispatcher) *uploadWorker {
	return &uploadWorker{
		ctx:      ctx,
		config:   config,
		uploader: uploader,
		queue:    queue,
		prompter: prompter,
		eventBus: eventBus,
	}
}

func (uw *uploadWorker) Execute(w worker.Worker) error {
	for {
		task, ok := uw.queue.Dequeue()
		if !ok {
			if !w.Sleep() {
				return nil
			}

			continue
		}

		uploadTask, ok := task.(state.UploadTask)
		if !ok {
			log.Errorf("Upload queue contained a %T task, discarding\n", task)
			continue
		}

		uw.upload(uploadTask)
	}
}

// upload publishes the group's outputs. Failures leave the group state
// untouched so the next audit pass retries; only success records video IDs.
func (uw *uploadWorker) upload(task state.UploadTask) {
	if uw.uploader == nil {
		log.Warnf("Upload requested for %s but no uploader is configured, dropping task\n", task.GroupDir)
		return
	}

	dirState := state.Load(task.GroupDir)
	if !dirState.Status.UploadEligible() {
		log.Debugf("Group %s is not upload-eligible (status %q), dropping task\n", task.GroupDir, dirState.Status)
		return
	}

	info, err := state.LoadMatchInfo(task.GroupDir)
	if err != nil || !info.Populated() {
		log.Warnf("Upload requested for %s but match info is unavailable\n", task.GroupDir)
		return
	}

	baseName, ok := uw.resolvePlaylistName(task.GroupDir, dirState, info)
	if !ok {
		return
	}

	if !uw.authenticated {
		if err := uw.uploader.Authenticate(uw.ctx); err != nil {
			log.Errorf("Uploader authentication failed, deferring %s: %v\n", task.GroupDir, err)
			return
		}
		uw.authenticated = true
	}

	title := fmt.Sprintf("%s vs %s", info.MyTeamName, info.OpponentTeamName)
	matchDate := uw.matchDate(task.GroupDir, dirState)

	if dirState.VideoID == "" {
		trimmedPath := state.TrimmedOutputPath(task.GroupDir, matchDate, info)
		videoID, err := uw.publish(Video{
			FilePath:    trimmedPath,
			Title:       title,
			Description: fmt.Sprintf("%s vs %s at %s.\nProcessed with automated camera tracking.", info.MyTeamName, info.OpponentTeamName, info.Location),
			Tags:        []string{"soccer", info.MyTeamName, info.OpponentTeamName},
			Privacy:     uw.config.PrivacyStatus,
		}, baseName)
		if err != nil {
			log.Errorf("Upload of trimmed video for %s failed: %v\n", task.GroupDir, err)
			return
		}

		if err := state.Update(task.GroupDir, func(dirState *state.DirectoryState) error {
			dirState.VideoID = videoID
			return nil
		}); err != nil {
			log.Errorf("Failed to record video ID for %s: %v\n", task.GroupDir, err)
			return
		}
	}

	if dirState.RawVideoID == "" {
		combinedPath := filepath.Join(task.GroupDir, state.CombinedFileName)
		rawVideoID, err := uw.publish(Video{
			FilePath:    combinedPath,
			Title:       title + " - Full Field",
			Description: fmt.Sprintf("%s vs %s at %s.\nFull field view - unedited footage.", info.MyTeamName, info.OpponentTeamName, info.Location),
			Tags:        []string{"soccer", info.MyTeamName, info.OpponentTeamName},
			Privacy:     uw.config.PrivacyStatus,
		}, baseName+" - Full Field")
		if err != nil {
			log.Errorf("Upload of raw video for %s failed: %v\n", task.GroupDir, err)
			return
		}

		if err := state.Update(task.GroupDir, func(dirState *state.DirectoryState) error {
			dirState.RawVideoID = rawVideoID
			return nil
		}); err != nil {
			log.Errorf("Failed to record raw video ID for %s: %v\n", task.GroupDir, err)
			return
		}
	}

	log.Emit(logger.SUCCESS, "Uploaded %s\n", task.GroupDir)
	uw.eventBus.Dispatch(event.UploadCompleteEvent, task.GroupDir)
}

// resolvePlaylistName applies the ordered resolution policy: group-state
// override, then the configured team mapping, then an operator question.
// ok=false means the upload is deferred until a later audit pass.
func (uw *uploadWorker) resolvePlaylistName(groupDir string, dirState state.DirectoryState, info state.MatchInfo) (string, bool) {
	if dirState.PlaylistName != "" {
		return dirState.PlaylistName, true
	}

	if mapped, ok := uw.config.PlaylistMap[info.MyTeamName]; ok && mapped != "" {
		return mapped, true
	}

	log.Infof("No playlist mapping for team %q, asking the operator\n", info.MyTeamName)
	if uw.prompter != nil {
		if err := uw.prompter.RequestPlaylistName(groupDir, info.MyTeamName); err != nil {
			log.Errorf("Failed to request playlist name for %s: %v\n", groupDir, err)
		}
	}

	return "", false
}

// publish uploads one file into the named playlist, creating the playlist
// if it does not exist yet.
func (uw *uploadWorker) publish(video Video, playlistName string) (string, error) {
	if _, err := os.Stat(video.FilePath); err != nil {
		return "", fmt.Errorf("upload source missing: %w", err)
	}

	playlistID, found, err := uw.uploader.FindPlaylist(uw.ctx, playlistName)
	if err != nil {
		return "", fmt.Errorf("playlist lookup failed: %w", err)
	}
	if !found {
		playlistID, err = uw.uploader.CreatePlaylist(uw.ctx, playlistName, "", video.Privacy)
		if err != nil {
			return "", fmt.Errorf("playlist creation failed: %w", err)
		}
	}

	log.Emit(logger.NEW, "Uploading %s -> playlist %q\n", video.FilePath, playlistName)
	videoID, err := uw.uploader.Upload(uw.ctx, video)
	if err != nil {
		return "", err
	}

	if err := uw.uploader.AddToPlaylist(uw.ctx, videoID, playlistID); err != nil {
		return "", fmt.Errorf("uploaded %s but failed to add to playlist: %w", videoID, err)
	}

	return videoID, nil
}

func (uw *uploadWorker) matchDate(groupDir string, dirState state.DirectoryState) time.Time {
	if start, ok := state.ParseGroupDirName(filepath.Base(groupDir)); ok {
		return start
	}

	var earliest time.Time
	for _, file := range dirState.Files {
		if earliest.IsZero() || file.StartTime.Before(earliest) {
			earliest = file.StartTime.Time
		}
	}

	if earliest.IsZero() {
		return time.Now()
	}

	return earliest
}
