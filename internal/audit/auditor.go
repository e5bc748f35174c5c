package audit

import (
	"context"
	"os"
	"path/filepath"
	"time"

	fsnotify "github.com/rjeczalik/notify"

	"github.com/dgrayson/pitchcap/internal/schedule"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/pkg/logger"
)

var log = logger.Get("Audit")

const (
	// watchDebounce coalesces bursts of filesystem events (editors write a
	// file several times in quick succession) into one audit pass.
	watchDebounce = 2 * time.Second

	// scheduleWindow is how far either side of the group's start time a
	// scheduled game may sit and still be considered this group's game.
	scheduleWindow = 2 * time.Hour
)

type (
	Config struct {
		StorageRoot          string
		CheckIntervalSeconds int
		UploaderEnabled      bool
	}

	// MatchInfoCollector is the slice of the notifier queue the auditor
	// needs: asking for missing info and tracking which groups are done.
	MatchInfoCollector interface {
		RequestMatchInfo(groupDir string, info state.MatchInfo, force bool) error
		MarkProcessed(groupDir string)
		HasPending(groupDir string) bool
	}

	// auditorService re-derives owed work from the on-disk state on a fixed
	// cadence and whenever match_info.ini changes on disk. It is the only
	// recovery path: workers record failures and move on, and the auditor
	// turns those records back into queued tasks. It never mutates file or
	// group state itself.
	auditorService struct {
		config        Config
		downloadQueue *state.Queue
		videoQueue    *state.Queue
		uploadQueue   *state.Queue
		schedule      schedule.MatchSchedule
		collector     MatchInfoCollector
		wakeWorkers   func()
		trigger       chan struct{}
	}
)

func New(config Config, downloadQueue *state.Queue, videoQueue *state.Queue, uploadQueue *state.Queue, matchSchedule schedule.MatchSchedule, collector MatchInfoCollector, wakeWorkers func()) *auditorService {
	return &auditorService{
		config:        config,
		downloadQueue: downloadQueue,
		videoQueue:    videoQueue,
		uploadQueue:   uploadQueue,
		schedule:      matchSchedule,
		collector:     collector,
		wakeWorkers:   wakeWorkers,
		trigger:       make(chan struct{}, 1),
	}
}

// TriggerAudit schedules an immediate audit pass. Safe to call from any
// goroutine; redundant triggers coalesce.
func (service *auditorService) TriggerAudit() {
	select {
	case service.trigger <- struct{}{}:
	default:
	}
}

// Run audits on the configured cadence, on explicit triggers, and on
// match_info.ini writes observed via the filesystem watch.
func (service *auditorService) Run(ctx context.Context) error {
	watchEvents := make(chan fsnotify.EventInfo, 16)
	watchPath := filepath.Join(service.config.StorageRoot, "...")
	if err := fsnotify.Watch(watchPath, watchEvents, fsnotify.Write|fsnotify.Create); err != nil {
		log.Warnf("Filesystem watch unavailable (%v), relying on interval audits only\n", err)
	} else {
		defer fsnotify.Stop(watchEvents)
	}

	ticker := time.NewTicker(time.Duration(service.config.CheckIntervalSeconds) * time.Second)
	defer ticker.Stop()

	var debounce *time.Timer
	debounced := make(chan struct{}, 1)

	service.Pass(ctx)
	for {
		select {
		case <-ticker.C:
			service.Pass(ctx)
		case <-service.trigger:
			service.Pass(ctx)
		case evt := <-watchEvents:
			if filepath.Base(evt.Path()) != state.MatchInfoFileName {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case <-debounced:
			log.Debugf("match_info.ini changed on disk, auditing\n")
			service.Pass(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Pass audits every group directory under the storage root and wakes the
// worker pools if anything was enqueued.
func (service *auditorService) Pass(ctx context.Context) {
	entries, err := os.ReadDir(service.config.StorageRoot)
	if err != nil {
		log.Errorf("Failed to enumerate storage root: %v\n", err)
		return
	}

	enqueued := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		groupDir := filepath.Join(service.config.StorageRoot, entry.Name())
		if _, err := os.Stat(filepath.Join(groupDir, state.StateFileName)); err != nil {
			continue
		}

		enqueued += service.auditGroup(ctx, groupDir)
	}

	if enqueued > 0 {
		log.Infof("Audit enqueued %d task(s)\n", enqueued)
		service.wakeWorkers()
	}
}

// auditGroup applies the recovery rules to one group, returning how many
// tasks were enqueued.
func (service *auditorService) auditGroup(ctx context.Context, groupDir string) int {
	dirState := state.Load(groupDir)
	enqueued := 0

	for _, file := range dirState.Files {
		if file.Skip || file.Status == state.FileSkipped {
			continue
		}

		switch file.Status {
		case state.FilePending, state.FileDownloadFailed:
			if service.downloadQueue.Enqueue(state.NewDownloadTask(groupDir, file.FilePath, file.RemotePath)) {
				enqueued++
			}
		case state.FileDownloaded, state.FileConversionFailed:
			if service.videoQueue.Enqueue(state.NewConvertTask(groupDir, file.FilePath)) {
				enqueued++
			}
		}
	}

	combinedPath := filepath.Join(groupDir, state.CombinedFileName)
	combinedExists := fileExists(combinedPath)

	if dirState.ReadyForCombine() && !combinedExists {
		if service.videoQueue.Enqueue(state.NewCombineTask(groupDir)) {
			enqueued++
		}
	}

	info, err := state.LoadMatchInfo(groupDir)
	if err != nil {
		log.Warnf("Could not read match info for %s: %v\n", groupDir, err)
	}

	trimOwed := dirState.Status == state.GroupCombined || dirState.Status == state.GroupTrimFailed
	if trimOwed && combinedExists && info.Populated() {
		service.collector.MarkProcessed(groupDir)
		if service.videoQueue.Enqueue(state.NewTrimTask(groupDir)) {
			enqueued++
		}
	}

	if dirState.Status.UploadEligible() && service.config.UploaderEnabled &&
		(dirState.VideoID == "" || dirState.RawVideoID == "") {
		if service.uploadQueue.Enqueue(state.NewUploadTask(groupDir)) {
			enqueued++
		}
	}

	if dirState.Status == state.GroupCombined && !info.Populated() {
		service.enrichMatchInfo(ctx, groupDir, info)
	}

	return enqueued
}

// enrichMatchInfo fills missing match info from the schedule providers
// first; only fields the providers cannot supply become operator questions.
func (service *auditorService) enrichMatchInfo(ctx context.Context, groupDir string, info state.MatchInfo) {
	if service.schedule != nil {
		groupStart, ok := state.ParseGroupDirName(filepath.Base(groupDir))
		if ok {
			game, err := service.schedule.FindGame(ctx, groupStart.Add(-scheduleWindow), groupStart.Add(scheduleWindow))
			if err != nil {
				log.Warnf("Schedule lookup for %s failed: %v\n", groupDir, err)
			} else if game != nil {
				log.Infof("Schedule provider %q matched a game for %s\n", game.Source, groupDir)
				merge := state.MatchInfo{
					MyTeamName:       game.MyTeamName,
					OpponentTeamName: game.OpponentTeamName,
					Location:         game.Location,
				}
				merged, err := state.MergeMatchInfo(groupDir, merge)
				if err != nil {
					log.Errorf("Failed to merge schedule data for %s: %v\n", groupDir, err)
				} else {
					info = merged
				}
			}
		}
	}

	if info.Populated() {
		service.collector.MarkProcessed(groupDir)
		return
	}

	if service.collector.HasPending(groupDir) {
		return
	}

	if err := service.collector.RequestMatchInfo(groupDir, info, false); err != nil {
		log.Errorf("Failed to request match info for %s: %v\n", groupDir, err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
