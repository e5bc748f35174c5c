package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgrayson/pitchcap/internal/audit"
	"github.com/dgrayson/pitchcap/internal/camera"
	"github.com/dgrayson/pitchcap/internal/cloudsync"
	"github.com/dgrayson/pitchcap/internal/download"
	"github.com/dgrayson/pitchcap/internal/event"
	"github.com/dgrayson/pitchcap/internal/ffmpeg"
	"github.com/dgrayson/pitchcap/internal/notify"
	"github.com/dgrayson/pitchcap/internal/poller"
	"github.com/dgrayson/pitchcap/internal/schedule"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/internal/upload"
	"github.com/dgrayson/pitchcap/internal/video"
	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/dgrayson/pitchcap/pkg/worker"
)

var log = logger.Get("Core")

// Worker-pool labels, used for targeted wakeups when a stage hands work to
// the stage downstream of it.
const (
	DownloadWorkerLabel = "download"
	VideoWorkerLabel    = "video"
	UploadWorkerLabel   = "upload"
)

type (
	RunnableService interface {
		Run(ctx context.Context) error
	}

	AuditorService interface {
		RunnableService
		TriggerAudit()
	}

	NotifierService interface {
		RunnableService
		audit.MatchInfoCollector
		upload.PlaylistPrompter
		CollectOnce(ctx context.Context, groupDir string, force bool) error
	}
)

// Pitchcap is the top-level object for the daemon: it owns the state
// accessors, the worker pool and the long-running services, and wires them
// together through the event bus.
type Pitchcap struct {
	config   *PitchcapConfig
	eventBus event.EventCoordinator

	highWaterMark *state.HighWaterMark
	downloadQueue *state.Queue
	videoQueue    *state.Queue
	uploadQueue   *state.Queue

	pool          *worker.WorkerPool
	pollerService RunnableService
	auditor       AuditorService
	notifierQueue NotifierService
}

// New wires the full pipeline from configuration. Optional subsystems
// (ntfy, YouTube, schedule providers, cloud sync) degrade to no-ops when
// unconfigured; the core camera -> disk pipeline always runs.
func New(config *PitchcapConfig) (*Pitchcap, error) {
	if err := os.MkdirAll(config.Storage.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	pitchcap := &Pitchcap{
		config:        config,
		eventBus:      event.New(),
		highWaterMark: state.NewHighWaterMark(filepath.Join(config.Storage.Path, state.HighWaterMarkFileName)),
		downloadQueue: state.NewQueue(config.QueuePath("download_queue_state.json")),
		videoQueue:    state.NewQueue(config.QueuePath("video_queue_state.json")),
		uploadQueue:   state.NewQueue(config.QueuePath("upload_queue_state.json")),
		pool:          worker.NewWorkerPool(),
	}

	ffmpegConfig := ffmpeg.Config{}
	cam := camera.NewDahua(camera.DahuaConfig{
		DeviceIP: config.Camera.DeviceIP,
		Username: config.Camera.Username,
		Password: config.Camera.Password,
	})

	pitchcap.notifierQueue = pitchcap.buildNotifier(ffmpegConfig)

	pitchcap.pollerService = poller.New(poller.Config{
		StorageRoot:          config.Storage.Path,
		CheckIntervalSeconds: config.App.CheckIntervalSeconds,
	}, cam, pitchcap.highWaterMark, pitchcap.downloadQueue, pitchcap.eventBus, func() {
		_ = pitchcap.pool.WakeupWorker(DownloadWorkerLabel)
	})

	ctx := context.Background()
	downloadTask := download.NewWorker(ctx, cam, pitchcap.downloadQueue, pitchcap.videoQueue, pitchcap.eventBus, func() {
		_ = pitchcap.pool.WakeupWorker(VideoWorkerLabel)
	})
	videoTask := video.NewWorker(ctx, ffmpegConfig, pitchcap.videoQueue, pitchcap.eventBus)
	uploadTask := upload.NewWorker(ctx, upload.WorkerConfig{
		PlaylistMap:   config.YouTube.PlaylistMap,
		PrivacyStatus: config.YouTube.PrivacyStatus,
	}, pitchcap.buildUploader(), pitchcap.uploadQueue, pitchcap.notifierQueue, pitchcap.eventBus)

	_ = pitchcap.pool.PushWorker(
		worker.NewWorker(DownloadWorkerLabel, downloadTask),
		worker.NewWorker(VideoWorkerLabel, videoTask),
		worker.NewWorker(UploadWorkerLabel, uploadTask),
	)

	pitchcap.auditor = audit.New(audit.Config{
		StorageRoot:          config.Storage.Path,
		CheckIntervalSeconds: config.App.CheckIntervalSeconds,
		UploaderEnabled:      config.YouTube.Enabled,
	}, pitchcap.downloadQueue, pitchcap.videoQueue, pitchcap.uploadQueue,
		pitchcap.buildSchedule(), pitchcap.notifierQueue, func() {
			_ = pitchcap.pool.WakeupWorkers()
		})

	// A combined group or fresh match info makes the next pipeline stage
	// possible immediately; audit early rather than waiting a full interval.
	pitchcap.eventBus.RegisterAsyncHandlerFunction(event.GroupCombinedEvent, func(event.Event, event.Payload) {
		pitchcap.auditor.TriggerAudit()
	})
	pitchcap.eventBus.RegisterAsyncHandlerFunction(event.MatchInfoUpdatedEvent, func(event.Event, event.Payload) {
		pitchcap.auditor.TriggerAudit()
	})
	pitchcap.eventBus.RegisterAsyncHandlerFunction(event.GroupTrimmedEvent, func(event.Event, event.Payload) {
		pitchcap.auditor.TriggerAudit()
	})

	return pitchcap, nil
}

// Run brings the daemon up and blocks until the context is cancelled or a
// service crashes. Workers finish their current item before exiting; all
// queue state is already on disk.
func (pitchcap *Pitchcap) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	if pitchcap.config.CloudSync.Enabled {
		go pitchcap.backupConfig(ctx)
	}

	if err := pitchcap.pool.Start(); err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	pitchcap.spawnAsyncService(ctx, wg, pitchcap.pollerService, "camera-poller", crashHandler)
	pitchcap.spawnAsyncService(ctx, wg, pitchcap.auditor, "state-auditor", crashHandler)
	if pitchcap.config.Ntfy.Enabled {
		pitchcap.spawnAsyncService(ctx, wg, pitchcap.notifierQueue, "notifier-queue", crashHandler)
	}
	log.Emit(logger.SUCCESS, "Pitchcap services spawned!\n")

	<-ctx.Done()
	log.Emit(logger.STOP, "Shutting down; waiting for workers to finish their current items\n")
	pitchcap.pool.Close()
	wg.Wait()
	return nil
}

// NotifierQueue exposes the notifier for the one-shot CLI path.
func (pitchcap *Pitchcap) NotifierQueue() NotifierService {
	return pitchcap.notifierQueue
}

func (pitchcap *Pitchcap) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, label string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", label)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crashHandler(label, err)
		}
	}()
}

func (pitchcap *Pitchcap) buildNotifier(ffmpegConfig ffmpeg.Config) NotifierService {
	if !pitchcap.config.Ntfy.Enabled {
		return &disabledNotifier{}
	}

	transport := notify.NewNtfyNotifier(notify.NtfyConfig{
		ServerURL: pitchcap.config.Ntfy.ServerURL,
		Topic:     pitchcap.config.Ntfy.Topic,
	})

	return notify.NewQueue(notify.QueueConfig{
		StatePath: pitchcap.config.QueuePath("ntfy_service_state.json"),
		Ffmpeg:    ffmpegConfig,
	}, transport, pitchcap.eventBus)
}

func (pitchcap *Pitchcap) buildUploader() upload.Uploader {
	if !pitchcap.config.YouTube.Enabled {
		return nil
	}

	return upload.NewYouTubeUploader(upload.Config{
		ClientID:      pitchcap.config.YouTube.ClientID,
		ClientSecret:  pitchcap.config.YouTube.ClientSecret,
		RefreshToken:  pitchcap.config.YouTube.RefreshToken,
		PrivacyStatus: pitchcap.config.YouTube.PrivacyStatus,
	})
}

func (pitchcap *Pitchcap) buildSchedule() schedule.MatchSchedule {
	providers := make([]schedule.MatchSchedule, 0)
	for _, team := range pitchcap.config.TeamSnap {
		providers = append(providers, schedule.NewTeamSnap(schedule.TeamSnapConfig{
			AccessToken: team.AccessToken,
			TeamID:      team.TeamID,
			TeamName:    team.TeamName,
		}))
	}
	for _, team := range pitchcap.config.PlayMetric {
		providers = append(providers, schedule.NewPlayMetrics(schedule.PlayMetricsConfig{
			Email:    team.Email,
			Password: team.Password,
			TeamID:   team.TeamID,
			TeamName: team.TeamName,
		}))
	}

	if len(providers) == 0 {
		return nil
	}

	return schedule.Composite(providers...)
}

func (pitchcap *Pitchcap) backupConfig(ctx context.Context) {
	backupCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	client := cloudsync.New(cloudsync.Config{
		EndpointURL: pitchcap.config.CloudSync.EndpointURL,
		Username:    pitchcap.config.CloudSync.Username,
	})
	if err := client.BackupFile(backupCtx, pitchcap.config.SourcePath()); err != nil {
		log.Warnf("Config backup failed: %v\n", err)
	}
}

// disabledNotifier stands in for the notifier queue when ntfy is not
// configured: questions are logged and dropped, and no group is ever
// considered waiting.
type disabledNotifier struct{}

func (d *disabledNotifier) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (d *disabledNotifier) RequestMatchInfo(groupDir string, _ state.MatchInfo, _ bool) error {
	log.Warnf("Match info needed for %s but ntfy is disabled; edit match_info.ini by hand\n", groupDir)
	return nil
}

func (d *disabledNotifier) RequestPlaylistName(groupDir string, teamName string) error {
	log.Warnf("Playlist name needed for team %q (%s) but ntfy is disabled\n", teamName, groupDir)
	return nil
}

func (d *disabledNotifier) MarkProcessed(string) {}

func (d *disabledNotifier) HasPending(string) bool { return false }

func (d *disabledNotifier) CollectOnce(_ context.Context, groupDir string, _ bool) error {
	return fmt.Errorf("ntfy is disabled; cannot collect match info for %s", groupDir)
}
