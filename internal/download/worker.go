package download

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dgrayson/pitchcap/internal/camera"
	"github.com/dgrayson/pitchcap/internal/event"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/dgrayson/pitchcap/pkg/worker"
)

var log = logger.Get("Download")

// downloadWorker serially drains the download queue, streaming one .dav at
// a time off the camera. It is deliberately single-flight: consumer cameras
// behave badly with parallel connections.
type downloadWorker struct {
	ctx        context.Context
	camera     camera.Camera
	queue      *state.Queue
	videoQueue *state.Queue
	eventBus   event.EventDispatcher
	wakeVideo  func()
}

func NewWorker(ctx context.Context, cam camera.Camera, queue *state.Queue, videoQueue *state.Queue, eventBus event.EventDispatcher, wakeVideo func()) *downloadWorker {
	return &downloadWorker{
		ctx:        ctx,
		camera:     cam,
		queue:      queue,
		videoQueue: videoQueue,
		eventBus:   eventBus,
		wakeVideo:  wakeVideo,
	}
}

// Execute is the worker-pool task body. It drains the queue and then sleeps
// until woken by the poller or the auditor. A failed download is recorded in
// state and NOT retried here; the auditor re-enqueues it on its next pass.
func (dw *downloadWorker) Execute(w worker.Worker) error {
	for {
		task, ok := dw.queue.Dequeue()
		if !ok {
			if !w.Sleep() {
				return nil
			}

			continue
		}

		downloadTask, ok := task.(state.DownloadTask)
		if !ok {
			log.Errorf("Download queue contained a %T task, discarding\n", task)
			continue
		}

		if err := dw.download(downloadTask); err != nil {
			log.Errorf("Download of %s failed: %v\n", downloadTask.RemotePath, err)
			dw.markFailed(downloadTask, err)
			continue
		}

		dw.markDownloaded(downloadTask)
	}
}

// download fetches one fragment, verifying the transferred byte count
// against the size the camera advertised. Partial output never survives a
// failure.
func (dw *downloadWorker) download(task state.DownloadTask) error {
	expectedSize, err := dw.camera.FileSize(dw.ctx, task.RemotePath)
	if err != nil {
		return fmt.Errorf("could not determine remote size: %w", err)
	}
	if expectedSize <= 0 {
		return fmt.Errorf("camera reported size %d for %s", expectedSize, task.RemotePath)
	}

	log.Emit(logger.NEW, "Downloading %s (%.1f MiB) -> %s\n", task.RemotePath, float64(expectedSize)/(1024*1024), task.FilePath)

	lastReport := time.Now()
	lastWritten := int64(0)
	onProgress := func(written int64, total int64) {
		if time.Since(lastReport) < time.Second {
			return
		}

		rate := float64(written-lastWritten) / time.Since(lastReport).Seconds()
		lastReport = time.Now()
		lastWritten = written
		log.Infof("Transfer %s: %d/%d bytes (%.1f KiB/s)\n", task.FilePath, written, total, rate/1024)
	}

	if err := dw.camera.Download(dw.ctx, task.RemotePath, task.FilePath, onProgress); err != nil {
		dw.removePartial(task.FilePath)
		return err
	}

	info, err := os.Stat(task.FilePath)
	if err != nil {
		return fmt.Errorf("downloaded file missing: %w", err)
	}
	if info.Size() != expectedSize {
		dw.removePartial(task.FilePath)
		return fmt.Errorf("size mismatch: expected %d bytes, wrote %d", expectedSize, info.Size())
	}

	return nil
}

func (dw *downloadWorker) markDownloaded(task state.DownloadTask) {
	err := state.UpdateFile(task.GroupDir, task.FilePath, func(file *state.RecordingFile) {
		file.Status = state.FileDownloaded
		file.ErrorMessage = ""
	})
	if err != nil {
		log.Errorf("Failed to record download of %s: %v\n", task.FilePath, err)
		return
	}

	log.Emit(logger.SUCCESS, "Downloaded %s\n", task.FilePath)
	dw.videoQueue.Enqueue(state.NewConvertTask(task.GroupDir, task.FilePath))
	dw.eventBus.Dispatch(event.DownloadCompleteEvent, task.GroupDir)
	dw.wakeVideo()
}

func (dw *downloadWorker) markFailed(task state.DownloadTask, cause error) {
	err := state.UpdateFile(task.GroupDir, task.FilePath, func(file *state.RecordingFile) {
		file.Status = state.FileDownloadFailed
		file.ErrorMessage = cause.Error()
	})
	if err != nil {
		log.Errorf("Failed to record download failure of %s: %v\n", task.FilePath, err)
	}
}

func (dw *downloadWorker) removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove partial download %s: %v\n", path, err)
	}
}
