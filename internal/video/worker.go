package video

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgrayson/pitchcap/internal/event"
	"github.com/dgrayson/pitchcap/internal/ffmpeg"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/dgrayson/pitchcap/pkg/worker"
)

var log = logger.Get("Video")

// concatListName is the transient file list handed to the concat demuxer.
// It is removed whether or not the combine succeeds.
const concatListName = "concat_list.txt"

// videoWorker is the single consumer of the video task queue. Exactly one
// ffmpeg job runs at a time process-wide, which this worker guarantees by
// being the only code that spawns one.
type videoWorker struct {
	ctx      context.Context
	config   ffmpeg.Config
	queue    *state.Queue
	eventBus event.EventDispatcher
}

func NewWorker(ctx context.Context, config ffmpeg.Config, queue *state.Queue, eventBus event.EventDispatcher) *videoWorker {
	return &videoWorker{
		ctx:      ctx,
		config:   config,
		queue:    queue,
		eventBus: eventBus,
	}
}

// Execute drains the video queue sequentially and sleeps once it is empty.
// Failures are recorded against the affected file or group and the task is
// dropped; the auditor owns re-enqueueing.
func (vw *videoWorker) Execute(w worker.Worker) error {
	for {
		task, ok := vw.queue.Dequeue()
		if !ok {
			if !w.Sleep() {
				return nil
			}

			continue
		}

		switch videoTask := task.(type) {
		case state.ConvertTask:
			vw.convert(videoTask)
		case state.CombineTask:
			vw.combine(videoTask)
		case state.TrimTask:
			vw.trim(videoTask)
		default:
			log.Errorf("Video queue contained a %T task, discarding\n", task)
		}
	}
}

// convert remuxes one downloaded .dav into an .mp4 and runs the guaranteed
// post-actions: screenshot, source deletion (only once the output probes
// valid), match-info template, and combine readiness.
func (vw *videoWorker) convert(task state.ConvertTask) {
	outputPath := state.Mp4Path(task.FilePath)
	log.Emit(logger.NEW, "Converting %s\n", task.FilePath)

	err := ffmpeg.Convert(vw.ctx, vw.config, task.FilePath, outputPath, vw.progressLogger(task.FilePath))
	if err != nil {
		log.Errorf("Conversion of %s failed: %v\n", task.FilePath, err)
		vw.recordFileFailure(task.GroupDir, task.FilePath, state.FileConversionFailed, err)
		return
	}

	screenshotPath := vw.takeScreenshot(outputPath)
	vw.deleteSourceIfValid(task.FilePath, outputPath)

	if err := state.EnsureMatchInfo(task.GroupDir); err != nil {
		log.Warnf("Failed to ensure match info template in %s: %v\n", task.GroupDir, err)
	}

	err = state.UpdateFile(task.GroupDir, task.FilePath, func(file *state.RecordingFile) {
		file.Status = state.FileConverted
		file.ErrorMessage = ""
		if screenshotPath != "" {
			file.ScreenshotPath = screenshotPath
		}
	})
	if err != nil {
		log.Errorf("Failed to record conversion of %s: %v\n", task.FilePath, err)
		return
	}

	log.Emit(logger.SUCCESS, "Converted %s\n", outputPath)
	vw.eventBus.Dispatch(event.ConvertCompleteEvent, task.GroupDir)

	dirState := state.Load(task.GroupDir)
	combinedPath := filepath.Join(task.GroupDir, state.CombinedFileName)
	if dirState.ReadyForCombine() && !fileExists(combinedPath) {
		vw.queue.Enqueue(state.NewCombineTask(task.GroupDir))
	}
}

// combine concatenates every converted fragment of the group, in lexical
// file-name order, into combined.mp4 without re-encoding.
func (vw *videoWorker) combine(task state.CombineTask) {
	dirState := state.Load(task.GroupDir)
	fragmentPaths := dirState.ConvertedFilePaths()
	if len(fragmentPaths) == 0 {
		log.Warnf("Combine requested for %s but no converted fragments exist\n", task.GroupDir)
		return
	}

	listPath := filepath.Join(task.GroupDir, concatListName)
	if err := ffmpeg.WriteConcatList(fragmentPaths, listPath); err != nil {
		log.Errorf("Failed to write concat list for %s: %v\n", task.GroupDir, err)
		vw.recordGroupFailure(task.GroupDir, state.GroupCombineFailed, err)
		return
	}
	defer os.Remove(listPath)

	combinedPath := filepath.Join(task.GroupDir, state.CombinedFileName)
	log.Emit(logger.NEW, "Combining %d fragment(s) into %s\n", len(fragmentPaths), combinedPath)

	if err := ffmpeg.Combine(vw.ctx, vw.config, listPath, combinedPath, vw.progressLogger(combinedPath)); err != nil {
		log.Errorf("Combine for %s failed: %v\n", task.GroupDir, err)
		vw.recordGroupFailure(task.GroupDir, state.GroupCombineFailed, err)
		return
	}

	err := state.Update(task.GroupDir, func(dirState *state.DirectoryState) error {
		dirState.Status = state.GroupCombined
		dirState.ErrorMessage = ""
		return nil
	})
	if err != nil {
		log.Errorf("Failed to record combine of %s: %v\n", task.GroupDir, err)
		return
	}

	log.Emit(logger.SUCCESS, "Combined %s\n", combinedPath)
	vw.eventBus.Dispatch(event.GroupCombinedEvent, task.GroupDir)
}

// trim cuts combined.mp4 down to the actual game window described by the
// group's match info and writes it to the derived output path.
func (vw *videoWorker) trim(task state.TrimTask) {
	info, err := state.LoadMatchInfo(task.GroupDir)
	if err != nil {
		log.Errorf("Failed to load match info for %s: %v\n", task.GroupDir, err)
		vw.recordGroupFailure(task.GroupDir, state.GroupTrimFailed, err)
		return
	}

	if !info.Populated() {
		log.Warnf("Trim requested for %s but match info is incomplete\n", task.GroupDir)
		return
	}

	start, err := info.StartOffset()
	if err != nil {
		log.Errorf("Match info for %s has a bad start offset: %v\n", task.GroupDir, err)
		vw.recordGroupFailure(task.GroupDir, state.GroupTrimFailed, err)
		return
	}
	end := start + info.GameDuration()

	outputPath := state.TrimmedOutputPath(task.GroupDir, vw.matchDate(task.GroupDir), info)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		log.Errorf("Failed to create trim output directory: %v\n", err)
		vw.recordGroupFailure(task.GroupDir, state.GroupTrimFailed, err)
		return
	}

	combinedPath := filepath.Join(task.GroupDir, state.CombinedFileName)
	log.Emit(logger.NEW, "Trimming %s to [%s, %s]\n", combinedPath, state.FormatClockDuration(start), state.FormatClockDuration(end))

	if err := ffmpeg.Trim(vw.ctx, vw.config, combinedPath, outputPath, start, end, vw.progressLogger(outputPath)); err != nil {
		log.Errorf("Trim for %s failed: %v\n", task.GroupDir, err)
		vw.recordGroupFailure(task.GroupDir, state.GroupTrimFailed, err)
		return
	}

	err = state.Update(task.GroupDir, func(dirState *state.DirectoryState) error {
		dirState.Status = state.GroupTrimmed
		dirState.ErrorMessage = ""
		return nil
	})
	if err != nil {
		log.Errorf("Failed to record trim of %s: %v\n", task.GroupDir, err)
		return
	}

	log.Emit(logger.SUCCESS, "Trimmed %s\n", outputPath)
	vw.eventBus.Dispatch(event.GroupTrimmedEvent, task.GroupDir)
}

// takeScreenshot grabs a frame one second into the converted fragment. A
// screenshot failure is never fatal to the conversion.
func (vw *videoWorker) takeScreenshot(mp4Path string) string {
	screenshotPath := strings.TrimSuffix(mp4Path, filepath.Ext(mp4Path)) + ".jpg"
	if err := ffmpeg.Screenshot(vw.ctx, vw.config, mp4Path, time.Second, screenshotPath); err != nil {
		log.Warnf("Failed to screenshot %s: %v\n", mp4Path, err)
		return ""
	}

	return screenshotPath
}

// deleteSourceIfValid removes the original .dav only after ffprobe confirms
// the converted output has a positive duration.
func (vw *videoWorker) deleteSourceIfValid(davPath string, mp4Path string) {
	duration, err := ffmpeg.ProbeDuration(vw.config, mp4Path)
	if err != nil || duration <= 0 {
		log.Warnf("Keeping %s: converted output failed validation (duration=%.2f, err=%v)\n", davPath, duration, err)
		return
	}

	if err := os.Remove(davPath); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove source %s: %v\n", davPath, err)
		return
	}

	log.Emit(logger.REMOVE, "Removed source %s\n", davPath)
}

func (vw *videoWorker) recordFileFailure(groupDir string, filePath string, status state.FileStatus, cause error) {
	err := state.UpdateFile(groupDir, filePath, func(file *state.RecordingFile) {
		file.Status = status
		file.ErrorMessage = cause.Error()
	})
	if err != nil {
		log.Errorf("Failed to record failure of %s: %v\n", filePath, err)
	}
}

func (vw *videoWorker) recordGroupFailure(groupDir string, status state.GroupStatus, cause error) {
	err := state.Update(groupDir, func(dirState *state.DirectoryState) error {
		dirState.Status = status
		dirState.ErrorMessage = cause.Error()
		return nil
	})
	if err != nil {
		log.Errorf("Failed to record failure of %s: %v\n", groupDir, err)
	}
}

// matchDate derives the match date from the group directory name, falling
// back to the earliest fragment start time for directories created by hand.
func (vw *videoWorker) matchDate(groupDir string) time.Time {
	if start, ok := state.ParseGroupDirName(filepath.Base(groupDir)); ok {
		return start
	}

	dirState := state.Load(groupDir)
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

// progressLogger rate-limits ffmpeg progress reports to one log line per
// second per job.
func (vw *videoWorker) progressLogger(label string) ffmpeg.ProgressCallback {
	lastReport := time.Now()
	return func(progress ffmpeg.Progress) {
		if time.Since(lastReport) < time.Second {
			return
		}

		lastReport = time.Now()
		log.Infof("Processing %s: at %s (%s)\n", label, state.FormatClockDuration(progress.Time), progress.Speed)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
