package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dgrayson/pitchcap/pkg/logger"
)

var log = logger.Get("Ffmpeg")

// Config carries the binary locations for ffmpeg/ffprobe. Empty paths fall
// back to whatever is on PATH.
type Config struct {
	FfmpegBinPath  string
	FfprobeBinPath string
}

func (config Config) ffmpegBin() string {
	if config.FfmpegBinPath != "" {
		return config.FfmpegBinPath
	}

	return "ffmpeg"
}

func (config Config) ffprobeBin() string {
	if config.FfprobeBinPath != "" {
		return config.FfprobeBinPath
	}

	return "ffprobe"
}

// Progress is one parsed progress report from a running ffmpeg command.
type Progress struct {
	Time  time.Duration
	Speed string
}

type ProgressCallback func(Progress)

// Convert remuxes a camera .dav fragment into an .mp4 container. The video
// stream is copied without re-encoding; the camera's audio stream is
// transcoded to AAC so the output plays everywhere.
func Convert(ctx context.Context, config Config, inputPath string, outputPath string, onProgress ProgressCallback) error {
	return run(ctx, config, []string{
		"-y",
		"-i", inputPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		outputPath,
	}, onProgress)
}

// Combine concatenates the files named in the concat list (see
// WriteConcatList) into a single output without re-encoding.
func Combine(ctx context.Context, config Config, listPath string, outputPath string, onProgress ProgressCallback) error {
	return run(ctx, config, []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outputPath,
	}, onProgress)
}

// Trim cuts the input to [start, end] without re-encoding.
func Trim(ctx context.Context, config Config, inputPath string, outputPath string, start time.Duration, end time.Duration, onProgress ProgressCallback) error {
	return run(ctx, config, []string{
		"-y",
		"-i", inputPath,
		"-ss", formatClock(start),
		"-to", formatClock(end),
		"-c", "copy",
		outputPath,
	}, onProgress)
}

// Screenshot extracts a single high-quality JPEG frame at the offset
// provided.
func Screenshot(ctx context.Context, config Config, inputPath string, at time.Duration, outputPath string) error {
	return run(ctx, config, []string{
		"-y",
		"-ss", formatClock(at),
		"-i", inputPath,
		"-vframes", "1",
		"-q:v", "2",
		outputPath,
	}, nil)
}

// WriteConcatList writes the transient file list consumed by the concat
// demuxer. Single quotes inside paths are escaped per ffmpeg's quoting
// rules. The caller is responsible for removing the list afterwards.
func WriteConcatList(paths []string, listPath string) error {
	var builder strings.Builder
	for _, path := range paths {
		escaped := strings.ReplaceAll(path, `'`, `'\''`)
		builder.WriteString(fmt.Sprintf("file '%s'\n", escaped))
	}

	return os.WriteFile(listPath, []byte(builder.String()), 0o644)
}

var (
	progressMatcher = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)
	speedMatcher    = regexp.MustCompile(`speed=\s*([\d.]+x)`)
)

// run executes ffmpeg with the arguments provided, forwarding parsed
// progress reports to the callback. On a non-zero exit the tail of the
// stderr log is folded into the returned error, as ffmpeg writes its actual
// failure reason there.
func run(ctx context.Context, config Config, args []string, onProgress ProgressCallback) error {
	command := exec.CommandContext(ctx, config.ffmpegBin(), args...)
	stderr, err := command.StderrPipe()
	if err != nil {
		return err
	}

	log.Debugf("Running %s %s\n", config.ffmpegBin(), strings.Join(args, " "))
	if err := command.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// ffmpeg interleaves progress reports with its log output on stderr;
	// keep the recent lines for error reporting while scanning for progress.
	recentLines := make([]string, 0, 16)
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanCarriageReturnLines)
	for scanner.Scan() {
		line := scanner.Text()
		if len(recentLines) == cap(recentLines) {
			recentLines = recentLines[1:]
		}
		recentLines = append(recentLines, line)

		if onProgress == nil {
			continue
		}

		if groups := progressMatcher.FindStringSubmatch(line); groups != nil {
			hours, _ := strconv.Atoi(groups[1])
			minutes, _ := strconv.Atoi(groups[2])
			seconds, _ := strconv.ParseFloat(groups[3], 64)

			progress := Progress{
				Time: time.Duration(hours)*time.Hour +
					time.Duration(minutes)*time.Minute +
					time.Duration(seconds*float64(time.Second)),
			}
			if speedGroups := speedMatcher.FindStringSubmatch(line); speedGroups != nil {
				progress.Speed = speedGroups[1]
			}

			onProgress(progress)
		}
	}

	if err := command.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited abnormally: %w: %s", err, strings.Join(recentLines, " | "))
	}

	return nil
}

// scanCarriageReturnLines splits on both \n and \r, as ffmpeg rewrites its
// progress line in place using bare carriage returns.
func scanCarriageReturnLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
