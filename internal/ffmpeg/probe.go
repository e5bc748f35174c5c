package ffmpeg

import (
	"fmt"
	"strconv"

	"github.com/floostack/transcoder"
	floostack "github.com/floostack/transcoder/ffmpeg"
)

// ProbeFile extracts container metadata from the file at the path provided
// using ffprobe.
func ProbeFile(config Config, path string) (transcoder.Metadata, error) {
	cfg := floostack.Config{
		FfmpegBinPath:  config.ffmpegBin(),
		FfprobeBinPath: config.ffprobeBin(),
	}

	metadata, err := floostack.New(&cfg).Input(path).GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to extract file metadata information using ffprobe: %s", err.Error())
	}

	return metadata, nil
}

// ProbeDuration returns the container duration of the file at the path
// provided. An error is returned for a missing, unreadable or zero-length
// container; callers use a positive duration as proof an output is valid.
func ProbeDuration(config Config, path string) (float64, error) {
	metadata, err := ProbeFile(config, path)
	if err != nil {
		return 0, err
	}

	duration, err := strconv.ParseFloat(metadata.GetFormat().GetDuration(), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe reported unparseable duration for %s: %s", path, err.Error())
	}

	return duration, nil
}
