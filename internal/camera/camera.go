package camera

import (
	"context"
	"time"
)

type (
	// Recording is one fragment the camera holds on its local storage.
	// Times are camera wall-clock.
	Recording struct {
		Path      string
		StartTime time.Time
		EndTime   time.Time
	}

	// Timeframe is a window during which the camera was connected to its
	// native upload platform and must be left alone. A nil End marks a
	// still-running window.
	Timeframe struct {
		Start time.Time
		End   *time.Time
	}

	// ProgressFunc receives streaming download progress.
	ProgressFunc func(written int64, total int64)

	// Camera abstracts the recording device. One production implementation
	// (Dahua CGI) exists; tests use fakes.
	Camera interface {
		CheckAvailability(ctx context.Context) bool
		ListRecordings(ctx context.Context, from time.Time, to time.Time) ([]Recording, error)
		FileSize(ctx context.Context, remotePath string) (int64, error)
		Download(ctx context.Context, remotePath string, localPath string, onProgress ProgressFunc) error
		ConnectedTimeframes(ctx context.Context) ([]Timeframe, error)
	}
)

// Overlaps reports whether a fragment spanning [start, end] intersects this
// timeframe. An open-ended timeframe is closed at 'now' for the comparison.
func (tf Timeframe) Overlaps(start time.Time, end time.Time, now time.Time) bool {
	tfEnd := now
	if tf.End != nil {
		tfEnd = *tf.End
	}

	return start.Before(tfEnd) && end.After(tf.Start)
}
