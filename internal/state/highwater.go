package state

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// HighWaterMarkFileName records the end time of the most recent fragment
// the poller has processed.
const HighWaterMarkFileName = "latest_video.txt"

// HighWaterMark is the narrow accessor owning latest_video.txt. No other
// code reads or writes that path. The mark only ever moves forward.
type HighWaterMark struct {
	mu   sync.Mutex
	path string
}

func NewHighWaterMark(path string) *HighWaterMark {
	return &HighWaterMark{path: path}
}

// Get returns the recorded mark. The second return is false when no mark
// has ever been written (or the file is unreadable/garbled).
func (hwm *HighWaterMark) Get() (time.Time, bool) {
	hwm.mu.Lock()
	defer hwm.mu.Unlock()

	contents, err := os.ReadFile(hwm.path)
	if err != nil {
		return time.Time{}, false
	}

	parsed, err := time.ParseInLocation(CameraTimeLayout, strings.TrimSpace(string(contents)), time.Local)
	if err != nil {
		return time.Time{}, false
	}

	return parsed, true
}

// Advance moves the mark forward to the time provided. Calls with a time at
// or before the current mark are no-ops, preserving monotonicity.
func (hwm *HighWaterMark) Advance(mark time.Time) error {
	hwm.mu.Lock()
	defer hwm.mu.Unlock()

	if contents, err := os.ReadFile(hwm.path); err == nil {
		if current, err := time.ParseInLocation(CameraTimeLayout, strings.TrimSpace(string(contents)), time.Local); err == nil {
			if !mark.After(current) {
				return nil
			}
		}
	}

	return renameio.WriteFile(hwm.path, []byte(mark.Format(CameraTimeLayout)), 0o644)
}
