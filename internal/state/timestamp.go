package state

import (
	"fmt"
	"strings"
	"time"
)

// CameraTimeLayout is the wall-clock format the camera reports recording
// times in, and the format used for timestamps inside state.json.
const CameraTimeLayout = "2006-01-02 15:04:05"

// GroupDirLayout is the format used to derive a group directory name from
// the start time of its first fragment.
const GroupDirLayout = "2006.01.02-15.04.05"

// Timestamp is a time.Time which marshals to and from the camera's
// wall-clock format rather than RFC3339.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`""`), nil
	}

	return []byte(`"` + ts.Format(CameraTimeLayout) + `"`), nil
}

func (ts *Timestamp) UnmarshalJSON(raw []byte) error {
	trimmed := strings.Trim(string(raw), `"`)
	if trimmed == "" || trimmed == "null" {
		*ts = Timestamp{}
		return nil
	}

	parsed, err := time.ParseInLocation(CameraTimeLayout, trimmed, time.Local)
	if err != nil {
		return fmt.Errorf("cannot unmarshal timestamp %q: %w", trimmed, err)
	}

	*ts = Timestamp{parsed}
	return nil
}
