package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/google/renameio/v2"
)

var log = logger.Get("State")

// StateFileName is the name of the per-group state file. It is the single
// source of truth for a group; everything else in the directory is derivable
// from (or verifiable against) it.
const StateFileName = "state.json"

type (
	// RecordingFile is the persisted state of one camera fragment. Entries
	// are created by the camera poller and mutated by the download and video
	// workers. An entry is never removed from state; only its .dav blob is
	// deleted once a valid .mp4 exists.
	RecordingFile struct {
		FilePath       string     `json:"file_path"`
		RemotePath     string     `json:"remote_path"`
		StartTime      Timestamp  `json:"start_time"`
		EndTime        Timestamp  `json:"end_time"`
		Status         FileStatus `json:"status"`
		Skip           bool       `json:"skip"`
		ScreenshotPath string     `json:"screenshot_path,omitempty"`
		ErrorMessage   string     `json:"error_message,omitempty"`
		LastUpdated    Timestamp  `json:"last_updated"`
	}

	// DirectoryState is the authoritative state of a single group directory.
	// It is a value type: load it, mutate it, write it back under the
	// directory lock. Holding an instance across I/O is not allowed because
	// another worker may have rewritten the file in the meantime.
	DirectoryState struct {
		Status       GroupStatus               `json:"status"`
		Files        map[string]*RecordingFile `json:"files"`
		ErrorMessage string                    `json:"error_message,omitempty"`
		PlaylistName string                    `json:"youtube_playlist_name,omitempty"`
		VideoID      string                    `json:"youtube_video_id,omitempty"`
		RawVideoID   string                    `json:"youtube_raw_video_id,omitempty"`
	}
)

func NewDirectoryState() DirectoryState {
	return DirectoryState{Status: GroupNew, Files: make(map[string]*RecordingFile)}
}

// directoryLocks serializes the read -> mutate -> write sequence on each
// group's state file. Each pipeline stage is single-threaded so concurrent
// mutation of one group is already unlikely, but the auditor and the notifier
// answer path can race a worker without this.
var directoryLocks sync.Map

func lockFor(dir string) *sync.Mutex {
	lock, _ := directoryLocks.LoadOrStore(dir, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Load reads the state.json for the group directory provided. A missing or
// malformed file yields an empty state; the file on disk is left untouched
// until the next write.
func Load(groupDir string) DirectoryState {
	statePath := filepath.Join(groupDir, StateFileName)
	contents, err := os.ReadFile(statePath)
	if err != nil {
		return NewDirectoryState()
	}

	var loaded DirectoryState
	if err := json.Unmarshal(contents, &loaded); err != nil {
		log.Warnf("State file %s is malformed (%v), treating group as empty\n", statePath, err)
		return NewDirectoryState()
	}

	if loaded.Files == nil {
		loaded.Files = make(map[string]*RecordingFile)
	}

	return loaded
}

// Save writes the state for a group directory atomically (write to a
// temporary file, then rename over the destination) so a crash mid-write
// can never produce a torn state file.
func Save(groupDir string, dirState DirectoryState) error {
	contents, err := json.MarshalIndent(dirState, "", "  ")
	if err != nil {
		return err
	}

	return renameio.WriteFile(filepath.Join(groupDir, StateFileName), contents, 0o644)
}

// Update performs a locked read -> mutate -> write sequence on the state of
// the group directory provided. The mutator receives the freshly loaded state
// and may modify it in place; returning an error aborts the write.
func Update(groupDir string, mutate func(*DirectoryState) error) error {
	lock := lockFor(groupDir)
	lock.Lock()
	defer lock.Unlock()

	dirState := Load(groupDir)
	if err := mutate(&dirState); err != nil {
		return err
	}

	return Save(groupDir, dirState)
}

// UpdateFile is a convenience wrapper around Update which mutates the entry
// for a single file, creating it if absent, and stamps LastUpdated.
func UpdateFile(groupDir string, filePath string, mutate func(*RecordingFile)) error {
	return Update(groupDir, func(dirState *DirectoryState) error {
		file, ok := dirState.Files[filePath]
		if !ok {
			file = &RecordingFile{FilePath: filePath, Status: FilePending}
			dirState.Files[filePath] = file
		}

		mutate(file)
		file.LastUpdated = NewTimestamp(time.Now())
		return nil
	})
}

// FileForRemotePath finds the file entry created for the camera-side path
// provided, if one exists. Used by the poller to avoid re-persisting a
// fragment it has already discovered.
func (dirState *DirectoryState) FileForRemotePath(remotePath string) *RecordingFile {
	for _, file := range dirState.Files {
		if file.RemotePath == remotePath {
			return file
		}
	}

	return nil
}

// LatestEndTime returns the greatest fragment end time recorded in this
// group, or the zero time if the group holds no files.
func (dirState *DirectoryState) LatestEndTime() time.Time {
	var latest time.Time
	for _, file := range dirState.Files {
		if file.EndTime.After(latest) {
			latest = file.EndTime.Time
		}
	}

	return latest
}

// ReadyForCombine reports whether every non-skipped file in the group has
// been converted. A group with no convertible files is never ready.
func (dirState *DirectoryState) ReadyForCombine() bool {
	convertible := 0
	for _, file := range dirState.Files {
		if file.Skip || file.Status == FileSkipped {
			continue
		}

		convertible++
		if file.Status != FileConverted {
			return false
		}
	}

	return convertible > 0
}

// ConvertedFilePaths returns the local .mp4 paths of every non-skipped
// converted file in lexical order. This is the concatenation order for
// the combine stage.
func (dirState *DirectoryState) ConvertedFilePaths() []string {
	paths := make([]string, 0, len(dirState.Files))
	for _, file := range dirState.Files {
		if file.Skip || file.Status != FileConverted {
			continue
		}

		paths = append(paths, mp4Path(file.FilePath))
	}

	sortStrings(paths)
	return paths
}
