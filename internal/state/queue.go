package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/mitchellh/mapstructure"
)

// TaskType discriminates the persisted work-queue entries. Behaviour lives
// in the worker consuming the queue, not on the task itself; a task is just
// enough data to (re)derive the work.
type TaskType string

const (
	TaskTypeDownload TaskType = "dahua_download"
	TaskTypeConvert  TaskType = "convert"
	TaskTypeCombine  TaskType = "combine"
	TaskTypeTrim     TaskType = "trim"
	TaskTypeUpload   TaskType = "youtube_upload"
)

type (
	// Task is one unit of pending pipeline work. Key is the task's dedup
	// identity: enqueueing a task whose key is already queued is a no-op,
	// which is what makes repeated audit passes idempotent.
	Task interface {
		Type() TaskType
		Key() string
	}

	DownloadTask struct {
		TaskType   TaskType `json:"task_type" mapstructure:"task_type"`
		GroupDir   string   `json:"group_dir" mapstructure:"group_dir"`
		FilePath   string   `json:"file_path" mapstructure:"file_path"`
		RemotePath string   `json:"remote_path" mapstructure:"remote_path"`
	}

	ConvertTask struct {
		TaskType TaskType `json:"task_type" mapstructure:"task_type"`
		GroupDir string   `json:"group_dir" mapstructure:"group_dir"`
		FilePath string   `json:"file_path" mapstructure:"file_path"`
	}

	CombineTask struct {
		TaskType TaskType `json:"task_type" mapstructure:"task_type"`
		GroupDir string   `json:"group_dir" mapstructure:"group_dir"`
	}

	TrimTask struct {
		TaskType TaskType `json:"task_type" mapstructure:"task_type"`
		GroupDir string   `json:"group_dir" mapstructure:"group_dir"`
	}

	UploadTask struct {
		TaskType TaskType `json:"task_type" mapstructure:"task_type"`
		GroupDir string   `json:"group_dir" mapstructure:"group_dir"`
	}
)

func NewDownloadTask(groupDir, filePath, remotePath string) DownloadTask {
	return DownloadTask{TaskType: TaskTypeDownload, GroupDir: groupDir, FilePath: filePath, RemotePath: remotePath}
}

func NewConvertTask(groupDir, filePath string) ConvertTask {
	return ConvertTask{TaskType: TaskTypeConvert, GroupDir: groupDir, FilePath: filePath}
}

func NewCombineTask(groupDir string) CombineTask {
	return CombineTask{TaskType: TaskTypeCombine, GroupDir: groupDir}
}

func NewTrimTask(groupDir string) TrimTask {
	return TrimTask{TaskType: TaskTypeTrim, GroupDir: groupDir}
}

func NewUploadTask(groupDir string) UploadTask {
	return UploadTask{TaskType: TaskTypeUpload, GroupDir: groupDir}
}

func (t DownloadTask) Type() TaskType { return TaskTypeDownload }
func (t ConvertTask) Type() TaskType  { return TaskTypeConvert }
func (t CombineTask) Type() TaskType  { return TaskTypeCombine }
func (t TrimTask) Type() TaskType     { return TaskTypeTrim }
func (t UploadTask) Type() TaskType   { return TaskTypeUpload }

func (t DownloadTask) Key() string { return string(TaskTypeDownload) + ":" + t.FilePath }
func (t ConvertTask) Key() string  { return string(TaskTypeConvert) + ":" + t.FilePath }
func (t CombineTask) Key() string  { return string(TaskTypeCombine) + ":" + t.GroupDir }
func (t TrimTask) Key() string     { return string(TaskTypeTrim) + ":" + t.GroupDir }
func (t UploadTask) Key() string   { return string(TaskTypeUpload) + ":" + t.GroupDir }

// Queue is a FIFO task queue persisted in full on every mutation, making
// the file itself the crash-recovery log. Each queue file is owned by
// exactly one worker; the accessor's mutex covers the auditor enqueueing
// while the worker dequeues.
type Queue struct {
	mu    sync.Mutex
	path  string
	tasks []Task
}

// NewQueue creates a queue accessor for the file provided, loading any
// tasks persisted by a previous run. A malformed file is discarded with a
// warning; the auditor re-derives the lost work on its next pass.
func NewQueue(path string) *Queue {
	queue := &Queue{path: path, tasks: make([]Task, 0)}
	if err := queue.load(); err != nil {
		log.Warnf("Queue file %s could not be restored (%v), starting empty\n", path, err)
	}

	return queue
}

// Enqueue appends the task unless an identical task is already waiting.
// Returns true if the task was added.
func (q *Queue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.tasks {
		if existing.Key() == task.Key() {
			return false
		}
	}

	q.tasks = append(q.tasks, task)
	if err := q.persist(); err != nil {
		log.Errorf("Failed to persist queue %s: %v\n", q.path, err)
	}

	return true
}

// Dequeue pops the oldest task. The second return is false when the queue
// is empty.
func (q *Queue) Dequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	if err := q.persist(); err != nil {
		log.Errorf("Failed to persist queue %s: %v\n", q.path, err)
	}

	return task, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}

// Keys returns the dedup keys of all waiting tasks, oldest first.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, 0, len(q.tasks))
	for _, task := range q.tasks {
		keys = append(keys, task.Key())
	}

	return keys
}

func (q *Queue) persist() error {
	contents, err := json.MarshalIndent(q.tasks, "", "  ")
	if err != nil {
		return err
	}

	return renameio.WriteFile(q.path, contents, 0o644)
}

func (q *Queue) load() error {
	contents, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	var rawTasks []map[string]any
	if err := json.Unmarshal(contents, &rawTasks); err != nil {
		return err
	}

	for _, raw := range rawTasks {
		task, err := decodeTask(raw)
		if err != nil {
			log.Warnf("Dropping unrecognised task from %s: %v\n", q.path, err)
			continue
		}

		q.tasks = append(q.tasks, task)
	}

	return nil
}

// decodeTask dispatches on the task_type discriminator and decodes the raw
// dict into the matching concrete task.
func decodeTask(raw map[string]any) (Task, error) {
	taskType, _ := raw["task_type"].(string)

	var task Task
	var err error
	switch TaskType(taskType) {
	case TaskTypeDownload:
		decoded := DownloadTask{}
		err = mapstructure.Decode(raw, &decoded)
		task = decoded
	case TaskTypeConvert:
		decoded := ConvertTask{}
		err = mapstructure.Decode(raw, &decoded)
		task = decoded
	case TaskTypeCombine:
		decoded := CombineTask{}
		err = mapstructure.Decode(raw, &decoded)
		task = decoded
	case TaskTypeTrim:
		decoded := TrimTask{}
		err = mapstructure.Decode(raw, &decoded)
		task = decoded
	case TaskTypeUpload:
		decoded := UploadTask{}
		err = mapstructure.Decode(raw, &decoded)
		task = decoded
	default:
		return nil, fmt.Errorf("unknown task_type %q", taskType)
	}

	if err != nil {
		return nil, err
	}

	return task, nil
}
