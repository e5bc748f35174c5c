package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/dgrayson/pitchcap/internal/event"
	"github.com/dgrayson/pitchcap/internal/ffmpeg"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/google/renameio/v2"
	"github.com/mitchellh/mapstructure"
)

type TaskKind string

const (
	KindGameStartTime TaskKind = "game_start_time"
	KindGameEndTime   TaskKind = "game_end_time"
	KindTeamInfo      TaskKind = "team_info"
	KindPlaylistName  TaskKind = "playlist_name"
)

type TaskStatus string

const (
	TaskQueued TaskStatus = "queued"
	TaskSent   TaskStatus = "sent"
)

const (
	// sentTimeout drops an unanswered question; the next audit re-asks.
	sentTimeout = 5 * time.Minute

	// echoWindow is how long an outbound message is remembered for
	// echo suppression on the inbound stream.
	echoWindow = 60 * time.Second

	// echoSimilarity is the similarity above which an inbound message is
	// considered an echo of a recent outbound one.
	echoSimilarity = 0.9

	stepInterval = 5 * time.Minute

	// gameStartCeiling bounds the start-time search; a game that has not
	// started 45 minutes into the recording is not in this recording.
	gameStartCeiling = 45 * time.Minute

	// gameEndCeiling bounds the end-time search relative to the start.
	gameEndCeiling = 120 * time.Minute

	gameEndSearchBegin = 45 * time.Minute

	dispatchInterval = 15 * time.Second
)

type (
	// NtfyTask is one outstanding interactive question. Tasks for the same
	// group queue behind each other; only the head may be in sent status.
	NtfyTask struct {
		ID       string
		Kind     TaskKind
		GroupDir string
		Status   TaskStatus
		SentAt   time.Time

		// Iteration cursor for the start/end time searches, seconds into
		// the combined video.
		TimeOffsetSeconds int
		// The answered start offset, carried by game_end_time tasks.
		StartOffsetSeconds int
		// Duration of combined.mp4, capping the start-time search.
		DurationSeconds int

		TeamName      string
		MissingFields []string
	}

	QueueConfig struct {
		StatePath string
		Ffmpeg    ffmpeg.Config
	}

	// notifierQueue dispatches interactive questions to the operator and
	// correlates the answers back to the group state that needs them. All
	// transitions hit ntfy_service_state.json before any outbound send, so
	// a crash can at worst cause one duplicate notification.
	notifierQueue struct {
		*sync.Mutex

		config   QueueConfig
		notifier Notifier
		eventBus event.EventDispatcher

		tasks         map[string][]*NtfyTask
		processedDirs map[string]struct{}
		counter       int

		recentOutbound []outboundRecord
	}

	outboundRecord struct {
		text string
		at   time.Time
	}

	persistedState struct {
		PendingInputs map[string]persistedInput `json:"pending_inputs"`
		ProcessedDirs []string                  `json:"processed_dirs"`
	}

	persistedInput struct {
		InputType string         `json:"input_type"`
		Timestamp string         `json:"timestamp"`
		Metadata  map[string]any `json:"metadata"`
	}

	taskMetadata struct {
		TaskID             string   `mapstructure:"task_id"`
		TaskType           string   `mapstructure:"task_type"`
		Status             string   `mapstructure:"status"`
		SentAt             string   `mapstructure:"sent_at"`
		TimeOffsetSeconds  int      `mapstructure:"time_offset_seconds"`
		StartOffsetSeconds int      `mapstructure:"start_offset_seconds"`
		DurationSeconds    int      `mapstructure:"duration_seconds"`
		TeamName           string   `mapstructure:"team_name"`
		MissingFields      []string `mapstructure:"missing_fields"`
	}
)

var taskIDMatcher = regexp.MustCompile(`\(ID: ([a-z_]+-\d+-\d+)\)`)
var clockMatcher = regexp.MustCompile(`\b(\d{1,2}:\d{2}:\d{2})\b`)

func NewQueue(config QueueConfig, notifier Notifier, eventBus event.EventDispatcher) *notifierQueue {
	queue := &notifierQueue{
		Mutex:         &sync.Mutex{},
		config:        config,
		notifier:      notifier,
		eventBus:      eventBus,
		tasks:         make(map[string][]*NtfyTask),
		processedDirs: make(map[string]struct{}),
	}

	queue.restore()
	return queue
}

// Run consumes the inbound stream and drives outbound sends until the
// context is cancelled.
func (queue *notifierQueue) Run(ctx context.Context) error {
	events := queue.notifier.Subscribe(ctx)
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	queue.tick(ctx)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			queue.handleEvent(ctx, evt)
		case <-ticker.C:
			queue.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// RequestMatchInfo queues the questions needed to fill the group's missing
// match info: an informational team-info prompt plus the interactive
// start/end time searches. A group already waiting on a question, or one
// already processed, is skipped unless force is set.
func (queue *notifierQueue) RequestMatchInfo(groupDir string, info state.MatchInfo, force bool) error {
	queue.Lock()
	defer queue.Unlock()

	if !force {
		if _, done := queue.processedDirs[groupDir]; done {
			return nil
		}
		if len(queue.tasks[groupDir]) > 0 {
			return nil
		}
	} else {
		delete(queue.processedDirs, groupDir)
		queue.tasks[groupDir] = nil
	}

	missing := info.MissingFields()
	if len(missing) == 0 {
		return nil
	}

	duration := queue.combinedDuration(groupDir)

	if info.MyTeamName == "" || info.OpponentTeamName == "" || info.Location == "" {
		queue.push(&NtfyTask{
			ID:            queue.nextID(KindTeamInfo),
			Kind:          KindTeamInfo,
			GroupDir:      groupDir,
			Status:        TaskQueued,
			MissingFields: missing,
		})
	}

	if info.StartTimeOffset == "" {
		queue.push(&NtfyTask{
			ID:              queue.nextID(KindGameStartTime),
			Kind:            KindGameStartTime,
			GroupDir:        groupDir,
			Status:          TaskQueued,
			DurationSeconds: duration,
		})
	} else if info.TotalDuration == "" {
		start, err := info.StartOffset()
		if err == nil {
			queue.push(queue.newGameEndTask(groupDir, start, duration))
		}
	}

	return queue.persistLocked()
}

// CollectOnce drives the match-info dialogue for one group to completion:
// queue its questions, subscribe, apply answers as they arrive and return
// once nothing is outstanding. Used by the one-shot CLI path, where no
// long-running service loop exists to drive the dispatch. The loop is
// bounded: an unanswered question expires via the sent timeout, and the
// context cancels the wait outright.
func (queue *notifierQueue) CollectOnce(ctx context.Context, groupDir string, force bool) error {
	info, err := state.LoadMatchInfo(groupDir)
	if err != nil {
		return err
	}

	if err := queue.RequestMatchInfo(groupDir, info, force); err != nil {
		return err
	}
	if !queue.HasPending(groupDir) {
		return nil
	}

	events := queue.notifier.Subscribe(ctx)
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	queue.tick(ctx)
	for queue.HasPending(groupDir) {
		select {
		case evt, ok := <-events:
			if !ok {
				return fmt.Errorf("notification stream closed while collecting match info for %s", groupDir)
			}
			queue.handleEvent(ctx, evt)
			queue.tick(ctx)
		case <-ticker.C:
			queue.tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	collected, err := state.LoadMatchInfo(groupDir)
	if err != nil {
		return err
	}
	if !collected.Populated() {
		return fmt.Errorf("match info for %s is still incomplete: missing %s", groupDir, strings.Join(collected.MissingFields(), ", "))
	}

	return nil
}

// RequestPlaylistName asks the operator for the base playlist name of the
// team; the free-text reply lands in the group's state.
func (queue *notifierQueue) RequestPlaylistName(groupDir string, teamName string) error {
	queue.Lock()
	defer queue.Unlock()

	for _, task := range queue.tasks[groupDir] {
		if task.Kind == KindPlaylistName {
			return nil
		}
	}

	queue.push(&NtfyTask{
		ID:       queue.nextID(KindPlaylistName),
		Kind:     KindPlaylistName,
		GroupDir: groupDir,
		Status:   TaskQueued,
		TeamName: teamName,
	})

	return queue.persistLocked()
}

// MarkProcessed records that a group's match info collection is complete,
// suppressing future asks for it.
func (queue *notifierQueue) MarkProcessed(groupDir string) {
	queue.Lock()
	defer queue.Unlock()

	queue.processedDirs[groupDir] = struct{}{}
	delete(queue.tasks, groupDir)
	if err := queue.persistLocked(); err != nil {
		log.Errorf("Failed to persist notifier state: %v\n", err)
	}
}

// HasPending reports whether the group is waiting on any question.
func (queue *notifierQueue) HasPending(groupDir string) bool {
	queue.Lock()
	defer queue.Unlock()

	return len(queue.tasks[groupDir]) > 0
}

// tick expires stale sent tasks and dispatches the next queued question of
// every idle group.
func (queue *notifierQueue) tick(ctx context.Context) {
	queue.Lock()

	now := time.Now()
	for groupDir, tasks := range queue.tasks {
		if len(tasks) > 0 && tasks[0].Status == TaskSent && now.Sub(tasks[0].SentAt) > sentTimeout {
			log.Warnf("Question %s for %s unanswered after %s, dropping\n", tasks[0].ID, groupDir, sentTimeout)
			queue.removeLocked(tasks[0])
		}
	}

	toSend := make([]*NtfyTask, 0)
	for _, tasks := range queue.tasks {
		if len(tasks) > 0 && tasks[0].Status == TaskQueued {
			toSend = append(toSend, tasks[0])
		}
	}
	sort.Slice(toSend, func(i, j int) bool { return toSend[i].ID < toSend[j].ID })
	queue.Unlock()

	for _, task := range toSend {
		queue.send(ctx, task)
	}
}

// send persists the task's transition to sent BEFORE publishing, making a
// crash between the two indistinguishable from an unacknowledged send.
func (queue *notifierQueue) send(ctx context.Context, task *NtfyTask) {
	queue.Lock()
	task.Status = TaskSent
	task.SentAt = time.Now()
	if err := queue.persistLocked(); err != nil {
		log.Errorf("Failed to persist notifier state, holding question %s: %v\n", task.ID, err)
		task.Status = TaskQueued
		queue.Unlock()
		return
	}
	queue.Unlock()

	message := queue.buildMessage(ctx, task)
	if err := queue.notifier.Send(ctx, message); err != nil {
		log.Errorf("Failed to send question %s: %v\n", task.ID, err)
		queue.Lock()
		task.Status = TaskQueued
		if err := queue.persistLocked(); err != nil {
			log.Errorf("Failed to persist notifier state: %v\n", err)
		}
		queue.Unlock()
		return
	}

	queue.Lock()
	queue.recentOutbound = append(queue.recentOutbound, outboundRecord{text: message.Body, at: time.Now()})
	queue.Unlock()

	log.Infof("Sent question %s (%s) for %s\n", task.ID, task.Kind, task.GroupDir)
}

func (queue *notifierQueue) buildMessage(ctx context.Context, task *NtfyTask) Message {
	groupName := filepath.Base(task.GroupDir)

	switch task.Kind {
	case KindGameStartTime, KindGameEndTime:
		offset := time.Duration(task.TimeOffsetSeconds) * time.Second
		clock := state.FormatClockDuration(offset)

		verb := "started"
		if task.Kind == KindGameEndTime {
			verb = "ended"
		}

		return Message{
			Title:          fmt.Sprintf("Match %s: game %s?", groupName, verb),
			Body:           fmt.Sprintf("Has the game %s at this point (%s into the video)?", verb, clock),
			Tags:           []string{"soccer", "question"},
			Priority:       4,
			AttachmentPath: queue.frameAt(ctx, task.GroupDir, offset),
			Actions: []Action{
				{Label: "Yes", Payload: fmt.Sprintf("Yes, game %s at %s (ID: %s)", verb, clock, task.ID)},
				{Label: "No", Payload: fmt.Sprintf("No, not yet at %s (ID: %s)", clock, task.ID)},
			},
		}
	case KindPlaylistName:
		return Message{
			Title:    fmt.Sprintf("Playlist needed for %s", task.TeamName),
			Body:     fmt.Sprintf("No playlist is mapped for team %q. Reply to this notification with the playlist name. (ID: %s)", task.TeamName, task.ID),
			Tags:     []string{"soccer", "question"},
			Priority: 4,
		}
	default: // KindTeamInfo
		return Message{
			Title:    fmt.Sprintf("Match info needed for %s", groupName),
			Body:     fmt.Sprintf("Please fill in match_info.ini for %s. Missing: %s.", task.GroupDir, strings.Join(task.MissingFields, ", ")),
			Tags:     []string{"soccer", "memo"},
			Priority: 3,
		}
	}
}

// frameAt grabs and compresses a frame of combined.mp4 for the question's
// screenshot. Failure degrades to a text-only question.
func (queue *notifierQueue) frameAt(ctx context.Context, groupDir string, offset time.Duration) string {
	combinedPath := filepath.Join(groupDir, state.CombinedFileName)
	if _, err := os.Stat(combinedPath); err != nil {
		return ""
	}

	framePath := filepath.Join(groupDir, fmt.Sprintf("question_%d.jpg", int(offset.Seconds())))
	if err := ffmpeg.Screenshot(ctx, queue.config.Ffmpeg, combinedPath, offset, framePath); err != nil {
		log.Warnf("Failed to grab question frame for %s: %v\n", groupDir, err)
		return ""
	}

	return CompressScreenshot(framePath)
}

// handleEvent applies the correlation ladder to one inbound message: echo
// suppression, explicit task ID, then content match against the most
// recent sent task of the right kind.
func (queue *notifierQueue) handleEvent(ctx context.Context, evt Event) {
	queue.Lock()
	if queue.isEchoLocked(evt.Message) {
		queue.Unlock()
		return
	}

	task := queue.correlateLocked(evt.Message)
	queue.Unlock()

	if task == nil {
		log.Debugf("Inbound message %q matched no outstanding question, dropping\n", evt.Message)
		return
	}

	queue.applyAnswer(ctx, task, evt.Message)
}

func (queue *notifierQueue) isEchoLocked(text string) bool {
	cutoff := time.Now().Add(-echoWindow)
	kept := queue.recentOutbound[:0]
	for _, record := range queue.recentOutbound {
		if record.at.After(cutoff) {
			kept = append(kept, record)
		}
	}
	queue.recentOutbound = kept

	metric := metrics.NewLevenshtein()
	for _, record := range queue.recentOutbound {
		if strutil.Similarity(text, record.text, metric) >= echoSimilarity {
			return true
		}
	}

	return false
}

func (queue *notifierQueue) correlateLocked(text string) *NtfyTask {
	if groups := taskIDMatcher.FindStringSubmatch(text); groups != nil {
		for _, tasks := range queue.tasks {
			for _, task := range tasks {
				if task.ID == groups[1] && task.Status == TaskSent {
					return task
				}
			}
		}
	}

	// Content match: a clock time plus the kind's keyword correlates to
	// the most recent sent task of that kind; bare free text correlates
	// to the most recent sent playlist question.
	hasClock := clockMatcher.MatchString(text)
	lower := strings.ToLower(text)

	var kind TaskKind
	switch {
	case hasClock && strings.Contains(lower, "start"):
		kind = KindGameStartTime
	case hasClock && strings.Contains(lower, "end"):
		kind = KindGameEndTime
	default:
		kind = KindPlaylistName
	}

	var newest *NtfyTask
	for _, tasks := range queue.tasks {
		for _, task := range tasks {
			if task.Kind != kind || task.Status != TaskSent {
				continue
			}
			if newest == nil || task.SentAt.After(newest.SentAt) {
				newest = task
			}
		}
	}

	return newest
}

func (queue *notifierQueue) applyAnswer(ctx context.Context, task *NtfyTask, text string) {
	switch task.Kind {
	case KindGameStartTime:
		queue.applyTimeAnswer(ctx, task, text, true)
	case KindGameEndTime:
		queue.applyTimeAnswer(ctx, task, text, false)
	case KindPlaylistName:
		queue.applyPlaylistAnswer(task, text)
	default:
		// team_info questions are informational; the auditor detects the
		// operator's edit, so any reply just clears the question.
		queue.Lock()
		queue.removeLocked(task)
		if err := queue.persistLocked(); err != nil {
			log.Errorf("Failed to persist notifier state: %v\n", err)
		}
		queue.Unlock()
	}
}

// applyTimeAnswer advances or concludes a start/end time search. "Yes"
// writes the answer into match_info.ini; "no" steps the cursor forward and
// re-queues the question with a fresh screenshot.
func (queue *notifierQueue) applyTimeAnswer(ctx context.Context, task *NtfyTask, text string, isStart bool) {
	answeredYes := strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "yes")

	queue.Lock()
	defer queue.Unlock()

	if !answeredYes {
		task.TimeOffsetSeconds += int(stepInterval.Seconds())
		if queue.searchExhausted(task, isStart) {
			log.Warnf("Time search for %s exhausted without an answer\n", task.GroupDir)
			queue.removeLocked(task)
		} else {
			task.Status = TaskQueued
		}

		if err := queue.persistLocked(); err != nil {
			log.Errorf("Failed to persist notifier state: %v\n", err)
		}
		return
	}

	answered, ok := answeredClock(text, task)
	if !ok {
		log.Warnf("Could not extract a time from answer %q, ignoring\n", text)
		return
	}

	var merge state.MatchInfo
	if isStart {
		merge.StartTimeOffset = state.FormatClockDuration(answered)
	} else {
		total := answered - time.Duration(task.StartOffsetSeconds)*time.Second
		merge.TotalDuration = state.FormatClockDuration(total)
	}

	if _, err := state.MergeMatchInfo(task.GroupDir, merge); err != nil {
		log.Errorf("Failed to write match info for %s: %v\n", task.GroupDir, err)
		return
	}

	queue.removeLocked(task)
	if isStart {
		queue.push(queue.newGameEndTask(task.GroupDir, answered, task.DurationSeconds))
	}
	if err := queue.persistLocked(); err != nil {
		log.Errorf("Failed to persist notifier state: %v\n", err)
	}

	queue.eventBus.Dispatch(event.MatchInfoUpdatedEvent, task.GroupDir)
	log.Emit(logger.SUCCESS, "Recorded answer for %s (%s)\n", task.GroupDir, task.Kind)
}

func (queue *notifierQueue) applyPlaylistAnswer(task *NtfyTask, text string) {
	answer := strings.TrimSpace(taskIDMatcher.ReplaceAllString(text, ""))
	if answer == "" {
		return
	}

	err := state.Update(task.GroupDir, func(dirState *state.DirectoryState) error {
		dirState.PlaylistName = answer
		return nil
	})
	if err != nil {
		log.Errorf("Failed to record playlist name for %s: %v\n", task.GroupDir, err)
		return
	}

	queue.Lock()
	queue.removeLocked(task)
	if err := queue.persistLocked(); err != nil {
		log.Errorf("Failed to persist notifier state: %v\n", err)
	}
	queue.Unlock()

	queue.eventBus.Dispatch(event.MatchInfoUpdatedEvent, task.GroupDir)
	log.Emit(logger.SUCCESS, "Playlist for %s set to %q\n", task.GroupDir, answer)
}

// searchExhausted applies the iteration ceilings: the start search stops at
// min(video duration, 45 min); the end search stops 120 minutes past the
// recorded start offset.
func (queue *notifierQueue) searchExhausted(task *NtfyTask, isStart bool) bool {
	cursor := time.Duration(task.TimeOffsetSeconds) * time.Second
	if isStart {
		ceiling := gameStartCeiling
		if task.DurationSeconds > 0 && time.Duration(task.DurationSeconds)*time.Second < ceiling {
			ceiling = time.Duration(task.DurationSeconds) * time.Second
		}
		return cursor > ceiling
	}

	return cursor > time.Duration(task.StartOffsetSeconds)*time.Second+gameEndCeiling
}

func (queue *notifierQueue) newGameEndTask(groupDir string, start time.Duration, durationSeconds int) *NtfyTask {
	return &NtfyTask{
		ID:                 queue.nextID(KindGameEndTime),
		Kind:               KindGameEndTime,
		GroupDir:           groupDir,
		Status:             TaskQueued,
		TimeOffsetSeconds:  int((start + gameEndSearchBegin).Seconds()),
		StartOffsetSeconds: int(start.Seconds()),
		DurationSeconds:    durationSeconds,
	}
}

// answeredClock extracts the clock time the answer refers to, falling back
// to the task's current cursor for a bare "yes".
func answeredClock(text string, task *NtfyTask) (time.Duration, bool) {
	if groups := clockMatcher.FindStringSubmatch(text); groups != nil {
		if parsed, err := state.ParseClockDuration(groups[1]); err == nil {
			return parsed, true
		}
	}

	if task.TimeOffsetSeconds >= 0 {
		return time.Duration(task.TimeOffsetSeconds) * time.Second, true
	}

	return 0, false
}

func (queue *notifierQueue) combinedDuration(groupDir string) int {
	combinedPath := filepath.Join(groupDir, state.CombinedFileName)
	duration, err := ffmpeg.ProbeDuration(queue.config.Ffmpeg, combinedPath)
	if err != nil {
		log.Warnf("Could not probe %s: %v\n", combinedPath, err)
		return 0
	}

	return int(duration)
}

func (queue *notifierQueue) nextID(kind TaskKind) string {
	queue.counter++
	return fmt.Sprintf("%s-%d-%d", kind, queue.counter, time.Now().Unix())
}

func (queue *notifierQueue) push(task *NtfyTask) {
	queue.tasks[task.GroupDir] = append(queue.tasks[task.GroupDir], task)
}

func (queue *notifierQueue) removeLocked(task *NtfyTask) {
	tasks := queue.tasks[task.GroupDir]
	for i, candidate := range tasks {
		if candidate.ID == task.ID {
			queue.tasks[task.GroupDir] = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}

	if len(queue.tasks[task.GroupDir]) == 0 {
		delete(queue.tasks, task.GroupDir)
	}
}

// persistLocked writes the head question of every group plus the processed
// set. Queued tasks behind the head are rebuilt by the auditor after a
// crash, so only the in-flight question needs to survive.
func (queue *notifierQueue) persistLocked() error {
	persisted := persistedState{
		PendingInputs: make(map[string]persistedInput),
		ProcessedDirs: make([]string, 0, len(queue.processedDirs)),
	}

	for groupDir, tasks := range queue.tasks {
		if len(tasks) == 0 {
			continue
		}

		head := tasks[0]
		metadata := map[string]any{
			"task_id":   head.ID,
			"task_type": string(head.Kind),
			"status":    string(head.Status),
		}
		if !head.SentAt.IsZero() {
			metadata["sent_at"] = head.SentAt.Format(time.RFC3339)
		}
		if head.TimeOffsetSeconds != 0 {
			metadata["time_offset_seconds"] = head.TimeOffsetSeconds
		}
		if head.StartOffsetSeconds != 0 {
			metadata["start_offset_seconds"] = head.StartOffsetSeconds
		}
		if head.DurationSeconds != 0 {
			metadata["duration_seconds"] = head.DurationSeconds
		}
		if head.TeamName != "" {
			metadata["team_name"] = head.TeamName
		}
		if len(head.MissingFields) > 0 {
			metadata["missing_fields"] = head.MissingFields
		}

		persisted.PendingInputs[groupDir] = persistedInput{
			InputType: string(head.Kind),
			Timestamp: time.Now().Format(time.RFC3339),
			Metadata:  metadata,
		}
	}

	for groupDir := range queue.processedDirs {
		persisted.ProcessedDirs = append(persisted.ProcessedDirs, groupDir)
	}
	sort.Strings(persisted.ProcessedDirs)

	contents, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return err
	}

	return renameio.WriteFile(queue.config.StatePath, contents, 0o644)
}

// restore rebuilds in-flight questions from a previous run. A sent task is
// recreated as sent without resending: the outstanding notification is
// assumed still actionable. Unrecognisable entries are cleared.
func (queue *notifierQueue) restore() {
	contents, err := os.ReadFile(queue.config.StatePath)
	if err != nil {
		return
	}

	var persisted persistedState
	if err := json.Unmarshal(contents, &persisted); err != nil {
		log.Warnf("Notifier state file is malformed (%v), starting clean\n", err)
		return
	}

	for _, groupDir := range persisted.ProcessedDirs {
		queue.processedDirs[groupDir] = struct{}{}
	}

	for groupDir, input := range persisted.PendingInputs {
		var metadata taskMetadata
		if err := mapstructure.Decode(input.Metadata, &metadata); err != nil {
			log.Warnf("Clearing unrecognisable pending input for %s: %v\n", groupDir, err)
			continue
		}

		status := TaskStatus(metadata.Status)
		if status != TaskQueued && status != TaskSent {
			log.Warnf("Clearing pending input for %s with unknown status %q\n", groupDir, metadata.Status)
			continue
		}

		task := &NtfyTask{
			ID:                 metadata.TaskID,
			Kind:               TaskKind(metadata.TaskType),
			GroupDir:           groupDir,
			Status:             status,
			TimeOffsetSeconds:  metadata.TimeOffsetSeconds,
			StartOffsetSeconds: metadata.StartOffsetSeconds,
			DurationSeconds:    metadata.DurationSeconds,
			TeamName:           metadata.TeamName,
			MissingFields:      metadata.MissingFields,
		}
		if status == TaskSent {
			if sentAt, err := time.Parse(time.RFC3339, metadata.SentAt); err == nil {
				task.SentAt = sentAt
			} else {
				task.SentAt = time.Now()
			}
		}

		queue.push(task)
	}
}
