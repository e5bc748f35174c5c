package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgrayson/pitchcap/internal/event"
	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []Message
	sendErr error
	events  chan Event
	onSend  func(Message)
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan Event, 8)}
}

func (n *fakeNotifier) Send(_ context.Context, message Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.onSend != nil {
		n.onSend(message)
	}
	if n.sendErr != nil {
		return n.sendErr
	}

	n.sent = append(n.sent, message)
	return nil
}

func (n *fakeNotifier) Subscribe(context.Context) <-chan Event {
	return n.events
}

func (n *fakeNotifier) sentMessages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]Message(nil), n.sent...)
}

type queueHarness struct {
	queue     *notifierQueue
	notifier  *fakeNotifier
	statePath string
}

func newQueueHarness(t *testing.T) *queueHarness {
	t.Helper()

	notifier := newFakeNotifier()
	statePath := filepath.Join(t.TempDir(), "ntfy_service_state.json")
	queue := NewQueue(QueueConfig{StatePath: statePath}, notifier, event.New())

	return &queueHarness{queue: queue, notifier: notifier, statePath: statePath}
}

func (h *queueHarness) readState(t *testing.T) persistedState {
	t.Helper()

	contents, err := os.ReadFile(h.statePath)
	require.NoError(t, err)

	var persisted persistedState
	require.NoError(t, json.Unmarshal(contents, &persisted))
	return persisted
}

func (h *queueHarness) headTask(groupDir string) *NtfyTask {
	h.queue.Lock()
	defer h.queue.Unlock()

	tasks := h.queue.tasks[groupDir]
	if len(tasks) == 0 {
		return nil
	}

	return tasks[0]
}

// infoMissingStartOffset yields match info whose only gap is the start time,
// so RequestMatchInfo queues exactly one game_start_time question.
func infoMissingStartOffset() state.MatchInfo {
	return state.MatchInfo{MyTeamName: "Strikers", OpponentTeamName: "Rovers", Location: "Memorial Park"}
}

func TestRequestMatchInfo_SendsOnlyTheHeadQuestion(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, state.MatchInfo{}, false))
	assert.True(t, harness.queue.HasPending(groupDir))

	harness.queue.tick(context.Background())
	harness.queue.tick(context.Background())

	// Two questions are queued (team info + start search) but only the head
	// may be in flight; repeated ticks never double-send it.
	sent := harness.notifier.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Title, "Match info needed")
}

func TestRequestMatchInfo_IsIdempotentWhilePendingOrProcessed(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), false))
	firstHead := harness.headTask(groupDir)
	require.NotNil(t, firstHead)

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), false))
	assert.Equal(t, firstHead.ID, harness.headTask(groupDir).ID, "a pending group is not re-asked")

	harness.queue.MarkProcessed(groupDir)
	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), false))
	assert.False(t, harness.queue.HasPending(groupDir), "a processed group is not re-asked")

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), true))
	assert.True(t, harness.queue.HasPending(groupDir), "force overrides the processed mark")
}

func TestSend_PersistsSentStatusBeforePublishing(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	harness.notifier.onSend = func(Message) {
		// Observed from inside the transport: the state file must already
		// record the question as sent.
		persisted := harness.readState(t)
		input, ok := persisted.PendingInputs[groupDir]
		require.True(t, ok)
		assert.Equal(t, "sent", input.Metadata["status"])
	}

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), false))
	harness.queue.tick(context.Background())
	require.Len(t, harness.notifier.sentMessages(), 1)
}

func TestSend_FailureRevertsTaskToQueued(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()
	harness.notifier.sendErr = fmt.Errorf("ntfy unreachable")

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), false))
	harness.queue.tick(context.Background())

	head := harness.headTask(groupDir)
	require.NotNil(t, head)
	assert.Equal(t, TaskQueued, head.Status)
}

func TestHandleEvent_SuppressesEchoesOfOutboundMessages(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), false))
	harness.queue.tick(context.Background())

	sent := harness.notifier.sentMessages()
	require.Len(t, sent, 1)

	// ntfy streams our own publishes back at us.
	harness.queue.handleEvent(context.Background(), Event{Kind: "message", Message: sent[0].Body})

	head := harness.headTask(groupDir)
	require.NotNil(t, head)
	assert.Equal(t, TaskSent, head.Status, "an echo is not an answer")
}

func TestHandleEvent_YesAnswerRecordsStartAndQueuesEndSearch(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	updates := 0
	bus := event.New()
	bus.RegisterHandlerFunction(event.MatchInfoUpdatedEvent, func(event.Event, event.Payload) { updates++ })
	harness.queue.eventBus = bus

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), false))
	harness.queue.tick(context.Background())

	head := harness.headTask(groupDir)
	require.NotNil(t, head)
	require.Equal(t, KindGameStartTime, head.Kind)

	answer := fmt.Sprintf("Yes, game started at 00:05:00 (ID: %s)", head.ID)
	harness.queue.handleEvent(context.Background(), Event{Kind: "message", Message: answer})

	info, err := state.LoadMatchInfo(groupDir)
	require.NoError(t, err)
	assert.Equal(t, "00:05:00", info.StartTimeOffset)
	assert.Equal(t, 1, updates)

	// The start answer seeds the end-time search 45 minutes past the start.
	endTask := harness.headTask(groupDir)
	require.NotNil(t, endTask)
	assert.Equal(t, KindGameEndTime, endTask.Kind)
	assert.Equal(t, 300, endTask.StartOffsetSeconds)
	assert.Equal(t, int((5*time.Minute + 45*time.Minute).Seconds()), endTask.TimeOffsetSeconds)
}

func TestHandleEvent_NoAnswerStepsTheCursorAndRequeues(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), false))
	harness.queue.tick(context.Background())

	head := harness.headTask(groupDir)
	require.NotNil(t, head)

	answer := fmt.Sprintf("No, not yet at 00:00:00 (ID: %s)", head.ID)
	harness.queue.handleEvent(context.Background(), Event{Kind: "message", Message: answer})

	assert.Equal(t, 300, head.TimeOffsetSeconds)
	assert.Equal(t, TaskQueued, head.Status)

	persisted := harness.readState(t)
	assert.EqualValues(t, 300, persisted.PendingInputs[groupDir].Metadata["time_offset_seconds"])
}

func TestHandleEvent_EndAnswerRecordsDurationRelativeToStart(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	task := &NtfyTask{
		ID:                 harness.queue.nextID(KindGameEndTime),
		Kind:               KindGameEndTime,
		GroupDir:           groupDir,
		Status:             TaskSent,
		SentAt:             time.Now(),
		TimeOffsetSeconds:  int((95 * time.Minute).Seconds()),
		StartOffsetSeconds: 300,
	}
	harness.queue.push(task)

	answer := fmt.Sprintf("Yes, game ended at 01:35:00 (ID: %s)", task.ID)
	harness.queue.handleEvent(context.Background(), Event{Kind: "message", Message: answer})

	info, err := state.LoadMatchInfo(groupDir)
	require.NoError(t, err)
	assert.Equal(t, "01:30:00", info.TotalDuration, "duration is the end clock minus the start offset")
	assert.False(t, harness.queue.HasPending(groupDir))
}

func TestApplyTimeAnswer_SearchStopsAtTheCeiling(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	task := &NtfyTask{
		ID:                harness.queue.nextID(KindGameStartTime),
		Kind:              KindGameStartTime,
		GroupDir:          groupDir,
		Status:            TaskSent,
		SentAt:            time.Now(),
		TimeOffsetSeconds: int(gameStartCeiling.Seconds()),
	}
	harness.queue.push(task)

	harness.queue.applyTimeAnswer(context.Background(), task, "No, not yet", true)

	assert.False(t, harness.queue.HasPending(groupDir), "stepping past 45 minutes abandons the search")
	info, err := state.LoadMatchInfo(groupDir)
	require.NoError(t, err)
	assert.Empty(t, info.StartTimeOffset)
}

func TestApplyTimeAnswer_ShortVideoCapsTheStartSearch(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	task := &NtfyTask{
		ID:                harness.queue.nextID(KindGameStartTime),
		Kind:              KindGameStartTime,
		GroupDir:          groupDir,
		Status:            TaskSent,
		SentAt:            time.Now(),
		TimeOffsetSeconds: int((10 * time.Minute).Seconds()),
		DurationSeconds:   int((12 * time.Minute).Seconds()),
	}
	harness.queue.push(task)

	harness.queue.applyTimeAnswer(context.Background(), task, "No, not yet", true)

	assert.False(t, harness.queue.HasPending(groupDir), "the search never runs past the end of the video")
}

func TestHandleEvent_PlaylistAnswerLandsInGroupState(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	require.NoError(t, harness.queue.RequestPlaylistName(groupDir, "Strikers"))
	harness.queue.tick(context.Background())

	head := harness.headTask(groupDir)
	require.NotNil(t, head)
	require.Equal(t, KindPlaylistName, head.Kind)

	// Free text with no explicit ID correlates to the outstanding playlist
	// question.
	harness.queue.handleEvent(context.Background(), Event{Kind: "message", Message: "Spring 2026 Matches"})

	assert.Equal(t, "Spring 2026 Matches", state.Load(groupDir).PlaylistName)
	assert.False(t, harness.queue.HasPending(groupDir))
}

func TestCollectOnce_DrivesTheDialogueToCompletion(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()
	require.NoError(t, state.SaveMatchInfo(groupDir, infoMissingStartOffset()))

	// Both answers are waiting on the stream before the dialogue starts; the
	// collect loop must send each question and apply each answer itself.
	harness.notifier.events <- Event{Kind: "message", Message: "Yes the game started at 00:05:00"}
	harness.notifier.events <- Event{Kind: "message", Message: "Yes the game ended at 01:35:00"}

	require.NoError(t, harness.queue.CollectOnce(context.Background(), groupDir, false))

	info, err := state.LoadMatchInfo(groupDir)
	require.NoError(t, err)
	assert.Equal(t, "00:05:00", info.StartTimeOffset)
	assert.Equal(t, "01:30:00", info.TotalDuration)
	assert.False(t, harness.queue.HasPending(groupDir))

	sent := harness.notifier.sentMessages()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].Body, "started")
	assert.Contains(t, sent[1].Body, "ended")
}

func TestCollectOnce_CompleteInfoSendsNothing(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()
	require.NoError(t, state.SaveMatchInfo(groupDir, state.MatchInfo{
		MyTeamName:       "Strikers",
		OpponentTeamName: "Rovers",
		Location:         "Memorial Park",
		StartTimeOffset:  "00:05:00",
	}))

	require.NoError(t, harness.queue.CollectOnce(context.Background(), groupDir, false))
	assert.Empty(t, harness.notifier.sentMessages())
}

func TestHandleEvent_ContentMatchCorrelatesWithoutID(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	require.NoError(t, harness.queue.RequestMatchInfo(groupDir, infoMissingStartOffset(), false))
	harness.queue.tick(context.Background())

	harness.queue.handleEvent(context.Background(), Event{Kind: "message", Message: "Yes the game started at 00:10:00"})

	info, err := state.LoadMatchInfo(groupDir)
	require.NoError(t, err)
	assert.Equal(t, "00:10:00", info.StartTimeOffset)
}

func TestTick_DropsQuestionsUnansweredPastTheTimeout(t *testing.T) {
	harness := newQueueHarness(t)
	groupDir := t.TempDir()

	task := &NtfyTask{
		ID:       harness.queue.nextID(KindGameStartTime),
		Kind:     KindGameStartTime,
		GroupDir: groupDir,
		Status:   TaskSent,
		SentAt:   time.Now().Add(-sentTimeout - time.Minute),
	}
	harness.queue.push(task)

	harness.queue.tick(context.Background())

	assert.False(t, harness.queue.HasPending(groupDir))
	assert.Empty(t, harness.notifier.sentMessages())
}

func TestRestore_RebuildsInFlightQuestionsWithoutResending(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "ntfy_service_state.json")
	sentAt := time.Now().Add(-time.Minute).Format(time.RFC3339)
	contents := fmt.Sprintf(`{
		"pending_inputs": {
			"/groups/sent": {
				"input_type": "game_start_time",
				"timestamp": %q,
				"metadata": {"task_id": "game_start_time-1-100", "task_type": "game_start_time", "status": "sent", "sent_at": %q, "time_offset_seconds": 600}
			},
			"/groups/queued": {
				"input_type": "playlist_name",
				"timestamp": %q,
				"metadata": {"task_id": "playlist_name-2-100", "task_type": "playlist_name", "status": "queued", "team_name": "Strikers"}
			},
			"/groups/unknown": {
				"input_type": "game_start_time",
				"timestamp": %q,
				"metadata": {"task_id": "game_start_time-3-100", "task_type": "game_start_time", "status": "answered"}
			}
		},
		"processed_dirs": ["/groups/done"]
	}`, sentAt, sentAt, sentAt, sentAt)
	require.NoError(t, os.WriteFile(statePath, []byte(contents), 0o644))

	notifier := newFakeNotifier()
	queue := NewQueue(QueueConfig{StatePath: statePath}, notifier, event.New())

	assert.True(t, queue.HasPending("/groups/sent"))
	assert.True(t, queue.HasPending("/groups/queued"))
	assert.False(t, queue.HasPending("/groups/unknown"), "unrecognised status is cleared")

	queue.tick(context.Background())

	// Only the still-queued question goes out; the sent one is assumed to be
	// sitting unanswered on the operator's phone already.
	sent := notifier.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Title, "Playlist needed")

	assert.Equal(t, 600, queue.tasks["/groups/sent"][0].TimeOffsetSeconds)

	require.NoError(t, queue.RequestMatchInfo("/groups/done", infoMissingStartOffset(), false))
	assert.False(t, queue.HasPending("/groups/done"), "processed set survives the restart")
}
