package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Task status values. Pending is written by the publisher before the envelope
// hits the bus; workers move the task through processing to a terminal state.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Event type values carried on the progress channel and mapped 1:1 onto SSE
// event names by the gateway.
const (
	EventRestore   = "restore"
	EventConnected = "connected"
	EventProgress  = "progress"
	EventToken     = "token"
	EventSources   = "sources"
	EventMetrics   = "metrics"
	EventDone      = "done"
	EventError     = "error"
)

// TerminalStatus reports whether a status ends the task lifecycle.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Source is one retrieved citation attached to a sources event.
type Source struct {
	DocumentID string  `json:"document_id,omitempty"`
	WebURL     string  `json:"web_url,omitempty"`
	Text       string  `json:"text,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// BatchInfo describes ingest batch progress.
type BatchInfo struct {
	Batch   int `json:"batch"`
	Total   int `json:"total"`
	Items   int `json:"items"`
	Failed  int `json:"failed"`
	Pending int `json:"pending,omitempty"`
}

// ProgressEvent is the single event shape flowing worker → channel → SSE.
type ProgressEvent struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	BotID     string          `json:"bot_id,omitempty"`
	Progress  int             `json:"progress"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp"`
	BatchInfo *BatchInfo      `json:"batch_info,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Chunk     string          `json:"chunk,omitempty"`
	Sources   []Source        `json:"sources,omitempty"`
}

// ProgressChannel returns the pub/sub channel name for a task.
func ProgressChannel(taskID string) string {
	return "progress:" + taskID
}

// ProgressBus publishes task progress. Every publish dual-writes the latest
// event into the TaskState hash so reconnecting SSE clients can restore.
type ProgressBus struct {
	kv    KV
	state *TaskStateStore
}

func NewProgressBus(kv KV) *ProgressBus {
	return &ProgressBus{kv: kv, state: NewTaskStateStore(kv)}
}

// State exposes the task-state store sharing this bus's KV connection.
func (b *ProgressBus) State() *TaskStateStore { return b.state }

// Publish sends the event on the task's channel and mirrors it into the
// TaskState hash. The hash write happens first: a subscriber that connects
// between the two writes restores a view at least as fresh as the channel.
func (b *ProgressBus) Publish(ctx context.Context, ev ProgressEvent) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.Type == "" {
		ev.Type = EventProgress
	}

	if err := b.state.Write(ctx, ev); err != nil {
		slog.Warn("[ProgressBus] TaskState write failed", "task_id", ev.TaskID, "error", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return b.kv.Publish(ctx, ProgressChannel(ev.TaskID), payload)
}

// Subscribe opens a subscription on the task's progress channel.
func (b *ProgressBus) Subscribe(ctx context.Context, taskID string) (Subscription, error) {
	return b.kv.Subscribe(ctx, ProgressChannel(taskID))
}

const (
	taskStateTTL         = 24 * time.Hour
	taskStateTerminalTTL = 60 * time.Second
)

// TaskStateStore keeps the latest observable state of each task in a hash.
type TaskStateStore struct {
	kv KV
}

func NewTaskStateStore(kv KV) *TaskStateStore {
	return &TaskStateStore{kv: kv}
}

func taskStateKey(taskID string) string { return "task:state:" + taskID }

// Init writes the initial pending state for a freshly published task.
func (s *TaskStateStore) Init(ctx context.Context, taskID, botID string) error {
	return s.Write(ctx, ProgressEvent{
		Type:      EventProgress,
		TaskID:    taskID,
		BotID:     botID,
		Status:    StatusPending,
		Progress:  0,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Write stores the event as the task's latest state. Running tasks keep a
// 24 h TTL; after a terminal transition the hash is compressed to 60 s so
// late-reconnecting SSE clients still observe the outcome.
func (s *TaskStateStore) Write(ctx context.Context, ev ProgressEvent) error {
	key := taskStateKey(ev.TaskID)
	fields := map[string]string{
		"task_id":   ev.TaskID,
		"status":    ev.Status,
		"progress":  strconv.Itoa(ev.Progress),
		"message":   ev.Message,
		"timestamp": strconv.FormatInt(ev.Timestamp, 10),
	}
	if ev.BotID != "" {
		fields["bot_id"] = ev.BotID
	}
	if len(ev.Result) > 0 {
		fields["result"] = string(ev.Result)
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}
	if err := s.kv.HSet(ctx, key, fields); err != nil {
		return err
	}

	ttl := taskStateTTL
	if TerminalStatus(ev.Status) {
		ttl = taskStateTerminalTTL
	}
	return s.kv.Expire(ctx, key, ttl)
}

// Get returns the latest stored event for a task, or ErrNotFound.
func (s *TaskStateStore) Get(ctx context.Context, taskID string) (ProgressEvent, error) {
	h, err := s.kv.HGetAll(ctx, taskStateKey(taskID))
	if err != nil {
		return ProgressEvent{}, err
	}
	if len(h) == 0 {
		return ProgressEvent{}, ErrNotFound
	}
	ev := ProgressEvent{
		Type:    EventProgress,
		TaskID:  h["task_id"],
		BotID:   h["bot_id"],
		Status:  h["status"],
		Message: h["message"],
		Error:   h["error"],
	}
	ev.Progress, _ = strconv.Atoi(h["progress"])
	ev.Timestamp, _ = strconv.ParseInt(h["timestamp"], 10, 64)
	if r := h["result"]; r != "" {
		ev.Result = json.RawMessage(r)
	}
	return ev, nil
}

// Status returns just the status field, with "" for unknown tasks.
func (s *TaskStateStore) Status(ctx context.Context, taskID string) (string, error) {
	ev, err := s.Get(ctx, taskID)
	if err != nil {
		if err == ErrNotFound {
			return "", nil
		}
		return "", err
	}
	return ev.Status, nil
}
