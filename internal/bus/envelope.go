// Package bus is the durable task handoff layer on RabbitMQ. Every task
// crossing process boundaries travels as an Envelope on a typed queue with
// persistent delivery, a priority, and a dead-letter target.
package bus

import (
	"encoding/json"
	"fmt"
)

// TaskType discriminates the envelope payload.
type TaskType string

const (
	TaskFileUpload     TaskType = "file_upload"
	TaskCrawl          TaskType = "crawl"
	TaskDeleteDocument TaskType = "delete_document"
	TaskRecrawl        TaskType = "recrawl"
	TaskChat           TaskType = "chat"
	TaskGrading        TaskType = "grading"
	TaskAssessment     TaskType = "assessment"
	TaskEmail          TaskType = "email"
)

// Envelope is the wire shape of a task. Data is decoded per task type via
// DecodeData; unknown types are malformed and route to the DLQ.
type Envelope struct {
	TaskID   string          `json:"task_id"`
	TaskType TaskType        `json:"task_type"`
	BotID    string          `json:"bot_id"`
	Data     json.RawMessage `json:"data"`
}

// ChatTaskData drives one conversational turn.
type ChatTaskData struct {
	SessionToken string `json:"session_token"`
	VisitorID    string `json:"visitor_id"`
	Query        string `json:"query"`
	Streaming    bool   `json:"streaming"`
}

// FileUploadData points at a scratch file written by the gateway.
type FileUploadData struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	// ScratchPath is /tmp/uploads/<task_id>_<filename>.
	ScratchPath string `json:"scratch_path"`
}

// CrawlData selects sitemap mode (seed list) or BFS from Origin.
type CrawlData struct {
	Origin   string   `json:"origin,omitempty"`
	SeedURLs []string `json:"seed_urls,omitempty"`
}

type DeleteDocumentData struct {
	DocumentID string `json:"document_id"`
}

// RecrawlData drops the previous url-sourced documents, then crawls the
// seeds fresh.
type RecrawlData struct {
	SeedURLs []string `json:"seed_urls"`
}

type GradingData struct {
	VisitorID string `json:"visitor_id"`
	SessionID string `json:"session_id"`
	Force     bool   `json:"force"`
}

type AssessmentData struct {
	VisitorID string `json:"visitor_id"`
	SessionID string `json:"session_id"`
	Force     bool   `json:"force"`
}

type EmailData struct {
	To       string         `json:"to"`
	Template string         `json:"template"`
	Params   map[string]any `json:"params,omitempty"`
}

// ErrMalformed marks envelopes that must not be requeued.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string { return "malformed envelope: " + e.Reason }

// NewEnvelope marshals a typed payload into an envelope.
func NewEnvelope(taskID string, taskType TaskType, botID string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal task data: %w", err)
	}
	return Envelope{TaskID: taskID, TaskType: taskType, BotID: botID, Data: raw}, nil
}

// Marshal encodes an envelope for the wire.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses raw bytes into an envelope and validates its discriminator.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, &ErrMalformed{Reason: err.Error()}
	}
	if env.TaskID == "" {
		return Envelope{}, &ErrMalformed{Reason: "missing task_id"}
	}
	if _, ok := queueByType[env.TaskType]; !ok {
		return Envelope{}, &ErrMalformed{Reason: "unknown task_type " + string(env.TaskType)}
	}
	return env, nil
}

// DecodeData unmarshals the payload into dst, typed per the envelope.
func (e Envelope) DecodeData(dst any) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return &ErrMalformed{Reason: fmt.Sprintf("task %s data: %v", e.TaskID, err)}
	}
	return nil
}
