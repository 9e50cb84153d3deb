package protocol

import (
	"encoding/json"
	"time"
)

const Version = 1

// Request is the envelope written to a function's stdin.
type Request struct {
	Protocol     int       `json:"protocol"`
	InvocationID string    `json:"invocation_id"`
	Function     string    `json:"function"`
	Trigger      string    `json:"trigger"` // object | queue | bus
	DeadlineAt   time.Time `json:"deadline_at"`

	Object  *ObjectInput  `json:"object,omitempty"`
	Message *MessageInput `json:"message,omitempty"`
}

// ObjectInput describes the object that fired an object trigger.
type ObjectInput struct {
	Path       string            `json:"path"`
	Container  string            `json:"container"`
	Name       string            `json:"name"`
	Captures   map[string]string `json:"captures"`
	ModifiedAt time.Time         `json:"modified_at"`
	Outputs    []string          `json:"outputs,omitempty"`
}

// MessageInput describes the queue or bus message that fired a trigger.
// Body is set when the payload is JSON, BodyBase64 otherwise.
type MessageInput struct {
	Source       string          `json:"source"`
	ID           string          `json:"id"`
	DequeueCount int             `json:"dequeue_count"`
	InsertedAt   time.Time       `json:"inserted_at,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	BodyBase64   []byte          `json:"body_base64,omitempty"`
}

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Response is the envelope read from a function's stdout.
type Response struct {
	Status Status     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a log line reported by a function.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// MessageBody fills Body or BodyBase64 depending on whether b is JSON.
func MessageBody(in *MessageInput, b []byte) {
	if len(b) > 0 && json.Valid(b) {
		in.Body = json.RawMessage(b)
		return
	}
	in.BodyBase64 = b
}
