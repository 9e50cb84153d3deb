package api

import "time"

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Triggers      int    `json:"triggers"`
	Subscribers   int    `json:"subscribers"`
	DroppedEvents int64  `json:"dropped_events"`
}

// ObjectResponse describes a stored object.
type ObjectResponse struct {
	Container   string    `json:"container"`
	Name        string    `json:"name"`
	ETag        string    `json:"etag"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// EnqueueResponse is returned by POST /queues/{queue}/messages.
type EnqueueResponse struct {
	Queue     string `json:"queue"`
	MessageID string `json:"message_id"`
}

// PublishResponse is returned by POST /bus/{subject}.
type PublishResponse struct {
	Subject  string `json:"subject"`
	Sequence uint64 `json:"sequence"`
}

// NotifyRequest is the body of POST /notify.
type NotifyRequest struct {
	Container string `json:"container"`
	Name      string `json:"name"`
}

// NotifyResponse reports how many triggers accepted the candidate.
type NotifyResponse struct {
	Path    string `json:"path"`
	Invoked int    `json:"invoked"`
}

// TriggerResponse is one entry of GET /triggers.
type TriggerResponse struct {
	Function string   `json:"function"`
	Kind     string   `json:"kind"`
	Input    string   `json:"input,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// QueueStatsResponse is one entry of GET /queues.
type QueueStatsResponse struct {
	Queue    string     `json:"queue"`
	Visible  int        `json:"visible"`
	Leased   int        `json:"leased"`
	OldestAt *time.Time `json:"oldest_at,omitempty"`
}
