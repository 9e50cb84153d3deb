package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Invocation is one row of the invocation log.
type Invocation struct {
	ID          string    `json:"id"`
	Function    string    `json:"function"`
	TriggerKind string    `json:"trigger_kind"`
	Subject     string    `json:"subject"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	LastError   string    `json:"last_error,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
}

// History persists invocation outcomes.
type History struct {
	db *sql.DB
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

func (h *History) Record(ctx context.Context, inv Invocation) error {
	_, err := h.db.ExecContext(ctx, `
INSERT INTO invocation_log(id, function, trigger_kind, subject, status, started_at, completed_at, last_error, stderr)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, inv.ID, inv.Function, inv.TriggerKind, inv.Subject, string(inv.Status),
		inv.StartedAt.UTC().Format(time.RFC3339Nano), inv.CompletedAt.UTC().Format(time.RFC3339Nano),
		nullString(inv.LastError), nullString(inv.Stderr))
	if err != nil {
		return fmt.Errorf("record invocation %s: %w", inv.ID, err)
	}
	return nil
}

// Recent returns the newest invocations, optionally for one function.
func (h *History) Recent(ctx context.Context, function string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
SELECT id, function, trigger_kind, subject, status, started_at, completed_at, last_error, stderr
FROM invocation_log
WHERE (? = '' OR function = ?)
ORDER BY completed_at DESC, id DESC
LIMIT ?;
`, function, function, limit)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var (
			inv                  Invocation
			status               string
			started, completed   string
			lastError, stderrOut sql.NullString
		)
		if err := rows.Scan(&inv.ID, &inv.Function, &inv.TriggerKind, &inv.Subject, &status,
			&started, &completed, &lastError, &stderrOut); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.Status = Status(status)
		inv.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		inv.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		inv.LastError = lastError.String
		inv.Stderr = stderrOut.String
		out = append(out, inv)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
