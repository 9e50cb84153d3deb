// Package queue is a durable SQLite message queue with visibility leases.
//
// A dequeued message stays invisible until its lease expires. The consumer
// holding the pop receipt may extend the lease or delete the message; after
// expiry the message is redelivered with an incremented dequeue count.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Queue)

// WithClock overrides the time source used for visibility checks.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{db: db, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// NormalizeName lower-cases and trims a queue name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Enqueue adds a message that becomes visible after delay.
func (q *Queue) Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error) {
	queue = NormalizeName(queue)
	if queue == "" {
		return "", fmt.Errorf("queue name is empty")
	}
	if body == nil {
		body = []byte{}
	}
	if delay < 0 {
		delay = 0
	}

	id := uuid.NewString()
	now := q.now().UTC()

	_, err := q.db.ExecContext(ctx, `
INSERT INTO queue_messages(id, queue, body, inserted_at, visible_at, dequeue_count)
VALUES(?, ?, ?, ?, ?, 0);
`, id, queue, body, now.UnixNano(), now.Add(delay).UnixNano())
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	return id, nil
}

// Dequeue claims up to max visible messages, oldest first, hiding each for
// lease. Returns an empty slice when nothing is visible.
func (q *Queue) Dequeue(ctx context.Context, queue string, lease time.Duration, max int) ([]*Message, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("lease must be positive")
	}
	if max <= 0 {
		max = 1
	}

	var out []*Message
	for len(out) < max {
		m, err := q.dequeueOne(ctx, NormalizeName(queue), lease)
		if err != nil {
			return out, err
		}
		if m == nil {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (q *Queue) dequeueOne(ctx context.Context, queue string, lease time.Duration) (*Message, error) {
	now := q.now().UTC()
	receipt := uuid.NewString()

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM queue_messages
  WHERE queue = ? AND visible_at <= ?
  ORDER BY visible_at ASC, inserted_at ASC, rowid ASC
  LIMIT 1
)
UPDATE queue_messages
SET visible_at = ?, pop_receipt = ?, dequeue_count = dequeue_count + 1
WHERE id IN (SELECT id FROM next)
RETURNING id, queue, body, inserted_at, visible_at, pop_receipt, dequeue_count;
`, queue, now.UnixNano(), now.Add(lease).UnixNano(), receipt)

	var (
		m         Message
		inserted  int64
		visibleAt int64
	)
	err := row.Scan(&m.ID, &m.Queue, &m.Body, &inserted, &visibleAt, &m.PopReceipt, &m.DequeueCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}
	m.InsertedAt = time.Unix(0, inserted).UTC()
	m.VisibleAt = time.Unix(0, visibleAt).UTC()
	return &m, nil
}

// ExtendLease pushes the message's visibility out to now+lease. It fails with
// ErrLeaseLost when popReceipt is stale.
func (q *Queue) ExtendLease(ctx context.Context, queue, id, popReceipt string, lease time.Duration) (time.Time, error) {
	until := q.now().UTC().Add(lease)

	res, err := q.db.ExecContext(ctx, `
UPDATE queue_messages
SET visible_at = ?
WHERE queue = ? AND id = ? AND pop_receipt = ?;
`, until.UnixNano(), NormalizeName(queue), id, popReceipt)
	if err != nil {
		return time.Time{}, fmt.Errorf("extend lease of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, ErrLeaseLost
	}
	return until, nil
}

// Delete removes a message held under popReceipt.
func (q *Queue) Delete(ctx context.Context, queue, id, popReceipt string) error {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM queue_messages
WHERE queue = ? AND id = ? AND pop_receipt = ?;
`, NormalizeName(queue), id, popReceipt)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Get returns a message without leasing it.
func (q *Queue) Get(ctx context.Context, queue, id string) (*Message, error) {
	var (
		m         Message
		inserted  int64
		visibleAt int64
		receipt   sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
SELECT id, queue, body, inserted_at, visible_at, pop_receipt, dequeue_count
FROM queue_messages
WHERE queue = ? AND id = ?;
`, NormalizeName(queue), id).Scan(&m.ID, &m.Queue, &m.Body, &inserted, &visibleAt, &receipt, &m.DequeueCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	m.InsertedAt = time.Unix(0, inserted).UTC()
	m.VisibleAt = time.Unix(0, visibleAt).UTC()
	m.PopReceipt = receipt.String
	return &m, nil
}

// Stats reports visible and leased counts for every queue holding messages.
func (q *Queue) Stats(ctx context.Context) ([]Stats, error) {
	now := q.now().UTC().UnixNano()

	rows, err := q.db.QueryContext(ctx, `
SELECT queue,
       SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END),
       SUM(CASE WHEN visible_at > ? THEN 1 ELSE 0 END),
       MIN(inserted_at)
FROM queue_messages
GROUP BY queue
ORDER BY queue;
`, now, now)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var (
			s      Stats
			oldest sql.NullInt64
		)
		if err := rows.Scan(&s.Queue, &s.Visible, &s.Leased, &oldest); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		if oldest.Valid {
			t := time.Unix(0, oldest.Int64).UTC()
			s.OldestAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
