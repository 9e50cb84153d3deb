// Package state persists per-listener progress (change-log cursors and sweep
// high-water marks) as small JSON documents.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

const DefaultMaxStateBytes = 64 * 1024

const (
	keyCursor = "cursor"
	keySweeps = "sweeps"
)

type Store struct {
	db       *sql.DB
	maxBytes int
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		maxBytes: DefaultMaxStateBytes,
	}
}

// Get returns the full state document for a listener, or {} if missing.
func (s *Store) Get(ctx context.Context, listener string) (json.RawMessage, error) {
	if listener == "" {
		return nil, fmt.Errorf("listener name is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM listener_state WHERE listener = ?;", listener).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read listener state: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored state is invalid JSON for listener=%q", listener)
	}
	return json.RawMessage(raw), nil
}

// ShallowMerge replaces the given top-level keys and persists the result.
func (s *Store) ShallowMerge(ctx context.Context, listener string, updates json.RawMessage) (json.RawMessage, error) {
	if listener == "" {
		return nil, fmt.Errorf("listener name is empty")
	}
	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode state updates: %w", err)
	}

	var merged []byte
	err = s.update(ctx, listener, func(cur map[string]json.RawMessage) error {
		maps.Copy(cur, upd)
		return nil
	}, &merged)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(merged), nil
}

// Cursor returns the persisted change-log cursor, 0 when none was saved.
func (s *Store) Cursor(ctx context.Context, listener string) (int64, error) {
	doc, err := s.Get(ctx, listener)
	if err != nil {
		return 0, err
	}
	var v struct {
		Cursor int64 `json:"cursor"`
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return 0, fmt.Errorf("decode cursor for %q: %w", listener, err)
	}
	return v.Cursor, nil
}

// AdvanceCursor stores cursor if it is greater than the persisted one. A
// cursor never moves backwards.
func (s *Store) AdvanceCursor(ctx context.Context, listener string, cursor int64) error {
	return s.update(ctx, listener, func(cur map[string]json.RawMessage) error {
		var existing int64
		if raw, ok := cur[keyCursor]; ok {
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode stored cursor: %w", err)
			}
		}
		if cursor <= existing {
			return nil
		}
		b, _ := json.Marshal(cursor)
		cur[keyCursor] = b
		return nil
	}, nil)
}

// SweepMarks returns the per-container high-water marks of completed sweeps.
func (s *Store) SweepMarks(ctx context.Context, listener string) (map[string]time.Time, error) {
	doc, err := s.Get(ctx, listener)
	if err != nil {
		return nil, err
	}
	var v struct {
		Sweeps map[string]time.Time `json:"sweeps"`
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("decode sweep marks for %q: %w", listener, err)
	}
	if v.Sweeps == nil {
		v.Sweeps = map[string]time.Time{}
	}
	return v.Sweeps, nil
}

// SetSweepMark records the latest modification time seen by a completed
// sweep of container.
func (s *Store) SetSweepMark(ctx context.Context, listener, container string, mark time.Time) error {
	return s.update(ctx, listener, func(cur map[string]json.RawMessage) error {
		sweeps := map[string]time.Time{}
		if raw, ok := cur[keySweeps]; ok {
			if err := json.Unmarshal(raw, &sweeps); err != nil {
				return fmt.Errorf("decode stored sweep marks: %w", err)
			}
		}
		sweeps[container] = mark.UTC()
		b, err := json.Marshal(sweeps)
		if err != nil {
			return err
		}
		cur[keySweeps] = b
		return nil
	}, nil)
}

func (s *Store) update(ctx context.Context, listener string, mutate func(map[string]json.RawMessage) error, out *[]byte) error {
	if listener == "" {
		return fmt.Errorf("listener name is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT state FROM listener_state WHERE listener = ?;", listener).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return fmt.Errorf("read listener state: %w", err)
	}

	cur, err := decodeObjectOrEmpty(json.RawMessage(curRaw))
	if err != nil {
		return fmt.Errorf("decode stored state: %w", err)
	}
	if err := mutate(cur); err != nil {
		return err
	}

	merged, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("marshal merged state: %w", err)
	}
	if len(merged) > s.maxBytes {
		return fmt.Errorf("listener state exceeds max size (%d bytes)", s.maxBytes)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO listener_state(listener, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(listener) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, listener, string(merged), now)
	if err != nil {
		return fmt.Errorf("upsert listener state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	if out != nil {
		*out = merged
	}
	return nil
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
