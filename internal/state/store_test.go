package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/triggerhost/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreGetMissingReturnsEmptyObject(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	raw, err := s.Get(context.Background(), "objects")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("expected {}, got %s", string(raw))
	}
}

func TestStoreShallowMergeReplacesTopLevelKeys(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	if _, err := s.ShallowMerge(context.Background(), "p", json.RawMessage(`{"a":1,"b":{"x":1}}`)); err != nil {
		t.Fatalf("ShallowMerge (1): %v", err)
	}
	merged, err := s.ShallowMerge(context.Background(), "p", json.RawMessage(`{"b":{"y":2}}`))
	if err != nil {
		t.Fatalf("ShallowMerge (2): %v", err)
	}
	if string(merged) != `{"a":1,"b":{"y":2}}` {
		t.Fatalf("unexpected merged state: %s", string(merged))
	}
}

func TestStoreCursorOnlyMovesForward(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	got, err := s.Cursor(ctx, "changes")
	if err != nil || got != 0 {
		t.Fatalf("initial cursor = %d, %v", got, err)
	}

	for _, step := range []struct{ set, want int64 }{
		{set: 5, want: 5},
		{set: 3, want: 5},
		{set: 5, want: 5},
		{set: 9, want: 9},
	} {
		if err := s.AdvanceCursor(ctx, "changes", step.set); err != nil {
			t.Fatalf("AdvanceCursor(%d): %v", step.set, err)
		}
		got, err := s.Cursor(ctx, "changes")
		if err != nil {
			t.Fatalf("Cursor: %v", err)
		}
		if got != step.want {
			t.Fatalf("after AdvanceCursor(%d) cursor = %d, want %d", step.set, got, step.want)
		}
	}
}

func TestStoreSweepMarks(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	a := time.Unix(100, 0)
	b := time.Unix(200, 0)
	if err := s.SetSweepMark(ctx, "scan", "images", a); err != nil {
		t.Fatalf("SetSweepMark: %v", err)
	}
	if err := s.SetSweepMark(ctx, "scan", "docs", b); err != nil {
		t.Fatalf("SetSweepMark: %v", err)
	}
	if err := s.AdvanceCursor(ctx, "scan", 7); err != nil {
		t.Fatalf("AdvanceCursor: %v", err)
	}

	marks, err := s.SweepMarks(ctx, "scan")
	if err != nil {
		t.Fatalf("SweepMarks: %v", err)
	}
	if len(marks) != 2 || !marks["images"].Equal(a) || !marks["docs"].Equal(b) {
		t.Fatalf("unexpected marks: %v", marks)
	}

	empty, err := s.SweepMarks(ctx, "other")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no marks, got %v %v", empty, err)
	}
}

func TestStoreStateSizeLimit(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	update := json.RawMessage(`{"blob":"` + strings.Repeat("a", DefaultMaxStateBytes+1) + `"}`)
	if _, err := s.ShallowMerge(context.Background(), "p", update); err == nil {
		t.Fatalf("expected size limit error, got nil")
	}
}
