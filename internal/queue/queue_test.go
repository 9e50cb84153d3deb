package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/triggerhost/internal/storage"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openQueue(t *testing.T) (*Queue, *manualClock) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	return New(db, WithClock(clock.Now)), clock
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()
	q, clock := openQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "Orders", []byte("one"), 0)
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	clock.Advance(time.Millisecond)
	id2, err := q.Enqueue(ctx, "orders", []byte("two"), 0)
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	msgs, err := q.Dequeue(ctx, "orders", 10*time.Minute, 1)
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id1 || string(msgs[0].Body) != "one" || msgs[0].DequeueCount != 1 {
		t.Fatalf("unexpected first batch: %#v", msgs)
	}
	if msgs[0].PopReceipt == "" {
		t.Fatal("expected pop receipt")
	}

	msgs, err = q.Dequeue(ctx, "orders", 10*time.Minute, 5)
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id2 {
		t.Fatalf("unexpected second batch: %#v", msgs)
	}

	msgs, err = q.Dequeue(ctx, "orders", 10*time.Minute, 5)
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty queue, got %#v", msgs)
	}
}

func TestQueueLeaseExpiryRedelivers(t *testing.T) {
	t.Parallel()
	q, clock := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "jobs", []byte("x"), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := q.Dequeue(ctx, "jobs", 10*time.Minute, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("Dequeue: %v %#v", err, first)
	}

	clock.Advance(9 * time.Minute)
	if msgs, _ := q.Dequeue(ctx, "jobs", 10*time.Minute, 1); len(msgs) != 0 {
		t.Fatalf("message visible before lease expiry: %#v", msgs)
	}

	clock.Advance(time.Minute)
	second, err := q.Dequeue(ctx, "jobs", 10*time.Minute, 1)
	if err != nil || len(second) != 1 {
		t.Fatalf("Dequeue after expiry: %v %#v", err, second)
	}
	if second[0].ID != id || second[0].DequeueCount != 2 {
		t.Fatalf("unexpected redelivery: %#v", second[0])
	}
	if second[0].PopReceipt == first[0].PopReceipt {
		t.Fatal("expected a fresh pop receipt on redelivery")
	}

	if err := q.Delete(ctx, "jobs", id, first[0].PopReceipt); err != ErrLeaseLost {
		t.Fatalf("Delete with stale receipt: got %v, want ErrLeaseLost", err)
	}
}

func TestQueueExtendLease(t *testing.T) {
	t.Parallel()
	q, clock := openQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "jobs", []byte("x"), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msgs, err := q.Dequeue(ctx, "jobs", 10*time.Minute, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Dequeue: %v", err)
	}
	m := msgs[0]

	clock.Advance(5 * time.Minute)
	until, err := q.ExtendLease(ctx, "jobs", m.ID, m.PopReceipt, 10*time.Minute)
	if err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	if want := clock.Now().Add(10 * time.Minute).UTC(); !until.Equal(want) {
		t.Fatalf("lease until %v, want %v", until, want)
	}

	clock.Advance(7 * time.Minute)
	if again, _ := q.Dequeue(ctx, "jobs", 10*time.Minute, 1); len(again) != 0 {
		t.Fatal("message visible inside extended lease")
	}

	if err := q.Delete(ctx, "jobs", m.ID, m.PopReceipt); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := q.Get(ctx, "jobs", m.ID); err != ErrMessageNotFound {
		t.Fatalf("Get after delete: got %v", err)
	}
	if _, err := q.ExtendLease(ctx, "jobs", m.ID, m.PopReceipt, time.Minute); err != ErrLeaseLost {
		t.Fatalf("ExtendLease after delete: got %v", err)
	}
}

func TestQueueDelayedVisibility(t *testing.T) {
	t.Parallel()
	q, clock := openQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "later", []byte("x"), 30*time.Second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msgs, _ := q.Dequeue(ctx, "later", time.Minute, 1); len(msgs) != 0 {
		t.Fatal("delayed message visible too early")
	}
	clock.Advance(30 * time.Second)
	if msgs, _ := q.Dequeue(ctx, "later", time.Minute, 1); len(msgs) != 1 {
		t.Fatal("delayed message not visible after delay")
	}
}

func TestQueueStats(t *testing.T) {
	t.Parallel()
	q, _ := openQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "a", []byte("x"), 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := q.Enqueue(ctx, "b", []byte("y"), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, "a", time.Minute, 1); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 queues, got %#v", stats)
	}
	if stats[0].Queue != "a" || stats[0].Visible != 2 || stats[0].Leased != 1 || stats[0].OldestAt == nil {
		t.Fatalf("unexpected stats for a: %#v", stats[0])
	}
	if stats[1].Queue != "b" || stats[1].Visible != 1 {
		t.Fatalf("unexpected stats for b: %#v", stats[1])
	}
}

func TestQueueValidation(t *testing.T) {
	t.Parallel()
	q, _ := openQueue(t)

	if _, err := q.Enqueue(context.Background(), "  ", nil, 0); err == nil {
		t.Fatal("expected error for empty queue name")
	}
	if _, err := q.Dequeue(context.Background(), "a", 0, 1); err == nil {
		t.Fatal("expected error for zero lease")
	}
}
