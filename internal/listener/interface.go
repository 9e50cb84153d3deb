// Package listener polls object containers and queues and hands what it finds
// to the trigger router.
package listener

import (
	"context"
	"time"

	"github.com/mattjoyce/triggerhost/internal/objstore"
	"github.com/mattjoyce/triggerhost/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/mattjoyce/triggerhost/internal/listener ObjectSource,CursorStore,MessageQueue,MessageHandler

// ObjectSource is the object store surface used by the object listener.
type ObjectSource interface {
	Containers(ctx context.Context) ([]string, error)
	List(ctx context.Context, container string) ([]objstore.Object, error)
	ChangesSince(ctx context.Context, after int64, limit int) ([]objstore.Change, error)
}

// CursorStore persists listener progress.
type CursorStore interface {
	Cursor(ctx context.Context, listener string) (int64, error)
	AdvanceCursor(ctx context.Context, listener string, cursor int64) error
	SweepMarks(ctx context.Context, listener string) (map[string]time.Time, error)
	SetSweepMark(ctx context.Context, listener, container string, mark time.Time) error
}

// WatchSet reports which containers currently have object triggers.
type WatchSet interface {
	Watches(container string) bool
}

// CandidateFunc receives objects the listener believes are new or updated.
// An error stops the cycle; progress is not persisted past that object, so
// the next poll reports it again.
type CandidateFunc func(ctx context.Context, obj objstore.Object) error

// MessageQueue is the leased queue surface used by the queue listener.
type MessageQueue interface {
	Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error)
	Dequeue(ctx context.Context, queue string, lease time.Duration, max int) ([]*queue.Message, error)
	ExtendLease(ctx context.Context, queue, id, popReceipt string, lease time.Duration) (time.Time, error)
	Delete(ctx context.Context, queue, id, popReceipt string) error
}

// MessageHandler runs the work for one leased message. A nil error completes
// the message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, queue string, msg *queue.Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, queue string, msg *queue.Message) error

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, queue string, msg *queue.Message) error {
	return f(ctx, queue, msg)
}
