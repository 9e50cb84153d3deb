package queue

import (
	"errors"
	"time"
)

// Message is a queue message as seen by the consumer holding its lease.
type Message struct {
	ID           string
	Queue        string
	Body         []byte
	InsertedAt   time.Time
	VisibleAt    time.Time
	PopReceipt   string
	DequeueCount int
}

// Stats summarises a queue.
type Stats struct {
	Queue    string
	Visible  int
	Leased   int
	OldestAt *time.Time
}

var (
	ErrMessageNotFound = errors.New("message not found")
	// ErrLeaseLost means the pop receipt no longer matches: the lease expired
	// and another consumer dequeued the message, or it was deleted.
	ErrLeaseLost = errors.New("message lease lost")
)
