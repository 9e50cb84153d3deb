package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/triggerhost/internal/events"
	"github.com/mattjoyce/triggerhost/internal/lease"
	"github.com/mattjoyce/triggerhost/internal/queue"
)

// MessageState is the lifecycle position of one dequeued message.
type MessageState string

const (
	StateIdle          MessageState = "idle"
	StateLeaseAcquired MessageState = "lease_acquired"
	StateRenewing      MessageState = "renewing"
	StateCompleted     MessageState = "completed"
	StateAbandoned     MessageState = "abandoned"
	StatePoisoned      MessageState = "poisoned"
)

type QueueConfig struct {
	Queue            string
	Lease            time.Duration
	MinRenewInterval time.Duration
	BatchSize        int
	// MaxDequeueCount and PoisonQueue enable poison handling when both are set.
	MaxDequeueCount int
	PoisonQueue     string
	MinPollInterval time.Duration
	MaxPollInterval time.Duration
}

// Outcome records how a message left the listener.
type Outcome struct {
	MessageID string
	State     MessageState
	Err       error
}

// QueueListener dequeues messages under a lease, keeps the lease alive while
// the handler runs, and deletes messages whose handler succeeded.
type QueueListener struct {
	cfg     QueueConfig
	queue   MessageQueue
	handler MessageHandler
	leases  *lease.Tracker
	backoff *pollBackoff
	events  *events.Hub
	logger  *slog.Logger
}

func NewQueueListener(cfg QueueConfig, q MessageQueue, handler MessageHandler, tracker *lease.Tracker, hub *events.Hub, logger *slog.Logger) *QueueListener {
	if cfg.Lease <= 0 {
		cfg.Lease = lease.DefaultDuration
	}
	if cfg.MinRenewInterval <= 0 {
		cfg.MinRenewInterval = lease.DefaultMinInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if tracker == nil {
		tracker = lease.NewTracker()
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &QueueListener{
		cfg:     cfg,
		queue:   q,
		handler: handler,
		leases:  tracker,
		backoff: newPollBackoff(cfg.MinPollInterval, cfg.MaxPollInterval),
		events:  hub,
		logger:  logger.With("component", "queue-listener", "queue", cfg.Queue),
	}
}

func (l *QueueListener) Queue() string { return l.cfg.Queue }

// NextDelay returns how long to wait before the next poll.
func (l *QueueListener) NextDelay(productive bool) time.Duration {
	return l.backoff.next(productive)
}

// Poll dequeues one batch and processes its messages concurrently, returning
// once every message has completed or been abandoned.
func (l *QueueListener) Poll(ctx context.Context) []Outcome {
	if ctx.Err() != nil {
		return nil
	}

	msgs, err := l.queue.Dequeue(ctx, l.cfg.Queue, l.cfg.Lease, l.cfg.BatchSize)
	if err != nil {
		l.logger.Warn("dequeue failed", "error", err)
		l.events.Publish(events.ListenerError, map[string]any{
			"listener": "queue:" + l.cfg.Queue,
			"op":       "dequeue",
			"error":    err.Error(),
		})
	}
	if len(msgs) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg *queue.Message) {
			defer wg.Done()
			outcomes[i] = l.process(ctx, msg)
		}(i, msg)
	}
	wg.Wait()
	return outcomes
}

func (l *QueueListener) process(ctx context.Context, msg *queue.Message) Outcome {
	logger := l.logger.With("message_id", msg.ID, "dequeue_count", msg.DequeueCount)
	out := Outcome{MessageID: msg.ID, State: StateLeaseAcquired}

	if ctx.Err() != nil {
		out.State = StateAbandoned
		out.Err = ctx.Err()
		l.report(logger, msg, out)
		return out
	}

	if l.poisonEnabled() && msg.DequeueCount > l.cfg.MaxDequeueCount {
		return l.poison(ctx, logger, msg, errors.New("dequeue count exceeded before processing"))
	}

	renewer := lease.NewRenewer(l.cfg.Lease, l.cfg.MinRenewInterval,
		func(rctx context.Context) (time.Time, error) {
			return l.queue.ExtendLease(rctx, l.cfg.Queue, msg.ID, msg.PopReceipt, l.cfg.Lease)
		},
		lease.Hooks{
			Renewed: func(until time.Time) {
				l.events.Publish(events.LeaseRenewed, map[string]any{"queue": l.cfg.Queue, "message_id": msg.ID, "until": until})
			},
			Failed: func(err error) {
				l.events.Publish(events.LeaseRenewFailed, map[string]any{"queue": l.cfg.Queue, "message_id": msg.ID, "error": err.Error()})
			},
		},
		logger,
	)

	key := l.cfg.Queue + "/" + msg.ID
	if _, started := l.leases.Start(key, renewer); !started {
		// Another worker in this process holds the same message.
		out.State = StateAbandoned
		out.Err = errors.New("message already in flight")
		l.report(logger, msg, out)
		return out
	}
	out.State = StateRenewing

	handleErr := l.handler.HandleMessage(ctx, l.cfg.Queue, msg)
	l.leases.Stop(key)

	if handleErr != nil {
		if l.poisonEnabled() && msg.DequeueCount >= l.cfg.MaxDequeueCount {
			return l.poison(ctx, logger, msg, handleErr)
		}
		out.State = StateAbandoned
		out.Err = handleErr
		l.report(logger, msg, out)
		return out
	}

	if err := l.queue.Delete(context.WithoutCancel(ctx), l.cfg.Queue, msg.ID, msg.PopReceipt); err != nil {
		out.State = StateAbandoned
		out.Err = err
		l.report(logger, msg, out)
		return out
	}
	out.State = StateCompleted
	l.report(logger, msg, out)
	return out
}

func (l *QueueListener) poisonEnabled() bool {
	return l.cfg.PoisonQueue != "" && l.cfg.MaxDequeueCount > 0
}

// poison copies the message to the poison queue and removes the original.
// If either step fails the message is abandoned and retried later.
func (l *QueueListener) poison(ctx context.Context, logger *slog.Logger, msg *queue.Message, cause error) Outcome {
	out := Outcome{MessageID: msg.ID, State: StatePoisoned, Err: cause}
	bg := context.WithoutCancel(ctx)

	if _, err := l.queue.Enqueue(bg, l.cfg.PoisonQueue, msg.Body, 0); err != nil {
		out.State, out.Err = StateAbandoned, err
		l.report(logger, msg, out)
		return out
	}
	if err := l.queue.Delete(bg, l.cfg.Queue, msg.ID, msg.PopReceipt); err != nil {
		out.State, out.Err = StateAbandoned, err
		l.report(logger, msg, out)
		return out
	}
	l.report(logger, msg, out)
	return out
}

func (l *QueueListener) report(logger *slog.Logger, msg *queue.Message, out Outcome) {
	data := map[string]any{
		"queue":         l.cfg.Queue,
		"message_id":    msg.ID,
		"dequeue_count": msg.DequeueCount,
	}
	if out.Err != nil {
		data["error"] = out.Err.Error()
	}

	switch out.State {
	case StateCompleted:
		logger.Debug("message completed")
		l.events.Publish(events.MessageCompleted, data)
	case StatePoisoned:
		data["poison_queue"] = l.cfg.PoisonQueue
		logger.Warn("message moved to poison queue", "poison_queue", l.cfg.PoisonQueue, "error", out.Err)
		l.events.Publish(events.MessagePoisoned, data)
	default:
		logger.Info("message abandoned", "error", out.Err)
		l.events.Publish(events.MessageAbandoned, data)
	}
}
