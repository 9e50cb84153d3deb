// Package bus runs bus triggers on a NATS JetStream pull consumer. Each
// fetched message is kept in progress while its functions run, acked when
// every function succeeds and nak'd otherwise so JetStream redelivers it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mattjoyce/triggerhost/internal/events"
	"github.com/mattjoyce/triggerhost/internal/lease"
	"github.com/mattjoyce/triggerhost/internal/listener"
	"github.com/mattjoyce/triggerhost/internal/queue"
	"github.com/mattjoyce/triggerhost/internal/trigger"
)

var ErrNotSetUp = errors.New("bus listener has no consumer")

type Config struct {
	URL      string
	Stream   string
	Consumer string
	// AckWait is how long JetStream waits for an ack before redelivering.
	AckWait          time.Duration
	MaxDeliver       int
	FetchBatch       int
	FetchWait        time.Duration
	MinRenewInterval time.Duration
	ConnectAttempts  uint
	ConnectDelay     time.Duration
	// MemoryStorage keeps the stream in memory instead of on disk.
	MemoryStorage bool
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "nats://127.0.0.1:4222"
	}
	if c.Stream == "" {
		c.Stream = "TRIGGERS"
	}
	if c.Consumer == "" {
		c.Consumer = "triggerhost"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 16
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	if c.MinRenewInterval <= 0 {
		c.MinRenewInterval = time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = time.Second
	}
	return c
}

// Dispatcher receives each bus message. A nil error acks it.
type Dispatcher interface {
	DispatchMessage(ctx context.Context, kind trigger.Kind, source string, msg *queue.Message) error
}

// streamAPI is the part of jetstream.JetStream the listener uses.
type streamAPI interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type Option func(*Listener)

func WithEvents(hub *events.Hub) Option {
	return func(l *Listener) { l.events = hub }
}

func WithTracker(t *lease.Tracker) Option {
	return func(l *Listener) { l.leases = t }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// Listener pulls batches from a durable consumer and hands each message to a
// Dispatcher.
type Listener struct {
	cfg     Config
	js      streamAPI
	handler Dispatcher
	leases  *lease.Tracker
	events  *events.Hub
	logger  *slog.Logger

	mu       sync.RWMutex
	consumer jetstream.Consumer
	subjects []string
}

func newListener(js streamAPI, cfg Config, handler Dispatcher, opts ...Option) *Listener {
	l := &Listener{
		cfg:     cfg.withDefaults(),
		js:      js,
		handler: handler,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.leases == nil {
		l.leases = lease.NewTracker()
	}
	if l.events == nil {
		l.events = events.NewHub(128)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "bus-listener", "stream", l.cfg.Stream)
	return l
}

// coveringSubjects drops subjects another wildcard subject already covers.
// JetStream rejects overlapping stream subjects and consumer filters.
func coveringSubjects(subjects []string) []string {
	var out []string
	for _, s := range subjects {
		covered := false
		for _, other := range subjects {
			if other != s && trigger.SubjectMatches(other, s) {
				covered = true
				break
			}
		}
		if !covered && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Setup ensures the stream carries subjects and points the durable consumer
// at them. Calling it again after a reload replaces the subject filter.
func (l *Listener) Setup(ctx context.Context, subjects []string) error {
	subjects = coveringSubjects(subjects)
	if len(subjects) == 0 {
		l.mu.Lock()
		l.consumer, l.subjects = nil, nil
		l.mu.Unlock()
		return nil
	}

	storage := jetstream.FileStorage
	if l.cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	if _, err := l.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     l.cfg.Stream,
		Subjects: subjects,
		Storage:  storage,
	}); err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", l.cfg.Stream, err)
	}

	cc := jetstream.ConsumerConfig{
		Durable:    l.cfg.Consumer,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    l.cfg.AckWait,
		MaxDeliver: l.cfg.MaxDeliver,
	}
	if len(subjects) == 1 {
		cc.FilterSubject = subjects[0]
	} else {
		cc.FilterSubjects = subjects
	}
	consumer, err := l.js.CreateOrUpdateConsumer(ctx, l.cfg.Stream, cc)
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", l.cfg.Consumer, err)
	}

	l.mu.Lock()
	l.consumer = consumer
	l.subjects = append([]string(nil), subjects...)
	l.mu.Unlock()
	l.logger.Info("bus consumer ready", "consumer", l.cfg.Consumer, "subjects", subjects)
	return nil
}

// Subjects returns the subjects the consumer currently filters on.
func (l *Listener) Subjects() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.subjects...)
}

// Publish puts data on subject. Used by the enqueue surfaces and tests.
func (l *Listener) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	ack, err := l.js.Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", subject, err)
	}
	return ack.Sequence, nil
}

// Poll fetches one batch and processes it concurrently. It returns the
// outcomes once every message has been acked or nak'd.
func (l *Listener) Poll(ctx context.Context) ([]listener.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	consumer := l.consumer
	l.mu.RUnlock()
	if consumer == nil {
		return nil, ErrNotSetUp
	}

	batch, err := consumer.Fetch(l.cfg.FetchBatch, jetstream.FetchMaxWait(l.cfg.FetchWait))
	if err != nil {
		l.events.Publish(events.ListenerError, map[string]any{
			"listener": "bus:" + l.cfg.Stream,
			"op":       "fetch",
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []listener.Outcome
	)
	for msg := range batch.Messages() {
		wg.Add(1)
		go func(msg jetstream.Msg) {
			defer wg.Done()
			out := l.process(ctx, msg)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}(msg)
	}
	wg.Wait()

	if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		l.logger.Debug("fetch ended with error", "error", err)
	}
	return outcomes, nil
}

func (l *Listener) process(ctx context.Context, msg jetstream.Msg) listener.Outcome {
	m := toMessage(msg)
	logger := l.logger.With("subject", m.Queue, "seq", m.ID, "delivered", m.DequeueCount)
	out := listener.Outcome{MessageID: m.ID, State: listener.StateLeaseAcquired}

	if ctx.Err() != nil {
		out.State, out.Err = listener.StateAbandoned, ctx.Err()
		l.nak(logger, msg)
		l.report(logger, m, out)
		return out
	}

	renewer := lease.NewRenewer(l.cfg.AckWait, l.cfg.MinRenewInterval,
		func(context.Context) (time.Time, error) {
			if err := msg.InProgress(); err != nil {
				return time.Time{}, err
			}
			return time.Now().Add(l.cfg.AckWait), nil
		},
		lease.Hooks{
			Renewed: func(until time.Time) {
				l.events.Publish(events.LeaseRenewed, map[string]any{"subject": m.Queue, "message_id": m.ID, "until": until})
			},
			Failed: func(err error) {
				l.events.Publish(events.LeaseRenewFailed, map[string]any{"subject": m.Queue, "message_id": m.ID, "error": err.Error()})
			},
		},
		logger,
	)
	key := "bus/" + l.cfg.Stream + "/" + m.ID
	if _, started := l.leases.Start(key, renewer); !started {
		out.State, out.Err = listener.StateAbandoned, errors.New("message already in flight")
		l.report(logger, m, out)
		return out
	}

	out.State = listener.StateRenewing
	handleErr := l.handler.DispatchMessage(ctx, trigger.KindBus, m.Queue, m)
	l.leases.Stop(key)

	if handleErr != nil {
		out.State, out.Err = listener.StateAbandoned, handleErr
		l.nak(logger, msg)
		l.report(logger, m, out)
		return out
	}
	if err := msg.Ack(); err != nil {
		out.State, out.Err = listener.StateAbandoned, err
		l.report(logger, m, out)
		return out
	}
	out.State = listener.StateCompleted
	l.report(logger, m, out)
	return out
}

func (l *Listener) nak(logger *slog.Logger, msg jetstream.Msg) {
	if err := msg.Nak(); err != nil {
		logger.Warn("nak failed", "error", err)
	}
}

func (l *Listener) report(logger *slog.Logger, m *queue.Message, out listener.Outcome) {
	data := map[string]any{
		"subject":       m.Queue,
		"message_id":    m.ID,
		"dequeue_count": m.DequeueCount,
	}
	if out.Err != nil {
		data["error"] = out.Err.Error()
	}
	if out.State == listener.StateCompleted {
		logger.Debug("message acked")
		l.events.Publish(events.MessageCompleted, data)
		return
	}
	logger.Info("message returned for redelivery", "error", out.Err)
	l.events.Publish(events.MessageAbandoned, data)
}

// toMessage maps a JetStream message onto the queue message shape functions
// receive. The stream sequence stands in for the message id.
func toMessage(msg jetstream.Msg) *queue.Message {
	m := &queue.Message{
		Queue:        msg.Subject(),
		Body:         msg.Data(),
		DequeueCount: 1,
	}
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		m.ID = strconv.FormatUint(meta.Sequence.Stream, 10)
		m.DequeueCount = int(meta.NumDelivered)
		m.InsertedAt = meta.Timestamp
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return m
}
