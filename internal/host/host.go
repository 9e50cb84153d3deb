// Package host runs the listener loops that feed the trigger router: one
// object loop, one loop per triggered queue, an optional hint-queue loop and
// an optional bus loop. Reload swaps the trigger table and reconciles the
// queue loops and bus subjects to match it.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/triggerhost/internal/bus"
	"github.com/mattjoyce/triggerhost/internal/events"
	"github.com/mattjoyce/triggerhost/internal/lease"
	"github.com/mattjoyce/triggerhost/internal/listener"
	"github.com/mattjoyce/triggerhost/internal/queue"
	"github.com/mattjoyce/triggerhost/internal/router"
	"github.com/mattjoyce/triggerhost/internal/trigger"
)

// BusListener is the bus surface the host drives.
type BusListener interface {
	Setup(ctx context.Context, subjects []string) error
	Poll(ctx context.Context) ([]listener.Outcome, error)
}

type Settings struct {
	// PollInterval spaces object listener polls.
	PollInterval time.Duration
	// Queue is the template for every queue listener; Queue and PoisonQueue
	// are filled in per queue.
	Queue        listener.QueueConfig
	PoisonSuffix string
	// HintQueue carries {container, name} candidate hints when set.
	HintQueue     string
	BusRetryDelay time.Duration
}

type Deps struct {
	Router  *router.Router
	Objects *listener.ObjectListener
	Queue   listener.MessageQueue
	Bus     BusListener
	Leases  *lease.Tracker
	Events  *events.Hub
	Logger  *slog.Logger
}

type queueLoop struct {
	listener *listener.QueueListener
	cancel   context.CancelFunc
	done     chan struct{}
}

// Host owns the listener goroutines.
type Host struct {
	settings Settings
	deps     Deps
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	queues  map[string]*queueLoop
	started bool
	wg      sync.WaitGroup
}

func New(settings Settings, deps Deps) *Host {
	if settings.PollInterval <= 0 {
		settings.PollInterval = 10 * time.Second
	}
	if settings.BusRetryDelay <= 0 {
		settings.BusRetryDelay = time.Second
	}
	if deps.Leases == nil {
		deps.Leases = lease.NewTracker()
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(128)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	settings.HintQueue = queue.NormalizeName(settings.HintQueue)
	return &Host{
		settings: settings,
		deps:     deps,
		logger:   deps.Logger.With("component", "host"),
		queues:   make(map[string]*queueLoop),
	}
}

// Start launches every loop. The loops run until Stop or ctx is cancelled.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("host already started")
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.started = true

	h.logger.Info("starting host",
		"triggers", len(h.deps.Router.Triggers()),
		"queues", h.deps.Router.Queues(),
		"subjects", h.deps.Router.Subjects())

	if h.deps.Objects != nil {
		h.wg.Add(1)
		go h.objectLoop(h.ctx)
	}
	h.reconcileQueuesLocked()

	if h.deps.Bus != nil {
		if err := h.deps.Bus.Setup(h.ctx, h.deps.Router.Subjects()); err != nil {
			h.logger.Error("bus setup failed", "error", err)
			h.deps.Events.Publish(events.ListenerError, map[string]any{"listener": "bus", "op": "setup", "error": err.Error()})
		}
		h.wg.Add(1)
		go h.busLoop(h.ctx)
	}
	return nil
}

// Stop cancels every loop, waits for in-flight work to return and stops any
// lease renewers left behind.
func (h *Host) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.logger.Info("stopping host")
	h.cancel()
	loops := h.queues
	h.queues = make(map[string]*queueLoop)
	h.started = false
	h.mu.Unlock()

	for _, l := range loops {
		<-l.done
	}
	h.wg.Wait()
	h.deps.Leases.StopAll()
	h.logger.Info("host stopped")
}

// Reload swaps the router's trigger table and brings queue loops and bus
// subjects in line with it. On a rejected table nothing changes.
func (h *Host) Reload(ctx context.Context, descs []*trigger.Descriptor) error {
	if err := h.deps.Router.Reload(descs); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil
	}
	h.reconcileQueuesLocked()
	if h.deps.Bus != nil {
		if err := h.deps.Bus.Setup(ctx, h.deps.Router.Subjects()); err != nil {
			return fmt.Errorf("bus setup after reload: %w", err)
		}
	}
	return nil
}

// Queues lists the queues with a running listener loop.
func (h *Host) Queues() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.queues))
	for name := range h.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *Host) reconcileQueuesLocked() {
	if h.deps.Queue == nil {
		return
	}
	want := make(map[string]listener.MessageHandler)
	for _, name := range h.deps.Router.Queues() {
		want[name] = h.deps.Router
	}
	if h.settings.HintQueue != "" {
		if _, clash := want[h.settings.HintQueue]; clash {
			h.logger.Warn("hint queue also has queue triggers; treating it as a hint queue", "queue", h.settings.HintQueue)
		}
		want[h.settings.HintQueue] = listener.MessageHandlerFunc(h.deps.Router.HandleHint)
	}

	for name, l := range h.queues {
		if _, ok := want[name]; !ok {
			l.cancel()
			<-l.done
			delete(h.queues, name)
			h.logger.Info("queue listener stopped", "queue", name)
		}
	}
	for name, handler := range want {
		if _, ok := h.queues[name]; ok {
			continue
		}
		h.startQueueLocked(name, handler)
	}
}

func (h *Host) startQueueLocked(name string, handler listener.MessageHandler) {
	cfg := h.settings.Queue
	cfg.Queue = name
	if h.settings.PoisonSuffix != "" {
		cfg.PoisonQueue = queue.NormalizeName(name + h.settings.PoisonSuffix)
	}
	ql := listener.NewQueueListener(cfg, h.deps.Queue, handler, h.deps.Leases, h.deps.Events, h.deps.Logger)

	ctx, cancel := context.WithCancel(h.ctx)
	loop := &queueLoop{listener: ql, cancel: cancel, done: make(chan struct{})}
	h.queues[name] = loop
	go h.queueLoop(ctx, loop)
	h.logger.Info("queue listener started", "queue", name, "poison_queue", cfg.PoisonQueue)
}

func (h *Host) queueLoop(ctx context.Context, l *queueLoop) {
	defer close(l.done)
	for {
		outcomes := l.listener.Poll(ctx)
		delay := l.listener.NextDelay(len(outcomes) > 0)
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (h *Host) objectLoop(ctx context.Context) {
	defer h.wg.Done()

	h.pollObjects(ctx)
	ticker := time.NewTicker(h.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.pollObjects(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Host) pollObjects(ctx context.Context) {
	n := h.deps.Objects.Poll(ctx, h.deps.Router.HandleObject)
	h.logger.Debug("object poll finished", "candidates", n)
}

func (h *Host) busLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		_, err := h.deps.Bus.Poll(ctx)
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, bus.ErrNotSetUp):
			if !sleep(ctx, h.settings.PollInterval) {
				return
			}
		default:
			h.logger.Warn("bus poll failed", "error", err)
			if !sleep(ctx, h.settings.BusRetryDelay) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
