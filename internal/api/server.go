package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/triggerhost/internal/auth"
	"github.com/mattjoyce/triggerhost/internal/dispatch"
	"github.com/mattjoyce/triggerhost/internal/events"
	"github.com/mattjoyce/triggerhost/internal/httpserve"
	"github.com/mattjoyce/triggerhost/internal/objstore"
	"github.com/mattjoyce/triggerhost/internal/queue"
	"github.com/mattjoyce/triggerhost/internal/trigger"
)

// ObjectStore is the object surface behind /objects.
type ObjectStore interface {
	Put(ctx context.Context, container, name string, data []byte, contentType string) (objstore.Object, error)
	Get(ctx context.Context, container, name string) (objstore.Object, error)
}

// MessageQueue is the queue surface behind /queues.
type MessageQueue interface {
	Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error)
	Stats(ctx context.Context) ([]queue.Stats, error)
}

// TriggerRouter is the router surface behind /notify and /triggers.
type TriggerRouter interface {
	NotifyCandidate(ctx context.Context, container, name string) (int, error)
	Triggers() []*trigger.Descriptor
}

// InvocationHistory is the history surface behind /invocations.
type InvocationHistory interface {
	Recent(ctx context.Context, function string, limit int) ([]dispatch.Invocation, error)
}

// Publisher puts messages on the bus. Optional.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) (uint64, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Keyring authenticates bearer tokens. A nil keyring rejects every request.
	Keyring *auth.Keyring
	// MaxObjectBytes caps PUT /objects bodies.
	MaxObjectBytes int64
}

type Deps struct {
	Objects ObjectStore
	Queue   MessageQueue
	Router  TriggerRouter
	History InvocationHistory
	Bus     Publisher
	Events  *events.Hub
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxObjectBytes <= 0 {
		config.MaxObjectBytes = 64 << 20
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("API server starting", "listen", s.config.Listen)
	return httpserve.ListenAndRun(ctx, &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}, httpserve.DefaultGrace)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := httpserve.NewRouter(s.logger)
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeObjectsRead)).Get("/objects/{container}/*", s.handleGetObject)
		r.With(s.requireScopes(auth.ScopeObjectsWrite)).Put("/objects/{container}/*", s.handlePutObject)
		r.With(s.requireScopes(auth.ScopeQueuesRead)).Get("/queues", s.handleQueueStats)
		r.With(s.requireScopes(auth.ScopeQueuesWrite)).Post("/queues/{queue}/messages", s.handleEnqueue)
		r.With(s.requireScopes(auth.ScopeQueuesWrite)).Post("/bus/{subject}", s.handlePublish)
		r.With(s.requireScopes(auth.ScopeNotify)).Post("/notify", s.handleNotify)
		r.With(s.requireScopes(auth.ScopeTriggersRead)).Get("/triggers", s.handleTriggers)
		r.With(s.requireScopes(auth.ScopeTriggersRead)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeInvocationsRead)).Get("/invocations", s.handleInvocations)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}
