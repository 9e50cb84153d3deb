package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// natsConnect and jetStreamNew are swapped out in tests.
var (
	natsConnect  = nats.Connect
	jetStreamNew = func(nc *nats.Conn) (jetstream.JetStream, error) {
		return jetstream.New(nc)
	}
)

// Connect dials the NATS server, retrying the first connection with
// exponential backoff. Once connected the client reconnects on its own.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	cfg = cfg.withDefaults()
	logger = logger.With("component", "bus", "url", cfg.URL)

	var nc *nats.Conn
	err := retry.Do(
		func() error {
			conn, err := natsConnect(cfg.URL,
				nats.Name("triggerhost"),
				nats.MaxReconnects(-1),
				nats.ReconnectWait(2*time.Second),
				nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
					logger.Warn("bus disconnected", "error", err)
				}),
				nats.ReconnectHandler(func(_ *nats.Conn) {
					logger.Info("bus reconnected")
				}),
			)
			if err != nil {
				return err
			}
			nc = conn
			return nil
		},
		retry.Attempts(cfg.ConnectAttempts),
		retry.Delay(cfg.ConnectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("bus connect failed, retrying", "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NewListener builds a Listener on an open connection.
func NewListener(nc *nats.Conn, cfg Config, handler Dispatcher, opts ...Option) (*Listener, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	js, err := jetStreamNew(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	return newListener(js, cfg, handler, opts...), nil
}
