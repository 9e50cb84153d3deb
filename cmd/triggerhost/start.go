package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/triggerhost/internal/api"
	"github.com/mattjoyce/triggerhost/internal/auth"
	"github.com/mattjoyce/triggerhost/internal/bus"
	"github.com/mattjoyce/triggerhost/internal/config"
	"github.com/mattjoyce/triggerhost/internal/dispatch"
	"github.com/mattjoyce/triggerhost/internal/events"
	"github.com/mattjoyce/triggerhost/internal/function"
	"github.com/mattjoyce/triggerhost/internal/host"
	"github.com/mattjoyce/triggerhost/internal/lease"
	"github.com/mattjoyce/triggerhost/internal/listener"
	"github.com/mattjoyce/triggerhost/internal/lock"
	"github.com/mattjoyce/triggerhost/internal/log"
	"github.com/mattjoyce/triggerhost/internal/objstore"
	"github.com/mattjoyce/triggerhost/internal/queue"
	"github.com/mattjoyce/triggerhost/internal/router"
	"github.com/mattjoyce/triggerhost/internal/state"
	"github.com/mattjoyce/triggerhost/internal/storage"
	"github.com/mattjoyce/triggerhost/internal/trigger"
	"github.com/mattjoyce/triggerhost/internal/webhook"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("triggerhost starting", "version", version, "config", path)

	instance, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		logger.Error("failed to acquire instance lock", "state", cfg.State.Path, "error", err)
		return 1
	}
	defer instance.Release()
	logger.Info("acquired instance lock", "path", instance.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	objects := objstore.New(db)
	messages := queue.New(db)
	hub := events.NewHub(512)
	leases := lease.NewTracker()

	registry, err := discoverFunctions(cfg.FunctionsDir, logger)
	if err != nil {
		logger.Error("function discovery failed", "functions_dir", cfg.FunctionsDir, "error", err)
		return 1
	}
	catalog := function.NewCatalog(registry)

	history := dispatch.NewHistory(db)
	executor := dispatch.New(catalog, log.WithComponent("dispatch"),
		dispatch.WithGracePeriod(cfg.Dispatch.GracePeriod),
		dispatch.WithHistory(history),
	)
	rt := router.New(objects, executor, hub, log.WithComponent("router"))
	if err := rt.Reload(descriptors(registry, logger)); err != nil {
		logger.Error("trigger table rejected", "error", err)
		return 1
	}
	for _, d := range rt.Triggers() {
		logger.Info("trigger registered", "trigger", d.String())
	}

	strategy, explicit, err := listener.ParseStrategy(cfg.Storage.Strategy)
	if err != nil {
		logger.Error("invalid storage strategy", "error", err)
		return 1
	}
	if !explicit {
		strategy = listener.ChooseStrategy(cfg.Storage.Account, cfg.Storage.Emulator)
	}
	objectListener := listener.NewObjectListener(listener.ObjectConfig{
		Strategy:  strategy,
		BatchSize: cfg.Storage.ChangeBatchSize,
		IOTimeout: cfg.Service.PollTimeout,
	}, objects, state.NewStore(db), rt, hub, log.WithComponent("listener"))
	logger.Info("object listener configured", "strategy", string(strategy), "account", cfg.Storage.Account)

	deps := host.Deps{
		Router:  rt,
		Objects: objectListener,
		Queue:   messages,
		Leases:  leases,
		Events:  hub,
		Logger:  log.Get(),
	}

	var busListener *bus.Listener
	if cfg.Bus.Enabled {
		busCfg := bus.Config{
			URL:        cfg.Bus.URL,
			Stream:     cfg.Bus.Stream,
			Consumer:   cfg.Bus.Consumer,
			AckWait:    cfg.Bus.AckWait,
			MaxDeliver: cfg.Bus.MaxDeliver,
			FetchBatch: cfg.Bus.FetchBatch,
		}
		nc, err := bus.Connect(ctx, busCfg, log.WithComponent("bus"))
		if err != nil {
			logger.Error("bus connection failed", "url", cfg.Bus.URL, "error", err)
			return 1
		}
		defer nc.Close()
		busListener, err = bus.NewListener(nc, busCfg, rt,
			bus.WithEvents(hub), bus.WithTracker(leases), bus.WithLogger(log.WithComponent("bus")))
		if err != nil {
			logger.Error("bus listener setup failed", "error", err)
			return 1
		}
		deps.Bus = busListener
	}

	settings := host.Settings{
		PollInterval: cfg.Service.PollInterval,
		Queue: listener.QueueConfig{
			Lease:            cfg.Queues.LeaseDuration,
			MinRenewInterval: cfg.Queues.MinRenewInterval,
			BatchSize:        cfg.Queues.BatchSize,
			MaxDequeueCount:  cfg.Queues.MaxDequeueCount,
			MinPollInterval:  cfg.Queues.MinPollInterval,
			MaxPollInterval:  cfg.Queues.MaxPollInterval,
		},
		PoisonSuffix: cfg.Queues.PoisonSuffix,
	}
	if cfg.Hints != nil {
		settings.HintQueue = cfg.Hints.Queue
	}
	h := host.New(settings, deps)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Objects: objects,
			Queue:   messages,
			Router:  rt,
			History: history,
			Events:  hub,
		}
		if busListener != nil {
			apiDeps.Bus = busListener
		}
		keyring, err := auth.NewKeyring(cfg.API.Auth.APIKey, tokenConfigs(cfg.API.Auth.Tokens))
		if err != nil {
			logger.Error("invalid API tokens", "error", err)
			return 1
		}
		apiServer := api.New(api.Config{
			Listen:         cfg.API.Listen,
			Keyring:        keyring,
			MaxObjectBytes: int64(cfg.API.MaxObjectSize),
		}, apiDeps, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Hints != nil && len(cfg.Hints.Endpoints) > 0 {
		hintConfig, err := webhook.FromGlobalConfig(cfg.Hints)
		if err != nil {
			logger.Error("failed to configure hint endpoints", "error", err)
			return 1
		}
		hintServer := webhook.New(hintConfig, rt, log.WithComponent("webhook"))
		go func() {
			if err := hintServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("hints: %w", err)
			}
		}()
		logger.Info("hint server enabled", "listen", hintConfig.Listen, "endpoints", len(hintConfig.Endpoints))
	}

	if err := h.Start(ctx); err != nil {
		logger.Error("host failed to start", "error", err)
		return 1
	}
	defer h.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	logger.Info("triggerhost running (press Ctrl+C to stop)")

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if fresh, err := config.Load(path); err != nil {
					logger.Warn("config reload failed; keeping log level", "error", err)
				} else {
					logger.Info("log level applied", "level", log.SetLevel(fresh.Service.LogLevel).String())
				}
				reload(ctx, cfg.FunctionsDir, catalog, h, logger)
				continue
			}
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
			h.Stop()
			logger.Info("triggerhost stopped")
			return 0
		case err := <-errCh:
			logger.Error("component failed", "error", err)
			cancel()
			return 1
		}
	}
}

// reload rediscovers functions and swaps both the catalog and the trigger
// table. A rejected table restores the previous catalog.
func reload(ctx context.Context, dir string, catalog *function.Catalog, h *host.Host, logger *slog.Logger) {
	logger.Info("reloading functions", "functions_dir", dir)
	registry, err := discoverFunctions(dir, logger)
	if err != nil {
		logger.Error("reload discovery failed; keeping current triggers", "error", err)
		return
	}
	prev := catalog.Swap(registry)
	if err := h.Reload(ctx, descriptors(registry, logger)); err != nil {
		catalog.Swap(prev)
		logger.Error("reload rejected; keeping current triggers", "error", err)
		return
	}
	logger.Info("reload complete", "functions", registry.Len())
}

func discoverFunctions(dir string, logger *slog.Logger) (*function.Registry, error) {
	registry, err := function.Discover(dir, func(level, msg string, args ...any) {
		logger.Log(context.Background(), log.ParseLevel(level), msg, args...)
	})
	if err != nil {
		return nil, err
	}
	for _, f := range registry.All() {
		log.WithFunction(f.Name).Debug("function discovered", "path", f.Path, "timeout", f.Timeout.String())
	}
	logger.Info("function discovery complete", "count", registry.Len())
	return registry, nil
}

func descriptors(registry *function.Registry, logger *slog.Logger) []*trigger.Descriptor {
	descs, errs := registry.Descriptors()
	for _, err := range errs {
		logger.Warn("function skipped", "error", err)
	}
	return descs
}

func tokenConfigs(in []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(in))
	for _, t := range in {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
