package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/ngsisink/internal/api"
	"github.com/gyaneshwarpardhi/ngsisink/internal/config"
	"github.com/gyaneshwarpardhi/ngsisink/internal/engine"
	"github.com/gyaneshwarpardhi/ngsisink/internal/subscription"
)

var errStopSignal = errors.New("stop signal")

func serve(ctx context.Context, configPath, addr string) error {
	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	serverConf := cfg.Server
	if addr != "" {
		serverConf.Addr = addr
	}

	level := levelVar(cfg.Log)
	logger := newLogger(cfg.Log, level, os.Stdout)
	slog.SetDefault(logger)

	// ── Storage ──────────────────────────────────────────────────────────────
	backend, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("closing backend", "err", err)
		}
	}()
	logger.Info("storage ready", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path,
		"column_family", cfg.Storage.ColumnFamily)

	// ── Engine ───────────────────────────────────────────────────────────────
	// Workers outlive ctx so that Shutdown can drain them.
	engCtx, cancelEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelEngine()
	eng := engine.New(engCtx, backend, cfg.Pipeline,
		engine.WithLogger(logger),
		engine.WithColumnFamily(cfg.Storage.ColumnFamily))

	// ── Hot reload ───────────────────────────────────────────────────────────
	loader.OnChange(reloader(cfg, eng, level, logger))
	if configPath != "" {
		stopWatch, err := loader.Watch()
		if err != nil {
			logger.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         serverConf.Addr,
		Handler:      api.New(eng, loader, serverConf, logger),
		ReadTimeout:  serverConf.ReadTimeout(),
		WriteTimeout: serverConf.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Cancel the group on SIGINT and SIGTERM, which shuts everything down gracefully.
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stopSignal)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-stopSignal:
			return fmt.Errorf("%w: %v", errStopSignal, sig)
		}
	})

	g.Go(func() error {
		logger.Info("server starting", "addr", serverConf.Addr, "notify_path", serverConf.NotifyPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down…")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if cfg.Broker.URL != "" {
		g.Go(func() error {
			registrar := subscription.NewRegistrar(cfg.Broker, subscription.WithLogger(logger))
			if _, err := registrar.Register(gctx); err != nil {
				// The sink still accepts notifications from an existing subscription.
				logger.Error("subscription registration failed", "err", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, errStopSignal) {
		logger.Info("received stop signal", "reason", err)
		err = nil
	}

	// ── Drain ────────────────────────────────────────────────────────────────
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Pipeline.DrainTimeout())
	defer cancelDrain()
	discarded := eng.Shutdown(drainCtx)
	logger.Info("goodbye", "discarded", discarded)
	return err
}

// reloader applies hot-reloadable settings from a new config and reports
// the ones that only take effect after a restart.
func reloader(initial *config.Config, eng *engine.Engine, level *slog.LevelVar, logger *slog.Logger) func(*config.Config) {
	var mu sync.Mutex
	current := initial
	return func(next *config.Config) {
		mu.Lock()
		defer mu.Unlock()

		if next.Pipeline.MinIntervalMs != current.Pipeline.MinIntervalMs {
			eng.SetMinInterval(next.Pipeline.MinInterval())
			logger.Info("rate limit interval changed", "min_interval", next.Pipeline.MinInterval())
		}
		if lvl, err := next.Log.SlogLevel(); err == nil && lvl != level.Level() {
			level.Set(lvl)
			logger.Info("log level changed", "level", lvl.String())
		}

		oldPipeline, newPipeline := current.Pipeline, next.Pipeline
		oldPipeline.MinIntervalMs, newPipeline.MinIntervalMs = 0, 0
		for section, changed := range map[string]bool{
			"server":     current.Server != next.Server,
			"pipeline":   oldPipeline != newPipeline,
			"storage":    current.Storage != next.Storage,
			"broker":     !reflect.DeepEqual(current.Broker, next.Broker),
			"log.format": current.Log.Format != next.Log.Format,
		} {
			if changed {
				logger.Warn("config change requires restart", "section", section)
			}
		}
		current = next
	}
}
