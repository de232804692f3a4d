package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/taskrunner/internal/config"
	httpapi "github.com/nextlevelbuilder/taskrunner/internal/http"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the task API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)
	slog.Info("starting taskrunner", "version", Version, "config", cfgPath, "driver", storeConfig(cfg).ResolvedDriver())

	shutdownOTel := initOTelExporter(ctx, cfg)

	st, err := buildStack(ctx, cfg, true)
	if err != nil {
		return err
	}

	limiter := httpapi.NewRateLimiter(cfg.Server.RateLimitRPM, cfg.Server.RateLimitBurst)
	api := httpapi.NewServer(httpapi.ServerConfig{
		Service:        st.service,
		Bus:            st.bus,
		Lanes:          st.lanes,
		Token:          cfg.Server.Token,
		RateLimiter:    limiter,
		Version:        Version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("task API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	g.Go(func() error {
		<-gctx.Done()
		return shutdownHTTP(srv, shutdownTimeout)
	})

	if limiter.Enabled() {
		g.Go(func() error {
			limiter.Run(gctx)
			return nil
		})
	}

	if st.toolLimit != nil {
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					st.toolLimit.Cleanup()
				}
			}
		})
	}

	if st.redis != nil {
		g.Go(func() error {
			err := st.redis.Relay(gctx, st.bus)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("redis relay: %w", err)
			}
			return nil
		})
	}

	if watcher, err := config.NewWatcher(cfgPath); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		watcher.OnChange(func(next *config.Config) {
			st.factory.Update(next.Agents.DefaultModel, next.Agents.InjectionAction, next.Agents.ContextWindow)
			api.SetToken(next.Server.Token)
			logLevel.Set(parseLevel(next.Log.Level))
			slog.Info("config reloaded", "default_model", next.Agents.DefaultModel)
		})
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				slog.Warn("config watcher stopped", "error", err)
			}
			return nil
		})
	}

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	st.drain(drainCtx)
	if err := shutdownOTel(drainCtx); err != nil {
		slog.Warn("otel shutdown", "error", err)
	}
	slog.Info("taskrunner stopped")
	return runErr
}

// shutdownHTTP stops accepting connections and waits up to timeout for open
// requests. Requests still open at the deadline are cut off; their executions
// keep running and are handled by the drain that follows.
func shutdownHTTP(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("http shutdown timed out, closing open connections", "timeout", timeout)
		return srv.Close()
	}
	return err
}
