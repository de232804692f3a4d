package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/taskrunner/internal/agent"
	"github.com/nextlevelbuilder/taskrunner/internal/bus"
	"github.com/nextlevelbuilder/taskrunner/internal/config"
	"github.com/nextlevelbuilder/taskrunner/internal/orchestrator"
	"github.com/nextlevelbuilder/taskrunner/internal/providers"
	"github.com/nextlevelbuilder/taskrunner/internal/scheduler"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
	"github.com/nextlevelbuilder/taskrunner/internal/store/sqlstore"
	"github.com/nextlevelbuilder/taskrunner/internal/stream"
	"github.com/nextlevelbuilder/taskrunner/internal/tools"
)

// stack is the wired runtime shared by serve and the standalone CLI commands.
type stack struct {
	cfg       *config.Config
	db        *sqlx.DB
	stores    *store.Stores
	providers *providers.Registry
	toolLimit *tools.ToolRateLimiter
	factory   *agent.Factory
	lanes     *scheduler.LaneManager
	bus       *bus.MessageBus
	redis     *stream.RedisPublisher // nil unless redis.url is set
	service   *orchestrator.Service
}

func storeConfig(cfg *config.Config) store.StoreConfig {
	return store.StoreConfig{
		Driver:      cfg.Database.Driver,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
		AutoMigrate: cfg.Database.AutoMigrate,
		PolicyID:    cfg.Agents.PolicyID,
	}
}

func providerConfigs(cfg *config.Config) map[string]providers.ProviderConfig {
	out := make(map[string]providers.ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		out[name] = providers.ProviderConfig{APIKey: p.APIKey, APIBase: p.APIBase, Model: p.Model}
	}
	return out
}

// openStores connects to the database only. Used by commands that never run agents.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, *sqlx.DB, error) {
	stores, db, err := sqlstore.Open(ctx, storeConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return stores, db, nil
}

// buildStack wires storage, providers, tools, the agent factory, the
// execution lane and the orchestrator. withRedis enables the cross-instance
// publisher when configured.
func buildStack(ctx context.Context, cfg *config.Config, withRedis bool) (*stack, error) {
	stores, db, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := providers.NewFromConfig(providerConfigs(cfg))
	if names := reg.Names(); len(names) == 0 {
		slog.Warn("no LLM providers configured; every execution will fail until one is set")
	} else {
		slog.Info("providers registered", "providers", names)
	}

	toolLimit := tools.NewToolRateLimiter(cfg.Agents.ToolRateLimit)
	loader := tools.NewLoader(stores.Agents, tools.LoaderOptions{
		Timeout:     time.Duration(cfg.Agents.ToolTimeout) * time.Second,
		RateLimiter: toolLimit,
	})

	factory := agent.NewFactory(agent.FactoryConfig{
		Agents:          stores.Agents,
		Providers:       reg,
		Tools:           loader,
		PolicyID:        cfg.Agents.PolicyID,
		DefaultModel:    cfg.Agents.DefaultModel,
		InjectionAction: cfg.Agents.InjectionAction,
		ContextWindow:   cfg.Agents.ContextWindow,
	})

	lanes := scheduler.NewLaneManager([]scheduler.LaneConfig{
		{Name: scheduler.LaneMain, Concurrency: 2},
	})

	st := &stack{
		cfg:       cfg,
		db:        db,
		stores:    stores,
		providers: reg,
		toolLimit: toolLimit,
		factory:   factory,
		lanes:     lanes,
		bus:       bus.New(),
	}

	var pub stream.Publisher = st.bus
	if withRedis && cfg.Redis.URL != "" {
		rp, err := stream.NewRedisPublisher(ctx, cfg.Redis.URL, cfg.Redis.ChannelPrefix)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		st.redis = rp
		// Events come back to the local bus through the relay.
		pub = rp
	}

	st.service = orchestrator.NewService(orchestrator.Config{
		Tasks:     stores.Tasks,
		Agents:    factory,
		Lane:      lanes.GetOrCreate(scheduler.LaneTasks, cfg.Agents.WorkerConcurrency),
		Publisher: pub,
	})
	return st, nil
}

// drain waits for running executions, then releases lanes and connections.
func (s *stack) drain(ctx context.Context) {
	if err := s.service.Drain(ctx); err != nil {
		slog.Warn("executions still running at shutdown", "error", err)
	}
	s.close()
}

func (s *stack) close() {
	if s.lanes != nil {
		s.lanes.StopAll()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// clientAddr is the address a local CLI uses to reach the server.
func clientAddr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, fmt.Sprint(cfg.Server.Port))
}

// isServerRunning reports whether something accepts connections on addr.
func isServerRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
