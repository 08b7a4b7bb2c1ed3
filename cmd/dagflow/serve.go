package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/dagflow/internal/dispatch"
	"github.com/rendis/dagflow/internal/engine"
	"github.com/rendis/dagflow/internal/logging"
	"github.com/rendis/dagflow/internal/scheduler"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/internal/streaming"
	"github.com/rendis/dagflow/internal/validation"
	"github.com/rendis/dagflow/pkg/mcp"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the engine, trigger scheduler and MCP stdio server",
		Flags: configFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, os.Stderr)
		},
	}
}

// services is the wired object graph behind serve.
type services struct {
	store     store.Store
	hub       streaming.EventHub
	handlers  *dispatch.Registry
	engine    engine.Engine
	scheduler *scheduler.Scheduler
	server    *mcp.Server
	logger    *slog.Logger
}

// wire builds every component from cfg. Nothing is started.
func wire(ctx context.Context, cfg Config, logOut io.Writer) (*services, error) {
	logger, err := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	handlers := dispatch.NewRegistry()
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build schema validator: %w", err)
	}
	if err := dispatch.RegisterBuiltins(handlers, jsv, dispatch.HTTPConfig{}); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	defValidator, err := validation.NewWorkflowValidator(handlers)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build workflow validator: %w", err)
	}

	var hub streaming.EventHub
	switch cfg.EventSink {
	case "watermill":
		hub = streaming.NewGoChannelHub(logger)
	default:
		hub = streaming.NewMemoryHub()
	}

	eventLog := store.NewEventLog(st)
	router := dispatch.NewKindRouter(handlers,
		dispatch.WithParallelism(cfg.Parallelism),
		dispatch.WithLogger(logger),
	)
	eng := engine.NewEngine(st, eventLog, router, engine.EngineConfig{
		PoolSize:     cfg.PoolSize,
		PollInterval: cfg.pollInterval(),
		Actors:       engine.NewBreakerActorRegistry(engine.StaticActors{}, engine.DefaultBreakerConfig()),
		Sink:         hub,
		Validator:    defValidator,
		Logger:       logger,
	})

	sched := scheduler.NewScheduler(st, eng, scheduler.Config{
		TickInterval: cfg.schedulerInterval(),
		Events:       eventLog,
		Logger:       logger,
	})
	eng.OnRunTerminated(sched.RunTerminated)

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:   eng,
		Triggers: sched,
		Handlers: handlers,
		Hub:      hub,
		Logger:   logger,
		Version:  version,
	})

	return &services{
		store:     st,
		hub:       hub,
		handlers:  handlers,
		engine:    eng,
		scheduler: sched,
		server:    srv,
		logger:    logger,
	}, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.Store == "memory" {
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// serve starts every component, blocks on the MCP stdio transport and shuts
// down in reverse order.
func serve(ctx context.Context, cfg Config, logOut io.Writer) error {
	svc, err := wire(ctx, cfg, logOut)
	if err != nil {
		return err
	}
	logger := svc.logger
	defer func() {
		if err := svc.hub.Close(); err != nil {
			logger.Warn("close event hub", slog.String("error", err.Error()))
		}
		if err := svc.store.Close(); err != nil {
			logger.Warn("close store", slog.String("error", err.Error()))
		}
	}()

	recovered, err := svc.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	logger.InfoContext(ctx, "runs recovered", slog.Int("count", recovered))

	svc.engine.StartPolling(ctx)
	defer svc.engine.Stop()

	if err := svc.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer svc.scheduler.Stop()

	if cfg.RedisAddr != "" {
		client, err := scheduler.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		source := scheduler.NewRedisEventSource(client, cfg.RedisQueue, svc.scheduler, logger)
		source.Start(ctx)
		defer source.Stop()
	}

	logger.InfoContext(ctx, "dagflow serving on stdio",
		slog.String("version", version),
		slog.String("store", cfg.Store),
		slog.String("event_sink", cfg.EventSink))
	if err := svc.server.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
