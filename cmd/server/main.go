package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/anpag/escaipe-room/internal/agent"
	"github.com/anpag/escaipe-room/internal/channel"
	"github.com/anpag/escaipe-room/internal/config"
	"github.com/anpag/escaipe-room/internal/database"
	"github.com/anpag/escaipe-room/internal/game"
	"github.com/anpag/escaipe-room/internal/handler/health"
	"github.com/anpag/escaipe-room/internal/migrations"
	"github.com/anpag/escaipe-room/internal/registry"
	"github.com/anpag/escaipe-room/internal/rooms"
	"github.com/anpag/escaipe-room/internal/server"
	"github.com/anpag/escaipe-room/internal/store"
	"github.com/anpag/escaipe-room/internal/victory"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// --- Rooms ---
	table, err := loadRooms(cfg.RoomsFile)
	if err != nil {
		return err
	}
	logger.Info("loaded room catalog", "rooms", len(table.Sequence()), "file", cfg.RoomsFile)

	// --- SQLite ---
	db, err := database.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connecting to sqlite: %w", err)
	}
	defer db.Close()

	if err := migrations.Run(ctx, db, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("connected to sqlite", "path", cfg.DBPath)

	teams := store.New(db)
	reg, err := registry.New(ctx, teams, table.First(), logger)
	if err != nil {
		return fmt.Errorf("loading teams: %w", err)
	}
	logger.Info("loaded teams", "count", len(reg.List()))

	// --- Engine ---
	engine := game.New(reg, table, logger)

	gateway := agent.New(agent.HTTPConfig{URL: cfg.AgentURL, APIKey: cfg.AgentAPIKey})
	if cfg.AgentURL == "" {
		logger.Warn("AGENT_URL not set, agent channels will report the agent as unavailable")
	}

	broker := server.NewBroker()
	engine.AddObserver(broker)
	reg.AddListener(broker)

	seq := victory.New(cfg.VictoryDelay, logger, broker.VictoryChanged)
	defer seq.Stop()
	engine.AddObserver(seq)
	reg.AddListener(seq)

	channels := channel.NewManager(channel.Config{
		Registry:     reg,
		Rooms:        table,
		Engine:       engine,
		Gateway:      gateway,
		Logger:       logger,
		AgentTimeout: cfg.AgentTimeout,
		QueueDepth:   cfg.SessionQueueDepth,
	})

	if cfg.AdminPasswordHash == "" {
		logger.Warn("ADMIN_PASSWORD_HASH not set, admin routes are open")
	}

	// --- HTTP Server ---
	srv := server.New(cfg.HTTPAddr, logger, server.Deps{
		Registry:          reg,
		Rooms:             table,
		Engine:            engine,
		Channels:          channels,
		Victory:           seq,
		Broker:            broker,
		AdminPasswordHash: cfg.AdminPasswordHash,
		BulkConcurrency:   cfg.BulkConcurrency,
		SPADir:            cfg.SPADir,
	}, func(r chi.Router) {
		r.Mount("/healthz", health.NewHandler(logger, map[string]health.Checker{
			"sqlite": health.CheckerFunc(teams.Ping),
		}).Routes())
	})

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		channels.Shutdown()
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}

func loadRooms(path string) (*rooms.Table, error) {
	if path == "" {
		t, err := rooms.Default()
		if err != nil {
			return nil, fmt.Errorf("loading embedded room catalog: %w", err)
		}
		return t, nil
	}
	return rooms.LoadFile(path)
}
