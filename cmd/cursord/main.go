package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/cursord/internal/callback"
	"github.com/nevindra/cursord/internal/config"
	"github.com/nevindra/cursord/internal/convo"
	"github.com/nevindra/cursord/internal/observer"
	"github.com/nevindra/cursord/internal/queue"
	"github.com/nevindra/cursord/internal/runner"
	"github.com/nevindra/cursord/internal/server"
	"github.com/nevindra/cursord/internal/supervisor"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("CURSORD_CONFIG"))

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observer (optional)
	inst := observer.Nop()
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
	}

	// 3. Conversation store: Redis when configured, in-memory otherwise
	var kv convo.KV
	if cfg.Redis.URL != "" {
		rkv, err := convo.NewRedisKV(cfg.Redis.URL)
		if err != nil {
			logger.Error("redis connect failed", "error", err)
			os.Exit(1)
		}
		if err := rkv.Ping(ctx); err != nil {
			logger.Warn("redis unreachable at startup, continuing", "error", err)
		}
		kv = rkv
	} else {
		kv = convo.NewMemoryKV()
	}
	defer kv.Close()

	store := convo.New(kv,
		convo.WithLogger(logger),
		convo.WithKeyPrefix(cfg.Redis.KeyPrefix),
		convo.WithTTL(cfg.Redis.TTL()),
	)

	// 4. Task journal
	var journal queue.Journal
	switch cfg.Queue.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		journal = queue.NewPostgres(pool)
	default:
		journal = queue.NewSQLite(cfg.Queue.DSN, queue.WithSQLiteLogger(logger))
	}
	defer journal.Close()
	if err := journal.Init(ctx); err != nil {
		logger.Error("journal init failed", "error", err)
		os.Exit(1)
	}

	// 5. Supervisor + admission semaphore
	sup := supervisor.New(supervisor.Config{
		PTYMode:       supervisor.PTYMode(cfg.CursorCLI.UsePTY),
		HardTimeout:   cfg.CursorCLI.HardTimeout(),
		IdleTimeout:   cfg.CursorCLI.IdleTimeout(),
		MaxOutputSize: cfg.CursorCLI.MaxOutputSize,
		Logger:        logger,
	})
	sem := supervisor.NewSemaphore(cfg.CursorCLI.MaxConcurrent)

	// 6. Callback dispatcher
	dispatch := callback.New(
		callback.WithLogger(logger),
		callback.WithSecret(cfg.Webhook.Secret),
		callback.WithHostGate(cfg.Features.VoiceHostMarker, cfg.Features.VoiceEnabled),
		callback.WithDeliveryHook(func(delivered bool) {
			inst.RecordCallback(context.Background(), delivered)
		}),
	)

	// 7. Runner
	run := runner.New(cfg, sup, sem, store, dispatch,
		runner.WithLogger(logger),
		runner.WithJournal(journal),
		runner.WithShutdownContext(ctx),
		runner.WithInstruments(inst),
	)

	// 8. Serve until signalled
	srv := server.New(cfg, run, store, journal, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
