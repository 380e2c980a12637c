package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"taskmill/internal/adapter/backend"
	"taskmill/internal/adapter/delivery"
	"taskmill/internal/adapter/store"
	"taskmill/internal/infra/config"
	"taskmill/internal/infra/logger"
	"taskmill/internal/infra/tracer"
	"taskmill/internal/usecase"
	"taskmill/internal/usecase/contextsrc"
	"taskmill/internal/usecase/queue"
	"taskmill/internal/usecase/scheduling"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	db, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	executor := backend.NewCircuitBreakerExecutor(
		backend.NewHTTPExecutor(cfg.Backend, log), cfg.Backend.Breaker, log)

	contexts := contextsrc.NewManager(log)
	contexts.Register(contextsrc.NewHTTPFetcher())
	contexts.Register(contextsrc.NewStaticFetcher())

	router := delivery.NewRouter(log)
	router.Register(delivery.NewWebhookHandler())
	if token := cfg.Delivery.Slack.BotToken; token != "" {
		router.Register(delivery.NewSlackHandler(token, log))
	}
	if token := cfg.Delivery.Discord.BotToken; token != "" {
		session, err := discordgo.New("Bot " + token)
		if err != nil {
			return fmt.Errorf("discord session: %w", err)
		}
		if err := session.Open(); err != nil {
			return fmt.Errorf("discord open: %w", err)
		}
		defer session.Close()
		router.Register(delivery.NewDiscordHandler(session, log))
	}

	taskQueue := queue.New(db.Runs(), db.Sessions(), db.Skills(), executor, contexts, router,
		queue.Config{
			MaxConcurrent:  cfg.Queue.MaxConcurrent,
			TickInterval:   cfg.Queue.TickInterval.Std(),
			BaseRetryDelay: cfg.Queue.BaseRetryDelay.Std(),
		}, log)

	scheduler := scheduling.NewService(db.Schedules(), db.Runs(), taskQueue,
		scheduling.Config{SweepInterval: cfg.Scheduler.SweepInterval.Std()}, log)

	engine := usecase.NewEngine(db.Schedules(), db.Runs(), scheduler, taskQueue, log)

	taskQueue.Start(ctx)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	status := engine.Status()
	log.Info("taskmill started",
		"triggers", status.Scheduler.ActiveTriggerCount,
		"max_concurrent", cfg.Queue.MaxConcurrent)

	<-ctx.Done()
	log.Info("shutting down")

	// Stop firing first, then drain in-flight executions.
	if err := scheduler.Stop(); err != nil {
		log.Warn("scheduler stop failed", "error", err)
	}
	taskQueue.Stop()

	log.Info("shutdown complete")
	return nil
}
