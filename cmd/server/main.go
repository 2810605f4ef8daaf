package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"accountpool/internal/bus"
	"accountpool/internal/directory"
	"accountpool/internal/jobrunner"
	"accountpool/internal/lifecycle"
	"accountpool/internal/platform/config"
	"accountpool/internal/platform/httpserver"
	"accountpool/internal/platform/logger"
	platformredis "accountpool/internal/platform/redis"
	"accountpool/internal/settings"
	httptransport "accountpool/internal/transport/http"
	"accountpool/internal/txnstore"
	"accountpool/internal/watchdog"
)

// main wires dependencies and owns every long-running loop through one
// errgroup. Business logic lives in the internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Environment)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	rdb, err := platformredis.New(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}

	// Transaction store: Redis in production, memory when unconfigured so
	// local runs need no infrastructure.
	var store txnstore.Store
	var storeRun func(context.Context) error
	if rdb != nil {
		redisStore := txnstore.NewRedis(rdb.Client, txnstore.WithLogger(log))
		store, storeRun = redisStore, redisStore.Run
	} else {
		log.Warn("redis not configured, using in-memory transaction store")
		memStore := txnstore.NewMemory()
		defer memStore.Close()
		store = memStore
	}

	var dir directory.Gateway
	if cfg.DirectoryURL != "" {
		dir = directory.NewHTTPClient(cfg.DirectoryURL)
	} else {
		log.Warn("directory not configured, using empty in-memory gateway")
		dir = directory.NewMemory()
	}

	var resolver *settings.Resolver
	if cfg.SettingsPath != "" {
		if resolver, err = settings.Load(cfg.SettingsPath); err != nil {
			return err
		}
	}

	kafka, err := bus.NewKafka(bus.KafkaConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic,
		Group:       cfg.KafkaGroup,
		Environment: cfg.Environment,
	}, bus.WithLogger(log))
	if err != nil {
		return err
	}
	defer kafka.Close()
	if err := kafka.EnsureTopic(ctx, 6, 1); err != nil {
		return err
	}

	var runner jobrunner.Runner
	if cfg.RunnerURL != "" {
		runner = jobrunner.NewHTTPClient(cfg.RunnerURL, cfg.Environment)
	} else {
		log.Warn("job runner not configured, completing jobs in process")
		runner = jobrunner.NewMemory(kafka, cfg.Environment)
	}

	machine, err := lifecycle.New(dir, runner, kafka, resolver,
		lifecycle.Config{Environment: cfg.Environment, ManagedParent: cfg.ManagedParent},
		lifecycle.WithLogger(log))
	if err != nil {
		return err
	}

	dog, err := watchdog.New(store, dir, kafka, watchdog.Config{
		Environment:    cfg.Environment,
		OnBoarding:     cfg.OnBoardingDeadline,
		Maintenance:    cfg.MaintenanceDeadline,
		Strict:         cfg.StrictDeadlines,
		StrictDeadline: 15 * time.Minute,
	}, watchdog.WithLogger(log))
	if err != nil {
		return err
	}

	kafka.Subscribe(machine, dog)

	var health func(context.Context) error
	if rdb != nil {
		health = rdb.Health
	}
	handler := httptransport.NewHandler(cfg.Environment,
		[]bus.Handler{machine, dog}, machine.Shadow, health)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return kafka.Run(gctx) })
	g.Go(func() error { return dog.Run(gctx) })
	if storeRun != nil {
		g.Go(func() error { return storeRun(gctx) })
	}
	if cfg.ManagedParent != "" {
		sweeper := lifecycle.NewSweeper(dir, kafka, cfg.ManagedParent, cfg.SweepInterval,
			lifecycle.SweeperLogger(log))
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	g.Go(func() error {
		log.Info("starting accountpool", "addr", cfg.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
