package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "ratchet/configs"
	"ratchet/pkg/api"
	"ratchet/pkg/dispatch"
	"ratchet/pkg/logger"
	"ratchet/pkg/output"
	"ratchet/pkg/pool"
	"ratchet/pkg/queue"
	"ratchet/pkg/queue/redisq"
	"ratchet/pkg/registry"
	"ratchet/pkg/scheduler"
	"ratchet/pkg/storage/postgres"
	"ratchet/pkg/taskerr"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("server: " + err.Error() + "\n")
		os.Exit(taskerr.ExitCode(err))
	}

	log, err := logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		Encoding:   cfg.Logging.Encoding,
		OutputPath: cfg.Logging.Output,
		Component:  "server",
	})
	if err != nil {
		os.Stderr.WriteString("server: failed to initialise logging: " + err.Error() + "\n")
		os.Exit(taskerr.ExitInternal)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	store, err := postgres.NewPostgresStore(cfg.ConnString())
	if err != nil {
		log.Fatal("failed to initialise storage", zap.Error(err))
	}
	defer store.Close()
	log.Info("storage connected, schema migrated")

	q := queue.New(store, queue.Config{
		MaxQueueSize:      int64(cfg.Queue.MaxSize),
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		DefaultRetryDelay: time.Duration(cfg.Queue.RetryDelaySeconds) * time.Second,
		MaxRetryDelay:     15 * time.Minute,
		LeaseTimeout:      time.Duration(cfg.Workers.TaskTimeoutSeconds) * time.Second,
		ReapInterval:      30 * time.Second,
	}, log)

	workerCount := cfg.Workers.Count
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	workerBinary := cfg.Workers.WorkerBinary
	if workerBinary == "" {
		self, err := os.Executable()
		if err != nil {
			log.Fatal("failed to locate worker binary", zap.Error(err))
		}
		workerBinary = filepath.Join(filepath.Dir(self), "ratchet-worker")
	}

	p := pool.New(pool.Config{
		WorkerCount:         workerCount,
		RestartOnCrash:      cfg.Workers.RestartOnCrash,
		MaxRestartAttempts:  cfg.Workers.MaxRestartAttempts,
		RestartDelay:        5 * time.Second,
		HealthCheckInterval: time.Duration(cfg.Workers.HealthCheckIntervalSeconds) * time.Second,
		TaskTimeout:         time.Duration(cfg.Workers.TaskTimeoutSeconds) * time.Second,
		StartupTimeout:      30 * time.Second,
		ShutdownGrace:       10 * time.Second,
	}, pool.ExecFactory(workerBinary, []string{"--log-level", cfg.Logging.Level}), log)

	if err := p.Start(ctx); err != nil {
		log.Fatal("failed to start worker pool", zap.Error(err))
	}
	log.Info("worker pool started", zap.Int("workers", workerCount))

	outputs := output.NewManager(output.Config{
		MaxConcurrentDeliveries: cfg.Output.MaxConcurrentDeliveries,
		Environment:             cfg.Output.Environment,
	}, store, log)

	d := dispatch.New(q, p, store, store, outputs, dispatch.Config{
		PollInterval:       time.Second,
		TaskTimeoutSeconds: cfg.Workers.TaskTimeoutSeconds,
	}, log)

	// With Redis configured, enqueues are announced on a stream and the
	// dispatcher wakes immediately instead of waiting out a poll tick.
	if cfg.Queue.RedisAddr != "" {
		rq, err := redisq.NewRedisQueue(cfg.Queue.RedisAddr)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rq.Close()
		if err := rq.EnsureGroup(ctx, redisq.ConsumerGroup); err != nil {
			log.Warn("failed to ensure dispatch consumer group", zap.Error(err))
		}
		q.SetNotifier(rq)

		consumer, _ := os.Hostname()
		go func() {
			for ctx.Err() == nil {
				msgID, job, err := rq.Pop(ctx, redisq.ConsumerGroup, consumer)
				if err != nil {
					log.Warn("dispatch stream read failed", zap.Error(err))
					continue
				}
				if job == nil {
					continue
				}
				d.Wake()
				if err := rq.Ack(ctx, redisq.ConsumerGroup, msgID); err != nil {
					log.Warn("failed to ack dispatch notification", zap.Error(err))
				}
			}
		}()
		log.Info("redis dispatch channel connected", zap.String("addr", cfg.Queue.RedisAddr))
	}

	sched := scheduler.New(store, q, scheduler.DefaultConfig(), log)

	sync := registry.NewSyncService(store, store,
		registry.ConflictStrategy(cfg.Registry.DefaultConflictStrategy), log)

	ops := api.NewServer(api.Config{
		Addr:       cfg.Server.Host + ":" + cfg.Server.Port,
		Queue:      q,
		Dispatcher: d,
		Tasks:      store,
		Workers:    p,
		Log:        log,
	})

	go d.Run(ctx)
	go sched.Run(ctx)
	go q.RunReaper(ctx)
	go p.RunHealthChecks(ctx)
	go sync.RunLoop(ctx, time.Duration(cfg.Registry.SyncIntervalSeconds)*time.Second)
	go func() {
		if err := ops.Start(); err != nil {
			log.Error("ops server stopped", zap.Error(err))
			cancel()
		}
	}()
	log.Info("ratchet server started",
		zap.String("addr", cfg.Server.Host+":"+cfg.Server.Port))

	<-sigChan
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = ops.Shutdown(shutdownCtx)
	p.Stop(shutdownCtx)
	log.Info("shutdown complete")
}
