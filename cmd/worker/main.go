// Command worker runs the merged Automation Engine process: the Job
// Scheduler's processing/recovery loops, the Worker Registry heartbeat, and
// the read-only status HTTP surface, all in one binary. Grounded on the
// teacher's cmd/scheduler/main.go and cmd/executor/main.go for config load,
// store wiring, and signal handling; the etcd leader-election step is
// dropped since spec.md §9 rejects a secondary ownership mechanism
// alongside the coordination store's atomic claim.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "adengine/configs"
	"adengine/pkg/archive"
	"adengine/pkg/engine"
	"adengine/pkg/jobqueue"
	"adengine/pkg/logger"
	"adengine/pkg/observability"
	"adengine/pkg/platform"
	"adengine/pkg/ratelimit"
	"adengine/pkg/statusapi"
	postgresstore "adengine/pkg/store/postgres"
	"adengine/pkg/weather"
	"adengine/pkg/worker"
)

func main() {
	cfg := config.Load()

	if _, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   "json",
		OutputPath: "stdout",
		Service:    "adengine-worker",
	}); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracerProvider, err := observability.Init(ctx, observability.Config{
		ServiceName: "adengine-worker",
		Endpoint:    cfg.OTLPEndpoint,
		Enabled:     cfg.TracingEnabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer tracerProvider.Shutdown(context.Background())

	durableStore, err := postgresstore.NewStore(cfg.DurableURL)
	if err != nil {
		logger.Fatal("failed to connect to durable store", zap.Error(err))
	}
	logger.Info("durable store connected")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.CoordinationURL})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to coordination store", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("coordination store connected")

	queue := jobqueue.New(redisClient)
	limiter := ratelimit.New(redisClient, nil)
	registry := worker.NewRegistry(durableStore, cfg.WorkerMaxConcurrentJobs)

	weatherClient := weather.NewHTTPClient(cfg.WeatherAPIKey)
	platformM := platform.NewHTTPMClient("https://platform-m.example.com/api")
	platformG := platform.NewHTTPGClient("https://platform-g.example.com/api")

	eng := engine.New(engine.Config{
		Queue:             queue,
		RateLimiter:       limiter,
		Registry:          registry,
		RuleRepo:          durableStore,
		Credentials:       durableStore,
		Weather:           weatherClient,
		PlatformM:         platformM,
		PlatformG:         platformG,
		Tracer:            tracerProvider.Tracer(),
		HeartbeatInterval: time.Duration(cfg.WorkerHeartbeatMS) * time.Millisecond,
	})

	if cfg.ArchiveBucket != "" {
		archiveStore, err := archive.NewS3Store(ctx, archive.Config{
			Bucket:        cfg.ArchiveBucket,
			Prefix:        "executions/",
			Region:        cfg.ArchiveRegion,
			Endpoint:      cfg.ArchiveEndpoint,
			AccessKey:     cfg.ArchiveAccessKey,
			SecretKey:     cfg.ArchiveSecretKey,
			RetentionDays: cfg.ArchiveRetentionDays,
		})
		if err != nil {
			logger.Warn("archive store unavailable, continuing without cold storage", zap.Error(err))
		} else {
			go runArchiveSweep(ctx, durableStore, archiveStore)
		}
	}

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}
	logger.Info("automation engine started", zap.String("worker_id", registry.ID()))

	statusServer := statusapi.NewServer(cfg.StatusAPIPort, eng)
	go func() {
		if err := statusServer.Start(); err != nil {
			logger.Error("status api stopped", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	eng.Stop(shutdownCtx)
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status api shutdown error", zap.Error(err))
	}

	logger.Info("worker shutdown complete")
}

const (
	archiveSweepInterval = time.Hour
	archiveSweepBatch    = 100
)

// runArchiveSweep periodically moves execution records older than the
// archive store's retention window out of the durable store and into cold
// storage (SPEC_FULL.md F.4).
func runArchiveSweep(ctx context.Context, durableStore *postgresstore.Store, archiveStore *archive.S3Store) {
	ticker := time.NewTicker(archiveSweepInterval)
	defer ticker.Stop()

	cutoff := func() time.Time {
		return time.Now().AddDate(0, 0, -archiveStore.RetentionDays())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := cutoff()
			executions, err := durableStore.ExecutionsOlderThan(ctx, before, archiveSweepBatch)
			if err != nil {
				logger.Error("archive sweep: list executions failed", zap.Error(err))
				continue
			}
			if len(executions) == 0 {
				continue
			}

			archived := make([]string, 0, len(executions))
			for _, exec := range executions {
				record := exec.Record
				if _, err := archiveStore.Archive(ctx, &record); err != nil {
					logger.Error("archive sweep: upload failed", zap.String("rule_id", exec.Record.RuleID), zap.Error(err))
					continue
				}
				archived = append(archived, exec.ID)
			}

			if err := durableStore.DeleteExecutions(ctx, archived); err != nil {
				logger.Error("archive sweep: delete failed", zap.Error(err))
				continue
			}
			logger.Info("archive sweep complete", zap.Int("archived", len(archived)))
		}
	}
}
