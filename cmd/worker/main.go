// Command worker runs a fleet member: it claims loader jobs from the
// coordinator and executes them against the fact store.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lexara/sixworker/internal/adapter/awsauth"
	"github.com/lexara/sixworker/internal/adapter/input"
	"github.com/lexara/sixworker/internal/adapter/observability"
	"github.com/lexara/sixworker/internal/adapter/repo/postgres"
	"github.com/lexara/sixworker/internal/adapter/telemetry"
	"github.com/lexara/sixworker/internal/config"
	"github.com/lexara/sixworker/internal/dlq"
	"github.com/lexara/sixworker/internal/graph"
	"github.com/lexara/sixworker/internal/loader"
	"github.com/lexara/sixworker/internal/loaders"
	"github.com/lexara/sixworker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = worker.GenerateID()
	}
	cfg.WorkerID = workerID
	log := logger.With(slog.String("worker_id", workerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// AWS stack: assume-role for out-of-account fleet members, ambient
	// chain otherwise. The worker still runs without AWS when only local
	// inputs are used.
	var (
		s3Client input.S3API
		sink     *telemetry.Sink
	)
	awsCfg, err := awsauth.Resolve(ctx, cfg, log)
	if err != nil {
		log.Warn("AWS credentials unavailable; S3 inputs and telemetry disabled", slog.Any("error", err))
	} else {
		s3Client = s3.NewFromConfig(awsCfg)
		sink, err = telemetry.NewSink(ctx, cloudwatchlogs.NewFromConfig(awsCfg), telemetry.Options{
			LogGroup:      cfg.LogGroup,
			BatchSize:     cfg.TelemetryBatch,
			FlushInterval: cfg.TelemetryInterval,
			WorkerID:      workerID,
		}, log)
		if err != nil {
			log.Warn("telemetry sink unavailable", slog.Any("error", err))
			sink = nil
		} else {
			go sink.Run(ctx)
		}
	}

	// Fact-store client and geography cache shared by all loaders, backed
	// by the probing pool so propose calls survive stale connections.
	graphPool, err := graph.NewPool(ctx, cfg.DatabaseURL(), graph.DefaultPoolConfig(), log)
	if err != nil {
		log.Error("fact store connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer graphPool.Close()
	graphClient := graph.NewClient(graphPool, log)
	geoCache := graph.NewGeoCache()
	if err := geoCache.Load(ctx, graphPool, log); err != nil {
		log.Warn("geo cache not loaded; geographic hints disabled", slog.Any("error", err))
	}

	w := &worker.Worker{
		Cfg:      cfg,
		ID:       workerID,
		Log:      log,
		Coord:    worker.NewHTTPCoordinator(cfg.CoordinatorURL),
		Pool:     pool,
		Jobs:     postgres.NewJobRepo(pool),
		Members:  postgres.NewWorkerRepo(pool),
		Issues:   postgres.NewIssueRepo(pool),
		JobLogs:  postgres.NewJobLogRepo(pool),
		Sources:  postgres.NewSourceRepo(pool),
		DLQ:      postgres.NewDLQRepo(pool),
		Registry: loaders.NewRegistry(),
		Deps: loader.Deps{
			Graph:    graphClient,
			GeoCache: &graph.BoundGeoCache{Cache: geoCache, Q: graphPool},
			Log:      log,
		},
		Acquirer: &input.Acquirer{
			HTTP: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			S3:   s3Client,
			Log:  log,
		},
	}
	if sink != nil {
		w.Sink = sink
	}

	// DLQ reprocessor periodically replays dead-lettered records through
	// their owning loaders. DLQ rows carry the loader's source type, not
	// its job type, so index registered loaders by source type.
	jobTypeBySource := map[string]string{}
	for _, jt := range w.Registry.Types() {
		if ld, err := w.Registry.Resolve(jt, loader.Config{}, w.Deps); err == nil {
			jobTypeBySource[ld.SourceType()] = jt
		}
	}
	reprocessor := dlq.NewReprocessor(postgres.NewDLQRepo(pool), func(sourceType string) (loader.Loader, error) {
		jt, ok := jobTypeBySource[sourceType]
		if !ok {
			jt = sourceType
		}
		return w.Registry.Resolve(jt, loader.Config{}, w.Deps)
	}, dlq.Options{
		MaxRetries: cfg.DLQMaxRetries,
		Cooldown:   cfg.DLQCooldown,
		BaseDelay:  cfg.DLQBaseDelay,
	}, log)
	go func() {
		ticker := time.NewTicker(cfg.DLQCooldown)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := reprocessor.ReprocessBatch(ctx, "", 100); err != nil {
					log.Warn("dlq reprocessing failed", slog.Any("error", err))
				}
			}
		}
	}()

	w.Run(ctx)
}
