// Command loader runs a single loader job directly against the fact
// store, without a coordinator. Useful for initial bulk loads and local
// testing. Database credentials come from the environment; the job
// itself is described by a YAML config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/lexara/sixworker/internal/adapter/observability"
	"github.com/lexara/sixworker/internal/adapter/repo/postgres"
	"github.com/lexara/sixworker/internal/config"
	"github.com/lexara/sixworker/internal/graph"
	"github.com/lexara/sixworker/internal/loader"
	"github.com/lexara/sixworker/internal/loaders"
	obs "github.com/lexara/sixworker/internal/observability"
)

// jobFile is the YAML shape accepted by --config.
type jobFile struct {
	JobType      string            `yaml:"job_type"`
	SourceName   string            `yaml:"source_name"`
	SourceType   string            `yaml:"source_type"`
	FieldMapping map[string]string `yaml:"field_mapping"`
	Input        struct {
		FilePath string `yaml:"file_path"`
	} `yaml:"input"`
	Processing struct {
		BatchSize          int `yaml:"batch_size"`
		CheckpointInterval int `yaml:"checkpoint_interval"`
	} `yaml:"processing"`
}

func main() {
	var (
		configPath = flag.String("config", "", "path to the job YAML config (required)")
		limit      = flag.Int("limit", 0, "process at most N records (0 = all)")
		batchSize  = flag.Int("batch-size", 0, "override the config batch size")
		startFrom  = flag.Int("start-from", 0, "skip the first N records")
	)
	flag.Parse()
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: loader --config <job.yaml> [--limit N] [--batch-size N] [--start-from N]")
		os.Exit(2)
	}

	job, err := loadJobFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loader: %v\n", err)
		os.Exit(1)
	}
	if *batchSize > 0 {
		job.Processing.BatchSize = *batchSize
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loader: %v\n", err)
		os.Exit(1)
	}

	log := observability.SetupLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	graphPool, err := graph.NewPool(ctx, cfg.DatabaseURL(), graph.DefaultPoolConfig(), log)
	if err != nil {
		log.Error("fact store connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer graphPool.Close()

	geoCache := graph.NewGeoCache()
	if err := geoCache.Load(ctx, graphPool, log); err != nil {
		log.Warn("geo cache not loaded; geographic hints disabled", slog.Any("error", err))
	}

	registry := loaders.NewRegistry()
	ld, err := registry.Resolve(job.JobType, loader.Config{
		SourceName:   job.SourceName,
		SourceType:   job.SourceType,
		FieldMapping: job.FieldMapping,
	}, loader.Deps{
		Graph:    graph.NewClient(graphPool, log),
		GeoCache: &graph.BoundGeoCache{Cache: geoCache, Q: graphPool},
		Log:      log,
	})
	if err != nil {
		log.Error("no loader for job type", slog.String("job_type", job.JobType), slog.Any("error", err))
		os.Exit(1)
	}

	retryCfg := cfg.GetRetryConfig()
	runner := loader.NewRunner(ld, postgres.NewSourceRepo(pool), postgres.NewDLQRepo(pool), loader.Callbacks{}, loader.Options{
		BatchSize:               job.Processing.BatchSize,
		CheckpointInterval:      job.Processing.CheckpointInterval,
		Limit:                   *limit,
		StartFrom:               *startFrom,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.CircuitBreakerTimeout,
		Retry: obs.RetryPolicy{
			MaxRetries:   retryCfg.MaxRetries,
			InitialDelay: retryCfg.InitialDelay,
			MaxDelay:     retryCfg.MaxDelay,
			Multiplier:   retryCfg.Multiplier,
		},
	}, log)

	result, err := runner.Run(ctx, job.Input.FilePath)
	if err != nil {
		log.Error("loader run failed", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Printf("\nLoader completed with status: %s\n", result.Status)
	fmt.Println("\nStatistics:")
	fmt.Printf("  total_processed: %d\n", result.Stats.TotalProcessed)
	fmt.Printf("  successful: %d\n", result.Stats.Successful)
	fmt.Printf("  failed: %d\n", result.Stats.Failed)
	fmt.Printf("  skipped: %d\n", result.Stats.Skipped)
	fmt.Printf("  entities_created: %d\n", result.Stats.EntitiesCreated)
	fmt.Printf("  relationships_created: %d\n", result.Stats.RelationshipsCreated)
	fmt.Printf("  conflicts_detected: %d\n", result.Stats.ConflictsDetected)
	fmt.Printf("  Elapsed time: %s\n", result.Elapsed)
	fmt.Printf("  Rate: %.1f records/minute\n", result.RecordsPerMinute)
}

func loadJobFile(path string) (jobFile, error) {
	var job jobFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return job, fmt.Errorf("op=loader.load_config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &job); err != nil {
		return job, fmt.Errorf("op=loader.load_config: %s: %w", path, err)
	}
	if job.JobType == "" {
		return job, fmt.Errorf("op=loader.load_config: %s: job_type is required", path)
	}
	if job.Input.FilePath == "" {
		return job, fmt.Errorf("op=loader.load_config: %s: input.file_path is required", path)
	}
	return job, nil
}
