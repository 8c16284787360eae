package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"seismic-pipeline/internal/config"
	"seismic-pipeline/internal/pipeline"
	"seismic-pipeline/internal/reader"
	"seismic-pipeline/internal/repository"
	"seismic-pipeline/internal/services"
	"seismic-pipeline/pkg/database"
	"seismic-pipeline/pkg/logging"
	"seismic-pipeline/pkg/metrics"
)

// app bundles the wired pipeline components shared by the subcommands.
type app struct {
	cfg         *config.Config
	logger      *logging.StructuredLogger
	db          *database.PostgresDB
	repo        repository.EarthquakeRepository
	transformer *services.TransformService
	aggregator  *services.AggregationService
	exporter    *services.ExportService
	retryPolicy pipeline.RetryPolicy
	metrics     *metrics.Collector
}

func newApp(cfgFile string) (*app, error) {
	cfg, err := config.LoadConfigFile(cfgFile)
	if err != nil {
		return nil, err
	}

	logger := logging.NewStructuredLogger("seismic-pipeline", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	metricsCollector := metrics.NewCollector("seismic_pipeline")

	dbConfig := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}

	db, err := database.NewPostgresDB(dbConfig, logger, metricsCollector)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := repository.NewEarthquakeRepository(db, logger, metricsCollector)

	return &app{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		repo:        repo,
		transformer: services.NewTransformService(repo, logger, metricsCollector),
		aggregator:  services.NewAggregationService(repo, logger, metricsCollector),
		exporter:    services.NewExportService(repo, cfg.Pipeline.ExportPath, logger, metricsCollector),
		retryPolicy: pipeline.RetryPolicy{
			MaxAttempts: cfg.Pipeline.Retry.MaxAttempts,
			BaseDelay:   cfg.Pipeline.Retry.BaseDelay,
			Multiplier:  cfg.Pipeline.Retry.Multiplier,
			MaxDelay:    cfg.Pipeline.Retry.MaxDelay,
		},
		metrics: metricsCollector,
	}, nil
}

func (a *app) close() {
	a.db.Close()
}

func (a *app) orchestrator(feed reader.Feed) *pipeline.Orchestrator {
	return pipeline.NewOrchestrator(
		feed,
		a.repo,
		a.transformer,
		a.aggregator,
		a.exporter,
		a.retryPolicy,
		a.logger,
		a.metrics,
	)
}

func newRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "pipeline",
		Short:         "Seismic catalog batch pipeline",
		Long:          "Runs the earthquake catalog pipeline: load raw CSV batches, validate, transform to analytics rows, recompute statistics, and export a Parquet snapshot.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")

	cmd.AddCommand(newRunCommand(&cfgFile))
	cmd.AddCommand(newAggregateCommand(&cfgFile))
	cmd.AddCommand(newExportCommand(&cfgFile))

	return cmd
}

func newRunCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run [source.csv ...]",
		Short: "Run full batches end to end",
		Long: `Run one pipeline batch per source file through load, validate,
transform, aggregate, and export. With no arguments the configured
source path is used. Multiple sources run as independent concurrent
batches; one failing does not stop the others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgFile)
			if err != nil {
				return err
			}
			defer a.close()

			sources := args
			if len(sources) == 0 {
				sources = []string{a.cfg.Pipeline.SourcePath}
			}

			ctx := cmd.Context()

			if len(sources) == 1 {
				result, err := a.orchestrator(reader.NewCSVFeed(sources[0])).RunBatch(ctx)
				printResult(cmd, sources[0], result)
				return err
			}

			feeds := make([]reader.Feed, len(sources))
			for i, src := range sources {
				feeds[i] = reader.NewCSVFeed(src)
			}

			results := a.orchestrator(feeds[0]).RunBatches(ctx, feeds, a.cfg.Pipeline.Concurrency)

			failed := 0
			for i, result := range results {
				printResult(cmd, sources[i], result)
				if result.Failed() {
					failed++
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d batches failed", failed, len(results))
			}
			return nil
		},
	}
}

func newAggregateCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Recompute the global statistics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgFile)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.aggregator.Aggregate(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Printf("Statistics snapshot %d created: %d earthquakes, %d significant, %d regions\n",
				stats.ID, stats.TotalEarthquakes, stats.SignificantCount, len(stats.ByRegion))
			return nil
		},
	}
}

func newExportCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the analytics Parquet snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgFile)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.exporter.Export(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Printf("Exported %d records to %s (%d bytes)\n", result.Records, result.Path, result.Bytes)
			return nil
		},
	}
}

func printResult(cmd *cobra.Command, source string, result *pipeline.BatchResult) {
	cmd.Printf("Batch %s (%s): %s\n", result.BatchID, source, result.State)
	for _, outcome := range result.Outcomes {
		line := fmt.Sprintf("  %-10s %-8s records=%d attempts=%d", outcome.Stage, outcome.Status, outcome.Records, outcome.Attempts)
		if outcome.Rejected > 0 {
			line += fmt.Sprintf(" rejected=%d", outcome.Rejected)
		}
		if outcome.Error != "" {
			line += " error=" + outcome.Error
		}
		cmd.Println(line)
	}
}

func main() {
	cmd := newRootCommand()
	cmd.SetContext(context.Background())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
