package services

import (
	"context"
	"fmt"
	"time"

	"seismic-pipeline/internal/models"
	"seismic-pipeline/internal/repository"
	"seismic-pipeline/pkg/logging"
	"seismic-pipeline/pkg/metrics"
)

// AggregationService recomputes global summary statistics over the entire
// analytics population and appends one immutable snapshot per run.
type AggregationService struct {
	repo    repository.EarthquakeRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(repo repository.EarthquakeRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *AggregationService {
	return &AggregationService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Aggregate computes a fresh statistics snapshot and persists it. Naturally
// idempotent: each run is a full recomputation appended as a new row.
func (s *AggregationService) Aggregate(ctx context.Context) (*models.EarthquakeStatistics, error) {
	startTime := time.Now()

	stats, err := s.repo.CalculateGlobalStatistics(ctx)
	if err != nil {
		return nil, &AggregationFailedError{Err: err}
	}

	if err := s.repo.InsertStatistics(ctx, stats); err != nil {
		return nil, &AggregationFailedError{Err: err}
	}

	s.logger.Info(ctx, "[AGGREGATE_COMPLETE] Statistics snapshot created", logging.Fields{
		"snapshot_id":       stats.ID,
		"total_earthquakes": stats.TotalEarthquakes,
		"significant_count": stats.SignificantCount,
		"regions":           len(stats.ByRegion),
		"duration_seconds":  time.Since(startTime).Seconds(),
	})

	return stats, nil
}

// AggregationFailedError represents a failed statistics recomputation.
// Snapshot creation is append-only, so a retry cannot corrupt prior runs.
type AggregationFailedError struct {
	Err error
}

func (e *AggregationFailedError) Error() string {
	return fmt.Sprintf("aggregation failed: %v", e.Err)
}

func (e *AggregationFailedError) Unwrap() error {
	return e.Err
}

func (e *AggregationFailedError) IsTransient() bool {
	return true
}
