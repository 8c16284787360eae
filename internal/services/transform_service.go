package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"seismic-pipeline/internal/models"
	"seismic-pipeline/internal/repository"
	"seismic-pipeline/pkg/logging"
	"seismic-pipeline/pkg/metrics"
)

// TransformService converts a batch of raw records into typed analytics
// records. The write is batch-atomic and idempotent: prior analytics rows
// for the batch are replaced, never appended to.
type TransformService struct {
	repo    repository.EarthquakeRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// TransformResult contains per-batch transformation statistics
type TransformResult struct {
	BatchID     string                  `json:"batch_id"`
	Input       int                     `json:"input"`
	Transformed int                     `json:"transformed"`
	Rejected    []models.RejectedRecord `json:"rejected,omitempty"`
}

// NewTransformService creates a new transform service
func NewTransformService(repo repository.EarthquakeRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *TransformService {
	return &TransformService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// TransformBatch reads all raw records of a batch and replaces the batch's
// analytics rows with their typed form. Malformed rows are rejected with a
// reason and counted; they never fail the batch.
func (s *TransformService) TransformBatch(ctx context.Context, batchID string) (*TransformResult, error) {
	startTime := time.Now()

	raws, err := s.repo.GetRawRecordsByBatch(ctx, batchID)
	if err != nil {
		return nil, &TransformFailedError{BatchID: batchID, Err: err}
	}

	result := &TransformResult{
		BatchID: batchID,
		Input:   len(raws),
	}

	analytics := make([]*models.AnalyticsEarthquake, 0, len(raws))
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := raw.ToAnalytics()
		if err != nil {
			var parseErr *models.ParseError
			if errors.As(err, &parseErr) {
				result.Rejected = append(result.Rejected, models.RejectedRecord{
					RawID:  raw.ID,
					Field:  parseErr.Field,
					Value:  parseErr.Value,
					Reason: parseErr.Message,
				})
				s.metrics.RecordRejection(parseErr.Field)
				s.logger.Warn(ctx, "[TRANSFORM_REJECT] Raw record rejected", logging.Fields{
					"raw_id": raw.ID,
					"field":  parseErr.Field,
					"value":  parseErr.Value,
					"reason": parseErr.Message,
				})
				continue
			}
			return nil, &TransformFailedError{BatchID: batchID, Err: err}
		}

		analytics = append(analytics, rec)
	}

	inserted, err := s.repo.ReplaceAnalyticsBatch(ctx, batchID, analytics)
	if err != nil {
		return nil, &TransformFailedError{BatchID: batchID, Err: err}
	}

	result.Transformed = inserted

	s.logger.Info(ctx, "[TRANSFORM_COMPLETE] Batch transformed", logging.Fields{
		"batch_id":         batchID,
		"input_records":    result.Input,
		"transformed":      result.Transformed,
		"rejected":         len(result.Rejected),
		"duration_seconds": time.Since(startTime).Seconds(),
	})

	return result, nil
}

// TransformFailedError represents a transaction-level transform failure.
// The batch's analytics rows are either fully present from a prior run or
// absent, so a retry is safe.
type TransformFailedError struct {
	BatchID string
	Err     error
}

func (e *TransformFailedError) Error() string {
	return fmt.Sprintf("transform failed for batch %s: %v", e.BatchID, e.Err)
}

func (e *TransformFailedError) Unwrap() error {
	return e.Err
}

func (e *TransformFailedError) IsTransient() bool {
	return true
}
