package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"seismic-pipeline/internal/models"
	"seismic-pipeline/internal/reader"
	"seismic-pipeline/internal/services"
	"seismic-pipeline/pkg/logging"
	"seismic-pipeline/pkg/metrics"
)

// State is a batch's last successfully completed stage.
type State string

const (
	StateRead        State = "READ"
	StateLoaded      State = "LOADED"
	StateValidated   State = "VALIDATED"
	StateTransformed State = "TRANSFORMED"
	StateAggregated  State = "AGGREGATED"
	StateExported    State = "EXPORTED"
	StateFailed      State = "FAILED"
)

// Stage names the pipeline stages.
type Stage string

const (
	StageRead      Stage = "read"
	StageLoad      Stage = "load"
	StageValidate  Stage = "validate"
	StageTransform Stage = "transform"
	StageAggregate Stage = "aggregate"
	StageExport    Stage = "export"
)

// StageStatus is the terminal status of one stage attempt sequence.
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageSkipped StageStatus = "skipped"
	StageFailed  StageStatus = "failed"
)

// RetryPolicy bounds per-stage retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard policy: three attempts, two
// second base delay doubling per attempt, capped at thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff before the attempt following attempt n (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// StageOutcome reports one stage's terminal result for a batch.
type StageOutcome struct {
	Stage    Stage         `json:"stage"`
	Status   StageStatus   `json:"status"`
	Records  int           `json:"records"`
	Rejected int           `json:"rejected,omitempty"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// BatchResult is the per-batch state machine passed back as data: the batch
// identifier, the last successful state, and every stage outcome.
type BatchResult struct {
	BatchID    string         `json:"batch_id"`
	State      State          `json:"state"`
	Outcomes   []StageOutcome `json:"outcomes"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Failed reports whether the batch reached the terminal FAILED state.
func (r *BatchResult) Failed() bool {
	return r.State == StateFailed
}

// RawStore is the raw-layer surface the orchestrator drives.
type RawStore interface {
	InsertRawBatch(ctx context.Context, batchID string, records []*models.RawEarthquake) (int, error)
	CountRawRecords(ctx context.Context, batchID string) (int, error)
}

// Transformer produces a batch's analytics rows.
type Transformer interface {
	TransformBatch(ctx context.Context, batchID string) (*services.TransformResult, error)
}

// Aggregator recomputes global statistics.
type Aggregator interface {
	Aggregate(ctx context.Context) (*models.EarthquakeStatistics, error)
}

// Exporter materializes the analytics snapshot file.
type Exporter interface {
	Export(ctx context.Context) (*services.ExportResult, error)
}

// Orchestrator sequences the pipeline stages for one batch, applying the
// retry policy per stage and the idempotency guards between retries.
type Orchestrator struct {
	feed        reader.Feed
	store       RawStore
	transformer Transformer
	aggregator  Aggregator
	exporter    Exporter
	policy      RetryPolicy
	logger      *logging.StructuredLogger
	metrics     *metrics.Collector

	// NewBatchID allows overriding batch id generation (for testing).
	NewBatchID func() string

	// sleep allows overriding backoff waits (for testing).
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an orchestrator over the given stage
// implementations.
func NewOrchestrator(
	feed reader.Feed,
	store RawStore,
	transformer Transformer,
	aggregator Aggregator,
	exporter Exporter,
	policy RetryPolicy,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *Orchestrator {
	return &Orchestrator{
		feed:        feed,
		store:       store,
		transformer: transformer,
		aggregator:  aggregator,
		exporter:    exporter,
		policy:      policy,
		logger:      logger,
		metrics:     metricsCollector,
		NewBatchID:  reader.NewBatchID,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// RunBatch drives one batch through READ → LOADED → VALIDATED →
// TRANSFORMED → AGGREGATED → EXPORTED. Any stage failure after retries
// marks the batch FAILED and halts; no stage runs past a failed
// predecessor. The returned error is the failing stage's error, nil on
// success.
func (o *Orchestrator) RunBatch(ctx context.Context) (*BatchResult, error) {
	batchID := o.NewBatchID()
	ctx = logging.ContextWithBatchID(ctx, batchID)

	result := &BatchResult{
		BatchID:   batchID,
		StartedAt: time.Now().UTC(),
	}

	o.logger.Info(ctx, "[BATCH_START] Starting batch run", logging.Fields{
		"batch_id": batchID,
	})

	// READ: drain the feed into memory; the raw load is one transaction
	// over the full batch.
	var records []*models.RawEarthquake
	outcome, err := o.runStage(ctx, StageRead, func(ctx context.Context) error {
		it, err := o.feed.Open(ctx)
		if err != nil {
			return err
		}
		defer it.Close()

		records = records[:0]
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			rec, err := it.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}

			records = append(records, models.RawFromSource(rec, batchID))
		}
	})
	outcome.Records = len(records)
	if !o.advance(result, outcome, StateRead) {
		return result, err
	}

	// A no-new-data run is a successful no-op, not an error.
	if len(records) == 0 {
		o.logger.Info(ctx, "[BATCH_EMPTY] Source feed empty, nothing to do", logging.Fields{
			"batch_id": batchID,
		})
		o.finish(ctx, result)
		return result, nil
	}

	expected := len(records)

	// LOAD: skip if a prior attempt already committed this batch.
	var loaded int
	outcome, err = o.runStage(ctx, StageLoad, func(ctx context.Context) error {
		existing, err := o.store.CountRawRecords(ctx, batchID)
		if err != nil {
			return markTransient(err)
		}
		if existing > 0 {
			loaded = existing
			return errSkipStage
		}

		n, err := o.store.InsertRawBatch(ctx, batchID, records)
		if err != nil {
			return err
		}
		loaded = n
		return nil
	})
	outcome.Records = loaded
	if !o.advance(result, outcome, StateLoaded) {
		return result, err
	}

	// VALIDATE: the correctness gate between untrusted ingestion and
	// trusted transformation.
	var persisted int
	outcome, err = o.runStage(ctx, StageValidate, func(ctx context.Context) error {
		actual, err := o.store.CountRawRecords(ctx, batchID)
		if err != nil {
			return markTransient(err)
		}
		persisted = actual

		if actual != expected {
			return &CountMismatchError{BatchID: batchID, Expected: expected, Actual: actual}
		}
		return nil
	})
	outcome.Records = persisted
	if !o.advance(result, outcome, StateValidated) {
		return result, err
	}

	// TRANSFORM: batch-atomic idempotent replace.
	var transformResult *services.TransformResult
	outcome, err = o.runStage(ctx, StageTransform, func(ctx context.Context) error {
		tr, err := o.transformer.TransformBatch(ctx, batchID)
		if err != nil {
			return err
		}
		transformResult = tr
		return nil
	})
	if transformResult != nil {
		outcome.Records = transformResult.Transformed
		outcome.Rejected = len(transformResult.Rejected)
	}
	if !o.advance(result, outcome, StateTransformed) {
		return result, err
	}

	// AGGREGATE: full-population recomputation, snapshot-append.
	var stats *models.EarthquakeStatistics
	outcome, err = o.runStage(ctx, StageAggregate, func(ctx context.Context) error {
		s, err := o.aggregator.Aggregate(ctx)
		if err != nil {
			return err
		}
		stats = s
		return nil
	})
	if stats != nil {
		outcome.Records = int(stats.TotalEarthquakes)
	}
	if !o.advance(result, outcome, StateAggregated) {
		return result, err
	}

	// EXPORT: full-population snapshot, file overwrite.
	var exportResult *services.ExportResult
	outcome, err = o.runStage(ctx, StageExport, func(ctx context.Context) error {
		er, err := o.exporter.Export(ctx)
		if err != nil {
			return err
		}
		exportResult = er
		return nil
	})
	if exportResult != nil {
		outcome.Records = exportResult.Records
	}
	if !o.advance(result, outcome, StateExported) {
		return result, err
	}

	o.finish(ctx, result)
	return result, nil
}

// RunBatches runs independent batch chains concurrently, one per feed, each
// with its own batch id. Batches may complete out of submission order; one
// batch failing does not cancel its siblings.
func (o *Orchestrator) RunBatches(ctx context.Context, feeds []reader.Feed, concurrency int) []*BatchResult {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]*BatchResult, len(feeds))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, feed := range feeds {
		g.Go(func() error {
			chain := *o
			chain.feed = feed
			result, _ := chain.RunBatch(ctx)
			results[i] = result
			return nil
		})
	}

	g.Wait()
	return results
}

// runStage executes one stage under the retry policy. Only errors that
// classify themselves as transient are retried; the rest fail the stage on
// first occurrence.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, fn func(context.Context) error) (StageOutcome, error) {
	outcome := StageOutcome{Stage: stage}
	start := time.Now()
	defer func() {
		outcome.Duration = time.Since(start)
		o.metrics.StageDuration.WithLabelValues(string(stage)).Observe(outcome.Duration.Seconds())
	}()

	for attempt := 1; ; attempt++ {
		outcome.Attempts = attempt

		err := fn(ctx)
		if err == nil {
			outcome.Status = StageSuccess
			return outcome, nil
		}
		if errors.Is(err, errSkipStage) {
			outcome.Status = StageSkipped
			o.logger.Info(ctx, "[STAGE_SKIP] Stage effect already persisted", logging.Fields{
				"stage": string(stage),
			})
			return outcome, nil
		}

		if !isTransient(err) || attempt >= o.policy.MaxAttempts {
			outcome.Status = StageFailed
			outcome.Error = err.Error()
			o.logger.Error(ctx, "[STAGE_FAILED] Stage failed", logging.Fields{
				"stage":     string(stage),
				"attempts":  attempt,
				"transient": isTransient(err),
			}, err)
			return outcome, err
		}

		delay := o.policy.Delay(attempt)
		o.metrics.RecordStageRetry(string(stage))
		o.logger.Warn(ctx, "[STAGE_RETRY] Transient stage failure, backing off", logging.Fields{
			"stage":    string(stage),
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})

		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			outcome.Status = StageFailed
			outcome.Error = sleepErr.Error()
			return outcome, sleepErr
		}
	}
}

// advance records a stage outcome and moves the state machine forward,
// returning false when the batch must halt.
func (o *Orchestrator) advance(result *BatchResult, outcome StageOutcome, next State) bool {
	result.Outcomes = append(result.Outcomes, outcome)

	if outcome.Status == StageFailed {
		result.State = StateFailed
		result.FinishedAt = time.Now().UTC()
		o.metrics.RecordBatch(string(StateFailed))
		return false
	}

	result.State = next
	return true
}

func (o *Orchestrator) finish(ctx context.Context, result *BatchResult) {
	result.FinishedAt = time.Now().UTC()
	o.metrics.RecordBatch(string(result.State))

	o.logger.Info(ctx, "[BATCH_COMPLETE] Batch run finished", logging.Fields{
		"batch_id":         result.BatchID,
		"state":            string(result.State),
		"stages":           len(result.Outcomes),
		"duration_seconds": result.FinishedAt.Sub(result.StartedAt).Seconds(),
	})
}
