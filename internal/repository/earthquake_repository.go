package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"seismic-pipeline/internal/models"
	"seismic-pipeline/pkg/database"
	"seismic-pipeline/pkg/logging"
	"seismic-pipeline/pkg/metrics"
)

// EarthquakeRepository provides data access for the raw, analytics, and
// statistics layers. The raw layer is append-only: nothing here updates or
// deletes raw rows.
type EarthquakeRepository interface {
	// Raw layer operations
	InsertRawBatch(ctx context.Context, batchID string, records []*models.RawEarthquake) (int, error)
	CountRawRecords(ctx context.Context, batchID string) (int, error)
	GetRawRecordsByBatch(ctx context.Context, batchID string) ([]*models.RawEarthquake, error)

	// Analytics layer operations
	ReplaceAnalyticsBatch(ctx context.Context, batchID string, records []*models.AnalyticsEarthquake) (int, error)
	CountAnalyticsRecords(ctx context.Context, batchID string) (int, error)
	GetAnalytics(ctx context.Context, filter AnalyticsFilter) ([]*models.AnalyticsEarthquake, int, error)
	GetAllAnalytics(ctx context.Context) ([]*models.AnalyticsEarthquake, error)

	// Statistics operations
	CalculateGlobalStatistics(ctx context.Context) (*models.EarthquakeStatistics, error)
	InsertStatistics(ctx context.Context, stats *models.EarthquakeStatistics) error
	GetLatestStatistics(ctx context.Context) (*models.EarthquakeStatistics, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// AnalyticsFilter defines filters for querying analytics records
type AnalyticsFilter struct {
	BatchID      *string
	Region       *string
	MinMagnitude *float64
	StartDate    *time.Time
	EndDate      *time.Time
	Limit        int
	Offset       int
}

// earthquakeRepository implements EarthquakeRepository
type earthquakeRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewEarthquakeRepository creates a new earthquake repository
func NewEarthquakeRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) EarthquakeRepository {
	return &earthquakeRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// InsertRawBatch appends all records of a batch in a single all-or-nothing
// transaction. Every source column is stored as text with no coercion. If
// the transaction does not commit, zero rows exist for the batch and a
// retry is safe.
func (r *earthquakeRepository) InsertRawBatch(ctx context.Context, batchID string, records []*models.RawEarthquake) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.logger.Debug(ctx, "[REPO_RAW_INSERT] Raw batch insert completed", logging.Fields{
			"batch_id":    batchID,
			"count":       len(records),
			"duration_ms": duration.Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return 0, &WriteFailedError{Op: "begin raw insert transaction", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_earthquakes (
			fecha_utc, hora_utc, magnitud, latitud, longitud,
			profundidad, referencia_localizacion, fecha_local, hora_local, estatus,
			batch_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		return 0, &WriteFailedError{Op: "prepare raw insert", Err: err}
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.FechaUTC,
			rec.HoraUTC,
			rec.Magnitud,
			rec.Latitud,
			rec.Longitud,
			rec.Profundidad,
			rec.ReferenciaLocalizacion,
			rec.FechaLocal,
			rec.HoraLocal,
			rec.Estatus,
			batchID,
		)
		if err != nil {
			return 0, &WriteFailedError{Op: "insert raw record", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &WriteFailedError{Op: "commit raw insert", Err: err}
	}

	r.metrics.RecordsLoadedTotal.Add(float64(len(records)))

	return len(records), nil
}

// CountRawRecords returns the persisted raw record count for a batch.
func (r *earthquakeRepository) CountRawRecords(ctx context.Context, batchID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, "count_raw_records", &count,
		`SELECT COUNT(*) FROM raw_earthquakes WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to count raw records: %w", err)
	}

	return count, nil
}

// GetRawRecordsByBatch retrieves all raw records of a batch in insert order.
func (r *earthquakeRepository) GetRawRecordsByBatch(ctx context.Context, batchID string) ([]*models.RawEarthquake, error) {
	query := `
		SELECT id, fecha_utc, hora_utc, magnitud, latitud, longitud,
		       profundidad, referencia_localizacion, fecha_local, hora_local, estatus,
		       batch_id, loaded_at
		FROM raw_earthquakes
		WHERE batch_id = $1
		ORDER BY id
	`

	var records []*models.RawEarthquake
	err := r.db.SelectContext(ctx, "get_raw_records", &records, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get raw records: %w", err)
	}

	return records, nil
}

// ReplaceAnalyticsBatch deletes any prior analytics rows for the batch and
// inserts the new set in one transaction, so a re-transform replaces rather
// than appends and readers never observe a half-written set.
func (r *earthquakeRepository) ReplaceAnalyticsBatch(ctx context.Context, batchID string, records []*models.AnalyticsEarthquake) (int, error) {
	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.TransformBatchSize.Observe(float64(len(records)))
		r.logger.Debug(ctx, "[REPO_ANALYTICS_REPLACE] Analytics batch replaced", logging.Fields{
			"batch_id":    batchID,
			"count":       len(records),
			"duration_ms": duration.Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM analytics_earthquakes WHERE batch_id = $1`, batchID); err != nil {
		return 0, fmt.Errorf("failed to delete prior analytics rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO analytics_earthquakes (
			earthquake_date, earthquake_datetime, magnitude, latitude, longitude,
			depth_km, location_reference, status, year, month,
			day_of_week, hour_of_day, magnitude_category, depth_category, region,
			is_significant, batch_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare analytics insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.EarthquakeDate,
			rec.EarthquakeDatetime,
			rec.Magnitude,
			rec.Latitude,
			rec.Longitude,
			rec.DepthKm,
			rec.LocationReference,
			rec.Status,
			rec.Year,
			rec.Month,
			rec.DayOfWeek,
			rec.HourOfDay,
			rec.MagnitudeCategory,
			rec.DepthCategory,
			rec.Region,
			rec.IsSignificant,
			rec.BatchID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert analytics record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit analytics replace: %w", err)
	}

	return len(records), nil
}

// CountAnalyticsRecords returns the analytics record count for a batch.
func (r *earthquakeRepository) CountAnalyticsRecords(ctx context.Context, batchID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, "count_analytics_records", &count,
		`SELECT COUNT(*) FROM analytics_earthquakes WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to count analytics records: %w", err)
	}

	return count, nil
}

// GetAnalytics retrieves analytics records with filtering and pagination
func (r *earthquakeRepository) GetAnalytics(ctx context.Context, filter AnalyticsFilter) ([]*models.AnalyticsEarthquake, int, error) {
	query := `
		SELECT id, earthquake_date, earthquake_datetime, magnitude, latitude, longitude,
		       depth_km, location_reference, status, year, month,
		       day_of_week, hour_of_day, magnitude_category, depth_category, region,
		       is_significant, batch_id, created_at
		FROM analytics_earthquakes
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.BatchID != nil {
		query += fmt.Sprintf(" AND batch_id = $%d", argNum)
		args = append(args, *filter.BatchID)
		argNum++
	}

	if filter.Region != nil {
		query += fmt.Sprintf(" AND region = $%d", argNum)
		args = append(args, *filter.Region)
		argNum++
	}

	if filter.MinMagnitude != nil {
		query += fmt.Sprintf(" AND magnitude >= $%d", argNum)
		args = append(args, *filter.MinMagnitude)
		argNum++
	}

	if filter.StartDate != nil {
		query += fmt.Sprintf(" AND earthquake_date >= $%d", argNum)
		args = append(args, *filter.StartDate)
		argNum++
	}

	if filter.EndDate != nil {
		query += fmt.Sprintf(" AND earthquake_date <= $%d", argNum)
		args = append(args, *filter.EndDate)
		argNum++
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	err := r.db.GetContext(ctx, "count_analytics", &totalCount, countQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count analytics: %w", err)
	}

	query += " ORDER BY earthquake_datetime DESC, id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var records []*models.AnalyticsEarthquake
	err = r.db.SelectContext(ctx, "get_analytics", &records, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get analytics: %w", err)
	}

	return records, totalCount, nil
}

// GetAllAnalytics retrieves the full analytics population ordered by event
// time descending, the order the exported snapshot carries.
func (r *earthquakeRepository) GetAllAnalytics(ctx context.Context) ([]*models.AnalyticsEarthquake, error) {
	query := `
		SELECT id, earthquake_date, earthquake_datetime, magnitude, latitude, longitude,
		       depth_km, location_reference, status, year, month,
		       day_of_week, hour_of_day, magnitude_category, depth_category, region,
		       is_significant, batch_id, created_at
		FROM analytics_earthquakes
		ORDER BY earthquake_datetime DESC, id
	`

	var records []*models.AnalyticsEarthquake
	err := r.db.SelectContext(ctx, "get_all_analytics", &records, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get analytics population: %w", err)
	}

	return records, nil
}

// CalculateGlobalStatistics computes one snapshot over the entire analytics
// population using grouped aggregation in the store.
func (r *earthquakeRepository) CalculateGlobalStatistics(ctx context.Context) (*models.EarthquakeStatistics, error) {
	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.StatsCalculationDuration.Observe(duration.Seconds())
		r.logger.Debug(ctx, "[REPO_CALC_STATS] Statistics calculated", logging.Fields{
			"duration_ms": duration.Milliseconds(),
		})
	}()

	var totals struct {
		TotalEarthquakes int64    `db:"total_earthquakes"`
		AvgMagnitude     *float64 `db:"avg_magnitude"`
		MaxMagnitude     *float64 `db:"max_magnitude"`
		MinMagnitude     *float64 `db:"min_magnitude"`
		AvgDepth         *float64 `db:"avg_depth"`
		SignificantCount int64    `db:"significant_count"`
	}

	err := r.db.GetContext(ctx, "calculate_statistics", &totals, `
		SELECT
			COUNT(*) AS total_earthquakes,
			ROUND(AVG(magnitude), 2) AS avg_magnitude,
			MAX(magnitude) AS max_magnitude,
			MIN(magnitude) AS min_magnitude,
			ROUND(AVG(depth_km), 2) AS avg_depth,
			COALESCE(SUM(CASE WHEN is_significant THEN 1 ELSE 0 END), 0) AS significant_count
		FROM analytics_earthquakes
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate statistics totals: %w", err)
	}

	byCategory, err := r.groupedCounts(ctx, "stats_by_magnitude_category", `
		SELECT magnitude_category AS key, COUNT(*) AS count
		FROM analytics_earthquakes
		GROUP BY magnitude_category
	`)
	if err != nil {
		return nil, err
	}

	// Top ten most active regions, matching the dashboard contract.
	byRegion, err := r.groupedCounts(ctx, "stats_by_region", `
		SELECT region AS key, COUNT(*) AS count
		FROM analytics_earthquakes
		GROUP BY region
		ORDER BY count DESC
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}

	byMonth, err := r.groupedCounts(ctx, "stats_by_month", `
		SELECT month::text AS key, COUNT(*) AS count
		FROM analytics_earthquakes
		GROUP BY month
		ORDER BY month
	`)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &models.EarthquakeStatistics{
		CalculationDate:     time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		TotalEarthquakes:    totals.TotalEarthquakes,
		AvgMagnitude:        totals.AvgMagnitude,
		MaxMagnitude:        totals.MaxMagnitude,
		MinMagnitude:        totals.MinMagnitude,
		AvgDepth:            totals.AvgDepth,
		SignificantCount:    totals.SignificantCount,
		ByMagnitudeCategory: byCategory,
		ByRegion:            byRegion,
		ByMonth:             byMonth,
		CreatedAt:           now,
	}, nil
}

// groupedCounts runs a key/count aggregation query into a map.
func (r *earthquakeRepository) groupedCounts(ctx context.Context, queryType, query string) (models.CategoryCounts, error) {
	var rows []struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}

	if err := r.db.SelectContext(ctx, queryType, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", queryType, err)
	}

	counts := make(models.CategoryCounts, len(rows))
	for _, row := range rows {
		counts[row.Key] = row.Count
	}

	return counts, nil
}

// InsertStatistics appends one statistics snapshot. Snapshots are never
// updated in place.
func (r *earthquakeRepository) InsertStatistics(ctx context.Context, stats *models.EarthquakeStatistics) error {
	query := `
		INSERT INTO earthquake_statistics (
			calculation_date, total_earthquakes,
			avg_magnitude, max_magnitude, min_magnitude, avg_depth,
			significant_count, by_magnitude_category, by_region, by_month,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	err := r.db.DB().QueryRowContext(ctx, query,
		stats.CalculationDate,
		stats.TotalEarthquakes,
		stats.AvgMagnitude,
		stats.MaxMagnitude,
		stats.MinMagnitude,
		stats.AvgDepth,
		stats.SignificantCount,
		stats.ByMagnitudeCategory,
		stats.ByRegion,
		stats.ByMonth,
		stats.CreatedAt,
	).Scan(&stats.ID)

	if err != nil {
		return fmt.Errorf("failed to insert statistics snapshot: %w", err)
	}

	return nil
}

// GetLatestStatistics retrieves the most recent statistics snapshot.
func (r *earthquakeRepository) GetLatestStatistics(ctx context.Context) (*models.EarthquakeStatistics, error) {
	query := `
		SELECT id, calculation_date, total_earthquakes,
		       avg_magnitude, max_magnitude, min_magnitude, avg_depth,
		       significant_count, by_magnitude_category, by_region, by_month,
		       created_at
		FROM earthquake_statistics
		ORDER BY created_at DESC
		LIMIT 1
	`

	var stats models.EarthquakeStatistics
	err := r.db.GetContext(ctx, "get_latest_statistics", &stats, query)

	if err == sql.ErrNoRows {
		return nil, &NotFoundError{
			Resource: "earthquake_statistics",
			ID:       "latest",
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get latest statistics: %w", err)
	}

	return &stats, nil
}

// HealthCheck performs a repository health check
func (r *earthquakeRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// WriteFailedError represents a transient raw-layer write failure. Because
// the batch insert is one transaction, a retry after this error cannot
// duplicate rows.
type WriteFailedError struct {
	Op  string
	Err error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("raw write failed: %s: %v", e.Op, e.Err)
}

func (e *WriteFailedError) Unwrap() error {
	return e.Err
}

func (e *WriteFailedError) IsTransient() bool {
	return true
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}
