package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"seismic-pipeline/internal/models"
	"seismic-pipeline/internal/repository"
	"seismic-pipeline/pkg/logging"
	"seismic-pipeline/pkg/metrics"
)

// ExportService materializes the analytics population into one columnar
// Parquet snapshot for the visualization layer, overwriting the prior file.
type ExportService struct {
	repo      repository.EarthquakeRepository
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
	allocator memory.Allocator
	path      string
}

// ExportResult contains per-export statistics
type ExportResult struct {
	Records int    `json:"records"`
	Path    string `json:"path"`
	Bytes   int64  `json:"bytes"`
}

// NewExportService creates a new export service writing to the given path.
func NewExportService(repo repository.EarthquakeRepository, path string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ExportService {
	return &ExportService{
		repo:      repo,
		logger:    logger,
		metrics:   metricsCollector,
		allocator: memory.NewGoAllocator(),
		path:      path,
	}
}

// snapshotSchema mirrors the analytics_earthquakes column set.
func snapshotSchema() *arrow.Schema {
	utcTimestamp := &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

	return arrow.NewSchema([]arrow.Field{
		{Name: "earthquake_date", Type: arrow.FixedWidthTypes.Date32},
		{Name: "earthquake_datetime", Type: utcTimestamp},
		{Name: "magnitude", Type: arrow.PrimitiveTypes.Float64},
		{Name: "latitude", Type: arrow.PrimitiveTypes.Float64},
		{Name: "longitude", Type: arrow.PrimitiveTypes.Float64},
		{Name: "depth_km", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "location_reference", Type: arrow.BinaryTypes.String},
		{Name: "status", Type: arrow.BinaryTypes.String},
		{Name: "year", Type: arrow.PrimitiveTypes.Int32},
		{Name: "month", Type: arrow.PrimitiveTypes.Int32},
		{Name: "day_of_week", Type: arrow.BinaryTypes.String},
		{Name: "hour_of_day", Type: arrow.PrimitiveTypes.Int32},
		{Name: "magnitude_category", Type: arrow.BinaryTypes.String},
		{Name: "depth_category", Type: arrow.BinaryTypes.String},
		{Name: "region", Type: arrow.BinaryTypes.String},
		{Name: "is_significant", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "batch_id", Type: arrow.BinaryTypes.String},
	}, nil)
}

// Export reads the current analytics population and writes one Parquet
// snapshot file, replacing any prior snapshot atomically.
func (s *ExportService) Export(ctx context.Context) (*ExportResult, error) {
	startTime := time.Now()
	defer func() {
		s.metrics.ExportDuration.Observe(time.Since(startTime).Seconds())
	}()

	records, err := s.repo.GetAllAnalytics(ctx)
	if err != nil {
		return nil, &ExportFailedError{Path: s.path, Err: err}
	}

	record := s.buildRecord(records)
	defer record.Release()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, &ExportFailedError{Path: s.path, Err: err}
	}

	// Write to a temp file and rename so readers never see a partial
	// snapshot.
	tmpPath := s.path + ".tmp"
	if err := s.writeParquet(tmpPath, record); err != nil {
		os.Remove(tmpPath)
		return nil, &ExportFailedError{Path: s.path, Err: err}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return nil, &ExportFailedError{Path: s.path, Err: err}
	}

	var size int64
	if info, err := os.Stat(s.path); err == nil {
		size = info.Size()
	}

	s.metrics.ExportedRecords.Set(float64(len(records)))

	s.logger.Info(ctx, "[EXPORT_COMPLETE] Analytics snapshot exported", logging.Fields{
		"records":          len(records),
		"path":             s.path,
		"bytes":            size,
		"duration_seconds": time.Since(startTime).Seconds(),
	})

	return &ExportResult{
		Records: len(records),
		Path:    s.path,
		Bytes:   size,
	}, nil
}

// buildRecord assembles one Arrow record from the analytics rows.
func (s *ExportService) buildRecord(records []*models.AnalyticsEarthquake) arrow.Record {
	builder := array.NewRecordBuilder(s.allocator, snapshotSchema())
	defer builder.Release()

	dateBuilder := builder.Field(0).(*array.Date32Builder)
	datetimeBuilder := builder.Field(1).(*array.TimestampBuilder)
	magnitudeBuilder := builder.Field(2).(*array.Float64Builder)
	latitudeBuilder := builder.Field(3).(*array.Float64Builder)
	longitudeBuilder := builder.Field(4).(*array.Float64Builder)
	depthBuilder := builder.Field(5).(*array.Float64Builder)
	locationBuilder := builder.Field(6).(*array.StringBuilder)
	statusBuilder := builder.Field(7).(*array.StringBuilder)
	yearBuilder := builder.Field(8).(*array.Int32Builder)
	monthBuilder := builder.Field(9).(*array.Int32Builder)
	dayOfWeekBuilder := builder.Field(10).(*array.StringBuilder)
	hourBuilder := builder.Field(11).(*array.Int32Builder)
	magCategoryBuilder := builder.Field(12).(*array.StringBuilder)
	depthCategoryBuilder := builder.Field(13).(*array.StringBuilder)
	regionBuilder := builder.Field(14).(*array.StringBuilder)
	significantBuilder := builder.Field(15).(*array.BooleanBuilder)
	batchIDBuilder := builder.Field(16).(*array.StringBuilder)

	for _, rec := range records {
		dateBuilder.Append(arrow.Date32FromTime(rec.EarthquakeDate))
		datetimeBuilder.Append(arrow.Timestamp(rec.EarthquakeDatetime.UnixMicro()))
		magnitudeBuilder.Append(rec.Magnitude)
		latitudeBuilder.Append(rec.Latitude)
		longitudeBuilder.Append(rec.Longitude)
		if rec.DepthKm != nil {
			depthBuilder.Append(*rec.DepthKm)
		} else {
			depthBuilder.AppendNull()
		}
		locationBuilder.Append(rec.LocationReference)
		statusBuilder.Append(rec.Status)
		yearBuilder.Append(int32(rec.Year))
		monthBuilder.Append(int32(rec.Month))
		dayOfWeekBuilder.Append(rec.DayOfWeek)
		hourBuilder.Append(int32(rec.HourOfDay))
		magCategoryBuilder.Append(rec.MagnitudeCategory)
		depthCategoryBuilder.Append(rec.DepthCategory)
		regionBuilder.Append(rec.Region)
		significantBuilder.Append(rec.IsSignificant)
		batchIDBuilder.Append(rec.BatchID)
	}

	return builder.NewRecord()
}

// writeParquet writes one Arrow record as a snappy-compressed Parquet file.
func (s *ExportService) writeParquet(path string, record arrow.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
		parquet.WithCreatedBy("seismic-pipeline"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	writer, err := pqarrow.NewFileWriter(record.Schema(), file, props, arrowProps)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write parquet record: %w", err)
	}

	// Close flushes the footer and closes the underlying file.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}

	return nil
}

// ExportFailedError represents a failed snapshot export. The prior snapshot
// file, if any, is left intact, so a retry is safe.
type ExportFailedError struct {
	Path string
	Err  error
}

func (e *ExportFailedError) Error() string {
	return fmt.Sprintf("export failed: %s: %v", e.Path, e.Err)
}

func (e *ExportFailedError) Unwrap() error {
	return e.Err
}

func (e *ExportFailedError) IsTransient() bool {
	return true
}
