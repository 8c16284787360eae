package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seismic-pipeline/internal/models"
)

func analyticsRecord(batchID string, magnitude float64, depth *float64) *models.AnalyticsEarthquake {
	dt := time.Date(2017, 9, 19, 18, 14, 38, 0, time.UTC)
	return &models.AnalyticsEarthquake{
		EarthquakeDate:     time.Date(2017, 9, 19, 0, 0, 0, 0, time.UTC),
		EarthquakeDatetime: dt,
		Magnitude:          magnitude,
		Latitude:           18.40,
		Longitude:          -98.72,
		DepthKm:            depth,
		LocationReference:  "12 km al SURESTE de AXOCHIAPAN, PUE",
		Status:             "revisado",
		Year:               2017,
		Month:              9,
		DayOfWeek:          "Tuesday",
		HourOfDay:          18,
		MagnitudeCategory:  models.MagnitudeCategory(magnitude),
		DepthCategory:      models.DepthCategory(depth),
		Region:             "Puebla",
		IsSignificant:      models.IsSignificant(magnitude, depth),
		BatchID:            batchID,
	}
}

func TestExportService_Export(t *testing.T) {
	depth := 57.0
	repo := newFakeRepo()
	repo.analytics["batch-1"] = []*models.AnalyticsEarthquake{
		analyticsRecord("batch-1", 7.1, &depth),
		analyticsRecord("batch-1", 4.2, nil),
	}

	path := filepath.Join(t.TempDir(), "analytics", "earthquakes.parquet")
	svc := NewExportService(repo, path, newTestLogger(), testMetrics)

	result, err := svc.Export(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Records)
	assert.Equal(t, path, result.Path)
	assert.Greater(t, result.Bytes, int64(0))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, result.Bytes, info.Size())

	// Parquet files start with the PAR1 magic bytes.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 4)
	assert.Equal(t, "PAR1", string(data[:4]))
}

func TestExportService_Export_EmptyPopulation(t *testing.T) {
	repo := newFakeRepo()

	path := filepath.Join(t.TempDir(), "earthquakes.parquet")
	svc := NewExportService(repo, path, newTestLogger(), testMetrics)

	result, err := svc.Export(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Records)
	_, err = os.Stat(path)
	assert.NoError(t, err, "an empty population still produces a snapshot file")
}

func TestExportService_Export_OverwritesPriorSnapshot(t *testing.T) {
	depth := 12.0
	repo := newFakeRepo()
	repo.analytics["batch-1"] = []*models.AnalyticsEarthquake{
		analyticsRecord("batch-1", 5.5, &depth),
	}

	path := filepath.Join(t.TempDir(), "earthquakes.parquet")
	require.NoError(t, os.WriteFile(path, []byte("stale snapshot"), 0o644))

	svc := NewExportService(repo, path, newTestLogger(), testMetrics)

	result, err := svc.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Records)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, "stale snapshot", string(data))
	assert.Equal(t, "PAR1", string(data[:4]))
}

func TestExportService_Export_LeavesPriorSnapshotOnFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.getAllErr = errors.New("connection refused")

	path := filepath.Join(t.TempDir(), "earthquakes.parquet")
	require.NoError(t, os.WriteFile(path, []byte("prior snapshot"), 0o644))

	svc := NewExportService(repo, path, newTestLogger(), testMetrics)

	_, err := svc.Export(context.Background())
	var expErr *ExportFailedError
	require.ErrorAs(t, err, &expErr)
	assert.True(t, expErr.IsTransient())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "prior snapshot", string(data))
}
