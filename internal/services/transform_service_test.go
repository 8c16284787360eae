package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seismic-pipeline/internal/models"
	"seismic-pipeline/internal/repository"
	"seismic-pipeline/pkg/logging"
	"seismic-pipeline/pkg/metrics"
)

// Shared across the package's tests: prometheus collectors register
// globally, so the collector must be created once per test binary.
var testMetrics = metrics.NewCollector("services_test")

func newTestLogger() *logging.StructuredLogger {
	return logging.NewStructuredLogger("services-test", "test", logging.ErrorLevel)
}

// fakeRepo is an in-memory EarthquakeRepository for service tests.
type fakeRepo struct {
	raws      map[string][]*models.RawEarthquake
	analytics map[string][]*models.AnalyticsEarthquake
	stats     []*models.EarthquakeStatistics

	calcStats *models.EarthquakeStatistics

	getRawErr     error
	replaceErr    error
	getAllErr     error
	calcErr       error
	insertStatErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		raws:      make(map[string][]*models.RawEarthquake),
		analytics: make(map[string][]*models.AnalyticsEarthquake),
	}
}

func (f *fakeRepo) InsertRawBatch(ctx context.Context, batchID string, records []*models.RawEarthquake) (int, error) {
	f.raws[batchID] = append(f.raws[batchID], records...)
	return len(records), nil
}

func (f *fakeRepo) CountRawRecords(ctx context.Context, batchID string) (int, error) {
	return len(f.raws[batchID]), nil
}

func (f *fakeRepo) GetRawRecordsByBatch(ctx context.Context, batchID string) ([]*models.RawEarthquake, error) {
	if f.getRawErr != nil {
		return nil, f.getRawErr
	}
	return f.raws[batchID], nil
}

func (f *fakeRepo) ReplaceAnalyticsBatch(ctx context.Context, batchID string, records []*models.AnalyticsEarthquake) (int, error) {
	if f.replaceErr != nil {
		return 0, f.replaceErr
	}
	f.analytics[batchID] = records
	return len(records), nil
}

func (f *fakeRepo) CountAnalyticsRecords(ctx context.Context, batchID string) (int, error) {
	return len(f.analytics[batchID]), nil
}

func (f *fakeRepo) GetAnalytics(ctx context.Context, filter repository.AnalyticsFilter) ([]*models.AnalyticsEarthquake, int, error) {
	all, err := f.GetAllAnalytics(ctx)
	if err != nil {
		return nil, 0, err
	}
	return all, len(all), nil
}

func (f *fakeRepo) GetAllAnalytics(ctx context.Context) ([]*models.AnalyticsEarthquake, error) {
	if f.getAllErr != nil {
		return nil, f.getAllErr
	}
	var all []*models.AnalyticsEarthquake
	for _, records := range f.analytics {
		all = append(all, records...)
	}
	return all, nil
}

func (f *fakeRepo) CalculateGlobalStatistics(ctx context.Context) (*models.EarthquakeStatistics, error) {
	if f.calcErr != nil {
		return nil, f.calcErr
	}
	return f.calcStats, nil
}

func (f *fakeRepo) InsertStatistics(ctx context.Context, stats *models.EarthquakeStatistics) error {
	if f.insertStatErr != nil {
		return f.insertStatErr
	}
	stats.ID = int64(len(f.stats) + 1)
	f.stats = append(f.stats, stats)
	return nil
}

func (f *fakeRepo) GetLatestStatistics(ctx context.Context) (*models.EarthquakeStatistics, error) {
	if len(f.stats) == 0 {
		return nil, &repository.NotFoundError{Resource: "earthquake_statistics", ID: "latest"}
	}
	return f.stats[len(f.stats)-1], nil
}

func (f *fakeRepo) HealthCheck(ctx context.Context) error {
	return nil
}

func rawRecord(id int64, batchID, magnitud string) *models.RawEarthquake {
	return &models.RawEarthquake{
		ID:                     id,
		FechaUTC:               "19/09/2017",
		HoraUTC:                "18:14:38",
		Magnitud:               magnitud,
		Latitud:                "18.40",
		Longitud:               "-98.72",
		Profundidad:            "57.0",
		ReferenciaLocalizacion: "12 km al SURESTE de AXOCHIAPAN, PUE",
		Estatus:                "Revisado",
		BatchID:                batchID,
	}
}

func TestTransformService_TransformBatch(t *testing.T) {
	const batchID = "20170919T190000-abc12345"

	repo := newFakeRepo()
	repo.raws[batchID] = []*models.RawEarthquake{
		rawRecord(1, batchID, "7.1"),
		rawRecord(2, batchID, "garbage"),
		rawRecord(3, batchID, "4.2"),
	}

	svc := NewTransformService(repo, newTestLogger(), testMetrics)

	result, err := svc.TransformBatch(context.Background(), batchID)
	require.NoError(t, err)

	assert.Equal(t, batchID, result.BatchID)
	assert.Equal(t, 3, result.Input)
	assert.Equal(t, 2, result.Transformed)

	require.Len(t, result.Rejected, 1)
	assert.Equal(t, int64(2), result.Rejected[0].RawID)
	assert.Equal(t, "magnitud", result.Rejected[0].Field)
	assert.Equal(t, "garbage", result.Rejected[0].Value)

	stored := repo.analytics[batchID]
	require.Len(t, stored, 2)
	assert.Equal(t, 7.1, stored[0].Magnitude)
	assert.Equal(t, models.MagnitudeGreat, stored[0].MagnitudeCategory)
	assert.Equal(t, "Puebla", stored[0].Region)
	assert.Equal(t, 4.2, stored[1].Magnitude)
}

func TestTransformService_TransformBatch_ReplacesPriorRows(t *testing.T) {
	const batchID = "20170919T190000-abc12345"

	repo := newFakeRepo()
	repo.raws[batchID] = []*models.RawEarthquake{
		rawRecord(1, batchID, "7.1"),
	}
	// Leftover rows from a prior partial run must not survive a re-transform.
	repo.analytics[batchID] = []*models.AnalyticsEarthquake{
		{BatchID: batchID, Magnitude: 1.0},
		{BatchID: batchID, Magnitude: 2.0},
	}

	svc := NewTransformService(repo, newTestLogger(), testMetrics)

	result, err := svc.TransformBatch(context.Background(), batchID)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Transformed)
	require.Len(t, repo.analytics[batchID], 1)
	assert.Equal(t, 7.1, repo.analytics[batchID][0].Magnitude)
}

func TestTransformService_TransformBatch_EmptyBatch(t *testing.T) {
	repo := newFakeRepo()
	svc := NewTransformService(repo, newTestLogger(), testMetrics)

	result, err := svc.TransformBatch(context.Background(), "no-such-batch")
	require.NoError(t, err)

	assert.Equal(t, 0, result.Input)
	assert.Equal(t, 0, result.Transformed)
	assert.Empty(t, result.Rejected)
}

func TestTransformService_TransformBatch_WrapsStoreErrors(t *testing.T) {
	const batchID = "20170919T190000-abc12345"

	t.Run("read failure", func(t *testing.T) {
		repo := newFakeRepo()
		repo.getRawErr = errors.New("connection refused")

		svc := NewTransformService(repo, newTestLogger(), testMetrics)

		_, err := svc.TransformBatch(context.Background(), batchID)
		var tfErr *TransformFailedError
		require.ErrorAs(t, err, &tfErr)
		assert.Equal(t, batchID, tfErr.BatchID)
		assert.True(t, tfErr.IsTransient())
	})

	t.Run("replace failure", func(t *testing.T) {
		repo := newFakeRepo()
		repo.raws[batchID] = []*models.RawEarthquake{rawRecord(1, batchID, "7.1")}
		repo.replaceErr = errors.New("deadlock detected")

		svc := NewTransformService(repo, newTestLogger(), testMetrics)

		_, err := svc.TransformBatch(context.Background(), batchID)
		var tfErr *TransformFailedError
		require.ErrorAs(t, err, &tfErr)
		assert.True(t, tfErr.IsTransient())
	})
}
