package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/ecoingest/internal/config"
	"github.com/elonfeng/ecoingest/internal/store"
	"github.com/elonfeng/ecoingest/pkg/catalog"
)

var testNow = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

func setupScheduler(t *testing.T) (*Scheduler, *store.SQLStore) {
	t.Helper()
	st, err := store.New(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "sched.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := New(st, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return testNow }
	return s, st
}

func seed(t *testing.T, st *store.SQLStore, station string, rows map[string][]any) {
	t.Helper()
	ctx := context.Background()
	cols := catalog.Catalog{{Name: "outdoor_temperature_F", Key: "tempf"}, {Name: "solar_uv", Key: "uv"}}

	_, _, err := st.EnsureStation(ctx, station)
	require.NoError(t, err)
	table := catalog.TableName(station)
	require.NoError(t, st.CreateWeatherTable(ctx, table, cols))

	for ts, vals := range rows {
		_, err := st.InsertReading(ctx, table, ts, cols, vals)
		require.NoError(t, err)
	}
}

func TestAggregateStation(t *testing.T) {
	s, st := setupScheduler(t)
	ctx := context.Background()

	seed(t, st, "roof", map[string][]any{
		"2024-05-01 06:00:00": {"50.00", nil},
		"2024-05-01 12:00:00": {"70.00", "5.00"},
		"2024-05-01 17:00:00": {"60.00", "3.00"},
		"2024-04-30 12:00:00": {"40.00", nil},
	})

	n, err := s.AggregateStation(ctx, "roof", testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	aggs, err := st.ListDailyAggregates(ctx, "roof", "2024-05-01", "2024-05-01")
	require.NoError(t, err)
	require.Len(t, aggs, 2)

	temp := aggs[0]
	assert.Equal(t, "outdoor_temperature_F", temp.Column)
	assert.Equal(t, int64(3), temp.Samples)
	assert.InDelta(t, 50.0, *temp.Min, 0.001)
	assert.InDelta(t, 70.0, *temp.Max, 0.001)
	assert.InDelta(t, 60.0, *temp.Avg, 0.001)
	assert.Equal(t, "2024-05-01 18:00:00", temp.UpdatedAt)

	uv := aggs[1]
	assert.Equal(t, "solar_uv", uv.Column)
	assert.Equal(t, int64(2), uv.Samples)
	assert.InDelta(t, 4.0, *uv.Avg, 0.001)
}

func TestAggregateStation_Recompute(t *testing.T) {
	s, st := setupScheduler(t)
	ctx := context.Background()

	seed(t, st, "roof", map[string][]any{"2024-05-01 06:00:00": {"50.00", nil}})
	_, err := s.AggregateStation(ctx, "roof", testNow)
	require.NoError(t, err)

	cols := catalog.Catalog{{Name: "outdoor_temperature_F", Key: "tempf"}, {Name: "solar_uv", Key: "uv"}}
	_, err = st.InsertReading(ctx, "Weather_table_roof", "2024-05-01 07:00:00", cols, []any{"80.00", nil})
	require.NoError(t, err)
	_, err = s.AggregateStation(ctx, "roof", testNow)
	require.NoError(t, err)

	aggs, err := st.ListDailyAggregates(ctx, "roof", "", "")
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, int64(2), aggs[0].Samples)
	assert.InDelta(t, 80.0, *aggs[0].Max, 0.001)
}

func TestAggregateStation_NoTable(t *testing.T) {
	s, _ := setupScheduler(t)

	n, err := s.AggregateStation(context.Background(), "ghost", testNow)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.AggregateStation(context.Background(), "bad name", testNow)
	require.Error(t, err)
}

func TestAggregateDay_AllStations(t *testing.T) {
	s, st := setupScheduler(t)
	ctx := context.Background()

	seed(t, st, "roof", map[string][]any{"2024-05-01 06:00:00": {"50.00", "1.00"}})
	seed(t, st, "garden", map[string][]any{"2024-05-01 08:00:00": {"55.00", nil}})

	// Registered but never reported.
	_, _, err := st.EnsureStation(ctx, "shed")
	require.NoError(t, err)

	n, err := s.AggregateDay(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNew_NonPositiveIntervalDefaults(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Hour} {
		assert.Equal(t, time.Hour, New(nil, d, nil).interval, d)
	}
}

func TestRun_AggregatesOnStartAndStops(t *testing.T) {
	s, st := setupScheduler(t)
	seed(t, st, "roof", map[string][]any{
		"2024-04-30 22:00:00": {"45.00", nil},
		"2024-05-01 06:00:00": {"50.00", nil},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		aggs, err := st.ListDailyAggregates(context.Background(), "roof", "", "")
		return err == nil && len(aggs) == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
