package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/ecoingest/internal/config"
	"github.com/elonfeng/ecoingest/internal/store"
	"github.com/elonfeng/ecoingest/pkg/catalog"
	"github.com/elonfeng/ecoingest/pkg/ingest"
)

var testNow = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Count int             `json:"count"`
	Error string          `json:"error"`
}

type faultyStore struct {
	store.Store
	pingErr     error
	registryErr error
	insertErr   error
}

func (f *faultyStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.Store.Ping(ctx)
}

func (f *faultyStore) EnsureStation(ctx context.Context, id string) (store.Station, bool, error) {
	if f.registryErr != nil {
		return store.Station{}, false, f.registryErr
	}
	return f.Store.EnsureStation(ctx, id)
}

func (f *faultyStore) InsertReading(ctx context.Context, table, ts string, cols catalog.Catalog, values []any) (store.InsertResult, error) {
	if f.insertErr != nil {
		return store.InsertResult{Statement: store.InsertSQL(f.Dialect(), table, cols)}, f.insertErr
	}
	return f.Store.InsertReading(ctx, table, ts, cols, values)
}

func setupTestServer(t *testing.T) (*Server, *faultyStore) {
	t.Helper()
	st, err := store.New(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "server.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fs := &faultyStore{Store: st}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	in := ingest.New(fs, ingest.Options{
		IgnoreKeys: []string{"PASSKEY"},
		Logger:     log,
		Now:        func() time.Time { return testNow },
	})

	srv := New(fs, in, "meteostation1", 0, log)
	srv.now = func() time.Time { return testNow }
	return srv, fs
}

func post(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestReport_Success(t *testing.T) {
	srv, _ := setupTestServer(t)
	h := srv.Handler()

	rec := post(t, h, "/data/report", url.Values{"tempf": {"72.5"}, "humidity": {"40"}, "PASSKEY": {"secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Connect</br>New record created successfully</br>", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec2, env := get(t, h, "/api/v1/stations/meteostation1/latest")
	require.Equal(t, http.StatusOK, rec2.Code)

	var row map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &row))
	assert.InDelta(t, 72.5, row["outdoor_temperature_F"], 0.001)
	assert.InDelta(t, 40.0, row["outdoor_humidity_percent"], 0.001)
	assert.NotContains(t, row, "PASSKEY")
}

func TestReport_StationInPath(t *testing.T) {
	srv, fs := setupTestServer(t)
	h := srv.Handler()

	rec := post(t, h, "/data/report/garden", url.Values{"tempf": {"60"}})
	require.Equal(t, http.StatusOK, rec.Code)

	cols, err := fs.TableColumns(context.Background(), "Weather_table_garden")
	require.NoError(t, err)
	assert.NotEmpty(t, cols)
}

func TestReport_InvalidStation(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := post(t, srv.Handler(), "/data/report/bad-station", url.Values{"tempf": {"60"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Connect</br>Error: "))
}

func TestReport_ConnectionFailed(t *testing.T) {
	srv, fs := setupTestServer(t)
	fs.pingErr = errors.New("dial tcp: connection refused")

	rec := post(t, srv.Handler(), "/data/report", url.Values{"tempf": {"60"}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Connection failed: dial tcp: connection refused", rec.Body.String())
}

func TestReport_RegistryFailure(t *testing.T) {
	srv, fs := setupTestServer(t)
	fs.registryErr = errors.New("registry down")

	rec := post(t, srv.Handler(), "/data/report", url.Values{"tempf": {"60"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Connect</br>Error creating meteostation entry: registry down", rec.Body.String())
}

func TestReport_InsertFailure(t *testing.T) {
	srv, fs := setupTestServer(t)
	fs.insertErr = errors.New("disk full")

	rec := post(t, srv.Handler(), "/data/report", url.Values{"tempf": {"60"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, `Connect</br>Error: INSERT INTO "Weather_table_meteostation1" (time, `), body)
	assert.True(t, strings.HasSuffix(body, "<br>disk full"), body)
}

func TestReport_MethodNotAllowed(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data/report", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	srv, fs := setupTestServer(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	fs.pingErr = errors.New("gone")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "abc123", rec.Header().Get(requestIDHeader))
}

func TestStationsAndColumns(t *testing.T) {
	srv, _ := setupTestServer(t)
	h := srv.Handler()

	_, env := get(t, h, "/api/v1/stations")
	assert.Equal(t, 0, env.Count)

	post(t, h, "/data/report", url.Values{"tempf": {"60"}, "co2": {"410"}})

	_, env = get(t, h, "/api/v1/stations")
	assert.Equal(t, 1, env.Count)
	var stations []store.Station
	require.NoError(t, json.Unmarshal(env.Data, &stations))
	assert.Equal(t, "meteostation1", stations[0].StationID)

	rec, env := get(t, h, "/api/v1/stations/meteostation1/columns")
	require.Equal(t, http.StatusOK, rec.Code)
	var cols []string
	require.NoError(t, json.Unmarshal(env.Data, &cols))
	assert.Equal(t, "co2", cols[len(cols)-1])
	assert.Equal(t, 2+len(catalog.Default())+1, env.Count)

	rec, env = get(t, h, "/api/v1/stations/nowhere/columns")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, env.Error)
}

func TestLatest_NotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec, _ := get(t, srv.Handler(), "/api/v1/stations/nowhere/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadingsAndExtremes(t *testing.T) {
	srv, _ := setupTestServer(t)
	h := srv.Handler()

	post(t, h, "/data/report", url.Values{"tempf": {"70"}})
	post(t, h, "/data/report", url.Values{"tempf": {"74"}})

	rec, env := get(t, h, "/api/v1/stations/meteostation1/readings")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, env.Count)

	_, env = get(t, h, "/api/v1/stations/meteostation1/readings?date=2024-04-30")
	assert.Equal(t, 0, env.Count)
	assert.JSONEq(t, `[]`, string(env.Data))

	rec, _ = get(t, h, "/api/v1/stations/meteostation1/readings?date=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = get(t, h, "/api/v1/stations/meteostation1/extremes?date=2024-05-01")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats []store.ColumnStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	require.Len(t, stats, len(catalog.Default()))
	for _, st := range stats {
		if st.Column != "outdoor_temperature_F" {
			continue
		}
		assert.Equal(t, int64(2), st.Samples)
		assert.InDelta(t, 70.0, *st.Min, 0.001)
		assert.InDelta(t, 74.0, *st.Max, 0.001)
	}

	rec, _ = get(t, h, "/api/v1/stations/nowhere/extremes")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadingsAndExtremes_DayRange(t *testing.T) {
	srv, _ := setupTestServer(t)
	h := srv.Handler()

	post(t, h, "/data/report", url.Values{"tempf": {"70"}})
	post(t, h, "/data/report", url.Values{"tempf": {"74"}})

	tests := []struct {
		query string
		code  int
		count int
	}{
		{query: "from=2024-04-25&to=2024-05-01", code: http.StatusOK, count: 2},
		{query: "from=2024-04-01", code: http.StatusOK, count: 2},
		{query: "to=2024-05-01", code: http.StatusOK, count: 2},
		{query: "from=2024-04-01&to=2024-04-30", code: http.StatusOK, count: 0},
		{query: "from=2024-05-02&to=2024-05-01", code: http.StatusBadRequest},
		{query: "from=2023-01-01&to=2024-05-01", code: http.StatusBadRequest},
		{query: "date=2024-05-01&from=2024-04-01", code: http.StatusBadRequest},
		{query: "from=last-week", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec, env := get(t, h, "/api/v1/stations/meteostation1/readings?"+tt.query)
			require.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, tt.count, env.Count)
			}
		})
	}

	rec, env := get(t, h, "/api/v1/stations/meteostation1/extremes?from=2024-04-28&to=2024-05-04")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []store.ColumnStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	for _, st := range stats {
		if st.Column == "outdoor_temperature_F" {
			assert.Equal(t, int64(2), st.Samples)
		}
	}
}

func TestDaily(t *testing.T) {
	srv, fs := setupTestServer(t)
	h := srv.Handler()
	hi := 74.0

	require.NoError(t, fs.UpsertDailyAggregates(context.Background(), []store.DailyAggregate{
		{StationID: "meteostation1", Day: "2024-04-30", Column: "outdoor_temperature_F", Max: &hi, Samples: 3, UpdatedAt: "2024-05-01 00:00:00"},
		{StationID: "meteostation1", Day: "2024-05-01", Column: "outdoor_temperature_F", Max: &hi, Samples: 2, UpdatedAt: "2024-05-01 10:00:00"},
	}))

	_, env := get(t, h, "/api/v1/stations/meteostation1/daily")
	assert.Equal(t, 2, env.Count)

	_, env = get(t, h, "/api/v1/stations/meteostation1/daily?from=2024-05-01")
	assert.Equal(t, 1, env.Count)

	_, env = get(t, h, "/api/v1/stations/other/daily")
	assert.Equal(t, 0, env.Count)

	rec, _ := get(t, h, "/api/v1/stations/meteostation1/daily?to=May")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
