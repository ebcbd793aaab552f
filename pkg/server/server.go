package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elonfeng/ecoingest/internal/store"
	"github.com/elonfeng/ecoingest/pkg/catalog"
	"github.com/elonfeng/ecoingest/pkg/ingest"
)

const (
	dayLayout       = "2006-01-02"
	shutdownTimeout = 10 * time.Second
	maxUploadBytes  = 1 << 20
	maxRangeDays    = 366
)

// Server provides the gateway upload endpoint and the read API.
type Server struct {
	store    store.Store
	ingester *ingest.Ingester
	station  string
	port     int
	log      *slog.Logger
	now      func() time.Time
}

// New creates a new HTTP server. Uploads without a station in the path are
// stored under station.
func New(s store.Store, in *ingest.Ingester, station string, port int, log *slog.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:    s,
		ingester: in,
		station:  station,
		port:     port,
		log:      log.With("component", "http"),
		now:      time.Now,
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /data/report", s.handleReport)
	mux.HandleFunc("POST /data/report/{station}", s.handleReport)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/stations", s.handleStations)
	mux.HandleFunc("GET /api/v1/stations/{station}/columns", s.handleColumns)
	mux.HandleFunc("GET /api/v1/stations/{station}/latest", s.handleLatest)
	mux.HandleFunc("GET /api/v1/stations/{station}/readings", s.handleReadings)
	mux.HandleFunc("GET /api/v1/stations/{station}/extremes", s.handleExtremes)
	mux.HandleFunc("GET /api/v1/stations/{station}/daily", s.handleDaily)
	return s.requestLogger(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.log.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// handleReport ingests one gateway upload. The plain-text replies are what
// existing gateways and scripts already parse.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	station := r.PathValue("station")
	if station == "" {
		station = s.station
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "Error: "+err.Error())
		return
	}

	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Error("database unreachable", "error", err)
		writeText(w, http.StatusServiceUnavailable, "Connection failed: "+err.Error())
		return
	}

	const connected = "Connect</br>"
	res, err := s.ingester.Ingest(ctx, station, ingest.PayloadFromForm(r.PostForm))
	if err == nil {
		writeText(w, http.StatusOK, connected+"New record created successfully</br>")
		return
	}

	var ie *ingest.Error
	switch {
	case errors.Is(err, ingest.ErrInvalidStation):
		writeText(w, http.StatusBadRequest, connected+"Error: "+err.Error())
	case errors.As(err, &ie) && ie.Severity == ingest.Reported:
		s.log.Error("insert failed", "station", station, "table", res.Table, "error", ie.Err)
		writeText(w, http.StatusInternalServerError, connected+"Error: "+ie.Statement+"<br>"+ie.Err.Error())
	case errors.As(err, &ie) && ie.Op == "registry":
		s.log.Error("registry failed", "station", station, "error", ie.Err)
		writeText(w, http.StatusInternalServerError, connected+"Error creating meteostation entry: "+ie.Err.Error())
	default:
		s.log.Error("ingest failed", "station", station, "error", err)
		writeText(w, http.StatusInternalServerError, connected+"Error: "+err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.store.ListStations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  stations,
		"count": len(stations),
	})
}

func (s *Server) handleColumns(w http.ResponseWriter, r *http.Request) {
	table, ok := s.stationTable(w, r)
	if !ok {
		return
	}

	cols, err := s.store.TableColumns(r.Context(), table)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(cols) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("table %s: %w", table, store.ErrNotFound))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  cols,
		"count": len(cols),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	table, ok := s.stationTable(w, r)
	if !ok {
		return
	}

	row, err := s.store.LatestReading(r.Context(), table)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": row})
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	table, ok := s.stationTable(w, r)
	if !ok {
		return
	}
	from, to, ok := s.dayRange(w, r)
	if !ok {
		return
	}

	rows, err := s.store.ReadingsBetween(r.Context(), table, from, to)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rows == nil {
		rows = []store.Row{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  rows,
		"count": len(rows),
	})
}

func (s *Server) handleExtremes(w http.ResponseWriter, r *http.Request) {
	table, ok := s.stationTable(w, r)
	if !ok {
		return
	}
	from, to, ok := s.dayRange(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	cols, err := s.store.TableColumns(ctx, table)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(cols) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("table %s: %w", table, store.ErrNotFound))
		return
	}

	stats, err := s.store.ColumnStats(ctx, table, catalog.SensorColumns(cols), from, to)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  stats,
		"count": len(stats),
	})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	station := r.PathValue("station")
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(dayLayout, d); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid date %q, want YYYY-MM-DD", d))
			return
		}
	}

	aggs, err := s.store.ListDailyAggregates(r.Context(), station, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if aggs == nil {
		aggs = []store.DailyAggregate{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  aggs,
		"count": len(aggs),
	})
}

func (s *Server) stationTable(w http.ResponseWriter, r *http.Request) (string, bool) {
	station := r.PathValue("station")
	table := catalog.TableName(station)
	if station == "" || !catalog.ValidIdent(table) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", ingest.ErrInvalidStation, station))
		return "", false
	}
	return table, true
}

// dayRange turns ?date=YYYY-MM-DD (default today), or an inclusive
// ?from=&to= span of days, into a [from, to) pair. A missing to means today
// and a missing from means the to day.
func (s *Server) dayRange(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	now := s.now()
	loc := now.Location()

	parse := func(v string, def time.Time) (time.Time, bool) {
		if v == "" {
			return def, true
		}
		d, err := time.ParseInLocation(dayLayout, v, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid date %q, want YYYY-MM-DD", v))
			return time.Time{}, false
		}
		return d, true
	}

	date, fromQ, toQ := q.Get("date"), q.Get("from"), q.Get("to")
	if date != "" && (fromQ != "" || toQ != "") {
		writeError(w, http.StatusBadRequest, errors.New("use either date or from/to"))
		return "", "", false
	}

	last, ok := parse(toQ, now)
	if !ok {
		return "", "", false
	}
	if date != "" {
		if last, ok = parse(date, now); !ok {
			return "", "", false
		}
	}
	first, ok := parse(fromQ, last)
	if !ok {
		return "", "", false
	}

	start := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, loc)
	end := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("from %s is after to %s", fromQ, toQ))
		return "", "", false
	}
	if end.Sub(start) > maxRangeDays*24*time.Hour {
		writeError(w, http.StatusBadRequest, fmt.Errorf("range exceeds %d days", maxRangeDays))
		return "", "", false
	}
	return start.Format(store.TimeLayout), end.Format(store.TimeLayout), true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}
