package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elonfeng/ecoingest/internal/store"
	"github.com/elonfeng/ecoingest/pkg/catalog"
)

const dayLayout = "2006-01-02"

// Scheduler periodically rolls stored readings up into daily aggregates.
type Scheduler struct {
	store    store.Store
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// New creates a new scheduler.
func New(s store.Store, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:    s,
		interval: interval,
		log:      log.With("component", "scheduler"),
		now:      time.Now,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start.
	s.tick(ctx)
	s.log.Info("scheduler running", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick refreshes yesterday (late uploads) and today.
func (s *Scheduler) tick(ctx context.Context) {
	today := s.now()
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		n, err := s.AggregateDay(ctx, day)
		if err != nil {
			s.log.Error("aggregate day", "day", day.Format(dayLayout), "error", err)
			continue
		}
		s.log.Debug("aggregated day", "day", day.Format(dayLayout), "rows", n)
	}
}

// AggregateDay recomputes the aggregates of day for every registered station
// and returns how many aggregate rows were written. A failing station is
// logged and skipped.
func (s *Scheduler) AggregateDay(ctx context.Context, day time.Time) (int, error) {
	stations, err := s.store.ListStations(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, st := range stations {
		n, err := s.AggregateStation(ctx, st.StationID, day)
		if err != nil {
			s.log.Warn("aggregate station", "station", st.StationID, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

// AggregateStation recomputes one station's aggregates for day. Columns with
// no samples that day are not written.
func (s *Scheduler) AggregateStation(ctx context.Context, stationID string, day time.Time) (int, error) {
	table := catalog.TableName(stationID)
	if !catalog.ValidIdent(table) {
		return 0, fmt.Errorf("station %q: invalid table name", stationID)
	}

	cols, err := s.store.TableColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, nil
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	from := start.Format(store.TimeLayout)
	to := start.AddDate(0, 0, 1).Format(store.TimeLayout)

	stats, err := s.store.ColumnStats(ctx, table, catalog.SensorColumns(cols), from, to)
	if err != nil {
		return 0, err
	}

	updated := s.now().Format(store.TimeLayout)
	aggs := make([]store.DailyAggregate, 0, len(stats))
	for _, st := range stats {
		if st.Samples == 0 {
			continue
		}
		aggs = append(aggs, store.DailyAggregate{
			StationID: stationID,
			Day:       start.Format(dayLayout),
			Column:    st.Column,
			Min:       st.Min,
			Max:       st.Max,
			Avg:       st.Avg,
			Samples:   st.Samples,
			UpdatedAt: updated,
		})
	}

	if err := s.store.UpsertDailyAggregates(ctx, aggs); err != nil {
		return 0, err
	}
	return len(aggs), nil
}
