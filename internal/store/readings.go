package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the format of the time column.
const TimeLayout = "2006-01-02 15:04:05"

// Row is one weather table row keyed by column name. Sensor values are
// float64 or nil, id is int64 and time is a TimeLayout string.
type Row map[string]any

// ColumnStats summarises one column over a time range.
type ColumnStats struct {
	Column  string   `json:"column"`
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
	Avg     *float64 `json:"avg"`
	Samples int64    `json:"samples"`
}

// DailyAggregate is a per-day, per-column roll-up.
type DailyAggregate struct {
	StationID string   `db:"station_id" json:"station_id"`
	Day       string   `db:"day" json:"day"`
	Column    string   `db:"column_name" json:"column"`
	Min       *float64 `db:"min_value" json:"min"`
	Max       *float64 `db:"max_value" json:"max"`
	Avg       *float64 `db:"avg_value" json:"avg"`
	Samples   int64    `db:"samples" json:"samples"`
	UpdatedAt string   `db:"updated_at" json:"updated_at"`
}

func (s *SQLStore) requireTable(ctx context.Context, table string) error {
	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("table %s: %w", table, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) LatestReading(ctx context.Context, table string) (Row, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s ORDER BY id DESC LIMIT 1", s.dialect.Quote(table))
	m := map[string]any{}
	if err := s.db.QueryRowxContext(ctx, query).MapScan(m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("latest reading in %s: %w", table, ErrNotFound)
		}
		return nil, fmt.Errorf("latest reading in %s: %w", table, err)
	}
	return normalizeRow(m), nil
}

// ReadingsBetween returns rows with from <= time < to, oldest first.
func (s *SQLStore) ReadingsBetween(ctx context.Context, table, from, to string) ([]Row, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE time >= ? AND time < ? ORDER BY id", s.dialect.Quote(table))
	rows, err := s.db.QueryxContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("readings in %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("scan reading in %s: %w", table, err)
		}
		out = append(out, normalizeRow(m))
	}
	return out, rows.Err()
}

// ColumnStats computes count/min/max/avg for each column over from <= time < to
// in a single query.
func (s *SQLStore) ColumnStats(ctx context.Context, table string, cols []string, from, to string) ([]ColumnStats, error) {
	if len(cols) == 0 {
		return nil, nil
	}
	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}

	exprs := make([]string, 0, len(cols)*4)
	for _, c := range cols {
		q := s.dialect.Quote(c)
		exprs = append(exprs,
			fmt.Sprintf("COUNT(%s)", q),
			fmt.Sprintf("MIN(%s)", q),
			fmt.Sprintf("MAX(%s)", q),
			fmt.Sprintf("AVG(%s)", q),
		)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE time >= ? AND time < ?",
		strings.Join(exprs, ", "), s.dialect.Quote(table))

	vals, err := s.db.QueryRowxContext(ctx, query, from, to).SliceScan()
	if err != nil {
		return nil, fmt.Errorf("column stats in %s: %w", table, err)
	}

	out := make([]ColumnStats, len(cols))
	for i, c := range cols {
		base := i * 4
		st := ColumnStats{Column: c}
		if n, ok := toFloat(vals[base]); ok {
			st.Samples = int64(n)
		}
		st.Min = floatPtr(vals[base+1])
		st.Max = floatPtr(vals[base+2])
		st.Avg = floatPtr(vals[base+3])
		out[i] = st
	}
	return out, nil
}

func (s *SQLStore) UpsertDailyAggregates(ctx context.Context, aggs []DailyAggregate) error {
	if len(aggs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin aggregates: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.dialect.UpsertAggregateSQL())
	if err != nil {
		return fmt.Errorf("prepare aggregates: %w", err)
	}
	defer stmt.Close()

	for _, a := range aggs {
		if _, err := stmt.ExecContext(ctx, a.StationID, a.Day, a.Column, a.Min, a.Max, a.Avg, a.Samples, a.UpdatedAt); err != nil {
			return fmt.Errorf("upsert aggregate %s/%s/%s: %w", a.StationID, a.Day, a.Column, err)
		}
	}
	return tx.Commit()
}

// ListDailyAggregates returns aggregates with from <= day <= to. Empty bounds
// are open.
func (s *SQLStore) ListDailyAggregates(ctx context.Context, stationID, from, to string) ([]DailyAggregate, error) {
	query := `SELECT station_id, day, column_name, min_value, max_value, avg_value, samples, updated_at
		FROM daily_aggregates WHERE station_id = ?`
	args := []any{stationID}

	if from != "" {
		query += " AND day >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND day <= ?"
		args = append(args, to)
	}
	query += " ORDER BY day, column_name"

	var aggs []DailyAggregate
	if err := s.db.SelectContext(ctx, &aggs, query, args...); err != nil {
		return nil, fmt.Errorf("list daily aggregates %s: %w", stationID, err)
	}
	return aggs, nil
}

func normalizeRow(m map[string]any) Row {
	out := make(Row, len(m))
	for k, v := range m {
		switch k {
		case "id":
			if n, ok := toFloat(v); ok {
				out[k] = int64(n)
				continue
			}
			out[k] = v
		case "time":
			out[k] = timeString(v)
		default:
			if f, ok := toFloat(v); ok {
				out[k] = f
			} else {
				out[k] = nil
			}
		}
	}
	return out
}

func timeString(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(TimeLayout)
	case []byte:
		return string(t)
	case nil:
		return nil
	default:
		return fmt.Sprint(t)
	}
}

// toFloat converts the numeric shapes drivers hand back (DECIMAL arrives as
// []byte from MySQL) into float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func floatPtr(v any) *float64 {
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}
