package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/ecoingest/internal/config"
	"github.com/elonfeng/ecoingest/pkg/catalog"
)

// ErrNotFound is returned when a station, table or reading does not exist.
var ErrNotFound = errors.New("not found")

const connectTimeout = 5 * time.Second

// Station is a registry row.
type Station struct {
	ID        int64  `db:"id" json:"id"`
	StationID string `db:"meteostation_id" json:"meteostation_id"`
}

// InsertResult describes an executed (or attempted) reading insert.
type InsertResult struct {
	ID        int64
	Statement string
}

// Store is the persistence interface.
type Store interface {
	Dialect() Dialect
	Ping(ctx context.Context) error

	EnsureStation(ctx context.Context, stationID string) (Station, bool, error)
	ListStations(ctx context.Context) ([]Station, error)

	TableColumns(ctx context.Context, table string) ([]string, error)
	CreateWeatherTable(ctx context.Context, table string, cols catalog.Catalog) error
	AddColumn(ctx context.Context, table string, col catalog.Column) error
	InsertReading(ctx context.Context, table, ts string, cols catalog.Catalog, values []any) (InsertResult, error)

	LatestReading(ctx context.Context, table string) (Row, error)
	ReadingsBetween(ctx context.Context, table, from, to string) ([]Row, error)
	ColumnStats(ctx context.Context, table string, cols []string, from, to string) ([]ColumnStats, error)

	UpsertDailyAggregates(ctx context.Context, aggs []DailyAggregate) error
	ListDailyAggregates(ctx context.Context, stationID, from, to string) ([]DailyAggregate, error)

	Close() error
}

// SQLStore implements Store on top of sqlx for any supported dialect.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
}

// New opens the configured database, checks connectivity and creates the
// registry and aggregate tables.
func New(cfg config.DatabaseConfig) (*SQLStore, error) {
	d, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn, err := buildDSN(d, cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name(), err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if lt := cfg.ParseConnMaxLifetime(); lt > 0 {
		db.SetConnMaxLifetime(lt)
	}
	// Every connection to :memory: is a separate database.
	if d.Name() == "sqlite" && cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", d.Name(), err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(d Dialect, cfg config.DatabaseConfig) (string, error) {
	switch d.Name() {
	case "mysql":
		if cfg.MySQL.DSN != "" {
			return cfg.MySQL.DSN, nil
		}
		mc := mysql.NewConfig()
		mc.User = cfg.MySQL.User
		mc.Passwd = cfg.MySQL.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.MySQL.Host, strconv.Itoa(cfg.MySQL.Port))
		mc.DBName = cfg.MySQL.Database
		mc.ParseTime = true
		mc.Loc = time.Local
		mc.Timeout = connectTimeout
		mc.ReadTimeout = 30 * time.Second
		mc.WriteTimeout = 30 * time.Second
		mc.Params = map[string]string{"charset": "utf8mb4"}
		return mc.FormatDSN(), nil
	default:
		if cfg.Path == ":memory:" {
			return cfg.Path, nil
		}
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
		return "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureStation returns the registry row for stationID, inserting it first if
// needed. The bool reports whether a row was created.
func (s *SQLStore) EnsureStation(ctx context.Context, stationID string) (Station, bool, error) {
	const lookup = "SELECT id, meteostation_id FROM Meteostations WHERE meteostation_id = ?"

	var st Station
	err := s.db.GetContext(ctx, &st, lookup, stationID)
	if err == nil {
		return st, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Station{}, false, fmt.Errorf("lookup station %s: %w", stationID, err)
	}

	res, err := s.db.ExecContext(ctx, "INSERT INTO Meteostations (meteostation_id) VALUES (?)", stationID)
	if err != nil {
		// A concurrent request may have won the insert; the unique key keeps one row.
		if getErr := s.db.GetContext(ctx, &st, lookup, stationID); getErr == nil {
			return st, false, nil
		}
		return Station{}, false, fmt.Errorf("insert station %s: %w", stationID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Station{}, false, fmt.Errorf("station %s insert id: %w", stationID, err)
	}
	return Station{ID: id, StationID: stationID}, true, nil
}

func (s *SQLStore) ListStations(ctx context.Context) ([]Station, error) {
	var stations []Station
	if err := s.db.SelectContext(ctx, &stations, "SELECT id, meteostation_id FROM Meteostations ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	return stations, nil
}

// TableColumns returns the table's columns in ordinal order, or an empty
// slice if the table does not exist.
func (s *SQLStore) TableColumns(ctx context.Context, table string) ([]string, error) {
	var cols []string
	if err := s.db.SelectContext(ctx, &cols, s.dialect.ColumnsQuery(), table); err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	return cols, nil
}

func (s *SQLStore) CreateWeatherTable(ctx context.Context, table string, cols catalog.Catalog) error {
	stmt := CreateTableSQL(s.dialect, table, cols)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func (s *SQLStore) AddColumn(ctx context.Context, table string, col catalog.Column) error {
	if _, err := s.db.ExecContext(ctx, AddColumnSQL(s.dialect, table, col)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, col.Name, err)
	}
	return nil
}

// InsertReading binds ts followed by values, which must line up with cols.
// The statement text is returned even when execution fails.
func (s *SQLStore) InsertReading(ctx context.Context, table, ts string, cols catalog.Catalog, values []any) (InsertResult, error) {
	stmt := InsertSQL(s.dialect, table, cols)
	out := InsertResult{Statement: stmt}

	if len(values) != len(cols) {
		return out, fmt.Errorf("insert into %s: %d values for %d columns", table, len(values), len(cols))
	}

	args := make([]any, 0, len(values)+1)
	args = append(args, ts)
	args = append(args, values...)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return out, fmt.Errorf("insert into %s: %w", table, err)
	}
	out.ID, _ = res.LastInsertId()
	return out, nil
}
