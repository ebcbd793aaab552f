package store

import (
	"fmt"
	"strings"

	"github.com/elonfeng/ecoingest/pkg/catalog"
)

// Dialect hides the SQL differences between the supported databases.
type Dialect interface {
	Name() string
	DriverName() string
	Quote(ident string) string
	// IDColumn is the auto-increment primary key definition for weather tables.
	IDColumn() string
	// ColumnsQuery lists a table's columns in ordinal order; it takes the
	// table name as its only argument.
	ColumnsQuery() string
	Schema() []string
	UpsertAggregateSQL() string
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3", "":
		return sqliteDialect{}, nil
	case "mysql", "mariadb":
		return mysqlDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q (allowed: sqlite, mysql)", name)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (sqliteDialect) IDColumn() string { return "id INTEGER PRIMARY KEY AUTOINCREMENT" }

func (sqliteDialect) ColumnsQuery() string {
	return "SELECT name FROM pragma_table_info(?) ORDER BY cid"
}

func (sqliteDialect) Schema() []string { return sqliteSchema }

func (sqliteDialect) UpsertAggregateSQL() string {
	return aggregateInsert + `
		ON CONFLICT(station_id, day, column_name) DO UPDATE SET
			min_value = excluded.min_value,
			max_value = excluded.max_value,
			avg_value = excluded.avg_value,
			samples = excluded.samples,
			updated_at = excluded.updated_at`
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (mysqlDialect) IDColumn() string { return "id INT AUTO_INCREMENT PRIMARY KEY" }

func (mysqlDialect) ColumnsQuery() string {
	return `SELECT column_name FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`
}

func (mysqlDialect) Schema() []string { return mysqlSchema }

func (mysqlDialect) UpsertAggregateSQL() string {
	return aggregateInsert + `
		ON DUPLICATE KEY UPDATE
			min_value = VALUES(min_value),
			max_value = VALUES(max_value),
			avg_value = VALUES(avg_value),
			samples = VALUES(samples),
			updated_at = VALUES(updated_at)`
}

const aggregateInsert = `
		INSERT INTO daily_aggregates (station_id, day, column_name, min_value, max_value, avg_value, samples, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// CreateTableSQL builds the combined CREATE TABLE IF NOT EXISTS statement for
// a weather table: id, time, then one column per catalog entry.
func CreateTableSQL(d Dialect, table string, cols catalog.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n    %s,\n    time DATETIME", d.Quote(table), d.IDColumn())
	for _, c := range cols {
		fmt.Fprintf(&b, ",\n    %s %s", d.Quote(c.Name), columnType(c))
	}
	b.WriteString("\n)")
	return b.String()
}

// AddColumnSQL builds the ALTER statement for one newly discovered sensor.
func AddColumnSQL(d Dialect, table string, col catalog.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.Quote(table), d.Quote(col.Name), columnType(col))
}

// InsertSQL builds the reading insert: time plus every catalog column, one
// placeholder each, in catalog order.
func InsertSQL(d Dialect, table string, cols catalog.Catalog) string {
	names := make([]string, 0, len(cols)+1)
	names = append(names, "time")
	for _, c := range cols {
		names = append(names, d.Quote(c.Name))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.Quote(table), strings.Join(names, ", "), placeholders)
}

func columnType(c catalog.Column) string {
	if c.Type == "" {
		return catalog.DecimalType
	}
	return c.Type
}
