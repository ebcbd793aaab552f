package store

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS Meteostations (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    meteostation_id TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS daily_aggregates (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    station_id  TEXT NOT NULL,
    day         TEXT NOT NULL,
    column_name TEXT NOT NULL,
    min_value   REAL,
    max_value   REAL,
    avg_value   REAL,
    samples     INTEGER NOT NULL DEFAULT 0,
    updated_at  TEXT NOT NULL,
    UNIQUE(station_id, day, column_name)
);

CREATE INDEX IF NOT EXISTS idx_daily_station_day ON daily_aggregates(station_id, day);
`}

// MySQL does not accept multiple statements per Exec without multiStatements=true.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS Meteostations (
    id              INT AUTO_INCREMENT PRIMARY KEY,
    meteostation_id VARCHAR(64) NOT NULL,
    UNIQUE KEY uq_meteostation_id (meteostation_id)
)`,
	`CREATE TABLE IF NOT EXISTS daily_aggregates (
    id          INT AUTO_INCREMENT PRIMARY KEY,
    station_id  VARCHAR(64) NOT NULL,
    day         CHAR(10) NOT NULL,
    column_name VARCHAR(64) NOT NULL,
    min_value   DOUBLE NULL,
    max_value   DOUBLE NULL,
    avg_value   DOUBLE NULL,
    samples     INT NOT NULL DEFAULT 0,
    updated_at  VARCHAR(19) NOT NULL,
    UNIQUE KEY uq_daily (station_id, day, column_name),
    KEY idx_daily_station_day (station_id, day)
)`,
}
