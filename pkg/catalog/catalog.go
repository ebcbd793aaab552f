package catalog

import (
	"regexp"
	"slices"
	"sort"
	"strings"
)

// DecimalType is the column type used for every sensor reading.
const DecimalType = "DECIMAL(5,2)"

// TablePrefix is prepended to a station id to form its weather table name.
const TablePrefix = "Weather_table_"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Column maps a table column to the payload key it is read from.
type Column struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Type string `json:"type"`
}

// Catalog is an ordered list of sensor columns. Methods never modify the
// receiver; extending returns a new Catalog.
type Catalog []Column

var defaultColumns = Catalog{
	{Name: "indoor_temperature_F", Key: "tempinf", Type: DecimalType},
	{Name: "indoor_humidity_percent", Key: "humidityin", Type: DecimalType},
	{Name: "pressure_relative_inHg", Key: "baromrelin", Type: DecimalType},
	{Name: "pressure_absolute_inHg", Key: "baromabsin", Type: DecimalType},
	{Name: "outdoor_temperature_F", Key: "tempf", Type: DecimalType},
	{Name: "outdoor_humidity_percent", Key: "humidity", Type: DecimalType},
	{Name: "wind_angle", Key: "winddir", Type: DecimalType},
	{Name: "wind_speed_mph", Key: "windspeedmph", Type: DecimalType},
	{Name: "wind_gust_mph", Key: "windgustmph", Type: DecimalType},
	{Name: "wind_gust_max_mph", Key: "maxdailygust", Type: DecimalType},
	{Name: "solar_radiation_Wm2", Key: "solarradiation", Type: DecimalType},
	{Name: "solar_uv", Key: "uv", Type: DecimalType},
	{Name: "rain_rate_inhr", Key: "rainratein", Type: DecimalType},
	{Name: "rain_event_in", Key: "eventrainin", Type: DecimalType},
	{Name: "rain_hourly_in", Key: "hourlyrainin", Type: DecimalType},
	{Name: "rain_weekly_in", Key: "weeklyrainin", Type: DecimalType},
	{Name: "rain_yearly_in", Key: "yearlyrainin", Type: DecimalType},
	{Name: "rain_total_in", Key: "totalrainin", Type: DecimalType},
}

// Default returns a copy of the built-in 18-sensor catalog.
func Default() Catalog {
	return slices.Clone(defaultColumns)
}

// ValidIdent reports whether s can be used unquoted-safe as a table or column name.
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

// TableName returns the weather table for a station.
func TableName(stationID string) string {
	return TablePrefix + stationID
}

// SensorColumns drops the id and time columns from a persisted column list.
func SensorColumns(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "id" || c == "time" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Lookup returns the column with the given name.
func (c Catalog) Lookup(name string) (Column, bool) {
	for _, col := range c {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Maps reports whether key is already covered, either as a source key or as a
// column name. Column names compare case-insensitively, as both databases do.
func (c Catalog) Maps(key string) bool {
	for _, col := range c {
		if col.Key == key || strings.EqualFold(col.Name, key) {
			return true
		}
	}
	return false
}

func (c Catalog) mapsExact(key string) bool {
	for _, col := range c {
		if col.Key == key || col.Name == key {
			return true
		}
	}
	return false
}

// Names returns the column names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, col := range c {
		names[i] = col.Name
	}
	return names
}

// WithColumns appends persisted columns the catalog does not know about yet,
// each mapped to itself. Order of names is kept.
func (c Catalog) WithColumns(names []string) Catalog {
	out := slices.Clone(c)
	for _, n := range names {
		if n == "id" || n == "time" || out.Maps(n) {
			continue
		}
		out = append(out, Column{Name: n, Key: n, Type: DecimalType})
	}
	return out
}

// Extend appends every key not yet mapped, using the raw key as both column
// name and source key. New keys are added in sorted order. Keys in ignore,
// keys that are not valid identifiers and keys differing from an existing
// column only by case are returned in rejected.
func (c Catalog) Extend(keys []string, ignore []string) (out Catalog, rejected []string) {
	out = slices.Clone(c)

	sorted := slices.Clone(keys)
	sort.Strings(sorted)

	for _, k := range sorted {
		if out.mapsExact(k) {
			continue
		}
		if out.Maps(k) || slices.Contains(ignore, k) || strings.EqualFold(k, "id") || strings.EqualFold(k, "time") || !ValidIdent(k) {
			rejected = append(rejected, k)
			continue
		}
		out = append(out, Column{Name: k, Key: k, Type: DecimalType})
	}
	return out, rejected
}

// Missing returns the catalog columns absent from existing, in catalog order.
func (c Catalog) Missing(existing []string) Catalog {
	have := make(map[string]bool, len(existing))
	for _, n := range existing {
		have[strings.ToLower(n)] = true
	}
	var out Catalog
	for _, col := range c {
		if !have[strings.ToLower(col.Name)] {
			out = append(out, col)
		}
	}
	return out
}
