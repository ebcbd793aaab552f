package ingest

import (
	"maps"
	"math"
	"strconv"
	"strings"

	"github.com/elonfeng/ecoingest/pkg/catalog"
)

// SpecialKeys are the battery and extra indoor sensor keys that always get a
// value, even when the gateway leaves them out.
var SpecialKeys = []string{"temp1f", "humidity1", "wh65batt", "batt1"}

const (
	temp1fSentinel = "2"
	fallbackValue  = "1"
)

// ApplyDefaults returns a copy of p with the battery and indoor-extra-sensor
// defaulting applied:
//
//   - temp1f that is missing, empty or "0" becomes 2.
//   - Each special key whose value is numerically 1 is kept as is. Any other
//     value is replaced by the numeric payload value under the source key of
//     the catalog column with the same name (the key itself when the catalog
//     has no such column), falling back to 1.
func ApplyDefaults(p Payload, cat catalog.Catalog) Payload {
	out := maps.Clone(p)
	if out == nil {
		out = Payload{}
	}

	if v := strings.TrimSpace(out["temp1f"]); v == "" || v == "0" {
		out["temp1f"] = temp1fSentinel
	}

	for _, key := range SpecialKeys {
		if f, ok := parseNumber(out[key]); ok && f == 1 {
			continue
		}

		source := key
		if col, ok := cat.Lookup(key); ok {
			source = col.Key
		}
		if v, ok := out[source]; ok {
			if _, numeric := parseNumber(v); numeric {
				out[key] = strings.TrimSpace(v)
				continue
			}
		}
		out[key] = fallbackValue
	}
	return out
}

// FormatDecimal normalises a textual number to two decimal places. It reports
// false for empty or non-numeric input.
func FormatDecimal(v string) (string, bool) {
	f, ok := parseNumber(v)
	if !ok {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', 2, 64), true
}

func parseNumber(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
