package graph

import (
	"database/sql/driver"
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// MaxSafeInteger is the largest integer every JSON consumer represents exactly.
// Integers outside ±MaxSafeInteger are rendered as decimal strings.
const MaxSafeInteger = 1<<53 - 1

// Coerce renders a backend-native value as a plain JSON-ish value:
// nil, bool, string, int64, float64, []any or map[string]any.
//
// The rules are fixed:
//   - integers within ±MaxSafeInteger stay numbers, others become decimal strings
//   - finite floats stay numbers; NaN and ±Inf become "NaN", "Infinity", "-Infinity"
//   - arbitrary-precision numerics become decimal strings
//   - temporal values become ISO-8601 strings, durations "P…" strings
//   - points become {"srid","x","y"[,"z"]} maps
//   - byte slices become base64, 16-byte UUIDs their canonical form
func Coerce(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, string:
		return x
	case int:
		return coerceInt(int64(x))
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return coerceInt(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return coerceUint(uint64(x))
	case uint64:
		return coerceUint(x)
	case float32:
		return coerceFloat(float64(x))
	case float64:
		return coerceFloat(x)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case uuid.UUID:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case time.Duration:
		return isoDuration(0, 0, int64(x/time.Second), int(x%time.Second))
	case dbtype.Date:
		return time.Time(x).Format("2006-01-02")
	case dbtype.LocalTime:
		return time.Time(x).Format("15:04:05.999999999")
	case dbtype.Time:
		return time.Time(x).Format("15:04:05.999999999Z07:00")
	case dbtype.LocalDateTime:
		return time.Time(x).Format("2006-01-02T15:04:05.999999999")
	case dbtype.Duration:
		return isoDuration(x.Months, x.Days, x.Seconds, x.Nanos)
	case dbtype.Point2D:
		return map[string]any{"srid": int64(x.SpatialRefId), "x": coerceFloat(x.X), "y": coerceFloat(x.Y)}
	case dbtype.Point3D:
		return map[string]any{"srid": int64(x.SpatialRefId), "x": coerceFloat(x.X), "y": coerceFloat(x.Y), "z": coerceFloat(x.Z)}
	case pgtype.Numeric:
		return coerceNumeric(x)
	case pgtype.Interval:
		if !x.Valid {
			return nil
		}
		return isoDuration(int64(x.Months), int64(x.Days), x.Microseconds/1e6, int(x.Microseconds%1e6)*1000)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Coerce(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Coerce(item)
		}
		return out
	case driver.Valuer:
		inner, err := x.Value()
		if err != nil {
			return fmt.Sprint(v)
		}
		return Coerce(inner)
	case fmt.Stringer:
		return x.String()
	}
	return coerceReflect(v)
}

func coerceInt(n int64) any {
	if n > MaxSafeInteger || n < -MaxSafeInteger {
		return strconv.FormatInt(n, 10)
	}
	return n
}

func coerceUint(n uint64) any {
	if n > MaxSafeInteger {
		return strconv.FormatUint(n, 10)
	}
	return int64(n)
}

func coerceFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

func coerceNumeric(n pgtype.Numeric) any {
	if !n.Valid {
		return nil
	}
	if n.NaN {
		return "NaN"
	}
	switch n.InfinityModifier {
	case pgtype.Infinity:
		return "Infinity"
	case pgtype.NegativeInfinity:
		return "-Infinity"
	}
	v, err := n.Value()
	if err != nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// isoDuration formats an ISO-8601 duration such as P1M2DT3.5S.
func isoDuration(months, days, seconds int64, nanos int) string {
	secs := strconv.FormatInt(seconds, 10)
	if nanos != 0 {
		frac := float64(seconds) + float64(nanos)/1e9
		secs = strconv.FormatFloat(frac, 'f', -1, 64)
	}
	return fmt.Sprintf("P%dM%dDT%sS", months, days, secs)
}

// coerceReflect handles typed slices and maps returned by drivers, e.g. []int32.
func coerceReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Coerce(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Coerce(iter.Value().Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Coerce(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}
