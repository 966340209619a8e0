package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Row is an untyped backend row. Accessors report absence or a type mismatch
// through their second return value instead of panicking, so callers tolerate
// columns the live backend has that no static description lists (and vice
// versa).
type Row map[string]any

// Has reports whether the column is present, even if null.
func (r Row) Has(col string) bool {
	_, ok := r[col]
	return ok
}

// String returns a non-null string column.
func (r Row) String(col string) (string, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case fmt.Stringer:
		return s.String(), true
	case int64, int, float64, json.Number:
		return fmt.Sprint(s), true
	}
	return "", false
}

// OptString returns a nullable string column as a pointer.
func (r Row) OptString(col string) *string {
	s, ok := r.String(col)
	if !ok {
		return nil
	}
	return &s
}

// Bool returns a boolean column. SQLite integers are accepted.
func (r Row) Bool(col string) (bool, bool) {
	switch b := r[col].(type) {
	case bool:
		return b, true
	case int64:
		return b != 0, true
	case int:
		return b != 0, true
	case float64:
		return b != 0, true
	case string:
		v, err := strconv.ParseBool(b)
		return v, err == nil
	}
	return false, false
}

// Int returns an integer column.
func (r Row) Int(col string) (int64, bool) {
	switch n := r[col].(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		v, err := n.Int64()
		return v, err == nil
	}
	return 0, false
}

// Time returns a timestamp column. Backends encode timestamps as RFC 3339
// strings with or without a zone.
func (r Row) Time(col string) (time.Time, bool) {
	switch v := r[col].(type) {
	case time.Time:
		return v, true
	case string:
		return ParseTime(v)
	}
	return time.Time{}, false
}

// OptTime returns a nullable timestamp column.
func (r Row) OptTime(col string) *time.Time {
	t, ok := r.Time(col)
	if !ok {
		return nil
	}
	return &t
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
}

// ParseTime parses the timestamp encodings seen from the backends.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// TimeLayout is fixed width so encoded timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime is the canonical timestamp encoding written by this client.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
