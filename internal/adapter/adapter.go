// Package adapter normalizes raw rows read from either side into the
// typed model structs the rest of the engine works with. The legacy
// driver returns loosely typed values (padded strings, numeric strings,
// floats for integer columns, WIN1252 text) and the adapter is the only
// place that deals with that.
package adapter

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sefoc/sagra-sync/pkg/encoding"
)

// Int coerces a raw column value to *int. Numeric strings, floats and
// the usual integer widths are accepted; blanks and nils come back nil.
func Int(v any) *int {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return &t
	case int16:
		i := int(t)
		return &i
	case int32:
		i := int(t)
		return &i
	case int64:
		i := int(t)
		return &i
	case float32:
		i := int(t)
		return &i
	case float64:
		i := int(t)
		return &i
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			i := int(f)
			return &i
		}
		return nil
	case []byte:
		return Int(string(t))
	default:
		return nil
	}
}

// IntOr is Int with a fallback for key columns that must not be nil.
func IntOr(v any, fallback int) int {
	if p := Int(v); p != nil {
		return *p
	}
	return fallback
}

// Bool coerces legacy boolean representations. The desktop store keeps
// flags as -1/0 smallints, but "True"/"False" strings show up in rows
// imported from old backups.
func Bool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1" || s == "-1" || s == "sim"
	case []byte:
		return Bool(string(t))
	default:
		if p := Int(v); p != nil {
			return *p != 0
		}
		return false
	}
}

// Text coerces a raw column value to a trimmed UTF-8 string, decoding
// WIN1252 bytes coming from the legacy stores.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return encoding.ToUTF8([]byte(t))
	case []byte:
		return encoding.ToUTF8(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Time coerces a raw column value to *time.Time. String timestamps are
// parsed against the formats the two stores actually emit.
func Time(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return &t
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return nil
	}
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts
		}
	}
	return nil
}

// NullString maps an optional string to sql.NullString for drivers
// without pointer support.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime maps an optional timestamp to sql.NullTime.
func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// NullInt maps an optional int to sql.NullInt64.
func NullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
