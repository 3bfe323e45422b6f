package mapper

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SQLBuilder translates typed column maps into Firebird 2.5 compatible
// SQL. The legacy tables use composite keys (order number + year, plus
// the status code for movements), so WHERE clauses are built from a key
// map rather than a single PK column.
type SQLBuilder struct{}

func NewSQLBuilder() *SQLBuilder {
	return &SQLBuilder{}
}

// BuildInsert generates a standard INSERT statement for Firebird 2.5
func (b *SQLBuilder) BuildInsert(tableName string, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for insert on table %s", tableName)
	}

	var columns []string
	var placeholders []string
	var args []any

	// Sort keys for deterministic SQL generation.
	for _, k := range sortedKeys(data) {
		// Standardizing to Uppercase to prevent case-sensitivity issues in Firebird
		columns = append(columns, strings.ToUpper(k))
		placeholders = append(placeholders, "?")
		args = append(args, b.formatValue(data[k]))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		strings.ToUpper(tableName),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	return query, args, nil
}

// BuildUpdate generates an UPDATE statement keyed by every column in
// the key map. Key columns present in data are skipped in SET.
func (b *SQLBuilder) BuildUpdate(tableName string, key map[string]any, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for update on table %s", tableName)
	}
	if len(key) == 0 {
		return "", nil, fmt.Errorf("no key provided for update on table %s", tableName)
	}

	var setClauses []string
	var args []any

	for _, k := range sortedKeys(data) {
		if _, isKey := lookupFold(key, k); isKey {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", strings.ToUpper(k)))
		args = append(args, b.formatValue(data[k]))
	}

	if len(setClauses) == 0 {
		return "", nil, fmt.Errorf("update on table %s has no non-key columns", tableName)
	}

	var whereClauses []string
	for _, k := range sortedKeys(key) {
		whereClauses = append(whereClauses, fmt.Sprintf("%s = ?", strings.ToUpper(k)))
		args = append(args, b.formatValue(key[k]))
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s",
		strings.ToUpper(tableName),
		strings.Join(setClauses, ", "),
		strings.Join(whereClauses, " AND "),
	)

	return query, args, nil
}

// BuildDelete generates a DELETE statement keyed by every column in
// the key map.
func (b *SQLBuilder) BuildDelete(tableName string, key map[string]any) (string, []any, error) {
	if len(key) == 0 {
		return "", nil, fmt.Errorf("no key provided for delete on table %s", tableName)
	}

	var whereClauses []string
	var args []any
	for _, k := range sortedKeys(key) {
		whereClauses = append(whereClauses, fmt.Sprintf("%s = ?", strings.ToUpper(k)))
		args = append(args, b.formatValue(key[k]))
	}

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE %s",
		strings.ToUpper(tableName),
		strings.Join(whereClauses, " AND "),
	)

	return query, args, nil
}

// formatValue handles type conversion for Firebird 2.5 specificities
func (b *SQLBuilder) formatValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case *bool:
		if val == nil {
			return nil
		}
		return b.formatValue(*val)
	case *int:
		if val == nil {
			return nil
		}
		return *val
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.Format("2006-01-02 15:04:05")
	default:
		return val
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lookupFold(m map[string]any, key string) (any, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
