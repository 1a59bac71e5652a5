package audit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

const timeFormat = "2006-01-02 15:04:05.999999-07"

var whitespaceRun = regexp.MustCompile(`\s+`)

// InterpolateSQL renders sql with each $N placeholder replaced by its
// corresponding params[N-1] value, for display in audit metadata only.
// It does not escape values safely enough for execution and must never be
// used to build a query that is actually run against the database.
//
// Adapted from the teacher's inspect.go (interpolateQuery/formatArgValue),
// dropping the lib/pq Array-wrapper branches (the executor binds params as
// plain Go values over pgx, never pq.Array) while keeping the reflection
// fallback for arbitrary slice types.
func InterpolateSQL(sql string, params []any) string {
	if len(params) == 0 {
		return cleanupSQL(sql)
	}
	result := sql
	for i := len(params) - 1; i >= 0; i-- {
		placeholder := fmt.Sprintf("$%d", i+1)
		result = strings.ReplaceAll(result, placeholder, formatValue(params[i]))
	}
	return cleanupSQL(result)
}

func cleanupSQL(sql string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(sql, " "))
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(val)
	case []byte:
		return quoteString(string(val))
	case int:
		return fmt.Sprintf("%d", val)
	case int32:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float32:
		return fmt.Sprintf("%v", val)
	case float64:
		return fmt.Sprintf("%v", val)
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return fmt.Sprintf("'%s'", val.Format(timeFormat))
	case []string:
		return formatArray(val, func(s string) string { return quoteString(s) })
	case []int64:
		return formatArray(val, func(n int64) string { return fmt.Sprintf("%d", n) })
	case []float64:
		return formatArray(val, func(f float64) string { return fmt.Sprintf("%v", f) })
	case []bool:
		return formatArray(val, func(b bool) string {
			if b {
				return "TRUE"
			}
			return "FALSE"
		})
	case []any:
		return formatArray(val, formatValue)
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			return formatReflectSlice(rv)
		}
		return quoteString(fmt.Sprintf("%v", v))
	}
}

func quoteString(s string) string {
	return fmt.Sprintf("'%s'", strings.ReplaceAll(s, "'", "''"))
}

func formatArray[T any](items []T, render func(T) string) string {
	if len(items) == 0 {
		return "ARRAY[]"
	}
	parts := make([]string, len(items))
	for i, v := range items {
		parts[i] = render(v)
	}
	return fmt.Sprintf("ARRAY[%s]", strings.Join(parts, ", "))
}

func formatReflectSlice(rv reflect.Value) string {
	if rv.Len() == 0 {
		return "ARRAY[]"
	}
	parts := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		parts[i] = formatValue(rv.Index(i).Interface())
	}
	return fmt.Sprintf("ARRAY[%s]", strings.Join(parts, ", "))
}
