package realtime

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic returns the channel topic for key in schema, e.g.
// "realtime:public:tasks:project_id=eq.P1".
func Topic(schema string, key ChannelKey) string {
	var b strings.Builder
	b.WriteString("realtime:")
	b.WriteString(schema)
	b.WriteByte(':')
	b.WriteString(key.Resource())
	for _, p := range key.filter {
		b.WriteByte(':')
		b.WriteString(postgrestFilter(p))
	}
	if key.Event() != EventAny {
		b.WriteByte(':')
		b.WriteString(string(key.Event()))
	}
	return b.String()
}

// serverFilter is the filter sent to the backend. postgres_changes takes
// a single condition, so only the first pair goes over the wire and the
// rest are checked by matchesKey.
func serverFilter(key ChannelKey) string {
	if len(key.filter) == 0 {
		return ""
	}
	return postgrestFilter(key.filter[0])
}

// postgrestFilter renders a pair as "column=eq.value".
func postgrestFilter(p FilterPair) string {
	return p.Field + "=eq." + p.Value
}

// matchesKey reports whether a change row satisfies every filter pair of
// key. The new row is checked, falling back to the old row for deletes.
func matchesKey(key ChannelKey, newRow, oldRow map[string]any) bool {
	if len(key.filter) == 0 {
		return true
	}
	row := newRow
	if len(row) == 0 {
		row = oldRow
	}
	if row == nil {
		return false
	}
	for _, p := range key.filter {
		v, ok := row[p.Field]
		if !ok || !compareEqual(v, p.Value) {
			return false
		}
	}
	return true
}

// compareEqual checks if row value equals filter value
func compareEqual(rowValue any, filterValue string) bool {
	switch v := rowValue.(type) {
	case string:
		return v == filterValue
	case float64:
		fv, err := strconv.ParseFloat(filterValue, 64)
		if err != nil {
			return false
		}
		return v == fv
	case int64:
		iv, err := strconv.ParseInt(filterValue, 10, 64)
		if err != nil {
			return false
		}
		return v == iv
	case int:
		iv, err := strconv.Atoi(filterValue)
		if err != nil {
			return false
		}
		return v == iv
	case bool:
		return strconv.FormatBool(v) == filterValue
	case nil:
		return filterValue == "null"
	default:
		return fmt.Sprintf("%v", v) == filterValue
	}
}
