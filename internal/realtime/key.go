package realtime

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// EventClass selects which kind of row change a channel receives.
type EventClass string

const (
	EventInsert EventClass = "insert"
	EventUpdate EventClass = "update"
	EventDelete EventClass = "delete"
	EventAny    EventClass = "any"
)

// ParseEventClass normalizes a caller-supplied event name. The empty
// string and "*" mean EventAny, so an implicit and an explicit "any"
// produce equal keys.
func ParseEventClass(s string) (EventClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "*", "any":
		return EventAny, nil
	case "insert":
		return EventInsert, nil
	case "update":
		return EventUpdate, nil
	case "delete":
		return EventDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown event class %q", ErrInvalidKey, s)
	}
}

// wire returns the postgres_changes event name.
func (e EventClass) wire() string {
	switch e {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	default:
		return "*"
	}
}

// FilterPair is one field=value equality condition.
type FilterPair struct {
	Field string
	Value string
}

// ChannelKey identifies what a channel watches: a resource, an optional
// equality filter and an event class. Keys are immutable and compare
// structurally; filter pairs are an unordered set.
type ChannelKey struct {
	resource string
	filter   []FilterPair
	event    EventClass
	id       string
}

// NewChannelKey builds a key from a filter map. Values are normalized to
// their string form, so 1 and "1" select the same rows.
func NewChannelKey(resource string, filter map[string]any, event EventClass) (ChannelKey, error) {
	pairs := make([]FilterPair, 0, len(filter))
	for field, v := range filter {
		pairs = append(pairs, FilterPair{Field: field, Value: filterValue(v)})
	}
	return NewChannelKeyPairs(resource, pairs, event)
}

// NewChannelKeyPairs builds a key from an ordered list of pairs. The order
// is not significant and duplicate pairs collapse.
func NewChannelKeyPairs(resource string, pairs []FilterPair, event EventClass) (ChannelKey, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return ChannelKey{}, fmt.Errorf("%w: resource name is empty", ErrInvalidKey)
	}
	ev, err := ParseEventClass(string(event))
	if err != nil {
		return ChannelKey{}, err
	}

	var canon []FilterPair
	for _, p := range pairs {
		if p.Field == "" {
			return ChannelKey{}, fmt.Errorf("%w: filter field is empty", ErrInvalidKey)
		}
		canon = append(canon, p)
	}
	sort.Slice(canon, func(i, j int) bool {
		if canon[i].Field != canon[j].Field {
			return canon[i].Field < canon[j].Field
		}
		return canon[i].Value < canon[j].Value
	})
	canon = dedupPairs(canon)

	k := ChannelKey{resource: resource, filter: canon, event: ev}
	k.id = k.canonical()
	return k, nil
}

func dedupPairs(sorted []FilterPair) []FilterPair {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

func filterValue(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(v)
}

func (k ChannelKey) canonical() string {
	var b strings.Builder
	b.WriteString(url.QueryEscape(k.resource))
	b.WriteByte('|')
	b.WriteString(string(k.event))
	b.WriteByte('|')
	for i, p := range k.filter {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Field))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// Resource returns the watched resource name.
func (k ChannelKey) Resource() string { return k.resource }

// Event returns the event class; never empty for a valid key.
func (k ChannelKey) Event() EventClass { return k.event }

// Filter returns a copy of the filter pairs in canonical order.
func (k ChannelKey) Filter() []FilterPair {
	if len(k.filter) == 0 {
		return nil
	}
	out := make([]FilterPair, len(k.filter))
	copy(out, k.filter)
	return out
}

// IsZero reports whether k was never built by NewChannelKey.
func (k ChannelKey) IsZero() bool { return k.id == "" }

// Equal reports structural equality.
func (k ChannelKey) Equal(other ChannelKey) bool { return k.id == other.id }

// String returns the canonical form, which is also the registry lookup key.
func (k ChannelKey) String() string { return k.id }
