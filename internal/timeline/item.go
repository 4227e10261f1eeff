package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an Item.
type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusLive      Status = "live"
	StatusCompleted Status = "completed"
	StatusDelayed   Status = "delayed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUpcoming, StatusLive, StatusCompleted, StatusDelayed:
		return true
	}
	return false
}

// Keys owned by the lifecycle. Everything else on an item is an opaque
// pass-through attribute.
const (
	keyID          = "id"
	keyStatus      = "status"
	keyActualStart = "actual_start"
	keyActualEnd   = "actual_end"
	keyRemarks     = "remarks"
)

// TimeFormat matches JavaScript's Date.toISOString (millisecond precision, UTC).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Fields are opaque item attributes (title, scheduled time, ...). They are
// stored and returned verbatim.
type Fields map[string]any

func (f Fields) clone() Fields {
	if f == nil {
		return nil
	}
	cp := make(Fields, len(f))
	for k, v := range f {
		cp[k] = v
	}
	return cp
}

// Item is one scheduled entry of the timeline.
type Item struct {
	ID          string
	Status      Status
	ActualStart *time.Time
	ActualEnd   *time.Time
	Remarks     string
	Fields      Fields
}

// Clone returns a copy that shares no mutable state with it.
func (it Item) Clone() Item {
	cp := it
	cp.ActualStart = cloneTime(it.ActualStart)
	cp.ActualEnd = cloneTime(it.ActualEnd)
	cp.Fields = it.Fields.clone()
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timeAt(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}

// MarshalJSON flattens Fields next to the lifecycle keys, the way clients
// and the persisted file see an item.
func (it Item) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(it.Fields)+5)
	for k, v := range it.Fields {
		m[k] = v
	}
	m[keyID] = it.ID
	m[keyStatus] = it.Status
	m[keyActualStart] = formatTime(it.ActualStart)
	m[keyActualEnd] = formatTime(it.ActualEnd)
	m[keyRemarks] = it.Remarks
	return json.Marshal(m)
}

func (it *Item) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	var out Item
	for k, v := range m {
		switch k {
		case keyID:
			out.ID = stringOf(v)
		case keyStatus:
			out.Status = Status(stringOf(v))
		case keyActualStart, keyActualEnd:
			t, err := parseTime(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			if k == keyActualStart {
				out.ActualStart = t
			} else {
				out.ActualEnd = t
			}
		case keyRemarks:
			out.Remarks = stringOf(v)
		default:
			if out.Fields == nil {
				out.Fields = Fields{}
			}
			out.Fields[k] = v
		}
	}
	if out.Status == "" {
		out.Status = StatusUpcoming
	}
	*it = out
	return nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(TimeFormat)
}

func parseTime(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("invalid timestamp %v", v)
	}
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return timeAt(t), nil
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Timeline is the ordered sequence of items. Order is display order.
type Timeline []Item

// Clone deep-copies the timeline. A nil timeline clones to an empty one so
// it serializes as [] rather than null.
func (t Timeline) Clone() Timeline {
	out := make(Timeline, len(t))
	for i, it := range t {
		out[i] = it.Clone()
	}
	return out
}

// Index returns the position of id, or -1.
func (t Timeline) Index(id string) int {
	for i := range t {
		if t[i].ID == id {
			return i
		}
	}
	return -1
}

// Find returns a copy of the item with id.
func (t Timeline) Find(id string) (Item, bool) {
	i := t.Index(id)
	if i < 0 {
		return Item{}, false
	}
	return t[i].Clone(), true
}

// LiveCount counts items with status live. Reachable states keep it at 0 or 1.
func (t Timeline) LiveCount() int {
	n := 0
	for i := range t {
		if t[i].Status == StatusLive {
			n++
		}
	}
	return n
}

// Validate checks the structural invariants a loaded timeline must hold:
// non-empty unique ids, known statuses, at most one live item.
func (t Timeline) Validate() error {
	seen := make(map[string]struct{}, len(t))
	for i := range t {
		id := t[i].ID
		if id == "" {
			return fmt.Errorf("item %d: %w: empty id", i, ErrInvalidState)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("item %q: %w: duplicate id", id, ErrInvalidState)
		}
		seen[id] = struct{}{}
		if !t[i].Status.Valid() {
			return fmt.Errorf("item %q: %w: unknown status %q", id, ErrInvalidState, t[i].Status)
		}
	}
	if n := t.LiveCount(); n > 1 {
		return fmt.Errorf("%w: %d live items", ErrInvalidState, n)
	}
	return nil
}
