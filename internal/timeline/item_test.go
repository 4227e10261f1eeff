package timeline

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestItemJSONFlattensFields(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	it := Item{
		ID:          "a1",
		Status:      StatusLive,
		ActualStart: &start,
		Fields:      Fields{"title": "Keynote", "duration": json.Number("45")},
	}
	b, err := json.Marshal(it)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, want := range []string{
		`"id":"a1"`,
		`"status":"live"`,
		`"actual_start":"2026-03-14T09:30:00.000Z"`,
		`"actual_end":null`,
		`"remarks":""`,
		`"title":"Keynote"`,
		`"duration":45`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %s in %s", want, s)
		}
	}

	var back Item
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != "a1" || back.Status != StatusLive || !back.ActualStart.Equal(start) || back.ActualEnd != nil {
		t.Fatalf("round trip: %+v", back)
	}
	if back.Fields["duration"] != json.Number("45") {
		t.Fatalf("duration = %#v", back.Fields["duration"])
	}
}

func TestItemUnmarshalDefaultsStatus(t *testing.T) {
	var it Item
	if err := json.Unmarshal([]byte(`{"id":"x","title":"t"}`), &it); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if it.Status != StatusUpcoming {
		t.Fatalf("status = %s, want upcoming", it.Status)
	}
}

func TestItemUnmarshalBadTimestamp(t *testing.T) {
	var it Item
	if err := json.Unmarshal([]byte(`{"id":"x","actual_start":"yesterday"}`), &it); err == nil {
		t.Fatal("expected error for bad timestamp")
	}
}

func TestTimelineValidate(t *testing.T) {
	tests := []struct {
		name string
		tl   Timeline
		ok   bool
	}{
		{name: "empty", tl: nil, ok: true},
		{name: "one live", tl: Timeline{{ID: "a", Status: StatusLive}, {ID: "b", Status: StatusUpcoming}}, ok: true},
		{name: "two live", tl: Timeline{{ID: "a", Status: StatusLive}, {ID: "b", Status: StatusLive}}},
		{name: "duplicate", tl: Timeline{{ID: "a", Status: StatusUpcoming}, {ID: "a", Status: StatusUpcoming}}},
		{name: "empty id", tl: Timeline{{Status: StatusUpcoming}}},
		{name: "bad status", tl: Timeline{{ID: "a", Status: "paused"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tl.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidState) {
				t.Fatalf("err = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	tl := Timeline{{ID: "a", Status: StatusLive, ActualStart: &now, Fields: Fields{"k": "v"}}}
	cp := tl.Clone()
	cp[0].Fields["k"] = "changed"
	*cp[0].ActualStart = now.Add(time.Hour)
	if tl[0].Fields["k"] != "v" || !tl[0].ActualStart.Equal(now) {
		t.Fatal("Clone shares state with the original")
	}
	if got := Timeline(nil).Clone(); got == nil {
		t.Fatal("nil timeline must clone to an empty, non-nil slice")
	}
}
