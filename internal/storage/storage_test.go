package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"livetimeline/internal/timeline"
	logx "livetimeline/pkg/logx"
)

func sampleTimeline(t *testing.T) timeline.Timeline {
	t.Helper()
	clk := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	n := 0
	e := timeline.Engine{
		Now:   func() time.Time { return clk },
		NewID: func() string { n++; return "item" + string(rune('0'+n)) },
	}
	var tl timeline.Timeline
	steps := []timeline.Command{
		timeline.Create(timeline.Fields{"title": "Opening", "scheduled_time": "09:00", "duration": 15}),
		timeline.Create(timeline.Fields{"title": "Keynote", "tags": []any{"main", "stage"}}),
		timeline.Create(timeline.Fields{"title": "Lunch", "meta": map[string]any{"room": "B"}}),
		timeline.Start("item1"),
		timeline.Start("item2"),
		timeline.UpdateRemark("item2", "running late"),
		timeline.Delay("item3", 10),
	}
	for _, c := range steps {
		res, err := e.Apply(tl, c)
		if err != nil {
			t.Fatalf("Apply(%s): %v", c, err)
		}
		tl = res.State
	}
	return tl
}

// equivalent compares through JSON so numeric field types (int vs
// json.Number) don't matter.
func equivalent(t *testing.T, a, b timeline.Timeline) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("len %d != %d", len(a), len(b))
	}
	for i := range a {
		ja, _ := a[i].MarshalJSON()
		jb, _ := b[i].MarshalJSON()
		var ma, mb map[string]any
		if err := jsonUnmarshal(ja, &ma); err != nil {
			t.Fatal(err)
		}
		if err := jsonUnmarshal(jb, &mb); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(ma, mb) {
			t.Fatalf("item %d differs:\n%v\n%v", i, ma, mb)
		}
	}
}

func TestStoreRoundTrip(t *testing.T) {
	drivers := []struct {
		name   string
		driver string
		file   string
	}{
		{name: "json", driver: "file", file: "timeline.json"},
		{name: "yaml", driver: "file", file: "timeline.yaml"},
		{name: "sqlite", driver: "sqlite", file: "timeline.db"},
	}
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "data", d.file)
			st, err := Open(Config{Driver: d.driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })

			want := sampleTimeline(t)
			if err := st.Save(ctx, want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := st.Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			equivalent(t, want, got)

			// save(load()) is stable.
			if err := st.Save(ctx, got); err != nil {
				t.Fatalf("Save again: %v", err)
			}
			again, err := st.Load(ctx)
			if err != nil {
				t.Fatalf("Load again: %v", err)
			}
			equivalent(t, got, again)

			// An emptied timeline stays loadable.
			if err := st.Save(ctx, nil); err != nil {
				t.Fatalf("Save empty: %v", err)
			}
			empty, err := st.Load(ctx)
			if err != nil {
				t.Fatalf("Load empty: %v", err)
			}
			if len(empty) != 0 {
				t.Fatalf("len = %d, want 0", len(empty))
			}
		})
	}
}

func TestLoadMissingDegradesToEmpty(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "missing.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })

			tl, err := LoadOrEmpty(context.Background(), st)
			if !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("err = %v, want os.ErrNotExist", err)
			}
			if tl == nil || len(tl) != 0 {
				t.Fatalf("tl = %v, want empty", tl)
			}
		})
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tl, err := LoadOrEmpty(context.Background(), st)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if len(tl) != 0 {
		t.Fatal("expected empty timeline")
	}
}

func TestLoadRejectsInvalidTimeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.json")
	doc := `[{"id":"a","status":"live"},{"id":"b","status":"live"}]`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	st, _ := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if _, err := LoadOrEmpty(context.Background(), st); !errors.Is(err, timeline.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestFileIsPrettyJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.json")
	st, _ := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err := st.Save(context.Background(), sampleTimeline(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "[\n  {") {
		t.Fatalf("expected indented array, got %q", string(b[:20]))
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
