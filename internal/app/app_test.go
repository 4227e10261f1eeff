package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livetimeline/internal/transport/httpapi"
	"livetimeline/internal/transport/push"
)

func writeConfig(t *testing.T, dir, driver, dataFile string) string {
	t.Helper()
	body := `
server:
  addr: "127.0.0.1:0"
  shutdown_timeout: 2s
logging:
  level: error
storage:
  driver: ` + driver + `
  path: ` + filepath.ToSlash(filepath.Join(dir, dataFile)) + `
auth:
  token_secret: test-secret
  admins:
    - email: admin1@event.com
      name: Admin One
      password: password123
`
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func startApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppEndToEnd(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			dir := t.TempDir()
			dataFile := "timeline.json"
			if driver == "sqlite" {
				dataFile = "timeline.db"
			}
			cfgPath := writeConfig(t, dir, driver, dataFile)

			a := startApp(t, cfgPath)
			base := "http://" + a.Addr().String()

			resp, err := http.Post(base+"/api/auth/login", "application/json",
				strings.NewReader(`{"email":"admin1@event.com","password":"password123"}`))
			if err != nil {
				t.Fatalf("login: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("login status = %d", resp.StatusCode)
			}

			ws, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr().String()+httpapi.PushPath, nil)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer ws.Close()
			_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			var env push.Envelope
			if err := ws.ReadJSON(&env); err != nil || env.Event != push.EventTimelineData || string(env.Data) != "[]" {
				t.Fatalf("initial frame = %+v, err %v", env, err)
			}

			resp, err = http.Post(base+"/api/timeline", "application/json", bytes.NewReader([]byte(`{"title":"Opening"}`)))
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			var created map[string]any
			_ = json.NewDecoder(resp.Body).Decode(&created)
			resp.Body.Close()
			id, _ := created["id"].(string)
			if id == "" {
				t.Fatalf("created item has no id: %v", created)
			}
			if err := ws.ReadJSON(&env); err != nil || env.Event != push.EventTimelineData {
				t.Fatalf("broadcast after create = %+v, err %v", env, err)
			}

			raw, _ := json.Marshal(id)
			if err := ws.WriteJSON(push.Envelope{Event: push.EventStartItem, Data: raw}); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := ws.ReadJSON(&env); err != nil {
				t.Fatalf("read: %v", err)
			}
			var items []map[string]any
			if err := json.Unmarshal(env.Data, &items); err != nil || len(items) != 1 || items[0]["status"] != "live" {
				t.Fatalf("unexpected broadcast: %s", env.Data)
			}
			_ = ws.Close()

			stopApp(t, a)

			// A fresh app sees what the first one saved.
			b := startApp(t, cfgPath)
			defer stopApp(t, b)
			got := b.disp.Snapshot()
			if len(got) != 1 || got[0].ID != id || got[0].Status != "live" || got[0].ActualStart == nil {
				t.Fatalf("reloaded timeline = %+v", got)
			}
		})
	}
}

func TestAppStartsEmptyOnCorruptData(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "timeline.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	a := startApp(t, writeConfig(t, dir, "file", "timeline.json"))
	defer stopApp(t, a)
	if n := len(a.disp.Snapshot()); n != 0 {
		t.Fatalf("items = %d, want 0", n)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(`{"storage":{"driver":"mongo"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewApp(p); err == nil {
		t.Fatal("expected error")
	}
}
