package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livetimeline/internal/auth"
	"livetimeline/internal/dispatcher"
	"livetimeline/internal/eventbus"
	"livetimeline/internal/timeline"
	logx "livetimeline/pkg/logx"
)

type harness struct {
	disp *dispatcher.Service
	hub  *Hub
	srv  *httptest.Server
	bus  eventbus.Bus
}

func newHarness(t *testing.T, cfg Config, tokens TokenParser) *harness {
	t.Helper()
	initial := timeline.Timeline{
		{ID: "a", Status: timeline.StatusUpcoming, Fields: timeline.Fields{"title": "Opening"}},
		{ID: "b", Status: timeline.StatusUpcoming, Fields: timeline.Fields{"title": "Keynote"}},
	}
	bus := eventbus.New()
	d := dispatcher.New(dispatcher.Config{}, initial, nil, nil, logx.Nop(), bus)
	h := NewHub(cfg, d, tokens, logx.Nop(), bus)
	d.SetBroadcaster(h)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = h.Close(stopCtx)
		srv.Close()
		_ = d.Stop(stopCtx)
		cancel()
	})
	return &harness{disp: d, hub: h, srv: srv, bus: bus}
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := h.tryDial(query)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) tryDial(query string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return websocket.DefaultDialer.Dial(u, nil)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func readTimeline(t *testing.T, conn *websocket.Conn) timeline.Timeline {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Event != EventTimelineData {
		t.Fatalf("event = %q, want %q (data %s)", env.Event, EventTimelineData, env.Data)
	}
	var tl timeline.Timeline
	if err := json.Unmarshal(env.Data, &tl); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	return tl
}

func readError(t *testing.T, conn *websocket.Conn) ErrorPayload {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Event != EventError {
		t.Fatalf("event = %q, want error (data %s)", env.Event, env.Data)
	}
	var p ErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return p
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Count(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInitialSnapshotOnConnect(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	conn := h.dial(t, "")
	tl := readTimeline(t, conn)
	if len(tl) != 2 || tl[0].ID != "a" || tl[1].ID != "b" {
		t.Fatalf("unexpected snapshot: %+v", tl)
	}
}

func TestCommandBroadcastsToAllClients(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c1 := h.dial(t, "")
	c2 := h.dial(t, "")
	readTimeline(t, c1)
	readTimeline(t, c2)
	waitClients(t, h.hub, 2)

	send(t, c1, EventStartItem, "a")
	for _, c := range []*websocket.Conn{c1, c2} {
		tl := readTimeline(t, c)
		if tl[0].Status != timeline.StatusLive || tl[0].ActualStart == nil {
			t.Fatalf("a not live: %+v", tl[0])
		}
	}

	send(t, c2, EventStartItem, map[string]string{"id": "b"})
	for _, c := range []*websocket.Conn{c1, c2} {
		tl := readTimeline(t, c)
		if tl[0].Status != timeline.StatusCompleted || tl[1].Status != timeline.StatusLive {
			t.Fatalf("unexpected statuses: %s %s", tl[0].Status, tl[1].Status)
		}
		if tl.LiveCount() != 1 {
			t.Fatalf("live count = %d", tl.LiveCount())
		}
	}

	send(t, c1, EventDelayItem, map[string]any{"id": "a", "delayMinutes": 15})
	if tl := readTimeline(t, c2); tl[0].Status != timeline.StatusDelayed {
		t.Fatalf("a status = %s, want delayed", tl[0].Status)
	}
	readTimeline(t, c1)

	send(t, c1, EventUpdateRemark, map[string]any{"id": "b", "remark": "running late"})
	if tl := readTimeline(t, c2); tl[1].Remarks != "running late" {
		t.Fatalf("remarks = %q", tl[1].Remarks)
	}
	readTimeline(t, c1)

	send(t, c1, EventResetItem, "a")
	if tl := readTimeline(t, c2); tl[0].Status != timeline.StatusUpcoming || tl[0].ActualStart != nil {
		t.Fatalf("a not reset: %+v", tl[0])
	}
}

func TestErrorsGoToOriginatorOnly(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c1 := h.dial(t, "")
	c2 := h.dial(t, "")
	readTimeline(t, c1)
	readTimeline(t, c2)
	waitClients(t, h.hub, 2)

	send(t, c1, EventStartItem, "missing")
	p := readError(t, c1)
	if p.Code != "not_found" || p.ID != "missing" || p.Event != EventStartItem {
		t.Fatalf("unexpected error payload: %+v", p)
	}

	send(t, c1, "admin:explode", "a")
	if p := readError(t, c1); p.Code != "unknown_event" {
		t.Fatalf("code = %q", p.Code)
	}

	// The next frame c2 sees is the broadcast for this start, not an error.
	send(t, c1, EventStartItem, "a")
	tl := readTimeline(t, c2)
	if tl[0].Status != timeline.StatusLive {
		t.Fatalf("a not live: %+v", tl[0])
	}
	if v := h.disp.Version(); v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
}

func TestEndOnNonLiveIsSilent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.dial(t, "")
	readTimeline(t, c)

	send(t, c, EventEndItem, "a")
	send(t, c, EventStartItem, "b")
	tl := readTimeline(t, c)
	if tl[0].Status != timeline.StatusUpcoming || tl[1].Status != timeline.StatusLive {
		t.Fatalf("unexpected statuses: %s %s", tl[0].Status, tl[1].Status)
	}
}

func TestRequireToken(t *testing.T) {
	tokens, err := auth.NewTokens("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	h := newHarness(t, Config{RequireToken: true}, tokens)

	viewer := h.dial(t, "")
	readTimeline(t, viewer)
	send(t, viewer, EventStartItem, "a")
	if p := readError(t, viewer); p.Code != "unauthorized" {
		t.Fatalf("code = %q, want unauthorized", p.Code)
	}

	if _, resp, err := h.tryDial("token=garbage"); err == nil {
		t.Fatal("expected dial with bad token to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	raw, _, err := tokens.Issue(auth.User{Email: "admin@event.com", Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	admin := h.dial(t, "token="+raw)
	readTimeline(t, admin)
	send(t, admin, EventStartItem, "a")
	if tl := readTimeline(t, admin); tl[0].Status != timeline.StatusLive {
		t.Fatalf("a not live: %+v", tl[0])
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{CommandRate: 0.001, CommandBurst: 1}, nil)
	c := h.dial(t, "")
	readTimeline(t, c)

	send(t, c, EventStartItem, "a")
	readTimeline(t, c)
	send(t, c, EventStartItem, "b")
	if p := readError(t, c); p.Code != "rate_limited" {
		t.Fatalf("code = %q, want rate_limited", p.Code)
	}

	h.hub.SetLimits(1000, 10)
	// Let the raised rate refill at least one token.
	time.Sleep(20 * time.Millisecond)
	send(t, c, EventStartItem, "b")
	if tl := readTimeline(t, c); tl[1].Status != timeline.StatusLive {
		t.Fatalf("b not live after raising limits")
	}
}

func TestClientEventsPublished(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ch, unsub := h.bus.Subscribe(16, eventbus.TypeClientJoined, eventbus.TypeClientLeft)
	defer unsub()

	c := h.dial(t, "")
	readTimeline(t, c)
	_ = c.Close()

	var joined, left bool
	deadline := time.After(3 * time.Second)
	for !joined || !left {
		select {
		case ev := <-ch:
			switch ev.Type {
			case eventbus.TypeClientJoined:
				joined = true
			case eventbus.TypeClientLeft:
				left = true
			}
		case <-deadline:
			t.Fatalf("joined=%v left=%v", joined, left)
		}
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1}, nil, nil, logx.Nop(), nil)
	c := newClient(1, nil, "test", nil, h.config())
	h.clients[c] = struct{}{}

	h.Broadcast(timeline.Timeline{})
	h.Broadcast(timeline.Timeline{})

	select {
	case <-c.done:
	default:
		t.Fatal("client with full buffer should be closed")
	}
	if h.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", h.Dropped())
	}
}

func TestCloseRefusesNewClients(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.dial(t, "")
	readTimeline(t, c)
	waitClients(t, h.hub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.hub.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.hub.Count() != 0 {
		t.Fatalf("clients = %d after close", h.hub.Count())
	}
	if _, resp, err := h.tryDial(""); err == nil {
		t.Fatal("expected dial after close to fail")
	} else if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}

// lateAttach runs fn and then reports a context error, as the dispatcher
// does when the caller gives up after the request was queued.
type lateAttach struct{}

func (lateAttach) Submit(context.Context, timeline.Command) (dispatcher.Outcome, error) {
	return dispatcher.Outcome{}, nil
}

func (lateAttach) Attach(_ context.Context, fn func(tl timeline.Timeline)) error {
	fn(nil)
	return context.DeadlineExceeded
}

func TestAttachErrorDoesNotLeakClient(t *testing.T) {
	h := NewHub(Config{}, lateAttach{}, nil, logx.Nop(), nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	waitClients(t, h, 0)
}
