package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func testServer(t *testing.T, cfg Config, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	opts = append(opts, WithRegistry(prometheus.NewRegistry()))
	s := NewServer(cfg, log, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.limiter.Close()
	})
	return s, ts
}

// dial connects a websocket client and consumes the session.created frame.
func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	var hello Envelope
	if err := ws.ReadJSON(&hello); err != nil {
		t.Fatalf("read session.created: %v", err)
	}
	if hello.Event != "session.created" {
		t.Fatalf("first frame = %q, want session.created", hello.Event)
	}
	return ws
}

func request(t *testing.T, ws *websocket.Conn, id, event string, data map[string]interface{}) Envelope {
	t.Helper()
	if err := ws.WriteJSON(&Envelope{Type: TypeRequest, Event: event, ID: id, Data: data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
	var reply Envelope
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply to %s: %v", event, err)
	}
	return reply
}

func subscribe(t *testing.T, ws *websocket.Conn, channel string) {
	t.Helper()
	reply := request(t, ws, "sub-"+channel, ReqSubscribe, map[string]interface{}{"channel": channel})
	if reply.Type != TypeResponse || reply.Data["status"] != "subscribed" {
		t.Fatalf("subscribe reply = %+v", reply)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	s, ts := testServer(t, Config{})
	a := dial(t, ts, "")
	b := dial(t, ts, "")
	subscribe(t, a, "workflow:X")
	subscribe(t, b, "workflow:X")
	outsider := dial(t, ts, "")
	subscribe(t, outsider, "workflow:Y")

	n := s.BroadcastToRoom("workflow:X", NewEvent("workflow:X", "workflow.started", map[string]interface{}{"workflow_id": "X"}))
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}

	for _, ws := range []*websocket.Conn{a, b} {
		var ev Envelope
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("read broadcast: %v", err)
		}
		if ev.Type != TypeEvent || ev.Event != "workflow.started" || ev.Room != "workflow:X" {
			t.Errorf("event = %+v", ev)
		}
	}

	// The outsider's room saw nothing.
	_ = outsider.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var stray Envelope
	if err := outsider.ReadJSON(&stray); err == nil {
		t.Errorf("outsider received %+v", stray)
	}
}

func TestSubscriptionAuthorization(t *testing.T) {
	cfg := Config{AuthEnabled: true, JWTSecret: "test-secret"}
	s, ts := testServer(t, cfg)

	reader, err := s.auth.Issue("reader", []string{"workflow:read"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	poolOnly, err := s.auth.Issue("pool-watcher", []string{"pool:read"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ws := dial(t, ts, reader)
	subscribe(t, ws, "workflow:X")

	other := dial(t, ts, poolOnly)
	reply := request(t, other, "r1", ReqSubscribe, map[string]interface{}{"channel": "workflow:X"})
	if reply.Type != TypeError || reply.Data["code"] != CodeForbidden {
		t.Fatalf("reply = %+v, want FORBIDDEN error", reply)
	}
	if s.RoomSize("workflow:X") != 1 {
		t.Errorf("room size = %d, want 1", s.RoomSize("workflow:X"))
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, ts := testServer(t, Config{AuthEnabled: true, JWTSecret: "test-secret"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		// Some dialers surface the rejection at handshake time.
		return
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	if err == nil {
		t.Fatal("connection survived a bad token")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("close error = %v, want policy violation", err)
	}
}

func TestUnknownRequest(t *testing.T) {
	_, ts := testServer(t, Config{})
	ws := dial(t, ts, "")

	reply := request(t, ws, "r1", "frobnicate", nil)
	if reply.Type != TypeError || reply.Data["code"] != CodeUnknownRequest {
		t.Fatalf("reply = %+v, want UNKNOWN_REQUEST error", reply)
	}
	if reply.ID != "r1" {
		t.Errorf("error frame id = %q, want correlated to request", reply.ID)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s, ts := testServer(t, Config{})
	ws := dial(t, ts, "")
	subscribe(t, ws, "pool:p1")

	reply := request(t, ws, "r2", ReqUnsubscribe, map[string]interface{}{"channel": "pool:p1"})
	if reply.Data["status"] != "unsubscribed" {
		t.Fatalf("reply = %+v", reply)
	}
	if n := s.BroadcastToRoom("pool:p1", NewEvent("pool:p1", "pool.scaled", nil)); n != 0 {
		t.Errorf("delivered = %d after unsubscribe, want 0", n)
	}
}

type stubStatus struct{}

func (stubStatus) PoolStatus(id string) (map[string]interface{}, bool) {
	if id == "p1" {
		return map[string]interface{}{"pool_id": "p1", "size": float64(3)}, true
	}
	return nil, false
}

func (stubStatus) WorkflowStatus(id string) (map[string]interface{}, bool) { return nil, false }

func TestGetPoolStatus(t *testing.T) {
	_, ts := testServer(t, Config{}, WithStatusSource(stubStatus{}))
	ws := dial(t, ts, "")

	reply := request(t, ws, "r1", ReqGetPoolStatus, map[string]interface{}{"pool_id": "p1"})
	if reply.Type != TypeResponse || reply.Data["pool_id"] != "p1" {
		t.Fatalf("reply = %+v", reply)
	}

	reply = request(t, ws, "r2", ReqGetPoolStatus, map[string]interface{}{"pool_id": "ghost"})
	if reply.Type != TypeError || reply.Data["code"] != CodeNotFound {
		t.Fatalf("reply = %+v, want NOT_FOUND error", reply)
	}
}

func TestRateLimitSixteenthMessage(t *testing.T) {
	_, ts := testServer(t, Config{Rate: 10, Burst: 15})
	ws := dial(t, ts, "")

	successes, limited := 0, 0
	var retryAfter float64
	for i := 0; i < 16; i++ {
		reply := request(t, ws, "r", ReqUnsubscribe, map[string]interface{}{"channel": "noop"})
		switch {
		case reply.Type == TypeResponse:
			successes++
		case reply.Type == TypeError && reply.Data["code"] == CodeRateLimited:
			limited++
			retryAfter, _ = reply.Data["retry_after"].(float64)
		default:
			t.Fatalf("unexpected reply %+v", reply)
		}
	}
	if successes != 15 || limited != 1 {
		t.Fatalf("successes = %d, limited = %d; want 15 and 1", successes, limited)
	}
	if retryAfter <= 0 || retryAfter > 0.15 {
		t.Errorf("retry_after = %v, want (0, 0.15]", retryAfter)
	}
}

func TestStopClosesConnections(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	s := NewServer(Config{Host: "127.0.0.1", Port: 0}, log, WithRegistry(prometheus.NewRegistry()))
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Fatal("server not running after Start")
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running() {
		t.Error("server running after Stop")
	}
	if s.ConnectionCount() != 0 {
		t.Errorf("connections after Stop = %d, want 0", s.ConnectionCount())
	}
}
