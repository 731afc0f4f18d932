package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/screenwiresh/screenwire/internal/config"
	"github.com/screenwiresh/screenwire/internal/protocol"
	"github.com/screenwiresh/screenwire/internal/session"
)

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		CommandsPerMinute:    100,
		ScreenshotsPerMinute: 100,
		MaxPayloadBytes:      64 * 1024,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	ch chan string
}

func (n *recordingNotifier) NotifyConnect(_ context.Context, deviceID string) error {
	n.ch <- deviceID
	return nil
}

func newTestRouter(maxPending int, respTTL time.Duration, notifier Notifier) (*Router, *Hub, session.Store) {
	hub := NewHub()
	sessions := session.NewMemoryStore(maxPending, time.Minute)
	rt := NewRouter(hub, sessions, NewLimiter(testLimits()), notifier, respTTL, discardLogger())
	return rt, hub, sessions
}

func decodeReply(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("decoding reply %s: %v", frame, err)
	}
	return m
}

func TestSubmitForwardsWhenConnected(t *testing.T) {
	rt, hub, sessions := newTestRouter(10, time.Minute, NoopNotifier{})
	defer rt.Close()
	ctx := context.Background()

	_, cancel := context.WithCancel(ctx)
	defer cancel()
	send := make(chan []byte, 4)
	hub.RegisterDevice("dev_1", "c1", send, cancel)

	reply := rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "open_app"}, 20)
	m := decodeReply(t, reply)
	if m["type"] != "cmd_accepted" || m["id"].(float64) != 1 {
		t.Errorf("reply = %v", m)
	}

	select {
	case frame := <-send:
		cm := decodeReply(t, frame)
		if cm["id"].(float64) != 1 || cm["cmd"] != "open_app" {
			t.Errorf("forwarded frame = %v", cm)
		}
	default:
		t.Fatal("command should be forwarded to the connected device")
	}

	sess, _ := sessions.Get(ctx, "dev_1")
	if len(sess.Pending) != 1 || sess.Pending[0].State != protocol.StateForwarded {
		t.Errorf("pending = %+v", sess.Pending)
	}
}

func TestSubmitQueuesAndNotifiesWhenOffline(t *testing.T) {
	notifier := &recordingNotifier{ch: make(chan string, 1)}
	rt, _, sessions := newTestRouter(10, time.Minute, notifier)
	defer rt.Close()
	ctx := context.Background()

	reply := rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "lock"}, 10)
	if decodeReply(t, reply)["type"] != "cmd_accepted" {
		t.Errorf("offline submission should still be accepted: %s", reply)
	}

	sess, _ := sessions.Get(ctx, "dev_1")
	if len(sess.Pending) != 1 || sess.Pending[0].State != protocol.StateQueued {
		t.Errorf("pending = %+v", sess.Pending)
	}

	select {
	case id := <-notifier.ch:
		if id != "dev_1" {
			t.Errorf("notified device = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Error("offline target should trigger a connect notification")
	}
}

func TestSubmitQueueFull(t *testing.T) {
	rt, _, _ := newTestRouter(1, time.Minute, NoopNotifier{})
	defer rt.Close()
	ctx := context.Background()

	rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "a"}, 10)
	reply := rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "b"}, 10)
	if decodeReply(t, reply)["code"] != protocol.CodeQueueFull {
		t.Errorf("reply = %s", reply)
	}
}

func TestSubmitLimits(t *testing.T) {
	hub := NewHub()
	sessions := session.NewMemoryStore(10, time.Minute)
	limits := config.LimitsConfig{CommandsPerMinute: 1, ScreenshotsPerMinute: 1, MaxPayloadBytes: 100}
	rt := NewRouter(hub, sessions, NewLimiter(limits), NoopNotifier{}, time.Minute, discardLogger())
	defer rt.Close()
	ctx := context.Background()

	reply := rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "a"}, 200)
	if decodeReply(t, reply)["code"] != protocol.CodePayloadTooLarge {
		t.Errorf("oversized payload reply = %s", reply)
	}

	rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "a"}, 10)
	reply = rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "b"}, 10)
	if decodeReply(t, reply)["code"] != protocol.CodeRateLimited {
		t.Errorf("over-budget reply = %s", reply)
	}

	// A different controller has its own budget.
	reply = rt.Submit(ctx, "other", "dev_1", &protocol.ControllerCommand{Cmd: "c"}, 10)
	if decodeReply(t, reply)["type"] != "cmd_accepted" {
		t.Errorf("independent budget reply = %s", reply)
	}
}

func TestHandleResponseRelaysAndAcks(t *testing.T) {
	rt, hub, sessions := newTestRouter(10, time.Minute, NoopNotifier{})
	defer rt.Close()
	ctx := context.Background()

	_, cancel := context.WithCancel(ctx)
	defer cancel()
	ctrl := make(chan []byte, 4)
	hub.RegisterController("dev_1", "ca", ctrl, cancel)

	rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "screenshot"}, 10)
	rt.HandleResponse(ctx, "dev_1", &protocol.Response{
		ID: 1, Status: "ok", Result: json.RawMessage(`{"img":"..."}`),
	})

	select {
	case frame := <-ctrl:
		m := decodeReply(t, frame)
		if m["id"].(float64) != 1 || m["status"] != "ok" {
			t.Errorf("relayed response = %v", m)
		}
	default:
		t.Fatal("response should be relayed to the watching controller")
	}

	sess, _ := sessions.Get(ctx, "dev_1")
	if sess.LastAck != 1 || len(sess.Pending) != 0 {
		t.Errorf("session after response = %+v", sess)
	}

	if frame := rt.CachedResponse(ctx, "dev_1", 1); frame == nil {
		t.Error("response should be cached")
	}
	if frame := rt.CachedResponse(ctx, "dev_1", 99); frame != nil {
		t.Error("unknown command id should have no cached response")
	}
}

func TestHandleResponseWithNoController(t *testing.T) {
	rt, _, sessions := newTestRouter(10, time.Minute, NoopNotifier{})
	defer rt.Close()
	ctx := context.Background()

	// An orphaned response still acks and caches.
	rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "lock"}, 10)
	rt.HandleResponse(ctx, "dev_1", &protocol.Response{ID: 1, Status: "ok"})

	sess, _ := sessions.Get(ctx, "dev_1")
	if sess.LastAck != 1 {
		t.Errorf("last_ack = %d, want 1", sess.LastAck)
	}
	if rt.CachedResponse(ctx, "dev_1", 1) == nil {
		t.Error("orphaned response should be cached for late retrieval")
	}
}

func TestHandleAck(t *testing.T) {
	rt, _, sessions := newTestRouter(10, time.Minute, NoopNotifier{})
	defer rt.Close()
	ctx := context.Background()

	rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "lock"}, 10)
	rt.HandleAck(ctx, "dev_1", 1)

	sess, _ := sessions.Get(ctx, "dev_1")
	if sess.LastAck != 1 || len(sess.Pending) != 0 {
		t.Errorf("session after ack = %+v", sess)
	}
}

func TestWaiterExpiry(t *testing.T) {
	rt, hub, sessions := newTestRouter(10, 50*time.Millisecond, NoopNotifier{})
	defer rt.Close()
	ctx := context.Background()

	_, cancel := context.WithCancel(ctx)
	defer cancel()
	ctrl := make(chan []byte, 4)
	hub.RegisterController("dev_1", "ca", ctrl, cancel)

	rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "lock"}, 10)

	select {
	case frame := <-ctrl:
		m := decodeReply(t, frame)
		if m["status"] != "error" || m["id"].(float64) != 1 {
			t.Errorf("expiry notice = %v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("controller should be told the command expired")
	}

	// Expiry never touches the queue: the command still replays later.
	sess, _ := sessions.Get(ctx, "dev_1")
	if len(sess.Pending) != 1 {
		t.Errorf("pending after expiry = %+v", sess.Pending)
	}
}

func TestWaiterStoppedByResponse(t *testing.T) {
	rt, hub, _ := newTestRouter(10, 50*time.Millisecond, NoopNotifier{})
	defer rt.Close()
	ctx := context.Background()

	_, cancel := context.WithCancel(ctx)
	defer cancel()
	ctrl := make(chan []byte, 4)
	hub.RegisterController("dev_1", "ca", ctrl, cancel)

	rt.Submit(ctx, "ctrl", "dev_1", &protocol.ControllerCommand{Cmd: "lock"}, 10)
	rt.HandleResponse(ctx, "dev_1", &protocol.Response{ID: 1, Status: "ok"})
	<-ctrl // the relayed response

	select {
	case frame := <-ctrl:
		t.Errorf("no expiry notice expected after a response, got %s", frame)
	case <-time.After(200 * time.Millisecond):
	}
}
