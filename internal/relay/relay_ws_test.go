package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/screenwiresh/screenwire/internal/auth"
	"github.com/screenwiresh/screenwire/internal/config"
	"github.com/screenwiresh/screenwire/internal/protocol"
	"github.com/screenwiresh/screenwire/internal/relay"
	"github.com/screenwiresh/screenwire/internal/session"
	"github.com/screenwiresh/screenwire/internal/store"
)

const (
	testDeviceID    = "dev_1"
	testDeviceToken = "tok_device"
	testCtrlKey     = "pk_controller"
	testAdminToken  = "tok_admin"
)

type testEnv struct {
	srv      *httptest.Server
	sessions session.Store
	registry store.Store
	handler  *relay.Handler
	hub      *relay.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvHeartbeat(t, config.HeartbeatConfig{
		PingInterval: config.Duration{Duration: time.Second},
		PongTimeout:  config.Duration{Duration: 5 * time.Second},
		AuthTimeout:  config.Duration{Duration: 2 * time.Second},
	})
}

func newTestEnvHeartbeat(t *testing.T, hb config.HeartbeatConfig) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Relay: config.RelayConfig{
			InstanceID: "relay-test",
			AuthMode:   "store",
			AdminToken: testAdminToken,
		},
		Sessions: config.SessionsConfig{
			Backend:     "memory",
			MaxPending:  50,
			ResponseTTL: config.Duration{Duration: time.Minute},
		},
		Limits: config.LimitsConfig{
			CommandsPerMinute:    100,
			ScreenshotsPerMinute: 100,
			MaxPayloadBytes:      64 * 1024,
		},
		Heartbeat: hb,
	}

	registry, err := store.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	registry.DeviceRegister(ctx, store.DeviceRecord{
		DeviceID: testDeviceID, Name: "test phone", Token: testDeviceToken,
		AuthorizedAt: now, LastSeenAt: now,
	})
	registry.ControllerKeyCreate(ctx, store.ControllerKey{
		Key: testCtrlKey, Label: "test sdk", CreatedAt: now,
	})

	sessions := session.NewMemoryStore(cfg.Sessions.MaxPending, cfg.Sessions.ResponseTTL.Duration)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	hub := relay.NewHub()
	router := relay.NewRouter(hub, sessions, relay.NewLimiter(cfg.Limits), relay.NoopNotifier{}, cfg.Sessions.ResponseTTL.Duration, log)
	t.Cleanup(router.Close)
	handler := relay.NewHandler(hub, router, sessions, registry, auth.NewStoreVerifier(registry), cfg, log)

	srv := httptest.NewServer(relay.BuildMux(handler, hub, router, registry, sessions, cfg))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, sessions: sessions, registry: registry, handler: handler, hub: hub}
}

func (env *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func writeMsg(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readMsg reads the next non-ping frame.
func readMsg(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if m["type"] == "ping" {
			continue
		}
		return m
	}
}

func connectDevice(t *testing.T, env *testEnv, lastAck int64) *websocket.Conn {
	t.Helper()
	c := env.dial(t)
	writeMsg(t, c, map[string]any{
		"type": "auth", "credential": testDeviceToken,
		"role": "device", "device_id": testDeviceID, "last_ack": lastAck,
	})
	return c
}

func connectController(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	c := env.dial(t)
	writeMsg(t, c, map[string]any{
		"type": "auth", "credential": testCtrlKey,
		"role": "controller", "target_device_id": testDeviceID,
	})
	return c
}

func TestDeviceAuthFail(t *testing.T) {
	env := newTestEnv(t)

	c := env.dial(t)
	writeMsg(t, c, map[string]any{
		"type": "auth", "credential": "tok_wrong",
		"role": "device", "device_id": testDeviceID,
	})
	m := readMsg(t, c)
	if m["type"] != "auth_fail" {
		t.Errorf("reply = %v", m)
	}
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	env := newTestEnv(t)

	c := env.dial(t)
	writeMsg(t, c, map[string]any{"ack": 1})
	m := readMsg(t, c)
	if m["type"] != "auth_fail" {
		t.Errorf("reply = %v", m)
	}
}

func TestDeviceVersionGate(t *testing.T) {
	env := newTestEnv(t)

	c := env.dial(t)
	writeMsg(t, c, map[string]any{
		"type": "auth", "credential": testDeviceToken,
		"role": "device", "device_id": testDeviceID,
		"version": map[string]any{"major": 0, "minor": 9, "component": "android"},
	})
	m := readMsg(t, c)
	if m["type"] != "error" || m["code"] != protocol.CodeOutdatedClient {
		t.Errorf("reply = %v", m)
	}
}

func TestDeviceResumeReplaysPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Five commands queued while the device is offline; the first three
	// acknowledged through the store.
	for i := 0; i < 5; i++ {
		if _, err := env.sessions.Enqueue(ctx, testDeviceID, "lock", nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for id := int64(1); id <= 3; id++ {
		env.sessions.Ack(ctx, testDeviceID, id)
	}

	c := connectDevice(t, env, 3)

	m := readMsg(t, c)
	if m["type"] != "auth_ok" || m["resume_from"].(float64) != 3 {
		t.Fatalf("auth reply = %v", m)
	}

	// Commands 4 and 5 replay in ascending order; nothing below the
	// watermark is resent.
	for _, want := range []float64{4, 5} {
		m = readMsg(t, c)
		if m["id"].(float64) != want {
			t.Errorf("replayed id = %v, want %v", m["id"], want)
		}
	}
}

func TestControllerRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	dev := connectDevice(t, env, 0)
	if m := readMsg(t, dev); m["type"] != "auth_ok" {
		t.Fatalf("device auth reply = %v", m)
	}

	ctrl := connectController(t, env)
	m := readMsg(t, ctrl)
	if m["type"] != "auth_ok" || m["device_connected"] != true {
		t.Fatalf("controller auth reply = %v", m)
	}

	writeMsg(t, ctrl, map[string]any{"cmd": "open_app", "params": map[string]any{"app": "maps"}})

	m = readMsg(t, ctrl)
	if m["type"] != "cmd_accepted" || m["id"].(float64) != 1 {
		t.Fatalf("submission reply = %v", m)
	}

	m = readMsg(t, dev)
	if m["id"].(float64) != 1 || m["cmd"] != "open_app" {
		t.Fatalf("device received = %v", m)
	}

	writeMsg(t, dev, map[string]any{"id": 1, "status": "ok", "result": map[string]any{"opened": true}})

	m = readMsg(t, ctrl)
	if m["id"].(float64) != 1 || m["status"] != "ok" {
		t.Fatalf("controller received = %v", m)
	}

	// The response also acknowledged the command.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, _ := env.sessions.Get(context.Background(), testDeviceID)
		if sess.LastAck == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("last_ack = %d, want 1", sess.LastAck)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControllerSeesOfflineTarget(t *testing.T) {
	env := newTestEnv(t)

	ctrl := connectController(t, env)
	m := readMsg(t, ctrl)
	if m["type"] != "auth_ok" || m["device_connected"] != false {
		t.Fatalf("controller auth reply = %v", m)
	}

	// Submissions queue while the target is offline.
	writeMsg(t, ctrl, map[string]any{"cmd": "lock"})
	if m = readMsg(t, ctrl); m["type"] != "cmd_accepted" {
		t.Fatalf("submission reply = %v", m)
	}

	// The device picks the command up on connect.
	dev := connectDevice(t, env, 0)
	if m = readMsg(t, dev); m["type"] != "auth_ok" {
		t.Fatalf("device auth reply = %v", m)
	}
	if m = readMsg(t, dev); m["cmd"] != "lock" {
		t.Fatalf("device received = %v", m)
	}

	// And the controller hears that the device came online.
	if m = readMsg(t, ctrl); m["type"] != "device_status" || m["connected"] != true {
		t.Fatalf("status event = %v", m)
	}
}

func TestDeviceReplaceOnReconnect(t *testing.T) {
	env := newTestEnv(t)

	first := connectDevice(t, env, 0)
	if m := readMsg(t, first); m["type"] != "auth_ok" {
		t.Fatalf("first auth reply = %v", m)
	}

	second := connectDevice(t, env, 0)
	if m := readMsg(t, second); m["type"] != "auth_ok" {
		t.Fatalf("second auth reply = %v", m)
	}

	// The displaced connection is closed by the relay.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := first.Read(ctx); err != nil {
			break
		}
	}

	// The replacement still works end to end.
	ctrl := connectController(t, env)
	if m := readMsg(t, ctrl); m["device_connected"] != true {
		t.Fatalf("controller auth reply = %v", m)
	}
}

func TestHeartbeatTeardown(t *testing.T) {
	env := newTestEnvHeartbeat(t, config.HeartbeatConfig{
		PingInterval: config.Duration{Duration: 100 * time.Millisecond},
		PongTimeout:  config.Duration{Duration: 300 * time.Millisecond},
		AuthTimeout:  config.Duration{Duration: 2 * time.Second},
	})

	dev := connectDevice(t, env, 0)
	if m := readMsg(t, dev); m["type"] != "auth_ok" {
		t.Fatalf("auth reply = %v", m)
	}
	if !env.hub.DeviceConnected(testDeviceID) {
		t.Fatal("device should be registered after auth")
	}

	// The device now goes completely silent: no pongs, no frames. The relay
	// must drop it within one ping cadence plus the liveness deadline.
	deadline := time.Now().Add(3 * time.Second)
	for env.hub.DeviceConnected(testDeviceID) {
		if time.Now().After(deadline) {
			t.Fatal("silent device was never unregistered")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The slot is free again: a reconnect under the same identity succeeds.
	again := connectDevice(t, env, 0)
	if m := readMsg(t, again); m["type"] != "auth_ok" {
		t.Fatalf("reconnect auth reply = %v", m)
	}
	if !env.hub.DeviceConnected(testDeviceID) {
		t.Fatal("reconnected device should be registered")
	}

	// The session survived the teardown.
	sess, err := env.sessions.Get(context.Background(), testDeviceID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.LastAck != 0 {
		t.Errorf("last_ack = %d, want 0", sess.LastAck)
	}
}

func TestDrain(t *testing.T) {
	env := newTestEnv(t)

	dev := connectDevice(t, env, 0)
	if m := readMsg(t, dev); m["type"] != "auth_ok" {
		t.Fatalf("auth reply = %v", m)
	}
	if _, err := env.sessions.Enqueue(context.Background(), testDeviceID, "lock", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/drain", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("drain request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drain status = %d", resp.StatusCode)
	}

	// The live connection is closed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := dev.Read(ctx); err != nil {
			break
		}
	}

	// The session survives the drain.
	sess, _ := env.sessions.Get(context.Background(), testDeviceID)
	if sess.CmdCounter != 1 || len(sess.Pending) != 1 {
		t.Errorf("session after drain = %+v", sess)
	}
	status, _ := env.sessions.InstanceStatus(context.Background(), "relay-test")
	if status != session.StatusDraining {
		t.Errorf("instance status = %q", status)
	}

	// New connections are turned away.
	c := env.dial(t)
	if m := readMsg(t, c); m["code"] != protocol.CodeDraining {
		t.Errorf("reply while draining = %v", m)
	}
}

func TestAdminAPI(t *testing.T) {
	env := newTestEnv(t)
	client := env.srv.Client()

	adminReq := func(method, path, body string) *http.Response {
		t.Helper()
		var rd io.Reader
		if body != "" {
			rd = strings.NewReader(body)
		}
		req, _ := http.NewRequest(method, env.srv.URL+path, rd)
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return resp
	}

	// No token, no access.
	resp, err := client.Post(env.srv.URL+"/api/v1/devices", "application/json", strings.NewReader(`{"device_id":"dev_2"}`))
	if err != nil {
		t.Fatalf("unauthenticated register: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated register status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = adminReq(http.MethodPost, "/api/v1/devices", `{"device_id":"dev_2","name":"tablet"}`)
	var reg map[string]string
	json.NewDecoder(resp.Body).Decode(&reg)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || reg["device_token"] == "" {
		t.Fatalf("register: status=%d body=%v", resp.StatusCode, reg)
	}

	resp = adminReq(http.MethodGet, "/api/v1/devices", "")
	var devices []map[string]any
	json.NewDecoder(resp.Body).Decode(&devices)
	resp.Body.Close()
	if len(devices) != 2 {
		t.Errorf("device list = %v", devices)
	}

	// Deleting a device also discards its session.
	env.sessions.Enqueue(context.Background(), "dev_2", "lock", nil)
	resp = adminReq(http.MethodDelete, "/api/v1/devices/dev_2", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	sess, _ := env.sessions.Get(context.Background(), "dev_2")
	if sess.CmdCounter != 0 || len(sess.Pending) != 0 {
		t.Errorf("session after delete = %+v", sess)
	}

	resp = adminReq(http.MethodPost, "/api/v1/controllers", `{"label":"ci","ttl":"1h"}`)
	var key map[string]any
	json.NewDecoder(resp.Body).Decode(&key)
	resp.Body.Close()
	if k, _ := key["key"].(string); !strings.HasPrefix(k, "pk_") {
		t.Errorf("controller key = %v", key)
	}

	// Status endpoint is public.
	resp, err = client.Get(env.srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st map[string]any
	json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st["instance_id"] != "relay-test" || st["status"] != session.StatusActive {
		t.Errorf("status = %v", st)
	}
}

func TestCachedResponseEndpoint(t *testing.T) {
	env := newTestEnv(t)

	dev := connectDevice(t, env, 0)
	if m := readMsg(t, dev); m["type"] != "auth_ok" {
		t.Fatalf("auth reply = %v", m)
	}

	ctrl := connectController(t, env)
	readMsg(t, ctrl)
	writeMsg(t, ctrl, map[string]any{"cmd": "battery_status"})
	readMsg(t, ctrl) // cmd_accepted
	readMsg(t, dev)  // the command
	writeMsg(t, dev, map[string]any{"id": 1, "status": "ok", "result": map[string]any{"pct": 88}})
	readMsg(t, ctrl) // the live relay

	// A late reader can still fetch the cached response over HTTP.
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/devices/"+testDeviceID+"/responses/1", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := env.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			var m map[string]any
			json.NewDecoder(resp.Body).Decode(&m)
			resp.Body.Close()
			if m["status"] != "ok" {
				t.Errorf("cached response = %v", m)
			}
			return
		}
		resp.Body.Close()
		if time.Now().After(deadline) {
			t.Fatalf("cached response never appeared, last status %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
