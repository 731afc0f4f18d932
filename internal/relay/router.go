package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/screenwiresh/screenwire/internal/protocol"
	"github.com/screenwiresh/screenwire/internal/session"
)

// Router drives the command lifecycle: controller submissions are queued in
// the session store, forwarded to the device when it has a live connection,
// and resolved when the device responds or acknowledges. Commands that never
// resolve expire after the response TTL.
type Router struct {
	hub      *Hub
	sessions session.Store
	limiter  *Limiter
	notifier Notifier
	respTTL  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	waiters map[string]*time.Timer
}

func NewRouter(hub *Hub, sessions session.Store, limiter *Limiter, notifier Notifier, respTTL time.Duration, log *slog.Logger) *Router {
	return &Router{
		hub:      hub,
		sessions: sessions,
		limiter:  limiter,
		notifier: notifier,
		respTTL:  respTTL,
		log:      log,
		waiters:  make(map[string]*time.Timer),
	}
}

// Submit processes one controller submission for a device. The returned
// frame is the synchronous reply to the submitting controller: cmd_accepted
// on success, a structured error otherwise. rawLen is the size of the
// submission frame as received, checked against the payload limit.
func (rt *Router) Submit(ctx context.Context, controllerID, deviceID string, sub *protocol.ControllerCommand, rawLen int) []byte {
	if e := rt.limiter.Check(controllerID, sub.Cmd, rawLen); e != nil {
		return protocol.Marshal(e)
	}

	cmd, err := rt.sessions.Enqueue(ctx, deviceID, sub.Cmd, sub.Params)
	if err != nil {
		if errors.Is(err, session.ErrQueueFull) {
			return protocol.Marshal(protocol.NewError(protocol.CodeQueueFull, "device pending queue is full"))
		}
		rt.log.Error("enqueue failed", "device", deviceID, "err", err)
		return protocol.Marshal(protocol.NewError("", "internal error"))
	}

	// Forward immediately when the device is connected here; otherwise the
	// command stays queued and a connect notification goes out. Either way
	// the submission is accepted: queued commands replay on reconnect.
	if err := rt.hub.SendToDevice(deviceID, protocol.Marshal(cmd)); err == nil {
		if err := rt.sessions.MarkForwarded(ctx, deviceID, cmd.ID); err != nil {
			rt.log.Warn("mark forwarded failed", "device", deviceID, "id", cmd.ID, "err", err)
		}
	} else {
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.notifier.NotifyConnect(nctx, deviceID); err != nil {
				rt.log.Warn("connect notification failed", "device", deviceID, "err", err)
			}
		}()
	}

	rt.startWaiter(deviceID, cmd.ID)
	rt.log.Info("command accepted", "device", deviceID, "id", cmd.ID, "cmd", cmd.Cmd)
	return protocol.Marshal(protocol.NewCmdAccepted(cmd.ID))
}

// HandleResponse processes a device's response: cache it, relay it to the
// watching controllers, and acknowledge the command.
func (rt *Router) HandleResponse(ctx context.Context, deviceID string, resp *protocol.Response) {
	rt.stopWaiter(deviceID, resp.ID)

	frame := protocol.Marshal(resp)
	if err := rt.sessions.PutResponse(ctx, deviceID, resp.ID, frame); err != nil {
		rt.log.Warn("response cache failed", "device", deviceID, "id", resp.ID, "err", err)
	}

	// No controller connected is fine: the cached response serves a
	// controller that reconnects within the TTL.
	rt.hub.NotifyControllers(deviceID, frame)

	if _, err := rt.sessions.Ack(ctx, deviceID, resp.ID); err != nil {
		rt.log.Warn("ack failed", "device", deviceID, "id", resp.ID, "err", err)
	}
}

// HandleAck processes the shorthand acknowledgment a device sends for
// commands without a meaningful result.
func (rt *Router) HandleAck(ctx context.Context, deviceID string, id int64) {
	rt.stopWaiter(deviceID, id)
	if _, err := rt.sessions.Ack(ctx, deviceID, id); err != nil {
		rt.log.Warn("ack failed", "device", deviceID, "id", id, "err", err)
	}
}

// CachedResponse returns the cached response frame for a command id, or nil.
func (rt *Router) CachedResponse(ctx context.Context, deviceID string, id int64) []byte {
	frame, err := rt.sessions.GetResponse(ctx, deviceID, id)
	if err != nil {
		return nil
	}
	return frame
}

// startWaiter arms the expiry timer for a command. If neither a response
// nor an ack arrives within the response TTL, watching controllers get an
// error-status response; the pending entry is left alone so the command
// still replays if the device eventually reconnects.
func (rt *Router) startWaiter(deviceID string, id int64) {
	if rt.respTTL <= 0 {
		return
	}
	key := waiterKey(deviceID, id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t, ok := rt.waiters[key]; ok {
		t.Stop()
	}
	rt.waiters[key] = time.AfterFunc(rt.respTTL, func() {
		rt.mu.Lock()
		delete(rt.waiters, key)
		rt.mu.Unlock()

		rt.log.Info("command expired", "device", deviceID, "id", id, "state", protocol.StateExpired)
		rt.hub.NotifyControllers(deviceID, protocol.Marshal(protocol.Response{
			ID:     id,
			Status: "error",
			Error:  "command expired without a response",
		}))
	})
}

func (rt *Router) stopWaiter(deviceID string, id int64) {
	key := waiterKey(deviceID, id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t, ok := rt.waiters[key]; ok {
		t.Stop()
		delete(rt.waiters, key)
	}
}

// Close stops all pending expiry timers.
func (rt *Router) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for key, t := range rt.waiters {
		t.Stop()
		delete(rt.waiters, key)
	}
}

func waiterKey(deviceID string, id int64) string {
	return fmt.Sprintf("%s.%d", deviceID, id)
}
