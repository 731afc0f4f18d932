package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/screenwiresh/screenwire/internal/config"
	"github.com/screenwiresh/screenwire/internal/protocol"
)

// serveController runs an authenticated controller connection: report
// whether the target device is reachable, wake it if not, then accept
// submissions and relay device events until the connection dies.
func (h *Handler) serveController(ctx context.Context, ws *websocket.Conn, a *protocol.Auth, controllerID string) {
	target := a.TargetDeviceID
	if err := config.ValidateIdentity(target); err != nil {
		writeFrame(ctx, ws, protocol.Marshal(protocol.NewAuthFail("valid target_device_id required")))
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := make(chan []byte, 64)
	connID := uuid.NewString()

	connected := h.hub.DeviceConnected(target)
	h.hub.RegisterController(target, connID, send, cancel)
	defer h.hub.UnregisterController(target, connID)

	if err := writeFrame(connCtx, ws, protocol.Marshal(protocol.NewAuthOKController(connected))); err != nil {
		return
	}

	// An offline target gets a wake-up; commands submitted meanwhile queue
	// and replay when it comes back.
	if !connected {
		go func() {
			nctx, ncancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer ncancel()
			if err := h.router.notifier.NotifyConnect(nctx, target); err != nil {
				h.log.Warn("connect notification failed", "device", target, "err", err)
			}
		}()
	}

	h.log.Info("controller connected", "target", target, "device_connected", connected)
	defer h.log.Info("controller disconnected", "target", target)

	h.pumpPeer(connCtx, cancel, ws, send, func(msg *protocol.PeerMessage, rawLen int) {
		if msg.Command == nil {
			return
		}
		reply := h.router.Submit(connCtx, controllerID, target, msg.Command, rawLen)
		select {
		case send <- reply:
		default:
		}
	})
}
