package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/screenwiresh/screenwire/internal/config"
	"github.com/screenwiresh/screenwire/internal/protocol"
)

// serveDevice runs an authenticated device connection: reconcile the
// session, register in the hub (displacing any previous connection for the
// same device), replay unacknowledged commands, then pump frames until the
// connection dies.
func (h *Handler) serveDevice(ctx context.Context, ws *websocket.Conn, a *protocol.Auth, deviceID string) {
	if err := config.ValidateIdentity(deviceID); err != nil {
		writeFrame(ctx, ws, protocol.Marshal(protocol.NewAuthFail(err.Error())))
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resume, err := h.sessions.ResumeFrom(connCtx, deviceID, a.LastAck)
	if err != nil {
		h.log.Error("session resume failed", "device", deviceID, "err", err)
		writeFrame(ctx, ws, protocol.Marshal(protocol.NewAuthFail("session unavailable")))
		return
	}
	if err := h.sessions.SetDeviceVersion(connCtx, deviceID, a.Version); err != nil {
		h.log.Warn("version record failed", "device", deviceID, "err", err)
	}

	send := make(chan []byte, 64)
	connID := uuid.NewString()
	if h.hub.RegisterDevice(deviceID, connID, send, cancel) {
		h.log.Info("device connection replaced", "device", deviceID)
	}
	defer func() {
		// A displaced connection unregisters as a no-op; only the current
		// one clears ownership and announces the disconnect.
		if h.hub.UnregisterDevice(deviceID, connID) {
			clearCtx, clearCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer clearCancel()
			if err := h.sessions.ClearOwner(clearCtx, deviceID, h.instanceID); err != nil {
				h.log.Warn("owner clear failed", "device", deviceID, "err", err)
			}
			h.hub.NotifyControllers(deviceID, protocol.Marshal(protocol.NewDeviceStatus(false)))
			h.log.Info("device disconnected", "device", deviceID)
		}
	}()

	if err := h.sessions.SetOwner(connCtx, deviceID, h.instanceID); err != nil {
		h.log.Warn("owner record failed", "device", deviceID, "err", err)
	}
	if h.registry != nil {
		_ = h.registry.DeviceUpdateLastSeen(connCtx, deviceID)
	}

	if err := writeFrame(connCtx, ws, protocol.Marshal(protocol.NewAuthOKDevice(resume))); err != nil {
		return
	}

	// Replay everything still pending above the effective watermark, in
	// ascending id order. A submission racing this snapshot can land in the
	// send channel and in the replay, so a command may reach the device
	// twice; ids make redelivery idempotent on the device side, and the
	// single ack resolves both copies.
	pending, err := h.sessions.PendingAfter(connCtx, deviceID, resume)
	if err != nil {
		h.log.Error("pending lookup failed", "device", deviceID, "err", err)
		return
	}
	for _, cmd := range pending {
		if err := writeFrame(connCtx, ws, protocol.Marshal(cmd)); err != nil {
			return
		}
		if err := h.sessions.MarkForwarded(connCtx, deviceID, cmd.ID); err != nil {
			h.log.Warn("mark forwarded failed", "device", deviceID, "id", cmd.ID, "err", err)
		}
	}

	h.hub.NotifyControllers(deviceID, protocol.Marshal(protocol.NewDeviceStatus(true)))
	h.log.Info("device connected", "device", deviceID, "resume_from", resume, "replayed", len(pending))

	h.pumpPeer(connCtx, cancel, ws, send, func(msg *protocol.PeerMessage, _ int) {
		switch {
		case msg.Response != nil:
			h.router.HandleResponse(connCtx, deviceID, msg.Response)
		case msg.Ack != nil:
			h.router.HandleAck(connCtx, deviceID, msg.Ack.Ack)
		}
	})
}
