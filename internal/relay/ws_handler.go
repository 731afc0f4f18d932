package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/screenwiresh/screenwire/internal/auth"
	"github.com/screenwiresh/screenwire/internal/config"
	"github.com/screenwiresh/screenwire/internal/protocol"
	"github.com/screenwiresh/screenwire/internal/session"
	"github.com/screenwiresh/screenwire/internal/store"
)

// Handler owns the websocket endpoint shared by devices and controllers.
// Every connection starts with an auth message; the declared role decides
// which serve loop the connection enters.
type Handler struct {
	hub        *Hub
	router     *Router
	sessions   session.Store
	registry   store.Store
	verifier   auth.Verifier
	hb         config.HeartbeatConfig
	maxPayload int64
	instanceID string
	draining   atomic.Bool
	log        *slog.Logger
}

func NewHandler(hub *Hub, router *Router, sessions session.Store, registry store.Store, verifier auth.Verifier, cfg *config.Config, log *slog.Logger) *Handler {
	return &Handler{
		hub:        hub,
		router:     router,
		sessions:   sessions,
		registry:   registry,
		verifier:   verifier,
		hb:         cfg.Heartbeat,
		maxPayload: int64(cfg.Limits.MaxPayloadBytes),
		instanceID: cfg.Relay.InstanceID,
		log:        log,
	}
}

// RegisterWSHandler adds GET /ws to mux.
func RegisterWSHandler(mux *http.ServeMux, h *Handler) {
	mux.HandleFunc("GET /ws", h.handleWS)
}

// Drain flips this instance into draining: the status is persisted for the
// discovery collaborator, new connections are rejected, and every live
// connection is closed so peers reconnect elsewhere. Sessions are untouched.
func (h *Handler) Drain(ctx context.Context) error {
	h.draining.Store(true)
	if err := h.sessions.SetInstanceStatus(ctx, h.instanceID, session.StatusDraining); err != nil {
		return err
	}
	h.hub.CloseAll()
	h.log.Info("draining", "instance", h.instanceID)
	return nil
}

func (h *Handler) Draining() bool { return h.draining.Load() }

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin check done by credential auth
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()
	if h.maxPayload > 0 {
		ws.SetReadLimit(h.maxPayload)
	}

	if h.draining.Load() {
		writeFrame(r.Context(), ws, protocol.Marshal(protocol.NewError(protocol.CodeDraining, "instance is draining, reconnect elsewhere")))
		return
	}

	// The first frame must be auth, within the auth deadline.
	authCtx, cancel := context.WithTimeout(r.Context(), h.hb.AuthTimeout.Duration)
	_, data, err := ws.Read(authCtx)
	cancel()
	if err != nil {
		return
	}
	msg, err := protocol.ParsePeerMessage(data)
	if err != nil || msg.Auth == nil {
		writeFrame(r.Context(), ws, protocol.Marshal(protocol.NewAuthFail("expected auth message")))
		return
	}
	a := msg.Auth

	claimed := a.DeviceID
	if a.Role == protocol.RoleController {
		claimed = ""
	}
	verdict, err := h.verifier.Verify(r.Context(), a.Credential, claimed, a.Role)
	if err != nil {
		h.log.Error("credential verification failed", "role", a.Role, "err", err)
		writeFrame(r.Context(), ws, protocol.Marshal(protocol.NewAuthFail("verification unavailable")))
		return
	}
	if !verdict.Authorized {
		h.log.Info("auth rejected", "role", a.Role, "device", a.DeviceID)
		writeFrame(r.Context(), ws, protocol.Marshal(protocol.NewAuthFail("invalid credentials")))
		return
	}

	if frame := h.versionGate(r.Context(), a); frame != nil {
		writeFrame(r.Context(), ws, frame)
		return
	}

	switch a.Role {
	case protocol.RoleDevice:
		h.serveDevice(r.Context(), ws, a, verdict.ResolvedIdentity)
	case protocol.RoleController:
		h.serveController(r.Context(), ws, a, verdict.ResolvedIdentity)
	}
}

// versionGate checks the declared version against the supported ranges. For
// controllers, the target device's stored version is checked too, so an SDK
// learns up front that the remote side needs updating. Returns the error
// frame to send, or nil when compatible.
func (h *Handler) versionGate(ctx context.Context, a *protocol.Auth) []byte {
	ownErr := protocol.CheckVersion(a.Version)

	if a.Role == protocol.RoleDevice {
		if ownErr != nil {
			return protocol.Marshal(protocol.NewError(protocol.CodeOutdatedClient, ownErr.Error()))
		}
		return nil
	}

	deviceVer, err := h.sessions.DeviceVersion(ctx, a.TargetDeviceID)
	if err != nil {
		h.log.Warn("device version lookup failed", "device", a.TargetDeviceID, "err", err)
	}
	remoteErr := protocol.CheckVersion(deviceVer)

	switch {
	case ownErr != nil && remoteErr != nil:
		return protocol.Marshal(protocol.NewError(protocol.CodeBothOutdated, "both this client and the target device need updating"))
	case ownErr != nil:
		return protocol.Marshal(protocol.NewError(protocol.CodeOutdatedClient, ownErr.Error()))
	case remoteErr != nil:
		return protocol.Marshal(protocol.NewError(protocol.CodeOutdatedRemote, remoteErr.Error()))
	}
	return nil
}

// pumpPeer runs the shared write and read loops for an authenticated peer.
// The write loop drains send and emits pings; the read loop parses inbound
// frames, tracks pongs, and hands the rest to onMessage. Returns when the
// connection dies or ctx is cancelled.
func (h *Handler) pumpPeer(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, send <-chan []byte, onMessage func(msg *protocol.PeerMessage, rawLen int)) {
	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())

	go func() {
		defer cancel()
		ping := time.NewTicker(h.hb.PingInterval.Duration)
		defer ping.Stop()
		for {
			select {
			case frame, ok := <-send:
				if !ok {
					return
				}
				if err := writeFrame(ctx, ws, frame); err != nil {
					return
				}
			case <-ping.C:
				if time.Duration(time.Now().UnixNano()-lastPong.Load()) > h.hb.PongTimeout.Duration {
					return
				}
				if err := writeFrame(ctx, ws, protocol.Marshal(protocol.NewPing())); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			cancel()
			return
		}
		// Any inbound frame proves liveness, not just pongs.
		lastPong.Store(time.Now().UnixNano())
		msg, err := protocol.ParsePeerMessage(data)
		if err != nil {
			h.log.Debug("dropping unparseable frame", "err", err)
			continue
		}
		if msg.Pong {
			continue
		}
		onMessage(msg, len(data))
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, frame)
}
