package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/screenwiresh/screenwire/internal/auth"
	"github.com/screenwiresh/screenwire/internal/config"
	"github.com/screenwiresh/screenwire/internal/session"
	"github.com/screenwiresh/screenwire/internal/store"
)

// RunRelay starts the relay server using the configuration in dataDir. It
// blocks until ctx is cancelled, then drains and shuts down.
func RunRelay(ctx context.Context, dataDir string) error {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}
	log := slog.Default()

	registry, err := store.NewSQLiteStore(dataDir)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer registry.Close()

	var verifier auth.Verifier
	switch cfg.Relay.AuthMode {
	case "remote":
		verifier = auth.NewRemoteVerifier(cfg.Relay.VerifyURL)
	default:
		verifier = auth.NewStoreVerifier(registry)
	}

	var sessions session.Store
	switch cfg.Sessions.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.Sessions.NATSURL,
			nats.Name("screenwire-"+cfg.Relay.InstanceID),
			nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		sessions, err = session.NewNATSStore(ctx, nc, cfg.Sessions.MaxPending, cfg.Sessions.ResponseTTL.Duration)
		if err != nil {
			nc.Close()
			return fmt.Errorf("opening session store: %w", err)
		}
	default:
		sessions = session.NewMemoryStore(cfg.Sessions.MaxPending, cfg.Sessions.ResponseTTL.Duration)
	}
	defer sessions.Close()

	var notifier Notifier = NoopNotifier{}
	if cfg.Relay.PushURL != "" {
		notifier = NewHTTPNotifier(cfg.Relay.PushURL, cfg.Relay.PublicURL, log)
	}

	hub := NewHub()
	router := NewRouter(hub, sessions, NewLimiter(cfg.Limits), notifier, cfg.Sessions.ResponseTTL.Duration, log)
	defer router.Close()
	handler := NewHandler(hub, router, sessions, registry, verifier, cfg, log)

	if err := sessions.SetInstanceStatus(ctx, cfg.Relay.InstanceID, session.StatusActive); err != nil {
		return fmt.Errorf("publishing instance status: %w", err)
	}

	mux := BuildMux(handler, hub, router, registry, sessions, cfg)
	srv := &http.Server{Addr: cfg.Relay.Listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", cfg.Relay.Listen, "instance", cfg.Relay.InstanceID, "backend", cfg.Sessions.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		handler.Drain(shutCtx)
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// BuildMux assembles the HTTP surface: the websocket endpoint, the health
// and status probes, and the admin API.
func BuildMux(h *Handler, hub *Hub, rt *Router, registry store.Store, sessions session.Store, cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	RegisterWSHandler(mux, h)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", statusHandler(h, hub, cfg.Relay.InstanceID, cfg.Relay.PublicURL))

	admin := adminMiddleware(cfg.Relay.AdminToken)

	mux.Handle("POST /api/v1/drain", admin(drainHandler(h)))

	mux.Handle("POST /api/v1/devices", admin(deviceRegisterHandler(registry)))
	mux.Handle("GET /api/v1/devices", admin(devicesListHandler(registry, hub)))
	mux.Handle("DELETE /api/v1/devices/{id}", admin(deviceDeleteHandler(registry, sessions)))
	mux.Handle("GET /api/v1/devices/{id}/responses/{cmd}", admin(responseGetHandler(rt)))

	mux.Handle("POST /api/v1/controllers", admin(controllerKeyCreateHandler(registry)))
	mux.Handle("DELETE /api/v1/controllers/{key}", admin(controllerKeyDeleteHandler(registry)))

	return mux
}

// adminMiddleware gates the admin API behind a bearer token. An empty
// configured token disables the admin API entirely.
func adminMiddleware(token string) func(http.HandlerFunc) http.Handler {
	return func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "admin api disabled", http.StatusForbidden)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		})
	}
}

// --- Status ---

func statusHandler(h *Handler, hub *Hub, instanceID, relayAddress string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := session.StatusActive
		if h.Draining() {
			status = session.StatusDraining
		}
		devices, controllers := hub.Counts()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"instance_id":   instanceID,
			"status":        status,
			"relay_address": relayAddress,
			"devices":       devices,
			"controllers":   controllers,
		})
	}
}

// --- Drain ---

func drainHandler(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.Drain(r.Context()); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": session.StatusDraining})
	}
}

// --- Device Provisioning ---

func deviceRegisterHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceID string `json:"device_id"`
			Name     string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
			http.Error(w, "device_id required", http.StatusBadRequest)
			return
		}
		if err := config.ValidateIdentity(req.DeviceID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		token, err := auth.GenerateToken()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		now := time.Now().UTC()
		rec := store.DeviceRecord{
			DeviceID:     req.DeviceID,
			Name:         req.Name,
			Token:        token,
			AuthorizedAt: now,
			LastSeenAt:   now,
		}
		if err := st.DeviceRegister(r.Context(), rec); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":       "registered",
			"device_id":    req.DeviceID,
			"device_token": token,
		})
	}
}

type deviceResponse struct {
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func devicesListHandler(st store.Store, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices, err := st.DeviceList(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		resp := make([]deviceResponse, 0, len(devices))
		for _, d := range devices {
			resp = append(resp, deviceResponse{
				DeviceID:   d.DeviceID,
				Name:       d.Name,
				Connected:  hub.DeviceConnected(d.DeviceID),
				LastSeenAt: d.LastSeenAt,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func deviceDeleteHandler(st store.Store, sessions session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		d, err := st.DeviceGet(r.Context(), id)
		if err != nil || d == nil {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}

		if err := st.DeviceDelete(r.Context(), id); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		// Deprovisioning is the one path that discards session state.
		if err := sessions.Remove(r.Context(), id); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status": "revoked",
			"device": id,
		})
	}
}

// --- Cached Responses ---

func responseGetHandler(rt *Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var cmdID int64
		if _, err := fmt.Sscanf(r.PathValue("cmd"), "%d", &cmdID); err != nil {
			http.Error(w, "bad command id", http.StatusBadRequest)
			return
		}

		frame := rt.CachedResponse(r.Context(), id, cmdID)
		if frame == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(frame)
	}
}

// --- Controller Keys ---

func controllerKeyCreateHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Label string `json:"label"`
			TTL   string `json:"ttl"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		var expires time.Time
		if req.TTL != "" {
			ttl, err := time.ParseDuration(req.TTL)
			if err != nil {
				http.Error(w, "invalid ttl", http.StatusBadRequest)
				return
			}
			expires = time.Now().UTC().Add(ttl)
		}

		token, err := auth.GenerateToken()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		key := store.ControllerKey{
			Key:       "pk_" + token,
			Label:     req.Label,
			CreatedAt: time.Now().UTC(),
			ExpiresAt: expires,
		}
		if err := st.ControllerKeyCreate(r.Context(), key); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(key)
	}
}

func controllerKeyDeleteHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.ControllerKeyDelete(r.Context(), r.PathValue("key")); err != nil {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
