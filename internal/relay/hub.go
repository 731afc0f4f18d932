package relay

import (
	"context"
	"fmt"
	"sync"
)

// Hub tracks live websocket connections on this instance: at most one device
// connection per device id, plus any number of controllers watching each
// device. The hub is in-memory and instance-local; durable session state
// lives in the session store.
type Hub struct {
	mu          sync.RWMutex
	devices     map[string]*hubConn
	controllers map[string]map[string]*hubConn // target device id -> conn id -> conn
}

// hubConn is one registered peer connection. Frames written to send are
// relayed to the peer by its write loop; cancel tears the connection down.
type hubConn struct {
	connID string
	send   chan<- []byte
	cancel context.CancelFunc
}

func NewHub() *Hub {
	return &Hub{
		devices:     make(map[string]*hubConn),
		controllers: make(map[string]map[string]*hubConn),
	}
}

// RegisterDevice registers a device connection, displacing any previous
// connection for the same device id (the old one is cancelled and closes
// itself). Returns whether a previous connection was replaced.
func (h *Hub) RegisterDevice(deviceID, connID string, send chan<- []byte, cancel context.CancelFunc) bool {
	h.mu.Lock()
	old := h.devices[deviceID]
	h.devices[deviceID] = &hubConn{connID: connID, send: send, cancel: cancel}
	h.mu.Unlock()

	if old != nil {
		old.cancel()
		return true
	}
	return false
}

// UnregisterDevice removes a device connection, but only if connID still
// identifies the registered connection. A connection displaced by a newer
// one unregisters as a no-op, so the replacement stays registered. Returns
// whether the caller was the current connection.
func (h *Hub) UnregisterDevice(deviceID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.devices[deviceID]; ok && c.connID == connID {
		delete(h.devices, deviceID)
		return true
	}
	return false
}

// DeviceConnected reports whether the device has a live connection on this
// instance.
func (h *Hub) DeviceConnected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.devices[deviceID]
	return ok
}

// SendToDevice queues a frame for the device. Returns an error if the device
// is not connected here or its send buffer is full.
func (h *Hub) SendToDevice(deviceID string, frame []byte) error {
	h.mu.RLock()
	c, ok := h.devices[deviceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("device %q not connected", deviceID)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("device %q send buffer full", deviceID)
	}
}

func (h *Hub) RegisterController(targetDeviceID, connID string, send chan<- []byte, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.controllers[targetDeviceID]
	if !ok {
		m = make(map[string]*hubConn)
		h.controllers[targetDeviceID] = m
	}
	m[connID] = &hubConn{connID: connID, send: send, cancel: cancel}
}

func (h *Hub) UnregisterController(targetDeviceID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.controllers[targetDeviceID]; ok {
		delete(m, connID)
		if len(m) == 0 {
			delete(h.controllers, targetDeviceID)
		}
	}
}

// NotifyControllers fans a frame out to every controller watching the
// device. Controllers with a full send buffer are skipped rather than
// blocked on.
func (h *Hub) NotifyControllers(targetDeviceID string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.controllers[targetDeviceID] {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// CloseAll cancels every registered connection. Used by the drain
// controller; peers observe a close and reconnect elsewhere.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.devices {
		c.cancel()
	}
	for _, m := range h.controllers {
		for _, c := range m {
			c.cancel()
		}
	}
}

// Counts returns the number of connected devices and controllers.
func (h *Hub) Counts() (devices, controllers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	devices = len(h.devices)
	for _, m := range h.controllers {
		controllers += len(m)
	}
	return devices, controllers
}
