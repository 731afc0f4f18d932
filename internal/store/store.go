// Package store provides the relay's credential registry: provisioned
// devices and controller API keys. The default implementation uses SQLite
// (pure Go, no CGO). It backs the store-mode auth verifier and the admin
// HTTP API; durable routing state lives in the session package, not here.
package store

import (
	"context"
	"time"
)

// DeviceRecord is a provisioned device. DeviceID is the opaque routing key
// the device presents at auth; Token is its bearer credential.
type DeviceRecord struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	Token        string    `json:"token"`
	AuthorizedAt time.Time `json:"authorized_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// ControllerKey is a bearer credential for controllers (SDKs, agents).
// A zero ExpiresAt means the key never expires.
type ControllerKey struct {
	Key       string    `json:"key"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Store is the credential registry interface. All methods are safe for
// concurrent use.
type Store interface {
	// Devices.
	DeviceRegister(ctx context.Context, d DeviceRecord) error
	DeviceList(ctx context.Context) ([]DeviceRecord, error)
	DeviceGet(ctx context.Context, deviceID string) (*DeviceRecord, error)
	DeviceGetByToken(ctx context.Context, token string) (*DeviceRecord, error)
	DeviceDelete(ctx context.Context, deviceID string) error
	DeviceUpdateLastSeen(ctx context.Context, deviceID string) error

	// Controller keys.
	ControllerKeyCreate(ctx context.Context, k ControllerKey) error
	ControllerKeyGet(ctx context.Context, key string) (*ControllerKey, error)
	ControllerKeyDelete(ctx context.Context, key string) error

	// Close releases resources (e.g. closes the database).
	Close() error
}
