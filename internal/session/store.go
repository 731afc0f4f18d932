// Package session holds the durable per-device state the relay needs to
// survive disconnects: the pending command queue, the acknowledgment
// watermark, the command-id counter, and instance ownership. Two backends
// implement the same Store interface: an in-process map for single-instance
// deployments and a NATS JetStream KeyValue store shared across instances.
package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/screenwiresh/screenwire/internal/protocol"
)

// Instance statuses consulted by the discovery collaborator.
const (
	StatusActive   = "active"
	StatusDraining = "draining"
)

var (
	// ErrQueueFull is returned by Enqueue when the device's pending queue
	// has reached its depth limit. The command is not queued.
	ErrQueueFull = errors.New("session: pending queue full")

	// ErrNotFound is returned by GetResponse when no cached response exists
	// for the requested command id.
	ErrNotFound = errors.New("session: not found")
)

// Session is a read-only snapshot of a device's durable state. Sessions are
// created lazily and survive connection loss; only Remove discards one.
type Session struct {
	Owner      string
	LastAck    int64
	CmdCounter int64
	Version    *protocol.Version
	Pending    []protocol.Command
}

// Store is the session storage boundary. All methods are safe for concurrent
// use; mutations for one device are linearized by the backend.
type Store interface {
	// Get returns the session snapshot for a device, zero-valued if none
	// exists yet.
	Get(ctx context.Context, deviceID string) (Session, error)

	// Enqueue allocates the next command id for the device and appends the
	// command to its pending queue in the queued state.
	Enqueue(ctx context.Context, deviceID, cmd string, params json.RawMessage) (protocol.Command, error)

	// MarkForwarded records that a queued command was written to a live
	// device connection.
	MarkForwarded(ctx context.Context, deviceID string, id int64) error

	// Ack marks a command acknowledged. The watermark only advances across
	// the contiguous acknowledged prefix of the queue; acked commands behind
	// an unacked one stay pending until the gap closes. Returns the new
	// watermark.
	Ack(ctx context.Context, deviceID string, id int64) (int64, error)

	// ResumeFrom reconciles a device's claimed watermark on reconnect. A
	// claim above the stored watermark is trusted and prunes the queue, but
	// never past the allocated counter. Returns the effective watermark.
	ResumeFrom(ctx context.Context, deviceID string, claimed int64) (int64, error)

	// PendingAfter returns pending commands with id > since, ascending.
	PendingAfter(ctx context.Context, deviceID string, since int64) ([]protocol.Command, error)

	// SetOwner records which relay instance holds the device connection.
	SetOwner(ctx context.Context, deviceID, instanceID string) error

	// ClearOwner removes the ownership record, but only if instanceID still
	// owns it — a stale disconnect never clobbers a newer connection's
	// registration.
	ClearOwner(ctx context.Context, deviceID, instanceID string) error

	// SetDeviceVersion captures the version a device declared at auth time,
	// for the controller-side compatibility check.
	SetDeviceVersion(ctx context.Context, deviceID string, v *protocol.Version) error
	DeviceVersion(ctx context.Context, deviceID string) (*protocol.Version, error)

	// PutResponse caches a device response with expiry so controllers that
	// reconnect shortly after can still retrieve it.
	PutResponse(ctx context.Context, deviceID string, id int64, payload []byte) error
	GetResponse(ctx context.Context, deviceID string, id int64) ([]byte, error)

	// SetInstanceStatus persists an instance's status (active or draining).
	SetInstanceStatus(ctx context.Context, instanceID, status string) error
	InstanceStatus(ctx context.Context, instanceID string) (string, error)

	// Remove discards a device's session entirely. This is the only way a
	// session dies; disconnects never call it.
	Remove(ctx context.Context, deviceID string) error

	Close() error
}

// storedCommand is the serializable form of a pending command. Unlike the
// wire Command, the state travels with it.
type storedCommand struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
	State  string          `json:"state"`
}

// record is the durable per-device state shared by both backends.
type record struct {
	Owner      string            `json:"owner,omitempty"`
	LastAck    int64             `json:"last_ack"`
	CmdCounter int64             `json:"cmd_counter"`
	Version    *protocol.Version `json:"version,omitempty"`
	Pending    []storedCommand   `json:"pending,omitempty"`
}

func (r *record) snapshot() Session {
	s := Session{
		Owner:      r.Owner,
		LastAck:    r.LastAck,
		CmdCounter: r.CmdCounter,
		Version:    r.Version,
	}
	for _, c := range r.Pending {
		s.Pending = append(s.Pending, protocol.Command{ID: c.ID, Cmd: c.Cmd, Params: c.Params, State: c.State})
	}
	return s
}

// enqueue allocates the next id and appends. maxPending <= 0 disables the
// depth limit.
func (r *record) enqueue(cmd string, params json.RawMessage, maxPending int) (protocol.Command, error) {
	if maxPending > 0 && len(r.Pending) >= maxPending {
		return protocol.Command{}, ErrQueueFull
	}
	r.CmdCounter++
	c := storedCommand{ID: r.CmdCounter, Cmd: cmd, Params: params, State: protocol.StateQueued}
	r.Pending = append(r.Pending, c)
	return protocol.Command{ID: c.ID, Cmd: c.Cmd, Params: c.Params, State: c.State}, nil
}

func (r *record) markForwarded(id int64) {
	for i := range r.Pending {
		if r.Pending[i].ID == id && r.Pending[i].State == protocol.StateQueued {
			r.Pending[i].State = protocol.StateForwarded
			return
		}
	}
}

// ack marks id completed, then advances the watermark across the contiguous
// completed prefix, pruning it from the queue.
func (r *record) ack(id int64) int64 {
	for i := range r.Pending {
		if r.Pending[i].ID == id {
			r.Pending[i].State = protocol.StateCompleted
			break
		}
	}
	for len(r.Pending) > 0 && r.Pending[0].State == protocol.StateCompleted {
		r.LastAck = r.Pending[0].ID
		r.Pending = r.Pending[1:]
	}
	return r.LastAck
}

// resumeFrom trusts a claimed watermark above the stored one, bounded by the
// allocated counter so a device can never ack ids that were never issued.
func (r *record) resumeFrom(claimed int64) int64 {
	if claimed > r.LastAck {
		if claimed > r.CmdCounter {
			claimed = r.CmdCounter
		}
		r.LastAck = claimed
		kept := r.Pending[:0]
		for _, c := range r.Pending {
			if c.ID > claimed {
				kept = append(kept, c)
			}
		}
		r.Pending = kept
	}
	return r.LastAck
}

func (r *record) pendingAfter(since int64) []protocol.Command {
	var out []protocol.Command
	for _, c := range r.Pending {
		if c.ID > since {
			out = append(out, protocol.Command{ID: c.ID, Cmd: c.Cmd, Params: c.Params, State: c.State})
		}
	}
	return out
}
