package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/screenwiresh/screenwire/internal/protocol"
)

// Bucket names used by the shared backend.
const (
	sessionsBucket  = "sw_sessions"
	responsesBucket = "sw_responses"
	instancesBucket = "sw_instances"
)

// casRetries bounds the optimistic-concurrency retry loop. Contention on one
// device key is rare (one relay instance owns a device at a time), so a
// small bound is plenty.
const casRetries = 5

// NATSStore is the multi-instance backend: sessions live in JetStream
// KeyValue buckets shared by every relay instance. Responses go in a
// separate bucket with a TTL so they expire on their own.
type NATSStore struct {
	nc         *nats.Conn
	sessions   jetstream.KeyValue
	responses  jetstream.KeyValue
	instances  jetstream.KeyValue
	maxPending int
}

// NewNATSStore connects the buckets, creating them if missing. respTTL
// becomes the responses bucket's TTL.
func NewNATSStore(ctx context.Context, nc *nats.Conn, maxPending int, respTTL time.Duration) (*NATSStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	sessions, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: sessionsBucket})
	if err != nil {
		return nil, fmt.Errorf("creating %s bucket: %w", sessionsBucket, err)
	}
	responses, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: responsesBucket, TTL: respTTL})
	if err != nil {
		return nil, fmt.Errorf("creating %s bucket: %w", responsesBucket, err)
	}
	instances, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: instancesBucket})
	if err != nil {
		return nil, fmt.Errorf("creating %s bucket: %w", instancesBucket, err)
	}

	return &NATSStore{
		nc:         nc,
		sessions:   sessions,
		responses:  responses,
		instances:  instances,
		maxPending: maxPending,
	}, nil
}

// load reads a device's record, returning a zero record (revision 0) when
// the key does not exist yet.
func (n *NATSStore) load(ctx context.Context, deviceID string) (record, uint64, error) {
	entry, err := n.sessions.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return record{}, 0, nil
		}
		return record{}, 0, fmt.Errorf("loading session %s: %w", deviceID, err)
	}
	var rec record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return record{}, 0, fmt.Errorf("decoding session %s: %w", deviceID, err)
	}
	return rec, entry.Revision(), nil
}

// mutate applies fn to a device's record under optimistic concurrency:
// read-modify-write pinned to the entry revision, retried on conflict.
func (n *NATSStore) mutate(ctx context.Context, deviceID string, fn func(*record) error) (record, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return record{}, err
		}

		rec, rev, err := n.load(ctx, deviceID)
		if err != nil {
			return record{}, err
		}
		if err := fn(&rec); err != nil {
			return rec, err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return rec, fmt.Errorf("encoding session %s: %w", deviceID, err)
		}

		if rev == 0 {
			_, err = n.sessions.Create(ctx, deviceID, data)
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, jetstream.ErrKeyExists) {
				return rec, fmt.Errorf("creating session %s: %w", deviceID, err)
			}
		} else {
			_, err = n.sessions.Update(ctx, deviceID, data, rev)
			if err == nil {
				return rec, nil
			}
		}
		lastErr = err
	}
	return record{}, fmt.Errorf("session %s: update contention: %w", deviceID, lastErr)
}

func (n *NATSStore) Get(ctx context.Context, deviceID string) (Session, error) {
	rec, _, err := n.load(ctx, deviceID)
	if err != nil {
		return Session{}, err
	}
	return rec.snapshot(), nil
}

func (n *NATSStore) Enqueue(ctx context.Context, deviceID, cmd string, params json.RawMessage) (protocol.Command, error) {
	var out protocol.Command
	_, err := n.mutate(ctx, deviceID, func(r *record) error {
		c, err := r.enqueue(cmd, params, n.maxPending)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (n *NATSStore) MarkForwarded(ctx context.Context, deviceID string, id int64) error {
	_, err := n.mutate(ctx, deviceID, func(r *record) error {
		r.markForwarded(id)
		return nil
	})
	return err
}

func (n *NATSStore) Ack(ctx context.Context, deviceID string, id int64) (int64, error) {
	rec, err := n.mutate(ctx, deviceID, func(r *record) error {
		r.ack(id)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rec.LastAck, nil
}

func (n *NATSStore) ResumeFrom(ctx context.Context, deviceID string, claimed int64) (int64, error) {
	rec, err := n.mutate(ctx, deviceID, func(r *record) error {
		r.resumeFrom(claimed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rec.LastAck, nil
}

func (n *NATSStore) PendingAfter(ctx context.Context, deviceID string, since int64) ([]protocol.Command, error) {
	rec, _, err := n.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return rec.pendingAfter(since), nil
}

func (n *NATSStore) SetOwner(ctx context.Context, deviceID, instanceID string) error {
	_, err := n.mutate(ctx, deviceID, func(r *record) error {
		r.Owner = instanceID
		return nil
	})
	return err
}

func (n *NATSStore) ClearOwner(ctx context.Context, deviceID, instanceID string) error {
	_, err := n.mutate(ctx, deviceID, func(r *record) error {
		if r.Owner == instanceID {
			r.Owner = ""
		}
		return nil
	})
	return err
}

func (n *NATSStore) SetDeviceVersion(ctx context.Context, deviceID string, v *protocol.Version) error {
	_, err := n.mutate(ctx, deviceID, func(r *record) error {
		r.Version = v
		return nil
	})
	return err
}

func (n *NATSStore) DeviceVersion(ctx context.Context, deviceID string) (*protocol.Version, error) {
	rec, _, err := n.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return rec.Version, nil
}

func (n *NATSStore) PutResponse(ctx context.Context, deviceID string, id int64, payload []byte) error {
	_, err := n.responses.Put(ctx, responseKey(deviceID, id), payload)
	return err
}

func (n *NATSStore) GetResponse(ctx context.Context, deviceID string, id int64) ([]byte, error) {
	entry, err := n.responses.Get(ctx, responseKey(deviceID, id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry.Value(), nil
}

func (n *NATSStore) SetInstanceStatus(ctx context.Context, instanceID, status string) error {
	_, err := n.instances.Put(ctx, instanceID, []byte(status))
	return err
}

func (n *NATSStore) InstanceStatus(ctx context.Context, instanceID string) (string, error) {
	entry, err := n.instances.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return StatusActive, nil
		}
		return "", err
	}
	return string(entry.Value()), nil
}

func (n *NATSStore) Remove(ctx context.Context, deviceID string) error {
	if err := n.sessions.Purge(ctx, deviceID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (n *NATSStore) Close() error {
	n.nc.Close()
	return nil
}
