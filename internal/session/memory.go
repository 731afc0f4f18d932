package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/screenwiresh/screenwire/internal/protocol"
)

// MemoryStore is the single-instance backend: sessions live in process
// memory and are lost on restart. Suitable when exactly one relay instance
// runs; multi-instance deployments use NATSStore.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*record
	responses  map[string]memoryResponse
	instances  map[string]string
	maxPending int
	respTTL    time.Duration
	now        func() time.Time
	closeCh    chan struct{}
}

type memoryResponse struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-process store. maxPending caps the per-device
// queue depth (<= 0 disables); respTTL bounds how long cached responses live.
func NewMemoryStore(maxPending int, respTTL time.Duration) *MemoryStore {
	m := &MemoryStore{
		sessions:   make(map[string]*record),
		responses:  make(map[string]memoryResponse),
		instances:  make(map[string]string),
		maxPending: maxPending,
		respTTL:    respTTL,
		now:        time.Now,
		closeCh:    make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// cleanupLoop sweeps expired cached responses so entries that are never
// fetched do not accumulate.
func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.closeCh:
			return
		}
	}
}

func (m *MemoryStore) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, r := range m.responses {
		if now.After(r.expiresAt) {
			delete(m.responses, key)
		}
	}
}

func (m *MemoryStore) session(deviceID string) *record {
	r, ok := m.sessions[deviceID]
	if !ok {
		r = &record{}
		m.sessions[deviceID] = r
	}
	return r
}

func (m *MemoryStore) Get(_ context.Context, deviceID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.sessions[deviceID]; ok {
		return r.snapshot(), nil
	}
	return Session{}, nil
}

func (m *MemoryStore) Enqueue(_ context.Context, deviceID, cmd string, params json.RawMessage) (protocol.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session(deviceID).enqueue(cmd, params, m.maxPending)
}

func (m *MemoryStore) MarkForwarded(_ context.Context, deviceID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(deviceID).markForwarded(id)
	return nil
}

func (m *MemoryStore) Ack(_ context.Context, deviceID string, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session(deviceID).ack(id), nil
}

func (m *MemoryStore) ResumeFrom(_ context.Context, deviceID string, claimed int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session(deviceID).resumeFrom(claimed), nil
}

func (m *MemoryStore) PendingAfter(_ context.Context, deviceID string, since int64) ([]protocol.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session(deviceID).pendingAfter(since), nil
}

func (m *MemoryStore) SetOwner(_ context.Context, deviceID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(deviceID).Owner = instanceID
	return nil
}

func (m *MemoryStore) ClearOwner(_ context.Context, deviceID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.sessions[deviceID]; ok && r.Owner == instanceID {
		r.Owner = ""
	}
	return nil
}

func (m *MemoryStore) SetDeviceVersion(_ context.Context, deviceID string, v *protocol.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(deviceID).Version = v
	return nil
}

func (m *MemoryStore) DeviceVersion(_ context.Context, deviceID string) (*protocol.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.sessions[deviceID]; ok {
		return r.Version, nil
	}
	return nil, nil
}

func (m *MemoryStore) PutResponse(_ context.Context, deviceID string, id int64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[responseKey(deviceID, id)] = memoryResponse{
		payload:   payload,
		expiresAt: m.now().Add(m.respTTL),
	}
	return nil
}

func (m *MemoryStore) GetResponse(_ context.Context, deviceID string, id int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := responseKey(deviceID, id)
	r, ok := m.responses[key]
	if !ok {
		return nil, ErrNotFound
	}
	if m.now().After(r.expiresAt) {
		delete(m.responses, key)
		return nil, ErrNotFound
	}
	return r.payload, nil
}

func (m *MemoryStore) SetInstanceStatus(_ context.Context, instanceID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[instanceID] = status
	return nil
}

func (m *MemoryStore) InstanceStatus(_ context.Context, instanceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.instances[instanceID]; ok {
		return s, nil
	}
	return StatusActive, nil
}

func (m *MemoryStore) Remove(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, deviceID)
	prefix := deviceID + "."
	for key := range m.responses {
		if strings.HasPrefix(key, prefix) {
			delete(m.responses, key)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	close(m.closeCh)
	return nil
}

func responseKey(deviceID string, id int64) string {
	return fmt.Sprintf("%s.%d", deviceID, id)
}
