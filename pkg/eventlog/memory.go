package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process reference implementation of Log. It mirrors the
// SQL implementation's semantics (validation, checksum, per-entity
// recorded_at monotonicity) and is used for tests and embedded setups.
type Memory struct {
	mu      sync.RWMutex
	events  []*Event
	byID    map[string]*Event
	lastAt  map[string]time.Time // per (tenant, entity_type, entity_id)
	seq     uint64
	alert   AlertFunc
	nowFunc func() time.Time
}

// NewMemory creates an empty in-memory event log.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		byID:    make(map[string]*Event),
		lastAt:  make(map[string]time.Time),
		alert:   LogAlert,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MemoryOption configures a Memory log.
type MemoryOption func(*Memory)

// WithMemoryAlert overrides the integrity alert hook.
func WithMemoryAlert(alert AlertFunc) MemoryOption {
	return func(m *Memory) {
		if alert != nil {
			m.alert = alert
		}
	}
}

// WithMemoryClock overrides the clock, for deterministic tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.nowFunc = now
		}
	}
}

func entityKey(tenantID, entityType, entityID string) string {
	return tenantID + "\x00" + entityType + "\x00" + entityID
}

// Append validates, checksums, and commits the draft as a new immutable event.
func (m *Memory) Append(ctx context.Context, d Draft) (*Event, error) {
	if err := d.Normalize(); err != nil {
		return nil, err
	}
	checksum, err := d.Checksum()
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not canonicalizable: %v", ErrValidation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// recorded_at must be monotonic within one entity's timeline and
	// consistent with commit order.
	key := entityKey(d.TenantID, d.EntityType, d.EntityID)
	now := m.nowFunc().UTC()
	if last, ok := m.lastAt[key]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	m.lastAt[key] = now
	m.seq++

	evt := &Event{
		ID:         uuid.New().String(),
		EventType:  d.EventType,
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		ActorType:  d.ActorType,
		ActorID:    d.ActorID,
		TenantID:   d.TenantID,
		Metadata:   copyMetadata(d.Metadata),
		Checksum:   checksum,
		RecordedAt: now,
		Seq:        m.seq,
	}
	m.events = append(m.events, evt)
	m.byID[evt.ID] = evt

	return cloneEvent(evt), nil
}

// Get retrieves a stored event by id.
func (m *Memory) Get(ctx context.Context, eventID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evt, ok := m.byID[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return cloneEvent(evt), nil
}

// VerifyIntegrity recomputes the checksum over the stored fields and
// compares it to the stored value. Always reads the authoritative record,
// never a cache.
func (m *Memory) VerifyIntegrity(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	evt, ok := m.byID[eventID]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}

	computed, err := evt.draft().Checksum()
	if err != nil {
		return false, fmt.Errorf("recompute checksum for %s: %w", eventID, err)
	}
	if computed != evt.Checksum {
		ie := &IntegrityError{EventID: eventID, StoredChecksum: evt.Checksum, ComputedChecksum: computed}
		m.alert(ctx, ie)
		return false, ie
	}
	return true, nil
}

// Timeline returns the tenant-scoped event history of one entity in commit
// order.
func (m *Memory) Timeline(ctx context.Context, tenantID, entityType, entityID string) ([]*Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0)
	for _, evt := range m.events {
		if evt.TenantID == tenantID && evt.EntityType == entityType && evt.EntityID == entityID {
			out = append(out, cloneEvent(evt))
		}
	}
	return out, nil
}

// Count returns the number of events matching the filter.
func (m *Memory) Count(ctx context.Context, f Filter) (int64, error) {
	if f.TenantID == "" {
		return 0, fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, evt := range m.events {
		if evt.TenantID != f.TenantID {
			continue
		}
		if f.EventType != "" && evt.EventType != f.EventType {
			continue
		}
		if f.EntityType != "" && evt.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && evt.EntityID != f.EntityID {
			continue
		}
		if f.Checksum != "" && evt.Checksum != f.Checksum {
			continue
		}
		n++
	}
	return n, nil
}

var _ Log = (*Memory)(nil)

func cloneEvent(e *Event) *Event {
	out := *e
	out.Metadata = copyMetadata(e.Metadata)
	return &out
}

// copyMetadata deep-copies via a JSON round trip. The metadata has already
// been proven serializable by the checksum computation.
func copyMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
