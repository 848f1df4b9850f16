package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/juris-labs/caseledger/pkg/eventlog"
)

// MemoryStore is the in-process reference implementation of Store, backed by
// an in-memory event log. Used in tests and embedded setups.
type MemoryStore struct {
	mu          sync.RWMutex
	cases       map[string]*Case // keyed by tenant+case
	transitions []*TransitionRecord
	log         *eventlog.Memory
}

// NewMemoryStore creates an empty store writing events to log.
func NewMemoryStore(log *eventlog.Memory) *MemoryStore {
	return &MemoryStore{
		cases: make(map[string]*Case),
		log:   log,
	}
}

func caseKey(tenantID, caseID string) string {
	return tenantID + "\x00" + caseID
}

// Create inserts a new case and appends its creation event atomically.
func (s *MemoryStore) Create(ctx context.Context, c *Case, evt eventlog.Draft) (*Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := caseKey(c.TenantID, c.ID)
	if _, exists := s.cases[key]; exists {
		return nil, fmt.Errorf("case %s already exists for tenant %s", c.ID, c.TenantID)
	}

	stored := c.Clone()
	if _, err := s.log.Append(ctx, evt); err != nil {
		return nil, err
	}
	s.cases[key] = stored
	return stored.Clone(), nil
}

// Get loads a case by (tenant, id).
func (s *MemoryStore) Get(ctx context.Context, tenantID, caseID string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[caseKey(tenantID, caseID)]
	if !ok {
		for _, other := range s.cases {
			if other.ID == caseID {
				return nil, fmt.Errorf("%w: case %s", ErrTenantIsolation, caseID)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	return c.Clone(), nil
}

// Commit applies the mutation under one lock: revision check, edit on a
// clone, event append, then swap. A failed event append leaves the stored
// case untouched.
func (s *MemoryStore) Commit(ctx context.Context, m Mutation) (*Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cases[caseKey(m.TenantID, m.CaseID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, m.CaseID)
	}
	if current.Revision != m.ExpectedRevision {
		return nil, fmt.Errorf("%w: expected revision %d, have %d",
			ErrConcurrencyConflict, m.ExpectedRevision, current.Revision)
	}

	next := current.Clone()
	if err := m.Apply(next); err != nil {
		return nil, err
	}
	next.Revision++
	next.UpdatedAt = time.Now().UTC()

	if _, err := s.log.Append(ctx, m.Event); err != nil {
		return nil, err
	}

	if m.Transition != nil {
		rec := *m.Transition
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.OccurredAt.IsZero() {
			rec.OccurredAt = next.UpdatedAt
		}
		s.transitions = append(s.transitions, &rec)
	}

	s.cases[caseKey(m.TenantID, m.CaseID)] = next
	return next.Clone(), nil
}

// Transitions lists a case's transition records in commit order.
func (s *MemoryStore) Transitions(ctx context.Context, tenantID, caseID string) ([]*TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TransitionRecord, 0)
	for _, rec := range s.transitions {
		if rec.TenantID == tenantID && rec.WorkspaceID == caseID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
