package workspace

import (
	"context"

	"github.com/juris-labs/caseledger/pkg/eventlog"
)

// Mutation describes one atomic change to a case: the in-place edit, an
// optional transition record, and the event that proves it happened. The
// three effects commit as a single unit; if the event append fails, the
// case mutation is not observable.
type Mutation struct {
	TenantID string
	CaseID   string

	// ExpectedRevision is the revision the caller read before deciding to
	// mutate. A mismatch at commit time means another writer won the race
	// and yields ErrConcurrencyConflict.
	ExpectedRevision int64

	// Apply edits the freshly loaded case. It runs inside the commit
	// boundary and must be side-effect free outside the case itself.
	Apply func(c *Case) error

	// Transition, when set, is recorded in the append-only transitions log.
	Transition *TransitionRecord

	// Event is appended to the event log in the same unit of work.
	Event eventlog.Draft
}

// Store persists cases and their transition records. Implementations must
// serialize mutations per case (optimistic revision check) while letting
// mutations on different cases proceed independently.
type Store interface {
	// Create inserts a new case and appends its creation event atomically.
	Create(ctx context.Context, c *Case, evt eventlog.Draft) (*Case, error)

	// Get loads a case by (tenant, id). A case that exists under a
	// different tenant yields ErrTenantIsolation, not ErrNotFound.
	Get(ctx context.Context, tenantID, caseID string) (*Case, error)

	// Commit applies the mutation as one atomic unit and returns the
	// updated case.
	Commit(ctx context.Context, m Mutation) (*Case, error)

	// Transitions lists a case's transition records in commit order.
	Transitions(ctx context.Context, tenantID, caseID string) ([]*TransitionRecord, error)
}
