// Package workspace defines the Reasoning Case: the tracked unit of work
// representing one legal matter's processing lifecycle. A case is owned by
// exactly one tenant, is mutated only through the transition engine, and is
// never hard-deleted; closure is a terminal state, not a removal.
package workspace

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a case does not exist for the tenant.
	ErrNotFound = errors.New("case not found")

	// ErrConcurrencyConflict is returned when a mutation raced with another
	// writer and lost the optimistic revision check. Callers should re-read
	// current state and retry.
	ErrConcurrencyConflict = errors.New("stale state: concurrent mutation committed first")

	// ErrTenantIsolation is returned when a case exists but belongs to a
	// different tenant than the caller.
	ErrTenantIsolation = errors.New("cross-tenant access denied")
)

// State is the closed set of case lifecycle states.
type State string

const (
	StateReceived           State = "RECEIVED"
	StateClassified         State = "CLASSIFIED"
	StateAnalyzing          State = "ANALYZING"
	StateAwaitingValidation State = "AWAITING_VALIDATION"
	StateValidated          State = "VALIDATED"
	StateActionProposed     State = "ACTION_PROPOSED"
	StateClosed             State = "CLOSED"
)

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	switch s {
	case StateReceived, StateClassified, StateAnalyzing, StateAwaitingValidation,
		StateValidated, StateActionProposed, StateClosed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool { return s == StateClosed }

// Importance weights a missing element's contribution to uncertainty.
type Importance string

const (
	ImportanceLow      Importance = "LOW"
	ImportanceMedium   Importance = "MEDIUM"
	ImportanceHigh     Importance = "HIGH"
	ImportanceCritical Importance = "CRITICAL"
)

// Valid reports whether i is a member of the closed importance set.
func (i Importance) Valid() bool {
	switch i {
	case ImportanceLow, ImportanceMedium, ImportanceHigh, ImportanceCritical:
		return true
	}
	return false
}

// Fact is a structured piece of evidence extracted from case material.
type Fact struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Source     string    `json:"source,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ContextItem is background information that frames the matter.
type ContextItem struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind,omitempty"`
	Text       string    `json:"text"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Obligation is a legal duty or deadline detected in the matter.
type Obligation struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// MissingElement is a flagged gap in required information or documents,
// resolvable over time. Resolving one is the only operation allowed to
// lower a case's uncertainty level.
type MissingElement struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Importance  Importance `json:"importance"`
	Resolved    bool       `json:"resolved"`
	FlaggedAt   time.Time  `json:"flagged_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
}

// Risk is an identified exposure or hazard in the matter.
type Risk struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Severity   string    `json:"severity,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ProposedAction is a suggested next step awaiting user review.
type ProposedAction struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Kind       string    `json:"kind,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Case is the reasoning workspace for one legal matter.
//
// The stored row is a projection: the event log remains the source of truth,
// and Reduce over the case's timeline must reproduce every field below.
type Case struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	CurrentState State `json:"current_state"`
	Locked       bool  `json:"locked"`

	// UncertaintyLevel is the [0,1] score of unresolved ambiguity in the
	// case's evidence. It starts at 1.0 and only moves through sanctioned
	// operations.
	UncertaintyLevel float64 `json:"uncertainty_level"`

	// Source triple: the original inbound message, immutable once set.
	SourceType     string         `json:"source_type"`
	SourceRaw      string         `json:"source_raw"`
	SourceMetadata map[string]any `json:"source_metadata,omitempty"`

	// ProcedureType is the domain classification; empty until classified.
	ProcedureType string `json:"procedure_type,omitempty"`

	Facts           []Fact           `json:"facts"`
	Contexts        []ContextItem    `json:"contexts"`
	Obligations     []Obligation     `json:"obligations"`
	MissingElements []MissingElement `json:"missing_elements"`
	Risks           []Risk           `json:"risks"`
	ProposedActions []ProposedAction `json:"proposed_actions"`

	// Revision increases by one per committed mutation and backs the
	// optimistic concurrency check.
	Revision int64 `json:"revision"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the case.
func (c *Case) Clone() *Case {
	raw, err := json.Marshal(c)
	if err != nil {
		// Case fields are plain data; marshal cannot fail for a well-formed
		// case. Surface loudly if it ever does.
		panic("workspace: case clone: " + err.Error())
	}
	var out Case
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("workspace: case clone: " + err.Error())
	}
	return &out
}

// MissingElementByID returns a pointer into the case's collection, or nil.
func (c *Case) MissingElementByID(id string) *MissingElement {
	for i := range c.MissingElements {
		if c.MissingElements[i].ID == id {
			return &c.MissingElements[i]
		}
	}
	return nil
}

// TransitionRecord is the append-only record of one validated state change.
type TransitionRecord struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	WorkspaceID string         `json:"workspace_id"`
	FromState   State          `json:"from_state"`
	ToState     State          `json:"to_state"`
	TriggeredBy string         `json:"triggered_by"`
	Reason      string         `json:"reason"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}
