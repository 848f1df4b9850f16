// Package engine is the only sanctioned writer of cases. Every mutation goes
// through it: intake, state transitions, lock management, collection
// additions, and uncertainty adjustments. Each operation commits its case
// edit, its transition record when applicable, and its proof event as one
// atomic unit, then is reproducible by replaying the event timeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/juris-labs/caseledger/pkg/dedup"
	"github.com/juris-labs/caseledger/pkg/eventlog"
	"github.com/juris-labs/caseledger/pkg/policy"
	"github.com/juris-labs/caseledger/pkg/workspace"
)

var (
	// ErrLocked is returned when a mutation targets a locked case. Only an
	// unlock lifts it.
	ErrLocked = errors.New("case is locked")

	// ErrClosed is returned when a mutation targets a closed case.
	ErrClosed = errors.New("case is closed")

	// ErrInvalidTransition is the sentinel wrapped by InvalidTransitionError.
	ErrInvalidTransition = errors.New("transition not allowed")

	// ErrActorNotAllowed is returned when the acting identity may not perform
	// the operation, e.g. a non-user actor unlocking a case.
	ErrActorNotAllowed = errors.New("actor not allowed for this operation")
)

// InvalidTransitionError reports a (from, to) pair outside the state graph.
type InvalidTransitionError struct {
	From workspace.State
	To   workspace.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition not allowed: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Actor is the identity performing an operation.
type Actor struct {
	Type eventlog.ActorType
	ID   string
}

func (a Actor) validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("%w: actor_type %q is not a known actor type", eventlog.ErrValidation, a.Type)
	}
	if a.ID == "" && a.Type != eventlog.ActorSystem {
		return fmt.Errorf("%w: actor_id is required for actor_type %s", eventlog.ErrValidation, a.Type)
	}
	return nil
}

func (a Actor) id() string {
	if a.ID == "" {
		return eventlog.SystemActorID
	}
	return a.ID
}

// Engine orchestrates case mutations over a Store and an event log, under
// the rules of a policy profile.
type Engine struct {
	store    workspace.Store
	log      eventlog.Log
	profile  *policy.Profile
	adjuster *policy.Adjuster
	dedup    dedup.Counter
	metrics  Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// Metrics receives domain counters from the engine. Implemented by
// observability.Provider; a nil Metrics disables recording.
type Metrics interface {
	RecordIntake(ctx context.Context, sourceType string)
	RecordTransition(ctx context.Context, toState string)
	RecordCommitDuration(ctx context.Context, d time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics attaches a domain metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDedup attaches a duplicate-intake counter. Duplicates are observed and
// logged, never rejected: an identical inbound message is a legitimate event.
func WithDedup(c dedup.Counter) Option {
	return func(e *Engine) { e.dedup = c }
}

// WithClock overrides the clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDFunc overrides identifier generation, for deterministic tests.
func WithIDFunc(f func() string) Option {
	return func(e *Engine) {
		if f != nil {
			e.newID = f
		}
	}
}

// New builds an Engine. The profile is validated and its adjustment
// expression compiled once, up front.
func New(store workspace.Store, log eventlog.Log, profile *policy.Profile, opts ...Option) (*Engine, error) {
	if profile == nil {
		profile = policy.Default()
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	adjuster, err := profile.Compile()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:    store,
		log:      log,
		profile:  profile,
		adjuster: adjuster,
		logger:   slog.Default(),
		tracer:   otel.Tracer("caseledger/engine"),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// entityTypeCase is the entity type under which all case events are
// recorded, so one (entity_type, entity_id) pair addresses a case's full
// timeline.
const entityTypeCase = "case"

func (e *Engine) draft(tenantID, caseID string, et eventlog.EventType, actor Actor, meta map[string]any) eventlog.Draft {
	return eventlog.Draft{
		EventType:  et,
		EntityType: entityTypeCase,
		EntityID:   caseID,
		ActorType:  actor.Type,
		ActorID:    actor.id(),
		TenantID:   tenantID,
		Metadata:   meta,
	}
}

// guard rejects mutations on locked or closed cases.
func guard(c *workspace.Case) error {
	if c.Locked {
		return fmt.Errorf("%w: case %s", ErrLocked, c.ID)
	}
	if c.CurrentState.Terminal() {
		return fmt.Errorf("%w: case %s", ErrClosed, c.ID)
	}
	return nil
}
