package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/juris-labs/caseledger/pkg/eventlog"
	"github.com/juris-labs/caseledger/pkg/workspace"
)

// transitionEvents maps each target state to the event type proving the
// transition happened.
var transitionEvents = map[workspace.State]eventlog.EventType{
	workspace.StateClassified:         eventlog.EventCaseClassified,
	workspace.StateAnalyzing:          eventlog.EventAnalysisStarted,
	workspace.StateAwaitingValidation: eventlog.EventValidationRequested,
	workspace.StateValidated:          eventlog.EventUserValidated,
	workspace.StateActionProposed:     eventlog.EventActionProposed,
	workspace.StateClosed:             eventlog.EventCaseClosed,
}

// TransitionRequest moves a case to a new lifecycle state.
type TransitionRequest struct {
	TenantID string
	CaseID   string
	To       workspace.State
	Actor    Actor
	Reason   string

	// ProcedureType is required when transitioning to CLASSIFIED and
	// ignored otherwise.
	ProcedureType string
}

// Transition validates the requested state change against the policy graph
// and commits it with its transition record and proof event.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("case.id", req.CaseID),
		attribute.String("case.to_state", string(req.To)),
	)

	if err := req.Actor.validate(); err != nil {
		return nil, err
	}
	if !req.To.Valid() {
		return nil, fmt.Errorf("%w: to_state %q is not a known state", eventlog.ErrValidation, req.To)
	}
	eventType, ok := transitionEvents[req.To]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a transition target", eventlog.ErrValidation, req.To)
	}
	if req.To == workspace.StateValidated && req.Actor.Type != eventlog.ActorUser {
		return nil, fmt.Errorf("%w: validation requires a user actor", ErrActorNotAllowed)
	}
	if req.To == workspace.StateClassified && req.ProcedureType == "" {
		return nil, fmt.Errorf("%w: procedure_type is required to classify", eventlog.ErrValidation)
	}

	current, err := e.store.Get(ctx, req.TenantID, req.CaseID)
	if err != nil {
		return nil, err
	}
	if current.Locked {
		return nil, fmt.Errorf("%w: case %s", ErrLocked, req.CaseID)
	}
	from := current.CurrentState
	if !e.profile.Allowed(from, req.To) {
		return nil, &InvalidTransitionError{From: from, To: req.To}
	}

	extra := map[string]any{}
	if req.To == workspace.StateClassified {
		extra["procedure_type"] = req.ProcedureType
	}

	start := time.Now()
	updated, err := e.store.Commit(ctx, workspace.Mutation{
		TenantID:         req.TenantID,
		CaseID:           req.CaseID,
		ExpectedRevision: current.Revision,
		Apply: func(c *workspace.Case) error {
			c.CurrentState = req.To
			if req.To == workspace.StateClassified {
				c.ProcedureType = req.ProcedureType
			}
			return nil
		},
		Transition: &workspace.TransitionRecord{
			TenantID:    req.TenantID,
			WorkspaceID: req.CaseID,
			FromState:   from,
			ToState:     req.To,
			TriggeredBy: req.Actor.id(),
			Reason:      req.Reason,
		},
		Event: e.draft(req.TenantID, req.CaseID, eventType, req.Actor,
			workspace.TransitionPayload(from, req.To, req.Reason, extra)),
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordTransition(ctx, string(req.To))
		e.metrics.RecordCommitDuration(ctx, time.Since(start))
	}

	e.logger.InfoContext(ctx, "case transitioned",
		slog.String("tenant_id", req.TenantID),
		slog.String("case_id", req.CaseID),
		slog.String("from_state", string(from)),
		slog.String("to_state", string(req.To)),
		slog.String("triggered_by", req.Actor.id()),
	)
	return updated, nil
}

// Lock freezes a case against further mutation. Locking is orthogonal to
// lifecycle state and leaves no transition-graph footprint beyond its
// record.
func (e *Engine) Lock(ctx context.Context, tenantID, caseID string, actor Actor, reason string) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Lock")
	defer span.End()
	return e.setLock(ctx, tenantID, caseID, actor, reason, true)
}

// Unlock lifts a case's lock. Only a user actor may unlock: the lock exists
// to stop automated processing, so automation cannot remove it.
func (e *Engine) Unlock(ctx context.Context, tenantID, caseID string, actor Actor, reason string) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Unlock")
	defer span.End()
	if actor.Type != eventlog.ActorUser {
		return nil, fmt.Errorf("%w: unlock requires a user actor", ErrActorNotAllowed)
	}
	return e.setLock(ctx, tenantID, caseID, actor, reason, false)
}

func (e *Engine) setLock(ctx context.Context, tenantID, caseID string, actor Actor, reason string, locked bool) (*workspace.Case, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	current, err := e.store.Get(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if current.Locked == locked {
		verb := "unlocked"
		if locked {
			verb = "locked"
		}
		return nil, fmt.Errorf("%w: case %s is already %s", eventlog.ErrValidation, caseID, verb)
	}

	eventType := eventlog.EventCaseUnlocked
	if locked {
		eventType = eventlog.EventCaseLocked
	}

	updated, err := e.store.Commit(ctx, workspace.Mutation{
		TenantID:         tenantID,
		CaseID:           caseID,
		ExpectedRevision: current.Revision,
		Apply: func(c *workspace.Case) error {
			c.Locked = locked
			return nil
		},
		Event: e.draft(tenantID, caseID, eventType, actor, workspace.LockPayload(locked, reason)),
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "case lock changed",
		slog.String("tenant_id", tenantID),
		slog.String("case_id", caseID),
		slog.Bool("locked", locked),
		slog.String("triggered_by", actor.id()),
	)
	return updated, nil
}
