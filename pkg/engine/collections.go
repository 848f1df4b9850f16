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

// commitAddition runs the shared path of every collection add: load, lock
// and closure guard, atomic commit of edit plus proof event.
func (e *Engine) commitAddition(ctx context.Context, tenantID, caseID string, actor Actor,
	apply func(c *workspace.Case) error, eventType eventlog.EventType, meta map[string]any) (*workspace.Case, error) {

	if err := actor.validate(); err != nil {
		return nil, err
	}
	current, err := e.store.Get(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if err := guard(current); err != nil {
		return nil, err
	}

	start := time.Now()
	updated, err := e.store.Commit(ctx, workspace.Mutation{
		TenantID:         tenantID,
		CaseID:           caseID,
		ExpectedRevision: current.Revision,
		Apply:            apply,
		Event:            e.draft(tenantID, caseID, eventType, actor, meta),
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordCommitDuration(ctx, time.Since(start))
	}
	return updated, nil
}

// RecordFact appends a structured piece of evidence to the case.
func (e *Engine) RecordFact(ctx context.Context, tenantID, caseID string, actor Actor, text, source string) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.RecordFact")
	defer span.End()

	if text == "" {
		return nil, fmt.Errorf("%w: fact text is required", eventlog.ErrValidation)
	}
	fact := workspace.Fact{
		ID:         e.newID(),
		Text:       text,
		Source:     source,
		RecordedAt: e.now().UTC(),
	}
	return e.commitAddition(ctx, tenantID, caseID, actor,
		func(c *workspace.Case) error {
			c.Facts = append(c.Facts, fact)
			return nil
		},
		eventlog.EventFactRecorded, workspace.FactPayload(fact))
}

// RecordContext appends background information framing the matter.
func (e *Engine) RecordContext(ctx context.Context, tenantID, caseID string, actor Actor, kind, text string) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.RecordContext")
	defer span.End()

	if text == "" {
		return nil, fmt.Errorf("%w: context text is required", eventlog.ErrValidation)
	}
	item := workspace.ContextItem{
		ID:         e.newID(),
		Kind:       kind,
		Text:       text,
		RecordedAt: e.now().UTC(),
	}
	return e.commitAddition(ctx, tenantID, caseID, actor,
		func(c *workspace.Case) error {
			c.Contexts = append(c.Contexts, item)
			return nil
		},
		eventlog.EventContextRecorded, workspace.ContextPayload(item))
}

// RecordObligation appends a detected legal duty, optionally with a deadline.
func (e *Engine) RecordObligation(ctx context.Context, tenantID, caseID string, actor Actor, text string, dueAt *time.Time) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.RecordObligation")
	defer span.End()

	if text == "" {
		return nil, fmt.Errorf("%w: obligation text is required", eventlog.ErrValidation)
	}
	o := workspace.Obligation{
		ID:         e.newID(),
		Text:       text,
		DueAt:      dueAt,
		RecordedAt: e.now().UTC(),
	}
	return e.commitAddition(ctx, tenantID, caseID, actor,
		func(c *workspace.Case) error {
			c.Obligations = append(c.Obligations, o)
			return nil
		},
		eventlog.EventObligationDetected, workspace.ObligationPayload(o))
}

// RecordRisk appends an identified exposure.
func (e *Engine) RecordRisk(ctx context.Context, tenantID, caseID string, actor Actor, text, severity string) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.RecordRisk")
	defer span.End()

	if text == "" {
		return nil, fmt.Errorf("%w: risk text is required", eventlog.ErrValidation)
	}
	r := workspace.Risk{
		ID:         e.newID(),
		Text:       text,
		Severity:   severity,
		RecordedAt: e.now().UTC(),
	}
	return e.commitAddition(ctx, tenantID, caseID, actor,
		func(c *workspace.Case) error {
			c.Risks = append(c.Risks, r)
			return nil
		},
		eventlog.EventRiskIdentified, workspace.RiskPayload(r))
}

// ProposeAction appends a suggested next step for user review. This is the
// collection add; moving the case into ACTION_PROPOSED is a Transition.
func (e *Engine) ProposeAction(ctx context.Context, tenantID, caseID string, actor Actor, text, kind string) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ProposeAction")
	defer span.End()

	if text == "" {
		return nil, fmt.Errorf("%w: action text is required", eventlog.ErrValidation)
	}
	a := workspace.ProposedAction{
		ID:         e.newID(),
		Text:       text,
		Kind:       kind,
		RecordedAt: e.now().UTC(),
	}
	return e.commitAddition(ctx, tenantID, caseID, actor,
		func(c *workspace.Case) error {
			c.ProposedActions = append(c.ProposedActions, a)
			return nil
		},
		eventlog.EventActionProposed, workspace.ActionPayload(a))
}

// FlagMissingElement records an information gap and raises the case's
// uncertainty by the policy weight of its importance.
func (e *Engine) FlagMissingElement(ctx context.Context, tenantID, caseID string, actor Actor, description string, importance workspace.Importance) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.FlagMissingElement")
	defer span.End()
	span.SetAttributes(attribute.String("element.importance", string(importance)))

	if err := actor.validate(); err != nil {
		return nil, err
	}
	if description == "" {
		return nil, fmt.Errorf("%w: description is required", eventlog.ErrValidation)
	}
	if !importance.Valid() {
		return nil, fmt.Errorf("%w: importance %q is not a known level", eventlog.ErrValidation, importance)
	}
	weight, err := e.profile.Weight(importance)
	if err != nil {
		return nil, err
	}

	current, err := e.store.Get(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if err := guard(current); err != nil {
		return nil, err
	}

	after, err := e.adjuster.Adjust(current.UncertaintyLevel, weight, false)
	if err != nil {
		return nil, err
	}

	el := workspace.MissingElement{
		ID:          e.newID(),
		Description: description,
		Importance:  importance,
		FlaggedAt:   e.now().UTC(),
	}

	updated, err := e.store.Commit(ctx, workspace.Mutation{
		TenantID:         tenantID,
		CaseID:           caseID,
		ExpectedRevision: current.Revision,
		Apply: func(c *workspace.Case) error {
			c.MissingElements = append(c.MissingElements, el)
			c.UncertaintyLevel = after
			return nil
		},
		Event: e.draft(tenantID, caseID, eventlog.EventMissingElementFlagged, actor,
			workspace.ElementFlaggedPayload(el, weight, after)),
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "missing element flagged",
		slog.String("tenant_id", tenantID),
		slog.String("case_id", caseID),
		slog.String("element_id", el.ID),
		slog.String("importance", string(importance)),
		slog.Float64("uncertainty", after),
	)
	return updated, nil
}

// ResolveMissingElement marks a flagged gap as satisfied and lowers the
// case's uncertainty by the same weight that raised it. This is the only
// operation that lowers uncertainty.
func (e *Engine) ResolveMissingElement(ctx context.Context, tenantID, caseID, elementID string, actor Actor) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ResolveMissingElement")
	defer span.End()
	span.SetAttributes(attribute.String("element.id", elementID))

	if err := actor.validate(); err != nil {
		return nil, err
	}

	current, err := e.store.Get(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if err := guard(current); err != nil {
		return nil, err
	}

	el := current.MissingElementByID(elementID)
	if el == nil {
		return nil, fmt.Errorf("%w: missing element %s", workspace.ErrNotFound, elementID)
	}
	if el.Resolved {
		return nil, fmt.Errorf("%w: missing element %s already resolved", eventlog.ErrValidation, elementID)
	}

	weight, err := e.profile.Weight(el.Importance)
	if err != nil {
		return nil, err
	}
	after, err := e.adjuster.Adjust(current.UncertaintyLevel, weight, true)
	if err != nil {
		return nil, err
	}
	resolvedAt := e.now().UTC()

	updated, err := e.store.Commit(ctx, workspace.Mutation{
		TenantID:         tenantID,
		CaseID:           caseID,
		ExpectedRevision: current.Revision,
		Apply: func(c *workspace.Case) error {
			target := c.MissingElementByID(elementID)
			if target == nil {
				return fmt.Errorf("%w: missing element %s", workspace.ErrNotFound, elementID)
			}
			target.Resolved = true
			target.ResolvedAt = &resolvedAt
			target.ResolvedBy = actor.id()
			c.UncertaintyLevel = after
			return nil
		},
		Event: e.draft(tenantID, caseID, eventlog.EventMissingElementResolved, actor,
			workspace.ElementResolvedPayload(elementID, actor.id(), resolvedAt, weight, after)),
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "missing element resolved",
		slog.String("tenant_id", tenantID),
		slog.String("case_id", caseID),
		slog.String("element_id", elementID),
		slog.Float64("uncertainty", after),
	)
	return updated, nil
}
