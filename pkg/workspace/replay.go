package workspace

import (
	"errors"
	"fmt"

	"github.com/juris-labs/caseledger/pkg/eventlog"
)

// ErrReplayDiverged is returned by Audit when the replayed projection does
// not match the stored case row.
var ErrReplayDiverged = errors.New("replayed state diverges from stored case")

// Reduce rebuilds a case from its full event timeline, starting at
// CASE_RECEIVED. The stored case row is only ever a projection of the log;
// Reduce is the authoritative definition of that projection.
func Reduce(events []*eventlog.Event) (*Case, error) {
	if len(events) == 0 {
		return nil, errors.New("replay: empty timeline")
	}
	if events[0].EventType != eventlog.EventCaseReceived {
		return nil, fmt.Errorf("replay: timeline must start with %s, got %s",
			eventlog.EventCaseReceived, events[0].EventType)
	}

	c := &Case{
		ID:               events[0].EntityID,
		TenantID:         events[0].TenantID,
		CurrentState:     StateReceived,
		UncertaintyLevel: 1.0,
		Facts:            []Fact{},
		Contexts:         []ContextItem{},
		Obligations:      []Obligation{},
		MissingElements:  []MissingElement{},
		Risks:            []Risk{},
		ProposedActions:  []ProposedAction{},
		CreatedAt:        events[0].RecordedAt,
	}

	for i, evt := range events {
		if evt.EntityID != c.ID || evt.TenantID != c.TenantID {
			return nil, fmt.Errorf("replay: event %s belongs to a different entity", evt.ID)
		}
		if i > 0 && evt.EventType == eventlog.EventCaseReceived {
			return nil, fmt.Errorf("replay: duplicate %s at position %d", eventlog.EventCaseReceived, i)
		}
		if err := apply(c, evt); err != nil {
			return nil, fmt.Errorf("replay: event %s (%s): %w", evt.ID, evt.EventType, err)
		}
		if c.UncertaintyLevel < 0 || c.UncertaintyLevel > 1 {
			return nil, fmt.Errorf("replay: event %s drove uncertainty to %v, outside [0,1]",
				evt.ID, c.UncertaintyLevel)
		}
		c.UpdatedAt = evt.RecordedAt
	}
	// The creation event leaves the case at revision 0; every later event
	// corresponds to one committed mutation.
	c.Revision = int64(len(events) - 1)
	return c, nil
}

//nolint:gocognit // one arm per event type; splitting would obscure the projection
func apply(c *Case, evt *eventlog.Event) error {
	meta := evt.Metadata

	switch evt.EventType {
	case eventlog.EventCaseReceived:
		src, err := metaString(meta, "source_type")
		if err != nil {
			return err
		}
		c.SourceType = src
		c.SourceRaw = metaOptString(meta, "source_raw")
		if sm, ok := meta["source_metadata"].(map[string]any); ok {
			c.SourceMetadata = sm
		}
		c.ProcedureType = metaOptString(meta, "procedure_hint")
		return nil

	case eventlog.EventCaseClassified, eventlog.EventAnalysisStarted,
		eventlog.EventValidationRequested, eventlog.EventUserValidated,
		eventlog.EventCaseClosed:
		return applyTransition(c, meta)

	case eventlog.EventActionProposed:
		// ACTION_PROPOSED doubles as the state transition and the
		// collection add; the transition variant carries to_state.
		if _, isTransition := meta["to_state"]; isTransition {
			return applyTransition(c, meta)
		}
		m, err := metaMap(meta, "proposed_action")
		if err != nil {
			return err
		}
		at, err := metaTime(m, "recorded_at")
		if err != nil {
			return err
		}
		c.ProposedActions = append(c.ProposedActions, ProposedAction{
			ID:         metaOptString(m, "id"),
			Text:       metaOptString(m, "text"),
			Kind:       metaOptString(m, "kind"),
			RecordedAt: at,
		})
		return nil

	case eventlog.EventCaseLocked:
		c.Locked = true
		return nil

	case eventlog.EventCaseUnlocked:
		c.Locked = false
		return nil

	case eventlog.EventFactRecorded:
		m, err := metaMap(meta, "fact")
		if err != nil {
			return err
		}
		at, err := metaTime(m, "recorded_at")
		if err != nil {
			return err
		}
		c.Facts = append(c.Facts, Fact{
			ID:         metaOptString(m, "id"),
			Text:       metaOptString(m, "text"),
			Source:     metaOptString(m, "source"),
			RecordedAt: at,
		})
		return nil

	case eventlog.EventContextRecorded:
		m, err := metaMap(meta, "context")
		if err != nil {
			return err
		}
		at, err := metaTime(m, "recorded_at")
		if err != nil {
			return err
		}
		c.Contexts = append(c.Contexts, ContextItem{
			ID:         metaOptString(m, "id"),
			Kind:       metaOptString(m, "kind"),
			Text:       metaOptString(m, "text"),
			RecordedAt: at,
		})
		return nil

	case eventlog.EventObligationDetected:
		m, err := metaMap(meta, "obligation")
		if err != nil {
			return err
		}
		at, err := metaTime(m, "recorded_at")
		if err != nil {
			return err
		}
		o := Obligation{
			ID:         metaOptString(m, "id"),
			Text:       metaOptString(m, "text"),
			RecordedAt: at,
		}
		if _, ok := m["due_at"]; ok {
			due, err := metaTime(m, "due_at")
			if err != nil {
				return err
			}
			o.DueAt = &due
		}
		c.Obligations = append(c.Obligations, o)
		return nil

	case eventlog.EventRiskIdentified:
		m, err := metaMap(meta, "risk")
		if err != nil {
			return err
		}
		at, err := metaTime(m, "recorded_at")
		if err != nil {
			return err
		}
		c.Risks = append(c.Risks, Risk{
			ID:         metaOptString(m, "id"),
			Text:       metaOptString(m, "text"),
			Severity:   metaOptString(m, "severity"),
			RecordedAt: at,
		})
		return nil

	case eventlog.EventMissingElementFlagged:
		m, err := metaMap(meta, "missing_element")
		if err != nil {
			return err
		}
		at, err := metaTime(m, "flagged_at")
		if err != nil {
			return err
		}
		after, err := metaFloat(meta, "uncertainty_after")
		if err != nil {
			return err
		}
		if after < c.UncertaintyLevel {
			return fmt.Errorf("flagging a gap cannot lower uncertainty (%v -> %v)",
				c.UncertaintyLevel, after)
		}
		c.MissingElements = append(c.MissingElements, MissingElement{
			ID:          metaOptString(m, "id"),
			Description: metaOptString(m, "description"),
			Importance:  Importance(metaOptString(m, "importance")),
			FlaggedAt:   at,
		})
		c.UncertaintyLevel = after
		return nil

	case eventlog.EventMissingElementResolved:
		id, err := metaString(meta, "missing_element_id")
		if err != nil {
			return err
		}
		el := c.MissingElementByID(id)
		if el == nil {
			return fmt.Errorf("missing element %s not found", id)
		}
		if el.Resolved {
			return fmt.Errorf("missing element %s already resolved", id)
		}
		at, err := metaTime(meta, "resolved_at")
		if err != nil {
			return err
		}
		after, err := metaFloat(meta, "uncertainty_after")
		if err != nil {
			return err
		}
		if after > c.UncertaintyLevel {
			return fmt.Errorf("resolving a gap cannot raise uncertainty (%v -> %v)",
				c.UncertaintyLevel, after)
		}
		el.Resolved = true
		el.ResolvedAt = &at
		el.ResolvedBy = metaOptString(meta, "resolved_by")
		c.UncertaintyLevel = after
		return nil
	}

	return fmt.Errorf("unhandled event type %s", evt.EventType)
}

func applyTransition(c *Case, meta map[string]any) error {
	from, err := metaString(meta, "from_state")
	if err != nil {
		return err
	}
	to, err := metaString(meta, "to_state")
	if err != nil {
		return err
	}
	if State(from) != c.CurrentState {
		return fmt.Errorf("from_state %s does not match projected state %s", from, c.CurrentState)
	}
	target := State(to)
	if !target.Valid() {
		return fmt.Errorf("unknown to_state %s", to)
	}
	c.CurrentState = target
	if pt := metaOptString(meta, "procedure_type"); pt != "" {
		c.ProcedureType = pt
	}
	return nil
}
