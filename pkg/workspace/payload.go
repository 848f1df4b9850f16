package workspace

import (
	"fmt"
	"time"
)

// Event payload builders and parsers. The transition engine records every
// case mutation as an event whose metadata carries the full payload of the
// change; Reduce replays those payloads to rebuild the case. Keeping both
// directions in one file keeps the wire shape from drifting.

// IntakePayload is the CASE_RECEIVED event metadata.
func IntakePayload(c *Case) map[string]any {
	payload := map[string]any{
		"source_type":       c.SourceType,
		"source_raw":        c.SourceRaw,
		"uncertainty_after": c.UncertaintyLevel,
	}
	if c.SourceMetadata != nil {
		payload["source_metadata"] = c.SourceMetadata
	}
	if c.ProcedureType != "" {
		payload["procedure_hint"] = c.ProcedureType
	}
	return payload
}

// TransitionPayload is the metadata for a state-change event. extra carries
// transition-specific fields, e.g. procedure_type for classification.
func TransitionPayload(from, to State, reason string, extra map[string]any) map[string]any {
	payload := map[string]any{
		"from_state": string(from),
		"to_state":   string(to),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// LockPayload is the CASE_LOCKED / CASE_UNLOCKED event metadata.
func LockPayload(locked bool, reason string) map[string]any {
	payload := map[string]any{"locked": locked}
	if reason != "" {
		payload["reason"] = reason
	}
	return payload
}

// FactPayload is the FACT_RECORDED event metadata.
func FactPayload(f Fact) map[string]any {
	return map[string]any{"fact": map[string]any{
		"id":          f.ID,
		"text":        f.Text,
		"source":      f.Source,
		"recorded_at": f.RecordedAt.UTC().Format(time.RFC3339Nano),
	}}
}

// ContextPayload is the CONTEXT_RECORDED event metadata.
func ContextPayload(c ContextItem) map[string]any {
	return map[string]any{"context": map[string]any{
		"id":          c.ID,
		"kind":        c.Kind,
		"text":        c.Text,
		"recorded_at": c.RecordedAt.UTC().Format(time.RFC3339Nano),
	}}
}

// ObligationPayload is the OBLIGATION_DETECTED event metadata.
func ObligationPayload(o Obligation) map[string]any {
	m := map[string]any{
		"id":          o.ID,
		"text":        o.Text,
		"recorded_at": o.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.DueAt != nil {
		m["due_at"] = o.DueAt.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{"obligation": m}
}

// RiskPayload is the RISK_IDENTIFIED event metadata.
func RiskPayload(r Risk) map[string]any {
	return map[string]any{"risk": map[string]any{
		"id":          r.ID,
		"text":        r.Text,
		"severity":    r.Severity,
		"recorded_at": r.RecordedAt.UTC().Format(time.RFC3339Nano),
	}}
}

// ActionPayload is the ACTION_PROPOSED event metadata for a collection add
// (as opposed to the ACTION_PROPOSED state transition, whose metadata
// carries to_state).
func ActionPayload(a ProposedAction) map[string]any {
	return map[string]any{"proposed_action": map[string]any{
		"id":          a.ID,
		"text":        a.Text,
		"kind":        a.Kind,
		"recorded_at": a.RecordedAt.UTC().Format(time.RFC3339Nano),
	}}
}

// ElementFlaggedPayload is the MISSING_ELEMENT_FLAGGED event metadata.
func ElementFlaggedPayload(el MissingElement, weight, uncertaintyAfter float64) map[string]any {
	return map[string]any{
		"missing_element": map[string]any{
			"id":          el.ID,
			"description": el.Description,
			"importance":  string(el.Importance),
			"flagged_at":  el.FlaggedAt.UTC().Format(time.RFC3339Nano),
		},
		"weight":            weight,
		"uncertainty_after": uncertaintyAfter,
	}
}

// ElementResolvedPayload is the MISSING_ELEMENT_RESOLVED event metadata.
func ElementResolvedPayload(elementID, resolvedBy string, resolvedAt time.Time, weight, uncertaintyAfter float64) map[string]any {
	return map[string]any{
		"missing_element_id": elementID,
		"resolved_by":        resolvedBy,
		"resolved_at":        resolvedAt.UTC().Format(time.RFC3339Nano),
		"weight":             weight,
		"uncertainty_after":  uncertaintyAfter,
	}
}

// Typed metadata readers. Replay fails loudly on malformed payloads rather
// than guessing: a payload that cannot be parsed means the log and the code
// have drifted, which is a defect worth surfacing.

func metaString(meta map[string]any, key string) (string, error) {
	v, ok := meta[key]
	if !ok {
		return "", fmt.Errorf("payload field %q missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("payload field %q is %T, want string", key, v)
	}
	return s, nil
}

func metaOptString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func metaFloat(meta map[string]any, key string) (float64, error) {
	v, ok := meta[key]
	if !ok {
		return 0, fmt.Errorf("payload field %q missing", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("payload field %q is %T, want number", key, v)
}

func metaMap(meta map[string]any, key string) (map[string]any, error) {
	v, ok := meta[key]
	if !ok {
		return nil, fmt.Errorf("payload field %q missing", key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload field %q is %T, want object", key, v)
	}
	return m, nil
}

func metaTime(meta map[string]any, key string) (time.Time, error) {
	s, err := metaString(meta, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("payload field %q: %w", key, err)
	}
	return ts, nil
}
