// Package eventlog implements the append-only, integrity-checked record of
// everything that happens to a tracked entity. Events are immutable once
// appended: the storage layer rejects UPDATE and DELETE outright, and every
// event carries a checksum over its logical content that can be recomputed
// at any time to detect tampering.
package eventlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/juris-labs/caseledger/pkg/canonical"
)

var (
	// ErrValidation is returned when a draft is missing required fields.
	ErrValidation = errors.New("validation failed")

	// ErrImmutabilityViolation is returned when a mutation of an appended
	// event is attempted.
	ErrImmutabilityViolation = errors.New("immutability violation")

	// ErrIntegrityMismatch is returned when a stored checksum does not match
	// the recomputed one. It signals tampering or storage corruption, not
	// ordinary user error.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrNotFound is returned when an event does not exist.
	ErrNotFound = errors.New("event not found")
)

// IntegrityError carries the evidence of a checksum mismatch.
type IntegrityError struct {
	EventID          string
	StoredChecksum   string
	ComputedChecksum string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for event %s: stored %s, computed %s",
		e.EventID, e.StoredChecksum, e.ComputedChecksum)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityMismatch }

// EventType is the closed set of domain event categories.
type EventType string

const (
	EventCaseReceived           EventType = "CASE_RECEIVED"
	EventCaseClassified         EventType = "CASE_CLASSIFIED"
	EventAnalysisStarted        EventType = "ANALYSIS_STARTED"
	EventValidationRequested    EventType = "VALIDATION_REQUESTED"
	EventUserValidated          EventType = "USER_VALIDATED"
	EventActionProposed         EventType = "ACTION_PROPOSED"
	EventCaseClosed             EventType = "CASE_CLOSED"
	EventCaseLocked             EventType = "CASE_LOCKED"
	EventCaseUnlocked           EventType = "CASE_UNLOCKED"
	EventFactRecorded           EventType = "FACT_RECORDED"
	EventContextRecorded        EventType = "CONTEXT_RECORDED"
	EventObligationDetected     EventType = "OBLIGATION_DETECTED"
	EventMissingElementFlagged  EventType = "MISSING_ELEMENT_FLAGGED"
	EventMissingElementResolved EventType = "MISSING_ELEMENT_RESOLVED"
	EventRiskIdentified         EventType = "RISK_IDENTIFIED"
)

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	switch t {
	case EventCaseReceived, EventCaseClassified, EventAnalysisStarted,
		EventValidationRequested, EventUserValidated, EventActionProposed,
		EventCaseClosed, EventCaseLocked, EventCaseUnlocked,
		EventFactRecorded, EventContextRecorded, EventObligationDetected,
		EventMissingElementFlagged, EventMissingElementResolved,
		EventRiskIdentified:
		return true
	}
	return false
}

// ActorType identifies the class of actor that triggered an event.
type ActorType string

const (
	ActorSystem ActorType = "SYSTEM"
	ActorUser   ActorType = "USER"
	ActorAI     ActorType = "AI"
)

// SystemActorID is the sentinel identity used when ActorSystem events omit
// an explicit actor.
const SystemActorID = "system"

// Valid reports whether t is a member of the closed actor type set.
func (t ActorType) Valid() bool {
	switch t {
	case ActorSystem, ActorUser, ActorAI:
		return true
	}
	return false
}

// Draft is the caller-supplied portion of an event, before the log assigns
// identity, timestamp, and checksum.
type Draft struct {
	EventType  EventType      `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorType  ActorType      `json:"actor_type"`
	ActorID    string         `json:"actor_id"`
	TenantID   string         `json:"tenant_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Event is a committed log entry. Once appended it is never updated or
// removed; Checksum is always recomputable from the other logical fields.
type Event struct {
	ID         string         `json:"id"`
	EventType  EventType      `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorType  ActorType      `json:"actor_type"`
	ActorID    string         `json:"actor_id"`
	TenantID   string         `json:"tenant_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Checksum   string         `json:"checksum"`
	RecordedAt time.Time      `json:"recorded_at"`
	Seq        uint64         `json:"seq"`
}

// Normalize applies defaults and validates the draft. Missing tenant_id,
// entity_type, entity_id, event_type, or actor_type is a hard rejection,
// never a default-fill. The one sanctioned default is the system actor
// identity.
func (d *Draft) Normalize() error {
	if !d.EventType.Valid() {
		return fmt.Errorf("%w: event_type %q is not a known event type", ErrValidation, d.EventType)
	}
	if d.EntityType == "" {
		return fmt.Errorf("%w: entity_type is required", ErrValidation)
	}
	if d.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrValidation)
	}
	if !d.ActorType.Valid() {
		return fmt.Errorf("%w: actor_type %q is not a known actor type", ErrValidation, d.ActorType)
	}
	if d.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if d.ActorID == "" {
		if d.ActorType != ActorSystem {
			return fmt.Errorf("%w: actor_id is required for actor_type %s", ErrValidation, d.ActorType)
		}
		d.ActorID = SystemActorID
	}
	return nil
}

// Checksum computes the content digest of the draft's logical fields.
//
// The digest deliberately excludes the event id and recorded_at timestamp:
// it is a content digest, not a write-time digest, so replaying the exact
// same draft always reproduces the same checksum.
func (d Draft) Checksum() (string, error) {
	meta := d.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return canonical.Digest(map[string]any{
		"event_type":  string(d.EventType),
		"entity_type": d.EntityType,
		"entity_id":   d.EntityID,
		"actor_type":  string(d.ActorType),
		"actor_id":    d.ActorID,
		"tenant_id":   d.TenantID,
		"metadata":    meta,
	})
}

// draft reconstructs the logical fields of a stored event for verification.
func (e *Event) draft() Draft {
	return Draft{
		EventType:  e.EventType,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		ActorType:  e.ActorType,
		ActorID:    e.ActorID,
		TenantID:   e.TenantID,
		Metadata:   e.Metadata,
	}
}
