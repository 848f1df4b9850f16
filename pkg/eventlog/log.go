package eventlog

import (
	"context"
	"log/slog"
)

// Filter narrows Count queries. Zero-valued fields are ignored, except
// TenantID which is always required: counts are never cross-tenant.
type Filter struct {
	TenantID   string
	EventType  EventType
	EntityType string
	EntityID   string
	Checksum   string
}

// Log is the append-only event store. There is intentionally no update or
// delete operation: immutability is the component's core correctness
// property, and the storage layer enforces it below this interface as well.
type Log interface {
	// Append validates the draft, computes its checksum, assigns id and
	// recorded_at, and persists the event. Returns the stored event.
	Append(ctx context.Context, d Draft) (*Event, error)

	// Get retrieves a stored event by id.
	Get(ctx context.Context, eventID string) (*Event, error)

	// VerifyIntegrity re-reads the stored event from the authoritative
	// store, recomputes the checksum over its stored fields, and reports
	// whether it matches. A mismatch returns (false, *IntegrityError) and
	// fires the configured alert hook.
	VerifyIntegrity(ctx context.Context, eventID string) (bool, error)

	// Timeline returns all events for one entity, tenant-scoped, ordered
	// by recorded_at ascending (commit order). The read is finite and
	// restartable, not a live stream.
	Timeline(ctx context.Context, tenantID, entityType, entityID string) ([]*Event, error)

	// Count returns the number of events matching the filter.
	Count(ctx context.Context, f Filter) (int64, error)
}

// AlertFunc is invoked whenever an integrity check fails. Checksum
// mismatches signal possible tampering and must reach an operational alert
// path, not just the caller.
type AlertFunc func(ctx context.Context, ie *IntegrityError)

// LogAlert is the default AlertFunc: a structured error log line.
func LogAlert(ctx context.Context, ie *IntegrityError) {
	slog.ErrorContext(ctx, "event integrity mismatch detected",
		"event_id", ie.EventID,
		"stored_checksum", ie.StoredChecksum,
		"computed_checksum", ie.ComputedChecksum,
	)
}
