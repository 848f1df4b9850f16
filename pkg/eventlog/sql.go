package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect selects the SQL flavor for schema and sequence handling.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQL implements Log over database/sql. It supports Postgres (lib/pq) and
// SQLite (modernc.org/sqlite); both use $n placeholders.
//
// The append-only guarantee is enforced at the storage layer: Init installs
// triggers that abort any UPDATE or DELETE against the events table, so even
// a direct low-level write bypassing this type is rejected.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	alert   AlertFunc
	nowFunc func() time.Time
}

// NewSQL creates a SQL-backed event log.
func NewSQL(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQL {
	l := &SQL{db: db, dialect: dialect, alert: LogAlert, nowFunc: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SQLOption configures a SQL log.
type SQLOption func(*SQL)

// WithSQLAlert overrides the integrity alert hook.
func WithSQLAlert(alert AlertFunc) SQLOption {
	return func(l *SQL) {
		if alert != nil {
			l.alert = alert
		}
	}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	actor_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	metadata TEXT NOT NULL,
	checksum TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_entity_idx ON events (tenant_id, entity_type, entity_id, seq);

CREATE TRIGGER IF NOT EXISTS events_no_update
BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'immutability violation');
END;

CREATE TRIGGER IF NOT EXISTS events_no_delete
BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'immutability violation');
END;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	actor_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	metadata TEXT NOT NULL,
	checksum TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_entity_idx ON events (tenant_id, entity_type, entity_id, seq);

CREATE OR REPLACE FUNCTION events_immutability_guard() RETURNS trigger AS $guard$
BEGIN
	RAISE EXCEPTION 'immutability violation';
END
$guard$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS events_no_mutation ON events;
CREATE TRIGGER events_no_mutation
	BEFORE UPDATE OR DELETE ON events
	FOR EACH ROW EXECUTE FUNCTION events_immutability_guard();

ALTER TABLE events ENABLE ROW LEVEL SECURITY;

DO $policy$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_policies WHERE tablename = 'events' AND policyname = 'events_tenant_isolation'
	) THEN
		CREATE POLICY events_tenant_isolation ON events
		USING (tenant_id = current_setting('app.current_tenant', true)::text);
	END IF;
END
$policy$;
`

// Init creates the events table, the storage-level mutation guard, and (on
// Postgres) the tenant isolation policy.
func (l *SQL) Init(ctx context.Context) error {
	schema := sqliteSchema
	if l.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventlog: init schema: %w", err)
	}
	return nil
}

// IsImmutabilityViolation reports whether err was raised by the storage
// mutation guard.
func IsImmutabilityViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "immutability violation")
}

// Append validates, checksums, and commits the draft in its own transaction.
func (l *SQL) Append(ctx context.Context, d Draft) (*Event, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventlog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	evt, err := l.AppendTx(ctx, tx, d)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventlog: commit: %w", err)
	}
	return evt, nil
}

// AppendTx appends inside a caller-owned transaction. The transition engine
// uses this to make the case mutation, transition record, and event append
// one atomic unit.
func (l *SQL) AppendTx(ctx context.Context, tx *sql.Tx, d Draft) (*Event, error) {
	if err := d.Normalize(); err != nil {
		return nil, err
	}
	checksum, err := d.Checksum()
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not canonicalizable: %v", ErrValidation, err)
	}

	metaJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata marshal: %v", ErrValidation, err)
	}

	// Clamp recorded_at so one entity's timeline stays monotonic even under
	// clock regressions; insert order (seq) is the authoritative tiebreak.
	now := l.nowFunc().UTC()
	var lastRaw sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT recorded_at FROM events WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 ORDER BY seq DESC LIMIT 1`,
		d.TenantID, d.EntityType, d.EntityID,
	).Scan(&lastRaw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("eventlog: read timeline tail: %w", err)
	}
	if lastRaw.Valid {
		if last, perr := time.Parse(time.RFC3339Nano, lastRaw.String); perr == nil && !now.After(last) {
			now = last.Add(time.Microsecond)
		}
	}

	evt := &Event{
		ID:         uuid.New().String(),
		EventType:  d.EventType,
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		ActorType:  d.ActorType,
		ActorID:    d.ActorID,
		TenantID:   d.TenantID,
		Metadata:   d.Metadata,
		Checksum:   checksum,
		RecordedAt: now,
	}

	const insert = `
		INSERT INTO events (id, tenant_id, event_type, entity_type, entity_id, actor_type, actor_id, metadata, checksum, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if l.dialect == DialectPostgres {
		err = tx.QueryRowContext(ctx, insert+` RETURNING seq`,
			evt.ID, evt.TenantID, evt.EventType, evt.EntityType, evt.EntityID,
			evt.ActorType, evt.ActorID, string(metaJSON), evt.Checksum,
			evt.RecordedAt.Format(time.RFC3339Nano),
		).Scan(&evt.Seq)
		if err != nil {
			return nil, fmt.Errorf("eventlog: insert event: %w", err)
		}
		return evt, nil
	}

	res, err := tx.ExecContext(ctx, insert,
		evt.ID, evt.TenantID, evt.EventType, evt.EntityType, evt.EntityID,
		evt.ActorType, evt.ActorID, string(metaJSON), evt.Checksum,
		evt.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: insert event: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		evt.Seq = uint64(seq)
	}
	return evt, nil
}

const eventColumns = `id, tenant_id, event_type, entity_type, entity_id, actor_type, actor_id, metadata, checksum, recorded_at, seq`

// Get retrieves a stored event by id.
func (l *SQL) Get(ctx context.Context, eventID string) (*Event, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, eventID)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
		}
		return nil, err
	}
	return evt, nil
}

// VerifyIntegrity re-reads the stored row and recomputes its checksum.
// The read always hits the authoritative store; there is no cache to mask a
// tampered record.
func (l *SQL) VerifyIntegrity(ctx context.Context, eventID string) (bool, error) {
	evt, err := l.Get(ctx, eventID)
	if err != nil {
		return false, err
	}

	computed, err := evt.draft().Checksum()
	if err != nil {
		return false, fmt.Errorf("recompute checksum for %s: %w", eventID, err)
	}
	if computed != evt.Checksum {
		ie := &IntegrityError{EventID: eventID, StoredChecksum: evt.Checksum, ComputedChecksum: computed}
		l.alert(ctx, ie)
		return false, ie
	}
	return true, nil
}

// Timeline returns the tenant-scoped history of one entity in commit order.
func (l *SQL) Timeline(ctx context.Context, tenantID, entityType, entityID string) ([]*Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		 ORDER BY seq ASC`,
		tenantID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: timeline query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Event, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of events matching the filter.
func (l *SQL) Count(ctx context.Context, f Filter) (int64, error) {
	if f.TenantID == "" {
		return 0, fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}

	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	addFilter := func(col, val string) {
		if val != "" {
			args = append(args, val)
			where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	addFilter("event_type", string(f.EventType))
	addFilter("entity_type", f.EntityType)
	addFilter("entity_id", f.EntityID)
	addFilter("checksum", f.Checksum)

	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE `+strings.Join(where, " AND "), args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("eventlog: count query: %w", err)
	}
	return n, nil
}

var _ Log = (*SQL)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var evt Event
	var metaJSON, recordedAt string
	err := row.Scan(&evt.ID, &evt.TenantID, &evt.EventType, &evt.EntityType,
		&evt.EntityID, &evt.ActorType, &evt.ActorID, &metaJSON, &evt.Checksum,
		&recordedAt, &evt.Seq)
	if err != nil {
		return nil, err
	}
	if metaJSON != "" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("eventlog: corrupt metadata for %s: %w", evt.ID, err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return nil, fmt.Errorf("eventlog: corrupt recorded_at for %s: %w", evt.ID, err)
	}
	evt.RecordedAt = ts
	return &evt, nil
}
