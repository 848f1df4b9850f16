package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/juris-labs/caseledger/pkg/eventlog"
)

// SQLStore implements Store over database/sql, sharing one *sql.DB with the
// SQL event log so that a case mutation, its transition record, and its
// event append commit in a single transaction.
//
// The case row is a projection keyed by (tenant_id, id); the collections are
// persisted as a JSON document column. Transitions are insert-only and carry
// the same storage-level mutation guard as events.
type SQLStore struct {
	db      *sql.DB
	dialect eventlog.Dialect
	log     *eventlog.SQL
}

// NewSQLStore creates a SQL-backed case store writing events through log.
func NewSQLStore(db *sql.DB, dialect eventlog.Dialect, log *eventlog.SQL) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, log: log}
}

const sqliteCaseSchema = `
CREATE TABLE IF NOT EXISTS cases (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	current_state TEXT NOT NULL,
	revision INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS transitions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	reason TEXT NOT NULL,
	metadata TEXT,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_case_idx ON transitions (tenant_id, workspace_id, seq);

CREATE TRIGGER IF NOT EXISTS transitions_no_update
BEFORE UPDATE ON transitions
BEGIN
	SELECT RAISE(ABORT, 'immutability violation');
END;

CREATE TRIGGER IF NOT EXISTS transitions_no_delete
BEFORE DELETE ON transitions
BEGIN
	SELECT RAISE(ABORT, 'immutability violation');
END;
`

const postgresCaseSchema = `
CREATE TABLE IF NOT EXISTS cases (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	current_state TEXT NOT NULL,
	revision BIGINT NOT NULL,
	updated_at TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS transitions (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	reason TEXT NOT NULL,
	metadata TEXT,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_case_idx ON transitions (tenant_id, workspace_id, seq);

DROP TRIGGER IF EXISTS transitions_no_mutation ON transitions;
CREATE TRIGGER transitions_no_mutation
	BEFORE UPDATE OR DELETE ON transitions
	FOR EACH ROW EXECUTE FUNCTION events_immutability_guard();
`

// Init creates the case and transition tables. The event log's Init must run
// first on Postgres; the transitions guard reuses its trigger function.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := sqliteCaseSchema
	if s.dialect == eventlog.DialectPostgres {
		schema = postgresCaseSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("workspace: init schema: %w", err)
	}
	return nil
}

// Create inserts a new case and appends its creation event atomically.
func (s *SQLStore) Create(ctx context.Context, c *Case, evt eventlog.Draft) (*Case, error) {
	doc, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("workspace: marshal case: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("workspace: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cases (tenant_id, id, current_state, revision, updated_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.TenantID, c.ID, c.CurrentState, c.Revision,
		c.UpdatedAt.UTC().Format(time.RFC3339Nano), string(doc),
	)
	if err != nil {
		return nil, fmt.Errorf("workspace: insert case: %w", err)
	}

	if _, err := s.log.AppendTx(ctx, tx, evt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("workspace: commit: %w", err)
	}
	return c.Clone(), nil
}

// Get loads a case by (tenant, id).
func (s *SQLStore) Get(ctx context.Context, tenantID, caseID string) (*Case, error) {
	return s.get(ctx, s.db, tenantID, caseID, false)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) get(ctx context.Context, q querier, tenantID, caseID string, forUpdate bool) (*Case, error) {
	query := `SELECT doc FROM cases WHERE tenant_id = $1 AND id = $2`
	if forUpdate && s.dialect == eventlog.DialectPostgres {
		query += ` FOR UPDATE`
	}

	var doc string
	err := q.QueryRowContext(ctx, query, tenantID, caseID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish "does not exist" from "belongs to another tenant".
		var otherTenant string
		lookupErr := q.QueryRowContext(ctx,
			`SELECT tenant_id FROM cases WHERE id = $1 LIMIT 1`, caseID).Scan(&otherTenant)
		if lookupErr == nil && otherTenant != tenantID {
			return nil, fmt.Errorf("%w: case %s", ErrTenantIsolation, caseID)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: load case: %w", err)
	}

	var c Case
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fmt.Errorf("workspace: corrupt case doc for %s: %w", caseID, err)
	}
	return &c, nil
}

// Commit applies the mutation in one transaction: optimistic revision check,
// case update, transition insert, event append.
func (s *SQLStore) Commit(ctx context.Context, m Mutation) (*Case, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("workspace: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := s.get(ctx, tx, m.TenantID, m.CaseID, true)
	if err != nil {
		return nil, err
	}
	if c.Revision != m.ExpectedRevision {
		return nil, fmt.Errorf("%w: expected revision %d, have %d",
			ErrConcurrencyConflict, m.ExpectedRevision, c.Revision)
	}

	if err := m.Apply(c); err != nil {
		return nil, err
	}
	c.Revision++
	c.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("workspace: marshal case: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE cases SET current_state = $1, revision = $2, updated_at = $3, doc = $4
		 WHERE tenant_id = $5 AND id = $6 AND revision = $7`,
		c.CurrentState, c.Revision, c.UpdatedAt.Format(time.RFC3339Nano), string(doc),
		m.TenantID, m.CaseID, m.ExpectedRevision,
	)
	if err != nil {
		return nil, fmt.Errorf("workspace: update case: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("workspace: rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: expected revision %d", ErrConcurrencyConflict, m.ExpectedRevision)
	}

	if m.Transition != nil {
		rec := *m.Transition
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.OccurredAt.IsZero() {
			rec.OccurredAt = c.UpdatedAt
		}
		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("workspace: marshal transition metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transitions (id, tenant_id, workspace_id, from_state, to_state, triggered_by, reason, metadata, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ID, rec.TenantID, rec.WorkspaceID, rec.FromState, rec.ToState,
			rec.TriggeredBy, rec.Reason, string(metaJSON),
			rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, fmt.Errorf("workspace: insert transition: %w", err)
		}
	}

	if _, err := s.log.AppendTx(ctx, tx, m.Event); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("workspace: commit: %w", err)
	}
	return c, nil
}

// Transitions lists a case's transition records in commit order.
func (s *SQLStore) Transitions(ctx context.Context, tenantID, caseID string) ([]*TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, workspace_id, from_state, to_state, triggered_by, reason, metadata, occurred_at
		 FROM transitions WHERE tenant_id = $1 AND workspace_id = $2 ORDER BY seq ASC`,
		tenantID, caseID)
	if err != nil {
		return nil, fmt.Errorf("workspace: transitions query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*TransitionRecord, 0)
	for rows.Next() {
		var rec TransitionRecord
		var metaJSON sql.NullString
		var occurredAt string
		err := rows.Scan(&rec.ID, &rec.TenantID, &rec.WorkspaceID, &rec.FromState,
			&rec.ToState, &rec.TriggeredBy, &rec.Reason, &metaJSON, &occurredAt)
		if err != nil {
			return nil, err
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("workspace: corrupt transition metadata for %s: %w", rec.ID, err)
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("workspace: corrupt occurred_at for %s: %w", rec.ID, err)
		}
		rec.OccurredAt = ts
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Store = (*SQLStore)(nil)
