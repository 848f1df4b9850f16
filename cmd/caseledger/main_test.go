package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/juris-labs/caseledger/pkg/eventlog"
	"github.com/juris-labs/caseledger/pkg/workspace"
)

func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cases.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { require.NoError(t, db.Close()) }()

	ctx := context.Background()
	log := eventlog.NewSQL(db, eventlog.DialectSQLite)
	require.NoError(t, log.Init(ctx))

	intake := &workspace.Case{SourceType: "email", SourceRaw: "raw", UncertaintyLevel: 1.0}
	drafts := []eventlog.Draft{
		{
			EventType:  eventlog.EventCaseReceived,
			EntityType: "case",
			EntityID:   "case-1",
			ActorType:  eventlog.ActorSystem,
			TenantID:   "t1",
			Metadata:   workspace.IntakePayload(intake),
		},
		{
			EventType:  eventlog.EventCaseClassified,
			EntityType: "case",
			EntityID:   "case-1",
			ActorType:  eventlog.ActorSystem,
			TenantID:   "t1",
			Metadata: workspace.TransitionPayload(workspace.StateReceived, workspace.StateClassified, "",
				map[string]any{"procedure_type": "recouvrement"}),
		},
	}
	for _, d := range drafts {
		_, err := log.Append(ctx, d)
		require.NoError(t, err)
	}
	return path
}

func TestVerifyCommand(t *testing.T) {
	path := seedDatabase(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"caseledger", "verify", "--db", path, "--tenant", "t1", "--case", "case-1", "--json"},
		&stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, true, out["valid"])
	assert.Equal(t, float64(2), out["events"])
}

func TestReplayCommand(t *testing.T) {
	path := seedDatabase(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"caseledger", "replay", "--db", path, "--tenant", "t1", "--case", "case-1"},
		&stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var c workspace.Case
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &c))
	assert.Equal(t, workspace.StateClassified, c.CurrentState)
	assert.Equal(t, "recouvrement", c.ProcedureType)
}

func TestVerifyMissingFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"caseledger", "verify"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "required")
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"caseledger", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestVerifyUnknownCase(t *testing.T) {
	path := seedDatabase(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"caseledger", "verify", "--db", path, "--tenant", "t1", "--case", "nope"},
		&stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "no events")
}
