package workspace

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/juris-labs/caseledger/pkg/eventlog"
)

func newIntakeCase(tenantID, caseID string) *Case {
	return &Case{
		ID:               caseID,
		TenantID:         tenantID,
		CurrentState:     StateReceived,
		UncertaintyLevel: 1.0,
		SourceType:       "email",
		SourceRaw:        "raw body",
		Facts:            []Fact{},
		Contexts:         []ContextItem{},
		Obligations:      []Obligation{},
		MissingElements:  []MissingElement{},
		Risks:            []Risk{},
		ProposedActions:  []ProposedAction{},
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
}

func intakeDraft(tenantID, caseID string) eventlog.Draft {
	return eventlog.Draft{
		EventType:  eventlog.EventCaseReceived,
		EntityType: "case",
		EntityID:   caseID,
		ActorType:  eventlog.ActorSystem,
		TenantID:   tenantID,
		Metadata:   IntakePayload(newIntakeCase(tenantID, caseID)),
	}
}

// storeUnderTest runs the same contract suite against both implementations.
type storeUnderTest struct {
	name  string
	build func(t *testing.T) (Store, eventlog.Log)
}

func stores(t *testing.T) []storeUnderTest {
	t.Helper()
	return []storeUnderTest{
		{
			name: "memory",
			build: func(t *testing.T) (Store, eventlog.Log) {
				log := eventlog.NewMemory()
				return NewMemoryStore(log), log
			},
		},
		{
			name: "sqlite",
			build: func(t *testing.T) (Store, eventlog.Log) {
				db, err := sql.Open("sqlite", ":memory:")
				require.NoError(t, err)
				db.SetMaxOpenConns(1)
				t.Cleanup(func() { _ = db.Close() })

				log := eventlog.NewSQL(db, eventlog.DialectSQLite)
				require.NoError(t, log.Init(context.Background()))
				store := NewSQLStore(db, eventlog.DialectSQLite, log)
				require.NoError(t, store.Init(context.Background()))
				return store, log
			},
		},
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	for _, tc := range stores(t) {
		t.Run(tc.name, func(t *testing.T) {
			store, log := tc.build(t)
			ctx := context.Background()

			created, err := store.Create(ctx, newIntakeCase("t1", "c1"), intakeDraft("t1", "c1"))
			require.NoError(t, err)
			assert.Equal(t, int64(0), created.Revision)

			got, err := store.Get(ctx, "t1", "c1")
			require.NoError(t, err)
			assert.Equal(t, StateReceived, got.CurrentState)
			assert.Equal(t, 1.0, got.UncertaintyLevel)

			// Creation already has its proof in the log.
			n, err := log.Count(ctx, eventlog.Filter{TenantID: "t1", EntityID: "c1"})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestStoreGetErrors(t *testing.T) {
	for _, tc := range stores(t) {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := tc.build(t)
			ctx := context.Background()

			_, err := store.Create(ctx, newIntakeCase("t1", "c1"), intakeDraft("t1", "c1"))
			require.NoError(t, err)

			_, err = store.Get(ctx, "t1", "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			// Existing case, wrong tenant: isolation error, not a 404.
			_, err = store.Get(ctx, "t2", "c1")
			assert.ErrorIs(t, err, ErrTenantIsolation)
		})
	}
}

func TestStoreCommitRevisionConflict(t *testing.T) {
	for _, tc := range stores(t) {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := tc.build(t)
			ctx := context.Background()

			_, err := store.Create(ctx, newIntakeCase("t1", "c1"), intakeDraft("t1", "c1"))
			require.NoError(t, err)

			mut := func(rev int64) Mutation {
				return Mutation{
					TenantID:         "t1",
					CaseID:           "c1",
					ExpectedRevision: rev,
					Apply: func(c *Case) error {
						c.CurrentState = StateClassified
						return nil
					},
					Event: eventlog.Draft{
						EventType:  eventlog.EventCaseClassified,
						EntityType: "case",
						EntityID:   "c1",
						ActorType:  eventlog.ActorSystem,
						TenantID:   "t1",
						Metadata:   TransitionPayload(StateReceived, StateClassified, "", nil),
					},
				}
			}

			updated, err := store.Commit(ctx, mut(0))
			require.NoError(t, err)
			assert.Equal(t, int64(1), updated.Revision)

			// Same expected revision again: the first writer won.
			_, err = store.Commit(ctx, mut(0))
			assert.ErrorIs(t, err, ErrConcurrencyConflict)
		})
	}
}

func TestStoreCommitRecordsTransition(t *testing.T) {
	for _, tc := range stores(t) {
		t.Run(tc.name, func(t *testing.T) {
			store, log := tc.build(t)
			ctx := context.Background()

			_, err := store.Create(ctx, newIntakeCase("t1", "c1"), intakeDraft("t1", "c1"))
			require.NoError(t, err)

			_, err = store.Commit(ctx, Mutation{
				TenantID:         "t1",
				CaseID:           "c1",
				ExpectedRevision: 0,
				Apply: func(c *Case) error {
					c.CurrentState = StateClassified
					c.ProcedureType = "recouvrement"
					return nil
				},
				Transition: &TransitionRecord{
					TenantID:    "t1",
					WorkspaceID: "c1",
					FromState:   StateReceived,
					ToState:     StateClassified,
					TriggeredBy: "system",
					Reason:      "classifier match",
				},
				Event: eventlog.Draft{
					EventType:  eventlog.EventCaseClassified,
					EntityType: "case",
					EntityID:   "c1",
					ActorType:  eventlog.ActorSystem,
					TenantID:   "t1",
					Metadata: TransitionPayload(StateReceived, StateClassified, "classifier match",
						map[string]any{"procedure_type": "recouvrement"}),
				},
			})
			require.NoError(t, err)

			recs, err := store.Transitions(ctx, "t1", "c1")
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, StateReceived, recs[0].FromState)
			assert.Equal(t, StateClassified, recs[0].ToState)
			assert.NotEmpty(t, recs[0].ID)
			assert.False(t, recs[0].OccurredAt.IsZero())

			// Transition record and event commit together.
			n, err := log.Count(ctx, eventlog.Filter{TenantID: "t1", EventType: eventlog.EventCaseClassified})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			// Other tenants see nothing.
			recs, err = store.Transitions(ctx, "t2", "c1")
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestStoreCommitApplyFailureLeavesNoTrace(t *testing.T) {
	for _, tc := range stores(t) {
		t.Run(tc.name, func(t *testing.T) {
			store, log := tc.build(t)
			ctx := context.Background()

			_, err := store.Create(ctx, newIntakeCase("t1", "c1"), intakeDraft("t1", "c1"))
			require.NoError(t, err)

			_, err = store.Commit(ctx, Mutation{
				TenantID:         "t1",
				CaseID:           "c1",
				ExpectedRevision: 0,
				Apply: func(c *Case) error {
					c.CurrentState = StateClassified
					return assert.AnError
				},
				Event: eventlog.Draft{
					EventType:  eventlog.EventCaseClassified,
					EntityType: "case",
					EntityID:   "c1",
					ActorType:  eventlog.ActorSystem,
					TenantID:   "t1",
				},
			})
			require.Error(t, err)

			got, err := store.Get(ctx, "t1", "c1")
			require.NoError(t, err)
			assert.Equal(t, StateReceived, got.CurrentState)
			assert.Equal(t, int64(0), got.Revision)

			n, err := log.Count(ctx, eventlog.Filter{TenantID: "t1", EventType: eventlog.EventCaseClassified})
			require.NoError(t, err)
			assert.Equal(t, int64(0), n, "no event for a rolled-back mutation")
		})
	}
}

func TestStoreConcurrentCommitsExactlyOneWins(t *testing.T) {
	for _, tc := range stores(t) {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := tc.build(t)
			ctx := context.Background()

			_, err := store.Create(ctx, newIntakeCase("t1", "c1"), intakeDraft("t1", "c1"))
			require.NoError(t, err)

			const writers = 8
			errs := make([]error, writers)
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = store.Commit(ctx, Mutation{
						TenantID:         "t1",
						CaseID:           "c1",
						ExpectedRevision: 0,
						Apply: func(c *Case) error {
							c.CurrentState = StateClassified
							return nil
						},
						Event: eventlog.Draft{
							EventType:  eventlog.EventCaseClassified,
							EntityType: "case",
							EntityID:   "c1",
							ActorType:  eventlog.ActorSystem,
							TenantID:   "t1",
							Metadata:   TransitionPayload(StateReceived, StateClassified, "", nil),
						},
					})
				}(i)
			}
			wg.Wait()

			var won, conflicted int
			for _, err := range errs {
				switch {
				case err == nil:
					won++
				default:
					assert.ErrorIs(t, err, ErrConcurrencyConflict)
					conflicted++
				}
			}
			assert.Equal(t, 1, won, "exactly one writer commits")
			assert.Equal(t, writers-1, conflicted)

			got, err := store.Get(ctx, "t1", "c1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Revision)
		})
	}
}

func TestStoreCreateDuplicate(t *testing.T) {
	for _, tc := range stores(t) {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := tc.build(t)
			ctx := context.Background()

			_, err := store.Create(ctx, newIntakeCase("t1", "c1"), intakeDraft("t1", "c1"))
			require.NoError(t, err)

			_, err = store.Create(ctx, newIntakeCase("t1", "c1"), intakeDraft("t1", "c1"))
			require.Error(t, err)
		})
	}
}
