package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDraft() Draft {
	return Draft{
		EventType:  EventCaseReceived,
		EntityType: "case",
		EntityID:   "case-1",
		ActorType:  ActorSystem,
		TenantID:   "t1",
		Metadata:   map[string]any{},
	}
}

func TestMemory_AppendAssignsIdentityAndChecksum(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	evt, err := log.Append(ctx, validDraft())
	require.NoError(t, err)

	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.Checksum)
	assert.Equal(t, SystemActorID, evt.ActorID)
	assert.False(t, evt.RecordedAt.IsZero())
	assert.Equal(t, uint64(1), evt.Seq)
}

func TestMemory_AppendRejectsMissingRequiredFields(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	cases := map[string]func(*Draft){
		"missing tenant_id":   func(d *Draft) { d.TenantID = "" },
		"missing entity_id":   func(d *Draft) { d.EntityID = "" },
		"missing entity_type": func(d *Draft) { d.EntityType = "" },
		"unknown event_type":  func(d *Draft) { d.EventType = "NOT_A_THING" },
		"unknown actor_type":  func(d *Draft) { d.ActorType = "ROBOT" },
		"user without id":     func(d *Draft) { d.ActorType = ActorUser; d.ActorID = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := validDraft()
			mutate(&d)

			_, err := log.Append(ctx, d)
			assert.ErrorIs(t, err, ErrValidation)

			n, err := log.Count(ctx, Filter{TenantID: "t1"})
			require.NoError(t, err)
			assert.Zero(t, n, "no record must be created on validation failure")
		})
	}
}

func TestMemory_ReplayedDraftReproducesChecksum(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	d := validDraft()
	first, err := log.Append(ctx, d)
	require.NoError(t, err)
	second, err := log.Append(ctx, d)
	require.NoError(t, err)

	// Same logical content, same checksum, but two distinct rows: the log
	// records every attempt and dedup is a consumer-side concern.
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.NotEqual(t, first.ID, second.ID)

	n, err := log.Count(ctx, Filter{TenantID: "t1", Checksum: first.Checksum})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemory_ChecksumExcludesRecordedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	log1 := NewMemory(WithMemoryClock(func() time.Time { return now }))
	log2 := NewMemory(WithMemoryClock(func() time.Time { return now.Add(48 * time.Hour) }))
	ctx := context.Background()

	e1, err := log1.Append(ctx, validDraft())
	require.NoError(t, err)
	e2, err := log2.Append(ctx, validDraft())
	require.NoError(t, err)

	assert.NotEqual(t, e1.RecordedAt, e2.RecordedAt)
	assert.Equal(t, e1.Checksum, e2.Checksum)
}

func TestMemory_VerifyIntegrityDetectsTampering(t *testing.T) {
	var alerted *IntegrityError
	log := NewMemory(WithMemoryAlert(func(_ context.Context, ie *IntegrityError) { alerted = ie }))
	ctx := context.Background()

	d := validDraft()
	d.Metadata = map[string]any{"amount": 100}
	evt, err := log.Append(ctx, d)
	require.NoError(t, err)

	ok, err := log.VerifyIntegrity(ctx, evt.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Alter the stored record out-of-band.
	log.mu.Lock()
	log.byID[evt.ID].Metadata["amount"] = 9999
	log.mu.Unlock()

	ok, err = log.VerifyIntegrity(ctx, evt.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, evt.ID, ie.EventID)
	require.NotNil(t, alerted, "integrity mismatch must reach the alert path")
	assert.Equal(t, evt.ID, alerted.EventID)
}

func TestMemory_VerifyIntegrityUnknownEvent(t *testing.T) {
	log := NewMemory()

	_, err := log.VerifyIntegrity(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_TimelineIsTenantScoped(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	d := validDraft()
	_, err := log.Append(ctx, d)
	require.NoError(t, err)

	other := validDraft()
	other.TenantID = "t2"
	_, err = log.Append(ctx, other)
	require.NoError(t, err)

	events, err := log.Timeline(ctx, "t1", "case", "case-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "t1", events[0].TenantID)

	events, err = log.Timeline(ctx, "t2", "case", "case-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "t2", events[0].TenantID)
}

func TestMemory_TimelineOrderIsMonotonic(t *testing.T) {
	// A clock stuck at one instant still yields strictly increasing
	// recorded_at within one entity's timeline.
	frozen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	log := NewMemory(WithMemoryClock(func() time.Time { return frozen }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, validDraft())
		require.NoError(t, err)
	}

	events, err := log.Timeline(ctx, "t1", "case", "case-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].RecordedAt.After(events[i-1].RecordedAt),
			"timeline must be strictly ordered at index %d", i)
	}
}

func TestMemory_CountByFilter(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	_, err := log.Append(ctx, validDraft())
	require.NoError(t, err)

	d := validDraft()
	d.EventType = EventFactRecorded
	d.EntityType = "fact"
	d.EntityID = "fact-1"
	_, err = log.Append(ctx, d)
	require.NoError(t, err)

	n, err := log.Count(ctx, Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = log.Count(ctx, Filter{TenantID: "t1", EventType: EventFactRecorded})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = log.Count(ctx, Filter{})
	assert.ErrorIs(t, err, ErrValidation, "cross-tenant counts are not allowed")
}

func TestMemory_AppendRejectsNonCanonicalizableMetadata(t *testing.T) {
	log := NewMemory()

	d := validDraft()
	d.Metadata = map[string]any{"ch": make(chan int)}

	_, err := log.Append(context.Background(), d)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMemory_AppendReturnsDetachedCopy(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	d := validDraft()
	d.Metadata = map[string]any{"k": "v"}
	evt, err := log.Append(ctx, d)
	require.NoError(t, err)

	// Mutating the returned event must not affect the stored record.
	evt.Metadata["k"] = "tampered"

	ok, err := log.VerifyIntegrity(ctx, evt.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDraft_ChecksumIndependentOfMetadataKeyOrder(t *testing.T) {
	d1 := validDraft()
	d1.Metadata = map[string]any{"a": 1, "b": 2, "c": 3}
	d2 := validDraft()
	d2.Metadata = map[string]any{"c": 3, "b": 2, "a": 1}

	c1, err := d1.Checksum()
	require.NoError(t, err)
	c2, err := d2.Checksum()
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestIntegrityError_UnwrapsToSentinel(t *testing.T) {
	err := error(&IntegrityError{EventID: "e1"})
	assert.True(t, errors.Is(err, ErrIntegrityMismatch))
}
