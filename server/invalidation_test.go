package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPollerConfig() PollerConfig {
	return NewConfig().Poller
}

func newTestPolicy(dests ...*Destination) (*InvalidationPolicy, *fakeDestinationStore, *Metrics) {
	store := newFakeDestinationStore(dests...)
	metrics := newTestMetrics()
	policy := NewInvalidationPolicy(zap.NewNop(), store, metrics, testPollerConfig())
	return policy, store, metrics
}

func activeDestination(id, realmID string) *Destination {
	return &Destination{
		ID:              id,
		RealmID:         realmID,
		ChannelID:       "chan-" + id,
		LiveUpdates:     true,
		WarningsEnabled: true,
		Entitled:        true,
		UpdatedAt:       time.Now(),
	}
}

func TestInvalidationChannelLimit(t *testing.T) {
	ctx := context.Background()
	dest := activeDestination("dest-1", "realm-1")
	policy, _, metrics := newTestPolicy(dest)

	for i := 1; i <= 2; i++ {
		disabled, err := policy.RecordFailure(ctx, dest, FailureClassChannel)
		require.NoError(t, err)
		require.False(t, disabled)
		require.Equal(t, i, dest.ChannelFailures)
		require.True(t, dest.Viable())
	}

	disabled, err := policy.RecordFailure(ctx, dest, FailureClassChannel)
	require.NoError(t, err)
	require.True(t, disabled)

	require.Empty(t, dest.ChannelID)
	require.False(t, dest.LiveUpdates)
	require.False(t, dest.WarningsEnabled)
	require.Zero(t, dest.ChannelFailures)
	require.False(t, dest.Viable())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.DestinationsDisabled))
}

func TestInvalidationRealmDataLimit(t *testing.T) {
	ctx := context.Background()
	dest := activeDestination("dest-1", "realm-1")
	policy, _, _ := newTestPolicy(dest)

	for i := 1; i <= 6; i++ {
		disabled, err := policy.RecordFailure(ctx, dest, FailureClassRealmData)
		require.NoError(t, err)
		require.False(t, disabled)
	}
	require.Equal(t, 6, dest.DataFailures)

	disabled, err := policy.RecordFailure(ctx, dest, FailureClassRealmData)
	require.NoError(t, err)
	require.True(t, disabled)
	require.False(t, dest.Viable())
}

func TestInvalidationSuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	dest := activeDestination("dest-1", "realm-1")
	dest.ChannelFailures = 2
	policy, store, _ := newTestPolicy(dest)

	require.NoError(t, policy.RecordSuccess(ctx, dest, FailureClassChannel))
	require.Zero(t, dest.ChannelFailures)
	require.Equal(t, 1, store.countUpdates)

	// Resetting an already-zero counter is a no-op, not a write.
	require.NoError(t, policy.RecordSuccess(ctx, dest, FailureClassChannel))
	require.Equal(t, 1, store.countUpdates)
}

func TestInvalidationCounterTTLExpiry(t *testing.T) {
	ctx := context.Background()
	dest := activeDestination("dest-1", "realm-1")
	dest.ChannelFailures = 2
	dest.UpdatedAt = time.Now().Add(-25 * time.Hour)
	policy, _, _ := newTestPolicy(dest)

	// Old counters restart from zero instead of carrying yesterday's strikes.
	disabled, err := policy.RecordFailure(ctx, dest, FailureClassChannel)
	require.NoError(t, err)
	require.False(t, disabled)
	require.Equal(t, 1, dest.ChannelFailures)
}

func TestInvalidationEntitlementLostBypassesCounters(t *testing.T) {
	ctx := context.Background()
	dest := activeDestination("dest-1", "realm-1")
	dest.ChannelFailures = 2
	policy, _, metrics := newTestPolicy(dest)

	require.NoError(t, policy.DeactivateEntitlementLost(ctx, dest))

	require.False(t, dest.Entitled)
	require.False(t, dest.LiveUpdates)
	require.Equal(t, 2, dest.ChannelFailures)
	require.True(t, dest.WarningsEnabled)
	require.NotEmpty(t, dest.ChannelID)
	require.Zero(t, testutil.ToFloat64(metrics.DestinationsDisabled))
}

func TestInvalidationDeactivateIdempotent(t *testing.T) {
	ctx := context.Background()
	dest := activeDestination("dest-1", "realm-1")
	policy, store, metrics := newTestPolicy(dest)

	require.NoError(t, policy.Deactivate(ctx, dest))
	flagUpdates := store.flagUpdates

	require.NoError(t, policy.Deactivate(ctx, dest))
	require.Equal(t, flagUpdates, store.flagUpdates)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.DestinationsDisabled))
}

func TestInvalidationRealmExhausted(t *testing.T) {
	ctx := context.Background()

	viable := activeDestination("dest-1", "realm-1")
	broken := activeDestination("dest-2", "realm-1")
	broken.ChannelID = ""
	policy, _, _ := newTestPolicy(viable, broken)

	exhausted, err := policy.RealmExhausted(ctx, "realm-1")
	require.NoError(t, err)
	require.False(t, exhausted)

	require.NoError(t, policy.Deactivate(ctx, viable))

	exhausted, err = policy.RealmExhausted(ctx, "realm-1")
	require.NoError(t, err)
	require.True(t, exhausted)

	// A realm nobody configured is exhausted by definition.
	exhausted, err = policy.RealmExhausted(ctx, "realm-unknown")
	require.NoError(t, err)
	require.True(t, exhausted)
}
