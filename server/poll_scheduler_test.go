package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type schedulerFixture struct {
	scheduler *PollScheduler
	source    *fakeSource
	state     *PresenceState
	capture   *captureConsumer
	store     *fakeDestinationStore
	offline   *OfflineRealmTracker
	metrics   *Metrics
}

func newSchedulerFixture(source *fakeSource, dests ...*Destination) *schedulerFixture {
	logger := zap.NewNop()
	config := testPollerConfig()

	state := NewPresenceState(logger)
	diff := NewDiffEngine(logger, state, config.StaleAfter)
	offline := NewOfflineRealmTracker(logger, newFakeOfflineMarkerStore())

	capture := &captureConsumer{}
	bus := NewEventBus(logger)
	bus.Register(capture)

	store := newFakeDestinationStore(dests...)
	metrics := newTestMetrics()
	policy := NewInvalidationPolicy(logger, store, metrics, config)
	gamertags := newTestGamertagResolver(&fakeGamertagAPI{tags: map[string]string{"1000": "Alpha"}}, 30)

	return &schedulerFixture{
		scheduler: NewPollScheduler(logger, config, source, state, diff, offline, bus, store, policy, gamertags, metrics),
		source:    source,
		state:     state,
		capture:   capture,
		store:     store,
		offline:   offline,
		metrics:   metrics,
	}
}

func TestPollSchedulerSnapshotFlow(t *testing.T) {
	snapshots := []*Snapshot{
		snapshotOf("realm-1", "1000", "1001"),
		snapshotOf("realm-1", "1001", "1002"),
	}
	var polls int
	source := &fakeSource{
		pollFn: func(ctx context.Context, realmID string) (*Snapshot, error) {
			snapshot := snapshots[polls]
			polls++
			return snapshot, nil
		},
	}
	f := newSchedulerFixture(source, activeDestination("dest-1", "realm-1"))

	f.scheduler.pollRealm("realm-1")
	f.scheduler.pollRealm("realm-1")

	events := f.capture.captured()
	require.Len(t, events, 2)

	first, ok := events[0].(*PresenceUpdateEvent)
	require.True(t, ok)
	require.Equal(t, []string{"1000", "1001"}, first.Joined)
	require.Empty(t, first.Left)
	require.Equal(t, "Alpha", first.Gamertags["1000"])

	second, ok := events[1].(*PresenceUpdateEvent)
	require.True(t, ok)
	require.Equal(t, []string{"1002"}, second.Joined)
	require.Equal(t, []string{"1000"}, second.Left)

	require.Equal(t, playerSet("1001", "1002"), f.state.Current("realm-1"))
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues("ok")))
}

func TestPollSchedulerQuietPoll(t *testing.T) {
	source := &fakeSource{
		pollFn: func(ctx context.Context, realmID string) (*Snapshot, error) {
			return snapshotOf(realmID, "1000"), nil
		},
	}
	f := newSchedulerFixture(source, activeDestination("dest-1", "realm-1"))

	f.scheduler.pollRealm("realm-1")
	f.scheduler.pollRealm("realm-1")

	require.Len(t, f.capture.captured(), 1)
}

func TestPollSchedulerOverlapSkipped(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	source := &fakeSource{
		pollFn: func(ctx context.Context, realmID string) (*Snapshot, error) {
			once.Do(func() { close(started) })
			<-release
			return snapshotOf(realmID), nil
		},
	}
	f := newSchedulerFixture(source, activeDestination("dest-1", "realm-1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.scheduler.pollRealm("realm-1")
	}()
	<-started

	// The slow poll is still in flight; this cycle is skipped, never queued.
	f.scheduler.pollRealm("realm-1")
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues("overlap_skipped")))

	close(release)
	<-done
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues("ok")))
}

func TestPollSchedulerUnreachableTransitions(t *testing.T) {
	// Unreachable three times, reachable once, unreachable again. Down fires
	// on each transition only, up fires once.
	outcomes := []error{ErrRealmUnreachable, ErrRealmUnreachable, ErrRealmUnreachable, nil, ErrRealmUnreachable}
	var polls int
	source := &fakeSource{
		pollFn: func(ctx context.Context, realmID string) (*Snapshot, error) {
			err := outcomes[polls]
			polls++
			if err != nil {
				return nil, err
			}
			return snapshotOf(realmID, "1000"), nil
		},
	}
	f := newSchedulerFixture(source, activeDestination("dest-1", "realm-1"))

	for range outcomes {
		f.scheduler.pollRealm("realm-1")
	}

	var downs []*RealmDownEvent
	var ups, updates int
	for _, evt := range f.capture.captured() {
		switch evt := evt.(type) {
		case *RealmDownEvent:
			downs = append(downs, evt)
		case *RealmOnlineEvent:
			ups++
		case *PresenceUpdateEvent:
			updates++
		}
	}
	require.Len(t, downs, 2)
	require.Equal(t, 1, ups)
	require.Equal(t, 1, updates)

	// The second down event reports who was online when the realm vanished.
	require.Empty(t, downs[0].Disconnected)
	require.Equal(t, []string{"1000"}, downs[1].Disconnected)

	require.True(t, f.offline.IsOffline("realm-1"))
	require.Empty(t, f.state.Current("realm-1"))
}

func TestPollSchedulerTransientError(t *testing.T) {
	source := &fakeSource{
		pollFn: func(ctx context.Context, realmID string) (*Snapshot, error) {
			return nil, errors.New("gateway timeout")
		},
	}
	f := newSchedulerFixture(source, activeDestination("dest-1", "realm-1"))

	f.scheduler.pollRealm("realm-1")

	// Transient source errors are not unreachability: no events, no marker.
	require.Empty(t, f.capture.captured())
	require.False(t, f.offline.IsOffline("realm-1"))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues("transient_error")))
}

func TestPollSchedulerDropsExhaustedRealm(t *testing.T) {
	dest := activeDestination("dest-1", "realm-1")
	dest.ChannelID = ""
	source := &fakeSource{
		pollFn: func(ctx context.Context, realmID string) (*Snapshot, error) {
			return nil, ErrRealmUnreachable
		},
	}
	f := newSchedulerFixture(source, dest)

	f.scheduler.pollRealm("realm-1")

	require.True(t, f.scheduler.isDropped("realm-1"))
	require.Equal(t, []string{"realm-1"}, f.source.unsubscribed)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RealmsDropped))
	// Dropping clears the offline marker so a re-added realm starts clean.
	require.False(t, f.offline.IsOffline("realm-1"))

	// A second unreachable poll is a no-op for an already-dropped realm.
	f.scheduler.pollRealm("realm-1")
	require.Equal(t, []string{"realm-1"}, f.source.unsubscribed)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RealmsDropped))
}

func TestPollSchedulerViableRealmNotDropped(t *testing.T) {
	source := &fakeSource{
		pollFn: func(ctx context.Context, realmID string) (*Snapshot, error) {
			return nil, ErrRealmUnreachable
		},
	}
	f := newSchedulerFixture(source, activeDestination("dest-1", "realm-1"))

	f.scheduler.pollRealm("realm-1")

	require.False(t, f.scheduler.isDropped("realm-1"))
	require.Empty(t, f.source.unsubscribed)
}

func TestPollSchedulerStartStop(t *testing.T) {
	var mu sync.Mutex
	var polled []string
	source := &fakeSource{
		pollFn: func(ctx context.Context, realmID string) (*Snapshot, error) {
			mu.Lock()
			polled = append(polled, realmID)
			mu.Unlock()
			return snapshotOf(realmID), nil
		},
	}
	f := newSchedulerFixture(source, activeDestination("dest-1", "realm-1"))

	f.scheduler.Start()
	f.scheduler.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(polled) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	f.scheduler.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"realm-1"}, polled[:1])
}
