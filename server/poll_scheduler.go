package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// PollScheduler drives one polling cycle per tracked realm on a fixed
// interval. A counting admission gate bounds concurrent external polls
// process-wide, and a per-realm in-flight guard guarantees a realm is never
// polled by two overlapping cycles.
type PollScheduler struct {
	logger *zap.Logger
	config PollerConfig

	source       PresenceSource
	state        *PresenceState
	diff         *DiffEngine
	offline      *OfflineRealmTracker
	bus          *EventBus
	destinations DestinationStore
	policy       *InvalidationPolicy
	gamertags    *GamertagResolver
	metrics      *Metrics

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	gate chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	dropped  map[string]struct{}

	started *atomic.Bool
	wg      sync.WaitGroup
}

func NewPollScheduler(logger *zap.Logger, config PollerConfig, source PresenceSource, state *PresenceState, diff *DiffEngine, offline *OfflineRealmTracker, bus *EventBus, destinations DestinationStore, policy *InvalidationPolicy, gamertags *GamertagResolver, metrics *Metrics) *PollScheduler {
	ctx, cancelFn := context.WithCancel(context.Background())

	return &PollScheduler{
		logger:       logger,
		config:       config,
		source:       source,
		state:        state,
		diff:         diff,
		offline:      offline,
		bus:          bus,
		destinations: destinations,
		policy:       policy,
		gamertags:    gamertags,
		metrics:      metrics,
		ctx:          ctx,
		ctxCancelFn:  cancelFn,
		gate:         make(chan struct{}, config.Concurrency),
		inFlight:     make(map[string]struct{}),
		dropped:      make(map[string]struct{}),
		started:      atomic.NewBool(false),
	}
}

func (s *PollScheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.runCycle()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runCycle()
			}
		}
	}()

	s.logger.Info("Poll scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("concurrency", s.config.Concurrency))
}

// Stop cancels the scheduler and waits for in-flight cycles to settle.
func (s *PollScheduler) Stop() {
	s.ctxCancelFn()
	s.wg.Wait()
}

func (s *PollScheduler) runCycle() {
	realmIDs, err := s.destinations.TrackedRealms(s.ctx)
	if err != nil {
		s.logger.Error("Failed to list tracked realms", zap.Error(err))
		return
	}

	for _, realmID := range realmIDs {
		if s.isDropped(realmID) {
			continue
		}
		s.wg.Add(1)
		go func(realmID string) {
			defer s.wg.Done()
			s.pollRealm(realmID)
		}(realmID)
	}
}

// pollRealm runs one complete cycle for a realm: poll, diff, state update,
// event emission. The cycle is skipped outright when the previous one for
// the same realm is still in flight.
func (s *PollScheduler) pollRealm(realmID string) {
	if !s.acquireRealm(realmID) {
		s.metrics.PollsTotal.WithLabelValues("overlap_skipped").Inc()
		s.logger.Debug("Skipping poll, previous cycle still in flight", zap.String("realm_id", realmID))
		return
	}
	defer s.releaseRealm(realmID)

	select {
	case s.gate <- struct{}{}:
	case <-s.ctx.Done():
		return
	}
	s.metrics.PollsInFlight.Inc()
	snapshot, err := s.source.Poll(s.ctx, realmID)
	s.metrics.PollsInFlight.Dec()
	<-s.gate

	if err != nil {
		if errors.Is(err, ErrRealmUnreachable) {
			s.metrics.PollsTotal.WithLabelValues("unreachable").Inc()
			s.handleUnreachable(realmID)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		// Transient source error: not unreachability, retried next cycle.
		s.metrics.PollsTotal.WithLabelValues("transient_error").Inc()
		s.logger.Warn("Poll failed", zap.String("realm_id", realmID), zap.Error(err))
		return
	}

	s.metrics.PollsTotal.WithLabelValues("ok").Inc()
	s.handleSnapshot(realmID, snapshot)
}

func (s *PollScheduler) handleSnapshot(realmID string, snapshot *Snapshot) {
	now := snapshot.Taken

	transitioned, err := s.offline.MarkOnline(s.ctx, realmID)
	if err != nil {
		s.logger.Warn("Failed to clear offline marker", zap.String("realm_id", realmID), zap.Error(err))
	}
	if transitioned {
		s.bus.Publish(s.ctx, &RealmOnlineEvent{RealmID: realmID, Timestamp: now})
	}

	if len(snapshot.Players) > 0 {
		s.diff.RecordActivity(realmID, now)
	}

	if delta := s.diff.Observe(realmID, snapshot.Players, now); delta != nil {
		s.metrics.DeltasTotal.Inc()
		s.metrics.ParticipantsJoined.Add(float64(len(delta.Joined)))
		s.metrics.ParticipantsLeft.Add(float64(len(delta.Left)))

		// Fresh joins bypass the display-name cache; a stale mapping is most
		// likely exactly for the people who just showed up.
		bypass := make(map[string]struct{}, len(delta.Joined))
		for _, participantID := range delta.Joined {
			bypass[participantID] = struct{}{}
		}
		gamertags := s.gamertags.ResolveBatch(s.ctx, append(append([]string{}, delta.Joined...), delta.Left...), bypass)

		s.bus.Publish(s.ctx, &PresenceUpdateEvent{
			RealmID:   realmID,
			Joined:    delta.Joined,
			Left:      delta.Left,
			Gamertags: gamertags,
			Timestamp: delta.Timestamp,
		})
	}

	if since, stale := s.diff.CheckStale(realmID, now); stale {
		s.bus.Publish(s.ctx, &StalePresenceEvent{RealmID: realmID, Since: since})
	}
}

// handleUnreachable routes explicit unreachability through the offline state
// machine. It never runs the diff path: an unreadable realm is not a realm
// everyone left.
func (s *PollScheduler) handleUnreachable(realmID string) {
	now := time.Now().UTC()

	transitioned, err := s.offline.MarkOffline(s.ctx, realmID)
	if err != nil {
		s.logger.Warn("Failed to persist offline marker", zap.String("realm_id", realmID), zap.Error(err))
	}
	if transitioned {
		disconnected := s.state.ClearRealm(realmID)
		sort.Strings(disconnected)
		s.bus.Publish(s.ctx, &RealmDownEvent{
			RealmID:      realmID,
			Disconnected: disconnected,
			Timestamp:    now,
		})
	}

	exhausted, err := s.policy.RealmExhausted(s.ctx, realmID)
	if err != nil {
		s.logger.Warn("Failed to check realm exhaustion", zap.String("realm_id", realmID), zap.Error(err))
		return
	}
	if exhausted {
		s.dropRealm(realmID)
	}
}

// dropRealm removes a realm from the rotation for good: no viable
// destination wants its data anymore, so polling it forever helps no one.
func (s *PollScheduler) dropRealm(realmID string) {
	s.mu.Lock()
	if _, found := s.dropped[realmID]; found {
		s.mu.Unlock()
		return
	}
	s.dropped[realmID] = struct{}{}
	s.mu.Unlock()

	s.diff.ForgetRealm(realmID)
	if _, err := s.offline.MarkOnline(s.ctx, realmID); err != nil {
		s.logger.Warn("Failed to clear offline marker for dropped realm", zap.String("realm_id", realmID), zap.Error(err))
	}
	if err := s.source.Unsubscribe(s.ctx, realmID); err != nil {
		s.logger.Warn("Failed to unsubscribe from dropped realm", zap.String("realm_id", realmID), zap.Error(err))
	}

	s.metrics.RealmsDropped.Inc()
	s.logger.Info("Dropped realm from poll rotation", zap.String("realm_id", realmID))
}

func (s *PollScheduler) isDropped(realmID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.dropped[realmID]
	return found
}

func (s *PollScheduler) acquireRealm(realmID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.inFlight[realmID]; found {
		return false
	}
	s.inFlight[realmID] = struct{}{}
	return true
}

func (s *PollScheduler) releaseRealm(realmID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, realmID)
}
