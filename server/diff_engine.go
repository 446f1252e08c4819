package server

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PresenceDelta is the joined/left difference between two consecutive
// snapshots of one realm. Immutable once emitted.
type PresenceDelta struct {
	RealmID   string
	Joined    []string
	Left      []string
	Timestamp time.Time
}

// DiffEngine turns raw snapshots into deltas against the authoritative
// presence state, and tracks how long each realm has gone without any
// presence data from the source.
type DiffEngine struct {
	logger     *zap.Logger
	state      *PresenceState
	staleAfter time.Duration

	mu           sync.Mutex
	lastNonEmpty map[string]time.Time
}

func NewDiffEngine(logger *zap.Logger, state *PresenceState, staleAfter time.Duration) *DiffEngine {
	return &DiffEngine{
		logger:       logger,
		state:        state,
		staleAfter:   staleAfter,
		lastNonEmpty: make(map[string]time.Time),
	}
}

// Observe computes the delta for a snapshot and applies it to the state
// store. A nil return means a quiet poll. Membership is the only state
// compared: a participant present in both sets is neither joined nor left.
func (e *DiffEngine) Observe(realmID string, snapshot map[string]struct{}, ts time.Time) *PresenceDelta {
	current := e.state.Current(realmID)

	joined := make([]string, 0, len(snapshot))
	for participantID := range snapshot {
		if _, found := current[participantID]; !found {
			joined = append(joined, participantID)
		}
	}
	left := make([]string, 0, len(current))
	for participantID := range current {
		if _, found := snapshot[participantID]; !found {
			left = append(left, participantID)
		}
	}

	if len(joined) == 0 && len(left) == 0 {
		return nil
	}

	sort.Strings(joined)
	sort.Strings(left)

	e.state.Apply(realmID, joined, left)

	return &PresenceDelta{
		RealmID:   realmID,
		Joined:    joined,
		Left:      left,
		Timestamp: ts,
	}
}

// RecordActivity notes that the source returned presence data for the realm,
// resetting its staleness clock.
func (e *DiffEngine) RecordActivity(realmID string, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastNonEmpty[realmID] = ts
}

// CheckStale reports whether the realm has gone longer than the threshold
// without presence data. After firing, the clock re-arms so continued
// silence produces one warning per threshold period, not one per poll.
func (e *DiffEngine) CheckStale(realmID string, now time.Time) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	since, found := e.lastNonEmpty[realmID]
	if !found {
		// First observation arms the clock.
		e.lastNonEmpty[realmID] = now
		return time.Time{}, false
	}
	if now.Sub(since) < e.staleAfter {
		return time.Time{}, false
	}

	e.lastNonEmpty[realmID] = now
	return since, true
}

// ForgetRealm drops staleness tracking for a realm removed from rotation.
func (e *DiffEngine) ForgetRealm(realmID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastNonEmpty, realmID)
}
