package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PresenceState is the authoritative in-memory map of which participants are
// currently online per realm. Each realm's entry is only mutated by that
// realm's own poll cycle; the lock exists for cross-realm readers.
type PresenceState struct {
	sync.RWMutex
	logger *zap.Logger
	online map[string]map[string]struct{}
}

func NewPresenceState(logger *zap.Logger) *PresenceState {
	return &PresenceState{
		logger: logger,
		online: make(map[string]map[string]struct{}),
	}
}

// Current returns a copy of the online set for the realm.
func (s *PresenceState) Current(realmID string) map[string]struct{} {
	s.RLock()
	defer s.RUnlock()

	current := make(map[string]struct{}, len(s.online[realmID]))
	for participantID := range s.online[realmID] {
		current[participantID] = struct{}{}
	}
	return current
}

// Apply mutates the realm's online set with the joined and left deltas.
func (s *PresenceState) Apply(realmID string, joined, left []string) {
	s.Lock()
	defer s.Unlock()

	set := s.online[realmID]
	if set == nil {
		set = make(map[string]struct{}, len(joined))
		s.online[realmID] = set
	}
	for _, participantID := range joined {
		set[participantID] = struct{}{}
	}
	for _, participantID := range left {
		delete(set, participantID)
	}
	if len(set) == 0 {
		delete(s.online, realmID)
	}
}

// ClearRealm empties the realm's online set and returns who was online. Used
// on the unreachable path, which must never run through the normal diff.
func (s *PresenceState) ClearRealm(realmID string) []string {
	s.Lock()
	defer s.Unlock()

	cleared := make([]string, 0, len(s.online[realmID]))
	for participantID := range s.online[realmID] {
		cleared = append(cleared, participantID)
	}
	delete(s.online, realmID)
	return cleared
}

// SeedFromStore rebuilds in-memory state from durable sessions at startup.
// Rows still marked online but last seen before the grace window are
// corrected to offline in the store and excluded from the seed.
func (s *PresenceState) SeedFromStore(ctx context.Context, sessions SessionStore, grace time.Duration) error {
	cutoff := time.Now().Add(-grace)

	corrected, err := sessions.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to correct stale sessions: %w", err)
	}
	if corrected > 0 {
		s.logger.Info("Corrected stale online sessions from previous run", zap.Int64("count", corrected))
	}

	rows, err := sessions.OnlineSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load online sessions: %w", err)
	}

	s.Lock()
	defer s.Unlock()
	for _, row := range rows {
		set := s.online[row.RealmID]
		if set == nil {
			set = make(map[string]struct{})
			s.online[row.RealmID] = set
		}
		set[row.ParticipantID] = struct{}{}
	}

	s.logger.Info("Seeded presence state", zap.Int("realms", len(s.online)), zap.Int("sessions", len(rows)))
	return nil
}
