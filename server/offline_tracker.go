package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// OfflineMarkerStore persists the set of realms currently believed
// unreachable so the down-transition survives process restarts.
type OfflineMarkerStore interface {
	AddOfflineMarker(ctx context.Context, realmID string) error
	RemoveOfflineMarker(ctx context.Context, realmID string) error
	ListOfflineMarkers(ctx context.Context) ([]string, error)
}

// OfflineRealmTracker suppresses duplicate realm-down notifications: only
// the transition into the offline state reports true.
type OfflineRealmTracker struct {
	sync.Mutex
	logger *zap.Logger
	store  OfflineMarkerStore
	realms map[string]struct{}
}

func NewOfflineRealmTracker(logger *zap.Logger, store OfflineMarkerStore) *OfflineRealmTracker {
	return &OfflineRealmTracker{
		logger: logger,
		store:  store,
		realms: make(map[string]struct{}),
	}
}

// Load seeds the in-memory set from durable markers at startup.
func (t *OfflineRealmTracker) Load(ctx context.Context) error {
	realmIDs, err := t.store.ListOfflineMarkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load offline markers: %w", err)
	}

	t.Lock()
	defer t.Unlock()
	for _, realmID := range realmIDs {
		t.realms[realmID] = struct{}{}
	}
	if len(realmIDs) > 0 {
		t.logger.Info("Loaded offline realm markers", zap.Int("count", len(realmIDs)))
	}
	return nil
}

// MarkOffline records the realm as unreachable. It returns true only when
// this call caused the transition.
func (t *OfflineRealmTracker) MarkOffline(ctx context.Context, realmID string) (bool, error) {
	t.Lock()
	if _, found := t.realms[realmID]; found {
		t.Unlock()
		return false, nil
	}
	t.realms[realmID] = struct{}{}
	t.Unlock()

	if err := t.store.AddOfflineMarker(ctx, realmID); err != nil {
		return true, fmt.Errorf("failed to persist offline marker for realm %s: %w", realmID, err)
	}
	return true, nil
}

// MarkOnline clears the unreachable state, returning true when the realm was
// previously marked offline.
func (t *OfflineRealmTracker) MarkOnline(ctx context.Context, realmID string) (bool, error) {
	t.Lock()
	if _, found := t.realms[realmID]; !found {
		t.Unlock()
		return false, nil
	}
	delete(t.realms, realmID)
	t.Unlock()

	if err := t.store.RemoveOfflineMarker(ctx, realmID); err != nil {
		return true, fmt.Errorf("failed to remove offline marker for realm %s: %w", realmID, err)
	}
	return true, nil
}

func (t *OfflineRealmTracker) IsOffline(realmID string) bool {
	t.Lock()
	defer t.Unlock()
	_, found := t.realms[realmID]
	return found
}

type pgOfflineMarkerStore struct {
	db *sql.DB
}

func NewPGOfflineMarkerStore(db *sql.DB) OfflineMarkerStore {
	return &pgOfflineMarkerStore{db: db}
}

func (s *pgOfflineMarkerStore) AddOfflineMarker(ctx context.Context, realmID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_realms (realm_id) VALUES ($1) ON CONFLICT (realm_id) DO NOTHING`, realmID)
	return err
}

func (s *pgOfflineMarkerStore) RemoveOfflineMarker(ctx context.Context, realmID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_realms WHERE realm_id = $1`, realmID)
	return err
}

func (s *pgOfflineMarkerStore) ListOfflineMarkers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT realm_id FROM offline_realms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var realmIDs []string
	for rows.Next() {
		var realmID string
		if err := rows.Scan(&realmID); err != nil {
			return nil, err
		}
		realmIDs = append(realmIDs, realmID)
	}
	return realmIDs, rows.Err()
}
