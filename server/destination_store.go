package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrDestinationNotFound is returned when a destination row does not exist.
var ErrDestinationNotFound = errors.New("destination not found")

// Destination is one subscriber configuration for a realm. The core reads
// these and requests flag/counter updates; creation and operator edits
// happen outside this process.
type Destination struct {
	ID              string
	RealmID         string
	ChannelID       string
	LiveUpdates     bool
	WarningsEnabled bool
	OfflineRole     string
	Entitled        bool
	ChannelFailures int
	DataFailures    int
	UpdatedAt       time.Time
}

// Viable reports whether this destination can still receive any data.
func (d *Destination) Viable() bool {
	return d.ChannelID != "" && (d.LiveUpdates || d.WarningsEnabled)
}

// DestinationStore is the durable configuration collaborator.
type DestinationStore interface {
	Get(ctx context.Context, destinationID string) (*Destination, error)
	ListByRealm(ctx context.Context, realmID string) ([]*Destination, error)
	TrackedRealms(ctx context.Context) ([]string, error)
	UpdateFlags(ctx context.Context, dest *Destination) error
	UpdateFailureCounts(ctx context.Context, destinationID string, channelFailures, dataFailures int) error
}

type pgDestinationStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPGDestinationStore(logger *zap.Logger, db *sql.DB) DestinationStore {
	return &pgDestinationStore{
		logger: logger,
		db:     db,
	}
}

const destinationColumns = `destination_id, realm_id, channel_id, live_updates, warnings_enabled, offline_role, entitled, channel_failures, data_failures, updated_at`

func scanDestination(scan func(...any) error) (*Destination, error) {
	dest := &Destination{}
	err := scan(&dest.ID, &dest.RealmID, &dest.ChannelID, &dest.LiveUpdates, &dest.WarningsEnabled,
		&dest.OfflineRole, &dest.Entitled, &dest.ChannelFailures, &dest.DataFailures, &dest.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return dest, nil
}

func (s *pgDestinationStore) Get(ctx context.Context, destinationID string) (*Destination, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+destinationColumns+` FROM destinations WHERE destination_id = $1`, destinationID)
	dest, err := scanDestination(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDestinationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load destination %s: %w", destinationID, err)
	}
	return dest, nil
}

func (s *pgDestinationStore) ListByRealm(ctx context.Context, realmID string) ([]*Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+destinationColumns+` FROM destinations WHERE realm_id = $1 ORDER BY destination_id`, realmID)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations for realm %s: %w", realmID, err)
	}
	defer rows.Close()

	var dests []*Destination
	for rows.Next() {
		dest, err := scanDestination(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan destination row: %w", err)
		}
		dests = append(dests, dest)
	}
	return dests, rows.Err()
}

// TrackedRealms returns the distinct realms with at least one destination
// still able to receive data. This is the poll rotation.
func (s *pgDestinationStore) TrackedRealms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT realm_id FROM destinations
		 WHERE realm_id <> '' AND channel_id <> '' AND (live_updates OR warnings_enabled)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked realms: %w", err)
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

func (s *pgDestinationStore) UpdateFlags(ctx context.Context, dest *Destination) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE destinations SET
			channel_id = $2, live_updates = $3, warnings_enabled = $4, offline_role = $5,
			entitled = $6, updated_at = now()
		 WHERE destination_id = $1`,
		dest.ID, dest.ChannelID, dest.LiveUpdates, dest.WarningsEnabled, dest.OfflineRole, dest.Entitled)
	if err != nil {
		return fmt.Errorf("failed to update destination %s: %w", dest.ID, err)
	}
	return nil
}

func (s *pgDestinationStore) UpdateFailureCounts(ctx context.Context, destinationID string, channelFailures, dataFailures int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE destinations SET channel_failures = $2, data_failures = $3, updated_at = now()
		 WHERE destination_id = $1`,
		destinationID, channelFailures, dataFailures)
	if err != nil {
		return fmt.Errorf("failed to update failure counts for destination %s: %w", destinationID, err)
	}
	return nil
}
