package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"go.uber.org/zap"
)

// PlayerSessionRow is one durable participant session, keyed by the
// correlation ID produced by the IdentityResolver.
type PlayerSessionRow struct {
	CorrelationID uuid.UUID
	RealmID       string
	ParticipantID string
	Online        bool
	JoinedAt      *time.Time
	LastSeen      time.Time
}

// SessionStore is the durable session collaborator. Upserts must be
// idempotent on the correlation ID so repeated polls merge instead of
// duplicating rows.
type SessionStore interface {
	UpsertBatch(ctx context.Context, rows []*PlayerSessionRow) error
	OnlineSessions(ctx context.Context) ([]*PlayerSessionRow, error)
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error)
	CloseRealmSessions(ctx context.Context, realmID string, ts time.Time) error
}

type pgSessionStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPGSessionStore(logger *zap.Logger, db *sql.DB) SessionStore {
	return &pgSessionStore{
		logger: logger,
		db:     db,
	}
}

// UpsertBatch writes session rows, merging on correlation_id. The conflict
// update field list is online + last_seen, plus joined_at when the row
// carries one.
func (s *pgSessionStore) UpsertBatch(ctx context.Context, rows []*PlayerSessionRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session upsert: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO player_sessions (correlation_id, realm_id, participant_id, online, joined_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (correlation_id) DO UPDATE SET
			online    = EXCLUDED.online,
			last_seen = EXCLUDED.last_seen,
			joined_at = COALESCE(EXCLUDED.joined_at, player_sessions.joined_at)`

	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, query, row.CorrelationID, row.RealmID, row.ParticipantID, row.Online, row.JoinedAt, row.LastSeen); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				// Concurrent writer won the insert race; the conflict clause
				// should have absorbed this, so surface it as an invariant
				// problem rather than retrying blindly.
				return fmt.Errorf("conflict key collision for session %s: %w", row.CorrelationID, err)
			}
			return fmt.Errorf("failed to upsert session %s: %w", row.CorrelationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session upsert: %w", err)
	}
	return nil
}

func (s *pgSessionStore) OnlineSessions(ctx context.Context) ([]*PlayerSessionRow, error) {
	const query = `
		SELECT correlation_id, realm_id, participant_id, online, joined_at, last_seen
		FROM player_sessions WHERE online = TRUE`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query online sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*PlayerSessionRow
	for rows.Next() {
		row := &PlayerSessionRow{}
		if err := rows.Scan(&row.CorrelationID, &row.RealmID, &row.ParticipantID, &row.Online, &row.JoinedAt, &row.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, row)
	}
	return sessions, rows.Err()
}

// MarkStaleOffline flips rows that claim to be online but have not been seen
// since the cutoff. This is the startup self-heal for sessions left open by
// a crash.
func (s *pgSessionStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE player_sessions SET online = FALSE WHERE online = TRUE AND last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale sessions offline: %w", err)
	}
	count, _ := result.RowsAffected()
	return count, nil
}

func (s *pgSessionStore) CloseRealmSessions(ctx context.Context, realmID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE player_sessions SET online = FALSE, last_seen = $2 WHERE realm_id = $1 AND online = TRUE`, realmID, ts)
	if err != nil {
		return fmt.Errorf("failed to close sessions for realm %s: %w", realmID, err)
	}
	return nil
}
