package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"
)

const dbPingRetries = 5

// OpenDB opens a Postgres connection pool through the pgx stdlib driver and
// verifies connectivity before returning.
func OpenDB(ctx context.Context, logger *zap.Logger, address string) (*sql.DB, error) {
	db, err := sql.Open("pgx", address)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	for i := 0; ; i++ {
		pingCtx, cancelFn := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancelFn()
		if err == nil {
			break
		}
		if i >= dbPingRetries {
			return nil, fmt.Errorf("failed to ping database after %d attempts: %w", dbPingRetries, err)
		}
		logger.Warn("Database not reachable yet, retrying", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	return db, nil
}

var schemaMigrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_player_sessions",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS player_sessions (
					correlation_id UUID PRIMARY KEY,
					realm_id       TEXT NOT NULL,
					participant_id TEXT NOT NULL,
					online         BOOLEAN NOT NULL DEFAULT FALSE,
					joined_at      TIMESTAMPTZ,
					last_seen      TIMESTAMPTZ NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_player_sessions_online_last_seen ON player_sessions (online, last_seen)`,
				`CREATE INDEX IF NOT EXISTS idx_player_sessions_realm_participant ON player_sessions (realm_id, participant_id)`,
			},
			Down: []string{`DROP TABLE player_sessions`},
		},
		{
			Id: "0002_destinations",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS destinations (
					destination_id   TEXT PRIMARY KEY,
					realm_id         TEXT NOT NULL,
					channel_id       TEXT NOT NULL DEFAULT '',
					live_updates     BOOLEAN NOT NULL DEFAULT FALSE,
					warnings_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					offline_role     TEXT NOT NULL DEFAULT '',
					entitled         BOOLEAN NOT NULL DEFAULT TRUE,
					channel_failures INT NOT NULL DEFAULT 0,
					data_failures    INT NOT NULL DEFAULT 0,
					updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
				)`,
				`CREATE INDEX IF NOT EXISTS idx_destinations_realm ON destinations (realm_id)`,
			},
			Down: []string{`DROP TABLE destinations`},
		},
		{
			Id: "0003_offline_realms",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS offline_realms (
					realm_id  TEXT PRIMARY KEY,
					marked_at TIMESTAMPTZ NOT NULL DEFAULT now()
				)`,
			},
			Down: []string{`DROP TABLE offline_realms`},
		},
	},
}

// MigrateSchema applies any pending schema migrations.
func MigrateSchema(logger *zap.Logger, db *sql.DB) error {
	applied, err := migrate.Exec(db, "postgres", schemaMigrations, migrate.Up)
	if err != nil {
		return fmt.Errorf("failed to apply schema migrations: %w", err)
	}
	if applied > 0 {
		logger.Info("Applied schema migrations", zap.Int("count", applied))
	}
	return nil
}
