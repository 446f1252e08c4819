package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SessionRecorder is the persistence consumer: it translates presence events
// into idempotent session upserts keyed by correlation IDs.
type SessionRecorder struct {
	logger   *zap.Logger
	resolver *IdentityResolver
	sessions SessionStore
}

func NewSessionRecorder(logger *zap.Logger, resolver *IdentityResolver, sessions SessionStore) *SessionRecorder {
	return &SessionRecorder{
		logger:   logger,
		resolver: resolver,
		sessions: sessions,
	}
}

func (r *SessionRecorder) Name() string { return "session_recorder" }

func (r *SessionRecorder) HandleEvent(ctx context.Context, evt Event) error {
	switch evt := evt.(type) {
	case *PresenceUpdateEvent:
		return r.recordDelta(ctx, evt)
	case *RealmDownEvent:
		// Total unreachability is not "everyone left"; sessions are closed
		// out without pretending a leave was observed per participant.
		return r.sessions.CloseRealmSessions(ctx, evt.RealmID, evt.Timestamp)
	default:
		return nil
	}
}

func (r *SessionRecorder) recordDelta(ctx context.Context, evt *PresenceUpdateEvent) error {
	rows := make([]*PlayerSessionRow, 0, len(evt.Joined)+len(evt.Left))

	for _, participantID := range evt.Joined {
		joinedAt := evt.Timestamp
		rows = append(rows, &PlayerSessionRow{
			CorrelationID: r.resolver.Resolve(evt.RealmID, participantID),
			RealmID:       evt.RealmID,
			ParticipantID: participantID,
			Online:        true,
			JoinedAt:      &joinedAt,
			LastSeen:      evt.Timestamp,
		})
	}
	for _, participantID := range evt.Left {
		rows = append(rows, &PlayerSessionRow{
			CorrelationID: r.resolver.Resolve(evt.RealmID, participantID),
			RealmID:       evt.RealmID,
			ParticipantID: participantID,
			Online:        false,
			LastSeen:      evt.Timestamp,
		})
	}

	if err := r.sessions.UpsertBatch(ctx, rows); err != nil {
		return err
	}
	r.logger.Debug("Recorded presence delta",
		zap.String("realm_id", evt.RealmID),
		zap.Int("joined", len(evt.Joined)),
		zap.Int("left", len(evt.Left)),
		zap.Time("at", evt.Timestamp.In(time.UTC)))
	return nil
}
