package server

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

type fakeSessionStore struct {
	mu           sync.Mutex
	rows         map[uuid.UUID]*PlayerSessionRow
	upserts      [][]*PlayerSessionRow
	closedRealms []string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{rows: make(map[uuid.UUID]*PlayerSessionRow)}
}

func (s *fakeSessionStore) UpsertBatch(ctx context.Context, rows []*PlayerSessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, rows)
	for _, row := range rows {
		copied := *row
		s.rows[row.CorrelationID] = &copied
	}
	return nil
}

func (s *fakeSessionStore) OnlineSessions(ctx context.Context) ([]*PlayerSessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var online []*PlayerSessionRow
	for _, row := range s.rows {
		if row.Online {
			online = append(online, row)
		}
	}
	return online, nil
}

func (s *fakeSessionStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, row := range s.rows {
		if row.Online && row.LastSeen.Before(cutoff) {
			row.Online = false
			count++
		}
	}
	return count, nil
}

func (s *fakeSessionStore) CloseRealmSessions(ctx context.Context, realmID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedRealms = append(s.closedRealms, realmID)
	for _, row := range s.rows {
		if row.RealmID == realmID && row.Online {
			row.Online = false
			row.LastSeen = ts
		}
	}
	return nil
}

type fakeDestinationStore struct {
	mu           sync.Mutex
	dests        map[string]*Destination
	flagUpdates  int
	countUpdates int
}

func newFakeDestinationStore(dests ...*Destination) *fakeDestinationStore {
	store := &fakeDestinationStore{dests: make(map[string]*Destination)}
	for _, dest := range dests {
		store.dests[dest.ID] = dest
	}
	return store
}

func (s *fakeDestinationStore) Get(ctx context.Context, destinationID string) (*Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest, found := s.dests[destinationID]
	if !found {
		return nil, ErrDestinationNotFound
	}
	return dest, nil
}

func (s *fakeDestinationStore) ListByRealm(ctx context.Context, realmID string) ([]*Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dests []*Destination
	for _, dest := range s.dests {
		if dest.RealmID == realmID {
			dests = append(dests, dest)
		}
	}
	return dests, nil
}

func (s *fakeDestinationStore) TrackedRealms(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var realmIDs []string
	for _, dest := range s.dests {
		if dest.RealmID == "" || !dest.Viable() {
			continue
		}
		if _, found := seen[dest.RealmID]; found {
			continue
		}
		seen[dest.RealmID] = struct{}{}
		realmIDs = append(realmIDs, dest.RealmID)
	}
	return realmIDs, nil
}

func (s *fakeDestinationStore) UpdateFlags(ctx context.Context, dest *Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagUpdates++
	s.dests[dest.ID] = dest
	return nil
}

func (s *fakeDestinationStore) UpdateFailureCounts(ctx context.Context, destinationID string, channelFailures, dataFailures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countUpdates++
	if dest, found := s.dests[destinationID]; found {
		dest.ChannelFailures = channelFailures
		dest.DataFailures = dataFailures
	}
	return nil
}

type fakeSource struct {
	mu           sync.Mutex
	pollFn       func(ctx context.Context, realmID string) (*Snapshot, error)
	unsubscribed []string
	names        map[string]string
}

func (s *fakeSource) Poll(ctx context.Context, realmID string) (*Snapshot, error) {
	return s.pollFn(ctx, realmID)
}

func (s *fakeSource) Unsubscribe(ctx context.Context, realmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, realmID)
	return nil
}

func (s *fakeSource) RealmName(ctx context.Context, realmID string) (string, error) {
	if name, found := s.names[realmID]; found {
		return name, nil
	}
	return "", nil
}

func snapshotOf(realmID string, participantIDs ...string) *Snapshot {
	snapshot := &Snapshot{
		RealmID: realmID,
		Players: make(map[string]struct{}, len(participantIDs)),
		Taken:   time.Now().UTC(),
	}
	for _, participantID := range participantIDs {
		snapshot.Players[participantID] = struct{}{}
	}
	return snapshot
}

type sentMessage struct {
	ChannelID string
	Content   string
	Embeds    []*discordgo.MessageEmbed
}

type fakeDeliverer struct {
	mu     sync.Mutex
	sent   []sentMessage
	failFn func(channelID string) error
}

func (d *fakeDeliverer) SendMessage(channelID string, content string, embeds []*discordgo.MessageEmbed) error {
	if d.failFn != nil {
		if err := d.failFn(channelID); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentMessage{ChannelID: channelID, Content: content, Embeds: embeds})
	return nil
}

func (d *fakeDeliverer) sentMessages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage{}, d.sent...)
}

func restErrorWithCode(code int) error {
	return &discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{Code: code, Message: "test"},
	}
}

type fakeGamertagAPI struct {
	mu    sync.Mutex
	tags  map[string]string
	calls [][]string
	err   error
}

func (a *fakeGamertagAPI) FetchGamertags(ctx context.Context, participantIDs []string) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, append([]string{}, participantIDs...))
	if a.err != nil {
		return nil, a.err
	}
	result := make(map[string]string)
	for _, participantID := range participantIDs {
		if tag, found := a.tags[participantID]; found {
			result[participantID] = tag
		}
	}
	return result, nil
}

type captureConsumer struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
}

func (c *captureConsumer) Name() string {
	if c.name == "" {
		return "capture"
	}
	return c.name
}

func (c *captureConsumer) HandleEvent(ctx context.Context, evt Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return c.err
}

func (c *captureConsumer) captured() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event{}, c.events...)
}
