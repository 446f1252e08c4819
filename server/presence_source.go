package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrRealmUnreachable is the source's explicit signal that a realm cannot be
// read (revoked access, closed realm). Transient network failures are
// returned as ordinary errors and retried on the next cycle.
var ErrRealmUnreachable = errors.New("realm unreachable")

// Snapshot is the raw "currently online" set for one realm at one poll
// instant. Ephemeral; never persisted as-is.
type Snapshot struct {
	RealmID string
	Players map[string]struct{}
	Taken   time.Time
}

// PresenceSource is the external presence collaborator.
type PresenceSource interface {
	Poll(ctx context.Context, realmID string) (*Snapshot, error)
	Unsubscribe(ctx context.Context, realmID string) error
	RealmName(ctx context.Context, realmID string) (string, error)
}

const (
	// Codes the upstream club API uses for revoked realm access.
	clubCodeUnauthorized = 1018

	// lastSeenState values that count as being on the realm. Club-browsing
	// states (chat, feed, roster) are ignored on purpose.
	clubStateInGame = "InGame"
)

type clubMember struct {
	XUID              string `json:"xuid"`
	LastSeenState     string `json:"lastSeenState"`
	LastSeenTimestamp string `json:"lastSeenTimestamp"`
}

type clubProfileSetting struct {
	Value string `json:"value"`
}

type clubData struct {
	Profile struct {
		Name clubProfileSetting `json:"name"`
	} `json:"profile"`
	ClubPresence []clubMember `json:"clubPresence"`
}

type clubPresenceResponse struct {
	Clubs       []clubData `json:"clubs"`
	Code        int        `json:"code"`
	Description string     `json:"description"`
}

// ClubPresenceClient reads realm presence through the club-presence endpoint
// the realm service exposes for every realm.
type ClubPresenceClient struct {
	logger *zap.Logger

	httpc   *http.Client
	baseURL string
	apiKey  string
}

func NewClubPresenceClient(logger *zap.Logger, config SourceConfig) *ClubPresenceClient {
	return &ClubPresenceClient{
		logger:  logger,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpc: &http.Client{
			Timeout: config.RequestTimeout,
		},
	}
}

func (c *ClubPresenceClient) Poll(ctx context.Context, realmID string) (*Snapshot, error) {
	response, err := c.fetchClub(ctx, realmID)
	if err != nil {
		return nil, err
	}
	if len(response.Clubs) == 0 {
		return nil, fmt.Errorf("club presence response for realm %s had no club data", realmID)
	}

	snapshot := &Snapshot{
		RealmID: realmID,
		Players: make(map[string]struct{}),
		Taken:   time.Now().UTC(),
	}
	for _, member := range response.Clubs[0].ClubPresence {
		if member.LastSeenState != clubStateInGame {
			continue
		}
		if member.XUID == "" {
			continue
		}
		snapshot.Players[member.XUID] = struct{}{}
	}
	return snapshot, nil
}

func (c *ClubPresenceClient) RealmName(ctx context.Context, realmID string) (string, error) {
	response, err := c.fetchClub(ctx, realmID)
	if err != nil {
		return "", err
	}
	if len(response.Clubs) == 0 {
		return "", fmt.Errorf("club presence response for realm %s had no club data", realmID)
	}
	return response.Clubs[0].Profile.Name.Value, nil
}

func (c *ClubPresenceClient) Unsubscribe(ctx context.Context, realmID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/clubs/%s/membership", c.baseURL, realmID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Authorization", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to unsubscribe from realm %s: %w", realmID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unsubscribe from realm %s returned status %d", realmID, resp.StatusCode)
	}
	return nil
}

func (c *ClubPresenceClient) fetchClub(ctx context.Context, realmID string) (*clubPresenceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/clubs/%s", c.baseURL, realmID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch club presence for realm %s: %w", realmID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		return nil, ErrRealmUnreachable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("club presence for realm %s returned status %d", realmID, resp.StatusCode)
	}

	var response clubPresenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode club presence for realm %s: %w", realmID, err)
	}
	// The API reports revoked access inside a 200 body.
	if response.Code == clubCodeUnauthorized {
		return nil, ErrRealmUnreachable
	}
	if response.Code != 0 {
		return nil, fmt.Errorf("club presence for realm %s returned code %d: %s", realmID, response.Code, response.Description)
	}
	return &response, nil
}
