package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GamertagAPI is the external identity display lookup, batchable.
type GamertagAPI interface {
	FetchGamertags(ctx context.Context, participantIDs []string) (map[string]string, error)
}

// GamertagResolver resolves participant IDs to display names through a TTL
// cache, rate limiting upstream batch lookups.
type GamertagResolver struct {
	logger *zap.Logger

	api       GamertagAPI
	cache     *cache.Cache
	limiter   *rate.Limiter
	batchSize int
}

func NewGamertagResolver(logger *zap.Logger, api GamertagAPI, config GamertagsConfig) *GamertagResolver {
	return &GamertagResolver{
		logger:    logger,
		api:       api,
		cache:     cache.New(config.CacheTTL, config.CacheTTL/2),
		limiter:   rate.NewLimiter(rate.Limit(config.LookupsPerSec), 1),
		batchSize: config.LookupBatchSize,
	}
}

// ResolveBatch returns display names for the given participant IDs. IDs in
// the bypass set skip the cache and are fetched fresh. Unresolvable IDs are
// absent from the result; render them with FallbackDisplayName.
func (r *GamertagResolver) ResolveBatch(ctx context.Context, participantIDs []string, bypass map[string]struct{}) map[string]string {
	resolved := make(map[string]string, len(participantIDs))
	var unresolved []string

	for _, participantID := range participantIDs {
		if participantID == "" {
			continue
		}
		if _, skip := bypass[participantID]; !skip {
			if gamertag, found := r.cache.Get(participantID); found {
				resolved[participantID] = gamertag.(string)
				continue
			}
		}
		unresolved = append(unresolved, participantID)
	}

	for start := 0; start < len(unresolved); start += r.batchSize {
		end := start + r.batchSize
		if end > len(unresolved) {
			end = len(unresolved)
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return resolved
		}
		gamertags, err := r.api.FetchGamertags(ctx, unresolved[start:end])
		if err != nil {
			r.logger.Warn("Failed to fetch gamertags, rendering raw IDs",
				zap.Int("count", end-start), zap.Error(err))
			continue
		}
		for participantID, gamertag := range gamertags {
			if gamertag == "" {
				continue
			}
			resolved[participantID] = gamertag
			r.cache.SetDefault(participantID, gamertag)
		}
	}

	return resolved
}

// FallbackDisplayName renders a participant with or without a resolved
// gamertag, matching the operator-facing display convention.
func FallbackDisplayName(participantID string, gamertags map[string]string) string {
	if gamertag, found := gamertags[participantID]; found && gamertag != "" {
		return fmt.Sprintf("`%s`", gamertag)
	}
	return fmt.Sprintf("User with XUID `%s`", participantID)
}

type profileSetting struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type profileUser struct {
	ID       string           `json:"id"`
	Settings []profileSetting `json:"settings"`
}

type profileResponse struct {
	ProfileUsers []profileUser `json:"profileUsers"`
}

// HTTPGamertagAPI fetches gamertags from the profile endpoint of the
// identity service.
type HTTPGamertagAPI struct {
	httpc   *http.Client
	baseURL string
	apiKey  string
}

func NewHTTPGamertagAPI(config SourceConfig) *HTTPGamertagAPI {
	return &HTTPGamertagAPI{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpc: &http.Client{
			Timeout: config.RequestTimeout,
		},
	}
}

func (a *HTTPGamertagAPI) FetchGamertags(ctx context.Context, participantIDs []string) (map[string]string, error) {
	url := fmt.Sprintf("%s/profiles/batch/%s", a.baseURL, strings.Join(participantIDs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Authorization", a.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profiles: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile batch returned status %d", resp.StatusCode)
	}

	var response profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode profile batch: %w", err)
	}

	gamertags := make(map[string]string, len(response.ProfileUsers))
	for _, user := range response.ProfileUsers {
		for _, setting := range user.Settings {
			if setting.ID == "Gamertag" {
				gamertags[user.ID] = setting.Value
				break
			}
		}
	}
	return gamertags, nil
}
