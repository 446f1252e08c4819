package server

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const realmNameTTL = 5 * time.Minute

// RealmNameCache caches realm display names for embed titles. The cache is
// short-lived on purpose: the source owns the name, this is cosmetic.
type RealmNameCache struct {
	logger *zap.Logger
	source PresenceSource
	names  *cache.Cache
}

func NewRealmNameCache(logger *zap.Logger, source PresenceSource) *RealmNameCache {
	return &RealmNameCache{
		logger: logger,
		source: source,
		names:  cache.New(realmNameTTL, realmNameTTL),
	}
}

// Name returns the realm's display name, falling back to the realm ID when
// the source cannot provide one.
func (c *RealmNameCache) Name(ctx context.Context, realmID string) string {
	if name, found := c.names.Get(realmID); found {
		return name.(string)
	}

	name, err := c.source.RealmName(ctx, realmID)
	if err != nil || name == "" {
		c.logger.Debug("Failed to resolve realm name", zap.String("realm_id", realmID), zap.Error(err))
		return realmID
	}
	c.names.SetDefault(realmID, name)
	return name
}
