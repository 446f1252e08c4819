package server

import (
	"sync"

	"github.com/gofrs/uuid/v5"
)

// correlationNamespace seeds UUIDv5 derivation so that a (realm, participant)
// pair always maps to the same correlation ID, including across restarts.
var correlationNamespace = uuid.Must(uuid.FromString("5e9a2f4b-7c1d-4f7e-9b3a-0d6c8e2a1b4f"))

// IdentityResolver maps (realm, participant) pairs to stable correlation IDs
// used as conflict keys for session upserts.
type IdentityResolver struct {
	sync.Mutex
	ids map[string]uuid.UUID
}

func NewIdentityResolver() *IdentityResolver {
	return &IdentityResolver{
		ids: make(map[string]uuid.UUID),
	}
}

// Resolve returns the correlation ID for the pair, allocating it on first use.
func (r *IdentityResolver) Resolve(realmID, participantID string) uuid.UUID {
	key := realmID + "-" + participantID

	r.Lock()
	defer r.Unlock()

	if id, found := r.ids[key]; found {
		return id
	}
	id := uuid.NewV5(correlationNamespace, key)
	r.ids[key] = id
	return id
}

// Count returns the number of cached pairs. Growth is unbounded by design;
// the derivation is deterministic so a restart rebuilds the same IDs.
func (r *IdentityResolver) Count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.ids)
}
