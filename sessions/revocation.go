package sessions

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Revocations is a TTL cache of access keys that are no longer honoured.
// Re-anchoring an unattended session via CreateNew mints a fresh key; the old
// key lands here so a viewer replaying it is refused for the remainder of its
// plausible lifetime, after which the entry ages out on its own.
type Revocations struct {
	cache *expirable.LRU[string, time.Time]
}

// NewRevocations creates a revocation cache holding at most maxEntries keys,
// each for ttl.
func NewRevocations(maxEntries int, ttl time.Duration) *Revocations {
	return &Revocations{
		cache: expirable.NewLRU[string, time.Time](maxEntries, nil, ttl),
	}
}

// Revoke records the key as invalid.
func (r *Revocations) Revoke(accessKey string) {
	if accessKey == "" {
		return
	}
	r.cache.Add(accessKey, time.Now())
}

// IsRevoked reports whether the key has been revoked and has not yet aged
// out.
func (r *Revocations) IsRevoked(accessKey string) bool {
	_, revoked := r.cache.Get(accessKey)
	return revoked
}

// Len reports the number of live revocation entries.
func (r *Revocations) Len() int {
	return r.cache.Len()
}
