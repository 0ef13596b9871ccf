package nsengine

import (
	"sync"
	"time"

	"github.com/veilmesh/peerlink/internal/store"
	"github.com/veilmesh/peerlink/internal/wire"
)

// memberRegistry is a typed façade over store.LRU for the router's
// membership table: fingerprint -> wire.NSMemberEntry, expiring
// entries that miss the TTL window without a checkin or pong.
type memberRegistry struct {
	lru *store.LRU

	mu      sync.Mutex
	lastLen int
}

func newMemberRegistry(ttl time.Duration) *memberRegistry {
	return &memberRegistry{lru: store.NewLRU(4096, ttl)}
}

func (r *memberRegistry) Put(fingerprint string, entry wire.NSMemberEntry) {
	r.lru.Put(fingerprint, entry)
}

func (r *memberRegistry) Touch(fingerprint string) {
	if v, ok := r.lru.Get(fingerprint); ok {
		entry := v.(wire.NSMemberEntry)
		entry.LastSeen = time.Now().Unix()
		r.lru.Put(fingerprint, entry)
	}
}

func (r *memberRegistry) Delete(fingerprint string) {
	r.lru.Delete(fingerprint)
}

// DeleteByPublicKey evicts any entry keyed under something other than
// keepKey whose PublicKey matches pubKey, so a member that reconnects
// under a new discovery id doesn't leave its previous entry stuck in
// the table until the TTL catches up (spec.md's "deduplicate by public
// key, evict any older entry with the same key" checkin rule).
func (r *memberRegistry) DeleteByPublicKey(pubKey, keepKey string) {
	if pubKey == "" {
		return
	}
	var stale []string
	r.lru.Each(func(key string, value any) {
		if key == keepKey {
			return
		}
		if entry, ok := value.(wire.NSMemberEntry); ok && entry.PublicKey == pubKey {
			stale = append(stale, key)
		}
	})
	for _, key := range stale {
		r.lru.Delete(key)
	}
}

func (r *memberRegistry) Len() int {
	return r.lru.Len()
}

// PruneExpired forces a TTL sweep and reports how much the live count
// dropped since the last call, so the router can tell a quiet interval
// (no eviction) from one that actually lost members.
func (r *memberRegistry) PruneExpired() int {
	now := r.lru.Len()
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := r.lastLen - now
	r.lastLen = now
	if dropped < 0 {
		return 0
	}
	return dropped
}

func (r *memberRegistry) SnapshotMembers() []wire.NSMemberEntry {
	out := make([]wire.NSMemberEntry, 0, r.lru.Len())
	r.lru.Each(func(_ string, value any) {
		out = append(out, value.(wire.NSMemberEntry))
	})
	return out
}

func (r *memberRegistry) Replace(members []wire.NSMemberEntry) {
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		r.lru.Put(m.Fingerprint, m)
		seen[m.Fingerprint] = struct{}{}
	}
	for _, key := range r.lru.Keys() {
		if _, ok := seen[key]; !ok {
			r.lru.Delete(key)
		}
	}
}
