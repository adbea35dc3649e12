package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spiritnet/gledger/internal/models"
)

// decisionCache memoizes decisions per (identity, permission, context-hash).
// It is owned by the Engine: created with it, swept periodically, purged on
// policy reload. Entries expire at the cache TTL or at the earliest
// credential expiry in the evaluated document, whichever comes first, so a
// cached decision can never outlive the credentials it was based on.
type decisionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *decisionCache) get(key string, now time.Time) (Decision, bool) {
	if c.ttl <= 0 {
		return Decision{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		return Decision{}, false
	}
	return entry.decision, true
}

func (c *decisionCache) put(key string, decision Decision, now, credentialExpiry time.Time) {
	if c.ttl <= 0 {
		return
	}
	expiresAt := now.Add(c.ttl)
	if !credentialExpiry.IsZero() && credentialExpiry.Before(expiresAt) {
		expiresAt = credentialExpiry
	}
	if !expiresAt.After(now) {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{decision: decision, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *decisionCache) purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// sweep drops expired entries and returns the number removed. Advisory
// hygiene only; get already refuses stale entries.
func (c *decisionCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Sweep removes expired cache entries; wired to the engine's background
// maintenance ticker.
func (e *Engine) Sweep(now time.Time) int {
	return e.cache.sweep(now)
}

// cacheKey hashes everything a decision depends on except the clock itself.
func cacheKey(doc models.IdentityDocument, permission models.Permission, pctx Context) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|", doc.Identity, permission,
		pctx.Operation, pctx.TokenType, pctx.Amount, pctx.VelocityLastHour)
	fmt.Fprintf(h, "roles=%v|domains=%v|eph=%t|", doc.Roles, doc.Domains, doc.Ephemeral)

	perms := doc.Permissions.List()
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	fmt.Fprintf(h, "perms=%v|", perms)

	tokens := make([]string, 0, len(doc.Balances))
	for token := range doc.Balances {
		tokens = append(tokens, string(token))
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		fmt.Fprintf(h, "bal:%s=%s|", token, doc.Balances[models.TokenType(token)])
	}

	flags := make([]string, 0, len(pctx.CustomFlags))
	for tag, set := range pctx.CustomFlags {
		if set {
			flags = append(flags, tag)
		}
	}
	sort.Strings(flags)
	fmt.Fprintf(h, "flags=%v", flags)

	return hex.EncodeToString(h.Sum(nil))
}
