// Package mention resolves partial name text typed after an @ trigger into
// ranked identity candidates, merging a session-scoped recency cache with
// the open document's participants and an optional directory lookup.
package mention

import "inkdown/api/internal/comments"

// RecencyCache is a bounded, deduplicated, most-recent-first list of
// previously mentioned identities. It is owned by the editing session that
// constructed it and cleared when the session ends; there is no
// process-wide mention state.
type RecencyCache struct {
	max   int
	items []comments.Author
}

const DefaultRecencyLimit = 10

// NewRecencyCache builds a cache holding at most max identities. A
// non-positive max falls back to DefaultRecencyLimit.
func NewRecencyCache(max int) *RecencyCache {
	if max <= 0 {
		max = DefaultRecencyLimit
	}
	return &RecencyCache{max: max}
}

// Push moves the identity to the front, removing any prior occurrence.
// The anonymous sentinel is never cached.
func (c *RecencyCache) Push(a comments.Author) {
	if a.IsAnonymous() && a.Name == "" {
		return
	}
	if a.ID == comments.AnonymousID {
		return
	}
	kept := make([]comments.Author, 0, len(c.items)+1)
	kept = append(kept, a)
	for _, existing := range c.items {
		if sameIdentity(existing, a) {
			continue
		}
		kept = append(kept, existing)
	}
	if len(kept) > c.max {
		kept = kept[:c.max]
	}
	c.items = kept
}

// Items returns the cached identities, most recent first.
func (c *RecencyCache) Items() []comments.Author {
	return append([]comments.Author(nil), c.items...)
}

// Clear empties the cache, for session teardown.
func (c *RecencyCache) Clear() {
	c.items = nil
}

// sameIdentity matches by id when both sides have one, otherwise by name,
// so free-text mentions deduplicate too.
func sameIdentity(a, b comments.Author) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Name == b.Name
}
