// Package history keeps a bounded, insertion-ordered cache of recently seen
// protocol messages for one tenant. The driver occasionally re-requests a
// message it already sent or received (multi-device sync, retry handling);
// without a fast local answer it stalls waiting for the application, which
// shows up as hung sends. The cache answers those queries from recent
// history. A miss is always legal: the driver falls back to its own handling.
package history

import (
	"strings"
	"sync"

	"github.com/onnwee/chatbridge/protocol"
	"github.com/onnwee/chatbridge/telemetry"
)

// DefaultCapacity bounds the cache when no explicit capacity is given.
const DefaultCapacity = 1000

// evictFraction is the share of entries (oldest first) removed on overflow.
const evictFraction = 0.2

// Cache is a per-tenant message store indexed by message id, with a
// secondary conversation-id index. Safe for concurrent use: protocol
// callbacks may race with resend queries.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]protocol.Envelope
	order    []string                       // insertion order, oldest first
	byConvo  map[string]map[string]struct{} // conversation id -> message ids
	evicted  uint64
}

// New returns a cache bounded at capacity entries; capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]protocol.Envelope),
		byConvo:  make(map[string]map[string]struct{}),
	}
}

// Store inserts or overwrites the envelope under its message id. Every
// observed message goes through here, inbound and outbound alike, including
// self-sent ones: the driver may re-request any of them.
func (c *Cache) Store(env protocol.Envelope) {
	if env.MessageID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[env.MessageID]; ok {
		// Overwrite in place; keep original insertion position but fix the
		// secondary index if the conversation changed.
		if old.ConversationID != env.ConversationID {
			c.unindex(old)
			c.index(env)
		}
		c.entries[env.MessageID] = env
		return
	}
	c.entries[env.MessageID] = env
	c.order = append(c.order, env.MessageID)
	c.index(env)
	if len(c.entries) > c.capacity {
		c.evictLocked()
	}
}

// Lookup returns the envelope for a message id. ok=false for anything
// evicted or never seen.
func (c *Cache) Lookup(messageID string) (protocol.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	env, ok := c.entries[messageID]
	return env, ok
}

// ByConversation returns the cached message ids for a conversation.
func (c *Cache) ByConversation(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.byConvo[conversationID]))
	for id := range c.byConvo[conversationID] {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evicted returns the total number of entries removed by eviction.
func (c *Cache) Evicted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// evictLocked drops the oldest 20% of entries by insertion order and keeps
// the secondary index consistent. Caller holds c.mu.
func (c *Cache) evictLocked() {
	n := int(float64(len(c.order)) * evictFraction)
	if n < 1 {
		n = 1
	}
	for _, id := range c.order[:n] {
		if env, ok := c.entries[id]; ok {
			c.unindex(env)
			delete(c.entries, id)
			c.evicted++
		}
	}
	c.order = append(c.order[:0], c.order[n:]...)
	if telemetry.CacheEvictions != nil {
		telemetry.CacheEvictions.Add(float64(n))
	}
}

// LookupPrefix returns the newest entry whose message id starts with prefix.
// Some drivers re-request messages under truncated ids; this is best-effort
// enrichment only, and exact Lookup should always be tried first.
func (c *Cache) LookupPrefix(prefix string) (protocol.Envelope, bool) {
	if prefix == "" {
		return protocol.Envelope{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.order) - 1; i >= 0; i-- {
		if strings.HasPrefix(c.order[i], prefix) {
			if env, ok := c.entries[c.order[i]]; ok {
				return env, true
			}
		}
	}
	return protocol.Envelope{}, false
}

func (c *Cache) index(env protocol.Envelope) {
	if env.ConversationID == "" {
		return
	}
	set, ok := c.byConvo[env.ConversationID]
	if !ok {
		set = make(map[string]struct{})
		c.byConvo[env.ConversationID] = set
	}
	set[env.MessageID] = struct{}{}
}

func (c *Cache) unindex(env protocol.Envelope) {
	if env.ConversationID == "" {
		return
	}
	if set, ok := c.byConvo[env.ConversationID]; ok {
		delete(set, env.MessageID)
		if len(set) == 0 {
			delete(c.byConvo, env.ConversationID)
		}
	}
}
