// Package directory resolves user and group identifiers to display metadata
// through a layered, best-effort fallback chain. Resolution enriches
// notifications and UI callbacks only; it never gates call progress.
package directory

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Entry is the display metadata cached per identifier.
type Entry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

// Provider is an application-supplied resolver, the first fallback after the
// in-memory cache. A nil entry with a nil error means a miss.
type Provider interface {
	Lookup(ctx context.Context, id string) (*Entry, error)
}

// Store is a local persistent store, the second fallback. A nil entry with a
// nil error means a miss.
type Store interface {
	Get(ctx context.Context, id string) (*Entry, error)
	Put(ctx context.Context, entry Entry) error
}

// Remote fetches metadata from a remote service, the last fallback before
// synthesis.
type Remote interface {
	Fetch(ctx context.Context, id string) (*Entry, error)
}

// Cache is the read-through in-memory cache fronting the fallback chain.
// Every tier is optional; a nil tier is skipped. All methods are safe for
// concurrent use.
type Cache struct {
	provider Provider
	store    Store
	remote   Remote

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCache builds a cache over the given tiers, any of which may be nil.
func NewCache(provider Provider, store Store, remote Remote) *Cache {
	return &Cache{
		provider: provider,
		store:    store,
		remote:   remote,
		entries:  make(map[string]Entry),
	}
}

// Resolve walks memory, provider, store and remote in order, returning the
// first hit. Tier failures are logged and skipped. On a total miss an entry
// containing only the id is synthesized, so Resolve always succeeds.
// Every hit populates the in-memory cache.
func (c *Cache) Resolve(ctx context.Context, id string) Entry {
	c.mu.RLock()
	if entry, ok := c.entries[id]; ok {
		c.mu.RUnlock()
		return entry
	}
	c.mu.RUnlock()

	if entry := c.lookupTier(ctx, id); entry != nil {
		c.remember(*entry)
		return *entry
	}

	// A synthesized entry is not cached, so later resolutions retry the
	// fallback tiers.
	logrus.WithFields(logrus.Fields{
		"id": id,
	}).Debug("Directory resolution missed every tier, synthesizing entry")
	return Entry{ID: id}
}

// lookupTier queries the fallback tiers in order and returns the first hit.
func (c *Cache) lookupTier(ctx context.Context, id string) *Entry {
	if c.provider != nil {
		entry, err := c.provider.Lookup(ctx, id)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"id":    id,
				"error": err.Error(),
			}).Warn("Directory provider lookup failed")
		} else if entry != nil {
			return entry
		}
	}
	if c.store != nil {
		entry, err := c.store.Get(ctx, id)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"id":    id,
				"error": err.Error(),
			}).Warn("Directory store lookup failed")
		} else if entry != nil {
			return entry
		}
	}
	if c.remote != nil {
		entry, err := c.remote.Fetch(ctx, id)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"id":    id,
				"error": err.Error(),
			}).Warn("Directory remote fetch failed")
		} else if entry != nil {
			return entry
		}
	}
	return nil
}

// Observe refreshes the cache with a fresher value seen in passing, for
// example display metadata embedded in a signaling envelope or a media-engine
// join event. Entries without a display name are ignored. The persistent
// store is updated best-effort.
func (c *Cache) Observe(ctx context.Context, entry Entry) {
	if entry.ID == "" || entry.DisplayName == "" {
		return
	}
	c.remember(entry)
	if c.store != nil {
		if err := c.store.Put(ctx, entry); err != nil {
			logrus.WithFields(logrus.Fields{
				"id":    entry.ID,
				"error": err.Error(),
			}).Warn("Directory store write failed")
		}
	}
}

// Reset clears the in-memory cache. Called when the call ends.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

func (c *Cache) remember(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.ID] = entry
}
