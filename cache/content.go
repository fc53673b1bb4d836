package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// ContentCache is the two-tier cache used by the rest of the application:
// a Memory mirror in front of a Persistent tier. Writes go to the persistent
// tier first. Stale reads bypass memory.
type ContentCache struct {
	memory     *Memory
	persistent *Persistent
	group      singleflight.Group
	cfg        config
}

var _ Reader = (*ContentCache)(nil)

// New returns a ContentCache over store. Close stops the purge loop and
// closes the store.
func New(ctx context.Context, store Store, opts ...Option) *ContentCache {
	cfg := applyOptions(opts)
	return &ContentCache{
		memory:     NewMemory(opts...),
		persistent: NewPersistent(ctx, store, opts...),
		cfg:        cfg,
	}
}

// Set stores val under key for ttl, or the default TTL when ttl <= 0.
func (c *ContentCache) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	entry, err := c.persistent.newEntry(key, val, ttl)
	if err != nil {
		return err
	}
	return c.memory.Write(key, func() ([]byte, time.Time, error) {
		return entry.Payload, entry.ExpiresAt, c.persistent.put(ctx, entry)
	})
}

func (c *ContentCache) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	if data, ok := c.memory.Get(key); ok {
		c.cfg.metrics.CacheLookup("memory", "hit")
		return data, true, nil
	}
	c.cfg.metrics.CacheLookup("memory", "miss")

	// Concurrent misses of one key share a read, but only while nothing has
	// been written to the shard in between. The shared read is detached from
	// any one caller's cancellation and bounded by the query timeout.
	gen := c.memory.Generation(key)
	flight := key + "\x00" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(flight, func() (any, error) {
		entry, err := c.persistent.lookup(context.WithoutCancel(ctx), key, false)
		if entry == nil || err != nil {
			return nil, err
		}
		c.memory.Populate(key, gen, entry.Payload, entry.ExpiresAt)
		return entry.Payload, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil || res.Val == nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *ContentCache) GetStaleRaw(ctx context.Context, key string) ([]byte, bool, error) {
	return c.persistent.GetStaleRaw(ctx, key)
}

// Has reports whether a fresh value is stored under key.
func (c *ContentCache) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.GetRaw(ctx, key)
	return ok, err
}

// HasStale reports whether any value, fresh or expired, is stored under key.
func (c *ContentCache) HasStale(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.GetStaleRaw(ctx, key)
	return ok, err
}

// Invalidate deletes the entries whose key matches the LIKE pattern from
// both tiers and returns how many persistent entries were removed.
func (c *ContentCache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	var n int64
	_, err := c.memory.Purge(
		func(key string) bool { return matchLike(pattern, key) },
		func() (err error) {
			n, err = c.persistent.Invalidate(ctx, pattern)
			return err
		},
	)
	return n, err
}

// ClearProfileCache deletes every entry of profileID from both tiers.
func (c *ContentCache) ClearProfileCache(ctx context.Context, profileID string) (int64, error) {
	prefix := profileID + ":"
	var n int64
	_, err := c.memory.Purge(
		func(key string) bool { return strings.HasPrefix(key, prefix) },
		func() (err error) {
			n, err = c.persistent.ClearProfileCache(ctx, profileID)
			return err
		},
	)
	return n, err
}

// RemoveProfile deletes every entry of profileID from both tiers and then runs
// removeOwner, which deletes the profile itself. Writers of every key wait
// until both have finished, so no entry of the profile can be written
// between the clear and the owner's removal.
func (c *ContentCache) RemoveProfile(ctx context.Context, profileID string, removeOwner func(ctx context.Context) error) (int64, error) {
	prefix := profileID + ":"
	var n int64
	_, err := c.memory.Purge(
		func(key string) bool { return strings.HasPrefix(key, prefix) },
		func() (err error) {
			if n, err = c.persistent.ClearProfileCache(ctx, profileID); err != nil {
				return err
			}
			return removeOwner(ctx)
		},
	)
	return n, err
}

// Memory exposes the memory tier for inspection.
func (c *ContentCache) Memory() *Memory {
	return c.memory
}

// Persistent exposes the persistent tier.
func (c *ContentCache) Persistent() *Persistent {
	return c.persistent
}

func (c *ContentCache) Close() error {
	return c.persistent.Close()
}
