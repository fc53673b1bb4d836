package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tvdeck/catalogcache/logger"
)

// Persistent is the durable cache tier. Expired entries are reported as
// absent by GetRaw but stay available to GetStaleRaw until the purge loop
// removes them after the stale retention window.
type Persistent struct {
	store     Store
	cfg       config
	log       logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
}

var _ Reader = (*Persistent)(nil)

// NewPersistent wraps store and starts the purge loop.
func NewPersistent(ctx context.Context, store Store, opts ...Option) *Persistent {
	cfg := applyOptions(opts)
	childCtx, cancel := context.WithCancel(ctx)
	p := &Persistent{
		store:  store,
		cfg:    cfg,
		log:    cfg.logger,
		ctx:    childCtx,
		cancel: cancel,
	}
	if p.log != nil {
		p.log = p.log.WithPrefix("[cache]")
	}
	if cfg.expiryCheck > 0 {
		p.waitGroup.Add(1)
		go p.run()
	}
	return p
}

func (p *Persistent) now() time.Time {
	return p.cfg.clock()
}

// newEntry serializes val into an entry for key.
func (p *Persistent) newEntry(key string, val any, ttl time.Duration) (Entry, error) {
	profileID, contentType, _, err := ParseKey(key)
	if err != nil {
		return Entry{}, err
	}
	data, err := encode(key, val)
	if err != nil {
		return Entry{}, err
	}
	if ttl <= 0 {
		ttl = p.cfg.defaultTTL
	}
	now := p.now()
	return Entry{
		Key:         key,
		ProfileID:   profileID,
		ContentType: contentType,
		Payload:     data,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}, nil
}

// Set stores val under key for ttl, or the default TTL when ttl <= 0.
func (p *Persistent) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	entry, err := p.newEntry(key, val, ttl)
	if err != nil {
		return err
	}
	return p.put(ctx, entry)
}

func (p *Persistent) put(ctx context.Context, entry Entry) error {
	err := p.store.Put(ctx, entry)
	if err != nil {
		p.cfg.metrics.CacheWrite("error")
		return err
	}
	p.cfg.metrics.CacheWrite("ok")
	return nil
}

// lookup returns the entry under key. Expired entries are only returned when
// allowExpired is set.
func (p *Persistent) lookup(ctx context.Context, key string, allowExpired bool) (*Entry, error) {
	entry, err := p.store.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	switch {
	case entry == nil:
		p.cfg.metrics.CacheLookup("persistent", "miss")
		return nil, nil
	case entry.Expired(p.now()):
		if !allowExpired {
			p.cfg.metrics.CacheLookup("persistent", "expired")
			return nil, nil
		}
		p.cfg.metrics.CacheLookup("persistent", "stale")
	default:
		p.cfg.metrics.CacheLookup("persistent", "hit")
	}
	return entry, nil
}

func (p *Persistent) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := p.lookup(ctx, key, false)
	if entry == nil || err != nil {
		return nil, false, err
	}
	return entry.Payload, true, nil
}

func (p *Persistent) GetStaleRaw(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := p.lookup(ctx, key, true)
	if entry == nil || err != nil {
		return nil, false, err
	}
	return entry.Payload, true, nil
}

// Invalidate deletes every entry whose key matches the LIKE pattern.
func (p *Persistent) Invalidate(ctx context.Context, pattern string) (int64, error) {
	n, err := p.store.DeleteMatching(ctx, pattern)
	p.cfg.metrics.CacheInvalidated("pattern", n)
	return n, err
}

// ClearProfileCache deletes every entry owned by profileID.
func (p *Persistent) ClearProfileCache(ctx context.Context, profileID string) (int64, error) {
	n, err := p.store.DeleteProfile(ctx, profileID)
	p.cfg.metrics.CacheInvalidated("profile", n)
	return n, err
}

// PurgeExpired removes entries that expired longer ago than the stale retention.
func (p *Persistent) PurgeExpired(ctx context.Context) (int64, error) {
	return p.store.Purge(ctx, p.now().Add(-p.cfg.staleRetention))
}

func (p *Persistent) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		p.waitGroup.Wait()
		err = p.store.Close()
	})
	return err
}

func (p *Persistent) run() {
	defer p.waitGroup.Done()
	ticker := time.NewTicker(p.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(p.ctx)
			if p.log == nil {
				continue
			}
			if err != nil {
				p.log.Warn("purge of expired entries failed: %s", err)
			} else if n > 0 {
				p.log.Debug("purged %d expired entries", n)
			}
		}
	}
}
