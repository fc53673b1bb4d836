package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tvdeck/catalogcache/metrics"
)

const memoryShards = 16

type memoryItem struct {
	key       string
	payload   []byte
	expiresAt time.Time
}

type memoryShard struct {
	// writeMu sequences writers of the shard's keys against each other and
	// against invalidation. Readers never take it.
	writeMu sync.Mutex

	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	capacity int
	// gen changes whenever a write or invalidation touches the shard.
	gen uint64
}

// Memory is the in-process mirror of the persistent tier: a sharded LRU of
// serialized payloads. It is never the source of truth.
type Memory struct {
	shards  []*memoryShard
	clock   func() time.Time
	metrics *metrics.Collector
}

// NewMemory returns a memory tier bounded by WithMemoryEntries. A bound of
// zero or less disables it.
func NewMemory(opts ...Option) *Memory {
	cfg := applyOptions(opts)
	perShard := 0
	if cfg.memoryEntries > 0 {
		perShard = (cfg.memoryEntries + memoryShards - 1) / memoryShards
	}
	m := &Memory{
		shards:  make([]*memoryShard, memoryShards),
		clock:   cfg.clock,
		metrics: cfg.metrics,
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{
			items:    make(map[string]*list.Element),
			order:    list.New(),
			capacity: perShard,
		}
	}
	return m
}

func (m *Memory) shard(key string) *memoryShard {
	return m.shards[xxhash.Sum64String(key)%memoryShards]
}

// Get returns the fresh payload for key. Expired items are dropped.
func (m *Memory) Get(key string) ([]byte, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*memoryItem)
	if !item.expiresAt.After(m.clock()) {
		s.remove(el)
		return nil, false
	}
	s.order.MoveToFront(el)
	return item.payload, true
}

// Generation returns the current generation of key's shard. Pass it to
// Populate after reading the persistent tier.
func (m *Memory) Generation(key string) uint64 {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Populate mirrors a payload read from the persistent tier. It is dropped
// when a write or invalidation touched the shard since gen was taken, or
// when a write is in progress.
func (m *Memory) Populate(key string, gen uint64, payload []byte, expiresAt time.Time) bool {
	s := m.shard(key)
	if !s.writeMu.TryLock() {
		return false
	}
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	m.set(s, key, payload, expiresAt)
	return true
}

// Write runs persist while holding key's shard write lock and mirrors the
// payload it returns. When persist fails the key is dropped from memory.
func (m *Memory) Write(key string, persist func() ([]byte, time.Time, error)) error {
	s := m.shard(key)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.gen++
	s.mu.Unlock()

	payload, expiresAt, err := persist()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if err != nil {
		if el, ok := s.items[key]; ok {
			s.remove(el)
		}
		return err
	}
	m.set(s, key, payload, expiresAt)
	return nil
}

// Purge runs apply with every shard's write lock held and then removes the
// keys accepted by match. Reads that started before the purge cannot
// repopulate a removed key.
func (m *Memory) Purge(match func(key string) bool, apply func() error) (int, error) {
	for _, s := range m.shards {
		s.writeMu.Lock()
		s.mu.Lock()
		s.gen++
		s.mu.Unlock()
	}
	defer func() {
		for _, s := range m.shards {
			s.writeMu.Unlock()
		}
	}()

	var err error
	if apply != nil {
		err = apply()
	}

	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, el := range s.items {
			if match(key) {
				s.remove(el)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, err
}

// Len returns the number of mirrored items, expired ones included.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

func (m *Memory) set(s *memoryShard, key string, payload []byte, expiresAt time.Time) {
	if s.capacity <= 0 {
		return
	}
	if el, ok := s.items[key]; ok {
		item := el.Value.(*memoryItem)
		item.payload = payload
		item.expiresAt = expiresAt
		s.order.MoveToFront(el)
		return
	}
	s.items[key] = s.order.PushFront(&memoryItem{key: key, payload: payload, expiresAt: expiresAt})
	for len(s.items) > s.capacity {
		s.remove(s.order.Back())
		m.metrics.MemoryEvicted()
	}
}

func (s *memoryShard) remove(el *list.Element) {
	s.order.Remove(el)
	delete(s.items, el.Value.(*memoryItem).key)
}
