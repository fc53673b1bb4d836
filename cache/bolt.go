package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/fault"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("cache_entries")

// boltRecord is the value stored under each key in the entries bucket.
type boltRecord struct {
	ProfileID   string `msgpack:"p"`
	ContentType string `msgpack:"t"`
	Payload     []byte `msgpack:"v"`
	ExpiresAt   int64  `msgpack:"e"`
	CreatedAt   int64  `msgpack:"c"`
}

// BoltStore keeps entries in a single bbolt file. It suits a single process
// that wants its cache outside the profile database. Pattern matching is case
// sensitive, as in the other engines.
type BoltStore struct {
	db  *bolt.DB
	cfg config
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates the bbolt file at path.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fault.Storage("open", path, err)
	}
	cfg := applyOptions(opts)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: cfg.queryTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fault.Lock("open", path, err)
		}
		return nil, fault.Storage("open", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fault.Storage("open", path, err)
	}
	return &BoltStore{db: db, cfg: cfg}, nil
}

func (s *BoltStore) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(boltRecord{
		ProfileID:   entry.ProfileID,
		ContentType: entry.ContentType,
		Payload:     entry.Payload,
		ExpiresAt:   entry.ExpiresAt.UnixNano(),
		CreatedAt:   entry.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fault.Validation("set", entry.Key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(entry.Key), data)
	})
	if err != nil {
		return fault.Storage("set", entry.Key, err)
	}
	return nil
}

func (s *BoltStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketEntries).Get([]byte(key)); v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, fault.Storage("get", key, err)
	}
	if data == nil {
		return nil, nil
	}
	var rec boltRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fault.Decode("get", key, err)
	}
	return &Entry{
		Key:         key,
		ProfileID:   rec.ProfileID,
		ContentType: rec.ContentType,
		Payload:     rec.Payload,
		ExpiresAt:   time.Unix(0, rec.ExpiresAt),
		CreatedAt:   time.Unix(0, rec.CreatedAt),
	}, nil
}

func (s *BoltStore) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	return s.deleteWhere(ctx, "invalidate", pattern, nil, func(k, _ []byte) bool {
		return matchLike(pattern, string(k))
	})
}

// DeleteProfile removes the keys under the profile's prefix in one
// transaction.
func (s *BoltStore) DeleteProfile(ctx context.Context, profileID string) (int64, error) {
	return s.deleteWhere(ctx, "clear_profile_cache", profileID, []byte(profileID+":"), func(_, _ []byte) bool {
		return true
	})
}

func (s *BoltStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()
	return s.deleteWhere(ctx, "purge", "cache_entries", nil, func(_, v []byte) bool {
		var rec boltRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return true
		}
		return rec.ExpiresAt < cutoff
	})
}

// deleteWhere removes the keys starting with prefix for which match holds.
// Keys are collected first; deleting under a live cursor skips entries.
func (s *BoltStore) deleteWhere(ctx context.Context, op, resource string, prefix []byte, match func(k, v []byte) bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var keys [][]byte
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if match(k, v) {
				keys = append(keys, bytes.Clone(k))
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = int64(len(keys))
		return nil
	})
	if err != nil {
		return 0, fault.Storage(op, resource, err)
	}
	return n, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
