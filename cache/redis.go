package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/tvdeck/catalogcache/fault"
)

const scanCount = 256

// deleteMatchingScript scans for ARGV[1] and deletes every match inside one
// script, so no client observes a partial delete.
var deleteMatchingScript = redis.NewScript(`
local cursor = "0"
local deleted = 0
repeat
	local res = redis.call("SCAN", cursor, "MATCH", ARGV[1], "COUNT", ARGV[2])
	cursor = res[1]
	for _, key in ipairs(res[2]) do
		deleted = deleted + redis.call("DEL", key)
	end
until cursor == "0"
return deleted
`)

// RedisStore keeps each entry in a hash so that several processes can share
// one cache. Redis expires a hash once its stale retention has passed, so
// Purge has nothing to do.
type RedisStore struct {
	client *redis.Client
	cfg    config
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a Store backed by client.
// The caller owns the redis.Client lifecycle; Close is a no-op on the client.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{client: client, cfg: applyOptions(opts)}
}

func (s *RedisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *RedisStore) prefixKey(key string) string {
	if s.cfg.prefix == "" {
		return key
	}
	return s.cfg.prefix + ":" + key
}

func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	k := s.prefixKey(entry.Key)
	pipe := s.client.TxPipeline()
	pipe.Del(qctx, k)
	pipe.HSet(qctx, k,
		"v", entry.Payload,
		"p", entry.ProfileID,
		"t", entry.ContentType,
		"e", entry.ExpiresAt.UnixNano(),
		"c", entry.CreatedAt.UnixNano(),
	)
	pipe.PExpireAt(qctx, k, entry.ExpiresAt.Add(s.cfg.staleRetention))
	if _, err := pipe.Exec(qctx); err != nil {
		return fault.Storage("set", entry.Key, err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	fields, err := s.client.HGetAll(qctx, s.prefixKey(key)).Result()
	if err != nil {
		return nil, fault.Storage("get", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	expiresAt, err := strconv.ParseInt(fields["e"], 10, 64)
	if err != nil {
		return nil, fault.Decode("get", key, errors.Wrap(err, "expires_at"))
	}
	createdAt, err := strconv.ParseInt(fields["c"], 10, 64)
	if err != nil {
		return nil, fault.Decode("get", key, errors.Wrap(err, "created_at"))
	}
	return &Entry{
		Key:         key,
		ProfileID:   fields["p"],
		ContentType: fields["t"],
		Payload:     []byte(fields["v"]),
		ExpiresAt:   time.Unix(0, expiresAt),
		CreatedAt:   time.Unix(0, createdAt),
	}, nil
}

// DeleteMatching translates the LIKE pattern into a glob and deletes the
// matching keys in one server-side script.
func (s *RedisStore) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	return s.deleteScript(ctx, "invalidate", pattern, s.prefixKey(likeToGlob(pattern)))
}

// DeleteProfile removes every key under the profile's prefix atomically.
func (s *RedisStore) DeleteProfile(ctx context.Context, profileID string) (int64, error) {
	return s.deleteScript(ctx, "clear_profile_cache", profileID, s.prefixKey(escapeGlob(profileID)+":*"))
}

func (s *RedisStore) deleteScript(ctx context.Context, op, resource, match string) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := deleteMatchingScript.Run(qctx, s.client, nil, match, scanCount).Int64()
	if err != nil {
		return 0, fault.Storage(op, resource, err)
	}
	return n, nil
}

func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return nil
}
