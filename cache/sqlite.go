package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/database"
	"github.com/tvdeck/catalogcache/fault"
)

// SQLiteStore keeps entries in the cache_entries table. Entries reference
// their profile row, so deleting a profile cascades to its entries.
type SQLiteStore struct {
	db  *database.DB
	cfg config
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a Store over db. The caller owns db.
func NewSQLiteStore(db *database.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: db, cfg: applyOptions(opts)}
}

func (s *SQLiteStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return s.db.Write(qctx, func(tx *sql.Tx) error {
		if err := database.EnsureProfile(qctx, tx, entry.ProfileID, entry.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(qctx,
			`INSERT INTO cache_entries (cache_key, profile_id, content_type, payload, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(cache_key) DO UPDATE SET
				profile_id = excluded.profile_id,
				content_type = excluded.content_type,
				payload = excluded.payload,
				expires_at = excluded.expires_at,
				created_at = excluded.created_at`,
			entry.Key, entry.ProfileID, entry.ContentType, entry.Payload,
			entry.ExpiresAt.UnixNano(), entry.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fault.Storage("set", entry.Key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var (
		entry     = Entry{Key: key}
		expiresAt int64
		createdAt int64
	)
	err := s.db.SQL().QueryRowContext(qctx,
		`SELECT profile_id, content_type, payload, expires_at, created_at FROM cache_entries WHERE cache_key = ?`, key,
	).Scan(&entry.ProfileID, &entry.ContentType, &entry.Payload, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage("get", key, err)
	}
	entry.ExpiresAt = time.Unix(0, expiresAt)
	entry.CreatedAt = time.Unix(0, createdAt)
	return &entry, nil
}

// DeleteMatching runs the pattern as a GLOB so that matching is case
// sensitive like the profile ids.
func (s *SQLiteStore) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	return s.delete(ctx, "invalidate", pattern,
		`DELETE FROM cache_entries WHERE cache_key GLOB ?`, likeToSQLGlob(pattern))
}

func (s *SQLiteStore) DeleteProfile(ctx context.Context, profileID string) (int64, error) {
	return s.delete(ctx, "clear_profile_cache", profileID,
		`DELETE FROM cache_entries WHERE profile_id = ?`, profileID)
}

func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	return s.delete(ctx, "purge", "cache_entries",
		`DELETE FROM cache_entries WHERE expires_at < ?`, before.UnixNano())
}

func (s *SQLiteStore) delete(ctx context.Context, op, resource, query string, arg any) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var n int64
	err := s.db.Write(qctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(qctx, query, arg)
		if err != nil {
			return fault.Storage(op, resource, err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fault.Storage(op, resource, err)
		}
		return nil
	})
	return n, err
}

// Close is a no-op; the database handle belongs to the caller.
func (s *SQLiteStore) Close() error {
	return nil
}
