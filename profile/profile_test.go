package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/crypto"
	"github.com/tvdeck/catalogcache/database"
	"github.com/tvdeck/catalogcache/fault"
)

func newTestRepo(t *testing.T) (*Repository, *database.DB) {
	t.Helper()
	db, err := database.Open(context.Background(), database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sealer, err := crypto.NewSealer(crypto.DeriveKey("test"))
	require.NoError(t, err)
	return New(db, sealer), db
}

func TestSaveAndGet(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	p, err := repo.Save(ctx, Profile{ID: "p1", URL: "http://panel.example:8080/", Username: "alice"}, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.Name)
	assert.Equal(t, "http://panel.example:8080", p.URL)
	assert.False(t, p.CreatedAt.IsZero())

	creds, err := repo.Credentials(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, "hunter2", creds.Password)
	assert.Equal(t, "http://panel.example:8080", creds.URL)
}

func TestPasswordIsSealed(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.Save(ctx, Profile{ID: "p1", URL: "http://panel", Username: "alice"}, "hunter2")
	require.NoError(t, err)

	var stored []byte
	require.NoError(t, db.SQL().QueryRowContext(ctx, `SELECT password FROM profiles WHERE id = 'p1'`).Scan(&stored))
	assert.NotContains(t, string(stored), "hunter2")
}

func TestSaveUpdates(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	first, err := repo.Save(ctx, Profile{ID: "p1", URL: "http://a", Username: "alice"}, "one")
	require.NoError(t, err)
	repo.clock = func() time.Time { return first.CreatedAt.Add(time.Hour) }

	second, err := repo.Save(ctx, Profile{ID: "p1", Name: "Living room", URL: "http://b", Username: "bob"}, "two")
	require.NoError(t, err)
	assert.Equal(t, "Living room", second.Name)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	creds, err := repo.Credentials(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "two", creds.Password)
}

func TestSaveValidates(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	for _, tc := range []struct {
		profile  Profile
		password string
	}{
		{Profile{URL: "http://a", Username: "u"}, "pw"},
		{Profile{ID: "a:b", URL: "http://a", Username: "u"}, "pw"},
		{Profile{ID: "p1", Username: "u"}, "pw"},
		{Profile{ID: "p1", URL: "http://a"}, "pw"},
		{Profile{ID: "p1", URL: "http://a", Username: "u"}, ""},
	} {
		_, err := repo.Save(ctx, tc.profile, tc.password)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err), "%+v", tc.profile)
	}
}

func TestPlaceholderRowsAreHidden(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	c := cache.New(ctx, cache.NewSQLiteStore(db), cache.WithExpiryCheck(0))
	defer c.Close()

	require.NoError(t, c.Set(ctx, "ghost:channels", []string{"a"}, time.Hour))
	_, err := repo.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Saving fills in the placeholder and keeps cached content.
	_, err = repo.Save(ctx, Profile{ID: "ghost", URL: "http://a", Username: "u"}, "pw")
	require.NoError(t, err)
	found, err := c.Has(ctx, "ghost:channels")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestList(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		_, err := repo.Save(ctx, Profile{ID: id, URL: "http://" + id, Username: "u"}, "pw")
		require.NoError(t, err)
	}
	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestDeleteCascades(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.Save(ctx, Profile{ID: "p1", URL: "http://a", Username: "u"}, "pw")
	require.NoError(t, err)

	store := cache.NewSQLiteStore(db)
	c := cache.New(ctx, store, cache.WithExpiryCheck(0), cache.WithMemoryEntries(0))
	defer c.Close()
	require.NoError(t, c.Set(ctx, "p1:channels", []string{"a"}, time.Hour))
	_, err = db.SQL().ExecContext(ctx, `INSERT INTO favorites (profile_id, content_type, item_id, created_at) VALUES ('p1', 'channels', '7', 0)`)
	require.NoError(t, err)

	deleted, err := repo.Delete(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, deleted)

	entry, err := store.Lookup(ctx, "p1:channels")
	require.NoError(t, err)
	assert.Nil(t, entry)
	var favorites int
	require.NoError(t, db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM favorites`).Scan(&favorites))
	assert.Zero(t, favorites)

	_, err = repo.Credentials(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = repo.Delete(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, deleted)
}
