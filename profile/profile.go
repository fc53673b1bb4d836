// Package profile stores the upstream accounts the cache serves. Passwords
// are sealed before they reach the database.
package profile

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/database"
	"github.com/tvdeck/catalogcache/fault"
	"github.com/tvdeck/catalogcache/upstream"
)

// ErrNotFound is returned for an unknown profile id.
var ErrNotFound = errors.New("profile not found")

// Cipher seals and opens stored passwords.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Profile is a configured upstream account.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository reads and writes profile rows.
type Repository struct {
	db     *database.DB
	cipher Cipher
	clock  func() time.Time
}

func New(db *database.DB, cipher Cipher) *Repository {
	return &Repository{db: db, cipher: cipher, clock: time.Now}
}

func validate(p Profile, password string) error {
	switch {
	case p.ID == "":
		return fault.Validation("add_profile", "", errors.New("id is required"))
	case strings.Contains(p.ID, ":"):
		return fault.Validation("add_profile", p.ID, errors.New("id must not contain ':'"))
	case p.URL == "":
		return fault.Validation("add_profile", p.ID, errors.New("url is required"))
	case p.Username == "":
		return fault.Validation("add_profile", p.ID, errors.New("username is required"))
	case password == "":
		return fault.Validation("add_profile", p.ID, errors.New("password is required"))
	}
	return nil
}

// Save creates or updates the profile. A placeholder row left by an earlier
// cache write is filled in, keeping its cached content.
func (r *Repository) Save(ctx context.Context, p Profile, password string) (*Profile, error) {
	p.URL = strings.TrimRight(strings.TrimSpace(p.URL), "/")
	if err := validate(p, password); err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	sealed, err := r.cipher.Encrypt([]byte(password))
	if err != nil {
		return nil, errors.Wrapf(err, "seal password of profile %s", p.ID)
	}
	now := r.clock()
	err = r.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO profiles (id, name, url, username, password, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				url = excluded.url,
				username = excluded.username,
				password = excluded.password,
				updated_at = excluded.updated_at`,
			p.ID, p.Name, p.URL, p.Username, sealed, now.UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return fault.Storage("save_profile", p.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, p.ID)
}

const selectProfile = `SELECT id, name, url, username, created_at, updated_at FROM profiles WHERE url != ''`

func scanProfile(row interface{ Scan(dest ...any) error }) (*Profile, error) {
	var (
		p                    Profile
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.URL, &p.Username, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(0, createdAt)
	p.UpdatedAt = time.Unix(0, updatedAt)
	return &p, nil
}

// Get returns a configured profile. Placeholder rows are reported as not found.
func (r *Repository) Get(ctx context.Context, id string) (*Profile, error) {
	p, err := scanProfile(r.db.SQL().QueryRowContext(ctx, selectProfile+` AND id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "profile %s", id)
	}
	if err != nil {
		return nil, fault.Storage("get_profile", id, err)
	}
	return p, nil
}

// List returns the configured profiles ordered by id.
func (r *Repository) List(ctx context.Context) ([]Profile, error) {
	rows, err := r.db.SQL().QueryContext(ctx, selectProfile+` ORDER BY id`)
	if err != nil {
		return nil, fault.Storage("list_profiles", "", err)
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fault.Storage("list_profiles", "", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("list_profiles", "", err)
	}
	return out, nil
}

// Credentials returns the upstream credentials of a profile with the
// password opened.
func (r *Repository) Credentials(ctx context.Context, id string) (upstream.Credentials, error) {
	var (
		creds  upstream.Credentials
		sealed []byte
	)
	err := r.db.SQL().QueryRowContext(ctx,
		`SELECT url, username, password FROM profiles WHERE id = ? AND url != ''`, id,
	).Scan(&creds.URL, &creds.Username, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return creds, errors.Wrapf(ErrNotFound, "profile %s", id)
	}
	if err != nil {
		return creds, fault.Storage("get_credentials", id, err)
	}
	password, err := r.cipher.Decrypt(sealed)
	if err != nil {
		return creds, errors.Wrapf(err, "open password of profile %s", id)
	}
	creds.Password = string(password)
	return creds, nil
}

// Delete removes the profile row, which cascades to its cached content,
// favorites, history, sync settings and saved filters in the same
// transaction. It reports whether a row existed.
func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := r.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
		if err != nil {
			return fault.Storage("delete_profile", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fault.Storage("delete_profile", id, err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}
