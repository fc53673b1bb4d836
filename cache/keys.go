package cache

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/fault"
)

// Content types used as the second segment of a cache key.
const (
	ContentChannels          = "channels"
	ContentMovies            = "movies"
	ContentSeries            = "series"
	ContentEPG               = "epg"
	ContentChannelCategories = "channel_categories"
	ContentMovieCategories   = "movie_categories"
	ContentSeriesCategories  = "series_categories"
	ContentMovieInfo         = "movie_info"
	ContentSeriesInfo        = "series_info"
	ContentServerInfo        = "server_info"
	ContentPrefetchQueue     = "prefetch_queue"
)

// CategoriesOf maps a listing content type to the content type of its
// categories. ok is false for types that have no categories.
func CategoriesOf(contentType string) (string, bool) {
	switch contentType {
	case ContentChannels, ContentChannelCategories:
		return ContentChannelCategories, true
	case ContentMovies, ContentMovieCategories:
		return ContentMovieCategories, true
	case ContentSeries, ContentSeriesCategories:
		return ContentSeriesCategories, true
	}
	return "", false
}

// Key builds "{profile}:{contentType}[:{identifier}]".
func Key(profileID, contentType string, identifier ...string) string {
	var b strings.Builder
	b.WriteString(profileID)
	b.WriteByte(':')
	b.WriteString(contentType)
	for _, id := range identifier {
		if id == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(id)
	}
	return b.String()
}

// ParseKey splits a cache key into its profile, content type and identifier.
func ParseKey(key string) (profileID, contentType, identifier string, err error) {
	profileID, rest, ok := strings.Cut(key, ":")
	if !ok || profileID == "" {
		return "", "", "", fault.Validation("parse_key", key, errors.New("cache key must have the form {profile_id}:{content_type}[:{identifier}]"))
	}
	contentType, identifier, _ = strings.Cut(rest, ":")
	if contentType == "" {
		return "", "", "", fault.Validation("parse_key", key, errors.New("cache key has an empty content type"))
	}
	return profileID, contentType, identifier, nil
}

// ProfilePattern matches every key belonging to profileID.
func ProfilePattern(profileID string) string {
	return EscapePattern(profileID) + ":%"
}

// EscapePattern escapes the LIKE metacharacters in s so that it matches
// literally inside a pattern.
func EscapePattern(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// matchLike evaluates a LIKE pattern with a backslash escape. Comparison is
// byte-wise and case sensitive, matching the GLOB the SQLite engine runs.
func matchLike(pattern, s string) bool {
	p, i := 0, 0
	// backtrack positions for the last '%'
	star, mark := -1, 0
	for i < len(s) {
		if p < len(pattern) {
			c := pattern[p]
			switch {
			case c == '%':
				star, mark = p, i
				p++
				continue
			case c == '_':
				p++
				i++
				continue
			case c == '\\' && p+1 < len(pattern):
				if pattern[p+1] == s[i] {
					p += 2
					i++
					continue
				}
			default:
				if c == s[i] {
					p++
					i++
					continue
				}
			}
		}
		if star < 0 {
			return false
		}
		mark++
		p, i = star+1, mark
	}
	for p < len(pattern) && pattern[p] == '%' {
		p++
	}
	return p == len(pattern)
}

// likeToSQLGlob converts a LIKE pattern into a SQLite GLOB pattern, which is
// case sensitive. GLOB has no escape character, so literal metacharacters
// are wrapped in a one-character class.
func likeToSQLGlob(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '%':
			b.WriteByte('*')
		case c == '_':
			b.WriteByte('?')
		case c == '\\' && i+1 < len(pattern):
			i++
			writeSQLGlobLiteral(&b, pattern[i])
		default:
			writeSQLGlobLiteral(&b, c)
		}
	}
	return b.String()
}

func writeSQLGlobLiteral(b *strings.Builder, c byte) {
	switch c {
	case '*', '?', '[':
		b.WriteByte('[')
		b.WriteByte(c)
		b.WriteByte(']')
	default:
		b.WriteByte(c)
	}
}

// likeToGlob converts a LIKE pattern into a Redis glob pattern.
func likeToGlob(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '%':
			b.WriteByte('*')
		case '_':
			b.WriteByte('?')
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(escapeGlob(pattern[i : i+1]))
			} else {
				b.WriteString(`\\`)
			}
		default:
			b.WriteString(escapeGlob(pattern[i : i+1]))
		}
	}
	return b.String()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
