package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tvdeck/catalogcache/fault"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "p1:channels", Key("p1", ContentChannels))
	assert.Equal(t, "p1:channels:12", Key("p1", ContentChannels, "12"))
	assert.Equal(t, "p1:channels", Key("p1", ContentChannels, ""))
}

func TestParseKey(t *testing.T) {
	profile, contentType, id, err := ParseKey("p1:epg:4021")
	require.NoError(t, err)
	assert.Equal(t, "p1", profile)
	assert.Equal(t, "epg", contentType)
	assert.Equal(t, "4021", id)

	_, _, id, err = ParseKey("p1:movie_info:a:b")
	require.NoError(t, err)
	assert.Equal(t, "a:b", id)

	for _, bad := range []string{"", "p1", ":channels", "p1:"} {
		_, _, _, err := ParseKey(bad)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err), bad)
	}
}

func TestCategoriesOf(t *testing.T) {
	ct, ok := CategoriesOf(ContentMovies)
	assert.True(t, ok)
	assert.Equal(t, ContentMovieCategories, ct)
	_, ok = CategoriesOf(ContentEPG)
	assert.False(t, ok)
}

func TestEscapePattern(t *testing.T) {
	assert.Equal(t, `a\_\%b\\c`, EscapePattern(`a_%b\c`))
	assert.Equal(t, `a\_b:%`, ProfilePattern("a_b"))
}

func TestMatchLike(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		match   bool
	}{
		{"p1:%", "p1:channels", true},
		{"p1:%", "p10:channels", false},
		{"p1:channels", "p1:channels", true},
		{"p1:channels", "p1:channels:1", false},
		{"p1:epg:_", "p1:epg:1", true},
		{"p1:epg:_", "p1:epg:12", false},
		{"%:epg:%", "p2:epg:7", true},
		{"P1:%", "p1:channels", false},
		{"p1:%", "P1:channels", false},
		{`a\_b:%`, "a_b:channels", true},
		{`a\_b:%`, "axb:channels", false},
		{`a\%:%`, "a%:x", true},
		{"%", "", true},
		{"_", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.match, matchLike(tt.pattern, tt.key), "%s ~ %s", tt.pattern, tt.key)
	}
}

func TestLikeToSQLGlob(t *testing.T) {
	assert.Equal(t, "p1:*", likeToSQLGlob("p1:%"))
	assert.Equal(t, "p1:epg:?", likeToSQLGlob("p1:epg:_"))
	assert.Equal(t, "a_b:*", likeToSQLGlob(`a\_b:%`))
	assert.Equal(t, "a[*]b[?][[]c]:*", likeToSQLGlob("a*b?[c]:%"))
	assert.Equal(t, `x\`, likeToSQLGlob(`x\`))
}

func TestLikeToGlob(t *testing.T) {
	assert.Equal(t, "p1:*", likeToGlob("p1:%"))
	assert.Equal(t, "p1:epg:?", likeToGlob("p1:epg:_"))
	assert.Equal(t, `a_b:*`, likeToGlob(`a\_b:%`))
	assert.Equal(t, `a\*:*`, likeToGlob(`a*:%`))
}
