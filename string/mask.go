package string

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Redacted replaces secret values in masked output.
const Redacted = "***"

// Mask will mask a string by replacing the middle with asterisks.
func Mask(s string) string {
	l := len(s)
	if l == 0 {
		return s
	}
	if l == 1 {
		return "*"
	}
	h := int(l / 2)
	return s[0:h] + strings.Repeat("*", l-h)
}

// MaskURL returns a copy of urlString that is safe to log. User info is
// masked and the values of secretKeys in the query are replaced entirely.
func MaskURL(urlString string, secretKeys ...string) (string, error) {
	u, err := url.Parse(urlString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	var str strings.Builder
	str.WriteString(u.Scheme)
	str.WriteString("://")
	if u.User != nil {
		str.WriteString(Mask(u.User.Username()))
		if pass, ok := u.User.Password(); ok {
			str.WriteString(":")
			str.WriteString(Mask(pass))
		}
		str.WriteString("@")
	}
	str.WriteString(u.Host)
	str.WriteString(u.EscapedPath())

	query := u.Query()
	if len(query) == 0 {
		return str.String(), nil
	}
	secret := make(map[string]bool, len(secretKeys))
	for _, k := range secretKeys {
		secret[k] = true
	}
	var qs []string
	for k, v := range query {
		value := url.QueryEscape(strings.Join(v, ","))
		if secret[k] {
			value = Redacted
		}
		qs = append(qs, url.QueryEscape(k)+"="+value)
	}
	sort.Strings(qs)
	str.WriteString("?")
	str.WriteString(strings.Join(qs, "&"))
	return str.String(), nil
}
