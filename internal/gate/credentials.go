package gate

import (
	"encoding/base64"
	"strings"
)

// Credentials is a token pair extracted from the startup user field or from
// a cleartext password message.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// ParseCredentials extracts a token pair from a credential string of the
// form "access_token=...;refresh_token=...". The whole string may be base64
// encoded, since many drivers reject long or punctuated usernames. A bare
// string with no key/value structure is treated as an access token only when
// allowBare is set (the password path), never for usernames.
func ParseCredentials(raw string, allowBare bool) (Credentials, bool) {
	if creds, ok := parsePairs(raw); ok {
		return creds, true
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if creds, ok := parsePairs(string(decoded)); ok {
			return creds, true
		}
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		if creds, ok := parsePairs(string(decoded)); ok {
			return creds, true
		}
	}
	if allowBare && raw != "" {
		return Credentials{AccessToken: raw}, true
	}
	return Credentials{}, false
}

func parsePairs(raw string) (Credentials, bool) {
	var creds Credentials
	found := false
	for _, part := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "access_token":
			creds.AccessToken = strings.TrimSpace(value)
			found = true
		case "refresh_token":
			creds.RefreshToken = strings.TrimSpace(value)
		}
	}
	if !found || creds.AccessToken == "" {
		return Credentials{}, false
	}
	return creds, true
}
