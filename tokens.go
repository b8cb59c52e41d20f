package pocketauth

import (
	"fmt"
	"net/url"
	"strings"
)

// TokenKeyMarkers are the substrings that identify persisted auth token entries in
// LocalStorage. Any key containing one of them belongs to the auth layer.
var TokenKeyMarkers = []string{
	"-auth-token",
	"supabase.auth",
	"refresh-token",
	"access-token",
}

// IsTokenKey returns true if key holds auth token data
func IsTokenKey(key string) bool {
	for _, marker := range TokenKeyMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

// SessionStorageKey derives the key the provider persists its session under,
// "sb-<project-ref>-auth-token", where the project ref is the first label of the
// backend host ("abcd" for https://abcd.supabase.co, "localhost" for a local stack).
func SessionStorageKey(backendURL string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("invalid backend URL: missing host in %q", backendURL)
	}
	ref := strings.SplitN(host, ".", 2)[0]
	return "sb-" + ref + "-auth-token", nil
}
