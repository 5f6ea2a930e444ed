package main

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func checkAuth(r *http.Request, token string) bool {
	if token == "" {
		return true // No auth configured
	}

	if auth, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if tokenMatches(auth, token) {
			return true
		}
	}

	// Browsers cannot set headers on WebSocket upgrades
	return tokenMatches(r.URL.Query().Get("token"), token)
}
