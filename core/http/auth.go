package http

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// BasicToken returns base64("user:password") as sent after "Basic "
func BasicToken(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}

// ParseBasic extracts the token from an Authorization value of the form
// "Basic <token>". Any other shape is rejected.
func ParseBasic(value string) (string, bool) {
	parts := strings.Fields(value)
	if len(parts) != 2 || parts[0] != "Basic" {
		return "", false
	}
	return parts[1], true
}

// CheckBasic validates an Authorization value against credentials
func CheckBasic(value, user, password string) bool {
	token, ok := ParseBasic(value)
	if !ok || token == "" {
		return false
	}
	want := BasicToken(user, password)
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}
