package bridge

import "crypto/subtle"

// tokenMatches uses constant-time comparison to prevent timing attacks.
func tokenMatches(candidate, token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}
