package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

func HashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether an Authorization header carries the bearer token
// whose hash is wantHash. The comparison runs in constant time.
func Matches(header, wantHash string) bool {
	tok, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tok == "" || wantHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(tok)), []byte(wantHash)) == 1
}
