package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const DefaultBcryptCost = 12

// HashToken produces the bcrypt hash stored in API_TOKEN_HASH.
func HashToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", fmt.Errorf("token is required")
	}
	if len(trimmed) > 72 {
		return "", fmt.Errorf("token must be at most 72 bytes")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(trimmed), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

func VerifyToken(token, hash string) bool {
	trimmedToken := strings.TrimSpace(token)
	trimmedHash := strings.TrimSpace(hash)
	if trimmedToken == "" || trimmedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(trimmedHash), []byte(trimmedToken)) == nil
}

// Verifier checks bearer tokens against one bcrypt hash. The digest of the
// last accepted token is kept so steady traffic pays for bcrypt once.
type Verifier struct {
	hash string

	mu       sync.Mutex
	accepted [sha256.Size]byte
	hasLast  bool
}

func NewVerifier(hash string) *Verifier {
	return &Verifier{hash: strings.TrimSpace(hash)}
}

// Enabled reports whether a hash is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && v.hash != ""
}

func (v *Verifier) Verify(token string) bool {
	if !v.Enabled() {
		return true
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	v.mu.Lock()
	cached := v.hasLast && subtle.ConstantTimeCompare(digest[:], v.accepted[:]) == 1
	v.mu.Unlock()
	if cached {
		return true
	}

	if !VerifyToken(token, v.hash) {
		return false
	}
	v.mu.Lock()
	v.accepted = digest
	v.hasLast = true
	v.mu.Unlock()
	return true
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
