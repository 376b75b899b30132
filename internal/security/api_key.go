package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// apiKeyPrefix is the prefix every project API key carries.
const apiKeyPrefix = "bradax_"

// Structural verification errors for the API-key rule in project auth.
var (
	ErrAPIKeyMalformed        = errors.New("auth_invalid: malformed api key")
	ErrAPIKeyProjectMismatch  = errors.New("auth_invalid: api key does not match project_id")
	ErrAPIKeyHashMismatch     = errors.New("auth_invalid: api key hash does not match stored hash")
)

// GenerateAPIKey builds a new API key for a project in the structured shape
// prefix_<project_id>_<org>_<storedHash><suffix>_<timestamp>, where
// project_id may itself contain underscores (e.g. "proj_real_001").
// storedHash is the fingerprint the Project Store will persist as
// api_key_hash; the random suffix appended after it is never itself
// checked on verification, only the storedHash prefix is. Only the
// organization segment is restricted to a single underscore-free token,
// since verification locates it positionally right after project_id.
func GenerateAPIKey(projectID, organization, storedHash string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("generate api key: project_id is required")
	}
	if strings.Contains(organization, "_") {
		return "", fmt.Errorf("generate api key: organization must not contain '_'")
	}
	suffix, err := GenerateRandomString(8)
	if err != nil {
		return "", err
	}
	org := organization
	if org == "" {
		org = "default"
	}
	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	return fmt.Sprintf("%s%s_%s_%s%s_%s", apiKeyPrefix, strings.ToLower(projectID), org, storedHash, suffix, timestamp), nil
}

// VerifyAPIKey implements the strict API-key verification rule: the
// presented key must be structurally shaped
// prefix_<project_id_tokens..._>_<org>_<hash-or-suffix>_<timestamp>, its
// leading tokens must match expectedProjectID token-for-token (so a
// project_id containing underscores, like "proj_real_001", is located
// correctly rather than by a fixed segment count), the org token
// immediately following must be a single underscore-free segment, and
// storedHash must be a strict prefix (not merely a substring anywhere) of
// the key's hash-or-suffix segment. There is no fallback path.
func VerifyAPIKey(rawKey, expectedProjectID, storedHash string) error {
	if storedHash == "" {
		return ErrAPIKeyHashMismatch
	}
	if !strings.HasPrefix(rawKey, apiKeyPrefix) {
		return ErrAPIKeyMalformed
	}
	body := strings.TrimPrefix(rawKey, apiKeyPrefix)
	parts := strings.Split(body, "_")

	expectedTokens := strings.Split(strings.ToLower(expectedProjectID), "_")
	// project_id tokens + org + at least one hash/suffix token + timestamp.
	if len(parts) < len(expectedTokens)+3 {
		return ErrAPIKeyMalformed
	}
	for i, tok := range expectedTokens {
		if !strings.EqualFold(parts[i], tok) {
			return ErrAPIKeyProjectMismatch
		}
	}

	orgSegment := parts[len(expectedTokens)]
	if orgSegment == "" {
		return ErrAPIKeyMalformed
	}

	timestampSegment := parts[len(parts)-1]
	if timestampSegment == "" || !isDigits(timestampSegment) {
		return ErrAPIKeyMalformed
	}

	hashSuffixSegment := strings.Join(parts[len(expectedTokens)+1:len(parts)-1], "_")
	if hashSuffixSegment == "" {
		return ErrAPIKeyMalformed
	}
	if !strings.HasPrefix(hashSuffixSegment, storedHash) {
		return ErrAPIKeyHashMismatch
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// GenerateRandomString returns a hex-encoded random string of the given
// byte length (the returned string is therefore twice as long as length).
func GenerateRandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate random string: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateAPIKeyHash produces the opaque fingerprint a Project Store
// entry persists as api_key_hash: a random hex fingerprint independent of
// the raw key material, generated once when a project's key is issued.
func GenerateAPIKeyHash() (string, error) {
	return GenerateRandomString(16)
}
