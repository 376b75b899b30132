package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bradax/broker/internal/models"
)

// keyDerivationSalt is mixed into every per-project secret derivation. It is
// versioned alongside the kid scheme: a future v2 derivation would use a
// different salt so v1 and v2 tokens never collide.
const keyDerivationSalt = "bradax-jwt-v1::"

// keyIDVersion is the only kid version this broker currently issues or
// accepts. A future rotation scheme would add v2 without breaking v1
// validation.
const keyIDVersion = "v1"

// JWT validation errors, exposed so callers can classify failures into the
// broker's error taxonomy without string-matching messages.
var (
	ErrInvalidToken    = errors.New("auth_invalid")
	ErrExpiredToken    = errors.New("auth_expired")
	ErrUnknownKeyID    = errors.New("auth_invalid: unknown key id")
	ErrProjectMismatch = errors.New("auth_invalid: project mismatch")
)

// projectClaims is the JWT payload issued for a project-scoped token.
type projectClaims struct {
	ProjectID    string   `json:"project_id"`
	Organization string   `json:"organization,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// DeriveProjectSecret computes the per-project HMAC signing key from the
// process-wide master secret. The derivation is one-way and deterministic:
// the same (masterSecret, projectID) pair always yields the same key, but
// the key itself is never persisted or logged.
func DeriveProjectSecret(masterSecret []byte, projectID string) []byte {
	mac := hmac.New(sha256.New, masterSecret)
	mac.Write([]byte(keyDerivationSalt + strings.ToLower(projectID)))
	return mac.Sum(nil)
}

// KeyID returns the kid header value for a project under the current
// derivation version.
func KeyID(projectID string) string {
	return fmt.Sprintf("p:%s:%s", strings.ToLower(projectID), keyIDVersion)
}

// ParseKeyID splits a kid of shape "p:<project_id>:v<n>" into its project
// id and version, rejecting anything else including unknown versions.
func ParseKeyID(kid string) (projectID, version string, err error) {
	parts := strings.SplitN(kid, ":", 3)
	if len(parts) != 3 || parts[0] != "p" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: malformed kid", ErrInvalidToken)
	}
	if parts[2] != keyIDVersion {
		return "", "", fmt.Errorf("%w: unsupported kid version %q", ErrUnknownKeyID, parts[2])
	}
	return parts[1], parts[2], nil
}

// IssueToken signs a project-scoped token that expires after expiry.
func IssueToken(masterSecret []byte, projectID, organization string, scopes []string, expiry time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(expiry)
	claims := projectClaims{
		ProjectID:    projectID,
		Organization: organization,
		Scopes:       scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = KeyID(projectID)

	secret := DeriveProjectSecret(masterSecret, projectID)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken parses and validates a bearer token, re-deriving the
// project's secret from its kid before checking the signature. It returns
// a verified principal or one of the sentinel errors above.
func VerifyToken(masterSecret []byte, tokenString string) (*models.Principal, error) {
	var projectFromKid string

	parsed, err := jwt.ParseWithClaims(tokenString, &projectClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		kidRaw, ok := t.Header["kid"].(string)
		if !ok || kidRaw == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrInvalidToken)
		}
		pid, _, errKid := ParseKeyID(kidRaw)
		if errKid != nil {
			return nil, errKid
		}
		projectFromKid = pid
		return DeriveProjectSecret(masterSecret, pid), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, ErrUnknownKeyID) {
			return nil, ErrUnknownKeyID
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*projectClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if !strings.EqualFold(claims.ProjectID, projectFromKid) {
		return nil, ErrProjectMismatch
	}

	principal := &models.Principal{
		ProjectID:    claims.ProjectID,
		Organization: claims.Organization,
		Scopes:       claims.Scopes,
	}
	if claims.IssuedAt != nil {
		principal.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// AdminClaims defines JWT claims for the operator/admin surface used by the
// project CRUD endpoints. Admin auth is out of the broker's core scope; it
// exists only so the admin surface is not left wide open.
type AdminClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateAdminToken signs an admin session token.
func GenerateAdminToken(secret string, username string, expiry time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdminToken validates an admin session token and returns its claims.
func ParseAdminToken(secret string, tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
