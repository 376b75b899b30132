package models

import "time"

// Principal is the verified identity extracted from a bearer token: the
// project it was issued to, the scopes it carries, and its expiry.
type Principal struct {
	ProjectID    string    `json:"project_id"`
	Organization string    `json:"organization"`
	Scopes       []string  `json:"scopes"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// HasScope reports whether the principal was issued the given capability
// tag.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
