package token

import "time"

// Type mirrors the access-token typ claim.
type Type string

const (
	TypeUser Type = "user"
	TypeM2M  Type = "m2m"
)

// Revocation reasons recorded on tombstones and surfaced in audit metadata.
const (
	ReasonLogout  = "logout"
	ReasonEvicted = "evicted"
	ReasonTimeout = "timeout"
	ReasonReuse   = "reuse"
	ReasonAdmin   = "admin"
)

// Record is the persisted token lifecycle state. One record represents one
// rotation chain: the access token's jti stays the record ID across refreshes
// while RefreshHash is swapped. Records are mutated only through Store
// operations; revoked records persist as tombstones until the refresh horizon
// so that replays of rotated or revoked tokens stay detectable.
type Record struct {
	ID               string   `json:"id"`
	UserID           string   `json:"user_id,omitempty"`
	TenantID         string   `json:"tenant_id,omitempty"`
	ClientID         string   `json:"client_id,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	Type             Type     `json:"type"`
	RefreshHash      string   `json:"refresh_hash,omitempty"`
	RefreshExpiresAt int64    `json:"refresh_expires_at,omitempty"`
	CreatedAt        int64    `json:"created_at"`
	ExpiresAt        int64    `json:"expires_at"`
	Rotations        int      `json:"rotations,omitempty"`
	Revoked          bool     `json:"revoked,omitempty"`
	RevokedReason    string   `json:"revoked_reason,omitempty"`
}

// Active reports whether the record authorizes requests at the given instant.
func (r *Record) Active(now time.Time) bool {
	if r == nil || r.Revoked {
		return false
	}
	return now.Unix() < r.ExpiresAt
}
