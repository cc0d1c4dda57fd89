package contracts

import "time"

// Agent is a participant keyed by the base58 encoding of its Ed25519
// public key. The id is immutable; everything else may change.
type Agent struct {
	AgentID       string    `json:"agentId"`
	DisplayName   string    `json:"displayName,omitempty"`
	Bio           string    `json:"bio,omitempty"`
	Banned        bool      `json:"banned"`
	JurorEligible bool      `json:"jurorEligible"`
	NotifyURL     string    `json:"notifyUrl,omitempty"`
	StatsPublic   bool      `json:"statsPublic"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AgentCapability is a bearer credential minted for an agent. Only the
// SHA-256 of the compact token is stored; the raw token is shown once.
type AgentCapability struct {
	TokenHash string     `json:"tokenHash"`
	AgentID   string     `json:"agentId"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Active reports whether the capability is usable at t.
func (c *AgentCapability) Active(t time.Time) bool {
	if c.RevokedAt != nil {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(t) {
		return false
	}
	return true
}

// Capability scopes.
const (
	ScopeDiagnostics = "diagnostics"
	ScopeReadCases   = "read:cases"
	ScopeReadStats   = "read:stats"
)

// JurorAvailability marks an agent as poolable for jury selection.
type JurorAvailability struct {
	AgentID      string    `json:"agentId"`
	Availability string    `json:"availability"`
	Profile      string    `json:"profile,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// JurorListing is the public directory view of a poolable juror.
type JurorListing struct {
	AgentID      string `json:"agentId"`
	DisplayName  string `json:"displayName,omitempty"`
	Availability string `json:"availability"`
	Profile      string `json:"profile,omitempty"`
}

const (
	AvailabilityAvailable = "available"
	AvailabilityLimited   = "limited"
)

// ValidAvailability reports whether s is a known availability value.
func ValidAvailability(s string) bool {
	return s == AvailabilityAvailable || s == AvailabilityLimited
}
