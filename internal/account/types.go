// Package account implements the Account Repository: CRUD over upstream
// provider accounts (Claude, Gemini, Claude-Console, Bedrock), each storing
// an encrypted OAuth envelope, proxy configuration, priority, status, and
// group membership (spec §3, §4 component 3).
package account

import (
	"time"

	"github.com/relaybroker/ccrelay/internal/crypto"
)

// State is the lifecycle status of an UpstreamAccount.
type State string

const (
	StateActive       State = "active"
	StateRateLimited   State = "rate-limited"
	StateCooldown      State = "cooldown"
	StateDisabled      State = "disabled"
	StateUnauthorized  State = "unauthorized"
)

// SelectionPolicy governs how the scheduler picks among a group's members.
type SelectionPolicy string

const (
	PolicyPriority    SelectionPolicy = "priority"
	PolicyRoundRobin  SelectionPolicy = "round-robin"
	PolicyLeastLoaded SelectionPolicy = "least-loaded"
)

// ProxyConfig describes a per-account outbound proxy.
type ProxyConfig struct {
	Scheme   string `json:"scheme"` // http, https, socks5
	Host     string `json:"host"`
	Port     int    `json:"port"`
	AuthUser string `json:"auth_user,omitempty"`
	AuthPass string `json:"auth_pass,omitempty"`
}

// URL renders the proxy configuration as a connectable URL, empty if unset.
func (p *ProxyConfig) URL() string {
	if p == nil || p.Host == "" {
		return ""
	}
	auth := ""
	if p.AuthUser != "" {
		auth = p.AuthUser
		if p.AuthPass != "" {
			auth += ":" + p.AuthPass
		}
		auth += "@"
	}
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + auth + p.Host + ":" + itoa(p.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// OAuthEnvelope is the plaintext shape of the encrypted OAuth material. It
// exists only transiently in memory inside the OAuth Lifecycle Manager;
// every other component receives a Snapshot instead (design note: the
// envelope is exclusively owned by the OAuth manager).
type OAuthEnvelope struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// ConsoleCredential is the plaintext shape of a static console/API key for
// non-OAuth providers (claude-console, bedrock).
type ConsoleCredential struct {
	APIKey    string `json:"api_key"`
	AccountID string `json:"account_id,omitempty"` // e.g. Bedrock account/region scoping
	Region    string `json:"region,omitempty"`
}

// Account is the full internal representation of an UpstreamAccount,
// including its encrypted credential envelope. Only the OAuth Lifecycle
// Manager (and the repository's own persistence code) should ever look at
// Envelope directly; callers elsewhere should use Snapshot.
type Account struct {
	ID       string
	Provider string

	// Envelope holds the encrypted OAuth or console credential.
	Envelope *crypto.Envelope

	OutboundProxy *ProxyConfig
	Priority      int
	GroupID       string
	ModelPrefix   string

	State         State
	CooldownUntil time.Time
	LastError     string
	LastUsedAt    time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the read-only projection of an Account handed to the
// scheduler, relay, and admin surfaces. It deliberately omits Envelope.
type Snapshot struct {
	ID            string
	Provider      string
	OutboundProxy *ProxyConfig
	Priority      int
	GroupID       string
	ModelPrefix   string
	State         State
	CooldownUntil time.Time
	LastError     string
	LastUsedAt    time.Time
}

// Snapshot projects a read-only view of the account.
func (a *Account) Snapshot() Snapshot {
	return Snapshot{
		ID:            a.ID,
		Provider:      a.Provider,
		OutboundProxy: a.OutboundProxy,
		Priority:      a.Priority,
		GroupID:       a.GroupID,
		ModelPrefix:   a.ModelPrefix,
		State:         a.State,
		CooldownUntil: a.CooldownUntil,
		LastError:     a.LastError,
		LastUsedAt:    a.LastUsedAt,
	}
}

// Usable reports whether the account can currently be selected: not
// disabled, not unauthorized, not circuit-broken (checked separately by the
// caller), and either active or rate-limited with an elapsed cooldown
// (spec §4.3 "Usable" definition).
func (s Snapshot) Usable(now time.Time) bool {
	switch s.State {
	case StateActive:
		return true
	case StateRateLimited:
		return !s.CooldownUntil.After(now)
	default:
		return false
	}
}

// Group mirrors AccountGroup (spec §3).
type Group struct {
	ID              string
	Name            string
	MemberAccountIDs []string
	SelectionPolicy SelectionPolicy
}
