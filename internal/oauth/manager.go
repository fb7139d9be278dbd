// Package oauth implements the OAuth Lifecycle Manager: it is the sole
// component that ever sees a decrypted access or refresh token, refreshing
// provider credentials before they expire and persisting the rotated
// envelope back through the account repository (spec §4 component 4).
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/relaybroker/ccrelay/internal/account"
	"github.com/relaybroker/ccrelay/internal/crypto"
	"github.com/relaybroker/ccrelay/internal/kv"
)

// lockTTL bounds how long a cross-process refresh lock is held; a crashed
// holder releases it automatically once the TTL elapses.
const lockTTL = 30 * time.Second

// Refresher performs the provider-specific token refresh HTTP call. Each
// OAuth provider (Claude, Gemini) implements this against its own token
// endpoint, the way ClaudeAuth.RefreshTokens does for Anthropic.
type Refresher interface {
	// Refresh exchanges refreshToken for a new token. It must not mutate
	// shared state; the Manager owns persistence.
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// Token is the provider-agnostic result of a refresh call.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
}

// Manager refreshes and stores OAuth envelopes. It is the exclusive writer
// of Account.Envelope; every other component reads Snapshot instead.
type Manager struct {
	repo      *account.Repository
	store     kv.Store
	cipher    *crypto.Cipher
	refreshers map[string]Refresher
	skew      time.Duration

	group singleflight.Group
}

// New constructs a Manager. skew is how far ahead of actual expiry a token
// is considered stale (spec default: refresh 2 minutes before ExpiresAt).
func New(repo *account.Repository, store kv.Store, cipher *crypto.Cipher, skew time.Duration) *Manager {
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Manager{
		repo:       repo,
		store:      store,
		cipher:     cipher,
		refreshers: make(map[string]Refresher),
		skew:       skew,
	}
}

// Register binds a provider name to its Refresher implementation.
func (m *Manager) Register(provider string, r Refresher) {
	m.refreshers[provider] = r
}

// EnsureFresh returns a decrypted, currently-valid access token for the
// given account, refreshing it first if it is within skew of expiry. Only
// the relay engine's credential-injection step should call this.
func (m *Manager) EnsureFresh(ctx context.Context, accountID string) (string, error) {
	full, err := m.repo.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("oauth: load account %q: %w", accountID, err)
	}
	if full.Envelope == nil {
		return "", fmt.Errorf("oauth: account %q has no credential envelope", accountID)
	}

	var env account.OAuthEnvelope
	if err := m.cipher.OpenJSON(full.Envelope, &env); err != nil {
		return "", fmt.Errorf("oauth: decrypt envelope for %q: %w", accountID, err)
	}

	if time.Until(env.ExpiresAt) > m.skew {
		return env.AccessToken, nil
	}

	refreshed, err := m.refresh(ctx, full.Provider, accountID, env)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh coalesces concurrent refreshes for the same account: in-process
// via singleflight, cross-process via a KV SETNX lock. A goroutine that
// loses both races simply re-reads the (now fresh) envelope persisted by
// the winner.
func (m *Manager) refresh(ctx context.Context, provider, accountID string, stale account.OAuthEnvelope) (*account.OAuthEnvelope, error) {
	v, err, _ := m.group.Do(accountID, func() (interface{}, error) {
		return m.refreshLocked(ctx, provider, accountID, stale)
	})
	if err != nil {
		return nil, err
	}
	return v.(*account.OAuthEnvelope), nil
}

func (m *Manager) refreshLocked(ctx context.Context, provider, accountID string, stale account.OAuthEnvelope) (*account.OAuthEnvelope, error) {
	lockKey := "oauth:refresh-lock:" + accountID
	acquired, err := m.store.SetNX(ctx, lockKey, "1", lockTTL)
	if err != nil {
		return nil, fmt.Errorf("oauth: acquire refresh lock for %q: %w", accountID, err)
	}
	if !acquired {
		// Another process holds the lock. Poll the repository briefly for
		// the winner's rotated envelope rather than racing it.
		return m.waitForRotation(ctx, accountID, stale.AccessToken)
	}
	defer func() {
		if err := m.store.Del(context.Background(), lockKey); err != nil {
			log.WithError(err).WithField("account_id", accountID).Warn("oauth: failed to release refresh lock")
		}
	}()

	refresher, ok := m.refreshers[provider]
	if !ok {
		return nil, fmt.Errorf("oauth: no refresher registered for provider %q", provider)
	}

	token, err := refresher.Refresh(ctx, stale.RefreshToken)
	if err != nil {
		_ = m.repo.UpdateState(ctx, accountID, account.StateUnauthorized, time.Time{}, err.Error())
		return nil, fmt.Errorf("oauth: refresh account %q: %w", accountID, err)
	}

	env := account.OAuthEnvelope{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.ExpiresAt,
		Scopes:       token.Scopes,
	}
	if env.RefreshToken == "" {
		env.RefreshToken = stale.RefreshToken
	}

	sealed, err := m.cipher.SealJSON(env)
	if err != nil {
		return nil, fmt.Errorf("oauth: seal refreshed envelope for %q: %w", accountID, err)
	}
	if err := m.repo.UpdateEnvelope(ctx, accountID, sealed.Version, sealed.IV, sealed.Ciphertext); err != nil {
		return nil, fmt.Errorf("oauth: persist refreshed envelope for %q: %w", accountID, err)
	}
	if err := m.repo.UpdateState(ctx, accountID, account.StateActive, time.Time{}, ""); err != nil {
		log.WithError(err).WithField("account_id", accountID).Warn("oauth: failed to clear state after refresh")
	}

	log.WithField("account_id", accountID).Info("oauth: access token refreshed")
	return &env, nil
}

// waitForRotation polls for another holder's in-flight refresh to land,
// bounded by lockTTL so a crashed holder cannot wedge callers forever.
func (m *Manager) waitForRotation(ctx context.Context, accountID, staleAccessToken string) (*account.OAuthEnvelope, error) {
	deadline := time.Now().Add(lockTTL)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			full, err := m.repo.Get(ctx, accountID)
			if err != nil {
				return nil, err
			}
			var env account.OAuthEnvelope
			if err := m.cipher.OpenJSON(full.Envelope, &env); err != nil {
				return nil, err
			}
			if env.AccessToken != staleAccessToken || time.Until(env.ExpiresAt) > m.skew {
				return &env, nil
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("oauth: timed out waiting for concurrent refresh of %q", accountID)
			}
		}
	}
}

// Seal encrypts a freshly issued OAuth envelope for initial storage, used
// by the account onboarding flow after an authorization-code exchange.
func (m *Manager) Seal(env account.OAuthEnvelope) (*crypto.Envelope, error) {
	return m.cipher.SealJSON(env)
}

// httpRefresher is a minimal JSON-over-HTTP Refresher shared by provider
// implementations whose token endpoint follows the standard OAuth2
// refresh_token grant shape (Claude); Gemini uses geminiRefresher instead.
type httpRefresher struct {
	client     *http.Client
	tokenURL   string
	clientID   string
	extraBody  map[string]string
}

// NewHTTPRefresher builds a Refresher for a standard OAuth2 token endpoint.
func NewHTTPRefresher(client *http.Client, tokenURL, clientID string, extraBody map[string]string) Refresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpRefresher{client: client, tokenURL: tokenURL, clientID: clientID, extraBody: extraBody}
}

type httpTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (h *httpRefresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("oauth: refresh token is required")
	}

	body := map[string]string{
		"client_id":     h.clientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	for k, v := range h.extraBody {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("oauth: marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.tokenURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("oauth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oauth: read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: refresh failed with status %d: %s", resp.StatusCode, string(data))
	}

	var parsed httpTokenResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("oauth: parse refresh response: %w", err)
	}

	token := &Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    parsed.TokenType,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}
	if parsed.Scope != "" {
		token.Scopes = strings.Fields(parsed.Scope)
	}
	return token, nil
}
