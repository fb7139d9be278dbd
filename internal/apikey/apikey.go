// Package apikey implements issuance and validation of inbound broker API
// keys: plaintext tokens shown to the caller exactly once, stored only as a
// SHA-256 fingerprint with a constant-time comparison on the validate path
// (spec §8: timing-attack resistance on key lookup).
package apikey

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaybroker/ccrelay/internal/accounting"
	"github.com/relaybroker/ccrelay/internal/crypto"
	"github.com/relaybroker/ccrelay/internal/kv"
)

// DefaultRequestsPerWindow is applied to a key issued without an explicit
// request-rate quota, so every key carries at least a baseline
// abuse-prevention limit (spec §8).
const DefaultRequestsPerWindow = 300

// concurrencyKeyPrefix namespaces the KV counter CheckQuota uses to bound a
// key's simultaneous in-flight requests, mirroring the scheduler's
// inflight-counter pattern.
const concurrencyKeyPrefix = "apikey_concurrency:"

// Quota bundles the per-key limits CheckQuota enforces. A zero Quota still
// gets DefaultRequestsPerWindow; every other dimension defaults to
// unlimited.
type Quota struct {
	RequestsPerWindow    int
	TokensPerWindow      int64
	WindowSeconds        int
	MaxConcurrent        int
	DailyCostLimitMicro  int64
	AllowedModelPatterns []string
}

// plaintextPattern constrains the shape of keys this package will accept on
// the validate path; it rejects anything that cannot possibly be one of our
// own issued tokens before spending a KV round trip on it.
var plaintextPattern = regexp.MustCompile(`^(sk_|cr_|pk_)[A-Za-z0-9_-]{17,253}$`)

const (
	keyPrefix        = "apikey:"     // apikey:{fingerprint} -> hash
	fingerprintIndex = "apikey_idx:" // apikey_idx:{id} -> fingerprint, for reverse lookup
)

// Status is the lifecycle state of an issued key.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Key is the persisted record for an issued API key. Plaintext is never
// stored; FingerprintHex is the lookup key.
type Key struct {
	ID             string
	FingerprintHex string
	Label          string
	Status         Status
	CreditLimit    int64 // 0 means unlimited
	CreditBalance  int64
	CreatedAt      time.Time
	LastUsedAt     time.Time

	// RequestsPerWindow caps admitted requests per WindowSeconds; 0 means
	// unlimited.
	RequestsPerWindow int
	// TokensPerWindow caps estimated input tokens per WindowSeconds; 0
	// means unlimited.
	TokensPerWindow int64
	// WindowSeconds sizes the sliding window RequestsPerWindow and
	// TokensPerWindow are measured over; 0 falls back to one minute.
	WindowSeconds int
	// MaxConcurrent caps simultaneous in-flight requests for this key; 0
	// means unlimited.
	MaxConcurrent int
	// DailyCostLimitMicro caps total cost (microUSD) a key may spend per
	// UTC day; 0 means unlimited.
	DailyCostLimitMicro int64
	// AllowedModelPatterns restricts which models this key may call. An
	// entry ending in "*" matches by prefix; empty means any model.
	AllowedModelPatterns []string
}

// Issued is returned once, at creation time, and is the only place the
// plaintext token is ever available.
type Issued struct {
	Key       Key
	Plaintext string
}

// Manager issues and validates API keys against a KV-backed store.
type Manager struct {
	store kv.Store

	// lastUsedQueue buffers LastUsedAt bumps so the hot validate path never
	// blocks on a KV write (design note: async fire-and-forget usage
	// tracking, grounded on the teacher's bounded usage-event queue).
	lastUsedQueue chan lastUsedEvent
	wg            sync.WaitGroup
}

type lastUsedEvent struct {
	fingerprint string
	when        time.Time
}

// NewManager constructs a Manager and starts its background last-used
// writer. queueDepth bounds memory use; when the queue is full, Validate
// drops the new update rather than blocking its caller.
func NewManager(store kv.Store, queueDepth int) *Manager {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	m := &Manager{store: store, lastUsedQueue: make(chan lastUsedEvent, queueDepth)}
	m.wg.Add(1)
	go m.runLastUsedWriter()
	return m
}

// Close drains the last-used writer. Safe to call once at shutdown.
func (m *Manager) Close() {
	close(m.lastUsedQueue)
	m.wg.Wait()
}

func (m *Manager) runLastUsedWriter() {
	defer m.wg.Done()
	for ev := range m.lastUsedQueue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := m.store.HSet(ctx, keyPrefix+ev.fingerprint, map[string]string{
			"last_used_at": ev.when.UTC().Format(time.RFC3339Nano),
		})
		cancel()
		if err != nil {
			log.WithError(err).Debug("apikey: failed to persist last-used timestamp")
		}
	}
}

// Issue generates a new random key, stores only its fingerprint, and
// returns the plaintext exactly once. A zero Quota still gets
// DefaultRequestsPerWindow applied.
func (m *Manager) Issue(ctx context.Context, id, label string, creditLimit int64, quota Quota) (*Issued, error) {
	token, err := crypto.SecureRandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("apikey: generate token: %w", err)
	}
	plaintext := "sk_" + token
	fingerprint := crypto.FingerprintHex([]byte(plaintext))

	if quota.RequestsPerWindow <= 0 {
		quota.RequestsPerWindow = DefaultRequestsPerWindow
	}

	key := Key{
		ID:                   id,
		FingerprintHex:       fingerprint,
		Label:                label,
		Status:               StatusActive,
		CreditLimit:          creditLimit,
		CreditBalance:        creditLimit,
		CreatedAt:            time.Now().UTC(),
		RequestsPerWindow:    quota.RequestsPerWindow,
		TokensPerWindow:      quota.TokensPerWindow,
		WindowSeconds:        quota.WindowSeconds,
		MaxConcurrent:        quota.MaxConcurrent,
		DailyCostLimitMicro:  quota.DailyCostLimitMicro,
		AllowedModelPatterns: quota.AllowedModelPatterns,
	}

	fields := map[string]string{
		"id":                 key.ID,
		"label":              key.Label,
		"status":             string(key.Status),
		"fingerprint":        fingerprint,
		"credit_limit":       strconv.FormatInt(key.CreditLimit, 10),
		"credit_balance":     strconv.FormatInt(key.CreditBalance, 10),
		"created_at":         key.CreatedAt.Format(time.RFC3339Nano),
		"requests_per_window": strconv.Itoa(key.RequestsPerWindow),
		"tokens_per_window":   strconv.FormatInt(key.TokensPerWindow, 10),
		"window_seconds":      strconv.Itoa(key.WindowSeconds),
		"max_concurrent":      strconv.Itoa(key.MaxConcurrent),
		"daily_cost_limit":    strconv.FormatInt(key.DailyCostLimitMicro, 10),
		"allowed_models":      strings.Join(key.AllowedModelPatterns, ","),
	}
	if err := m.store.HSet(ctx, keyPrefix+fingerprint, fields); err != nil {
		return nil, fmt.Errorf("apikey: persist key %q: %w", id, err)
	}
	if err := m.store.Set(ctx, fingerprintIndex+id, fingerprint, 0); err != nil {
		return nil, fmt.Errorf("apikey: persist reverse index %q: %w", id, err)
	}

	return &Issued{Key: key, Plaintext: plaintext}, nil
}

// Validate looks up a presented plaintext key by its fingerprint, then
// re-checks the stored fingerprint field against the one derived from the
// presented plaintext with a constant-time comparison, so a lookup that
// somehow landed on the wrong record's hash slot is rejected without a
// timing-sensitive branch. It rejects revoked keys and those without
// plaintext shape.
func (m *Manager) Validate(ctx context.Context, plaintext string) (*Key, error) {
	if !plaintextPattern.MatchString(plaintext) {
		return nil, ErrInvalidKey
	}
	fingerprint := crypto.FingerprintHex([]byte(plaintext))

	fields, err := m.store.HGetAll(ctx, keyPrefix+fingerprint)
	if err != nil {
		return nil, fmt.Errorf("apikey: lookup: %w", err)
	}
	if len(fields) == 0 || !crypto.ConstantTimeEqualHex(fields["fingerprint"], fingerprint) {
		return nil, ErrInvalidKey
	}

	key, err := decodeKey(fingerprint, fields)
	if err != nil {
		return nil, err
	}
	if key.Status != StatusActive {
		return nil, ErrKeyRevoked
	}
	if key.CreditLimit > 0 && key.CreditBalance <= 0 {
		return nil, ErrQuotaExceeded
	}

	select {
	case m.lastUsedQueue <- lastUsedEvent{fingerprint: fingerprint, when: time.Now()}:
	default:
		log.Debug("apikey: last-used queue full, dropping update")
	}

	return key, nil
}

// QuotaDeps bundles the accounting collaborators CheckQuota needs beyond
// the key store itself.
type QuotaDeps struct {
	RateLimiter *accounting.RateLimiter
	Rollup      *accounting.KVRollupSink
}

// QuotaGrant is returned by a successful CheckQuota call. Release must be
// called exactly once when the request finishes, mirroring the scheduler's
// Decision.Release.
type QuotaGrant struct {
	Release func(ctx context.Context)
}

// CheckQuota enforces every quota dimension carried on key: the allowed
// model set, the sliding request- and token-rate windows, the daily cost
// ceiling, and the concurrency cap. estimatedTokens is charged against
// TokensPerWindow before the request is known to have actually consumed
// that many; callers should pass a conservative pre-dispatch estimate.
func (m *Manager) CheckQuota(ctx context.Context, key *Key, deps QuotaDeps, model string, estimatedTokens int64) (*QuotaGrant, error) {
	if len(key.AllowedModelPatterns) > 0 && !modelAllowed(key.AllowedModelPatterns, model) {
		return nil, ErrModelNotAllowed
	}

	window := time.Duration(key.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	if key.RequestsPerWindow > 0 && deps.RateLimiter != nil {
		ok, err := deps.RateLimiter.Allow(ctx, "apikey-req:"+key.FingerprintHex, key.RequestsPerWindow, window)
		if err != nil {
			return nil, fmt.Errorf("apikey: check request quota: %w", err)
		}
		if !ok {
			return nil, ErrRequestQuotaExceeded
		}
	}

	if key.TokensPerWindow > 0 && deps.RateLimiter != nil {
		ok, err := deps.RateLimiter.AllowWeighted(ctx, "apikey-tok:"+key.FingerprintHex, key.TokensPerWindow, estimatedTokens, window)
		if err != nil {
			return nil, fmt.Errorf("apikey: check token quota: %w", err)
		}
		if !ok {
			return nil, ErrTokenQuotaExceeded
		}
	}

	if key.DailyCostLimitMicro > 0 && deps.Rollup != nil {
		day := time.Now().UTC().Format("2006-01-02")
		usages, err := deps.Rollup.QueryDaily(ctx, day, key.ID)
		if err == nil {
			var spent int64
			for _, u := range usages {
				spent += u.CostMicro
			}
			if spent >= key.DailyCostLimitMicro {
				return nil, ErrDailyCostExceeded
			}
		}
	}

	release := func(context.Context) {}
	if key.MaxConcurrent > 0 {
		concKey := concurrencyKeyPrefix + key.FingerprintHex
		n, err := m.store.Incr(ctx, concKey)
		if err != nil {
			return nil, fmt.Errorf("apikey: acquire concurrency slot: %w", err)
		}
		if n > int64(key.MaxConcurrent) {
			if _, err := m.store.Decr(ctx, concKey); err != nil {
				log.WithError(err).Debug("apikey: failed to release rejected concurrency slot")
			}
			return nil, ErrConcurrencyLimitExceeded
		}
		released := false
		release = func(ctx context.Context) {
			if released {
				return
			}
			released = true
			if _, err := m.store.Decr(ctx, concKey); err != nil {
				log.WithError(err).Debug("apikey: failed to release concurrency slot")
			}
		}
	}

	return &QuotaGrant{Release: release}, nil
}

// modelAllowed reports whether model matches one of patterns. An entry
// ending in "*" matches by prefix; any other entry must match exactly.
func modelAllowed(patterns []string, model string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(model, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == model {
			return true
		}
	}
	return false
}

// DecrementCredit atomically decreases the key's credit balance by cost,
// clamped at zero (spec §5: credits never go negative). It reports true
// (overdrawn) when the balance was already zero before this call or when
// cost exceeded the remaining balance and the result was clamped to zero.
func (m *Manager) DecrementCredit(ctx context.Context, fingerprint string, cost int64) (overdrawn bool, err error) {
	if cost <= 0 {
		return false, nil
	}
	fields, err := m.store.HGetAll(ctx, keyPrefix+fingerprint)
	if err != nil {
		return false, fmt.Errorf("apikey: load for decrement: %w", err)
	}
	balance, _ := strconv.ParseInt(fields["credit_balance"], 10, 64)
	if balance <= 0 {
		return true, nil
	}
	next := balance - cost
	if next < 0 {
		next = 0
	}
	if err := m.store.HSet(ctx, keyPrefix+fingerprint, map[string]string{
		"credit_balance": strconv.FormatInt(next, 10),
	}); err != nil {
		return false, fmt.Errorf("apikey: persist decrement: %w", err)
	}
	return next == 0 && balance-cost < 0, nil
}

// Revoke marks a key as revoked; Validate will reject it afterward.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	fingerprint, err := m.store.Get(ctx, fingerprintIndex+id)
	if err != nil {
		return fmt.Errorf("apikey: resolve %q: %w", id, err)
	}
	return m.store.HSet(ctx, keyPrefix+fingerprint, map[string]string{"status": string(StatusRevoked)})
}

func decodeKey(fingerprint string, fields map[string]string) (*Key, error) {
	k := &Key{
		ID:             fields["id"],
		FingerprintHex: fingerprint,
		Label:          fields["label"],
		Status:         Status(fields["status"]),
	}
	k.CreditLimit, _ = strconv.ParseInt(fields["credit_limit"], 10, 64)
	k.CreditBalance, _ = strconv.ParseInt(fields["credit_balance"], 10, 64)
	if v := fields["created_at"]; v != "" {
		k.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["last_used_at"]; v != "" {
		k.LastUsedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	k.RequestsPerWindow, _ = strconv.Atoi(fields["requests_per_window"])
	k.TokensPerWindow, _ = strconv.ParseInt(fields["tokens_per_window"], 10, 64)
	k.WindowSeconds, _ = strconv.Atoi(fields["window_seconds"])
	k.MaxConcurrent, _ = strconv.Atoi(fields["max_concurrent"])
	k.DailyCostLimitMicro, _ = strconv.ParseInt(fields["daily_cost_limit"], 10, 64)
	if v := fields["allowed_models"]; v != "" {
		k.AllowedModelPatterns = strings.Split(v, ",")
	}
	return k, nil
}
