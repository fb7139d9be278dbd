package account

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/relaybroker/ccrelay/internal/crypto"
	"github.com/relaybroker/ccrelay/internal/kv"
)

const (
	accountKeyPrefix = "account:"
	groupKeyPrefix   = "account_group:"
)

func accountKey(id string) string { return accountKeyPrefix + id }
func groupKey(id string) string   { return groupKeyPrefix + id }

// Repository is the Account Repository component: CRUD over UpstreamAccount
// and AccountGroup records persisted as KV hash maps (spec §6.3).
type Repository struct {
	store kv.Store
}

// NewRepository constructs a Repository backed by store.
func NewRepository(store kv.Store) *Repository {
	return &Repository{store: store}
}

// Create persists a new account. Callers populate Envelope via the OAuth
// manager's Seal helpers before calling Create.
func (r *Repository) Create(ctx context.Context, a *Account) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.State == "" {
		a.State = StateActive
	}
	return r.persist(ctx, a)
}

// Get loads the full account record, including its encrypted envelope.
// Only the OAuth Lifecycle Manager should call this; every other caller
// should use GetSnapshot.
func (r *Repository) Get(ctx context.Context, id string) (*Account, error) {
	fields, err := r.store.HGetAll(ctx, accountKey(id))
	if err != nil {
		return nil, fmt.Errorf("account: get %q: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("account: %q not found", id)
	}
	return decodeAccount(id, fields)
}

// GetSnapshot loads the read-only projection of an account.
func (r *Repository) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return a.Snapshot(), nil
}

// List enumerates every account snapshot, optionally filtered by provider
// (empty string means all providers). Enumeration uses the KV adapter's
// keyspace scan rather than a secondary index, per the component's stated
// capability set (spec §2.2).
func (r *Repository) List(ctx context.Context, provider string) ([]Snapshot, error) {
	var out []Snapshot
	var scanErr error
	err := r.store.Scan(ctx, accountKeyPrefix+"*", func(key string) bool {
		id := key[len(accountKeyPrefix):]
		a, err := r.Get(ctx, id)
		if err != nil {
			scanErr = err
			return false
		}
		if provider == "" || a.Provider == provider {
			out = append(out, a.Snapshot())
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// UpdateState transitions an account's lifecycle state and, for
// rate-limited transitions, its cooldown deadline.
func (r *Repository) UpdateState(ctx context.Context, id string, state State, cooldownUntil time.Time, lastError string) error {
	fields := map[string]string{
		"state":      string(state),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !cooldownUntil.IsZero() {
		fields["cooldown_until"] = cooldownUntil.Format(time.RFC3339Nano)
	}
	if lastError != "" {
		fields["last_error"] = lastError
	}
	if err := r.store.HSet(ctx, accountKey(id), fields); err != nil {
		return fmt.Errorf("account: update state %q: %w", id, err)
	}
	return nil
}

// TouchLastUsed records the most recent successful dispatch time.
func (r *Repository) TouchLastUsed(ctx context.Context, id string, when time.Time) error {
	return r.store.HSet(ctx, accountKey(id), map[string]string{
		"last_used_at": when.UTC().Format(time.RFC3339Nano),
	})
}

// UpdateEnvelope persists a freshly sealed credential envelope. This is the
// only mutation path the OAuth Lifecycle Manager uses to rotate credentials
// (design note: the envelope is write-then-swap, readers never observe a
// partial value because HSet replaces the three envelope fields together
// through a single command).
func (r *Repository) UpdateEnvelope(ctx context.Context, id string, version int, iv, ciphertext string) error {
	return r.store.HSet(ctx, accountKey(id), map[string]string{
		"envelope_version":    strconv.Itoa(version),
		"envelope_iv":         iv,
		"envelope_ciphertext": ciphertext,
		"updated_at":          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Delete removes an account record entirely.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.store.Del(ctx, accountKey(id))
}

func (r *Repository) persist(ctx context.Context, a *Account) error {
	fields := map[string]string{
		"provider":     a.Provider,
		"state":        string(a.State),
		"priority":     strconv.Itoa(a.Priority),
		"group_id":     a.GroupID,
		"model_prefix": a.ModelPrefix,
		"last_error":   a.LastError,
		"created_at":   a.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !a.CooldownUntil.IsZero() {
		fields["cooldown_until"] = a.CooldownUntil.UTC().Format(time.RFC3339Nano)
	}
	if !a.LastUsedAt.IsZero() {
		fields["last_used_at"] = a.LastUsedAt.UTC().Format(time.RFC3339Nano)
	}
	if a.OutboundProxy != nil {
		data, err := json.Marshal(a.OutboundProxy)
		if err != nil {
			return fmt.Errorf("account: marshal proxy: %w", err)
		}
		fields["proxy_json"] = string(data)
	}
	if a.Envelope != nil {
		fields["envelope_version"] = strconv.Itoa(a.Envelope.Version)
		fields["envelope_iv"] = a.Envelope.IV
		fields["envelope_ciphertext"] = a.Envelope.Ciphertext
	}
	if err := r.store.HSet(ctx, accountKey(a.ID), fields); err != nil {
		return fmt.Errorf("account: persist %q: %w", a.ID, err)
	}
	return nil
}

func decodeAccount(id string, fields map[string]string) (*Account, error) {
	a := &Account{ID: id}
	a.Provider = fields["provider"]
	a.State = State(fields["state"])
	a.GroupID = fields["group_id"]
	a.ModelPrefix = fields["model_prefix"]
	a.LastError = fields["last_error"]

	if v := fields["priority"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			a.Priority = n
		}
	}
	a.CooldownUntil = parseTime(fields["cooldown_until"])
	a.LastUsedAt = parseTime(fields["last_used_at"])
	a.CreatedAt = parseTime(fields["created_at"])
	a.UpdatedAt = parseTime(fields["updated_at"])

	if raw := fields["proxy_json"]; raw != "" {
		var p ProxyConfig
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("account: unmarshal proxy for %q: %w", id, err)
		}
		a.OutboundProxy = &p
	}

	if version := fields["envelope_version"]; version != "" {
		n, err := strconv.Atoi(version)
		if err != nil {
			return nil, fmt.Errorf("account: bad envelope version for %q: %w", id, err)
		}
		a.Envelope = &crypto.Envelope{
			Version:    n,
			IV:         fields["envelope_iv"],
			Ciphertext: fields["envelope_ciphertext"],
		}
	}
	return a, nil
}

// CreateGroup persists a new account group.
func (r *Repository) CreateGroup(ctx context.Context, g *Group) error {
	return r.persistGroup(ctx, g)
}

// GetGroup loads a group by id.
func (r *Repository) GetGroup(ctx context.Context, id string) (*Group, error) {
	fields, err := r.store.HGetAll(ctx, groupKey(id))
	if err != nil {
		return nil, fmt.Errorf("account: get group %q: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("account: group %q not found", id)
	}
	return decodeGroup(id, fields)
}

// ListGroups enumerates every account group via a keyspace scan.
func (r *Repository) ListGroups(ctx context.Context) ([]*Group, error) {
	var out []*Group
	var scanErr error
	err := r.store.Scan(ctx, groupKeyPrefix+"*", func(key string) bool {
		id := key[len(groupKeyPrefix):]
		g, err := r.GetGroup(ctx, id)
		if err != nil {
			scanErr = err
			return false
		}
		out = append(out, g)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("account: list groups: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// DeleteGroup removes a group record. Member accounts keep their group_id
// field; the scheduler still selects among accounts carrying that id, by
// priority, since no group record remains to name a policy.
func (r *Repository) DeleteGroup(ctx context.Context, id string) error {
	return r.store.Del(ctx, groupKey(id))
}

func (r *Repository) persistGroup(ctx context.Context, g *Group) error {
	data, err := json.Marshal(g.MemberAccountIDs)
	if err != nil {
		return fmt.Errorf("account: marshal group members: %w", err)
	}
	policy := g.SelectionPolicy
	if policy == "" {
		policy = PolicyPriority
	}
	fields := map[string]string{
		"name":         g.Name,
		"members_json": string(data),
		"policy":       string(policy),
	}
	if err := r.store.HSet(ctx, groupKey(g.ID), fields); err != nil {
		return fmt.Errorf("account: persist group %q: %w", g.ID, err)
	}
	return nil
}

func decodeGroup(id string, fields map[string]string) (*Group, error) {
	g := &Group{ID: id, Name: fields["name"], SelectionPolicy: SelectionPolicy(fields["policy"])}
	if raw := fields["members_json"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &g.MemberAccountIDs); err != nil {
			return nil, fmt.Errorf("account: unmarshal group members for %q: %w", id, err)
		}
	}
	return g, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
