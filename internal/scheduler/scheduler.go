// Package scheduler implements the Unified Account Scheduler: for each
// inbound request it picks exactly one usable upstream account, trying in
// order a caller-pinned dedicated account, a group binding (honoring the
// group's SelectionPolicy), a sticky session, and finally the shared pool
// ordered by (priority ascending, inflight, lastUsedAt) (spec §4 component
// 5, §4.3).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/relaybroker/ccrelay/internal/account"
	"github.com/relaybroker/ccrelay/internal/kv"
)

const (
	inflightKeyPrefix   = "inflight:"
	stickyKeyPrefix     = "sticky:"
	roundRobinKeyPrefix = "group_rr:"
)

// Request describes what the caller needs scheduled.
type Request struct {
	Provider string
	// DedicatedAccountID pins selection to one account, bypassing every
	// other rule. Empty means no pin.
	DedicatedAccountID string
	// GroupID, if set, selects among that group's members first; when none
	// of them is usable, selection continues with the sticky session and
	// the shared pool.
	GroupID string
	// SessionKey, if set, prefers the account last used for this session
	// (e.g. a conversation/thread identifier) when it is still usable.
	SessionKey string
}

// Decision is the outcome of a successful Pick.
type Decision struct {
	Account account.Snapshot
	// Release must be called exactly once when the request finishes, to
	// decrement the in-flight counter.
	Release func(ctx context.Context)
}

// ErrNoAccountAvailable is returned when no account in the eligible set is
// currently usable.
type ErrNoAccountAvailable struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *ErrNoAccountAvailable) Error() string {
	return fmt.Sprintf("scheduler: no account available for provider %q (retry after %s)", e.Provider, e.RetryAfter)
}

// Breaker reports whether a (provider, accountId) pair is currently
// circuit-broken, abstracted so the scheduler does not import the full
// breaker registry implementation directly.
type Breaker interface {
	Allow(provider, accountID string) bool
}

// Scheduler selects accounts and tracks in-flight load through the KV
// store, so selection stays correct across multiple broker replicas.
type Scheduler struct {
	repo       *account.Repository
	store      kv.Store
	breaker    Breaker
	stickyTTL  time.Duration
}

// New constructs a Scheduler. If brk is nil, every account is treated as
// not circuit-broken (used in tests and single-account deployments).
func New(repo *account.Repository, store kv.Store, brk Breaker, stickyTTL time.Duration) *Scheduler {
	if brk == nil {
		brk = allowAllBreaker{}
	}
	if stickyTTL <= 0 {
		stickyTTL = 10 * time.Minute
	}
	return &Scheduler{repo: repo, store: store, breaker: brk, stickyTTL: stickyTTL}
}

type allowAllBreaker struct{}

func (allowAllBreaker) Allow(string, string) bool { return true }

// Pick selects an account for req, incrementing its in-flight counter. The
// caller must invoke the returned Decision.Release when done.
func (s *Scheduler) Pick(ctx context.Context, req Request) (*Decision, error) {
	now := time.Now()

	if req.DedicatedAccountID != "" {
		snap, err := s.repo.GetSnapshot(ctx, req.DedicatedAccountID)
		if err == nil && snap.Usable(now) && s.breaker.Allow(snap.Provider, snap.ID) {
			return s.commit(ctx, snap, req.SessionKey)
		}
		return nil, &ErrNoAccountAvailable{Provider: req.Provider, RetryAfter: s.retryAfter(snap)}
	}

	candidates, err := s.eligiblePool(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.GroupID != "" {
		if snap, ok := s.pickFromGroup(ctx, candidates, req.GroupID, now); ok {
			return s.commit(ctx, snap, req.SessionKey)
		}
	}

	if req.SessionKey != "" {
		if snap, ok := s.pickSticky(ctx, candidates, req.SessionKey, now); ok {
			return s.commit(ctx, snap, req.SessionKey)
		}
	}

	if snap, ok := s.pickFromPool(ctx, candidates, now); ok {
		return s.commit(ctx, snap, req.SessionKey)
	}

	return nil, &ErrNoAccountAvailable{Provider: req.Provider, RetryAfter: s.retryAfterPool(candidates)}
}

func (s *Scheduler) eligiblePool(ctx context.Context, req Request) ([]account.Snapshot, error) {
	all, err := s.repo.List(ctx, req.Provider)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list accounts: %w", err)
	}
	return all, nil
}

func (s *Scheduler) pickFromGroup(ctx context.Context, pool []account.Snapshot, groupID string, now time.Time) (account.Snapshot, bool) {
	var members []account.Snapshot
	for _, snap := range pool {
		if snap.GroupID == groupID {
			members = append(members, snap)
		}
	}
	if len(members) == 0 {
		return account.Snapshot{}, false
	}

	policy := account.PolicyPriority
	if group, err := s.repo.GetGroup(ctx, groupID); err == nil && group.SelectionPolicy != "" {
		policy = group.SelectionPolicy
	}

	switch policy {
	case account.PolicyRoundRobin:
		return s.pickRoundRobin(ctx, members, groupID, now)
	case account.PolicyLeastLoaded:
		return s.pickLeastLoaded(ctx, members, now)
	default:
		return s.pickFromPool(ctx, members, now)
	}
}

// pickRoundRobin cycles through the group's usable members in a stable
// (ID-sorted) order, advancing a per-group counter in the KV store so
// rotation stays consistent across broker replicas.
func (s *Scheduler) pickRoundRobin(ctx context.Context, members []account.Snapshot, groupID string, now time.Time) (account.Snapshot, bool) {
	usable := s.usableSnapshots(members, now)
	if len(usable) == 0 {
		return account.Snapshot{}, false
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].ID < usable[j].ID })

	n, err := s.store.Incr(ctx, roundRobinKeyPrefix+groupID)
	if err != nil {
		n = 1
	}
	idx := int((n - 1) % int64(len(usable)))
	if idx < 0 {
		idx += len(usable)
	}
	return usable[idx], true
}

// pickLeastLoaded returns the usable member with the fewest in-flight
// requests, breaking ties by earliest last-used time.
func (s *Scheduler) pickLeastLoaded(ctx context.Context, members []account.Snapshot, now time.Time) (account.Snapshot, bool) {
	type scored struct {
		snap     account.Snapshot
		inflight int64
	}
	var usable []scored
	for _, snap := range members {
		if !snap.Usable(now) || !s.breaker.Allow(snap.Provider, snap.ID) {
			continue
		}
		inflight, err := s.inflightCount(ctx, snap.ID)
		if err != nil {
			inflight = 0
		}
		usable = append(usable, scored{snap: snap, inflight: inflight})
	}
	if len(usable) == 0 {
		return account.Snapshot{}, false
	}
	sort.Slice(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if a.inflight != b.inflight {
			return a.inflight < b.inflight
		}
		return a.snap.LastUsedAt.Before(b.snap.LastUsedAt)
	})
	return usable[0].snap, true
}

func (s *Scheduler) usableSnapshots(pool []account.Snapshot, now time.Time) []account.Snapshot {
	var usable []account.Snapshot
	for _, snap := range pool {
		if snap.Usable(now) && s.breaker.Allow(snap.Provider, snap.ID) {
			usable = append(usable, snap)
		}
	}
	return usable
}

func (s *Scheduler) pickSticky(ctx context.Context, pool []account.Snapshot, sessionKey string, now time.Time) (account.Snapshot, bool) {
	accountID, err := s.store.Get(ctx, stickyKeyPrefix+sessionKey)
	if err != nil || accountID == "" {
		return account.Snapshot{}, false
	}
	for _, snap := range pool {
		if snap.ID == accountID && snap.Usable(now) && s.breaker.Allow(snap.Provider, snap.ID) {
			return snap, true
		}
	}
	return account.Snapshot{}, false
}

// pickFromPool orders usable candidates by (priority asc, inflight asc,
// lastUsedAt asc) and returns the front of the line: a lower Priority value
// is preferred, so operators rank their best accounts 0, 1, 2, ... (spec
// §4.3).
func (s *Scheduler) pickFromPool(ctx context.Context, pool []account.Snapshot, now time.Time) (account.Snapshot, bool) {
	type scored struct {
		snap     account.Snapshot
		inflight int64
	}
	var usable []scored
	for _, snap := range pool {
		if !snap.Usable(now) || !s.breaker.Allow(snap.Provider, snap.ID) {
			continue
		}
		inflight, err := s.inflightCount(ctx, snap.ID)
		if err != nil {
			inflight = 0
		}
		usable = append(usable, scored{snap: snap, inflight: inflight})
	}
	if len(usable) == 0 {
		return account.Snapshot{}, false
	}

	sort.Slice(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if a.snap.Priority != b.snap.Priority {
			return a.snap.Priority < b.snap.Priority
		}
		if a.inflight != b.inflight {
			return a.inflight < b.inflight
		}
		return a.snap.LastUsedAt.Before(b.snap.LastUsedAt)
	})
	return usable[0].snap, true
}

func (s *Scheduler) inflightCount(ctx context.Context, accountID string) (int64, error) {
	v, err := s.store.Get(ctx, inflightKeyPrefix+accountID)
	if err != nil {
		if kv.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	var n int64
	_, scanErr := fmt.Sscanf(v, "%d", &n)
	return n, scanErr
}

func (s *Scheduler) commit(ctx context.Context, snap account.Snapshot, sessionKey string) (*Decision, error) {
	if _, err := s.store.Incr(ctx, inflightKeyPrefix+snap.ID); err != nil {
		return nil, fmt.Errorf("scheduler: increment inflight for %q: %w", snap.ID, err)
	}
	if sessionKey != "" {
		if err := s.store.Set(ctx, stickyKeyPrefix+sessionKey, snap.ID, s.stickyTTL); err != nil {
			return nil, fmt.Errorf("scheduler: set sticky binding: %w", err)
		}
	}
	if err := s.repo.TouchLastUsed(ctx, snap.ID, time.Now()); err != nil {
		return nil, fmt.Errorf("scheduler: touch last used for %q: %w", snap.ID, err)
	}

	released := false
	release := func(ctx context.Context) {
		if released {
			return
		}
		released = true
		if _, err := s.store.Decr(ctx, inflightKeyPrefix+snap.ID); err != nil {
			_ = err // best-effort: a failed decrement leaves the counter one too high
		}
	}
	return &Decision{Account: snap, Release: release}, nil
}

func (s *Scheduler) retryAfter(snap account.Snapshot) time.Duration {
	if snap.CooldownUntil.IsZero() {
		return 5 * time.Second
	}
	d := time.Until(snap.CooldownUntil)
	if d < 0 {
		return time.Second
	}
	return d
}

func (s *Scheduler) retryAfterPool(pool []account.Snapshot) time.Duration {
	best := 30 * time.Second
	found := false
	for _, snap := range pool {
		if snap.State != account.StateRateLimited {
			continue
		}
		d := time.Until(snap.CooldownUntil)
		if d < 0 {
			d = time.Second
		}
		if !found || d < best {
			best = d
			found = true
		}
	}
	return best
}
