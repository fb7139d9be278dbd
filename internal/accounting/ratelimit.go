package accounting

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaybroker/ccrelay/internal/kv"
)

// RateLimiter enforces a sliding-window request budget per key using the
// KV store's sorted sets: each admitted request adds its own timestamp as
// a member, and every check first evicts entries older than the window.
type RateLimiter struct {
	store kv.Store
}

// NewRateLimiter constructs a RateLimiter over store.
func NewRateLimiter(store kv.Store) *RateLimiter {
	return &RateLimiter{store: store}
}

// Allow reports whether one more request is permitted for key within the
// trailing window, admitting it (recording its timestamp) if so.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	setKey := "rl:" + key
	now := time.Now()
	cutoff := now.Add(-window)

	if _, err := r.store.ZRemRangeByScore(ctx, setKey, 0, float64(cutoff.UnixNano())); err != nil {
		return false, fmt.Errorf("accounting: evict expired rate-limit entries: %w", err)
	}
	count, err := r.store.ZCard(ctx, setKey)
	if err != nil {
		return false, fmt.Errorf("accounting: count rate-limit entries: %w", err)
	}
	if count >= int64(limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), count)
	if err := r.store.ZAdd(ctx, setKey, kv.ZMember{Score: float64(now.UnixNano()), Member: member}); err != nil {
		return false, fmt.Errorf("accounting: record rate-limit entry: %w", err)
	}
	if err := r.store.Expire(ctx, setKey, window); err != nil {
		return false, fmt.Errorf("accounting: set rate-limit key ttl: %w", err)
	}
	return true, nil
}

// AllowWeighted is a sliding-window budget over a magnitude (e.g. estimated
// tokens) rather than a request count: it sums the weights recorded within
// the trailing window and admits weight only if the total would not exceed
// limit. Used for token-per-window quotas, where a single request can
// consume far more than one unit of budget.
func (r *RateLimiter) AllowWeighted(ctx context.Context, key string, limit, weight int64, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	setKey := "rlw:" + key
	now := time.Now()
	cutoff := now.Add(-window)

	if _, err := r.store.ZRemRangeByScore(ctx, setKey, 0, float64(cutoff.UnixNano())); err != nil {
		return false, fmt.Errorf("accounting: evict expired weighted rate-limit entries: %w", err)
	}
	members, err := r.store.ZRangeByScore(ctx, setKey, float64(cutoff.UnixNano()), float64(now.UnixNano()))
	if err != nil {
		return false, fmt.Errorf("accounting: sum weighted rate-limit entries: %w", err)
	}
	var sum int64
	for _, m := range members {
		sum += weightOfMember(m)
	}
	if sum+weight > limit {
		return false, nil
	}

	member := fmt.Sprintf("%d-%d:%d", now.UnixNano(), sum, weight)
	if err := r.store.ZAdd(ctx, setKey, kv.ZMember{Score: float64(now.UnixNano()), Member: member}); err != nil {
		return false, fmt.Errorf("accounting: record weighted rate-limit entry: %w", err)
	}
	if err := r.store.Expire(ctx, setKey, window); err != nil {
		return false, fmt.Errorf("accounting: set weighted rate-limit key ttl: %w", err)
	}
	return true, nil
}

func weightOfMember(member string) int64 {
	idx := strings.LastIndexByte(member, ':')
	if idx < 0 {
		return 0
	}
	n, _ := strconv.ParseInt(member[idx+1:], 10, 64)
	return n
}

// Remaining reports how many more requests key may make in the current
// window without admitting one.
func (r *RateLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	setKey := "rl:" + key
	cutoff := time.Now().Add(-window)
	if _, err := r.store.ZRemRangeByScore(ctx, setKey, 0, float64(cutoff.UnixNano())); err != nil {
		return 0, fmt.Errorf("accounting: evict expired rate-limit entries: %w", err)
	}
	count, err := r.store.ZCard(ctx, setKey)
	if err != nil {
		return 0, fmt.Errorf("accounting: count rate-limit entries: %w", err)
	}
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining), nil
}
