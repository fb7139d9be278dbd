package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Adapter wraps a primary Store (normally Redis) and transparently falls
// back to an in-process MemoryStore when the primary becomes unreachable,
// restoring primary use once it recovers. A background prober re-checks the
// primary on a fixed interval; callers never block on probing.
type Adapter struct {
	primary  Store
	fallback Store

	degraded atomic.Bool

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewAdapter starts an Adapter backed by primary, probing its health every
// probeInterval (degraded or not). Use NewMemoryStore() as fallback unless a
// test needs a distinct instance.
func NewAdapter(primary Store, fallback Store, probeInterval time.Duration) *Adapter {
	if fallback == nil {
		fallback = NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{primary: primary, fallback: fallback, cancel: cancel}

	if probeInterval <= 0 {
		probeInterval = 5 * time.Second
	}
	go a.probeLoop(ctx, probeInterval)
	return a
}

func (a *Adapter) probeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := a.primary.Ping(probeCtx)
			cancel()
			wasDegraded := a.degraded.Load()
			a.degraded.Store(err != nil)
			if wasDegraded && err == nil {
				log.Warn("kv: primary store recovered, resuming normal operation")
			} else if !wasDegraded && err != nil {
				log.WithError(err).Warn("kv: primary store unreachable, degrading to in-process fallback")
			}
		}
	}
}

// Close stops the background prober and closes both backing stores.
func (a *Adapter) Close() error {
	a.stopOnce.Do(a.cancel)
	_ = a.fallback.Close()
	return a.primary.Close()
}

// active returns the store serving reads/writes right now: the fallback
// while degraded, otherwise the primary. It does no probing itself; the
// degraded flag is set by the background prober or by a failed primary call.
func (a *Adapter) active(ctx context.Context) Store {
	if a.degraded.Load() {
		return a.fallback
	}
	return a.primary
}

// Degraded reports whether the adapter is currently serving from the
// in-process fallback. Exposed for readiness checks.
func (a *Adapter) Degraded() bool {
	return a.degraded.Load()
}

func (a *Adapter) markFailure(err error) {
	if err == nil {
		return
	}
	if !a.degraded.Load() {
		log.WithError(err).Warn("kv: primary store call failed, degrading to in-process fallback")
	}
	a.degraded.Store(true)
}

func (a *Adapter) Get(ctx context.Context, key string) (string, error) {
	store := a.active(ctx)
	v, err := store.Get(ctx, key)
	if store == a.primary && err != nil && !IsNotFound(err) {
		a.markFailure(err)
		return a.fallback.Get(ctx, key)
	}
	return v, err
}

func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	store := a.active(ctx)
	err := store.Set(ctx, key, value, ttl)
	if store == a.primary && err != nil {
		a.markFailure(err)
		return a.fallback.Set(ctx, key, value, ttl)
	}
	return err
}

func (a *Adapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	store := a.active(ctx)
	ok, err := store.SetNX(ctx, key, value, ttl)
	if store == a.primary && err != nil {
		a.markFailure(err)
		return a.fallback.SetNX(ctx, key, value, ttl)
	}
	return ok, err
}

func (a *Adapter) Del(ctx context.Context, keys ...string) error {
	return a.active(ctx).Del(ctx, keys...)
}

func (a *Adapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.active(ctx).Expire(ctx, key, ttl)
}

func (a *Adapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.active(ctx).HGetAll(ctx, key)
}

func (a *Adapter) HSet(ctx context.Context, key string, fields map[string]string) error {
	return a.active(ctx).HSet(ctx, key, fields)
}

func (a *Adapter) HDel(ctx context.Context, key string, fields ...string) error {
	return a.active(ctx).HDel(ctx, key, fields...)
}

func (a *Adapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.active(ctx).Incr(ctx, key)
}

func (a *Adapter) Decr(ctx context.Context, key string) (int64, error) {
	return a.active(ctx).Decr(ctx, key)
}

func (a *Adapter) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return a.active(ctx).IncrBy(ctx, key, delta)
}

func (a *Adapter) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	return a.active(ctx).ZAdd(ctx, key, members...)
}

func (a *Adapter) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return a.active(ctx).ZRangeByScore(ctx, key, min, max)
}

func (a *Adapter) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return a.active(ctx).ZRemRangeByScore(ctx, key, min, max)
}

func (a *Adapter) ZCard(ctx context.Context, key string) (int64, error) {
	return a.active(ctx).ZCard(ctx, key)
}

func (a *Adapter) Scan(ctx context.Context, pattern string, fn func(key string) bool) error {
	return a.active(ctx).Scan(ctx, pattern, fn)
}

func (a *Adapter) Publish(ctx context.Context, channel, payload string) error {
	return a.active(ctx).Publish(ctx, channel, payload)
}

func (a *Adapter) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	return a.active(ctx).Subscribe(ctx, channel)
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.primary.Ping(ctx)
}

var _ Store = (*Adapter)(nil)
