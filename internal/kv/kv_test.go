package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestRedisStoreGetSetTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("Get = (%q, %v), want (v, nil)", got, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err = store.Get(ctx, "k"); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound after TTL expiry, got %v", err)
	}
}

func TestRedisStoreSetNX(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock:acc-1", "owner-a", time.Second)
	if err != nil || !ok {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = store.SetNX(ctx, "lock:acc-1", "owner-b", time.Second)
	if err != nil || ok {
		t.Fatalf("second SetNX = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestRedisStoreSortedSetSlidingWindow(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	key := "rl:key-1:req"

	if err := store.ZAdd(ctx, key, ZMember{Score: 100, Member: "a"}, ZMember{Score: 200, Member: "b"}, ZMember{Score: 300, Member: "c"}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	removed, err := store.ZRemRangeByScore(ctx, key, 0, 150)
	if err != nil || removed != 1 {
		t.Fatalf("ZRemRangeByScore = (%d, %v), want (1, nil)", removed, err)
	}
	card, err := store.ZCard(ctx, key)
	if err != nil || card != 2 {
		t.Fatalf("ZCard = (%d, %v), want (2, nil)", card, err)
	}
}

func TestRedisStoreHash(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.HSet(ctx, "account:1", map[string]string{"state": "active", "priority": "5"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	fields, err := store.HGetAll(ctx, "account:1")
	if err != nil || fields["state"] != "active" || fields["priority"] != "5" {
		t.Fatalf("HGetAll = (%v, %v)", fields, err)
	}
}

func TestAdapterDegradesWhenPrimaryUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	primary := NewRedisStoreFromClient(client)
	fallback := NewMemoryStore()
	adapter := NewAdapter(primary, fallback, time.Hour)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := adapter.Set(ctx, "k", "v1", time.Minute); err != nil {
		t.Fatalf("Set while healthy: %v", err)
	}

	mr.Close()

	if err := adapter.Set(ctx, "k", "v2", time.Minute); err != nil {
		t.Fatalf("Set while degraded: %v", err)
	}
	if !adapter.Degraded() {
		t.Fatal("expected adapter to report degraded after primary failure")
	}
	got, err := adapter.Get(ctx, "k")
	if err != nil || got != "v2" {
		t.Fatalf("Get from fallback = (%q, %v), want (v2, nil)", got, err)
	}
}

func TestMemoryStoreImplementsFullInterface(t *testing.T) {
	var store Store = NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock", "owner", time.Second)
	if err != nil || !ok {
		t.Fatalf("SetNX = (%v, %v)", ok, err)
	}
	n, err := store.IncrBy(ctx, "counter", 3)
	if err != nil || n != 3 {
		t.Fatalf("IncrBy = (%d, %v), want (3, nil)", n, err)
	}
	n, err = store.Decr(ctx, "counter")
	if err != nil || n != 2 {
		t.Fatalf("Decr = (%d, %v), want (2, nil)", n, err)
	}

	var seen []string
	if err = store.Scan(ctx, "c*", func(key string) bool {
		seen = append(seen, key)
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != 1 || seen[0] != "counter" {
		t.Fatalf("Scan results = %v, want [counter]", seen)
	}
}

func TestMemoryStorePubSub(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ch, cancel, err := store.Subscribe(ctx, "invalidate")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err = store.Publish(ctx, "invalidate", "account:1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if msg != "account:1" {
			t.Fatalf("got %q, want account:1", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
