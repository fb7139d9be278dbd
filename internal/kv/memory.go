package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process fallback implementing the full Store
// surface with zero external dependencies, used when the remote store is
// unreachable (spec §2.2: "degrades to an in-process fallback"). It trades
// cross-process coordination (the refresh lock, pub/sub fan-out, shared
// rate-limit counters) for availability — acceptable only for a single
// replica, the same tradeoff nulpointcorp-llm-gateway's MemoryCache makes.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memString
	hashes  map[string]map[string]string
	sorted  map[string]map[string]float64

	subsMu sync.Mutex
	subs   map[string][]chan string
}

type memString struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memString),
		hashes:  make(map[string]map[string]string),
		sorted:  make(map[string]map[string]float64),
		subs:    make(map[string][]chan string),
	}
}

func (m *MemoryStore) expired(item memString) bool {
	return !item.expiresAt.IsZero() && time.Now().After(item.expiresAt)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.strings[key]
	if !ok || m.expired(item) {
		delete(m.strings, key)
		return "", ErrNotFound
	}
	return item.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = m.newEntry(value, ttl)
	return nil
}

func (m *MemoryStore) newEntry(value string, ttl time.Duration) memString {
	entry := memString{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	return entry
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.strings[key]; ok && !m.expired(item) {
		return false, nil
	}
	m.strings[key] = m.newEntry(value, ttl)
	return true, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.hashes, key)
		delete(m.sorted, key)
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.strings[key]
	if !ok {
		return nil
	}
	item.expiresAt = time.Now().Add(ttl)
	m.strings[key] = item
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *MemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, -1)
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.strings[key]
	if m.expired(item) {
		item = memString{}
	}
	current, _ := strconv.ParseInt(item.value, 10, 64)
	current += delta
	item.value = strconv.FormatInt(current, 10)
	m.strings[key] = item
	return current, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, members ...ZMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sorted[key]
	if !ok {
		set = make(map[string]float64, len(members))
		m.sorted[key] = set
	}
	for _, mem := range members {
		set[mem.Member] = mem.Score
	}
	return nil
}

func (m *MemoryStore) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sorted[key]
	if !ok {
		return nil, nil
	}
	type pair struct {
		member string
		score  float64
	}
	var matches []pair
	for member, score := range set {
		if score >= min && score <= max {
			matches = append(matches, pair{member, score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score < matches[j].score })
	out := make([]string, len(matches))
	for i, p := range matches {
		out[i] = p.member
	}
	return out, nil
}

func (m *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sorted[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for member, score := range set {
		if score >= min && score <= max {
			delete(set, member)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sorted[key])), nil
}

func (m *MemoryStore) Scan(_ context.Context, pattern string, fn func(key string) bool) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.strings)+len(m.hashes))
	for k := range m.strings {
		keys = append(keys, k)
	}
	for k := range m.hashes {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !globMatch(pattern, k) {
			continue
		}
		if !fn(k) {
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 16)
	m.subsMu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.subsMu.Unlock()

	cancel := func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		list := m.subs[channel]
		for i, c := range list {
			if c == ch {
				m.subs[channel] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// globMatch supports the subset of Redis-style glob patterns ("*" and "?")
// used by the broker's own key prefixes, e.g. "rl:*:req".
func globMatch(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return simpleGlob([]rune(pattern), []rune(name))
}

func simpleGlob(pattern, name []rune) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if simpleGlob(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(name) == 0 {
			return false
		}
		return simpleGlob(pattern[1:], name[1:])
	default:
		if len(name) == 0 || name[0] != pattern[0] {
			return false
		}
		return simpleGlob(pattern[1:], name[1:])
	}
}
