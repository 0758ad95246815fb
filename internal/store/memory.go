package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/controlplane/fleet/internal/clockid"
)

type memoryEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

type zmember struct {
	member string
	score  float64
}

// MemoryStore is an in-memory Store used in tests and for local/single-process
// deployments, honoring the same atomicity and TTL contract as RedisStore
// (spec.md §4.1). It accepts a pluggable clockid.Clock so tests can advance
// time deterministically instead of sleeping.
type MemoryStore struct {
	mu    sync.Mutex
	clock clockid.Clock

	strings map[string]memoryEntry
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string][]zmember
	expiry  map[string]time.Time

	subs   map[string][]chan Message
	subsMu sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore using the system clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockid.SystemClock{})
}

// NewMemoryStoreWithClock creates an empty MemoryStore using the given clock.
func NewMemoryStoreWithClock(clock clockid.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock,
		strings: make(map[string]memoryEntry),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string][]zmember),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string][]chan Message),
	}
}

func (m *MemoryStore) expired(key string) bool {
	exp, ok := m.expiry[key]
	if !ok {
		return false
	}
	return m.clock.Now().After(exp)
}

// evictIfExpired removes key from whichever structure holds it if its TTL
// has passed. Must be called with mu held.
func (m *MemoryStore) evictIfExpired(key string) {
	if !m.expired(key) {
		return
	}
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.expiry, key)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	e, ok := m.strings[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memoryEntry{value: value}
	if ttl > 0 {
		m.expiry[key] = m.clock.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.expiry, key)
	return nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = m.clock.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	for k := range m.strings {
		seen[k] = struct{}{}
	}
	for k := range m.hashes {
		seen[k] = struct{}{}
	}
	for k := range m.sets {
		seen[k] = struct{}{}
	}
	for k := range m.zsets {
		seen[k] = struct{}{}
	}
	var out []string
	for k := range seen {
		if m.expired(k) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SetAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SetRemove(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	return nil
}

func (m *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	var out []string
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ZSetAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	members := m.zsets[key]
	for i, zm := range members {
		if zm.member == member {
			members[i].score = score
			return nil
		}
	}
	m.zsets[key] = append(members, zmember{member: member, score: score})
	return nil
}

func (m *MemoryStore) ZSetCount(ctx context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	var count int64
	for _, zm := range m.zsets[key] {
		if zm.score >= min && zm.score <= max {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ZSetRemoveByScore(ctx context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.zsets[key]
	kept := members[:0]
	for _, zm := range members {
		if zm.score >= min && zm.score <= max {
			continue
		}
		kept = append(kept, zm)
	}
	m.zsets[key] = kept
	return nil
}

func (m *MemoryStore) ZSetCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) Publish(ctx context.Context, channel, message string) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- Message{Channel: channel, Payload: message}:
		default:
			// Best-effort delivery: a slow subscriber does not block the publisher.
		}
	}
	return nil
}

type memorySubscription struct {
	ch     chan Message
	closed chan struct{}
}

func (s *memorySubscription) Channel() <-chan Message { return s.ch }
func (s *memorySubscription) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.subsMu.Lock()
	ch := make(chan Message, 16)
	m.subs[channel] = append(m.subs[channel], ch)
	m.subsMu.Unlock()

	sub := &memorySubscription{ch: ch, closed: make(chan struct{})}
	go func() {
		<-sub.closed
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		peers := m.subs[channel]
		for i, c := range peers {
			if c == ch {
				m.subs[channel] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
	}()
	return sub, nil
}
