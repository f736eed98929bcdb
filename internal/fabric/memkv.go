package fabric

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemKV is an in-memory KV used by unit tests and local development without
// Redis. TTLs are honored lazily on read. Pub/sub delivery is synchronous
// into buffered subscriber channels.
type MemKV struct {
	mu     sync.Mutex
	values map[string]memEntry
	hashes map[string]map[string]string
	subs   []*memSubscription
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemKV() *MemKV {
	return &MemKV{
		values: make(map[string]memEntry),
		hashes: make(map[string]map[string]string),
	}
}

func (m *MemKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok || m.expired(e) {
		delete(m.values, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memEntry{value: value, expiresAt: deadline(ttl)}
	return nil
}

func (m *MemKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.values[key] = memEntry{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

func (m *MemKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *MemKV) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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

func (m *MemKV) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok {
		e.expiresAt = deadline(ttl)
		m.values[key] = e
	}
	return nil
}

// Eval supports only the compare-and-delete script used by lock release.
func (m *MemKV) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) != 1 || len(args) != 1 {
		return int64(0), nil
	}
	want, _ := args[0].(string)
	if e, ok := m.values[keys[0]]; ok && !m.expired(e) && e.value == want {
		delete(m.values, keys[0])
		return int64(1), nil
	}
	return int64(0), nil
}

func (m *MemKV) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := make([]*memSubscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		if s.matches(channel) {
			select {
			case s.out <- Message{Channel: channel, Payload: payload}:
			default: // drop on full buffer, as Redis pub/sub would under pressure
			}
		}
	}
	return nil
}

func (m *MemKV) Subscribe(_ context.Context, channel string) (Subscription, error) {
	return m.addSub(channel, false), nil
}

func (m *MemKV) PSubscribe(_ context.Context, pattern string) (Subscription, error) {
	return m.addSub(pattern, true), nil
}

func (m *MemKV) addSub(target string, pattern bool) *memSubscription {
	s := &memSubscription{
		kv:      m,
		target:  target,
		pattern: pattern,
		out:     make(chan Message, 256),
	}
	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()
	return s
}

func (m *MemKV) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

type memSubscription struct {
	kv      *MemKV
	target  string
	pattern bool
	out     chan Message
	once    sync.Once
}

func (s *memSubscription) matches(channel string) bool {
	if !s.pattern {
		return channel == s.target
	}
	// Only the trailing-star form is used (e.g. "chat:cancel:*").
	if prefix, ok := strings.CutSuffix(s.target, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return channel == s.target
}

func (s *memSubscription) Messages() <-chan Message { return s.out }

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.kv.mu.Lock()
		for i, sub := range s.kv.subs {
			if sub == s {
				s.kv.subs = append(s.kv.subs[:i], s.kv.subs[i+1:]...)
				break
			}
		}
		s.kv.mu.Unlock()
		close(s.out)
	})
	return nil
}
