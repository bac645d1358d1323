package remote

import (
	"context"
	"sync"
	"time"

	"github.com/cachetier/orchestrator/keycodec"
)

type memRecord struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func (r memRecord) expired(now time.Time) bool {
	return !r.expires.IsZero() && now.After(r.expires)
}

// MemClient is an in-memory Client used by tests and by deployments
// without a live remote store. It is not a cache simulator for production
// use: no eviction, unbounded growth.
type MemClient struct {
	mu      sync.RWMutex
	data    map[string]memRecord
	patCode *keycodec.Codec
}

// NewMemClient returns an empty MemClient.
func NewMemClient() *MemClient {
	return &MemClient{
		data:    make(map[string]memRecord),
		patCode: keycodec.New(""),
	}
}

func (m *MemClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	rec, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || rec.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return rec.value, nil
}

func (m *MemClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = memRecord{value: append([]byte(nil), value...), expires: expires}
	m.mu.Unlock()
	return nil
}

func (m *MemClient) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemClient) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	now := time.Now()
	m.mu.RLock()
	for _, k := range keys {
		if rec, ok := m.data[k]; ok && !rec.expired(now) {
			out[k] = rec.value
		}
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *MemClient) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) map[string]error {
	for k, v := range items {
		_ = m.Set(ctx, k, v, ttl)
	}
	return nil
}

func (m *MemClient) Scan(_ context.Context, pattern string) ([]string, error) {
	pat := m.patCode.CompilePattern(pattern)
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k, rec := range m.data {
		if rec.expired(now) {
			continue
		}
		if pat.Match(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemClient) Ping(context.Context) error { return nil }

func (m *MemClient) Close() error { return nil }
