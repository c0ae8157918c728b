package convo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the narrow key-value surface the conversation store needs. RedisKV
// backs it in production; MemoryKV is the local default and the test double.
type KV interface {
	// Get returns the value at key and whether it existed.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value at key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Expire refreshes the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// SAdd adds member to the set at key.
	SAdd(ctx context.Context, key, member string) error
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)
	// Ping checks backend reachability.
	Ping(ctx context.Context) error
	Close() error
}

// --- Redis ---

// RedisKV implements KV on a Redis server.
type RedisKV struct {
	client *redis.Client
}

var _ KV = (*RedisKV)(nil)

// NewRedisKV connects to the Redis server at url
// (e.g. "redis://localhost:6379/0").
func NewRedisKV(url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("convo: parse redis url: %w", err)
	}
	return &RedisKV{client: redis.NewClient(opts)}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisKV) SAdd(ctx context.Context, key, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *RedisKV) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

// --- In-memory ---

// MemoryKV is a process-local KV with lazy TTL expiry. It is the backing
// store when no Redis URL is configured.
type MemoryKV struct {
	mu      sync.RWMutex
	values  map[string]memEntry
	sets    map[string]map[string]struct{}
	nowFunc func() time.Time // overridable in tests
}

type memEntry struct {
	value   string
	expires time.Time // zero = no expiry
}

var _ KV = (*MemoryKV)(nil)

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values:  make(map[string]memEntry),
		sets:    make(map[string]map[string]struct{}),
		nowFunc: time.Now,
	}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && m.nowFunc().After(e.expires) {
		delete(m.values, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = m.nowFunc().Add(ttl)
	}
	m.values[key] = e
	return nil
}

func (m *MemoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok {
		return nil
	}
	if ttl > 0 {
		e.expires = m.nowFunc().Add(ttl)
	} else {
		e.expires = time.Time{}
	}
	m.values[key] = e
	return nil
}

func (m *MemoryKV) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *MemoryKV) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryKV) Ping(context.Context) error { return nil }

func (m *MemoryKV) Close() error { return nil }
