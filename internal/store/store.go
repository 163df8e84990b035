// Package store persists pipeline state (quota counters, rate windows,
// breaker records, the offline queue) behind an atomic read-modify-write
// primitive.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
)

// ErrNoChange returned from an UpdateFunc leaves the stored value as is.
var ErrNoChange = errors.New("store: no change")

// ErrConflict is returned when an optimistic update keeps losing races.
var ErrConflict = errors.New("store: too many concurrent modifications")

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store. Returning nil deletes the key. The function may run more
// than once, so it must not keep state between invocations.
type UpdateFunc func(cur []byte) ([]byte, error)

// Store is the persisted state backend.
type Store interface {
	// Get returns nil, nil when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value with a TTL. A zero TTL never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Update atomically replaces the value of key with fn(current).
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Close() error
}

// MemoryStore is an in-process store backed by a map with expiry timestamps.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
	cancel  context.CancelFunc
}

type memEntry struct {
	value  []byte
	expiry time.Time // zero means no expiry
}

// NewMemoryStore creates a memory store and starts its cleanup goroutine.
func NewMemoryStore() *MemoryStore {
	return newMemoryStore(time.Now, 30*time.Second)
}

func newMemoryStore(now func() time.Time, cleanupInterval time.Duration) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	ms := &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     now,
		cancel:  cancel,
	}
	go ms.cleanup(ctx, cleanupInterval)
	return ms
}

// lookup returns the live entry for key. Caller holds mu.
func (ms *MemoryStore) lookup(key string) []byte {
	e, ok := ms.entries[key]
	if !ok {
		return nil
	}
	if !e.expiry.IsZero() && !ms.now().Before(e.expiry) {
		delete(ms.entries, key)
		return nil
	}
	return e.value
}

// put stores a private copy of value. Caller holds mu.
func (ms *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	e := &memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiry = ms.now().Add(ttl)
	}
	ms.entries[key] = e
}

func (ms *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	v := ms.lookup(key)
	if v == nil {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (ms *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.put(key, value, ttl)
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.entries, key)
	return nil
}

func (ms *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var cur []byte
	if v := ms.lookup(key); v != nil {
		cur = append([]byte(nil), v...)
	}
	next, err := fn(cur)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	if next == nil {
		delete(ms.entries, key)
		return nil
	}
	ms.put(key, next, ttl)
	return nil
}

// Close stops the cleanup goroutine.
func (ms *MemoryStore) Close() error {
	ms.cancel()
	return nil
}

func (ms *MemoryStore) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.mu.Lock()
			for key := range ms.entries {
				ms.lookup(key)
			}
			ms.mu.Unlock()
		}
	}
}

// GetJSON decodes the JSON value stored at key. found is false when the
// key is absent.
func GetJSON[T any](ctx context.Context, s Store, key string) (v T, found bool, err error) {
	data, err := s.Get(ctx, key)
	if err != nil || data == nil {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

// UpdateJSON atomically decodes the value at key, applies fn, and stores
// the result. An absent or undecodable value is presented as the zero T.
// fn returns false to leave the stored value untouched.
func UpdateJSON[T any](ctx context.Context, s Store, key string, ttl time.Duration, fn func(v *T) (bool, error)) error {
	return s.Update(ctx, key, ttl, func(cur []byte) ([]byte, error) {
		var v T
		if cur != nil {
			if err := json.Unmarshal(cur, &v); err != nil {
				var zero T
				v = zero
			}
		}
		write, err := fn(&v)
		if err != nil {
			return nil, err
		}
		if !write {
			return nil, ErrNoChange
		}
		return json.Marshal(v)
	})
}

// New builds the store selected by cfg. Redis keys are namespaced with prefix.
func New(cfg config.StoreConfig, prefix string) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		r := cfg.Redis
		return NewRedisStore(RedisOptions{
			Address:     r.Address,
			Password:    r.Password,
			DB:          r.DB,
			PoolSize:    r.PoolSize,
			DialTimeout: r.DialTimeout,
			UseTLS:      r.TLS,
			Prefix:      prefix,
		}), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
