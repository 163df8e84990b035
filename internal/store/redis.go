package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisTimeout = 250 * time.Millisecond
	maxTxRetries        = 8
)

// RedisStore is a Redis-backed store. Update uses WATCH/MULTI so that
// concurrent processes sharing the same keys never lose writes.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	owned   bool
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	UseTLS      bool
	Prefix      string
	// Timeout bounds every store operation. Default 250ms.
	Timeout time.Duration
}

// NewRedisStore dials a dedicated client. Close closes it.
func NewRedisStore(opts RedisOptions) *RedisStore {
	ro := &redis.Options{
		Addr:        opts.Address,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		DialTimeout: opts.DialTimeout,
	}
	if opts.UseTLS {
		host, _, _ := net.SplitHostPort(opts.Address)
		ro.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	s := NewRedisStoreFromClient(redis.NewClient(ro), opts.Prefix)
	s.owned = true
	if opts.Timeout > 0 {
		s.timeout = opts.Timeout
	}
	return s
}

// NewRedisStoreFromClient wraps a shared client. Keys are prefixed with
// prefix. Close leaves the client open.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		timeout: defaultRedisTimeout,
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	full := s.prefix + key
	ctx, cancel := context.WithTimeout(ctx, s.timeout*maxTxRetries)
	defer cancel()

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			cur = nil
		} else if err != nil {
			return err
		}

		next, err := fn(cur)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, full)
			} else {
				pipe.Set(ctx, full, next, ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, full)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis update %s: %w", key, err)
	}
	return fmt.Errorf("redis update %s: %w", key, ErrConflict)
}

// Close closes the client when the store dialed it.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
