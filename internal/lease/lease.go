// Package lease provides a Redis-backed mutual exclusion lease so that
// several processes driving one capture device never run overlapping sync
// passes.
//
// Acquire is SET key token NX PX ttl. Release deletes the key only while it
// still holds this holder's token, so a holder whose lease already expired
// cannot release a lease someone else took in the meantime.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKey = "punchsync:sync-lease"
	DefaultTTL = 10 * time.Minute

	releaseTimeout = 2 * time.Second
)

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Config holds Redis connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect creates a client and verifies it with a short ping.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Lease is a named lease. The zero-client Lease always acquires.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  func() string
}

// Option configures a Lease.
type Option func(*Lease)

// WithKey sets the Redis key. Default: DefaultKey.
func WithKey(key string) Option {
	return func(l *Lease) {
		l.key = key
	}
}

// WithTTL sets how long an unreleased lease survives a crashed holder.
// Default: DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Lease) {
		l.ttl = ttl
	}
}

// WithTokens overrides the holder token source (UUIDv7 by default).
func WithTokens(fn func() string) Option {
	return func(l *Lease) {
		l.token = fn
	}
}

// New creates a lease over client. A nil client yields a lease that always
// acquires, for single-process deployments.
func New(client *redis.Client, opts ...Option) *Lease {
	l := &Lease{
		client: client,
		key:    DefaultKey,
		ttl:    DefaultTTL,
		token:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire takes the lease without waiting. ok is false when another
// holder owns it. The returned release func is safe to call more than once.
func (l *Lease) TryAcquire(ctx context.Context) (release func(), ok bool, err error) {
	if l.client == nil {
		return func() {}, true, nil
	}

	token := l.token()
	ok, err = l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := l.release(token); err != nil {
				slog.Warn("failed to release sync lease", "key", l.key, "error", err)
			}
		})
	}, true, nil
}

// Holder returns the token of the current holder, or "" when free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	if l.client == nil {
		return "", nil
	}
	v, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease holder %s: %w", l.key, err)
	}
	return v, nil
}

func (l *Lease) release(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
}
