package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost reports that a lease expired or was taken over before it was
// released or renewed.
var ErrLeaseLost = errors.New("platform/cache: lease lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lease is a token-checked Redis lock. Only the holder of the token can
// renew or release it; an abandoned lease expires after TTL.
type Lease struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// LeaseOption customises a Lease.
type LeaseOption func(*Lease)

// WithRetryInterval sets how often Acquire polls a busy lease.
func WithRetryInterval(d time.Duration) LeaseOption {
	return func(l *Lease) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLeaseLogger sets the logger used for renewal failures.
func WithLeaseLogger(logger *slog.Logger) LeaseOption {
	return func(l *Lease) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLease builds a lease on key with the given TTL.
func NewLease(client redis.UniversalClient, key string, ttl time.Duration, opts ...LeaseOption) *Lease {
	l := &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
		retry:  100 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire makes one attempt. It returns the token on success and an empty
// string when someone else holds the lease.
func (l *Lease) TryAcquire(ctx context.Context) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("platform/cache: acquire %s: %w", l.key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Renew extends a held lease by TTL.
func (l *Lease) Renew(ctx context.Context, token string) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("platform/cache: renew %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives a held lease up.
func (l *Lease) Release(ctx context.Context, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("platform/cache: release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Acquire blocks until the lease is held or ctx is done. The lease is kept
// alive in the background until the returned release func runs.
func (l *Lease) Acquire(ctx context.Context) (func(), error) {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		token, err := l.TryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			return l.keepAlive(token), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("platform/cache: acquire %s: %w", l.key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Lease) keepAlive(token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				err := l.Renew(ctx, token)
				cancel()
				if err != nil {
					l.logger.Warn("lease renewal failed", slog.String("key", l.key), slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Release(ctx, token); err != nil {
			l.logger.Warn("lease release failed", slog.String("key", l.key), slog.Any("error", err))
		}
	}
}
