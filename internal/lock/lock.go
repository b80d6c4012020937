// Package lock provides single-flight leases keyed by schedule id, held
// in-process or in Redis when several instances share a state store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"assessment-sync/internal/config"
)

// ErrNotObtained is returned when another holder owns the key.
var ErrNotObtained = errors.New("lock not obtained")

// ErrNotHeld is returned by Refresh and Release on an expired or released lease.
var ErrNotHeld = errors.New("lock not held")

// Lease is a held lock.
type Lease interface {
	Key() string
	// Refresh extends the lease by ttl from now.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// New builds the locker named by cfg.Type.
func New(cfg config.LockConfig) (Locker, func() error, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocal(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return NewRedis(client), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
	seq  uint64
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]localEntry{}, now: time.Now}
}

// WithClock replaces the clock used for expiry.
func (l *Local) WithClock(now func() time.Time) *Local {
	l.now = now
	return l
}

func (l *Local) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrNotObtained
	}
	l.seq++
	l.held[key] = localEntry{token: l.seq, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: l.seq}, nil
}

type localLease struct {
	owner *Local
	key   string
	token uint64
}

func (ll *localLease) Key() string { return ll.key }

func (ll *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	l := ll.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.held[ll.key]
	if !ok || e.token != ll.token || !now.Before(e.expires) {
		return ErrNotHeld
	}
	l.held[ll.key] = localEntry{token: ll.token, expires: now.Add(ttl)}
	return nil
}

func (ll *localLease) Release(_ context.Context) error {
	l := ll.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[ll.key]
	if !ok || e.token != ll.token {
		return ErrNotHeld
	}
	delete(l.held, ll.key)
	return nil
}

// Redis holds leases in Redis through redislock.
type Redis struct {
	client *redislock.Client
	prefix string
}

func NewRedis(rdb redislock.RedisClient) *Redis {
	return &Redis{client: redislock.New(rdb), prefix: "assessment-sync:lock:"}
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}
	return &redisLease{lock: l, key: key}, nil
}

type redisLease struct {
	lock *redislock.Lock
	key  string
}

func (rl *redisLease) Key() string { return rl.key }

func (rl *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	err := rl.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrNotHeld
	}
	return err
}

func (rl *redisLease) Release(ctx context.Context) error {
	err := rl.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return ErrNotHeld
	}
	return err
}
