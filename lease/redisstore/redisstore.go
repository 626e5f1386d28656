// Package redisstore implements store.LeaseStore on Redis. Leases are plain
// keys with a TTL holding the owner id; Redis expiry is the lease expiry, so
// a crashed engine's leases vanish on their own and the instance becomes
// acquirable without any reaper. Deployments that want lease traffic off the
// relational store point the engine's lease manager here.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/weave/fault"
	"goa.design/weave/store"
)

// acquireScript takes the lease iff it is free or already ours. Expired keys
// are gone by the time the script runs, so expiry needs no handling here.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0`)

// renewScript extends the TTL iff the caller still owns the lease.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the lease iff the caller owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Store implements store.LeaseStore on a Redis client.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option tunes the store.
type Option func(*Store)

// WithPrefix overrides the key prefix (default "weave:lease:").
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock injects the time source used to stamp returned leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps a Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: "weave:lease:", now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) key(instanceID string) string { return s.prefix + instanceID }

// AcquireLease takes ownership iff no live lease exists. A nil lease with a
// nil error means another owner holds the instance.
func (s *Store) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*store.Lease, error) {
	n, err := acquireScript.Run(ctx, s.rdb, []string{s.key(instanceID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fault.Storage(err, "acquire lease %q: %v", instanceID, err)
	}
	if n == 0 {
		return nil, nil
	}
	now := s.now()
	return &store.Lease{
		InstanceID:      instanceID,
		Owner:           owner,
		AcquiredAt:      now,
		LastHeartbeatAt: now,
		ExpiresAt:       now.Add(ttl),
	}, nil
}

// RenewLease extends the lease iff owner still holds it.
func (s *Store) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb, []string{s.key(instanceID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fault.Storage(err, "renew lease %q: %v", instanceID, err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if owner holds it.
func (s *Store) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.key(instanceID)}, owner).Err(); err != nil {
		return fault.Storage(err, "release lease %q: %v", instanceID, err)
	}
	return nil
}
