// Package kv abstracts the shared key/value and pub-sub substrate used
// for cross-instance state: TTL'd values, atomic counters, ordered
// lists, sets, topic pub-sub and distributed locks.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned when a key or list element does not exist.
var ErrNil = errors.New("kv: nil")

// Message is one pub-sub delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a live pub-sub stream. Delivery is at-most-once and
// lossy on subscriber churn; ordering is preserved per topic for a
// single subscriber. Close releases the underlying subscription and
// closes the channel.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Store is the cross-instance shared state contract. All operations
// take a context and carry explicit timeouts at the call site.
type Store interface {
	// Values. A zero ttl means no expiry. Get returns ErrNil on miss.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr atomically increments key by delta. The ttl is applied only
	// when the increment creates the key, so a fixed window expires
	// relative to its first hit.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Ordered lists. RPush appends, LPop removes from the head, so a
	// queue built from the pair drains in FIFO order. LPop returns
	// ErrNil when the list is empty or absent.
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	// Sets, used for room membership mirrors and the global presence set.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Pub-sub.
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	// Distributed locks: SET-if-absent with a fencing token. Unlock and
	// Renew succeed only while the caller still holds the token.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	Unlock(ctx context.Context, key, token string) (bool, error)
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
