// Package redislock provides a RunLocker shared by every process that
// talks to the same Redis.
package redislock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/corpcms/modules/reconciliation/services"
)

const keyPrefix = "corpcms:lock:"

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was taken by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client redis.UniversalClient
}

var _ services.RunLocker = (*Locker)(nil)

func New(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// NewFromURL parses a redis:// URL.
func NewFromURL(rawURL string) (*Locker, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	return New(redis.NewClient(opts)), nil
}

func Key(name string) string {
	return keyPrefix + name
}

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (services.Release, bool, error) {
	key := Key(name)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to set lock %s", key)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return errors.Wrapf(err, "failed to release lock %s", key)
		}
		return nil
	}, true, nil
}

func (l *Locker) Close() error {
	return l.client.Close()
}
