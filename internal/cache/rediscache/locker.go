package rediscache

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Locker struct {
	lc *redislock.Client
}

func NewLocker(addr string) *Locker {
	return &Locker{
		lc: redislock.New(redis.NewClient(&redis.Options{Addr: addr})),
	}
}

// Obtain берёт распределённый замок без ретраев: не взяли — работу делает
// тот, у кого замок. Возвращает (release, obtained).
func (l *Locker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lock, err := l.lc.Obtain(ctx, key, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis lock")
	}
	return func() { _ = lock.Release(context.Background()) }, true, nil
}


