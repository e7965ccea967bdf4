package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	redisThreadPrefix = "triage:thread:"
	redisLockPrefix   = "triage:lock:"
)

// RedisStore keeps each thread as a JSON string. A zero TTL means no expiry.
type RedisStore struct {
	rdb   goredis.UniversalClient
	ttl   time.Duration
	codec threadCodec
}

func NewRedisStore(rdb goredis.UniversalClient, ttl time.Duration, opts ...StoreOption) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, codec: newThreadCodec(opts)}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Thread, error) {
	raw, err := s.rdb.Get(ctx, redisThreadPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get thread %s: %w", id, err)
	}
	return s.codec.decode(id, raw)
}

func (s *RedisStore) Put(ctx context.Context, t *Thread) error {
	raw, err := s.codec.encode(t)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisThreadPrefix+t.ID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set thread %s: %w", t.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, redisThreadPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del thread %s: %w", id, err)
	}
	return nil
}

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker is a single-instance lease lock. While held, the lease is
// renewed every third of its length, so it only expires if the holder dies.
type RedisLocker struct {
	rdb   goredis.UniversalClient
	lease time.Duration
	poll  time.Duration
}

func NewRedisLocker(rdb goredis.UniversalClient, lease time.Duration) *RedisLocker {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &RedisLocker{rdb: rdb, lease: lease, poll: 25 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, id string) (context.Context, func(), error) {
	key := redisLockPrefix + id
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("redis lock %s: %w", id, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(key, token, stop, done)

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
		})
	}, nil
}

// renew extends the lease until stop is closed or the key no longer holds token.
func (l *RedisLocker) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(l.lease / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.lease/3)
		n, err := renewScript.Run(ctx, l.rdb, []string{key}, token, l.lease.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}
