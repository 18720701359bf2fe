package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrGenerationInProgress = errors.New("a generation is already running for this thread")

// GenerationGuard admits at most one generation per thread.
type GenerationGuard interface {
	// Acquire returns ErrGenerationInProgress when the thread is taken.
	// release is safe to call more than once.
	Acquire(ctx context.Context, threadID string) (release func(), err error)
	Held(ctx context.Context, threadID string) (bool, error)
}

// MemoryGuard is a single-process guard.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: map[string]struct{}{}}
}

func (g *MemoryGuard) Acquire(_ context.Context, threadID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[threadID]; ok {
		return nil, ErrGenerationInProgress
	}
	g.held[threadID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, threadID)
			g.mu.Unlock()
		})
	}, nil
}

func (g *MemoryGuard) Held(_ context.Context, threadID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[threadID]
	return ok, nil
}

// compare-and-delete / compare-and-extend so a lock that expired and was
// taken by another process is never touched.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisGuard is shared by every process using the same Redis. The lock
// expires after ttl unless refreshed, so a crashed holder frees the thread.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
	log *logrus.Logger
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration, log *logrus.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}
	return &RedisGuard{rdb: rdb, ttl: ttl, log: log}
}

func guardKey(threadID string) string { return "gen:" + threadID }

func (g *RedisGuard) Acquire(ctx context.Context, threadID string) (func(), error) {
	key := guardKey(threadID)
	token := uuid.NewString()

	ok, err := g.rdb.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(g.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				rctx, cancel := context.WithTimeout(context.Background(), g.ttl/3)
				err := refreshScript.Run(rctx, g.rdb, []string{key}, token, g.ttl.Milliseconds()).Err()
				cancel()
				if err != nil {
					g.log.WithError(err).WithField("thread_id", threadID).Warn("generation lock refresh failed")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, g.rdb, []string{key}, token).Err(); err != nil {
				g.log.WithError(err).WithField("thread_id", threadID).Warn("generation lock release failed")
			}
		})
	}, nil
}

func (g *RedisGuard) Held(ctx context.Context, threadID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, guardKey(threadID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
