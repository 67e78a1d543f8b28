// Package lock implements a token-based distributed mutex on Redis.
//
// A lock is the key "lock:<name>" holding a random token, written with
// SET NX and a TTL. Release and Extend only act when the stored token equals
// the caller's token, which is checked atomically in Lua. Expired locks are
// simply gone; a late Release by the former holder returns false.
//
// Every lock this process holds is recorded so ReleaseAll can force-release
// them at shutdown.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-finassist-backend/internal/cache"
)

// ErrNotAcquired is returned by WithLock when the lock could not be taken
// before the timeout.
var ErrNotAcquired = errors.New("lock not acquired")

const releaseLua = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end`

const extendLua = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
    return 0
end`

var (
	releaseScript = redis.NewScript(releaseLua)
	extendScript  = redis.NewScript(extendLua)
)

var lockAcquire = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lock_acquire_total",
		Help: "Lock acquisition attempts by outcome (acquired|timeout|error).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(lockAcquire)
}

// Service hands out locks. It is safe for concurrent use.
type Service struct {
	c    *cache.Client
	poll time.Duration

	mu   sync.Mutex
	held map[string]string // name -> token
}

// New returns a lock service polling every poll while waiting (100ms when
// poll <= 0).
func New(c *cache.Client, poll time.Duration) *Service {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Service{c: c, poll: poll, held: map[string]string{}}
}

func keyOf(name string) string { return "lock:" + name }

// Acquire tries to take name until timeout elapses. ok is false on timeout;
// callers must not proceed as if they held the lock. A timeout <= 0 makes a
// single attempt.
func (s *Service) Acquire(ctx context.Context, name string, ttl, timeout time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err = s.c.SetString(ctx, keyOf(name), token, ttl, true)
		if err != nil {
			lockAcquire.WithLabelValues("error").Inc()
			return "", false, err
		}
		if ok {
			s.mu.Lock()
			s.held[name] = token
			s.mu.Unlock()
			lockAcquire.WithLabelValues("acquired").Inc()
			return token, true, nil
		}

		wait := s.poll
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		if wait <= 0 {
			lockAcquire.WithLabelValues("timeout").Inc()
			return "", false, nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			lockAcquire.WithLabelValues("error").Inc()
			return "", false, ctx.Err()
		case <-t.C:
		}
	}
}

// Release deletes the lock if token still owns it.
func (s *Service) Release(ctx context.Context, name, token string) (bool, error) {
	s.forget(name, token)
	res, err := s.c.Eval(ctx, releaseScript, []string{s.c.Key(keyOf(name))}, token)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Extend resets the TTL if token still owns the lock.
func (s *Service) Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	res, err := s.c.Eval(ctx, extendScript, []string{s.c.Key(keyOf(name))}, token, secs)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// IsLocked reports whether anyone holds name.
func (s *Service) IsLocked(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.c.GetString(ctx, keyOf(name))
	return ok, err
}

// WithLock runs fn while holding name and releases it on every exit path,
// including panics. It returns ErrNotAcquired on timeout.
func (s *Service) WithLock(ctx context.Context, name string, ttl, timeout time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := s.Acquire(ctx, name, ttl, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		// Release even when ctx was cancelled inside fn.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.c.Timeout())
		defer cancel()
		if released, err := s.Release(rctx, name, token); err != nil || !released {
			log.Warn().Err(err).Str("lock", name).Msg("lock release did not delete the key")
		}
	}()
	return fn(ctx)
}

// Held returns the number of locks currently recorded as held.
func (s *Service) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// ReleaseAll releases every lock this process still holds and returns how
// many were actually deleted.
func (s *Service) ReleaseAll(ctx context.Context) int {
	s.mu.Lock()
	held := s.held
	s.held = map[string]string{}
	s.mu.Unlock()

	n := 0
	for name, token := range held {
		ok, err := s.Release(ctx, name, token)
		if err != nil {
			log.Error().Err(err).Str("lock", name).Msg("forced lock release failed")
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("released held locks")
	}
	return n
}

func (s *Service) forget(name, token string) {
	s.mu.Lock()
	if s.held[name] == token {
		delete(s.held, name)
	}
	s.mu.Unlock()
}
