package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-finassist-backend/internal/cache"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(cache.NewWithClient(rdb, "app:test:", time.Second), 10*time.Millisecond), mr
}

func TestAcquireRelease(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	tok, ok, err := s.Acquire(ctx, "k", 30*time.Second, 0)
	if err != nil || !ok || tok == "" {
		t.Fatalf("Acquire = %q %v %v", tok, ok, err)
	}
	if v, _ := mr.Get("app:test:lock:k"); v != tok {
		t.Fatalf("stored token = %q, want %q", v, tok)
	}
	if mr.TTL("app:test:lock:k") != 30*time.Second {
		t.Fatalf("ttl = %v", mr.TTL("app:test:lock:k"))
	}
	if locked, _ := s.IsLocked(ctx, "k"); !locked {
		t.Fatalf("IsLocked should be true")
	}

	if ok, err := s.Release(ctx, "k", tok); err != nil || !ok {
		t.Fatalf("Release = %v %v", ok, err)
	}
	if locked, _ := s.IsLocked(ctx, "k"); locked {
		t.Fatalf("IsLocked should be false after release")
	}
}

func TestRelease_WrongTokenKeepsLock(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	t1, ok, _ := s.Acquire(ctx, "k", time.Minute, 0)
	if !ok {
		t.Fatalf("acquire failed")
	}
	if ok, err := s.Release(ctx, "k", "someone-else"); err != nil || ok {
		t.Fatalf("foreign release = %v %v, want false", ok, err)
	}
	if locked, _ := s.IsLocked(ctx, "k"); !locked {
		t.Fatalf("foreign release must not delete the lock")
	}
	if ok, _ := s.Release(ctx, "k", t1); !ok {
		t.Fatalf("owner release should succeed")
	}
}

func TestAcquire_TimesOutWhenHeld(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, ok, _ := s.Acquire(ctx, "k", time.Minute, 0); !ok {
		t.Fatalf("first acquire failed")
	}
	start := time.Now()
	tok, ok, err := s.Acquire(ctx, "k", time.Minute, 50*time.Millisecond)
	if err != nil || ok || tok != "" {
		t.Fatalf("second acquire = %q %v %v, want not acquired", tok, ok, err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("acquire should poll until the timeout")
	}
}

func TestLockExpiry(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	tok, ok, _ := s.Acquire(ctx, "k", time.Second, 0)
	if !ok {
		t.Fatalf("acquire failed")
	}
	mr.FastForward(1500 * time.Millisecond)

	if ok, err := s.Release(ctx, "k", tok); err != nil || ok {
		t.Fatalf("release after expiry = %v %v, want false", ok, err)
	}
	tok2, ok, err := s.Acquire(ctx, "k", time.Second, 0)
	if err != nil || !ok || tok2 == tok {
		t.Fatalf("re-acquire = %q %v %v", tok2, ok, err)
	}
}

func TestExtend(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	tok, _, _ := s.Acquire(ctx, "k", 5*time.Second, 0)
	if ok, err := s.Extend(ctx, "k", tok, time.Minute); err != nil || !ok {
		t.Fatalf("Extend = %v %v", ok, err)
	}
	if mr.TTL("app:test:lock:k") != time.Minute {
		t.Fatalf("ttl = %v", mr.TTL("app:test:lock:k"))
	}
	if ok, _ := s.Extend(ctx, "k", "other", time.Hour); ok {
		t.Fatalf("foreign extend must fail")
	}
}

func TestWithLock_ReleasesOnErrorAndPanic(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithLock(ctx, "k", time.Minute, time.Second, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("WithLock err = %v", err)
	}
	if locked, _ := s.IsLocked(ctx, "k"); locked {
		t.Fatalf("lock must be released after error")
	}

	func() {
		defer func() { _ = recover() }()
		_ = s.WithLock(ctx, "k", time.Minute, time.Second, func(context.Context) error { panic("x") })
	}()
	if locked, _ := s.IsLocked(ctx, "k"); locked {
		t.Fatalf("lock must be released after panic")
	}
	if s.Held() != 0 {
		t.Fatalf("registry should be empty, got %d", s.Held())
	}
}

func TestWithLock_NotAcquired(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, ok, _ := s.Acquire(ctx, "k", time.Minute, 0); !ok {
		t.Fatalf("acquire failed")
	}
	ran := false
	err := s.WithLock(ctx, "k", time.Minute, 20*time.Millisecond, func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, ErrNotAcquired) || ran {
		t.Fatalf("WithLock = %v ran=%v, want ErrNotAcquired and not run", err, ran)
	}
}

func TestReleaseAll(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if _, ok, _ := s.Acquire(ctx, k, time.Minute, 0); !ok {
			t.Fatalf("acquire %s failed", k)
		}
	}
	if s.Held() != 3 {
		t.Fatalf("Held = %d", s.Held())
	}
	if n := s.ReleaseAll(ctx); n != 3 {
		t.Fatalf("ReleaseAll = %d", n)
	}
	for _, k := range []string{"a", "b", "c"} {
		if locked, _ := s.IsLocked(ctx, k); locked {
			t.Fatalf("%s still locked", k)
		}
	}
}
