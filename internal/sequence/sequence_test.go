package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-finassist-backend/internal/cache"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
)

const prefix = "app:test:"

func newGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g := New(cache.NewWithClient(rdb, prefix, time.Second), 30*time.Minute, 15*time.Second)
	g.randBase = func() int { return 5 }
	return g, mr
}

func counter(t *testing.T, mr *miniredis.Miniredis, token string) string {
	t.Helper()
	v, err := mr.Get(prefix + CounterKey(token))
	if err != nil {
		return ""
	}
	return v
}

func TestIssue(t *testing.T) {
	g, mr := newGuard(t)
	seq, err := g.Issue(context.Background(), "T")
	if err != nil || seq != 5_000_000 {
		t.Fatalf("Issue = %d %v", seq, err)
	}
	if counter(t, mr, "T") != "5000000" {
		t.Fatalf("counter = %q", counter(t, mr, "T"))
	}
	if mr.TTL(prefix+CounterKey("T")) <= 0 {
		t.Fatalf("counter must carry a TTL")
	}
}

func TestReplayReturnsIdenticalBody(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()
	seq, _ := g.Issue(ctx, "T")

	replay, err := g.Begin(ctx, "T", "/api/v1/CHAT/message_send", seq)
	if err != nil || replay != nil {
		t.Fatalf("first Begin = %q %v", replay, err)
	}
	body := []byte(`{"errorCode":0,"sequence":5000002,"messageId":"m1"}`)
	if err := g.Complete(ctx, "T", "/api/v1/CHAT/message_send", seq, body); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	replay, err = g.Begin(ctx, "T", "/api/v1/CHAT/message_send", seq)
	if err != nil {
		t.Fatalf("retry Begin: %v", err)
	}
	if string(replay) != string(body) {
		t.Fatalf("replay = %s, want %s", replay, body)
	}
	if counter(t, mr, "T") != "5000002" {
		t.Fatalf("counter = %q, want 5000002", counter(t, mr, "T"))
	}
	if ttl := mr.TTL(prefix + MemoKey("/api/v1/CHAT/message_send", "T", 5000002)); ttl != 15*time.Second {
		t.Fatalf("memo ttl = %v", ttl)
	}

	// The next request uses the completed sequence.
	if replay, err := g.Begin(ctx, "T", "/api/v1/CHAT/message_send", 5000002); err != nil || replay != nil {
		t.Fatalf("next Begin = %q %v", replay, err)
	}
}

func TestConcurrentSameSequenceIsDuplicated(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()
	seq, _ := g.Issue(ctx, "T")

	if _, err := g.Begin(ctx, "T", "/p", seq); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	_, err := g.Begin(ctx, "T", "/p", seq)
	if !errors.Is(err, protocol.ErrSequenceDuplicated) || protocol.CodeOf(err) != protocol.SequenceDuplicated {
		t.Fatalf("second Begin err = %v", err)
	}
	if counter(t, mr, "T") != "5000001" {
		t.Fatalf("counter = %q", counter(t, mr, "T"))
	}
}

func TestExpiredSession(t *testing.T) {
	g, mr := newGuard(t)
	_, err := g.Begin(context.Background(), "gone", "/p", 10)
	if !errors.Is(err, protocol.ErrSessionExpired) {
		t.Fatalf("err = %v", err)
	}
	if mr.Exists(prefix + CounterKey("gone")) {
		t.Fatalf("expired counter must not be recreated")
	}
}

func TestOutOfOrderIsFatalAndRollsBack(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()
	seq, _ := g.Issue(ctx, "T")

	_, err := g.Begin(ctx, "T", "/p", seq+100)
	if !errors.Is(err, protocol.ErrSequenceFatal) {
		t.Fatalf("err = %v", err)
	}
	if counter(t, mr, "T") != "5000000" {
		t.Fatalf("counter not rolled back: %q", counter(t, mr, "T"))
	}
}

func TestReplayAfterMemoExpiry(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()
	seq, _ := g.Issue(ctx, "T")

	if _, err := g.Begin(ctx, "T", "/p", seq); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := g.Complete(ctx, "T", "/p", seq, []byte(`{}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	mr.FastForward(16 * time.Second)

	_, err := g.Begin(ctx, "T", "/p", seq)
	if !errors.Is(err, protocol.ErrSequenceProcess) {
		t.Fatalf("err = %v", err)
	}
	if counter(t, mr, "T") != "5000002" {
		t.Fatalf("counter = %q", counter(t, mr, "T"))
	}
}

func TestDrop(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()
	_, _ = g.Issue(ctx, "T")
	if err := g.Drop(ctx, "T"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if mr.Exists(prefix + CounterKey("T")) {
		t.Fatalf("counter should be deleted")
	}
}

func TestCompleteFailureRollsCounterBack(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()
	seq, _ := g.Issue(ctx, "T")
	path := "/api/v1/PROFILE/settings_update"

	if _, err := g.Begin(ctx, "T", path, seq); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	gone, cancel := context.WithCancel(ctx)
	cancel()
	if err := g.Complete(gone, "T", path, seq, []byte(`{"errorCode":0}`)); err == nil {
		t.Fatalf("Complete with a cancelled context must fail")
	}
	if got := counter(t, mr, "T"); got != "5000000" {
		t.Fatalf("counter after failed Complete = %q, want 5000000", got)
	}
	if mr.Exists(prefix + MemoKey(path, "T", Next(seq))) {
		t.Fatalf("memo written by a failed Complete")
	}

	// the client retries the same sequence and is processed again
	if replay, err := g.Begin(ctx, "T", path, seq); err != nil || replay != nil {
		t.Fatalf("retry Begin = %q %v", replay, err)
	}
}
