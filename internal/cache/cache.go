// Package cache wraps the shared Redis connection pool.
//
// Every key passed to a Client method is namespaced with the configured
// prefix ("app:<env>:") before it is sent to Redis. Eval is the exception:
// Lua scripts cannot see the prefixer, so callers pass keys that are already
// namespaced (use Client.Key).
//
// All calls carry the configured operation timeout. A deadline hit surfaces
// as ErrTimeout; other Redis failures are wrapped and returned, never
// swallowed. Pooling and reconnection are handled by go-redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-finassist-backend/internal/config"
)

var (
	// ErrTimeout is returned when a Redis call exceeds the operation timeout.
	ErrTimeout = errors.New("redis timeout")

	// ErrTTLRequired is returned by writes that must carry a TTL.
	ErrTTLRequired = errors.New("ttl is required")
)

var cacheOpLat = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "redis_command_duration_seconds",
		Help:    "Duration of Redis commands issued through the cache client.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	},
	[]string{"op", "outcome"},
)

func init() {
	prometheus.MustRegister(cacheOpLat)
}

// Client is a namespaced Redis client. It is safe for concurrent use.
type Client struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// New dials nothing; go-redis connects lazily on first use.
func New(cfg config.RedisConfig, prefix string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	return NewWithClient(rdb, prefix, cfg.OpTimeout)
}

// NewWithClient wraps an existing go-redis client.
func NewWithClient(rdb redis.UniversalClient, prefix string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{rdb: rdb, prefix: prefix, timeout: timeout}
}

// Key returns the namespaced form of key.
func (c *Client) Key(key string) string { return c.prefix + key }

// Prefix returns the namespace prepended to every key.
func (c *Client) Prefix() string { return c.prefix }

// Raw exposes the underlying client for packages that issue commands the
// Client does not wrap (blocking list moves, sorted sets). Callers are
// responsible for namespacing.
func (c *Client) Raw() redis.UniversalClient { return c.rdb }

// Timeout returns the per-operation timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// GetString returns the value at key. ok is false when the key is absent.
func (c *Client) GetString(ctx context.Context, key string) (val string, ok bool, err error) {
	ctx, done := c.op(ctx, "get")
	val, err = c.rdb.Get(ctx, c.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		done(nil)
		return "", false, nil
	}
	if err != nil {
		return "", false, done(err)
	}
	done(nil)
	return val, true, nil
}

// SetString writes value at key with ttl. With nx set the write only happens
// when the key is absent; ok reports whether the value was written.
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration, nx bool) (ok bool, err error) {
	ctx, done := c.op(ctx, "set")
	if nx {
		ok, err = c.rdb.SetNX(ctx, c.Key(key), value, ttl).Result()
		return ok, done(err)
	}
	if err = c.rdb.Set(ctx, c.Key(key), value, ttl).Err(); err != nil {
		return false, done(err)
	}
	return true, done(nil)
}

// Delete removes keys and returns how many existed.
func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	ctx, done := c.op(ctx, "del")
	n, err := c.rdb.Del(ctx, full...).Result()
	return n, done(err)
}

// GetSet atomically replaces the value at key and returns the previous one
// (ok=false when there was none). The key's TTL is set to ttl in the same
// transaction, because a plain GETSET would clear it.
func (c *Client) GetSet(ctx context.Context, key, value string, ttl time.Duration) (prev string, ok bool, err error) {
	if ttl <= 0 {
		return "", false, ErrTTLRequired
	}
	ctx, done := c.op(ctx, "getset")
	k := c.Key(key)
	var get *redis.StringCmd
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		get = p.GetSet(ctx, k, value)
		p.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, done(err)
	}
	done(nil)
	prev, err = get.Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return prev, err == nil, err
}

// IncrBy adds delta to the integer at key and returns the new value. A
// positive ttl is refreshed in the same transaction.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, done := c.op(ctx, "incrby")
	k := c.Key(key)
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.IncrBy(ctx, k, delta)
		if ttl > 0 {
			p.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, done(err)
	}
	return incr.Val(), done(nil)
}

// Expire sets a TTL on key; ok is false when the key does not exist.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, done := c.op(ctx, "expire")
	ok, err := c.rdb.Expire(ctx, c.Key(key), ttl).Result()
	return ok, done(err)
}

// TTL returns the remaining time to live of key (negative when absent or
// without expiry, as reported by Redis).
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, done := c.op(ctx, "ttl")
	d, err := c.rdb.TTL(ctx, c.Key(key)).Result()
	return d, done(err)
}

// ListRange returns the elements of the list at key between start and stop
// (inclusive, negative indexes count from the tail).
func (c *Client) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, done := c.op(ctx, "lrange")
	vals, err := c.rdb.LRange(ctx, c.Key(key), start, stop).Result()
	return vals, done(err)
}

// Eval runs a Lua script. keys must already be namespaced. The script is sent
// with EVALSHA and falls back to EVAL when Redis does not have it cached.
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	ctx, done := c.op(ctx, "eval")
	res, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		done(nil)
		return nil, nil
	}
	return res, done(err)
}

// Pipeline queues commands through p and sends them in one round trip.
// With tx set, the batch is wrapped in MULTI/EXEC.
func (c *Client) Pipeline(ctx context.Context, tx bool, fn func(p *Pipe) error) error {
	ctx, done := c.op(ctx, "pipeline")
	run := c.rdb.Pipelined
	if tx {
		run = c.rdb.TxPipelined
	}
	_, err := run(ctx, func(rp redis.Pipeliner) error {
		return fn(&Pipe{c: c, p: rp, ctx: ctx})
	})
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	return done(err)
}

// Pipe is a namespacing view over a go-redis pipeline.
type Pipe struct {
	c   *Client
	p   redis.Pipeliner
	ctx context.Context
}

// Set queues SET key value EX ttl.
func (p *Pipe) Set(key, value string, ttl time.Duration) {
	p.p.Set(p.ctx, p.c.Key(key), value, ttl)
}

// Del queues DEL for keys.
func (p *Pipe) Del(keys ...string) {
	for _, k := range keys {
		p.p.Del(p.ctx, p.c.Key(k))
	}
}

// Expire queues EXPIRE key ttl.
func (p *Pipe) Expire(key string, ttl time.Duration) {
	p.p.Expire(p.ctx, p.c.Key(key), ttl)
}

// LPush queues LPUSH key values.
func (p *Pipe) LPush(key string, values ...any) {
	p.p.LPush(p.ctx, p.c.Key(key), values...)
}

// LTrim queues LTRIM key start stop.
func (p *Pipe) LTrim(key string, start, stop int64) {
	p.p.LTrim(p.ctx, p.c.Key(key), start, stop)
}

// Health describes the result of a round-trip probe.
type Health struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

// Health writes, reads back, and deletes a probe key.
func (c *Client) Health(ctx context.Context) Health {
	start := time.Now()
	key := "health:" + uuid.NewString()
	probe := func() error {
		if _, err := c.SetString(ctx, key, "1", 5*time.Second, false); err != nil {
			return err
		}
		v, ok, err := c.GetString(ctx, key)
		if err != nil {
			return err
		}
		if !ok || v != "1" {
			return errors.New("probe value mismatch")
		}
		_, err = c.Delete(ctx, key)
		return err
	}
	if err := probe(); err != nil {
		return Health{Latency: time.Since(start), Error: err.Error()}
	}
	return Health{Reachable: true, Latency: time.Since(start)}
}

// Close releases the pool.
func (c *Client) Close() error { return c.rdb.Close() }

// op applies the timeout and returns a completion func that records the
// latency and translates the error.
func (c *Client) op(ctx context.Context, name string) (context.Context, func(error) error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	start := time.Now()
	return ctx, func(err error) error {
		defer cancel()
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		cacheOpLat.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
		return Translate(err)
	}
}

// Translate maps context deadline errors to ErrTimeout and wraps the rest.
func Translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, ErrTimeout), errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("redis: %w", err)
	}
}
