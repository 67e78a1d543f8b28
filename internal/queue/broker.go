// Package queue implements named, partitioned message queues on Redis with
// a consumer framework.
//
// Layout per queue q and partition p (all keys namespaced by the cache):
//
//	mq:<q>:<p>:ready       list, enqueue at the head, consume from the tail
//	mq:<q>:<p>:processing  list of in-flight messages
//	mq:<q>:<p>:delayed     sorted set of NACKed messages keyed by due time
//	mq:<q>:dead            list of dead-lettered messages
//
// A message lands in partition PartitionOf(partition_key). Each partition is
// served by exactly one worker across all processes, enforced by a lease
// held through the lock service, so delivery is FIFO per partition key. The
// lease is extended while a handler runs; when it cannot be extended the
// handler context is cancelled and the message is left for the next owner.
// Handlers return nil to ACK; an error NACKs: the message is retried with
// exponential back-off until max_attempts, then dead-lettered. A partition
// with a NACKed message waiting in its delayed set is held until the retry
// is due, so later messages never overtake it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-finassist-backend/internal/cache"
	"github.com/tbourn/go-finassist-backend/internal/config"
	"github.com/tbourn/go-finassist-backend/internal/lock"
)

var (
	// ErrStarted is returned when consumers are registered after Start.
	ErrStarted = errors.New("queue broker already started")

	// ErrDuplicateConsumer is returned when a consumer id is registered twice
	// on the same queue.
	ErrDuplicateConsumer = errors.New("consumer already registered")

	errLeaseLost = errors.New("partition lease lost")
)

// Handler processes one message. Returning nil acknowledges it.
type Handler func(ctx context.Context, msg *Message) error

var (
	queueEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_total",
			Help: "Queue message events by queue and event (enqueued|acked|nacked|dead).",
		},
		[]string{"queue", "event"},
	)
	queueHandlerLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_handler_duration_seconds",
			Help:    "Time spent in queue handlers.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(queueEvents, queueHandlerLat)
}

// promoteScript moves due messages from the delayed set to the consumer end
// of the ready list. KEYS = delayed, ready; ARGV = now_ms, limit, ttl_s.
var promoteScript = redis.NewScript(`local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, m in ipairs(due) do
    redis.call("ZREM", KEYS[1], m)
    redis.call("RPUSH", KEYS[2], m)
end
if #due > 0 then
    redis.call("EXPIRE", KEYS[2], ARGV[3])
end
return #due`)

// recoverScript returns in-flight messages of a previous owner to the ready
// list, oldest first. KEYS = processing, ready; ARGV = ttl_s.
var recoverScript = redis.NewScript(`local n = 0
while true do
    local m = redis.call("LPOP", KEYS[1])
    if not m then break end
    redis.call("RPUSH", KEYS[2], m)
    n = n + 1
end
if n > 0 then
    redis.call("EXPIRE", KEYS[2], ARGV[1])
end
return n`)

type consumer struct {
	id      string
	handler Handler
}

// Broker owns queues and their workers.
type Broker struct {
	c     *cache.Client
	locks *lock.Service
	cfg   config.QueueConfig
	now   func() time.Time

	mu        sync.Mutex
	consumers map[string][]consumer
	started   bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New returns a broker. Consumers must be registered before Start.
func New(c *cache.Client, locks *lock.Service, cfg config.QueueConfig) *Broker {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = 7 * 24 * time.Hour
	}
	return &Broker{
		c:         c,
		locks:     locks,
		cfg:       cfg,
		now:       time.Now,
		consumers: map[string][]consumer{},
		stop:      make(chan struct{}),
	}
}

// Partitions returns the partition count.
func (b *Broker) Partitions() int { return b.cfg.Partitions }

func readyKey(q string, p int) string      { return fmt.Sprintf("mq:%s:%d:ready", q, p) }
func processingKey(q string, p int) string { return fmt.Sprintf("mq:%s:%d:processing", q, p) }
func delayedKey(q string, p int) string    { return fmt.Sprintf("mq:%s:%d:delayed", q, p) }
func deadKey(q string) string              { return fmt.Sprintf("mq:%s:dead", q) }
func leaseName(q string, p int) string     { return fmt.Sprintf("mq:%s:%d", q, p) }

// Enqueue appends msg to its partition and returns the message id.
func (b *Broker) Enqueue(ctx context.Context, queue string, msg Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Queue = queue
	msg.Attempts = 0
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = b.cfg.MaxAttempts
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = b.now().UTC()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	key := b.c.Key(readyKey(queue, PartitionOf(msg.PartitionKey, b.cfg.Partitions)))
	rdb := b.c.Raw()
	ctx, cancel := context.WithTimeout(ctx, b.c.Timeout())
	defer cancel()
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if msg.Priority == PriorityHigh {
			p.RPush(ctx, key, raw)
		} else {
			p.LPush(ctx, key, raw)
		}
		p.Expire(ctx, key, b.cfg.RetentionTTL)
		return nil
	})
	if err != nil {
		return "", cache.Translate(err)
	}
	queueEvents.WithLabelValues(queue, "enqueued").Inc()
	return msg.ID, nil
}

// RegisterConsumer adds a consumer to queue. Partitions are split
// round-robin between the consumers of a queue.
func (b *Broker) RegisterConsumer(queue, consumerID string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrStarted
	}
	for _, c := range b.consumers[queue] {
		if c.id == consumerID {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateConsumer, consumerID, queue)
		}
	}
	b.consumers[queue] = append(b.consumers[queue], consumer{id: consumerID, handler: h})
	return nil
}

// Start launches one worker per (queue, partition).
func (b *Broker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	for q, cs := range b.consumers {
		for p := 0; p < b.cfg.Partitions; p++ {
			c := cs[p%len(cs)]
			w := &worker{b: b, queue: q, partition: p, consumer: c}
			b.wg.Add(1)
			go w.run()
		}
		log.Info().Str("queue", q).Int("partitions", b.cfg.Partitions).Int("consumers", len(cs)).Msg("queue consumers started")
	}
}

// Close stops fetching new messages and waits for in-flight handlers until
// ctx is done. Messages still in flight after the deadline stay in their
// processing list and are recovered by the next owner of the partition.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.started = true // no Start after Close
		b.mu.Unlock()
		return nil
	}
	select {
	case <-b.stop:
		b.mu.Unlock()
		return nil
	default:
		close(b.stop)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue drain: %w", ctx.Err())
	}
}

// Depth returns the number of messages waiting, delayed or in flight on
// queue.
func (b *Broker) Depth(ctx context.Context, queue string) (int64, error) {
	rdb := b.c.Raw()
	ctx, cancel := context.WithTimeout(ctx, b.c.Timeout())
	defer cancel()
	var cmds []*redis.IntCmd
	_, err := rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i := 0; i < b.cfg.Partitions; i++ {
			cmds = append(cmds,
				p.LLen(ctx, b.c.Key(readyKey(queue, i))),
				p.LLen(ctx, b.c.Key(processingKey(queue, i))),
				p.ZCard(ctx, b.c.Key(delayedKey(queue, i))),
			)
		}
		return nil
	})
	if err != nil {
		return 0, cache.Translate(err)
	}
	var n int64
	for _, c := range cmds {
		n += c.Val()
	}
	return n, nil
}

// DeadLetters returns up to limit dead-lettered messages, newest first.
func (b *Broker) DeadLetters(ctx context.Context, queue string, limit int64) ([]Message, error) {
	raws, err := b.c.ListRange(ctx, deadKey(queue), 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raws))
	for _, r := range raws {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// backoff returns the delay before attempt n+1 (n >= 1).
func (b *Broker) backoff(attempts int) time.Duration {
	d := b.cfg.BaseBackoff
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	for i := 1; i < attempts; i++ {
		d *= 2
		if b.cfg.MaxBackoff > 0 && d >= b.cfg.MaxBackoff {
			return b.cfg.MaxBackoff
		}
	}
	return d
}

type worker struct {
	b         *Broker
	queue     string
	partition int
	consumer  consumer

	leaseToken string
	leasedAt   time.Time
}

func (w *worker) leaseTTL() time.Duration {
	return 10 * w.b.cfg.PollTimeout
}

func (w *worker) heartbeatEvery() time.Duration {
	return w.leaseTTL() / 4
}

func (w *worker) run() {
	defer w.b.wg.Done()
	ctx := context.Background()
	lg := log.With().Str("queue", w.queue).Int("partition", w.partition).Str("consumer", w.consumer.id).Logger()

	defer func() {
		if w.leaseToken != "" {
			_, _ = w.b.locks.Release(ctx, leaseName(w.queue, w.partition), w.leaseToken)
		}
	}()

	for {
		select {
		case <-w.b.stop:
			return
		default:
		}

		if err := w.ensureLease(ctx); err != nil {
			if !errors.Is(err, lock.ErrNotAcquired) {
				lg.Error().Err(err).Msg("partition lease failed")
			}
			w.sleep(w.b.cfg.PollTimeout)
			continue
		}
		if err := w.promote(ctx); err != nil {
			lg.Error().Err(err).Msg("promote delayed messages failed")
		}
		wait, err := w.retryPending(ctx)
		if err != nil {
			lg.Error().Err(err).Msg("delayed head lookup failed")
		}
		if wait > 0 {
			w.sleep(min(wait, w.b.cfg.PollTimeout))
			continue
		}

		raw, err := w.b.c.Raw().BRPopLPush(ctx,
			w.b.c.Key(readyKey(w.queue, w.partition)),
			w.b.c.Key(processingKey(w.queue, w.partition)),
			w.b.cfg.PollTimeout,
		).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			lg.Error().Err(err).Msg("queue fetch failed")
			w.sleep(w.b.cfg.PollTimeout)
			continue
		}
		w.handle(ctx, raw)
	}
}

// ensureLease takes or refreshes the partition lease.
func (w *worker) ensureLease(ctx context.Context) error {
	name := leaseName(w.queue, w.partition)
	if w.leaseToken != "" {
		if time.Since(w.leasedAt) < w.leaseTTL()/3 {
			return nil
		}
		err := w.extendLease(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errLeaseLost) {
			return err
		}
		w.leaseToken = ""
	}
	tok, ok, err := w.b.locks.Acquire(ctx, name, w.leaseTTL(), 0)
	if err != nil {
		return err
	}
	if !ok {
		return lock.ErrNotAcquired
	}
	w.leaseToken, w.leasedAt = tok, time.Now()
	ttl := int64(w.b.cfg.RetentionTTL / time.Second)
	_, err = w.b.c.Eval(ctx, recoverScript, []string{
		w.b.c.Key(processingKey(w.queue, w.partition)),
		w.b.c.Key(readyKey(w.queue, w.partition)),
	}, ttl)
	return err
}

// extendLease renews the held lease. It returns errLeaseLost when another
// owner took the partition or the lease expired.
func (w *worker) extendLease(ctx context.Context) error {
	ok, err := w.b.locks.Extend(ctx, leaseName(w.queue, w.partition), w.leaseToken, w.leaseTTL())
	if err != nil {
		return err
	}
	if !ok {
		return errLeaseLost
	}
	w.leasedAt = time.Now()
	return nil
}

// retryPending returns how long the partition must wait for the head of its
// delayed set, or zero when nothing is waiting.
func (w *worker) retryPending(ctx context.Context) (time.Duration, error) {
	head, err := w.b.c.Raw().ZRangeWithScores(ctx, w.b.c.Key(delayedKey(w.queue, w.partition)), 0, 0).Result()
	if err != nil {
		return 0, cache.Translate(err)
	}
	if len(head) == 0 {
		return 0, nil
	}
	d := time.UnixMilli(int64(head[0].Score)).Sub(w.b.now())
	if d < time.Millisecond {
		// due now; the next promote moves it
		d = time.Millisecond
	}
	return d, nil
}

func (w *worker) promote(ctx context.Context) error {
	_, err := w.b.c.Eval(ctx, promoteScript, []string{
		w.b.c.Key(delayedKey(w.queue, w.partition)),
		w.b.c.Key(readyKey(w.queue, w.partition)),
	}, w.b.now().UnixMilli(), 100, int64(w.b.cfg.RetentionTTL/time.Second))
	return err
}

func (w *worker) handle(ctx context.Context, raw string) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.Error().Err(err).Str("queue", w.queue).Msg("undecodable message dead-lettered")
		w.settle(ctx, raw, func(p redis.Pipeliner) {
			p.LPush(ctx, w.b.c.Key(deadKey(w.queue)), raw)
			p.Expire(ctx, w.b.c.Key(deadKey(w.queue)), w.b.cfg.RetentionTTL)
		})
		queueEvents.WithLabelValues(w.queue, "dead").Inc()
		return
	}

	start := time.Now()
	held, err := w.invokeLeased(ctx, &msg)
	queueHandlerLat.WithLabelValues(w.queue).Observe(time.Since(start).Seconds())

	if !held {
		log.Warn().Err(err).Str("queue", w.queue).Int("partition", w.partition).Str("message_id", msg.ID).
			Msg("partition lease lost during handler, message left for the next owner")
		w.leaseToken = ""
		return
	}

	if err == nil {
		w.settle(ctx, raw, nil)
		queueEvents.WithLabelValues(w.queue, "acked").Inc()
		return
	}

	msg.Attempts++
	msg.LastError = err.Error()
	next, _ := json.Marshal(msg)
	lg := log.With().Str("queue", w.queue).Str("message_id", msg.ID).Int("attempts", msg.Attempts).Logger()

	if msg.Attempts >= msg.MaxAttempts {
		lg.Error().Err(err).Msg("message dead-lettered")
		w.settle(ctx, raw, func(p redis.Pipeliner) {
			p.LPush(ctx, w.b.c.Key(deadKey(w.queue)), next)
			p.Expire(ctx, w.b.c.Key(deadKey(w.queue)), w.b.cfg.RetentionTTL)
		})
		queueEvents.WithLabelValues(w.queue, "dead").Inc()
		return
	}

	due := w.b.now().Add(w.b.backoff(msg.Attempts))
	lg.Warn().Err(err).Time("retry_at", due).Msg("message nacked")
	key := w.b.c.Key(delayedKey(w.queue, w.partition))
	w.settle(ctx, raw, func(p redis.Pipeliner) {
		p.ZAdd(ctx, key, redis.Z{Score: float64(due.UnixMilli()), Member: string(next)})
		p.Expire(ctx, key, w.b.cfg.RetentionTTL)
	})
	queueEvents.WithLabelValues(w.queue, "nacked").Inc()
}

// invokeLeased runs the handler while a heartbeat extends the partition
// lease. If an extension fails the handler context is cancelled and held is
// false; the message must then not be settled.
func (w *worker) invokeLeased(ctx context.Context, msg *Message) (held bool, err error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(w.heartbeatEvery())
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := w.extendLease(ctx); err != nil {
					log.Warn().Err(err).Str("queue", w.queue).Int("partition", w.partition).Msg("partition lease extend failed")
					lost.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	err = w.invoke(hctx, msg)
	close(stop)
	<-exited
	return !lost.Load(), err
}

// invoke runs the handler, turning panics into NACKs.
func (w *worker) invoke(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.consumer.handler(ctx, msg)
}

// settle removes raw from the processing list and applies extra in the same
// transaction.
func (w *worker) settle(ctx context.Context, raw string, extra func(p redis.Pipeliner)) {
	_, err := w.b.c.Raw().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, w.b.c.Key(processingKey(w.queue, w.partition)), 1, raw)
		if extra != nil {
			extra(p)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("queue", w.queue).Msg("queue settle failed")
	}
}

func (w *worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.b.stop:
	case <-t.C:
	}
}
