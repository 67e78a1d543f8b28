// Package pipeline turns best-effort chat events from the queue into durable
// rows in the owning shard.
//
// Saves are buffered per shard. A shard's buffer is processed when it
// reaches the batch size, on the periodic flush job, and on Drain. A batch
// is sorted by sequence_in_room, grouped by room, and written under the
// per-room lock "chat_db_save:<room_id>", one procedure call per message in
// sorted order. Batches of one shard are processed one at a time, in the
// order they were cut, so cross-batch order within a room is preserved.
//
// Room creation is not batched: it runs under "chat_room_create:<room_id>"
// and treats SUCCESS and EXISTS alike.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-finassist-backend/internal/config"
	"github.com/tbourn/go-finassist-backend/internal/database"
	"github.com/tbourn/go-finassist-backend/internal/lock"
	"github.com/tbourn/go-finassist-backend/internal/queue"
	"github.com/tbourn/go-finassist-backend/internal/scheduler"
	"github.com/tbourn/go-finassist-backend/internal/statemachine"
)

// Procedures called on the owning shard.
const (
	ProcMessageSave   = "fp_chat_message_batch_save"
	ProcMessageDelete = "fp_chat_message_delete"
	ProcRoomCreate    = "fp_chat_room_create"
	ProcRoomDelete    = "fp_chat_room_delete"
)

// Scheduler job ids.
const (
	JobFlush = "chat_pipeline_flush"
	JobSweep = "chat_pipeline_sweep"
)

// ErrUnknownType is returned for queue messages the pipeline does not handle.
var ErrUnknownType = errors.New("unknown message type")

// ShardCaller is the slice of the database service the pipeline needs.
type ShardCaller interface {
	CallShardProcedure(ctx context.Context, shardID int, name string, params ...any) (database.Rows, error)
}

// Enqueuer puts messages back on the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, msg queue.Message) (string, error)
}

var (
	batchSizes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_pipeline_batch_size",
		Help:    "Number of messages per processed shard batch.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})
	pipelineMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_pipeline_messages_total",
			Help: "Chat messages by pipeline outcome (saved|exists|failed|requeued|skipped).",
		},
		[]string{"outcome"},
	)
	batchLat = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_pipeline_batch_duration_seconds",
		Help:    "Time to process one shard batch.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(batchSizes, pipelineMessages, batchLat)
}

type buffer struct {
	shardID int
	items   []MessagePayload
	proc    sync.Mutex // serializes batches of this shard
}

// Pipeline is the chat persistence consumer.
type Pipeline struct {
	db    ShardCaller
	q     Enqueuer
	locks *lock.Service
	sm    *statemachine.Machine
	cfg   config.PipelineConfig

	mu      sync.Mutex
	buffers map[string]*buffer
}

// New returns a pipeline with empty buffers.
func New(db ShardCaller, q Enqueuer, locks *lock.Service, sm *statemachine.Machine, cfg config.PipelineConfig) *Pipeline {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Pipeline{db: db, q: q, locks: locks, sm: sm, cfg: cfg, buffers: map[string]*buffer{}}
}

func bufferKey(shardID int) string { return fmt.Sprintf("shard_%d", shardID) }

// Attach registers the pipeline as a consumer of QueueName.
func (p *Pipeline) Attach(b *queue.Broker, consumerID string) error {
	return b.RegisterConsumer(QueueName, consumerID, p.Handle)
}

// RegisterJobs adds the periodic flush and sweep jobs.
func (p *Pipeline) RegisterJobs(s *scheduler.Scheduler) error {
	every := p.cfg.BatchInterval
	if every <= 0 {
		every = time.Second
	}
	sweep := p.cfg.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	if err := s.AddJob(scheduler.Job{ID: JobFlush, Schedule: scheduler.Interval(every), Fn: p.Flush}); err != nil {
		return err
	}
	return s.AddJob(scheduler.Job{ID: JobSweep, Schedule: scheduler.Interval(sweep), Fn: func(context.Context) error {
		p.Sweep()
		return nil
	}})
}

// Handle is the queue handler. Saves are buffered and acknowledged; room
// creations are executed immediately and NACKed on failure.
func (p *Pipeline) Handle(ctx context.Context, msg *queue.Message) error {
	switch msg.Type {
	case TypeMessageSave:
		var pl MessagePayload
		if err := msg.Decode(&pl); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return p.Add(ctx, pl)
	case TypeRoomCreate:
		var pl RoomPayload
		if err := msg.Decode(&pl); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return p.CreateRoom(ctx, pl)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}
}

// Add appends pl to its shard buffer and processes the shard when the
// buffer is full.
func (p *Pipeline) Add(ctx context.Context, pl MessagePayload) error {
	p.mu.Lock()
	key := bufferKey(pl.ShardID)
	b, ok := p.buffers[key]
	if !ok {
		b = &buffer{shardID: pl.ShardID}
		p.buffers[key] = b
	}
	b.items = append(b.items, pl)
	full := len(b.items) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		p.flushShard(ctx, b)
	}
	return nil
}

// Pending returns the number of buffered messages.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.buffers {
		n += len(b.items)
	}
	return n
}

// Flush processes every non-empty shard buffer.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	bufs := make([]*buffer, 0, len(p.buffers))
	for _, b := range p.buffers {
		if len(b.items) > 0 {
			bufs = append(bufs, b)
		}
	}
	p.mu.Unlock()

	for _, b := range bufs {
		p.flushShard(ctx, b)
	}
	return nil
}

// Sweep drops empty shard buffers.
func (p *Pipeline) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, b := range p.buffers {
		if len(b.items) == 0 && b.proc.TryLock() {
			delete(p.buffers, k)
			b.proc.Unlock()
			n++
		}
	}
	return n
}

// Drain flushes everything buffered. It is called at shutdown after the
// queue stopped delivering.
func (p *Pipeline) Drain(ctx context.Context) error {
	if err := p.Flush(ctx); err != nil {
		return err
	}
	if n := p.Pending(); n > 0 {
		return fmt.Errorf("pipeline drain left %d messages buffered", n)
	}
	return nil
}

// flushShard cuts the current batch of b and processes it. Holding b.proc
// while cutting keeps batches in cut order.
func (p *Pipeline) flushShard(ctx context.Context, b *buffer) {
	b.proc.Lock()
	defer b.proc.Unlock()

	p.mu.Lock()
	batch := b.items
	b.items = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.processBatch(ctx, b.shardID, batch)
}

func (p *Pipeline) processBatch(ctx context.Context, shardID int, batch []MessagePayload) {
	tr := otel.Tracer("pipeline")
	ctx, span := tr.Start(ctx, "Pipeline.processBatch")
	span.SetAttributes(attribute.Int("shard_id", shardID), attribute.Int("batch_size", len(batch)))
	defer span.End()

	start := time.Now()
	batchSizes.Observe(float64(len(batch)))
	defer func() { batchLat.Observe(time.Since(start).Seconds()) }()

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].SequenceInRoom() < batch[j].SequenceInRoom()
	})

	var rooms []string
	groups := map[string][]MessagePayload{}
	for _, pl := range batch {
		if _, ok := groups[pl.RoomID]; !ok {
			rooms = append(rooms, pl.RoomID)
		}
		groups[pl.RoomID] = append(groups[pl.RoomID], pl)
	}

	for _, room := range rooms {
		p.saveRoomGroup(ctx, shardID, room, groups[room])
	}
}

func (p *Pipeline) saveRoomGroup(ctx context.Context, shardID int, room string, group []MessagePayload) {
	lg := log.With().Int("shard_id", shardID).Str("room_id", room).Logger()
	name := "chat_db_save:" + room

	token, ok, err := p.locks.Acquire(ctx, name, p.cfg.LockTTL, p.cfg.LockTimeout)
	if err != nil || !ok {
		lg.Warn().Err(err).Int("messages", len(group)).Msg("room lock unavailable, re-enqueueing group")
		p.requeue(ctx, lg, group)
		return
	}
	defer func() {
		if _, err := p.locks.Release(context.WithoutCancel(ctx), name, token); err != nil {
			lg.Error().Err(err).Msg("room lock release failed")
		}
	}()

	for _, pl := range group {
		p.saveOne(ctx, lg, shardID, pl)
	}
}

func (p *Pipeline) requeue(ctx context.Context, lg zerolog.Logger, group []MessagePayload) {
	for _, pl := range group {
		m, err := NewMessageSave(pl)
		if err == nil {
			_, err = p.q.Enqueue(ctx, QueueName, m)
		}
		if err != nil {
			lg.Error().Err(err).Str("message_id", pl.MessageID).Msg("re-enqueue failed")
			pipelineMessages.WithLabelValues("failed").Inc()
			continue
		}
		pipelineMessages.WithLabelValues("requeued").Inc()
	}
}

// saveOne persists one message under the room lock. A failed save leaves the
// message in PROCESSING for the reaper.
func (p *Pipeline) saveOne(ctx context.Context, lg zerolog.Logger, shardID int, pl MessagePayload) {
	lg = lg.With().Str("message_id", pl.MessageID).Logger()

	ok, cur, err := p.sm.Transition(ctx, statemachine.Message, pl.MessageID, statemachine.Pending, statemachine.Processing, "pipeline")
	if err != nil {
		lg.Error().Err(err).Msg("state transition failed")
		pipelineMessages.WithLabelValues("failed").Inc()
		return
	}
	if !ok {
		switch cur {
		case statemachine.Processing, statemachine.None:
			// redelivery after a crash, or the state already expired
		default:
			lg.Debug().Str("state", string(cur)).Msg("message not pending, skipped")
			pipelineMessages.WithLabelValues("skipped").Inc()
			return
		}
	}

	meta, err := json.Marshal(pl.Metadata)
	if err != nil {
		lg.Error().Err(err).Msg("metadata encode failed")
		pipelineMessages.WithLabelValues("failed").Inc()
		return
	}
	var parent any
	if pl.ParentMessageID != "" {
		parent = pl.ParentMessageID
	}
	rows, err := p.db.CallShardProcedure(ctx, shardID, ProcMessageSave,
		pl.MessageID, pl.RoomID, pl.AccountDBKey, pl.Sender, pl.Content, string(meta), parent, pl.SequenceInRoom())
	if err == nil {
		err = database.CheckResult(ProcMessageSave, rows)
	}
	if err != nil {
		lg.Error().Err(err).Msg("message save failed, left in PROCESSING")
		pipelineMessages.WithLabelValues("failed").Inc()
		return
	}
	if r, _ := rows.First(); r.Result() == database.ResultExists {
		pipelineMessages.WithLabelValues("exists").Inc()
	} else {
		pipelineMessages.WithLabelValues("saved").Inc()
	}

	ok, cur, err = p.sm.Transition(ctx, statemachine.Message, pl.MessageID, statemachine.Processing, statemachine.Sent, "saved")
	if err != nil {
		lg.Error().Err(err).Msg("state transition failed")
		return
	}
	if !ok && cur == statemachine.Deleting {
		p.finishDelete(ctx, lg, shardID, pl)
	}
}

// finishDelete completes a delete requested while the message was being
// persisted.
func (p *Pipeline) finishDelete(ctx context.Context, lg zerolog.Logger, shardID int, pl MessagePayload) {
	rows, err := p.db.CallShardProcedure(ctx, shardID, ProcMessageDelete, pl.RoomID, pl.MessageID)
	if err == nil {
		err = database.CheckResult(ProcMessageDelete, rows)
	}
	if err != nil {
		lg.Error().Err(err).Msg("deferred delete failed")
		return
	}
	if _, _, err := p.sm.Transition(ctx, statemachine.Message, pl.MessageID, statemachine.Deleting, statemachine.Deleted, "deferred delete"); err != nil {
		lg.Error().Err(err).Msg("state transition failed")
	}
}

// CreateRoom persists a room. It is idempotent across consumer instances.
func (p *Pipeline) CreateRoom(ctx context.Context, pl RoomPayload) error {
	lg := log.With().Int("shard_id", pl.ShardID).Str("room_id", pl.RoomID).Logger()

	err := p.locks.WithLock(ctx, "chat_room_create:"+pl.RoomID, p.cfg.LockTTL, p.cfg.LockTimeout, func(ctx context.Context) error {
		ok, cur, err := p.sm.Transition(ctx, statemachine.Room, pl.RoomID, statemachine.Pending, statemachine.Processing, "pipeline")
		if err != nil {
			return err
		}
		if !ok && cur != statemachine.Processing && cur != statemachine.None {
			lg.Debug().Str("state", string(cur)).Msg("room not pending, create skipped")
			return nil
		}

		rows, err := p.db.CallShardProcedure(ctx, pl.ShardID, ProcRoomCreate,
			pl.RoomID, pl.OwnerAccountDBKey, pl.ShardID, pl.Title, pl.AIPersona)
		if err == nil {
			err = database.CheckResult(ProcRoomCreate, rows)
		}
		if err != nil {
			return err
		}
		ok, cur, err = p.sm.Transition(ctx, statemachine.Room, pl.RoomID, statemachine.Processing, statemachine.Active, "created")
		if err != nil || ok || cur != statemachine.Deleting {
			return err
		}
		// deleted while being created
		rows, err = p.db.CallShardProcedure(ctx, pl.ShardID, ProcRoomDelete, pl.RoomID, pl.OwnerAccountDBKey)
		if err == nil {
			err = database.CheckResult(ProcRoomDelete, rows)
		}
		if err != nil {
			return err
		}
		_, _, err = p.sm.Transition(ctx, statemachine.Room, pl.RoomID, statemachine.Deleting, statemachine.Deleted, "deferred delete")
		return err
	})
	if err != nil {
		lg.Error().Err(err).Msg("room create failed")
	}
	return err
}
