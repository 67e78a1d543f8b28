// Package outbox couples business writes with event publication.
//
// An event row is inserted with the transaction of the business write, so
// it exists iff the business row was committed. The publisher polls the
// global database and every active shard, hands each deliverable row to the
// handler registered for its event type, and records the outcome:
//
//	handler ok                        -> PUBLISHED, published_at set
//	handler error, attempts+1 < max   -> RETRY
//	handler error, attempts+1 >= max  -> FAILED
//
// A cleanup job deletes PUBLISHED rows older than the retention period.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-finassist-backend/internal/config"
	"github.com/tbourn/go-finassist-backend/internal/database"
	"github.com/tbourn/go-finassist-backend/internal/domain"
	"github.com/tbourn/go-finassist-backend/internal/lock"
	"github.com/tbourn/go-finassist-backend/internal/repo"
	"github.com/tbourn/go-finassist-backend/internal/scheduler"
)

// Scheduler job ids.
const (
	JobPublish = "outbox_publish"
	JobCleanup = "outbox_cleanup"
)

// ErrInvalidEvent is returned by Write for events missing a type or
// aggregate.
var ErrInvalidEvent = errors.New("invalid outbox event")

var (
	outboxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox events by outcome (written|published|retry|failed|skipped).",
		},
		[]string{"outcome"},
	)
	outboxCleaned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_cleanup_deleted_total",
		Help: "Published outbox rows removed by the retention job.",
	})
)

func init() {
	prometheus.MustRegister(outboxEvents, outboxCleaned)
}

// Event is what a business operation emits.
type Event struct {
	ID            string // optional; generated when empty
	Type          string
	AggregateID   string
	AggregateType string
	Payload       any
}

// Handler delivers one event. A nil return publishes the row.
type Handler func(ctx context.Context, e domain.OutboxEvent) error

// Source is the slice of the database service the publisher polls.
type Source interface {
	Global() (*gorm.DB, error)
	Shard(id int) (*gorm.DB, error)
	ShardIDs() []int
}

// Result summarises one publish pass.
type Result struct {
	Published int
	Retried   int
	Failed    int
	Skipped   int
}

func (r *Result) add(o Result) {
	r.Published += o.Published
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

// Transact runs fn inside one transaction on db. Business rows and the
// events written through tx commit or roll back together.
func Transact(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}

// Publisher owns the handler registry and the publish/cleanup jobs.
type Publisher struct {
	src   Source
	locks *lock.Service
	cfg   config.OutboxConfig
	now   func() time.Time

	handlers map[string]Handler
}

// New returns a publisher. locks may be nil when only one instance runs.
func New(src Source, locks *lock.Service, cfg config.OutboxConfig) *Publisher {
	if cfg.LimitPerShard < 1 {
		cfg.LimitPerShard = 100
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetentionDays < 1 {
		cfg.RetentionDays = 7
	}
	return &Publisher{src: src, locks: locks, cfg: cfg, now: time.Now, handlers: map[string]Handler{}}
}

// Register sets the handler of eventType. Handlers are registered during
// startup, before the publish job runs.
func (p *Publisher) Register(eventType string, h Handler) {
	p.handlers[eventType] = h
}

// Write inserts e as PENDING through tx. It must be called with the
// transaction of the business write.
func (p *Publisher) Write(ctx context.Context, tx *gorm.DB, e Event) (*domain.OutboxEvent, error) {
	if e.Type == "" || e.AggregateID == "" || e.AggregateType == "" {
		return nil, ErrInvalidEvent
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := p.now().UTC()
	row := &domain.OutboxEvent{
		ID:            id,
		EventType:     e.Type,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Payload:       string(body),
		Status:        domain.OutboxPending,
		MaxAttempts:   p.cfg.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := repo.InsertOutbox(ctx, tx, row); err != nil {
		return nil, err
	}
	outboxEvents.WithLabelValues("written").Inc()
	return row, nil
}

// RegisterJobs adds the publish (interval) and cleanup (cron) jobs.
func (p *Publisher) RegisterJobs(s *scheduler.Scheduler) error {
	err := s.AddJob(scheduler.Job{
		ID:       JobPublish,
		Schedule: scheduler.Interval(p.cfg.PollInterval),
		Fn: func(ctx context.Context) error {
			_, err := p.Publish(ctx)
			return err
		},
	})
	if err != nil || p.cfg.CleanupCron == "" {
		return err
	}
	return s.AddJob(scheduler.Job{
		ID:         JobCleanup,
		Schedule:   scheduler.Cron(p.cfg.CleanupCron),
		MaxRetries: 1,
		Fn: func(ctx context.Context) error {
			_, err := p.Cleanup(ctx)
			return err
		},
	})
}

type target struct {
	id int
	db *gorm.DB
}

// targets returns the global database followed by every connected shard.
// Unavailable shards are logged and skipped.
func (p *Publisher) targets() []target {
	var out []target
	if db, err := p.src.Global(); err == nil {
		out = append(out, target{id: database.GlobalTarget, db: db})
	} else {
		log.Warn().Err(err).Msg("outbox: global database unavailable")
	}
	for _, id := range p.src.ShardIDs() {
		db, err := p.src.Shard(id)
		if err != nil {
			log.Warn().Err(err).Int("shard_id", id).Msg("outbox: shard unavailable")
			continue
		}
		out = append(out, target{id: id, db: db})
	}
	return out
}

func targetName(id int) string {
	if id == database.GlobalTarget {
		return "global"
	}
	return fmt.Sprintf("shard_%d", id)
}

// Publish runs one pass over every target. Errors of one target do not stop
// the others; they are joined in the returned error.
func (p *Publisher) Publish(ctx context.Context) (Result, error) {
	tr := otel.Tracer("outbox")
	ctx, span := tr.Start(ctx, "Publisher.Publish")
	defer span.End()

	var total Result
	var errs []error
	for _, t := range p.targets() {
		r, err := p.publishTarget(ctx, t)
		total.add(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", targetName(t.id), err))
		}
	}
	span.SetAttributes(
		attribute.Int("published", total.Published),
		attribute.Int("retried", total.Retried),
		attribute.Int("failed", total.Failed),
	)
	return total, errors.Join(errs...)
}

func (p *Publisher) publishTarget(ctx context.Context, t target) (Result, error) {
	var r Result
	lg := log.With().Str("target", targetName(t.id)).Logger()

	if p.locks != nil {
		name := "outbox_publish:" + targetName(t.id)
		ttl := 2 * p.cfg.PollInterval
		if ttl < 30*time.Second {
			ttl = 30 * time.Second
		}
		token, ok, err := p.locks.Acquire(ctx, name, ttl, 0)
		if err != nil {
			return r, err
		}
		if !ok {
			// another instance is publishing this target
			return r, nil
		}
		defer p.locks.Release(context.WithoutCancel(ctx), name, token)
	}

	types := p.eventTypes()
	unhandled, err := repo.CountDeliverableExcept(ctx, t.db, types)
	if err != nil {
		return r, err
	}
	if unhandled > 0 {
		lg.Warn().Int64("events", unhandled).Msg("no outbox handler registered, left pending")
		outboxEvents.WithLabelValues("skipped").Add(float64(unhandled))
		r.Skipped = int(unhandled)
	}
	if len(types) == 0 {
		return r, nil
	}

	rows, err := repo.ListDeliverable(ctx, t.db, p.cfg.LimitPerShard, types...)
	if err != nil {
		return r, err
	}
	for _, e := range rows {
		h := p.handlers[e.EventType]

		if herr := deliver(ctx, h, e); herr != nil {
			status, err := repo.MarkOutboxAttemptFailed(ctx, t.db, e, herr.Error(), p.now().UTC())
			if err != nil {
				return r, err
			}
			lg.Warn().Err(herr).Str("event_id", e.ID).Str("status", status).Int("attempts", e.Attempts+1).Msg("outbox delivery failed")
			if status == domain.OutboxFailed {
				outboxEvents.WithLabelValues("failed").Inc()
				r.Failed++
			} else {
				outboxEvents.WithLabelValues("retry").Inc()
				r.Retried++
			}
			continue
		}

		if _, err := repo.MarkOutboxPublished(ctx, t.db, e.ID, p.now().UTC()); err != nil {
			return r, err
		}
		outboxEvents.WithLabelValues("published").Inc()
		r.Published++
	}
	return r, nil
}

// eventTypes lists the registered event types in a stable order.
func (p *Publisher) eventTypes() []string {
	out := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func deliver(ctx context.Context, h Handler, e domain.OutboxEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, e)
}

// Cleanup deletes PUBLISHED rows older than the retention period on every
// target and returns how many were removed.
func (p *Publisher) Cleanup(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().AddDate(0, 0, -p.cfg.RetentionDays)
	var total int64
	var errs []error
	for _, t := range p.targets() {
		n, err := repo.DeletePublishedBefore(ctx, t.db, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", targetName(t.id), err))
			continue
		}
		total += n
	}
	outboxCleaned.Add(float64(total))
	if total > 0 {
		log.Info().Int64("deleted", total).Time("cutoff", cutoff).Msg("outbox cleanup")
	}
	return total, errors.Join(errs...)
}
