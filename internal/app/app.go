// Package app is the service container. It owns one instance of every core
// service, starts them in a fixed order, exposes them through accessors that
// fail until the service is ready, and stops them in reverse order.
//
// Order: logger → cache → database → lock → scheduler → queue → templates →
// consumers.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-finassist-backend/internal/assistant"
	"github.com/tbourn/go-finassist-backend/internal/cache"
	"github.com/tbourn/go-finassist-backend/internal/config"
	"github.com/tbourn/go-finassist-backend/internal/database"
	"github.com/tbourn/go-finassist-backend/internal/http/handlers"
	"github.com/tbourn/go-finassist-backend/internal/lock"
	"github.com/tbourn/go-finassist-backend/internal/logging"
	"github.com/tbourn/go-finassist-backend/internal/observability"
	"github.com/tbourn/go-finassist-backend/internal/outbox"
	"github.com/tbourn/go-finassist-backend/internal/pipeline"
	"github.com/tbourn/go-finassist-backend/internal/queue"
	"github.com/tbourn/go-finassist-backend/internal/repo"
	"github.com/tbourn/go-finassist-backend/internal/scheduler"
	"github.com/tbourn/go-finassist-backend/internal/sequence"
	"github.com/tbourn/go-finassist-backend/internal/services"
	"github.com/tbourn/go-finassist-backend/internal/session"
	"github.com/tbourn/go-finassist-backend/internal/statemachine"
	"github.com/tbourn/go-finassist-backend/internal/template"
)

// Service names, in initialization order. They key the readiness flags.
const (
	ServiceLogger    = "logger"
	ServiceCache     = "cache"
	ServiceDatabase  = "database"
	ServiceLock      = "lock"
	ServiceScheduler = "scheduler"
	ServiceQueue     = "queue"
	ServiceTemplates = "templates"
	ServiceConsumers = "consumers"
)

// JobShardRefresh reconciles the shard pools with the directory.
const JobShardRefresh = "db_shard_refresh"

// localShards is the shard count seeded for an empty LOCAL sqlite directory.
const localShards = 2

// ErrNotReady is returned by accessors of services that are not running.
var ErrNotReady = errors.New("service not initialized")

// newCache opens the Redis client. Tests swap it for miniredis.
var newCache = func(cfg config.Config) *cache.Client {
	return cache.New(cfg.Redis, cfg.KeyPrefix())
}

type stage struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// Container holds the process-wide services.
type Container struct {
	cfg     config.Config
	version string

	mu    sync.RWMutex
	ready map[string]bool

	otelShutdown observability.Shutdown
	cache        *cache.Client
	db           *database.Service
	locks        *lock.Service
	sched        *scheduler.Scheduler
	broker       *queue.Broker

	sessions     *session.Store
	seq          *sequence.Guard
	states       *statemachine.Machine
	registry     *template.Registry
	publisher    *outbox.Publisher
	account      *services.AccountService
	chat         *services.ChatService
	profile      *services.ProfileService
	orchestrator assistant.Orchestrator

	pipe       *pipeline.Pipeline
	consumerID string
}

// New returns a container with nothing started.
func New(cfg config.Config, version string) *Container {
	return &Container{
		cfg:        cfg,
		version:    version,
		ready:      map[string]bool{},
		consumerID: queue.NewConsumerID(),
	}
}

func (c *Container) stages() []stage {
	return []stage{
		{ServiceLogger, c.startLogger, c.stopLogger},
		{ServiceCache, c.startCache, c.stopCache},
		{ServiceDatabase, c.startDatabase, c.stopDatabase},
		{ServiceLock, c.startLock, c.stopLock},
		{ServiceScheduler, c.startScheduler, c.stopScheduler},
		{ServiceQueue, c.startQueue, c.stopQueue},
		{ServiceTemplates, c.startTemplates, c.stopTemplates},
		{ServiceConsumers, c.startConsumers, c.stopConsumers},
	}
}

// Init starts every service in order. On failure the services already
// started are stopped again and the error names the failing stage.
func (c *Container) Init(ctx context.Context) error {
	for _, s := range c.stages() {
		start := time.Now()
		if err := s.start(ctx); err != nil {
			_ = c.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("init %s: %w", s.name, err)
		}
		c.setReady(s.name, true)
		log.Info().Str("service", s.name).Dur("took", time.Since(start)).Msg("service initialized")
	}
	return nil
}

// Shutdown stops the running services in reverse order. Readiness flags
// drop before each service stops. Errors are joined; every stage runs.
func (c *Container) Shutdown(ctx context.Context) error {
	st := c.stages()
	var errs []error
	for i := len(st) - 1; i >= 0; i-- {
		s := st[i]
		if !c.IsReady(s.name) {
			continue
		}
		c.setReady(s.name, false)
		if err := s.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
			if s.name != ServiceLogger {
				log.Error().Err(err).Str("service", s.name).Msg("service close failed")
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Container) setReady(name string, ok bool) {
	c.mu.Lock()
	c.ready[name] = ok
	c.mu.Unlock()
}

// IsReady reports the readiness flag of one service.
func (c *Container) IsReady(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready[name]
}

// Flags returns a copy of every readiness flag.
func (c *Container) Flags() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.stages()))
	for _, s := range c.stages() {
		out[s.name] = c.ready[s.name]
	}
	return out
}

// Readiness implements handlers.ReadinessProbe.
func (c *Container) Readiness(ctx context.Context) handlers.ReadyReport {
	rep := handlers.ReadyReport{Ready: true, Services: c.Flags()}
	for _, ok := range rep.Services {
		if !ok {
			rep.Ready = false
		}
	}
	cc, err := c.Cache()
	if err != nil {
		rep.Ready = false
		return rep
	}
	h := cc.Health(ctx)
	rep.RedisLatencyMs = float64(h.Latency.Microseconds()) / 1000
	if !h.Reachable {
		rep.Ready = false
		rep.Error = "redis unreachable"
	}
	return rep
}

func notReady(name string) error { return fmt.Errorf("%w: %s", ErrNotReady, name) }

// Cache returns the Redis client.
func (c *Container) Cache() (*cache.Client, error) {
	if !c.IsReady(ServiceCache) {
		return nil, notReady(ServiceCache)
	}
	return c.cache, nil
}

// Database returns the sharded database service.
func (c *Container) Database() (*database.Service, error) {
	if !c.IsReady(ServiceDatabase) {
		return nil, notReady(ServiceDatabase)
	}
	return c.db, nil
}

// Locks returns the distributed lock service.
func (c *Container) Locks() (*lock.Service, error) {
	if !c.IsReady(ServiceLock) {
		return nil, notReady(ServiceLock)
	}
	return c.locks, nil
}

// Scheduler returns the job scheduler.
func (c *Container) Scheduler() (*scheduler.Scheduler, error) {
	if !c.IsReady(ServiceScheduler) {
		return nil, notReady(ServiceScheduler)
	}
	return c.sched, nil
}

// Queue returns the message broker.
func (c *Container) Queue() (*queue.Broker, error) {
	if !c.IsReady(ServiceQueue) {
		return nil, notReady(ServiceQueue)
	}
	return c.broker, nil
}

// Templates returns the protocol registry.
func (c *Container) Templates() (*template.Registry, error) {
	if !c.IsReady(ServiceTemplates) {
		return nil, notReady(ServiceTemplates)
	}
	return c.registry, nil
}

// HTTPDeps gathers the collaborators of the HTTP handlers.
func (c *Container) HTTPDeps() (handlers.Deps, error) {
	if !c.IsReady(ServiceConsumers) {
		return handlers.Deps{}, notReady(ServiceConsumers)
	}
	return handlers.Deps{
		Registry:       c.registry,
		Sessions:       c.sessions,
		Chat:           c.chat,
		Personas:       c.profile,
		Orchestrator:   c.orchestrator,
		Queues:         c.broker,
		Ready:          c,
		AllowedOrigins: c.cfg.CORS.AllowedOrigins,
		KnownQueues:    []string{pipeline.QueueName, ProfileEventsQueue},
		MaxReplyRunes:  c.cfg.Assistant.MaxReplyRunes,
	}, nil
}

//
// Stages
//

func (c *Container) startLogger(ctx context.Context) error {
	logging.Setup(c.cfg.Log, c.cfg.AppEnv, c.cfg.OTEL.ServiceName)
	shutdown, err := observability.SetupOTel(ctx, c.cfg.OTEL, c.cfg.AppEnv, c.version)
	if err != nil {
		logging.Close()
		return fmt.Errorf("tracing: %w", err)
	}
	c.otelShutdown = shutdown
	return nil
}

func (c *Container) stopLogger(ctx context.Context) error {
	var err error
	if c.otelShutdown != nil {
		err = c.otelShutdown(ctx)
	}
	logging.Close()
	return err
}

func (c *Container) startCache(ctx context.Context) error {
	cc := newCache(c.cfg)
	if h := cc.Health(ctx); !h.Reachable {
		_ = cc.Close()
		return fmt.Errorf("redis unreachable: %s", h.Error)
	}
	c.cache = cc
	return nil
}

func (c *Container) stopCache(context.Context) error { return c.cache.Close() }

func (c *Container) startDatabase(ctx context.Context) error {
	db, err := database.Open(ctx, c.cfg.Database)
	if err != nil {
		return err
	}
	repo.RegisterProcedures(db)

	if c.cfg.Database.Driver == "sqlite" && c.cfg.AppEnv == config.EnvLocal {
		global, err := db.Global()
		if err != nil {
			_ = db.Close()
			return err
		}
		n, err := repo.SeedLocalDirectory(ctx, global, c.cfg.Database.GlobalDSN, localShards)
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("seed local shards: %w", err)
		}
		if n > 0 {
			log.Info().Int("shards", n).Msg("seeded local shard directory")
			if err := db.RefreshShards(ctx); err != nil {
				_ = db.Close()
				return err
			}
		}
	}
	c.db = db
	return nil
}

func (c *Container) stopDatabase(context.Context) error { return c.db.Close() }

func (c *Container) startLock(context.Context) error {
	c.locks = lock.New(c.cache, c.cfg.Lock.PollInterval)
	return nil
}

// stopLock force-releases the locks this process still holds.
func (c *Container) stopLock(ctx context.Context) error {
	if n := c.locks.ReleaseAll(ctx); n > 0 {
		log.Warn().Int("locks", n).Msg("released held locks at shutdown")
	}
	return nil
}

func (c *Container) startScheduler(context.Context) error {
	c.sched = scheduler.New()
	if every := c.cfg.Database.RefreshInterval; every > 0 {
		err := c.sched.AddJob(scheduler.Job{
			ID:         JobShardRefresh,
			Name:       "shard directory refresh",
			Schedule:   scheduler.Interval(every),
			Fn:         c.db.RefreshShards,
			MaxRetries: 1,
		})
		if err != nil {
			return err
		}
	}
	err := c.sched.AddJob(scheduler.Job{
		ID:       JobShardStats,
		Name:     "shard row counts",
		Schedule: scheduler.Interval(shardStatsInterval),
		Fn:       collectShardStats(c.db),
	})
	if err != nil {
		return err
	}
	c.sched.Start()
	return nil
}

func (c *Container) stopScheduler(ctx context.Context) error { return c.sched.Close(ctx) }

func (c *Container) startQueue(context.Context) error {
	c.broker = queue.New(c.cache, c.locks, c.cfg.Queue)
	return nil
}

// stopQueue stops the broker workers. Consumers were drained before.
func (c *Container) stopQueue(ctx context.Context) error { return c.broker.Close(ctx) }

func (c *Container) startTemplates(context.Context) error {
	cfg := c.cfg
	c.sessions = session.NewStore(c.cache, cfg.Session.TTL)
	c.seq = sequence.New(c.cache, cfg.Session.CounterTTL, cfg.Session.MemoTTL)
	c.states = statemachine.New(c.cache, cfg.State.MessageTTL, cfg.State.RoomTTL)
	c.publisher = outbox.New(c.db, c.locks, cfg.Outbox)

	orch, err := assistant.New(cfg.Assistant)
	if err != nil {
		return err
	}
	c.orchestrator = orch

	c.registry = template.New(c.sessions, c.seq)
	c.account = services.NewAccountService(c.db, c.sessions, c.seq)
	c.chat = services.NewChatService(c.db, c.broker, c.states, c.cache, cfg.Pipeline.MaxContentRune, cfg.State.RoomTTL)
	c.profile = services.NewProfileService(c.db, c.publisher)

	for _, r := range []interface {
		Register(*template.Registry) error
	}{c.account, c.chat, c.profile} {
		if err := r.Register(c.registry); err != nil {
			return err
		}
	}
	log.Debug().Strs("handlers", c.registry.Handlers()).Msg("templates registered")
	return nil
}

func (c *Container) stopTemplates(context.Context) error {
	c.registry = nil
	return nil
}

func (c *Container) startConsumers(context.Context) error {
	c.pipe = pipeline.New(c.db, c.broker, c.locks, c.states, c.cfg.Pipeline)
	if err := c.pipe.Attach(c.broker, c.consumerID); err != nil {
		return err
	}
	if err := c.broker.RegisterConsumer(ProfileEventsQueue, c.consumerID, handleProfileEvent); err != nil {
		return err
	}
	c.publisher.Register(services.EventSettingsUpdated, relayTo(c.broker, ProfileEventsQueue))

	if err := c.pipe.RegisterJobs(c.sched); err != nil {
		return err
	}
	if err := c.publisher.RegisterJobs(c.sched); err != nil {
		return err
	}
	c.broker.Start()
	return nil
}

// stopConsumers stops the workers, then persists what the pipeline still
// buffers.
func (c *Container) stopConsumers(ctx context.Context) error {
	for _, id := range []string{pipeline.JobFlush, pipeline.JobSweep, outbox.JobPublish, outbox.JobCleanup} {
		c.sched.RemoveJob(id)
	}
	return errors.Join(c.broker.Close(ctx), c.pipe.Drain(ctx))
}
