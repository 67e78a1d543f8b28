// Package database owns the global connection pool and one pool per active
// shard listed in the global shard directory.
//
// Entry points:
//   - CallGlobalProcedure / ExecuteGlobalQuery run against the global pool.
//   - CallShardProcedure / ExecuteShardQuery run against a shard pool.
//   - CallProcedureBySession routes to the caller's shard (global when the
//     caller has none).
//
// Every call flattens all result sets of the statement into a single Rows
// slice, preserving order. Errors that indicate a dropped connection trigger
// exactly one reopen-and-retry of the affected pool; anything else is
// returned to the caller. Inactive shards never get a pool and calls
// targeting them fail fast with ErrShardUnavailable.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-finassist-backend/internal/config"
	"github.com/tbourn/go-finassist-backend/internal/domain"
)

// GlobalTarget is the target label used for the global pool.
const GlobalTarget = -1

var (
	// ErrShardUnavailable is returned for shards that are unknown, inactive,
	// or whose pool could not be opened.
	ErrShardUnavailable = errors.New("shard unavailable")

	// ErrTimeout is returned when a call exceeds the query timeout.
	ErrTimeout = errors.New("database timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("database service closed")

	// ErrNoProcedure is returned on the sqlite driver for procedures with no
	// local implementation.
	ErrNoProcedure = errors.New("procedure not available")
)

var dbCallLat = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "db_call_duration_seconds",
		Help:    "Duration of database procedure and query calls.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"target", "kind", "outcome"},
)

var dbReconnects = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "db_reconnects_total",
		Help: "Pool reopen attempts triggered by lost connections.",
	},
	[]string{"target"},
)

func init() {
	prometheus.MustRegister(dbCallLat, dbReconnects)
}

// lostConnectionMarkers are substrings of driver errors that mean the
// connection is gone and a reopen may help.
var lostConnectionMarkers = []string{
	"server has gone away",
	"lost connection",
	"broken pipe",
	"reset by peer",
	"can't connect",
	"invalid connection",
	"bad connection",
}

// ProcFunc is a Go implementation of a stored procedure, used when the pool
// runs on sqlite (local development and tests) where CALL is unavailable.
type ProcFunc func(ctx context.Context, db *gorm.DB, params []any) (Rows, error)

// ShardRouted is implemented by callers that carry a shard assignment.
// A shard id <= 0 means "no shard".
type ShardRouted interface {
	GetShardID() int
}

// ---- TEST SEAM ----
// openPool opens a gorm handle for driver/dsn and applies pool settings.
var openPool = func(cfg config.DatabaseConfig, dsn string) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dial = sqlite.Open(dsn)
	default:
		dial = gormmysql.Open(dsn)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

type pool struct {
	db  *gorm.DB
	dsn string
}

// Service is the database service. It is safe for concurrent use.
type Service struct {
	cfg config.DatabaseConfig

	mu        sync.RWMutex
	global    *pool
	shards    map[int]*pool
	directory map[int]domain.Shard
	procs     map[string]ProcFunc
	retired   map[*sql.DB]*time.Timer
	closed    bool
}

// Open connects the global pool, loads the shard directory, and opens a pool
// for each active shard. A shard that fails to open is logged and left
// unavailable; other shards keep serving.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Service, error) {
	dsn, err := globalDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := openPool(cfg, dsn)
	if err != nil {
		return nil, fmt.Errorf("open global pool: %w", err)
	}
	if err := migrateLocal(cfg, db, domain.GlobalModels()); err != nil {
		_ = closePool(&pool{db: db})
		return nil, fmt.Errorf("migrate global: %w", err)
	}
	s := &Service{
		cfg:       cfg,
		global:    &pool{db: db, dsn: dsn},
		shards:    map[int]*pool{},
		directory: map[int]domain.Shard{},
		procs:     map[string]ProcFunc{},
		retired:   map[*sql.DB]*time.Timer{},
	}
	if err := s.RefreshShards(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// RegisterProcedure installs a Go implementation of a stored procedure for
// the sqlite driver. It has no effect on MySQL pools.
func (s *Service) RegisterProcedure(name string, fn ProcFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[strings.ToLower(name)] = fn
}

// RefreshShards re-reads the shard directory. Newly active shards are
// opened; shards that disappeared or turned inactive are closed.
func (s *Service) RefreshShards(ctx context.Context) error {
	global, err := s.Global()
	if err != nil {
		return err
	}
	var entries []domain.Shard
	if err := global.WithContext(ctx).Order("shard_id").Find(&entries).Error; err != nil {
		return fmt.Errorf("load shard directory: %w", err)
	}

	dir := make(map[int]domain.Shard, len(entries))
	for _, e := range entries {
		dir[e.ShardID] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for id, p := range s.shards {
		e, ok := dir[id]
		if ok && e.Active() && s.shardDSN(e) == p.dsn {
			continue
		}
		s.retireLocked(p.db)
		delete(s.shards, id)
		log.Info().Int("shard_id", id).Msg("shard pool retired")
	}
	for id, e := range dir {
		if !e.Active() {
			continue
		}
		if _, open := s.shards[id]; open {
			continue
		}
		dsn := s.shardDSN(e)
		db, err := openPool(s.cfg, dsn)
		if err == nil {
			if err = migrateLocal(s.cfg, db, domain.ShardModels()); err != nil {
				closePool(&pool{db: db})
			}
		}
		if err != nil {
			log.Error().Err(err).Int("shard_id", id).Msg("shard pool open failed")
			continue
		}
		s.shards[id] = &pool{db: db, dsn: dsn}
		log.Info().Int("shard_id", id).Str("host", e.Host).Msg("shard pool opened")
	}
	s.directory = dir
	return nil
}

// Global returns the global pool.
func (s *Service) Global() (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.global.db, nil
}

// Shard returns the pool of an active shard.
func (s *Service) Shard(id int) (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.shards[id]
	if !ok {
		return nil, fmt.Errorf("%w: shard %d", ErrShardUnavailable, id)
	}
	return p.db, nil
}

// ShardIDs returns the ids of shards with an open pool, ascending.
func (s *Service) ShardIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Directory returns a copy of the last loaded shard directory entry.
func (s *Service) Directory(id int) (domain.Shard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.directory[id]
	return e, ok
}

// CallGlobalProcedure runs CALL name(params...) on the global pool.
func (s *Service) CallGlobalProcedure(ctx context.Context, name string, params ...any) (Rows, error) {
	return s.call(ctx, GlobalTarget, "procedure", name, params)
}

// ExecuteGlobalQuery runs query on the global pool.
func (s *Service) ExecuteGlobalQuery(ctx context.Context, query string, params ...any) (Rows, error) {
	return s.call(ctx, GlobalTarget, "query", query, params)
}

// CallShardProcedure runs CALL name(params...) on shard shardID.
func (s *Service) CallShardProcedure(ctx context.Context, shardID int, name string, params ...any) (Rows, error) {
	return s.call(ctx, shardID, "procedure", name, params)
}

// ExecuteShardQuery runs query on shard shardID.
func (s *Service) ExecuteShardQuery(ctx context.Context, shardID int, query string, params ...any) (Rows, error) {
	return s.call(ctx, shardID, "query", query, params)
}

// CallProcedureBySession routes to the caller's shard, or to the global pool
// when the caller has no shard assignment.
func (s *Service) CallProcedureBySession(ctx context.Context, who ShardRouted, name string, params ...any) (Rows, error) {
	if who == nil || who.GetShardID() <= 0 {
		return s.CallGlobalProcedure(ctx, name, params...)
	}
	return s.CallShardProcedure(ctx, who.GetShardID(), name, params...)
}

// Close closes every pool. Further calls return ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for id, p := range s.shards {
		if err := closePool(p); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", id, err))
		}
	}
	s.shards = map[int]*pool{}
	if err := closePool(s.global); err != nil {
		errs = append(errs, fmt.Errorf("global: %w", err))
	}
	for sqlDB, t := range s.retired {
		t.Stop()
		_ = sqlDB.Close()
	}
	s.retired = map[*sql.DB]*time.Timer{}
	return errors.Join(errs...)
}

func (s *Service) call(ctx context.Context, target int, kind, stmt string, params []any) (Rows, error) {
	ctx, span := otel.Tracer("database").Start(ctx, "database."+kind)
	defer span.End()
	span.SetAttributes(
		attribute.Int("db.target", target),
		attribute.String("db.statement.name", stmtName(kind, stmt)),
	)

	start := time.Now()
	rows, err := s.callOnce(ctx, target, kind, stmt, params)
	if err != nil && isConnectionLost(err) {
		log.Warn().Err(err).Int("target", target).Msg("database connection lost; reconnecting")
		dbReconnects.WithLabelValues(targetLabel(target)).Inc()
		if rerr := s.reopen(target); rerr != nil {
			err = fmt.Errorf("%w (reconnect failed: %v)", err, rerr)
		} else {
			rows, err = s.callOnce(ctx, target, kind, stmt, params)
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	dbCallLat.WithLabelValues(targetLabel(target), kind, outcome).Observe(time.Since(start).Seconds())
	return rows, err
}

func (s *Service) callOnce(ctx context.Context, target int, kind, stmt string, params []any) (Rows, error) {
	var (
		db  *gorm.DB
		err error
	)
	if target == GlobalTarget {
		db, err = s.Global()
	} else {
		db, err = s.Shard(target)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	var rows Rows
	switch {
	case kind == "procedure" && s.cfg.Driver == "sqlite":
		s.mu.RLock()
		fn, ok := s.procs[strings.ToLower(stmt)]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoProcedure, stmt)
		}
		rows, err = fn(ctx, db.WithContext(ctx), params)
	case kind == "procedure":
		rows, err = queryRows(ctx, db, callStatement(stmt, len(params)), params)
	default:
		rows, err = queryRows(ctx, db, stmt, params)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return rows, err
}

// migrateLocal creates the schema on sqlite pools. MySQL schemas ship with
// their stored procedures and are never touched from here.
func migrateLocal(cfg config.DatabaseConfig, db *gorm.DB, models []any) error {
	if cfg.Driver != "sqlite" {
		return nil
	}
	return db.AutoMigrate(models...)
}

// reopen replaces the pool of target with a fresh one on the same DSN.
func (s *Service) reopen(target int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var p *pool
	if target == GlobalTarget {
		p = s.global
	} else {
		p = s.shards[target]
	}
	if p == nil {
		return fmt.Errorf("%w: shard %d", ErrShardUnavailable, target)
	}
	db, err := openPool(s.cfg, p.dsn)
	if err != nil {
		return err
	}
	s.retireLocked(p.db)
	p.db = db
	return nil
}

// retireGrace is how long a replaced pool stays open for callers that
// still hold its handle.
var retireGrace = 30 * time.Second

// retireLocked closes db after retireGrace. s.mu must be held.
func (s *Service) retireLocked(db *gorm.DB) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	s.retired[sqlDB] = time.AfterFunc(retireGrace, func() {
		s.mu.Lock()
		delete(s.retired, sqlDB)
		s.mu.Unlock()
		_ = sqlDB.Close()
	})
}

func (s *Service) shardDSN(e domain.Shard) string {
	if s.cfg.Driver == "sqlite" {
		return e.DBName
	}
	mc := mysqldrv.NewConfig()
	mc.User = e.User
	mc.Passwd = e.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", e.Host, e.Port)
	mc.DBName = e.DBName
	mc.ParseTime = true
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

func globalDSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.Driver == "sqlite" {
		return cfg.GlobalDSN, nil
	}
	mc, err := mysqldrv.ParseDSN(cfg.GlobalDSN)
	if err != nil {
		return "", fmt.Errorf("parse global dsn: %w", err)
	}
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}

// callStatement renders "CALL name(?, ?, ...)".
func callStatement(name string, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return "CALL " + name + "(" + strings.Join(ph, ", ") + ")"
}

// queryRows executes stmt and flattens every result set into one slice.
func queryRows(ctx context.Context, db *gorm.DB, stmt string, params []any) (Rows, error) {
	rs, err := db.WithContext(ctx).Raw(stmt, params...).Rows()
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out Rows
	for {
		cols, err := rs.Columns()
		if err != nil {
			return nil, err
		}
		for rs.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rs.Scan(ptrs...); err != nil {
				return nil, err
			}
			row := make(Row, len(cols))
			for i, c := range cols {
				row[c] = normalize(vals[i])
			}
			out = append(out, row)
		}
		if !rs.NextResultSet() {
			break
		}
	}
	return out, rs.Err()
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func isConnectionLost(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqldrv.ErrInvalidConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range lostConnectionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func closePool(p *pool) error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func targetLabel(target int) string {
	if target == GlobalTarget {
		return "global"
	}
	return fmt.Sprintf("shard_%d", target)
}

// stmtName keeps span attributes short: procedure names as-is, queries by
// their leading keyword.
func stmtName(kind, stmt string) string {
	if kind == "procedure" {
		return stmt
	}
	if f := strings.Fields(stmt); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return ""
}
