package database

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-finassist-backend/internal/config"
	"github.com/tbourn/go-finassist-backend/internal/domain"
)

type fixture struct {
	cfg  config.DatabaseConfig
	seed *gorm.DB
}

func memDSN(t *testing.T, suffix string) string {
	return fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", t.Name(), suffix)
}

// newFixture seeds a global sqlite DB with a shard directory. The seed handle
// keeps the shared in-memory database alive for the duration of the test.
func newFixture(t *testing.T, shards ...domain.Shard) fixture {
	t.Helper()
	cfg := config.DatabaseConfig{
		Driver:       "sqlite",
		GlobalDSN:    memDSN(t, "global"),
		MaxOpenConns: 4,
		MaxIdleConns: 4,
		QueryTimeout: 2 * time.Second,
	}
	seed, err := gorm.Open(sqlite.Open(cfg.GlobalDSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open seed: %v", err)
	}
	if err := seed.AutoMigrate(domain.GlobalModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, s := range shards {
		if s.DBName == "" {
			s.DBName = memDSN(t, fmt.Sprintf("shard%d", s.ShardID))
		}
		if err := seed.Create(&s).Error; err != nil {
			t.Fatalf("seed shard: %v", err)
		}
	}
	t.Cleanup(func() {
		if sqlDB, err := seed.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return fixture{cfg: cfg, seed: seed}
}

func openService(t *testing.T, f fixture) *Service {
	t.Helper()
	s, err := Open(context.Background(), f.cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func shard(id int, status string) domain.Shard {
	return domain.Shard{ShardID: id, Host: "localhost", Port: 3306, User: "u", Status: status}
}

type routed int

func (r routed) GetShardID() int { return int(r) }

func TestOpen_InactiveShardIsNotConnected(t *testing.T) {
	f := newFixture(t, shard(1, domain.ShardActive), shard(2, domain.ShardActive), shard(3, domain.ShardInactive))
	s := openService(t, f)
	ctx := context.Background()

	if got := s.ShardIDs(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("ShardIDs = %v, want [1 2]", got)
	}

	if _, err := s.CallShardProcedure(ctx, 3, "fp_anything"); !errors.Is(err, ErrShardUnavailable) {
		t.Fatalf("shard 3 should be unavailable, got %v", err)
	}
	if _, err := s.CallProcedureBySession(ctx, routed(3), "fp_anything"); !errors.Is(err, ErrShardUnavailable) {
		t.Fatalf("session on shard 3 should fail fast, got %v", err)
	}

	rows, err := s.ExecuteShardQuery(ctx, 1, "SELECT 'SUCCESS' AS result")
	if err != nil {
		t.Fatalf("shard 1 query: %v", err)
	}
	if !rows.Succeeded() {
		t.Fatalf("rows = %v", rows)
	}
	if e, ok := s.Directory(3); !ok || e.Active() {
		t.Fatalf("directory should still list shard 3 as inactive: %+v %v", e, ok)
	}
}

func TestExecuteQuery_FlattensRowsAndNormalizesBytes(t *testing.T) {
	f := newFixture(t)
	s := openService(t, f)

	rows, err := s.ExecuteGlobalQuery(context.Background(),
		"SELECT 1 AS n, CAST('a' AS BLOB) AS b UNION ALL SELECT 2, CAST('b' AS BLOB)")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d", len(rows))
	}
	if rows[0].Int64("n") != 1 || rows[1].String("b") != "b" {
		t.Fatalf("rows = %v", rows)
	}
	if _, ok := rows[0]["b"].(string); !ok {
		t.Fatalf("[]byte should be normalized to string, got %T", rows[0]["b"])
	}
}

func TestCallProcedure_LocalImplementation(t *testing.T) {
	f := newFixture(t, shard(1, domain.ShardActive))
	s := openService(t, f)
	ctx := context.Background()

	var gotParams []any
	s.RegisterProcedure("fp_echo", func(ctx context.Context, db *gorm.DB, params []any) (Rows, error) {
		gotParams = params
		return Rows{{"result": ResultSuccess}}, nil
	})

	rows, err := s.CallShardProcedure(ctx, 1, "FP_ECHO", "a", 2)
	if err != nil || !rows.Succeeded() {
		t.Fatalf("call = %v %v", rows, err)
	}
	if !reflect.DeepEqual(gotParams, []any{"a", 2}) {
		t.Fatalf("params = %v", gotParams)
	}

	if _, err := s.CallGlobalProcedure(ctx, "fp_missing"); !errors.Is(err, ErrNoProcedure) {
		t.Fatalf("expected ErrNoProcedure, got %v", err)
	}
}

func TestCallProcedureBySession_Routes(t *testing.T) {
	f := newFixture(t, shard(1, domain.ShardActive))
	s := openService(t, f)

	sh, err := s.Shard(1)
	if err != nil {
		t.Fatalf("Shard(1): %v", err)
	}
	if err := sh.Exec("CREATE TABLE marker (x INTEGER)").Error; err != nil {
		t.Fatalf("create marker: %v", err)
	}

	var seen int64
	s.RegisterProcedure("fp_where", func(ctx context.Context, db *gorm.DB, params []any) (Rows, error) {
		if err := db.Raw("SELECT count(*) FROM sqlite_master WHERE name = 'marker'").Scan(&seen).Error; err != nil {
			return nil, err
		}
		return Rows{{"result": ResultSuccess}}, nil
	})

	if _, err := s.CallProcedureBySession(context.Background(), nil, "fp_where"); err != nil {
		t.Fatalf("global call: %v", err)
	}
	if seen != 0 {
		t.Fatalf("nil session should route to global")
	}
	if _, err := s.CallProcedureBySession(context.Background(), routed(1), "fp_where"); err != nil {
		t.Fatalf("shard call: %v", err)
	}
	if seen != 1 {
		t.Fatalf("session on shard 1 should route to shard 1")
	}
}

func TestCall_ReconnectsOnceOnLostConnection(t *testing.T) {
	f := newFixture(t, shard(1, domain.ShardActive))
	s := openService(t, f)

	opens := 0
	prev := openPool
	openPool = func(cfg config.DatabaseConfig, dsn string) (*gorm.DB, error) {
		opens++
		return prev(cfg, dsn)
	}
	t.Cleanup(func() { openPool = prev })

	calls := 0
	s.RegisterProcedure("fp_flaky", func(ctx context.Context, db *gorm.DB, params []any) (Rows, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("write tcp: broken pipe")
		}
		return Rows{{"result": ResultSuccess}}, nil
	})
	rows, err := s.CallShardProcedure(context.Background(), 1, "fp_flaky")
	if err != nil || !rows.Succeeded() {
		t.Fatalf("expected success after reconnect, got %v %v", rows, err)
	}
	if calls != 2 || opens != 1 {
		t.Fatalf("calls=%d opens=%d, want 2 and 1", calls, opens)
	}

	// Still failing after the reconnect: surfaced to the caller.
	s.RegisterProcedure("fp_dead", func(ctx context.Context, db *gorm.DB, params []any) (Rows, error) {
		return nil, errors.New("server has gone away")
	})
	if _, err := s.CallShardProcedure(context.Background(), 1, "fp_dead"); err == nil {
		t.Fatalf("expected error when retry also fails")
	}

	// Non-connection errors are not retried.
	calls = 0
	s.RegisterProcedure("fp_bad", func(ctx context.Context, db *gorm.DB, params []any) (Rows, error) {
		calls++
		return nil, errors.New("syntax error")
	})
	if _, err := s.CallShardProcedure(context.Background(), 1, "fp_bad"); err == nil || calls != 1 {
		t.Fatalf("non-connection error must not retry: calls=%d err=%v", calls, err)
	}
}

func TestReopen_OldHandleStaysUsableUntilRetired(t *testing.T) {
	prev := retireGrace
	retireGrace = 50 * time.Millisecond
	t.Cleanup(func() { retireGrace = prev })

	f := newFixture(t, shard(1, domain.ShardActive))
	s := openService(t, f)
	old, err := s.Shard(1)
	if err != nil {
		t.Fatalf("Shard: %v", err)
	}

	if err := s.reopen(1); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cur, _ := s.Shard(1)
	if cur == old {
		t.Fatalf("reopen kept the old handle")
	}
	// a caller that fetched the handle before the swap can finish its query
	var one int
	if err := old.Raw("SELECT 1").Scan(&one).Error; err != nil || one != 1 {
		t.Fatalf("old handle right after reopen: %v", err)
	}

	oldSQL, _ := old.DB()
	deadline := time.Now().Add(3 * time.Second)
	for oldSQL.Ping() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("retired pool was never closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := cur.Raw("SELECT 1").Scan(&one).Error; err != nil {
		t.Fatalf("new handle: %v", err)
	}
}

func TestRefreshShards_OpensAndCloses(t *testing.T) {
	f := newFixture(t, shard(1, domain.ShardActive), shard(2, domain.ShardInactive))
	s := openService(t, f)

	if err := f.seed.Model(&domain.Shard{}).Where("shard_id = ?", 1).Update("status", domain.ShardInactive).Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.seed.Model(&domain.Shard{}).Where("shard_id = ?", 2).Update("status", domain.ShardActive).Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.RefreshShards(context.Background()); err != nil {
		t.Fatalf("RefreshShards: %v", err)
	}
	if got := s.ShardIDs(); !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("ShardIDs = %v, want [2]", got)
	}
	if _, err := s.Shard(1); !errors.Is(err, ErrShardUnavailable) {
		t.Fatalf("shard 1 should be closed, got %v", err)
	}
}

func TestClose_RejectsFurtherCalls(t *testing.T) {
	f := newFixture(t)
	s, err := Open(context.Background(), f.cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ExecuteGlobalQuery(context.Background(), "SELECT 1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestHelpers(t *testing.T) {
	if got := callStatement("fp_x", 3); got != "CALL fp_x(?, ?, ?)" {
		t.Fatalf("callStatement = %q", got)
	}
	if got := callStatement("fp_y", 0); got != "CALL fp_y()" {
		t.Fatalf("callStatement = %q", got)
	}
	for _, msg := range []string{"MySQL server has gone away", "Lost connection to MySQL", "read: connection reset by peer"} {
		if !isConnectionLost(errors.New(msg)) {
			t.Fatalf("%q should be a lost connection", msg)
		}
	}
	if isConnectionLost(errors.New("duplicate entry")) {
		t.Fatalf("duplicate entry is not a lost connection")
	}
	if stmtName("query", "  select 1") != "SELECT" || stmtName("procedure", "fp_a") != "fp_a" {
		t.Fatalf("stmtName unexpected")
	}
}

func TestGlobalDSN_MySQLForcesParseTime(t *testing.T) {
	dsn, err := globalDSN(config.DatabaseConfig{Driver: "mysql", GlobalDSN: "u:p@tcp(db:3306)/g"})
	if err != nil {
		t.Fatalf("globalDSN: %v", err)
	}
	if !strings.HasPrefix(dsn, "u:p@tcp(db:3306)/g?") || !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("dsn = %q", dsn)
	}
	s := &Service{cfg: config.DatabaseConfig{Driver: "mysql"}}
	got := s.shardDSN(domain.Shard{Host: "h", Port: 3307, DBName: "s1", User: "u", Password: "p"})
	if !strings.HasPrefix(got, "u:p@tcp(h:3307)/s1?") || !strings.Contains(got, "parseTime=true") || !strings.Contains(got, "charset=utf8mb4") {
		t.Fatalf("shardDSN = %q", got)
	}
}
