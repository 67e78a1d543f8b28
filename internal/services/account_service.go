// Package services – AccountService
//
// This file implements the ACCOUNT template: login, logout and heartbeat.
// Login resolves the account through the global procedure fp_user_login,
// which registers unknown accounts on an active shard. When the directory
// returns a password hash it is checked with bcrypt. A successful login
// creates the Redis session and issues the first sequence.
package services

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/tbourn/go-finassist-backend/internal/database"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/repo"
	"github.com/tbourn/go-finassist-backend/internal/session"
	"github.com/tbourn/go-finassist-backend/internal/template"
)

// GlobalCaller runs procedures on the global database.
type GlobalCaller interface {
	CallGlobalProcedure(ctx context.Context, name string, params ...any) (database.Rows, error)
}

// SessionStore creates and removes sessions.
type SessionStore interface {
	Create(ctx context.Context, accountDBKey int64, accountID string, shardID int) (*session.Session, error)
	Delete(ctx context.Context, token string) error
}

// SequenceIssuer starts and drops per-session counters.
type SequenceIssuer interface {
	Issue(ctx context.Context, token string) (int64, error)
	Drop(ctx context.Context, token string) error
}

// AccountService implements the ACCOUNT template.
type AccountService struct {
	DB       GlobalCaller
	Sessions SessionStore
	Seq      SequenceIssuer

	// BcryptCost is used to hash the password of new accounts.
	BcryptCost int
	// Now is the clock used for heartbeats.
	Now func() time.Time
}

// NewAccountService wires an AccountService with the default bcrypt cost.
func NewAccountService(db GlobalCaller, sessions SessionStore, seq SequenceIssuer) *AccountService {
	return &AccountService{DB: db, Sessions: sessions, Seq: seq, BcryptCost: bcrypt.DefaultCost, Now: time.Now}
}

// Register binds the ACCOUNT handlers. Login is public.
func (s *AccountService) Register(r *template.Registry) error {
	if err := template.Register(r, protocol.TemplateAccount, protocol.MsgLogin, s.Login, template.Public()); err != nil {
		return err
	}
	if err := template.Register(r, protocol.TemplateAccount, protocol.MsgLogout, s.Logout); err != nil {
		return err
	}
	return template.Register(r, protocol.TemplateAccount, protocol.MsgHeartbeat, s.Heartbeat)
}

// Login authenticates the account, creates a session and returns the first
// sequence the client must send.
func (s *AccountService) Login(ctx context.Context, _ *template.Call, req *protocol.LoginRequest) (*protocol.LoginResponse, error) {
	tr := otel.Tracer("services/AccountService")
	ctx, span := tr.Start(ctx, "Login", trace.WithAttributes(attribute.String("account.id", req.AccountID)))
	defer span.End()

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" || req.Password == "" {
		return nil, ErrMissingCredentials
	}

	// hash for the auto-registration path; ignored for known accounts
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.BcryptCost)
	if err != nil {
		return nil, ErrMissingCredentials
	}
	rows, err := s.DB.CallGlobalProcedure(ctx, repo.ProcUserLogin, accountID, string(hash))
	if err != nil {
		return nil, translate(err)
	}
	if err := database.CheckResult(repo.ProcUserLogin, rows); err != nil {
		return nil, procError(err)
	}
	row, _ := rows.First()

	if row.Int64("created") == 0 {
		if stored := row.String("password_hash"); stored != "" {
			if bcrypt.CompareHashAndPassword([]byte(stored), []byte(req.Password)) != nil {
				return nil, ErrBadCredentials
			}
		}
	}

	sess, err := s.Sessions.Create(ctx, row.Int64("account_db_key"), row.String("account_id"), int(row.Int64("shard_id")))
	if err != nil {
		return nil, translate(err)
	}
	seq, err := s.Seq.Issue(ctx, sess.Token)
	if err != nil {
		_ = s.Sessions.Delete(context.WithoutCancel(ctx), sess.Token)
		return nil, translate(err)
	}
	span.SetAttributes(attribute.Int("shard.id", sess.ShardID))

	resp := &protocol.LoginResponse{
		AccessToken:  sess.Token,
		AccountDBKey: sess.AccountDBKey,
		ShardID:      sess.ShardID,
	}
	resp.Sequence = seq
	return resp, nil
}

// Logout removes the session and its counter.
func (s *AccountService) Logout(ctx context.Context, call *template.Call, _ *protocol.LogoutRequest) (*protocol.LogoutResponse, error) {
	if err := s.Sessions.Delete(ctx, call.Session.Token); err != nil {
		return nil, translate(err)
	}
	if err := s.Seq.Drop(ctx, call.Session.Token); err != nil {
		return nil, translate(err)
	}
	return &protocol.LogoutResponse{}, nil
}

// Heartbeat keeps the session alive; the session lookup already refreshed
// its TTL.
func (s *AccountService) Heartbeat(_ context.Context, _ *template.Call, _ *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	return &protocol.HeartbeatResponse{ServerTime: s.Now().UTC()}, nil
}
