package services

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/sequence"
	"github.com/tbourn/go-finassist-backend/internal/session"
	"github.com/tbourn/go-finassist-backend/internal/template"
)

type accountEnv struct {
	svc      *AccountService
	sessions *session.Store
	guard    *sequence.Guard
}

func newAccountEnv(t *testing.T) accountEnv {
	t.Helper()
	db := newLocalService(t, 2)
	_, c := newTestCache(t)
	sessions := session.NewStore(c, time.Hour)
	guard := sequence.New(c, 30*time.Minute, 15*time.Second)
	svc := NewAccountService(db, sessions, guard)
	svc.BcryptCost = bcrypt.MinCost
	svc.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return accountEnv{svc: svc, sessions: sessions, guard: guard}
}

func TestLogin_RegistersThenAuthenticates(t *testing.T) {
	e := newAccountEnv(t)
	ctx := context.Background()

	first, err := e.svc.Login(ctx, &template.Call{}, &protocol.LoginRequest{AccountID: " alice ", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if first.AccessToken == "" || first.AccountDBKey == 0 || first.ShardID < 1 || first.Sequence < 1 {
		t.Fatalf("login = %+v", first)
	}
	sess, err := e.sessions.Get(ctx, first.AccessToken)
	if err != nil || sess.AccountID != "alice" || sess.ShardID != first.ShardID {
		t.Fatalf("session = %+v, %v", sess, err)
	}

	again, err := e.svc.Login(ctx, &template.Call{}, &protocol.LoginRequest{AccountID: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if again.AccountDBKey != first.AccountDBKey || again.AccessToken == first.AccessToken {
		t.Fatalf("second login = %+v", again)
	}

	_, err = e.svc.Login(ctx, &template.Call{}, &protocol.LoginRequest{AccountID: "alice", Password: "wrong"})
	wantCode(t, err, protocol.NotAuthorized)
}

func TestLogin_SpreadsAccountsOverShards(t *testing.T) {
	e := newAccountEnv(t)
	ctx := context.Background()
	seen := map[int]bool{}
	for _, id := range []string{"a", "b", "c", "d"} {
		resp, err := e.svc.Login(ctx, &template.Call{}, &protocol.LoginRequest{AccountID: id, Password: "pw"})
		if err != nil {
			t.Fatalf("Login %s: %v", id, err)
		}
		seen[resp.ShardID] = true
	}
	if len(seen) != 2 {
		t.Fatalf("shards used = %v", seen)
	}
}

func TestLogin_MissingCredentials(t *testing.T) {
	e := newAccountEnv(t)
	for _, req := range []protocol.LoginRequest{{AccountID: "  ", Password: "x"}, {AccountID: "bob"}} {
		req := req
		_, err := e.svc.Login(context.Background(), &template.Call{}, &req)
		wantCode(t, err, protocol.InvalidArgument)
	}
}

func TestLogout_RemovesSessionAndCounter(t *testing.T) {
	e := newAccountEnv(t)
	ctx := context.Background()
	login, err := e.svc.Login(ctx, &template.Call{}, &protocol.LoginRequest{AccountID: "carol", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	sess, _ := e.sessions.Get(ctx, login.AccessToken)

	if _, err := e.svc.Logout(ctx, &template.Call{Session: sess}, &protocol.LogoutRequest{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := e.sessions.Get(ctx, login.AccessToken); protocol.CodeOf(err) != protocol.SessionExpired {
		t.Fatalf("session still valid: %v", err)
	}
	if _, err := e.guard.Begin(ctx, login.AccessToken, "/x", login.Sequence); protocol.CodeOf(err) != protocol.SessionExpired {
		t.Fatalf("counter still present: %v", err)
	}
}

func TestHeartbeat_ReportsServerTime(t *testing.T) {
	e := newAccountEnv(t)
	resp, err := e.svc.Heartbeat(context.Background(), &template.Call{}, &protocol.HeartbeatRequest{})
	if err != nil || !resp.ServerTime.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("heartbeat = %+v, %v", resp, err)
	}
}

func TestAccountService_Register(t *testing.T) {
	e := newAccountEnv(t)
	r := template.New(e.sessions, e.guard)
	if err := e.svc.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// login is reachable without a session through the dispatcher
	res := r.Dispatch(context.Background(), protocol.TemplateAccount, protocol.MsgLogin, "/login", []byte(`{"accountId":"dave","password":"pw"}`))
	if res.Code != protocol.OK {
		t.Fatalf("dispatch login = %s", res.Body)
	}
}
