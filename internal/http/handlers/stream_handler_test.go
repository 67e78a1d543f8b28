package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbourn/go-finassist-backend/internal/assistant"
	"github.com/tbourn/go-finassist-backend/internal/domain"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/session"
)

type fixedPersona string

func (p fixedPersona) Persona(context.Context, *session.Session) string { return string(p) }

type brokenOrchestrator struct{}

func (brokenOrchestrator) Stream(_ context.Context, _ assistant.Request, emit assistant.Emit) error {
	if err := emit("partial"); err != nil {
		return err
	}
	return errors.New("model backend down")
}

func streamServer(t *testing.T, d Deps) string {
	t.Helper()
	srv := httptest.NewServer(newEngine(New(d)))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
}

func dial(t *testing.T, url string, first any) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if first != nil {
		if err := conn.WriteJSON(first); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return conn
}

// readAll collects text frames until the server closes.
func readAll(t *testing.T, conn *websocket.Conn) ([]string, *websocket.CloseError) {
	t.Helper()
	var frames []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return frames, ce
			}
			t.Fatalf("read: %v", err)
		}
		frames = append(frames, string(data))
	}
}

func testSessions() fakeSessions {
	return fakeSessions{"good": {Token: "good", AccountDBKey: 7, AccountID: "alice", ShardID: 1}}
}

func TestStream_EchoRoundTrip(t *testing.T) {
	chat := &fakeChat{}
	url := streamServer(t, Deps{
		Sessions:     testSessions(),
		Chat:         chat,
		Personas:     fixedPersona("Penny"),
		Orchestrator: assistant.Echo{},
	})

	conn := dial(t, url, protocol.StreamRequest{AccessToken: "good", RoomID: "r1", Content: "budget tips"})
	frames, ce := readAll(t, conn)

	if ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d", ce.Code)
	}
	if len(frames) < 2 || frames[len(frames)-1] != protocol.StreamDone {
		t.Fatalf("frames = %q", frames)
	}
	reply := strings.Join(frames[:len(frames)-1], "")
	if reply != "Penny here. You asked: budget tips" {
		t.Fatalf("reply = %q", reply)
	}

	posts, titled := chat.snapshot()
	if len(posts) != 2 {
		t.Fatalf("posts = %+v", posts)
	}
	if posts[0].Sender != domain.SenderUser || posts[0].Content != "budget tips" {
		t.Fatalf("user post = %+v", posts[0])
	}
	if posts[1].Sender != domain.SenderAI || posts[1].Content != reply || posts[1].ParentMessageID != "m1" {
		t.Fatalf("ai post = %+v", posts[1])
	}
	if posts[1].Metadata != nil {
		t.Fatalf("complete reply marked partial")
	}
	if len(titled) != 1 || titled[0] != "r1" {
		t.Fatalf("auto title = %v", titled)
	}
}

func TestStream_Rejections(t *testing.T) {
	cases := []struct {
		name      string
		chat      *fakeChat
		first     any
		raw       string
		wantCode  protocol.Code
		wantClose int
	}{
		{"bad frame", &fakeChat{}, nil, "not json", protocol.InvalidArgument, websocket.CloseUnsupportedData},
		{"bad token", &fakeChat{}, protocol.StreamRequest{AccessToken: "nope", RoomID: "r1", Content: "hi"}, "", protocol.SessionExpired, websocket.ClosePolicyViolation},
		{"room rejected", &fakeChat{failFor: domain.SenderUser}, protocol.StreamRequest{AccessToken: "good", RoomID: "r1", Content: "hi"}, "", protocol.RoomNotFound, websocket.ClosePolicyViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := streamServer(t, Deps{Sessions: testSessions(), Chat: tc.chat, Orchestrator: assistant.Echo{}})
			conn := dial(t, url, tc.first)
			if tc.raw != "" {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(tc.raw)); err != nil {
					t.Fatal(err)
				}
			}
			frames, ce := readAll(t, conn)
			if len(frames) != 1 {
				t.Fatalf("frames = %q", frames)
			}
			var env protocol.ErrorResponse
			if err := json.Unmarshal([]byte(frames[0]), &env); err != nil {
				t.Fatal(err)
			}
			if env.ErrorCode != tc.wantCode {
				t.Fatalf("errorCode = %d, want %d", env.ErrorCode, tc.wantCode)
			}
			if ce.Code != tc.wantClose {
				t.Fatalf("close = %d, want %d", ce.Code, tc.wantClose)
			}
			if posts, _ := tc.chat.snapshot(); len(posts) != 0 {
				t.Fatalf("unexpected posts %+v", posts)
			}
		})
	}
}

func TestStream_OrchestratorFailureKeepsPartialReply(t *testing.T) {
	chat := &fakeChat{}
	url := streamServer(t, Deps{Sessions: testSessions(), Chat: chat, Orchestrator: brokenOrchestrator{}})

	conn := dial(t, url, protocol.StreamRequest{AccessToken: "good", RoomID: "r1", Content: "hi"})
	frames, ce := readAll(t, conn)

	if len(frames) != 2 || frames[0] != "partial" || !strings.Contains(frames[1], `"errorCode":1009`) {
		t.Fatalf("frames = %q", frames)
	}
	if strings.Contains(frames[1], "model backend down") {
		t.Fatalf("internal error leaked: %s", frames[1])
	}
	if ce.Code != websocket.CloseTryAgainLater {
		t.Fatalf("close = %d", ce.Code)
	}
	posts, _ := chat.snapshot()
	if len(posts) != 2 || posts[1].Content != "partial" || posts[1].Metadata["partial"] != true {
		t.Fatalf("posts = %+v", posts)
	}
}

func TestStream_NotReady(t *testing.T) {
	w := httptest.NewRecorder()
	newEngine(New(Deps{})).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := New(Deps{AllowedOrigins: []string{"https://app.example.com"}})
	req := func(origin, host string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://"+host+"/api/v1/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	if !h.checkOrigin(req("https://app.example.com", "api.example.com")) {
		t.Fatalf("allowed origin rejected")
	}
	if !h.checkOrigin(req("", "api.example.com")) {
		t.Fatalf("missing origin rejected")
	}
	if !h.checkOrigin(req("http://api.example.com", "api.example.com")) {
		t.Fatalf("same host rejected")
	}
	if h.checkOrigin(req("https://evil.example.com", "api.example.com")) {
		t.Fatalf("foreign origin accepted")
	}
	if !New(Deps{AllowedOrigins: []string{"*"}}).checkOrigin(req("https://evil.example.com", "x")) {
		t.Fatalf("wildcard rejected")
	}
}

func TestStream_ReplyLimit(t *testing.T) {
	chat := &fakeChat{}
	url := streamServer(t, Deps{Sessions: testSessions(), Chat: chat, Orchestrator: assistant.Echo{}, MaxReplyRunes: 10})

	conn := dial(t, url, protocol.StreamRequest{AccessToken: "good", RoomID: "r1", Content: "a long question"})
	frames, ce := readAll(t, conn)

	if ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("close = %d", ce.Code)
	}
	if len(frames) != 2 || frames[0] != "Assistant" || frames[1] != protocol.StreamDone {
		t.Fatalf("frames = %q", frames)
	}
	posts, _ := chat.snapshot()
	if len(posts) != 2 || posts[1].Content != "Assistant" || posts[1].Metadata["truncated"] != true {
		t.Fatalf("posts = %+v", posts)
	}
}
