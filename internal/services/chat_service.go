// Package services – ChatService
//
// This file implements the room half of the CHAT template. Rooms are created
// asynchronously: room_create records PENDING in the state machine, writes
// the owner key, and queues CHAT_ROOM_CREATE for the persistence pipeline.
// Listings and lookups read the owner's shard directly.
//
// Ownership is checked against the Redis owner key first, so a room can be
// used before its row reaches the shard, and against the shard otherwise.
package services

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-finassist-backend/internal/cache"
	"github.com/tbourn/go-finassist-backend/internal/database"
	"github.com/tbourn/go-finassist-backend/internal/domain"
	"github.com/tbourn/go-finassist-backend/internal/pipeline"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/repo"
	"github.com/tbourn/go-finassist-backend/internal/session"
	"github.com/tbourn/go-finassist-backend/internal/statemachine"
	"github.com/tbourn/go-finassist-backend/internal/template"
	"github.com/tbourn/go-finassist-backend/internal/utils"
)

const (
	// default titles we consider placeholders and eligible for auto-generation
	defaultTitleNew      = "New chat"
	defaultTitleUntitled = "Untitled"

	maxPersonaRunes = 64
)

// ShardStore is the slice of the database service the chat handlers use.
type ShardStore interface {
	Shard(id int) (*gorm.DB, error)
	CallShardProcedure(ctx context.Context, shardID int, name string, params ...any) (database.Rows, error)
}

// ChatService implements the CHAT template.
type ChatService struct {
	DB     ShardStore
	Queue  pipeline.Enqueuer
	States *statemachine.Machine
	Cache  *cache.Client

	// MaxContentRunes caps user message length; 0 disables the check.
	MaxContentRunes int
	// KeyTTL bounds the owner and room sequence keys.
	KeyTTL time.Duration

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
	// TitleLocale drives casing of generated titles.
	TitleLocale language.Tag
}

// NewChatService constructs a ChatService with defaults for title handling.
func NewChatService(db ShardStore, q pipeline.Enqueuer, sm *statemachine.Machine, c *cache.Client, maxContent int, keyTTL time.Duration) *ChatService {
	if keyTTL <= 0 {
		keyTTL = 24 * time.Hour
	}
	return &ChatService{
		DB:              db,
		Queue:           q,
		States:          sm,
		Cache:           c,
		MaxContentRunes: maxContent,
		KeyTTL:          keyTTL,
		TitleMaxLen:     60,
		TitleLocale:     language.Und,
	}
}

// Register binds the CHAT handlers.
func (s *ChatService) Register(r *template.Registry) error {
	return errors.Join(
		template.Register(r, protocol.TemplateChat, protocol.MsgRoomCreate, s.RoomCreate),
		template.Register(r, protocol.TemplateChat, protocol.MsgRoomList, s.RoomList),
		template.Register(r, protocol.TemplateChat, protocol.MsgRoomDelete, s.RoomDelete),
		template.Register(r, protocol.TemplateChat, protocol.MsgRoomState, s.RoomState),
		template.Register(r, protocol.TemplateChat, protocol.MsgMessageSend, s.MessageSend),
		template.Register(r, protocol.TemplateChat, protocol.MsgMessageList, s.MessageList),
		template.Register(r, protocol.TemplateChat, protocol.MsgMessageDelete, s.MessageDelete),
	)
}

// RoomCreate accepts a new room and queues it for persistence on the
// caller's shard.
func (s *ChatService) RoomCreate(ctx context.Context, call *template.Call, req *protocol.RoomCreateRequest) (*protocol.RoomCreateResponse, error) {
	sess := call.Session
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "RoomCreate", trace.WithAttributes(attribute.Int64("account.db_key", sess.AccountDBKey)))
	defer span.End()

	if _, err := s.DB.Shard(sess.ShardID); err != nil {
		return nil, translate(err)
	}

	title := normalizeTitle(req.Title)
	if title == "" {
		title = defaultTitleNew
	}
	title = s.clip(title)
	persona := normalizeTitle(req.AIPersona)
	if utf8.RuneCountInString(persona) > maxPersonaRunes {
		persona = string([]rune(persona)[:maxPersonaRunes])
	}

	roomID := newID()
	span.SetAttributes(attribute.String("room.id", roomID))
	if ok, _, err := s.States.Transition(ctx, statemachine.Room, roomID, statemachine.None, statemachine.Pending, "room_create"); err != nil {
		return nil, translate(err)
	} else if !ok {
		return nil, ErrStateConflict
	}
	if _, err := s.Cache.SetString(ctx, ownerKey(roomID), ownerValue(sess), s.KeyTTL, false); err != nil {
		s.abandon(ctx, statemachine.Room, roomID)
		return nil, translate(err)
	}

	msg, err := pipeline.NewRoomCreate(pipeline.RoomPayload{
		ShardID:           sess.ShardID,
		RoomID:            roomID,
		OwnerAccountDBKey: sess.AccountDBKey,
		Title:             title,
		AIPersona:         persona,
	})
	if err == nil {
		_, err = s.Queue.Enqueue(ctx, pipeline.QueueName, msg)
	}
	if err != nil {
		s.abandon(ctx, statemachine.Room, roomID)
		return nil, translate(err)
	}

	return &protocol.RoomCreateResponse{Room: protocol.RoomInfo{
		RoomID:    roomID,
		Title:     title,
		AIPersona: persona,
		State:     string(statemachine.Pending),
		CreatedAt: time.Now().UTC(),
	}}, nil
}

// RoomList returns a page of the caller's persisted rooms.
func (s *ChatService) RoomList(ctx context.Context, call *template.Call, req *protocol.RoomListRequest) (*protocol.RoomListResponse, error) {
	sess := call.Session
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "RoomList",
		trace.WithAttributes(
			attribute.Int64("account.db_key", sess.AccountDBKey),
			attribute.Int("page", req.Page),
			attribute.Int("page_size", req.PageSize),
		),
	)
	defer span.End()

	db, err := s.DB.Shard(sess.ShardID)
	if err != nil {
		return nil, translate(err)
	}
	page, size, offset := utils.Paginate(req.Page, req.PageSize)
	resp := &protocol.RoomListResponse{Rooms: []protocol.RoomInfo{}, Page: page, PageSize: size}

	total, last, err := repo.RoomsStats(ctx, db, sess.AccountDBKey)
	if err != nil {
		return nil, translate(err)
	}
	resp.Total = total
	resp.LastMessageAt = last
	if total == 0 {
		return resp, nil
	}
	rooms, err := repo.ListRoomsPage(ctx, db, sess.AccountDBKey, offset, size)
	if err != nil {
		return nil, translate(err)
	}
	for _, r := range rooms {
		st, err := s.roomState(ctx, r.RoomID)
		if err != nil {
			return nil, translate(err)
		}
		resp.Rooms = append(resp.Rooms, roomInfo(r, st))
	}
	return resp, nil
}

// RoomDelete deletes a room according to its lifecycle state. A room still
// waiting in the queue is dropped there; a persisted room is removed from
// its shard right away.
func (s *ChatService) RoomDelete(ctx context.Context, call *template.Call, req *protocol.RoomDeleteRequest) (*protocol.RoomDeleteResponse, error) {
	sess := call.Session
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "RoomDelete", trace.WithAttributes(attribute.String("room.id", req.RoomID)))
	defer span.End()

	cur, err := s.ownRoom(ctx, sess, req.RoomID)
	if err != nil {
		return nil, err
	}
	resp := &protocol.RoomDeleteResponse{RoomID: req.RoomID, State: string(statemachine.Deleted)}
	if cur == statemachine.Deleted {
		return resp, nil
	}

	to, err := s.States.SmartDelete(ctx, statemachine.Room, req.RoomID, "room_delete")
	switch {
	case errors.Is(err, statemachine.ErrNoState):
		// persisted room whose state key has expired
		if err := s.deleteRoomRow(ctx, sess, req.RoomID); err != nil {
			return nil, err
		}
		return resp, nil
	case err != nil:
		return nil, translate(err)
	}

	if to == statemachine.Deleting {
		to, err = s.completeRoomDelete(ctx, sess, req.RoomID)
		if err != nil {
			return nil, err
		}
	}
	resp.State = string(to)
	return resp, nil
}

// RoomState reports the room's lifecycle state and recent transitions.
func (s *ChatService) RoomState(ctx context.Context, call *template.Call, req *protocol.RoomStateRequest) (*protocol.RoomStateResponse, error) {
	cur, err := s.ownRoom(ctx, call.Session, req.RoomID)
	if err != nil {
		return nil, err
	}
	lines, err := s.States.Log(ctx, statemachine.Room, req.RoomID)
	if err != nil {
		return nil, translate(err)
	}
	if lines == nil {
		lines = []string{}
	}
	return &protocol.RoomStateResponse{RoomID: req.RoomID, State: string(cur), Log: lines}, nil
}

// completeRoomDelete finishes a DELETING room. When the row is on the shard
// it is deleted now; otherwise the pipeline deletes it after the create.
func (s *ChatService) completeRoomDelete(ctx context.Context, sess *session.Session, roomID string) (statemachine.State, error) {
	db, err := s.DB.Shard(sess.ShardID)
	if err != nil {
		return statemachine.Deleting, translate(err)
	}
	if _, err := repo.GetRoom(ctx, db, roomID, sess.AccountDBKey); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return statemachine.Deleting, nil
		}
		return statemachine.Deleting, translate(err)
	}
	if err := s.deleteRoomRow(ctx, sess, roomID); err != nil {
		return statemachine.Deleting, err
	}
	if _, _, err := s.States.Transition(ctx, statemachine.Room, roomID, statemachine.Deleting, statemachine.Deleted, "room_delete"); err != nil {
		return statemachine.Deleting, translate(err)
	}
	return statemachine.Deleted, nil
}

// deleteRoomRow runs the room delete procedure. A room that is already gone
// counts as deleted.
func (s *ChatService) deleteRoomRow(ctx context.Context, sess *session.Session, roomID string) error {
	rows, err := s.DB.CallShardProcedure(ctx, sess.ShardID, pipeline.ProcRoomDelete, roomID, sess.AccountDBKey)
	if err != nil {
		return translate(err)
	}
	if err := database.CheckResult(pipeline.ProcRoomDelete, rows); err != nil {
		var pe *database.ProcedureError
		if errors.As(err, &pe) && pe.Code == repo.ProcCodeRoomNotFound {
			return nil
		}
		return procError(err)
	}
	return nil
}

// ownRoom checks that sess owns roomID and returns the room's state.
// Persisted rooms without a state key report ACTIVE.
func (s *ChatService) ownRoom(ctx context.Context, sess *session.Session, roomID string) (statemachine.State, error) {
	if strings.TrimSpace(roomID) == "" {
		return statemachine.None, ErrMissingRoom
	}
	owner, ok, err := s.Cache.GetString(ctx, ownerKey(roomID))
	if err != nil {
		return statemachine.None, translate(err)
	}
	if ok {
		if owner != ownerValue(sess) {
			return statemachine.None, ErrRoomNotFound
		}
	} else {
		db, err := s.DB.Shard(sess.ShardID)
		if err != nil {
			return statemachine.None, translate(err)
		}
		if _, err := repo.GetRoom(ctx, db, roomID, sess.AccountDBKey); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return statemachine.None, ErrRoomNotFound
			}
			return statemachine.None, translate(err)
		}
	}
	st, err := s.roomState(ctx, roomID)
	return st, translate(err)
}

func (s *ChatService) roomState(ctx context.Context, roomID string) (statemachine.State, error) {
	st, ok, err := s.States.Get(ctx, statemachine.Room, roomID)
	if err != nil {
		return statemachine.None, err
	}
	if !ok {
		return statemachine.Active, nil
	}
	return st, nil
}

// abandon moves an entity that never reached the queue to DELETED.
func (s *ChatService) abandon(ctx context.Context, e statemachine.Entity, id string) {
	_, _, _ = s.States.Transition(context.WithoutCancel(ctx), e, id, statemachine.Pending, statemachine.Deleted, "enqueue_failed")
}

// clip truncates a chat title to the configured maximum rune length.
func (s *ChatService) clip(title string) string {
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		return string([]rune(title)[:s.TitleMaxLen])
	}
	return title
}

func roomInfo(r domain.ChatRoom, st statemachine.State) protocol.RoomInfo {
	return protocol.RoomInfo{
		RoomID:        r.RoomID,
		Title:         r.Title,
		AIPersona:     r.AIPersona,
		State:         string(st),
		MessageCount:  r.MessageCount,
		CreatedAt:     r.CreatedAt,
		LastMessageAt: r.LastMessageAt,
	}
}

func ownerKey(roomID string) string { return "room_owner:" + roomID }

func seqKey(roomID string) string { return "room_seq:" + roomID }

func ownerValue(sess *session.Session) string {
	return strconv.FormatInt(sess.AccountDBKey, 10)
}

// normalizeTitle trims whitespace and collapses multiple spaces to one.
func normalizeTitle(s string) string {
	s = whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	return s
}

// whitespaceRE collapses consecutive whitespace to a single space.
// newID generates room and message ids.
var newID = uuid.NewString

var whitespaceRE = regexp.MustCompile(`\s+`)
