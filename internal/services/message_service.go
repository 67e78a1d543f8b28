// Package services – messages
//
// This file implements the message half of the CHAT template. A sent
// message is accepted into Redis first: it gets the next sequence of its
// room, moves to PENDING, and is queued as CHAT_MESSAGE_SAVE. The pipeline
// writes it to the owner's shard later, in room order.
//
// Optional enhancement: it also auto-generates a room title from the first
// user prompt when the room still has a default/empty title.
//
// Observability: public methods are OpenTelemetry-instrumented; spans
// include room and message identifiers where applicable.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

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

// Post is a message to accept into a room.
type Post struct {
	RoomID          string
	Sender          string
	Content         string
	Metadata        map[string]any
	ParentMessageID string
}

// MessageSend accepts a user message and queues it for persistence.
func (s *ChatService) MessageSend(ctx context.Context, call *template.Call, req *protocol.MessageSendRequest) (*protocol.MessageSendResponse, error) {
	resp, err := s.Post(ctx, call.Session, Post{
		RoomID:          req.RoomID,
		Sender:          domain.SenderUser,
		Content:         req.Content,
		Metadata:        req.Metadata,
		ParentMessageID: req.ParentMessageID,
	})
	if err != nil {
		return nil, err
	}
	if resp.SequenceInRoom == 1 {
		s.AutoTitle(ctx, call.Session, req.RoomID, req.Content)
	}
	return resp, nil
}

// Post validates p, assigns the next sequence of its room and queues it.
// AI replies longer than the limit are clipped; user messages are rejected.
func (s *ChatService) Post(ctx context.Context, sess *session.Session, p Post) (*protocol.MessageSendResponse, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "Post",
		trace.WithAttributes(
			attribute.String("room.id", p.RoomID),
			attribute.String("sender", p.Sender),
		),
	)
	defer span.End()

	content := strings.TrimSpace(p.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		if p.Sender != domain.SenderAI {
			return nil, ErrTooLong
		}
		content = string([]rune(content)[:s.MaxContentRunes])
	}

	cur, err := s.ownRoom(ctx, sess, p.RoomID)
	if err != nil {
		return nil, err
	}
	if cur == statemachine.Deleting || cur == statemachine.Deleted {
		return nil, ErrRoomNotActive
	}
	db, err := s.DB.Shard(sess.ShardID)
	if err != nil {
		return nil, translate(err)
	}
	seq, err := s.nextSequence(ctx, db, p.RoomID)
	if err != nil {
		return nil, translate(err)
	}

	msgID := newID()
	span.SetAttributes(attribute.String("message.id", msgID), attribute.Int64("sequence_in_room", seq))
	if ok, _, err := s.States.Transition(ctx, statemachine.Message, msgID, statemachine.None, statemachine.Pending, "message_send"); err != nil {
		return nil, translate(err)
	} else if !ok {
		return nil, ErrStateConflict
	}

	meta := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta[pipeline.MetaSequenceInRoom] = seq

	msg, err := pipeline.NewMessageSave(pipeline.MessagePayload{
		ShardID:         sess.ShardID,
		RoomID:          p.RoomID,
		AccountDBKey:    sess.AccountDBKey,
		MessageID:       msgID,
		Sender:          p.Sender,
		Content:         content,
		Metadata:        meta,
		ParentMessageID: p.ParentMessageID,
	})
	if err == nil {
		_, err = s.Queue.Enqueue(ctx, pipeline.QueueName, msg)
	}
	if err != nil {
		s.abandon(ctx, statemachine.Message, msgID)
		return nil, translate(err)
	}

	return &protocol.MessageSendResponse{
		MessageID:      msgID,
		SequenceInRoom: seq,
		State:          string(statemachine.Pending),
	}, nil
}

// MessageList returns a page of a room's persisted messages in room order.
func (s *ChatService) MessageList(ctx context.Context, call *template.Call, req *protocol.MessageListRequest) (*protocol.MessageListResponse, error) {
	sess := call.Session
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "MessageList",
		trace.WithAttributes(
			attribute.String("room.id", req.RoomID),
			attribute.Int("page", req.Page),
			attribute.Int("page_size", req.PageSize),
		),
	)
	defer span.End()

	if _, err := s.ownRoom(ctx, sess, req.RoomID); err != nil {
		return nil, err
	}
	db, err := s.DB.Shard(sess.ShardID)
	if err != nil {
		return nil, translate(err)
	}
	page, size, offset := utils.Paginate(req.Page, req.PageSize)
	resp := &protocol.MessageListResponse{Messages: []protocol.MessageInfo{}, Page: page, PageSize: size}

	total, err := repo.CountMessages(ctx, db, req.RoomID)
	if err != nil {
		return nil, translate(err)
	}
	resp.Total = total
	if total == 0 {
		return resp, nil
	}
	items, err := repo.ListMessagesPage(ctx, db, req.RoomID, offset, size)
	if err != nil {
		return nil, translate(err)
	}
	for _, m := range items {
		resp.Messages = append(resp.Messages, messageInfo(m))
	}
	return resp, nil
}

// MessageDelete deletes a message according to its lifecycle state. A
// message still in the queue is dropped there; a persisted one is removed
// from the shard right away; one being saved is deleted by the pipeline
// once the save lands.
func (s *ChatService) MessageDelete(ctx context.Context, call *template.Call, req *protocol.MessageDeleteRequest) (*protocol.MessageDeleteResponse, error) {
	sess := call.Session
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "MessageDelete",
		trace.WithAttributes(
			attribute.String("room.id", req.RoomID),
			attribute.String("message.id", req.MessageID),
		),
	)
	defer span.End()

	if strings.TrimSpace(req.MessageID) == "" {
		return nil, protocol.Errorf(protocol.InvalidArgument, "messageId is required")
	}
	if _, err := s.ownRoom(ctx, sess, req.RoomID); err != nil {
		return nil, err
	}
	resp := &protocol.MessageDeleteResponse{MessageID: req.MessageID, State: string(statemachine.Deleted)}

	to, err := s.States.SmartDelete(ctx, statemachine.Message, req.MessageID, "message_delete")
	switch {
	case errors.Is(err, statemachine.ErrNoState):
		if err := s.deleteMessageRow(ctx, sess, req.RoomID, req.MessageID); err != nil {
			return nil, err
		}
		return resp, nil
	case err != nil:
		return nil, translate(err)
	}

	if to == statemachine.Deleting {
		db, err := s.DB.Shard(sess.ShardID)
		if err != nil {
			return nil, translate(err)
		}
		_, err = repo.GetMessage(ctx, db, req.RoomID, req.MessageID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// still in flight; the pipeline finishes the delete
		case err != nil:
			return nil, translate(err)
		default:
			if err := s.deleteMessageRow(ctx, sess, req.RoomID, req.MessageID); err != nil {
				return nil, err
			}
			if _, _, err := s.States.Transition(ctx, statemachine.Message, req.MessageID, statemachine.Deleting, statemachine.Deleted, "message_delete"); err != nil {
				return nil, translate(err)
			}
			to = statemachine.Deleted
		}
	}
	resp.State = string(to)
	return resp, nil
}

// deleteMessageRow runs the message delete procedure on the owner's shard.
func (s *ChatService) deleteMessageRow(ctx context.Context, sess *session.Session, roomID, messageID string) error {
	rows, err := s.DB.CallShardProcedure(ctx, sess.ShardID, pipeline.ProcMessageDelete, roomID, messageID)
	if err != nil {
		return translate(err)
	}
	if err := database.CheckResult(pipeline.ProcMessageDelete, rows); err != nil {
		return procError(err)
	}
	return nil
}

// nextSequence returns the next sequence_in_room of roomID. The counter is
// seeded from the shard when it is missing.
func (s *ChatService) nextSequence(ctx context.Context, db *gorm.DB, roomID string) (int64, error) {
	key := seqKey(roomID)
	if _, ok, err := s.Cache.GetString(ctx, key); err != nil {
		return 0, err
	} else if !ok {
		last, err := repo.MaxSequence(ctx, db, roomID)
		if err != nil {
			return 0, err
		}
		if _, err := s.Cache.SetString(ctx, key, strconv.FormatInt(last, 10), s.KeyTTL, true); err != nil {
			return 0, err
		}
	}
	return s.Cache.IncrBy(ctx, key, 1, s.KeyTTL)
}

// AutoTitle replaces a placeholder room title with one derived from prompt.
// Rooms not yet persisted are left alone.
func (s *ChatService) AutoTitle(ctx context.Context, sess *session.Session, roomID, prompt string) {
	db, err := s.DB.Shard(sess.ShardID)
	if err != nil {
		return
	}
	room, err := repo.GetRoom(ctx, db, roomID, sess.AccountDBKey)
	if err != nil || !s.shouldAutoTitle(room.Title) {
		return
	}
	gen := s.generateTitleFromPrompt(prompt)
	if gen == "" {
		return
	}
	if err := repo.UpdateRoomTitle(ctx, db, roomID, sess.AccountDBKey, s.clip(gen)); err != nil && !errors.Is(err, repo.ErrNotFound) {
		log.Warn().Err(err).Str("room_id", roomID).Msg("auto title failed")
	}
}

// shouldAutoTitle reports whether the current title is a placeholder.
func (s *ChatService) shouldAutoTitle(current string) bool {
	t := strings.TrimSpace(strings.ToLower(current))
	return t == "" || t == strings.ToLower(defaultTitleNew) || t == strings.ToLower(defaultTitleUntitled)
}

// generateTitleFromPrompt derives a concise title from the prompt.
func (s *ChatService) generateTitleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	toks := titleWordRE.FindAllString(strings.ToLower(prompt), -1)
	if len(toks) == 0 {
		return ""
	}

	titleCaser := cases.Title(s.titleLocale())
	out := make([]string, 0, 8)

	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, titleCaser.String(w))
		if len(out) >= 8 {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, " ")
}

// titleLocale returns the configured locale for casing or English if unset.
func (s *ChatService) titleLocale() language.Tag {
	if s.TitleLocale == language.Und {
		return language.English
	}
	return s.TitleLocale
}

func messageInfo(m domain.ChatMessage) protocol.MessageInfo {
	info := protocol.MessageInfo{
		MessageID:      m.MessageID,
		RoomID:         m.RoomID,
		Sender:         m.Sender,
		Content:        m.Content,
		SequenceInRoom: m.SequenceInRoom,
		CreatedAt:      m.CreatedAt,
	}
	if m.ParentMessageID != nil {
		info.ParentMessageID = *m.ParentMessageID
	}
	if m.Metadata != "" {
		var meta map[string]any
		if json.Unmarshal([]byte(m.Metadata), &meta) == nil {
			info.Metadata = meta
		}
	}
	return info
}

// --- Title generation helpers ---

// Extract Unicode letters with optional trailing numbers (e.g., "q3").
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// Minimal English stop-words set for compact titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"my": {}, "i": {}, "should": {}, "what": {}, "how": {}, "do": {},
}
