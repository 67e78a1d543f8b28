package repo

import (
	"context"
	"testing"

	"github.com/tbourn/go-finassist-backend/internal/domain"
)

func msg(id, room string, seq int64) *domain.ChatMessage {
	return &domain.ChatMessage{
		MessageID:      id,
		RoomID:         room,
		AccountDBKey:   1,
		Sender:         domain.SenderUser,
		Content:        "hello " + id,
		Metadata:       `{"k":1}`,
		SequenceInRoom: seq,
	}
}

func TestSaveMessage_IdempotentAndBumpsRoom(t *testing.T) {
	db := newTestDB(t, domain.ShardModels()...)
	ctx := context.Background()
	CreateRoom(ctx, db, &domain.ChatRoom{RoomID: "r1", OwnerAccountDBKey: 1, Title: "t"})

	created, err := SaveMessage(ctx, db, msg("m1", "r1", 1))
	if err != nil || !created {
		t.Fatalf("SaveMessage = %v, %v", created, err)
	}
	created, err = SaveMessage(ctx, db, msg("m1", "r1", 1))
	if err != nil || created {
		t.Fatalf("redelivered SaveMessage = %v, %v; want false, nil", created, err)
	}
	SaveMessage(ctx, db, msg("m2", "r1", 2))

	room, _ := GetRoom(ctx, db, "r1", 1)
	if room.MessageCount != 2 || room.LastMessageAt == nil {
		t.Fatalf("room counters not bumped once per message: %+v", room)
	}
}

func TestSaveMessage_SenderCheck(t *testing.T) {
	db := newTestDB(t, domain.ShardModels()...)
	m := msg("m1", "r1", 1)
	m.Sender = "BOT"
	if _, err := SaveMessage(context.Background(), db, m); err == nil {
		t.Fatalf("expected check constraint failure for sender %q", m.Sender)
	}
}

func TestListMessagesPage_RoomOrder(t *testing.T) {
	db := newTestDB(t, domain.ShardModels()...)
	ctx := context.Background()

	for _, seq := range []int64{3, 1, 2} {
		SaveMessage(ctx, db, msg("m"+string(rune('0'+seq)), "r1", seq))
	}
	SaveMessage(ctx, db, msg("other", "r2", 1))

	total, err := CountMessages(ctx, db, "r1")
	if err != nil || total != 3 {
		t.Fatalf("CountMessages = %d, %v", total, err)
	}
	page, err := ListMessagesPage(ctx, db, "r1", 0, 10)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	for i, m := range page {
		if m.SequenceInRoom != int64(i+1) {
			t.Fatalf("out of order at %d: %+v", i, page)
		}
	}
	page, _ = ListMessagesPage(ctx, db, "r1", 2, 10)
	if len(page) != 1 || page[0].SequenceInRoom != 3 {
		t.Fatalf("offset page = %+v", page)
	}
}

func TestMaxSequence(t *testing.T) {
	db := newTestDB(t, domain.ShardModels()...)
	ctx := context.Background()

	if n, err := MaxSequence(ctx, db, "r1"); err != nil || n != 0 {
		t.Fatalf("empty MaxSequence = %d, %v", n, err)
	}
	SaveMessage(ctx, db, msg("a", "r1", 4))
	SaveMessage(ctx, db, msg("b", "r1", 9))
	SoftDeleteMessage(ctx, db, "r1", "b")
	if n, err := MaxSequence(ctx, db, "r1"); err != nil || n != 9 {
		t.Fatalf("MaxSequence = %d, %v; deleted rows still count", n, err)
	}
}

func TestGetAndSoftDeleteMessage(t *testing.T) {
	db := newTestDB(t, domain.ShardModels()...)
	ctx := context.Background()
	SaveMessage(ctx, db, msg("m1", "r1", 1))

	got, err := GetMessage(ctx, db, "r1", "m1")
	if err != nil || got.Content != "hello m1" {
		t.Fatalf("GetMessage = %+v, %v", got, err)
	}
	if _, err := GetMessage(ctx, db, "r2", "m1"); err != ErrNotFound {
		t.Fatalf("wrong room err = %v", err)
	}
	if err := SoftDeleteMessage(ctx, db, "r1", "m1"); err != nil {
		t.Fatalf("SoftDeleteMessage: %v", err)
	}
	if err := SoftDeleteMessage(ctx, db, "r1", "m1"); err != ErrNotFound {
		t.Fatalf("second delete err = %v", err)
	}
}
