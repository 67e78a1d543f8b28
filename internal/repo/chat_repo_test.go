package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-finassist-backend/internal/domain"
)

func TestCreateRoom_Error_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	created, err := CreateRoom(context.Background(), db, &domain.ChatRoom{RoomID: "r1", OwnerAccountDBKey: 1, Title: "t"})
	if err == nil || created {
		t.Fatalf("expected error creating without table, got created=%v err=%v", created, err)
	}
}

func TestCreateRoom_IdempotentOnRoomID(t *testing.T) {
	db := newTestDB(t, &domain.ChatRoom{})
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	r := &domain.ChatRoom{RoomID: "r1", OwnerAccountDBKey: 7, ShardID: 1, Title: "Budget"}
	created, err := CreateRoom(ctx, db, r)
	if err != nil || !created {
		t.Fatalf("CreateRoom = %v, %v", created, err)
	}
	if r.CreatedAt.Before(start) {
		t.Fatalf("CreatedAt seems unset/really old: %v", r.CreatedAt)
	}

	created, err = CreateRoom(ctx, db, &domain.ChatRoom{RoomID: "r1", OwnerAccountDBKey: 7, ShardID: 1, Title: "Other"})
	if err != nil || created {
		t.Fatalf("second CreateRoom = %v, %v; want false, nil", created, err)
	}

	got, err := GetRoom(ctx, db, "r1", 7)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.Title != "Budget" {
		t.Fatalf("second create must not overwrite: %+v", got)
	}
}

func TestGetRoom_OwnershipAndNotFound(t *testing.T) {
	db := newTestDB(t, &domain.ChatRoom{})
	ctx := context.Background()
	CreateRoom(ctx, db, &domain.ChatRoom{RoomID: "r1", OwnerAccountDBKey: 1, Title: "t"})

	if _, err := GetRoom(ctx, db, "r1", 2); err != ErrNotFound {
		t.Fatalf("foreign owner err = %v, want ErrNotFound", err)
	}
	if _, err := GetRoom(ctx, db, "missing", 1); err != ErrNotFound {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestListRoomsPage_OrderAndPaging(t *testing.T) {
	db := newTestDB(t, &domain.ChatRoom{})
	ctx := context.Background()

	base := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	late := base.Add(10 * time.Hour)
	seed := []domain.ChatRoom{
		{RoomID: "a", OwnerAccountDBKey: 1, Title: "a", CreatedAt: base},
		{RoomID: "b", OwnerAccountDBKey: 1, Title: "b", CreatedAt: base.Add(time.Hour)},
		{RoomID: "c", OwnerAccountDBKey: 1, Title: "c", CreatedAt: base.Add(2 * time.Hour)},
		{RoomID: "x", OwnerAccountDBKey: 2, Title: "x", CreatedAt: base},
	}
	// a has the most recent message, so it sorts first
	seed[0].LastMessageAt = &late
	for i := range seed {
		if _, err := CreateRoom(ctx, db, &seed[i]); err != nil {
			t.Fatalf("seed %s: %v", seed[i].RoomID, err)
		}
	}

	total, last, err := RoomsStats(ctx, db, 1)
	if err != nil || total != 3 || last == nil || !last.Equal(late) {
		t.Fatalf("RoomsStats = %d, %v, %v", total, last, err)
	}
	page, err := ListRoomsPage(ctx, db, 1, 0, 2)
	if err != nil {
		t.Fatalf("ListRoomsPage: %v", err)
	}
	if len(page) != 2 || page[0].RoomID != "a" || page[1].RoomID != "c" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, _ = ListRoomsPage(ctx, db, 1, 2, 2)
	if len(page) != 1 || page[0].RoomID != "b" {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestUpdateRoomTitle(t *testing.T) {
	db := newTestDB(t, &domain.ChatRoom{})
	ctx := context.Background()
	CreateRoom(ctx, db, &domain.ChatRoom{RoomID: "r1", OwnerAccountDBKey: 1, Title: "old"})

	if err := UpdateRoomTitle(ctx, db, "r1", 1, "new"); err != nil {
		t.Fatalf("UpdateRoomTitle: %v", err)
	}
	got, _ := GetRoom(ctx, db, "r1", 1)
	if got.Title != "new" {
		t.Fatalf("title = %q", got.Title)
	}
	if err := UpdateRoomTitle(ctx, db, "r1", 2, "hijack"); err != ErrNotFound {
		t.Fatalf("foreign owner err = %v", err)
	}
}

func TestSoftDeleteRoom(t *testing.T) {
	db := newTestDB(t, &domain.ChatRoom{})
	ctx := context.Background()
	CreateRoom(ctx, db, &domain.ChatRoom{RoomID: "r1", OwnerAccountDBKey: 1, Title: "t"})

	if err := SoftDeleteRoom(ctx, db, "r1", 1); err != nil {
		t.Fatalf("SoftDeleteRoom: %v", err)
	}
	if _, err := GetRoom(ctx, db, "r1", 1); err != ErrNotFound {
		t.Fatalf("deleted room still visible: %v", err)
	}
	if err := SoftDeleteRoom(ctx, db, "r1", 1); err != ErrNotFound {
		t.Fatalf("second delete err = %v", err)
	}
	var n int64
	db.Unscoped().Model(&domain.ChatRoom{}).Count(&n)
	if n != 1 {
		t.Fatalf("row should remain for audit, count = %d", n)
	}
}
