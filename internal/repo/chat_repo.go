// This file provides repository functions for the ChatRoom model.
//
// Rooms live in their owner's shard. Reads filter by owner so one account
// can never see another account's rooms even within the same shard.
//
// Functions:
//
//   - CreateRoom(ctx, db, room) -> created bool, error
//     Inserts the room; an existing room id is not an error (created=false).
//
//   - GetRoom(ctx, db, roomID, owner) -> *domain.ChatRoom, error
//     Returns ErrNotFound when missing, deleted, or owned by someone else.
//
//   - ListRoomsPage (counts live in stats.go)
//     Paged listing, most recently active first.
//
//   - UpdateRoomTitle / SoftDeleteRoom
//     Ownership-checked updates; ErrNotFound when nothing matched.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-finassist-backend/internal/domain"
)

// CreateRoom inserts room. CreatedAt defaults to now (UTC). When a row with
// the same RoomID exists the insert is skipped and created is false.
func CreateRoom(ctx context.Context, db *gorm.DB, room *domain.ChatRoom) (bool, error) {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(room)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetRoom fetches a single room by id and owner.
func GetRoom(ctx context.Context, db *gorm.DB, roomID string, owner int64) (*domain.ChatRoom, error) {
	var r domain.ChatRoom
	err := db.WithContext(ctx).
		Where("room_id = ? AND owner_account_db_key = ?", roomID, owner).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRoomsPage returns a page of owner's rooms, most recently active first
// (rooms without messages sort by creation time).
func ListRoomsPage(ctx context.Context, db *gorm.DB, owner int64, offset, limit int) ([]domain.ChatRoom, error) {
	var out []domain.ChatRoom
	err := db.WithContext(ctx).
		Where("owner_account_db_key = ?", owner).
		Order("COALESCE(last_message_at, created_at) DESC, room_id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateRoomTitle sets the title of a room owned by owner.
func UpdateRoomTitle(ctx context.Context, db *gorm.DB, roomID string, owner int64, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.ChatRoom{}).
		Where("room_id = ? AND owner_account_db_key = ?", roomID, owner).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteRoom marks a room deleted. Its messages are left in place and
// disappear from listings through the room filter.
func SoftDeleteRoom(ctx context.Context, db *gorm.DB, roomID string, owner int64) error {
	res := db.WithContext(ctx).
		Where("room_id = ? AND owner_account_db_key = ?", roomID, owner).
		Delete(&domain.ChatRoom{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
