// This file provides repository functions for the ChatMessage model.
//
// SaveMessage is the write path used by the persistence pipeline. It is
// idempotent on MessageID: a redelivered save finds the existing row and
// reports created=false without touching the room counters.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-finassist-backend/internal/domain"
)

// SaveMessage inserts m and bumps the room's message_count and
// last_message_at in the same transaction.
func SaveMessage(ctx context.Context, db *gorm.DB, m *domain.ChatMessage) (created bool, err error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(m)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		return tx.Model(&domain.ChatRoom{}).
			Where("room_id = ?", m.RoomID).
			Updates(map[string]any{
				"message_count":   gorm.Expr("message_count + 1"),
				"last_message_at": m.CreatedAt,
			}).Error
	})
	return created, err
}

// GetMessage fetches a live message of roomID.
func GetMessage(ctx context.Context, db *gorm.DB, roomID, messageID string) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := db.WithContext(ctx).
		Where("message_id = ? AND room_id = ?", messageID, roomID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMessages returns the number of live messages in roomID.
func CountMessages(ctx context.Context, db *gorm.DB, roomID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.ChatMessage{}).
		Where("room_id = ?", roomID).
		Count(&total).Error
	return total, err
}

// ListMessagesPage returns a page of roomID's messages in room order.
func ListMessagesPage(ctx context.Context, db *gorm.DB, roomID string, offset, limit int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("sequence_in_room ASC, message_id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MaxSequence returns the highest sequence_in_room stored for roomID,
// including deleted messages, or 0 when the room has none.
func MaxSequence(ctx context.Context, db *gorm.DB, roomID string) (int64, error) {
	var row struct{ Max *int64 }
	err := db.WithContext(ctx).
		Unscoped().
		Model(&domain.ChatMessage{}).
		Select("MAX(sequence_in_room) AS max").
		Where("room_id = ?", roomID).
		Scan(&row).Error
	if err != nil || row.Max == nil {
		return 0, err
	}
	return *row.Max, nil
}

// SoftDeleteMessage marks a message deleted.
func SoftDeleteMessage(ctx context.Context, db *gorm.DB, roomID, messageID string) error {
	res := db.WithContext(ctx).
		Where("message_id = ? AND room_id = ?", messageID, roomID).
		Delete(&domain.ChatMessage{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
