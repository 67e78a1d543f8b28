package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-finassist-backend/internal/domain"
)

// RoomsStats returns how many live rooms owner has and when the most recent
// message in any of them was written (nil when none).
func RoomsStats(ctx context.Context, db *gorm.DB, owner int64) (count int64, lastMessageAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.ChatRoom{}).Where("owner_account_db_key = ?", owner)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest last_message_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		LastMessageAt *time.Time
	}
	err = db.WithContext(ctx).
		Model(&domain.ChatRoom{}).
		Select("last_message_at").
		Where("owner_account_db_key = ? AND last_message_at IS NOT NULL", owner).
		Order("last_message_at DESC").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return 0, nil, err
	}
	return count, row.LastMessageAt, nil
}

// ShardStats summarises one shard for the readiness report.
type ShardStats struct {
	Rooms    int64 `json:"rooms"`
	Messages int64 `json:"messages"`
	Pending  int64 `json:"outbox_pending"`
}

// CollectShardStats counts rooms, messages and undelivered outbox rows.
func CollectShardStats(ctx context.Context, db *gorm.DB) (ShardStats, error) {
	var s ShardStats
	db = db.WithContext(ctx)
	if err := db.Model(&domain.ChatRoom{}).Count(&s.Rooms).Error; err != nil {
		return s, err
	}
	if err := db.Model(&domain.ChatMessage{}).Count(&s.Messages).Error; err != nil {
		return s, err
	}
	err := db.Model(&domain.OutboxEvent{}).
		Where("status IN ?", []string{domain.OutboxPending, domain.OutboxRetry}).
		Count(&s.Pending).Error
	return s, err
}
