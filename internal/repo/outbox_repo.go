package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-finassist-backend/internal/domain"
)

// InsertOutbox writes e. Call it with the transaction of the business write.
func InsertOutbox(ctx context.Context, tx *gorm.DB, e *domain.OutboxEvent) error {
	return tx.WithContext(ctx).Create(e).Error
}

// ListDeliverable returns up to limit PENDING or RETRY events, oldest first.
// When eventTypes is not empty only events of those types are returned.
func ListDeliverable(ctx context.Context, db *gorm.DB, limit int, eventTypes ...string) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	q := db.WithContext(ctx).
		Where("status IN ?", []string{domain.OutboxPending, domain.OutboxRetry})
	if len(eventTypes) > 0 {
		q = q.Where("event_type IN ?", eventTypes)
	}
	err := q.Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountDeliverableExcept counts PENDING or RETRY events whose type is not
// in eventTypes.
func CountDeliverableExcept(ctx context.Context, db *gorm.DB, eventTypes []string) (int64, error) {
	var n int64
	q := db.WithContext(ctx).
		Model(&domain.OutboxEvent{}).
		Where("status IN ?", []string{domain.OutboxPending, domain.OutboxRetry})
	if len(eventTypes) > 0 {
		q = q.Where("event_type NOT IN ?", eventTypes)
	}
	err := q.Count(&n).Error
	return n, err
}

// MarkOutboxPublished moves a deliverable event to PUBLISHED. It reports
// false when the row was no longer deliverable.
func MarkOutboxPublished(ctx context.Context, db *gorm.DB, id string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.OutboxEvent{}).
		Where("id = ? AND status IN ?", id, []string{domain.OutboxPending, domain.OutboxRetry}).
		Updates(map[string]any{
			"status":       domain.OutboxPublished,
			"published_at": at,
			"updated_at":   at,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkOutboxAttemptFailed records a failed delivery of e: attempts is bumped
// and the status becomes RETRY, or FAILED once max_attempts is reached. The
// new status is returned.
func MarkOutboxAttemptFailed(ctx context.Context, db *gorm.DB, e domain.OutboxEvent, cause string, at time.Time) (string, error) {
	attempts := e.Attempts + 1
	status := domain.OutboxRetry
	if attempts >= e.MaxAttempts {
		status = domain.OutboxFailed
	}
	res := db.WithContext(ctx).
		Model(&domain.OutboxEvent{}).
		Where("id = ? AND attempts = ?", e.ID, e.Attempts).
		Updates(map[string]any{
			"status":     status,
			"attempts":   attempts,
			"last_error": cause,
			"updated_at": at,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", ErrNotFound
	}
	return status, nil
}

// DeletePublishedBefore removes PUBLISHED events published before cutoff.
func DeletePublishedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("status = ? AND published_at < ?", domain.OutboxPublished, cutoff).
		Delete(&domain.OutboxEvent{})
	return res.RowsAffected, res.Error
}

// CountOutboxByStatus returns the number of events per status.
func CountOutboxByStatus(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.OutboxEvent{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
