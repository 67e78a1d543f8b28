package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-finassist-backend/internal/domain"
)

// DefaultSettings returns the settings an account has before it saves any.
func DefaultSettings(accountDBKey int64) domain.UserSettings {
	return domain.UserSettings{
		AccountDBKey:  accountDBKey,
		Language:      "en",
		Persona:       "default",
		RiskProfile:   "moderate",
		Notifications: true,
	}
}

// GetSettings returns the stored settings, or the defaults when none exist.
func GetSettings(ctx context.Context, db *gorm.DB, accountDBKey int64) (domain.UserSettings, error) {
	var s domain.UserSettings
	err := db.WithContext(ctx).Where("account_db_key = ?", accountDBKey).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultSettings(accountDBKey), nil
	}
	return s, err
}

// SaveSettings writes every column of s, inserting or replacing the row.
func SaveSettings(ctx context.Context, db *gorm.DB, s *domain.UserSettings) error {
	s.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_db_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"language", "persona", "risk_profile", "notifications", "updated_at"}),
		}).
		Create(s).Error
}
