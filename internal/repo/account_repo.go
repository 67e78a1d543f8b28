package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-finassist-backend/internal/domain"
)

// ErrNoActiveShard is returned when a new account cannot be placed.
var ErrNoActiveShard = errors.New("no active shard")

// GetAccount fetches an account by login name.
func GetAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error) {
	var a domain.Account
	if err := db.WithContext(ctx).Where("account_id = ?", accountID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts an account placed on one of the active shards.
// Accounts are spread round-robin over the active shard ids by their
// sequential key, so placement is stable once assigned.
func CreateAccount(ctx context.Context, db *gorm.DB, accountID, passwordHash string) (*domain.Account, error) {
	var out *domain.Account
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shards, err := ActiveShardIDs(ctx, tx)
		if err != nil {
			return err
		}
		if len(shards) == 0 {
			return ErrNoActiveShard
		}
		var n int64
		if err := tx.Model(&domain.Account{}).Count(&n).Error; err != nil {
			return err
		}
		a := &domain.Account{
			AccountID:    accountID,
			PasswordHash: passwordHash,
			ShardID:      shards[int(n)%len(shards)],
			CreatedAt:    time.Now().UTC(),
		}
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}
