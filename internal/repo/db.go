// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains the shard directory helpers.
//
// Functions take a *gorm.DB so they work the same on a pool, a shard pool,
// or a transaction. They follow the "thin repository" approach: no business
// logic, only persistence and query composition. Raw gorm errors are
// propagated; a missing row surfaces as ErrNotFound.
package repo

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-finassist-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ListShards returns the whole shard directory ordered by id.
func ListShards(ctx context.Context, db *gorm.DB) ([]domain.Shard, error) {
	var out []domain.Shard
	err := db.WithContext(ctx).Order("shard_id").Find(&out).Error
	return out, err
}

// ActiveShardIDs returns the ids of active directory entries.
func ActiveShardIDs(ctx context.Context, db *gorm.DB) ([]int, error) {
	var ids []int
	err := db.WithContext(ctx).
		Model(&domain.Shard{}).
		Where("status = ?", domain.ShardActive).
		Order("shard_id").
		Pluck("shard_id", &ids).Error
	return ids, err
}

// UpsertShard writes a directory entry, replacing an existing one.
func UpsertShard(ctx context.Context, db *gorm.DB, s domain.Shard) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&s).Error
}

// SetShardStatus flips a directory entry between active and inactive.
func SetShardStatus(ctx context.Context, db *gorm.DB, shardID int, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.Shard{}).
		Where("shard_id = ?", shardID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedLocalDirectory registers n sqlite shards next to the global database
// file when the directory is empty. It is meant for single-node LOCAL runs.
func SeedLocalDirectory(ctx context.Context, db *gorm.DB, globalDSN string, n int) (int, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&domain.Shard{}).Count(&count).Error; err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	if n < 1 {
		return 0, errors.New("at least one local shard is required")
	}
	for i := 1; i <= n; i++ {
		s := domain.Shard{
			ShardID: i,
			Host:    "localhost",
			DBName:  LocalShardDSN(globalDSN, i),
			User:    "local",
			Status:  domain.ShardActive,
		}
		if err := db.WithContext(ctx).Create(&s).Error; err != nil {
			return i - 1, err
		}
	}
	return n, nil
}

// LocalShardDSN derives the sqlite file of shard id from the global file:
// "data/global.db" -> "data/global_shard1.db". Shared in-memory DSNs get a
// distinct memory name.
func LocalShardDSN(globalDSN string, id int) string {
	name, query, _ := strings.Cut(globalDSN, "?")
	ext := filepath.Ext(name)
	out := strings.TrimSuffix(name, ext) + "_shard" + strconv.Itoa(id) + ext
	if query != "" {
		out += "?" + query
	}
	return out
}
