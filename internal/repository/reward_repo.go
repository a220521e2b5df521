package repository

import (
	"context"
	"errors"

	"incomeengine/internal/model"

	"gorm.io/gorm"
)

var ErrRewardExists = errors.New("奖励记录已存在")

type RewardRepository struct {
	db *gorm.DB
}

func NewRewardRepository(db *gorm.DB) *RewardRepository {
	return &RewardRepository{db: db}
}

func (r *RewardRepository) Exists(ctx context.Context, userID int64, rewardType string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Reward{}).
		Where("user_id = ? AND reward_type = ?", userID, rewardType).
		Count(&count).Error
	return count > 0, err
}

// Create 唯一索引 (user_id, reward_type) 冲突时返回 ErrRewardExists
func (r *RewardRepository) Create(ctx context.Context, reward *model.Reward) error {
	err := r.db.WithContext(ctx).Create(reward).Error
	if err != nil && IsDuplicateKey(err) {
		return ErrRewardExists
	}
	return err
}

func (r *RewardRepository) ListByUserID(ctx context.Context, userID int64) ([]*model.Reward, error) {
	var rewards []*model.Reward
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&rewards).Error
	return rewards, err
}
