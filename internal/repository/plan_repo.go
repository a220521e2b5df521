package repository

import (
	"context"
	"errors"

	"incomeengine/internal/model"

	"gorm.io/gorm"
)

var ErrNoActivePlan = errors.New("没有启用的收益方案")

type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// ActivePlan 读取最新启用的方案及其档位、佣金表、奖励档位
func (r *PlanRepository) ActivePlan(ctx context.Context) (*model.Plan, error) {
	var plan model.Plan
	err := r.db.WithContext(ctx).
		Preload("PackageTiers").
		Preload("LevelCommissions", func(db *gorm.DB) *gorm.DB {
			return db.Order("level ASC")
		}).
		Preload("RewardTiers", func(db *gorm.DB) *gorm.DB {
			return db.Order("sort_order ASC")
		}).
		Where("status = ?", model.PlanStatusActive).
		Order("id DESC").
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActivePlan
		}
		return nil, err
	}
	plan.Source = "database"
	return &plan, nil
}

func (r *PlanRepository) Create(ctx context.Context, plan *model.Plan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}
