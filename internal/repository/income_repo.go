package repository

import (
	"context"
	"errors"

	"incomeengine/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrIncomeNotFound = errors.New("收益流水不存在")

type IncomeRepository struct {
	db *gorm.DB
}

func NewIncomeRepository(db *gorm.DB) *IncomeRepository {
	return &IncomeRepository{db: db}
}

func (r *IncomeRepository) Create(ctx context.Context, tx *gorm.DB, income *model.Income) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(income).Error
}

func (r *IncomeRepository) GetByIncomeNo(ctx context.Context, incomeNo string) (*model.Income, error) {
	var income model.Income
	err := r.db.WithContext(ctx).Where("income_no = ?", incomeNo).First(&income).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIncomeNotFound
		}
		return nil, err
	}
	return &income, nil
}

func (r *IncomeRepository) ExistsByDedupeKey(ctx context.Context, key string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Income{}).
		Where("dedupe_key = ?", key).
		Count(&count).Error
	return count > 0, err
}

// LevelIncomeExists 查询 (收款人, 来源用户, 层级, 来源投资, 业务日) 是否已发放层级佣金
func (r *IncomeRepository) LevelIncomeExists(ctx context.Context, userID, fromUserID int64, level int, investmentID int64, day model.BusinessDay) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Income{}).
		Where("user_id = ? AND from_user_id = ? AND type = ? AND level = ? AND investment_id = ?",
			userID, fromUserID, model.IncomeTypeLevelROI, level, investmentID).
		Where("created_at >= ? AND created_at < ?", day.Start, day.End).
		Count(&count).Error
	return count > 0, err
}

// ReferralBonusExists 推荐奖是否已经发给过 (推荐人, 投资人)
func (r *IncomeRepository) ReferralBonusExists(ctx context.Context, referrerID, investorID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Income{}).
		Where("user_id = ? AND from_user_id = ? AND type = ?", referrerID, investorID, model.IncomeTypeReferralBonus).
		Count(&count).Error
	return count > 0, err
}

// DailyProfitsOn 业务日内已经写过 daily_profit 流水的投资，值为当日收益额
func (r *IncomeRepository) DailyProfitsOn(ctx context.Context, day model.BusinessDay) (map[int64]decimal.Decimal, error) {
	var rows []struct {
		InvestmentID int64
		Amount       decimal.Decimal
	}
	err := r.db.WithContext(ctx).
		Model(&model.Income{}).
		Select("investment_id, amount").
		Where("type = ? AND created_at >= ? AND created_at < ?", model.IncomeTypeDailyProfit, day.Start, day.End).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	profits := make(map[int64]decimal.Decimal, len(rows))
	for _, row := range rows {
		profits[row.InvestmentID] = row.Amount
	}
	return profits, nil
}

func (r *IncomeRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Income, int64, error) {
	var incomes []*model.Income
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Income{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&incomes).Error

	return incomes, total, err
}
