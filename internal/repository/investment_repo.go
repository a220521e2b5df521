package repository

import (
	"context"
	"errors"

	"incomeengine/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrInvestmentNotFound = errors.New("投资记录不存在")

type InvestmentRepository struct {
	db *gorm.DB
}

func NewInvestmentRepository(db *gorm.DB) *InvestmentRepository {
	return &InvestmentRepository{db: db}
}

// Create 写入投资并同步累加用户的 total_investment
func (r *InvestmentRepository) Create(ctx context.Context, inv *model.Investment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inv).Error; err != nil {
			return err
		}
		result := tx.Model(&model.User{}).
			Where("id = ?", inv.UserID).
			UpdateColumn("total_investment", gorm.Expr("total_investment + ?", inv.Amount))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

func (r *InvestmentRepository) GetInvestment(ctx context.Context, id int64) (*model.Investment, error) {
	var inv model.Investment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvestmentNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// ListActive 按 ID 游标分页读取有效投资
func (r *InvestmentRepository) ListActive(ctx context.Context, afterID int64, limit int) ([]*model.Investment, error) {
	var investments []*model.Investment
	err := r.db.WithContext(ctx).
		Where("status = ? AND id > ?", model.InvestmentStatusActive, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&investments).Error
	return investments, err
}

// FirstInvestment 用户最早的一笔投资（取消的不算）
func (r *InvestmentRepository) FirstInvestment(ctx context.Context, userID int64) (*model.Investment, error) {
	var inv model.Investment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status <> ?", userID, model.InvestmentStatusCancelled).
		Order("created_at ASC, id ASC").
		First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvestmentNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// HasInvested 用户是否有过投资（取消的不算）
func (r *InvestmentRepository) HasInvested(ctx context.Context, userID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Investment{}).
		Where("user_id = ? AND status <> ?", userID, model.InvestmentStatusCancelled).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

// SelfInvestment 用户自己的有效投资本金之和
func (r *InvestmentRepository) SelfInvestment(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.WithContext(ctx).
		Model(&model.Investment{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND status = ?", userID, model.InvestmentStatusActive).
		Row().
		Scan(&total)
	return total, err
}
