package repository

import (
	"context"
	"errors"

	"incomeengine/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound     = errors.New("用户不存在")
	ErrBalanceNotEnough = errors.New("余额不足")
)

type UserRepository struct {
	db         *gorm.DB
	rootUserID int64
}

// NewUserRepository rootUserID 是平台根账户，推荐人为 root 哨兵的用户都算作它的直推
func NewUserRepository(db *gorm.DB, rootUserID int64) *UserRepository {
	return &UserRepository{db: db, rootUserID: rootUserID}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *UserRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.User, error) {
	var user model.User
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// directReferrals 直推用户（一层）
func (r *UserRepository) directReferrals(tx *gorm.DB, userID int64) *gorm.DB {
	if userID == r.rootUserID {
		return tx.Where("refer_id = ? OR refer_root = ?", userID, true)
	}
	return tx.Where("refer_id = ?", userID)
}

func (r *UserRepository) CountDirectReferrals(ctx context.Context, userID int64) (int64, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&model.User{})
	err := r.directReferrals(query, userID).Count(&count).Error
	return count, err
}

// IncreaseWallet 原子增加钱包余额及对应累计字段，amount 可以为负（冲正）
func (r *UserRepository) IncreaseWallet(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal, totalColumn string) error {
	updates := map[string]interface{}{
		"wallet_balance": gorm.Expr("wallet_balance + ?", amount),
	}
	if totalColumn != "" {
		updates[totalColumn] = gorm.Expr(totalColumn+" + ?", amount)
	}

	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}

	return nil
}

// ListInvestors 按 ID 游标分页列出有投资的用户
func (r *UserRepository) ListInvestors(ctx context.Context, afterID int64, limit int) ([]*model.User, error) {
	var users []*model.User
	err := r.db.WithContext(ctx).
		Where("id > ? AND total_investment > 0", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&users).Error
	return users, err
}

// DirectBusiness 直推用户的有效投资本金之和（只算一层）
func (r *UserRepository) DirectBusiness(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	sub := r.directReferrals(r.db.WithContext(ctx).Model(&model.User{}).Select("id"), userID)
	err := r.db.WithContext(ctx).
		Model(&model.Investment{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("status = ? AND user_id IN (?)", model.InvestmentStatusActive, sub).
		Row().
		Scan(&total)
	return total, err
}
