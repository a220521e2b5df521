package service

import (
	"context"
	"fmt"

	"incomeengine/internal/model"
)

// SkipReason 层级佣金跳过某个上级的原因
type SkipReason string

const (
	SkipNotInvested         SkipReason = "not_invested"
	SkipInsufficientDirects SkipReason = "insufficient_directs"
	SkipAlreadyCredited     SkipReason = "already_credited"
	SkipZeroCommission      SkipReason = "zero_commission"
)

// levelConsumingSkips 跳过时是否占用层级。
// 未投资、直推不足、已发放三种跳过目前都不占用层级，下一个上级继续按同一层判断；
// 比例为 0 的层视为已发放。
var levelConsumingSkips = map[SkipReason]bool{
	SkipNotInvested:         false,
	SkipInsufficientDirects: false,
	SkipAlreadyCredited:     false,
	SkipZeroCommission:      true,
}

func skipConsumesLevel(reason SkipReason) bool {
	return levelConsumingSkips[reason]
}

// Eligibility 某个用户对某一层佣金的资格判断结果
type Eligibility struct {
	Eligible bool
	Reason   SkipReason
	Directs  int64
	Required int64
}

type EligibilityEvaluator struct {
	users       UserStore
	investments InvestmentStore
	incomes     IncomeStore
}

func NewEligibilityEvaluator(users UserStore, investments InvestmentStore, incomes IncomeStore) *EligibilityEvaluator {
	return &EligibilityEvaluator{users: users, investments: investments, incomes: incomes}
}

// IsEligibleForLevel 自己有过投资，且直推人数 >= 该层要求（默认等于层数）
func (e *EligibilityEvaluator) IsEligibleForLevel(ctx context.Context, userID int64, commission *model.LevelCommission) (Eligibility, error) {
	result := Eligibility{Required: commission.Required()}

	invested, err := e.investments.HasInvested(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("查询用户 %d 投资记录失败: %w", userID, err)
	}
	if !invested {
		result.Reason = SkipNotInvested
		return result, nil
	}

	directs, err := e.users.CountDirectReferrals(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("查询用户 %d 直推人数失败: %w", userID, err)
	}
	result.Directs = directs
	if directs < result.Required {
		result.Reason = SkipInsufficientDirects
		return result, nil
	}

	result.Eligible = true
	return result, nil
}

// AlreadyCredited 当天是否已经为 (收款人, 来源用户, 层级, 来源投资) 发过佣金
func (e *EligibilityEvaluator) AlreadyCredited(ctx context.Context, userID, fromUserID int64, level int, investmentID int64, day model.BusinessDay) (bool, error) {
	return e.incomes.LevelIncomeExists(ctx, userID, fromUserID, level, investmentID, day)
}
