package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"incomeengine/internal/infrastructure/metrics"
	"incomeengine/internal/model"
	"incomeengine/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BonusResult 推荐奖处理结果；Credited 为 false 时 SkipReason 说明原因
type BonusResult struct {
	Credited     bool
	ReferrerID   int64
	InvestmentID int64
	Amount       decimal.Decimal
	SkipReason   string
}

const (
	bonusSkipNoReferrer      = "no_referrer"
	bonusSkipDisabled        = "disabled"
	bonusSkipAlreadyCredited = "already_credited"
	bonusSkipZeroAmount      = "zero_amount"
	bonusSkipNoInvestment    = "no_investment"
)

// ReferralBonusProcessor 推荐奖只发给直接推荐人，每个 (推荐人, 投资人) 只发一次
type ReferralBonusProcessor struct {
	investments InvestmentStore
	incomes     IncomeStore
	ledger      Ledger
	rootUserID  int64
	logger      *zap.Logger
	now         func() time.Time
}

func NewReferralBonusProcessor(investments InvestmentStore, incomes IncomeStore, ledger Ledger, rootUserID int64, logger *zap.Logger) *ReferralBonusProcessor {
	return &ReferralBonusProcessor{
		investments: investments,
		incomes:     incomes,
		ledger:      ledger,
		rootUserID:  rootUserID,
		logger:      logger,
		now:         time.Now,
	}
}

// CreditReferralBonusIfFirstInvestment 按投资人最早一笔（未取消）投资的本金给直接推荐人发推荐奖。
// 不管由哪一笔投资触发，金额和关联的投资都取自首笔投资。
func (p *ReferralBonusProcessor) CreditReferralBonusIfFirstInvestment(ctx context.Context, plan *model.Plan, investor *model.User) (*BonusResult, error) {
	referrerID, ok := investor.Parent().Resolve(p.rootUserID)
	if !ok || referrerID == investor.ID {
		return p.skip(bonusSkipNoReferrer), nil
	}
	result := &BonusResult{ReferrerID: referrerID, Amount: decimal.Zero}

	if !plan.ReferralBonusPercent.IsPositive() {
		return p.skipped(result, bonusSkipDisabled), nil
	}

	exists, err := p.incomes.ReferralBonusExists(ctx, referrerID, investor.ID)
	if err != nil {
		return nil, fmt.Errorf("查询推荐奖记录失败: %w", err)
	}
	if exists {
		return p.skipped(result, bonusSkipAlreadyCredited), nil
	}

	first, err := p.investments.FirstInvestment(ctx, investor.ID)
	if errors.Is(err, repository.ErrInvestmentNotFound) {
		return p.skipped(result, bonusSkipNoInvestment), nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询首笔投资失败: %w", err)
	}
	result.InvestmentID = first.ID

	amount := first.Amount
	investmentID := first.ID
	bonus := model.Percentage(amount, plan.ReferralBonusPercent)
	if !bonus.IsPositive() {
		return p.skipped(result, bonusSkipZeroAmount), nil
	}

	investorID := investor.ID
	income := &model.Income{
		DedupeKey:    model.ReferralBonusKey(referrerID, investorID),
		UserID:       referrerID,
		FromUserID:   &investorID,
		InvestmentID: &investmentID,
		Type:         model.IncomeTypeReferralBonus,
		Amount:       bonus,
		Metadata: map[string]any{
			"percent":   plan.ReferralBonusPercent.String(),
			"principal": amount.StringFixed(model.AmountScale),
		},
		CreatedAt: p.now(),
	}

	err = p.ledger.Credit(ctx, income)
	if errors.Is(err, repository.ErrAlreadyCredited) {
		return p.skipped(result, bonusSkipAlreadyCredited), nil
	}
	if err != nil {
		return nil, fmt.Errorf("推荐奖入账失败 referrer=%d: %w", referrerID, err)
	}

	metrics.ObserveCredit(model.IncomeTypeReferralBonus, bonus)
	p.logger.Info("推荐奖入账",
		zap.Int64("user_id", referrerID),
		zap.Int64("from_user_id", investorID),
		zap.Int64("investment_id", investmentID),
		zap.String("amount", bonus.String()))

	result.Credited = true
	result.Amount = bonus
	return result, nil
}

func (p *ReferralBonusProcessor) skip(reason string) *BonusResult {
	return p.skipped(&BonusResult{Amount: decimal.Zero}, reason)
}

func (p *ReferralBonusProcessor) skipped(result *BonusResult, reason string) *BonusResult {
	metrics.IncomeSkippedTotal.WithLabelValues(model.IncomeTypeReferralBonus, reason).Inc()
	result.SkipReason = reason
	return result
}
