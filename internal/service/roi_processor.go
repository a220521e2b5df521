package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"incomeengine/internal/infrastructure/metrics"
	"incomeengine/internal/model"
	"incomeengine/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	stageValidate        = "validate"
	stageTier            = "tier"
	stageDailyProfit     = "daily_profit"
	stageLevelCommission = "level_commission"
	stageReferralBonus   = "referral_bonus"
	stageReward          = "reward"
	stageRun             = "run"
)

// ROIResult 每日收益批处理的汇总，多个 worker 并发写入
type ROIResult struct {
	mu sync.Mutex

	Processed   int
	Skipped     int
	TotalAmount decimal.Decimal

	LevelCredits int
	LevelAmount  decimal.Decimal
	BonusCredits int
	BonusAmount  decimal.Decimal

	Cancelled bool
	Errors    []model.UnitError
}

func newROIResult() *ROIResult {
	return &ROIResult{
		TotalAmount: decimal.Zero,
		LevelAmount: decimal.Zero,
		BonusAmount: decimal.Zero,
	}
}

func (r *ROIResult) credited(amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Processed++
	r.TotalAmount = r.TotalAmount.Add(amount)
}

func (r *ROIResult) skipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped++
}

func (r *ROIResult) fail(inv *model.Investment, stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, model.UnitError{
		InvestmentID: inv.ID,
		UserID:       inv.UserID,
		Stage:        stage,
		Message:      err.Error(),
	})
}

func (r *ROIResult) addPropagation(p *PropagationResult) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LevelCredits += len(p.Credits)
	r.LevelAmount = r.LevelAmount.Add(p.Amount)
}

func (r *ROIResult) addBonus(b *BonusResult) {
	if b == nil || !b.Credited {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BonusCredits++
	r.BonusAmount = r.BonusAmount.Add(b.Amount)
}

// GrandTotal 本次运行入账总额（每日收益 + 层级佣金 + 推荐奖）
func (r *ROIResult) GrandTotal() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.TotalAmount.Add(r.LevelAmount).Add(r.BonusAmount)
}

type ROIProcessor struct {
	users       UserStore
	investments InvestmentStore
	incomes     IncomeStore
	ledger      Ledger
	propagator  *LevelCommissionPropagator
	bonus       *ReferralBonusProcessor
	rates       RateSource
	logger      *zap.Logger
	workers     int
	pageSize    int
	now         func() time.Time
}

func NewROIProcessor(
	users UserStore,
	investments InvestmentStore,
	incomes IncomeStore,
	ledger Ledger,
	propagator *LevelCommissionPropagator,
	bonus *ReferralBonusProcessor,
	rates RateSource,
	workers, pageSize int,
	logger *zap.Logger,
) *ROIProcessor {
	return &ROIProcessor{
		users:       users,
		investments: investments,
		incomes:     incomes,
		ledger:      ledger,
		propagator:  propagator,
		bonus:       bonus,
		rates:       rates,
		logger:      logger,
		workers:     workers,
		pageSize:    pageSize,
		now:         time.Now,
	}
}

// ProcessDailyROI 为当天还没发过收益的有效投资发放每日收益。
// 当天已入账的投资按已记录的收益重走层级佣金和推荐奖，补齐上次中断的部分。
// 单笔失败只记录错误，不影响其它投资；ctx 取消后不再开始新的投资。
func (p *ROIProcessor) ProcessDailyROI(ctx context.Context, plan *model.Plan, day model.BusinessDay) (*ROIResult, error) {
	result := newROIResult()

	credited, err := p.incomes.DailyProfitsOn(ctx, day)
	if err != nil {
		return result, fmt.Errorf("查询当日已发放记录失败: %w", err)
	}

	var afterID int64
	for {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		page, err := p.investments.ListActive(ctx, afterID, p.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				break
			}
			return result, fmt.Errorf("读取有效投资失败: %w", err)
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		wp := pool.New().WithMaxGoroutines(p.workers)
		for _, inv := range page {
			inv := inv
			profit, done := credited[inv.ID]
			if done || inv.CreditedOn(day) {
				result.skipped()
				if !done {
					// 日期已标记但查不到当日流水，没有可用的收益额
					p.logger.Warn("投资已标记当日发放但缺少收益流水", zap.Int64("investment_id", inv.ID))
					continue
				}
				wp.Go(func() {
					if ctx.Err() != nil {
						return
					}
					p.distribute(ctx, plan, day, inv, profit, result)
				})
				continue
			}
			wp.Go(func() {
				if ctx.Err() != nil {
					return
				}
				p.processOne(ctx, plan, day, inv, result)
			})
		}
		wp.Wait()

		if len(page) < p.pageSize {
			break
		}
	}

	if ctx.Err() != nil {
		result.Cancelled = true
	}
	return result, nil
}

func (p *ROIProcessor) processOne(ctx context.Context, plan *model.Plan, day model.BusinessDay, inv *model.Investment, result *ROIResult) {
	log := p.logger.With(zap.Int64("investment_id", inv.ID), zap.Int64("user_id", inv.UserID))

	if !inv.Amount.IsPositive() {
		log.Error("投资本金不合法", zap.String("amount", inv.Amount.String()))
		result.fail(inv, stageValidate, fmt.Errorf("投资本金必须为正数: %s", inv.Amount.String()))
		return
	}

	tier, fallback, err := plan.TierFor(inv)
	if err != nil {
		log.Error("解析套餐档位失败", zap.Error(err))
		result.fail(inv, stageTier, err)
		return
	}
	if fallback {
		log.Warn("没有匹配的档位，使用兜底档位", zap.String("tier", tier.Name))
	}

	rate := p.rates.Draw(tier.MinRate, tier.MaxRate)
	profit := model.Percentage(inv.Amount, rate)
	if !profit.IsPositive() {
		metrics.IncomeSkippedTotal.WithLabelValues(model.IncomeTypeDailyProfit, "zero_profit").Inc()
		result.skipped()
		return
	}

	investmentID := inv.ID
	income := &model.Income{
		DedupeKey:    model.DailyProfitKey(inv.ID, day),
		UserID:       inv.UserID,
		InvestmentID: &investmentID,
		Type:         model.IncomeTypeDailyProfit,
		Amount:       profit,
		Metadata: map[string]any{
			"rate":          rate.String(),
			"min_rate":      tier.MinRate.String(),
			"max_rate":      tier.MaxRate.String(),
			"tier":          tier.Name,
			"fallback_tier": fallback,
			"principal":     inv.Amount.StringFixed(model.AmountScale),
			"business_day":  day.String(),
		},
		CreatedAt: p.now(),
	}

	err = p.ledger.CreditDailyProfit(ctx, inv, day, income)
	if errors.Is(err, repository.ErrAlreadyCredited) {
		metrics.IncomeSkippedTotal.WithLabelValues(model.IncomeTypeDailyProfit, string(SkipAlreadyCredited)).Inc()
		result.skipped()
		return
	}
	if err != nil {
		log.Error("每日收益入账失败", zap.Error(err))
		result.fail(inv, stageDailyProfit, err)
		return
	}

	result.credited(profit)
	metrics.ObserveCredit(model.IncomeTypeDailyProfit, profit)
	log.Debug("每日收益入账", zap.String("rate", rate.String()), zap.String("amount", profit.String()))

	p.distribute(ctx, plan, day, inv, profit, result)
}

// distribute 每日收益入账之后发放层级佣金和推荐奖。
// 续跑时用当日流水的金额重走一遍，已发过的边由去重检查跳过。
func (p *ROIProcessor) distribute(ctx context.Context, plan *model.Plan, day model.BusinessDay, inv *model.Investment, profit decimal.Decimal, result *ROIResult) {
	log := p.logger.With(zap.Int64("investment_id", inv.ID), zap.Int64("user_id", inv.UserID))

	investor, err := p.users.GetUser(ctx, inv.UserID)
	if err != nil {
		log.Error("查询投资用户失败", zap.Error(err))
		result.fail(inv, stageLevelCommission, fmt.Errorf("查询投资用户失败: %w", err))
		return
	}

	prop, err := p.propagator.PropagateLevelCommission(ctx, plan, ROIEvent{
		SourceUser:   investor,
		Profit:       profit,
		InvestmentID: inv.ID,
		Day:          day,
	})
	result.addPropagation(prop)
	if err != nil {
		log.Error("层级佣金分配失败", zap.Error(err))
		result.fail(inv, stageLevelCommission, err)
	}

	bonus, err := p.bonus.CreditReferralBonusIfFirstInvestment(ctx, plan, investor)
	result.addBonus(bonus)
	if err != nil {
		log.Error("推荐奖处理失败", zap.Error(err))
		result.fail(inv, stageReferralBonus, err)
	}
}
