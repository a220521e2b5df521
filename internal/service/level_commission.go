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

// ============================================================================
// 层级佣金
// ============================================================================
//
// 从来源用户的直接推荐人开始向上走，level 从 1 开始，最多 10 层：
//   - 上级没有投资过        -> 跳过，level 不变，继续看上上级
//   - 直推人数 < 该层要求    -> 跳过，level 不变
//   - 当天已经发过这一层     -> 跳过，level 不变
//   - 否则按该层比例入账佣金，level + 1
//
// 推荐人为平台根账户时解析为 business.root_user_id，按同样规则判断。
// 推荐关系出现环时停止。
// ============================================================================

// ROIEvent 一笔成功入账的每日收益
type ROIEvent struct {
	SourceUser   *model.User
	Profit       decimal.Decimal
	InvestmentID int64
	Day          model.BusinessDay
}

// LevelCredit 一次成功的层级佣金入账
type LevelCredit struct {
	UserID int64
	Level  int
	Amount decimal.Decimal
}

type PropagationResult struct {
	Credits []LevelCredit
	Amount  decimal.Decimal
	Skips   map[SkipReason]int
}

func newPropagationResult() *PropagationResult {
	return &PropagationResult{Amount: decimal.Zero, Skips: make(map[SkipReason]int)}
}

type LevelCommissionPropagator struct {
	users       UserStore
	eligibility *EligibilityEvaluator
	ledger      Ledger
	rootUserID  int64
	logger      *zap.Logger
	now         func() time.Time
}

func NewLevelCommissionPropagator(users UserStore, eligibility *EligibilityEvaluator, ledger Ledger, rootUserID int64, logger *zap.Logger) *LevelCommissionPropagator {
	return &LevelCommissionPropagator{
		users:       users,
		eligibility: eligibility,
		ledger:      ledger,
		rootUserID:  rootUserID,
		logger:      logger,
		now:         time.Now,
	}
}

// PropagateLevelCommission 把一笔每日收益按层级比例分给上级。
// 出错时已经入账的层保留，返回值里带着已完成的部分。
func (p *LevelCommissionPropagator) PropagateLevelCommission(ctx context.Context, plan *model.Plan, ev ROIEvent) (*PropagationResult, error) {
	result := newPropagationResult()
	if !ev.Profit.IsPositive() {
		return result, nil
	}

	visited := map[int64]bool{ev.SourceUser.ID: true}
	parentRef := ev.SourceUser.Parent()
	level := 1

	for level <= model.MaxCommissionLevel {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		commission, ok := plan.CommissionFor(level)
		if !ok {
			break
		}

		parentID, ok := parentRef.Resolve(p.rootUserID)
		if !ok {
			break
		}
		if visited[parentID] {
			p.logger.Warn("推荐关系存在环，停止向上分佣",
				zap.Int64("source_user_id", ev.SourceUser.ID),
				zap.Int64("user_id", parentID))
			break
		}
		visited[parentID] = true

		parent, err := p.users.GetUser(ctx, parentID)
		if err != nil {
			return result, fmt.Errorf("查询第 %d 层上级 %d 失败: %w", level, parentID, err)
		}

		credit, reason, err := p.creditLevel(ctx, ev, parent, level, commission)
		if err != nil {
			return result, fmt.Errorf("第 %d 层佣金入账失败 user=%d: %w", level, parent.ID, err)
		}

		if reason != "" {
			result.Skips[reason]++
			metrics.IncomeSkippedTotal.WithLabelValues(model.IncomeTypeLevelROI, string(reason)).Inc()
			if skipConsumesLevel(reason) {
				level++
			}
		} else {
			result.Credits = append(result.Credits, *credit)
			result.Amount = result.Amount.Add(credit.Amount)
			level++
		}

		parentRef = parent.Parent()
	}

	return result, nil
}

func (p *LevelCommissionPropagator) creditLevel(ctx context.Context, ev ROIEvent, parent *model.User, level int, commission *model.LevelCommission) (*LevelCredit, SkipReason, error) {
	elig, err := p.eligibility.IsEligibleForLevel(ctx, parent.ID, commission)
	if err != nil {
		return nil, "", err
	}
	if !elig.Eligible {
		return nil, elig.Reason, nil
	}

	done, err := p.eligibility.AlreadyCredited(ctx, parent.ID, ev.SourceUser.ID, level, ev.InvestmentID, ev.Day)
	if err != nil {
		return nil, "", err
	}
	if done {
		return nil, SkipAlreadyCredited, nil
	}

	amount := model.Percentage(ev.Profit, commission.Percent)
	if !amount.IsPositive() {
		return nil, SkipZeroCommission, nil
	}

	fromUserID := ev.SourceUser.ID
	investmentID := ev.InvestmentID
	income := &model.Income{
		DedupeKey:    model.LevelIncomeKey(parent.ID, fromUserID, level, investmentID, ev.Day),
		UserID:       parent.ID,
		FromUserID:   &fromUserID,
		InvestmentID: &investmentID,
		Type:         model.IncomeTypeLevelROI,
		Amount:       amount,
		Level:        level,
		Metadata: map[string]any{
			"percent":          commission.Percent.String(),
			"source_profit":    ev.Profit.StringFixed(model.AmountScale),
			"direct_referrals": elig.Directs,
			"required_directs": elig.Required,
			"business_day":     ev.Day.String(),
		},
		CreatedAt: p.now(),
	}

	err = p.ledger.Credit(ctx, income)
	if errors.Is(err, repository.ErrAlreadyCredited) {
		return nil, SkipAlreadyCredited, nil
	}
	if err != nil {
		return nil, "", err
	}

	metrics.ObserveCredit(model.IncomeTypeLevelROI, amount)
	p.logger.Debug("层级佣金入账",
		zap.Int64("user_id", parent.ID),
		zap.Int64("from_user_id", fromUserID),
		zap.Int("level", level),
		zap.String("amount", amount.String()))

	return &LevelCredit{UserID: parent.ID, Level: level, Amount: amount}, "", nil
}
