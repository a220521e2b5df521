package repository

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"incomeengine/internal/model"
	"incomeengine/pkg/idgen"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 入账账本
// ============================================================================
//
// 所有收益都经过这里入账，同一个事务内完成：
//   1. 锁定用户行（SELECT ... FOR UPDATE），读出入账前余额
//   2. 写收益流水（dedupe_key 唯一索引兜底防重）
//   3. 原子增加钱包余额和对应累计字段
//   4. 写本地消息表，由 OutboxSender 异步投递
//
// 每日收益额外先做一次条件更新：
//   UPDATE investments SET last_profit_date = ?
//   WHERE id = ? AND status = 'active'
//     AND (last_profit_date IS NULL OR last_profit_date < 业务日开始)
// 影响行数为 0 说明已经发过，直接返回 ErrAlreadyCredited。
//
// 死锁、锁等待超时、连接断开、单次超时都按瞬时错误重试，重试次数有上限。
// ============================================================================

var (
	ErrAlreadyCredited = errors.New("已入账，跳过")
	ErrTransient       = errors.New("瞬时错误")
)

const (
	mysqlErrDuplicateEntry   = 1062
	mysqlErrLockWaitTimeout  = 1205
	mysqlErrDeadlock         = 1213
	defaultRetryBaseInterval = 50 * time.Millisecond
)

type LedgerConfig struct {
	// Topic 为空时不写消息表
	Topic          string
	MaxRetry       int
	AttemptTimeout time.Duration
}

type Ledger struct {
	db         *gorm.DB
	userRepo   *UserRepository
	incomeRepo *IncomeRepository
	outbox     *OutboxRepository
	cfg        LedgerConfig
	retrier    *retrier.Retrier
}

func NewLedger(db *gorm.DB, userRepo *UserRepository, cfg LedgerConfig) *Ledger {
	return &Ledger{
		db:         db,
		userRepo:   userRepo,
		incomeRepo: NewIncomeRepository(db),
		outbox:     NewOutboxRepository(db),
		cfg:        cfg,
		retrier:    retrier.New(retrier.ExponentialBackoff(cfg.MaxRetry, defaultRetryBaseInterval), transientClassifier{}),
	}
}

// transientClassifier 只重试瞬时错误
type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	if IsTransient(err) {
		return retrier.Retry
	}
	return retrier.Fail
}

// IsTransient 死锁、锁等待超时、坏连接、单次超时
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrDeadlock || mysqlErr.Number == mysqlErrLockWaitTimeout
	}
	return false
}

// IsDuplicateKey 唯一索引冲突
func IsDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry
}

func (l *Ledger) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return l.retrier.Run(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptCtx := ctx
		cancel := func() {}
		if l.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, l.cfg.AttemptTimeout)
		}
		defer cancel()

		err := fn(attemptCtx)
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: 单次入账超时: %v", ErrTransient, err)
		}
		return err
	})
}

// Credit 入账一笔收益；dedupe_key 已存在时返回 ErrAlreadyCredited
func (l *Ledger) Credit(ctx context.Context, income *model.Income) error {
	return l.credit(ctx, income, model.TotalColumnFor(income.Type), nil)
}

// CreditDailyProfit 推进投资的 last_profit_date 并入账每日收益，两者同一事务
func (l *Ledger) CreditDailyProfit(ctx context.Context, inv *model.Investment, day model.BusinessDay, income *model.Income) error {
	guard := func(ctx context.Context, tx *gorm.DB, creditedAt time.Time) error {
		result := tx.WithContext(ctx).
			Model(&model.Investment{}).
			Where("id = ? AND status = ?", inv.ID, model.InvestmentStatusActive).
			Where("last_profit_date IS NULL OR last_profit_date < ?", day.Start).
			Update("last_profit_date", creditedAt)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAlreadyCredited
		}
		return nil
	}
	if err := l.credit(ctx, income, model.TotalColumnFor(income.Type), guard); err != nil {
		return err
	}
	at := income.CreatedAt
	inv.LastProfitDate = &at
	return nil
}

// Reverse 为一笔已入账流水写一条负数冲正流水，原流水保持不变
func (l *Ledger) Reverse(ctx context.Context, original *model.Income, reason string, at time.Time) (*model.Income, error) {
	if original.Type == model.IncomeTypeReversal {
		return nil, fmt.Errorf("冲正流水不能再冲正: %s", original.IncomeNo)
	}
	reversal := &model.Income{
		DedupeKey:    model.ReversalKey(original.IncomeNo),
		UserID:       original.UserID,
		FromUserID:   original.FromUserID,
		InvestmentID: original.InvestmentID,
		Type:         model.IncomeTypeReversal,
		Amount:       original.Amount.Neg(),
		Level:        original.Level,
		Metadata: map[string]any{
			"reverses":      original.IncomeNo,
			"original_type": original.Type,
			"reason":        reason,
		},
		CreatedAt: at,
	}
	if err := l.credit(ctx, reversal, model.TotalColumnFor(original.Type), nil); err != nil {
		return nil, err
	}
	return reversal, nil
}

type txGuard func(ctx context.Context, tx *gorm.DB, creditedAt time.Time) error

func (l *Ledger) credit(ctx context.Context, income *model.Income, totalColumn string, guard txGuard) error {
	if income.DedupeKey == "" {
		return errors.New("dedupe_key 不能为空")
	}
	if income.CreatedAt.IsZero() {
		income.CreatedAt = time.Now()
	}
	income.Amount = income.Amount.Round(model.AmountScale)

	return l.withRetry(ctx, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if guard != nil {
				if err := guard(ctx, tx, income.CreatedAt); err != nil {
					return err
				}
			}

			user, err := l.userRepo.GetByIDForUpdate(ctx, tx, income.UserID)
			if err != nil {
				return err
			}

			// 每次重试都重新生成，回滚后的 ID 和流水号不能复用
			income.ID = 0
			if income.Type == model.IncomeTypeReversal {
				income.IncomeNo = idgen.GenerateReversalNo()
			} else {
				income.IncomeNo = idgen.GenerateIncomeNo()
			}
			income.Status = model.IncomeStatusCredited
			income.BalanceBefore = user.WalletBalance
			income.BalanceAfter = user.WalletBalance.Add(income.Amount)
			if income.BalanceAfter.IsNegative() {
				return ErrBalanceNotEnough
			}

			if err := l.incomeRepo.Create(ctx, tx, income); err != nil {
				if IsDuplicateKey(err) {
					return ErrAlreadyCredited
				}
				return fmt.Errorf("写入收益流水失败: %w", err)
			}

			if err := l.userRepo.IncreaseWallet(ctx, tx, income.UserID, income.Amount, totalColumn); err != nil {
				return fmt.Errorf("更新钱包余额失败: %w", err)
			}

			if l.cfg.Topic == "" {
				return nil
			}
			payload, err := json.Marshal(creditedEvent(income))
			if err != nil {
				return err
			}
			msg := &model.OutboxMessage{
				MessageKey: income.IncomeNo,
				Topic:      l.cfg.Topic,
				Payload:    string(payload),
				Status:     model.OutboxStatusPending,
			}
			if err := l.outbox.Create(ctx, tx, msg); err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}
			return nil
		})
	})
}

func creditedEvent(income *model.Income) map[string]interface{} {
	event := map[string]interface{}{
		"income_no":     income.IncomeNo,
		"user_id":       income.UserID,
		"type":          income.Type,
		"amount":        income.Amount.StringFixed(model.AmountScale),
		"level":         income.Level,
		"balance_after": income.BalanceAfter.StringFixed(model.AmountScale),
		"credited_at":   income.CreatedAt.Format(time.RFC3339),
	}
	if income.FromUserID != nil {
		event["from_user_id"] = *income.FromUserID
	}
	if income.InvestmentID != nil {
		event["investment_id"] = *income.InvestmentID
	}
	return event
}

// SumCredited 用户已入账流水之和，用于对账
func (l *Ledger) SumCredited(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := l.db.WithContext(ctx).
		Model(&model.Income{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND status = ?", userID, model.IncomeStatusCredited).
		Row().
		Scan(&total)
	return total, err
}
