package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"incomeengine/internal/infrastructure/lock"
	"incomeengine/internal/model"
	"incomeengine/internal/repository"

	"go.uber.org/zap"
)

var (
	ErrAlreadyReversed  = errors.New("该流水已冲正，请勿重复操作")
	ErrReversalRejected = errors.New("该流水不允许冲正")
)

const reversalLockTTL = 30 * time.Second

// ReversalService 收益冲正：写一条负数的 reversal 流水并扣回钱包，原流水不做修改
type ReversalService struct {
	incomes IncomeStore
	ledger  Ledger
	locker  Locker
	logger  *zap.Logger
	now     func() time.Time
}

func NewReversalService(incomes IncomeStore, ledger Ledger, locker Locker, logger *zap.Logger) *ReversalService {
	return &ReversalService{
		incomes: incomes,
		ledger:  ledger,
		locker:  locker,
		logger:  logger,
		now:     time.Now,
	}
}

type ReverseRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	IncomeNo  string `json:"income_no" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
}

type ReverseResponse struct {
	ReversalNo string `json:"reversal_no"`
	IncomeNo   string `json:"income_no"`
	UserID     int64  `json:"user_id"`
	Amount     string `json:"amount"`
	Balance    string `json:"balance_after"`
	Message    string `json:"message,omitempty"`
}

func (s *ReversalService) ReverseIncome(ctx context.Context, req *ReverseRequest) (*ReverseResponse, error) {
	original, err := s.incomes.GetByIncomeNo(ctx, req.IncomeNo)
	if err != nil {
		if errors.Is(err, repository.ErrIncomeNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}

	if original.Type == model.IncomeTypeReversal || original.Status != model.IncomeStatusCredited {
		return nil, fmt.Errorf("%w: type=%s status=%s", ErrReversalRejected, original.Type, original.Status)
	}

	if err := s.checkNotReversed(ctx, req.IncomeNo); err != nil {
		return nil, err
	}

	reversalLock, err := s.locker.Wait(ctx, lock.ReversalLockKey(req.IncomeNo), req.RequestID, reversalLockTTL)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer reversalLock.Unlock(context.WithoutCancel(ctx))

	// 拿到锁后再检查一次
	if err := s.checkNotReversed(ctx, req.IncomeNo); err != nil {
		return nil, err
	}

	reversal, err := s.ledger.Reverse(ctx, original, req.Reason, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyCredited) {
			return nil, ErrAlreadyReversed
		}
		return nil, fmt.Errorf("冲正失败: %w", err)
	}

	s.logger.Info("收益冲正成功",
		zap.String("income_no", req.IncomeNo),
		zap.String("reversal_no", reversal.IncomeNo),
		zap.Int64("user_id", reversal.UserID),
		zap.String("amount", reversal.Amount.String()),
		zap.String("reason", req.Reason))

	return &ReverseResponse{
		ReversalNo: reversal.IncomeNo,
		IncomeNo:   req.IncomeNo,
		UserID:     reversal.UserID,
		Amount:     reversal.Amount.StringFixed(model.AmountScale),
		Balance:    reversal.BalanceAfter.StringFixed(model.AmountScale),
		Message:    "冲正成功",
	}, nil
}

func (s *ReversalService) checkNotReversed(ctx context.Context, incomeNo string) error {
	exists, err := s.incomes.ExistsByDedupeKey(ctx, model.ReversalKey(incomeNo))
	if err != nil {
		return fmt.Errorf("查询冲正记录失败: %w", err)
	}
	if exists {
		return ErrAlreadyReversed
	}
	return nil
}
