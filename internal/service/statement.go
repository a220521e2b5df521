package service

import (
	"context"
	"fmt"

	"incomeengine/internal/model"
)

const maxStatementPageSize = 100

// Statement 用户收益对账单：钱包余额应当等于全部已入账流水之和
type Statement struct {
	User        *model.User     `json:"user"`
	Incomes     []*model.Income `json:"incomes"`
	Total       int64           `json:"total"`
	Rewards     []*model.Reward `json:"rewards"`
	CreditedSum string          `json:"credited_sum"`
	Consistent  bool            `json:"consistent"`
}

type StatementService struct {
	users   UserStore
	incomes IncomeLister
	rewards RewardLister
	summer  CreditSummer
}

func NewStatementService(users UserStore, incomes IncomeLister, rewards RewardLister, summer CreditSummer) *StatementService {
	return &StatementService{users: users, incomes: incomes, rewards: rewards, summer: summer}
}

func (s *StatementService) Statement(ctx context.Context, userID int64, page, pageSize int) (*Statement, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > maxStatementPageSize {
		pageSize = 20
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	incomes, total, err := s.incomes.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询收益流水失败: %w", err)
	}

	rewards, err := s.rewards.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询奖励记录失败: %w", err)
	}

	sum, err := s.summer.SumCredited(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("汇总收益流水失败: %w", err)
	}

	return &Statement{
		User:        user,
		Incomes:     incomes,
		Total:       total,
		Rewards:     rewards,
		CreditedSum: sum.StringFixed(model.AmountScale),
		Consistent:  sum.Round(model.AmountScale).Equal(user.WalletBalance.Round(model.AmountScale)),
	}, nil
}
