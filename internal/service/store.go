package service

import (
	"context"
	"time"

	"incomeengine/internal/infrastructure/lock"
	"incomeengine/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 引擎依赖的存储接口，由 repository 包实现，测试中使用内存实现

type UserStore interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	CountDirectReferrals(ctx context.Context, userID int64) (int64, error)
	ListInvestors(ctx context.Context, afterID int64, limit int) ([]*model.User, error)
	DirectBusiness(ctx context.Context, userID int64) (decimal.Decimal, error)
}

type InvestmentStore interface {
	GetInvestment(ctx context.Context, id int64) (*model.Investment, error)
	ListActive(ctx context.Context, afterID int64, limit int) ([]*model.Investment, error)
	HasInvested(ctx context.Context, userID int64) (bool, error)
	FirstInvestment(ctx context.Context, userID int64) (*model.Investment, error)
	SelfInvestment(ctx context.Context, userID int64) (decimal.Decimal, error)
}

type IncomeStore interface {
	GetByIncomeNo(ctx context.Context, incomeNo string) (*model.Income, error)
	ExistsByDedupeKey(ctx context.Context, key string) (bool, error)
	LevelIncomeExists(ctx context.Context, userID, fromUserID int64, level int, investmentID int64, day model.BusinessDay) (bool, error)
	ReferralBonusExists(ctx context.Context, referrerID, investorID int64) (bool, error)
	DailyProfitsOn(ctx context.Context, day model.BusinessDay) (map[int64]decimal.Decimal, error)
}

// Ledger 原子入账原语，重复入账返回 repository.ErrAlreadyCredited
type Ledger interface {
	Credit(ctx context.Context, income *model.Income) error
	CreditDailyProfit(ctx context.Context, inv *model.Investment, day model.BusinessDay, income *model.Income) error
	Reverse(ctx context.Context, original *model.Income, reason string, at time.Time) (*model.Income, error)
}

type RewardStore interface {
	Exists(ctx context.Context, userID int64, rewardType string) (bool, error)
	Create(ctx context.Context, reward *model.Reward) error
}

type PlanSource interface {
	ActivePlan(ctx context.Context) (*model.Plan, error)
}

type ExecutionStore interface {
	Create(ctx context.Context, exec *model.JobExecution) error
	Save(ctx context.Context, exec *model.JobExecution) error
	ListRecent(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error)
}

type OutboxWriter interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
}

type Locker interface {
	Obtain(ctx context.Context, key, owner string, ttl time.Duration) (lock.Unlocker, error)
	Wait(ctx context.Context, key, owner string, ttl time.Duration) (lock.Unlocker, error)
}

// 对账查询用

type IncomeLister interface {
	ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Income, int64, error)
}

type RewardLister interface {
	ListByUserID(ctx context.Context, userID int64) ([]*model.Reward, error)
}

type CreditSummer interface {
	SumCredited(ctx context.Context, userID int64) (decimal.Decimal, error)
}
