package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"incomeengine/internal/model"
	"incomeengine/internal/repository"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type RewardResult struct {
	mu sync.Mutex

	ProcessedUsers    int
	NewQualifications int
	Cancelled         bool
	Errors            []model.UnitError
}

func (r *RewardResult) processed(newRewards int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ProcessedUsers++
	r.NewQualifications += newRewards
}

func (r *RewardResult) fail(userID int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, model.UnitError{UserID: userID, Stage: stageReward, Message: err.Error()})
}

// RewardEvaluator 里程碑奖励资格评估，只新增 qualified 记录，不修改已有奖励
type RewardEvaluator struct {
	users       UserStore
	investments InvestmentStore
	rewards     RewardStore
	logger      *zap.Logger
	workers     int
	pageSize    int
	now         func() time.Time
}

func NewRewardEvaluator(users UserStore, investments InvestmentStore, rewards RewardStore, workers, pageSize int, logger *zap.Logger) *RewardEvaluator {
	return &RewardEvaluator{
		users:       users,
		investments: investments,
		rewards:     rewards,
		logger:      logger,
		workers:     workers,
		pageSize:    pageSize,
		now:         time.Now,
	}
}

func (e *RewardEvaluator) EvaluateRewardQualification(ctx context.Context, plan *model.Plan) (*RewardResult, error) {
	result := &RewardResult{}
	tiers := plan.SortedRewardTiers()
	if len(tiers) == 0 {
		e.logger.Info("方案没有配置奖励档位，跳过")
		return result, nil
	}

	var afterID int64
	for {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		users, err := e.users.ListInvestors(ctx, afterID, e.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				break
			}
			return result, fmt.Errorf("读取投资用户失败: %w", err)
		}
		if len(users) == 0 {
			break
		}
		afterID = users[len(users)-1].ID

		wp := pool.New().WithMaxGoroutines(e.workers)
		for _, user := range users {
			user := user
			wp.Go(func() {
				if ctx.Err() != nil {
					return
				}
				created, err := e.evaluateUser(ctx, user.ID, tiers)
				if err != nil {
					e.logger.Error("奖励资格评估失败", zap.Int64("user_id", user.ID), zap.Error(err))
					result.fail(user.ID, err)
					return
				}
				result.processed(created)
			})
		}
		wp.Wait()

		if len(users) < e.pageSize {
			break
		}
	}

	if ctx.Err() != nil {
		result.Cancelled = true
	}
	return result, nil
}

func (e *RewardEvaluator) evaluateUser(ctx context.Context, userID int64, tiers []model.RewardTier) (int, error) {
	self, err := e.investments.SelfInvestment(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("统计自投业绩失败: %w", err)
	}
	direct, err := e.users.DirectBusiness(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("统计直推业绩失败: %w", err)
	}

	created := 0
	for i := range tiers {
		tier := &tiers[i]
		if !tier.Qualifies(self, direct) {
			continue
		}

		exists, err := e.rewards.Exists(ctx, userID, tier.RewardType)
		if err != nil {
			return created, fmt.Errorf("查询奖励记录失败: %w", err)
		}
		if exists {
			continue
		}

		reward := &model.Reward{
			UserID:         userID,
			RewardType:     tier.RewardType,
			Name:           tier.Name,
			SelfTarget:     tier.SelfTarget,
			SelfAchieved:   self,
			DirectTarget:   tier.DirectTarget,
			DirectAchieved: direct,
			RewardValue:    tier.RewardValue,
			Status:         model.RewardStatusQualified,
			QualifiedAt:    e.now(),
		}
		err = e.rewards.Create(ctx, reward)
		if errors.Is(err, repository.ErrRewardExists) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("创建奖励记录失败 type=%s: %w", tier.RewardType, err)
		}

		created++
		e.logger.Info("用户达到奖励资格",
			zap.Int64("user_id", userID),
			zap.String("reward_type", tier.RewardType),
			zap.String("self", self.String()),
			zap.String("direct", direct.String()))
	}
	return created, nil
}
