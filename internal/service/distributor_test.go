package service

import (
	"context"
	"errors"
	"testing"

	"incomeengine/internal/infrastructure/lock"
	"incomeengine/internal/model"
	"incomeengine/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 一棵小推荐树：A(10) <- B(11) <- C(12)，A <- X(13)，B <- D(14)
func seedTree(s *memStore) {
	s.addUser(10, 0)
	s.addUser(11, 10)
	s.addUser(12, 11)
	s.addUser(13, 10)
	s.addUser(14, 11)
	s.invest(10, "1000")
	s.invest(11, "2000")
	s.invest(12, "10000")
	s.invest(12, "500")
	s.invest(13, "300")
	s.invest(14, "800")
}

func snapshotBalances(s *memStore) map[int64]decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]decimal.Decimal, len(s.users))
	for id, u := range s.users {
		out[id] = u.WalletBalance
	}
	return out
}

func assertLedgerConsistent(t *testing.T, s *memStore) {
	t.Helper()
	for id, bal := range snapshotBalances(s) {
		assert.True(t, bal.Equal(s.sumIncomes(id)), "user %d balance %s != incomes %s", id, bal, s.sumIncomes(id))
	}
}

func TestRunDailyDistribution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store
	seedTree(s)

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 6, exec.ProcessedCount)
	assert.Zero(t, exec.ErrorCount)
	assert.Equal(t, model.TriggerManual, exec.TriggerSource)
	assert.Equal(t, "2024-01-15", exec.BusinessDay)

	// C 的 10000 本金 1% = 100：B 第 1 层 15，A（两个直推）第 2 层 10
	fromC := func(userID int64) decimal.Decimal {
		total := decimal.Zero
		for _, inc := range s.incomesOf(userID, model.IncomeTypeLevelROI) {
			if *inc.FromUserID == 12 {
				total = total.Add(inc.Amount)
			}
		}
		return total
	}
	// 500 本金的 5 元收益再分 0.75 和 0.5
	assert.True(t, fromC(11).Equal(dec("15.75")), "got %s", fromC(11))
	assert.True(t, fromC(10).Equal(dec("10.5")), "got %s", fromC(10))

	assert.Equal(t, 6, s.countType(model.IncomeTypeDailyProfit))
	assertLedgerConsistent(t, s)

	saved, err := h.executions.ListRecent(ctx, model.JobDailyDistribution, 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, model.ExecutionStatusCompleted, saved[0].Status)
	assert.NotNil(t, saved[0].FinishedAt)

	require.Len(t, h.outbox.messages, 1)
	assert.Equal(t, "income.job.finished", h.outbox.messages[0].Topic)
}

func TestRunDailyDistributionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1.25")
	s := h.store
	seedTree(s)

	_, err := h.distributor.RunDailyDistribution(ctx, model.TriggerAutomatic)
	require.NoError(t, err)
	balances := snapshotBalances(s)
	daily := s.countType(model.IncomeTypeDailyProfit)
	level := s.countType(model.IncomeTypeLevelROI)
	bonus := s.countType(model.IncomeTypeReferralBonus)

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, exec.ProcessedCount)
	assert.Equal(t, 6, exec.SkippedCount)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)

	assert.Equal(t, balances, snapshotBalances(s))
	assert.Equal(t, daily, s.countType(model.IncomeTypeDailyProfit))
	assert.Equal(t, level, s.countType(model.IncomeTypeLevelROI))
	assert.Equal(t, bonus, s.countType(model.IncomeTypeReferralBonus))
	assertLedgerConsistent(t, s)
}

func TestRunDailyDistributionPartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store
	seedTree(s)
	broken := s.invest(13, "700")

	s.failCredit = func(income *model.Income) error {
		if income.Type == model.IncomeTypeDailyProfit && *income.InvestmentID == broken.ID {
			return errors.New("connection reset")
		}
		return nil
	}

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerAutomatic)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusPartialSuccess, exec.Status)
	assert.Equal(t, 6, exec.ProcessedCount)
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, broken.ID, exec.Errors[0].InvestmentID)
	assert.Equal(t, int64(13), exec.Errors[0].UserID)
	assert.Equal(t, stageDailyProfit, exec.Errors[0].Stage)

	// 下一次运行只补发失败的那一笔
	s.failCredit = nil
	exec, err = h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 1, exec.ProcessedCount)
	assert.Equal(t, 7, s.countType(model.IncomeTypeDailyProfit))
	assertLedgerConsistent(t, s)
}

func TestRunDailyDistributionResumesLevelCommission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store
	s.addUser(10, 0)
	s.addUser(11, 10)
	s.invest(10, "1000")
	source := s.invest(11, "1000")

	s.failCredit = func(income *model.Income) error {
		if income.Type == model.IncomeTypeLevelROI {
			return errors.New("lock wait timeout")
		}
		return nil
	}

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerAutomatic)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusPartialSuccess, exec.Status)
	assert.Equal(t, 2, exec.ProcessedCount)
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, source.ID, exec.Errors[0].InvestmentID)
	assert.Equal(t, stageLevelCommission, exec.Errors[0].Stage)
	assert.Equal(t, 2, s.countType(model.IncomeTypeDailyProfit))
	assert.Zero(t, s.countType(model.IncomeTypeLevelROI))

	// 每日收益已入账，重跑时按当日流水的收益补发层级佣金
	s.failCredit = nil
	exec, err = h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Zero(t, exec.ProcessedCount)
	assert.Equal(t, 2, exec.SkippedCount)
	assert.Equal(t, 1, exec.Summary["level_income_count"])
	assert.Equal(t, 2, s.countType(model.IncomeTypeDailyProfit))

	level := s.incomesOf(10, model.IncomeTypeLevelROI)
	require.Len(t, level, 1)
	assert.True(t, level[0].Amount.Equal(dec("1.5")), "got %s", level[0].Amount)
	assert.Equal(t, int64(11), *level[0].FromUserID)
	assert.Equal(t, source.ID, *level[0].InvestmentID)
	assertLedgerConsistent(t, s)

	// 已经补齐，再跑一次不会多发
	balances := snapshotBalances(s)
	exec, err = h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 0, exec.Summary["level_income_count"])
	assert.Equal(t, balances, snapshotBalances(s))
	assert.Equal(t, 1, s.countType(model.IncomeTypeLevelROI))
}

func TestRunDailyDistributionResumesReferralBonus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store
	s.addUser(10, 0)
	s.addUser(11, 10)
	s.invest(11, "1000")

	s.failCredit = func(income *model.Income) error {
		if income.Type == model.IncomeTypeReferralBonus {
			return errors.New("connection reset")
		}
		return nil
	}

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerAutomatic)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusPartialSuccess, exec.Status)
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, stageReferralBonus, exec.Errors[0].Stage)
	assert.Zero(t, s.countType(model.IncomeTypeReferralBonus))

	s.failCredit = nil
	exec, err = h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Zero(t, exec.ProcessedCount)
	assert.Equal(t, 1, exec.Summary["referral_bonus_count"])
	assert.Equal(t, 1, s.countType(model.IncomeTypeDailyProfit))
	assert.Equal(t, 1, s.countType(model.IncomeTypeReferralBonus))
	assert.True(t, s.balance(10).Equal(dec("100")))
	assertLedgerConsistent(t, s)
}

func TestRunDailyDistributionResumesMidWalk(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store
	seedTree(s)

	// 第 2 层（A 从 C 拿佣金）失败，第 1 层已经入账
	s.failCredit = func(income *model.Income) error {
		if income.Type == model.IncomeTypeLevelROI && income.UserID == 10 && *income.FromUserID == 12 {
			return errors.New("deadlock found")
		}
		return nil
	}
	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerAutomatic)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusPartialSuccess, exec.Status)
	partial := s.countType(model.IncomeTypeLevelROI)

	s.failCredit = nil
	exec, err = h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Zero(t, exec.ProcessedCount)
	assert.Greater(t, s.countType(model.IncomeTypeLevelROI), partial)

	// 结果与一次成功的运行一致
	clean := newHarness(t, "1")
	seedTree(clean.store)
	_, err = clean.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, snapshotBalances(clean.store), snapshotBalances(s))
	assert.Equal(t, clean.store.countType(model.IncomeTypeLevelROI), s.countType(model.IncomeTypeLevelROI))
	assertLedgerConsistent(t, s)
}

func TestRunDailyDistributionHundredUserChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store

	s.addUser(1001, 0)
	for id := int64(1002); id <= 1100; id++ {
		s.addUser(id, id-1)
	}
	s.invest(1100, "1000")

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)

	assert.True(t, s.balance(1100).Equal(dec("10")))
	assert.True(t, s.balance(1099).Equal(dec("100")))
	for id := int64(1001); id <= 1098; id++ {
		assert.True(t, s.balance(id).IsZero(), "user %d", id)
	}
	// 上级都没投资，没有层级佣金
	assert.Zero(t, s.countType(model.IncomeTypeLevelROI))
	assert.Equal(t, 1, s.countType(model.IncomeTypeReferralBonus))
	assertLedgerConsistent(t, s)
}

func TestRunDailyDistributionHundredUserChainAllInvested(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store

	s.addUser(1001, 0)
	s.invest(1001, "1000")
	for id := int64(1002); id <= 1100; id++ {
		s.addUser(id, id-1)
		s.invest(id, "1000")
	}

	_, err := h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)

	// 每人只有一个直推，只能拿第 1 层
	var levels []*model.Income
	for id := int64(1001); id <= 1100; id++ {
		levels = append(levels, s.incomesOf(id, model.IncomeTypeLevelROI)...)
	}
	require.Len(t, levels, 99)
	for _, inc := range levels {
		assert.Equal(t, 1, inc.Level)
		assert.LessOrEqual(t, inc.Level, model.MaxCommissionLevel)
	}
	assert.True(t, s.balance(1100).Equal(dec("10")))
	assert.True(t, s.balance(1001).Equal(dec("10").Add(dec("1.5")).Add(dec("100"))))
	assertLedgerConsistent(t, s)
}

func TestRunDailyDistributionConcurrentReferrer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store

	s.addUser(10, 0)
	s.invest(10, "1000")
	for id := int64(100); id < 140; id++ {
		s.addUser(id, 10)
		s.invest(id, "1000")
	}

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 41, exec.ProcessedCount)

	// 自己 10 + 40 × 1.5 层级佣金 + 40 × 100 推荐奖
	assert.True(t, s.balance(10).Equal(dec("4070")), "got %s", s.balance(10))
	assertLedgerConsistent(t, s)
}

func TestRunDailyDistributionLocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	day := model.BusinessDayOf(testNow)

	held, err := h.locker.Obtain(ctx, lock.RunLockKey(model.JobDailyDistribution, day.Key()), "other", 0)
	require.NoError(t, err)

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.ErrorIs(t, err, ErrJobRunning)
	assert.Nil(t, exec)

	require.NoError(t, held.Unlock(ctx))
	_, err = h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
}

func TestRunDailyDistributionWithoutPlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store
	seedTree(s)
	s.plan = nil

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerAutomatic)
	require.ErrorIs(t, err, repository.ErrNoActivePlan)
	require.NotNil(t, exec)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Zero(t, s.countType(model.IncomeTypeDailyProfit))

	// 显式允许配置兜底方案后可以运行，并记录方案来源
	h.distributor.opts.FallbackPlan = testPlan()
	exec, err = h.distributor.RunDailyDistribution(ctx, model.TriggerAutomatic)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, planSourceConf, exec.Summary["plan_source"])
}

func TestRunDailyDistributionInvalidPlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	h.store.plan.LevelCommissions = append(h.store.plan.LevelCommissions, model.LevelCommission{Level: 11, Percent: dec("1")})

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerAutomatic)
	require.ErrorIs(t, err, model.ErrPlanInvalid)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
}

func TestRunDailyDistributionCancelled(t *testing.T) {
	h := newHarness(t, "1")
	seedTree(h.store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, err := h.distributor.RunDailyDistribution(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, true, exec.Summary["cancelled"])
	assert.Zero(t, h.store.countType(model.IncomeTypeDailyProfit))
	assert.NotEqual(t, model.ExecutionStatusCompleted, exec.Status)
}

func TestOnInvestmentCreditsBonus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1")
	s := h.store
	s.addUser(10, 0)
	s.addUser(11, 10)
	inv := s.invest(11, "1000")

	res, err := h.distributor.OnInvestment(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.True(t, s.balance(10).Equal(dec("100")))

	// 当天的批处理不会再发一次
	_, err = h.distributor.RunDailyDistribution(ctx, model.TriggerAutomatic)
	require.NoError(t, err)
	assert.Equal(t, 1, s.countType(model.IncomeTypeReferralBonus))
	assert.True(t, s.balance(10).Equal(dec("100")))
}
