package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"incomeengine/internal/infrastructure/lock"
	"incomeengine/internal/infrastructure/metrics"
	"incomeengine/internal/model"
	"incomeengine/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrJobRunning = errors.New("任务正在运行，请勿重复触发")
)

const (
	runLockTTL            = time.Minute
	runLockRefresh        = 20 * time.Second
	defaultMaxRunDuration = 2 * time.Hour
	defaultWorkers        = 8
	defaultPageSize       = 500
	planSourceDB          = "database"
	planSourceConf        = "config"
	executionsLimit       = 100
)

// Stores 引擎用到的全部存储
type Stores struct {
	Users       UserStore
	Investments InvestmentStore
	Incomes     IncomeStore
	Rewards     RewardStore
	Plans       PlanSource
	Executions  ExecutionStore
	Ledger      Ledger
	Outbox      OutboxWriter
}

type Options struct {
	Workers        int
	PageSize       int
	RootUserID     int64
	MaxRunDuration time.Duration
	// JobFinishedTopic 为空时不发布任务完成事件
	JobFinishedTopic string
	// FallbackPlan 只有 allow_config_plan 打开时才设置
	FallbackPlan *model.Plan
	Rates        RateSource
	Now          func() time.Time
}

// Distributor 收益分配任务入口：定时任务和后台手动触发都走这里
type Distributor struct {
	stores      Stores
	locker      Locker
	opts        Options
	logger      *zap.Logger
	eligibility *EligibilityEvaluator
	propagator  *LevelCommissionPropagator
	bonus       *ReferralBonusProcessor
	roi         *ROIProcessor
	rewards     *RewardEvaluator
	now         func() time.Time
}

func NewDistributor(stores Stores, locker Locker, opts Options, logger *zap.Logger) *Distributor {
	if opts.Rates == nil {
		opts.Rates = NewRandomRateSource(0)
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxRunDuration <= 0 {
		opts.MaxRunDuration = defaultMaxRunDuration
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	eligibility := NewEligibilityEvaluator(stores.Users, stores.Investments, stores.Incomes)
	propagator := NewLevelCommissionPropagator(stores.Users, eligibility, stores.Ledger, opts.RootUserID, logger)
	propagator.now = now
	bonus := NewReferralBonusProcessor(stores.Investments, stores.Incomes, stores.Ledger, opts.RootUserID, logger)
	bonus.now = now
	roi := NewROIProcessor(stores.Users, stores.Investments, stores.Incomes, stores.Ledger, propagator, bonus, opts.Rates, opts.Workers, opts.PageSize, logger)
	roi.now = now
	rewards := NewRewardEvaluator(stores.Users, stores.Investments, stores.Rewards, opts.Workers, opts.PageSize, logger)
	rewards.now = now

	return &Distributor{
		stores:      stores,
		locker:      locker,
		opts:        opts,
		logger:      logger,
		eligibility: eligibility,
		propagator:  propagator,
		bonus:       bonus,
		roi:         roi,
		rewards:     rewards,
		now:         now,
	}
}

// RunDailyDistribution 每日收益 + 层级佣金 + 推荐奖
func (d *Distributor) RunDailyDistribution(ctx context.Context, triggerSource string) (*model.JobExecution, error) {
	return d.run(ctx, model.JobDailyDistribution, triggerSource, func(ctx context.Context, plan *model.Plan, day model.BusinessDay, exec *model.JobExecution) error {
		res, err := d.roi.ProcessDailyROI(ctx, plan, day)
		exec.ProcessedCount = res.Processed
		exec.SkippedCount = res.Skipped
		exec.TotalAmount = res.GrandTotal()
		exec.Errors = append(exec.Errors, res.Errors...)
		exec.Summary["daily_profit_amount"] = res.TotalAmount.StringFixed(model.AmountScale)
		exec.Summary["level_income_count"] = res.LevelCredits
		exec.Summary["level_income_amount"] = res.LevelAmount.StringFixed(model.AmountScale)
		exec.Summary["referral_bonus_count"] = res.BonusCredits
		exec.Summary["referral_bonus_amount"] = res.BonusAmount.StringFixed(model.AmountScale)
		if res.Cancelled {
			exec.Summary["cancelled"] = true
			exec.Errors = append(exec.Errors, model.UnitError{Stage: stageRun, Message: "运行超时或被取消，剩余投资下次运行继续处理"})
		}
		return err
	})
}

// RunRewardEvaluation 里程碑奖励资格评估
func (d *Distributor) RunRewardEvaluation(ctx context.Context, triggerSource string) (*model.JobExecution, error) {
	return d.run(ctx, model.JobRewardEvaluation, triggerSource, func(ctx context.Context, plan *model.Plan, _ model.BusinessDay, exec *model.JobExecution) error {
		res, err := d.rewards.EvaluateRewardQualification(ctx, plan)
		exec.ProcessedCount = res.ProcessedUsers
		exec.Errors = append(exec.Errors, res.Errors...)
		exec.Summary["new_qualifications"] = res.NewQualifications
		if res.Cancelled {
			exec.Summary["cancelled"] = true
			exec.Errors = append(exec.Errors, model.UnitError{Stage: stageRun, Message: "运行超时或被取消"})
		}
		return err
	})
}

// OnInvestment 投资成功后立即处理推荐奖，不等每日任务
func (d *Distributor) OnInvestment(ctx context.Context, investmentID int64) (*BonusResult, error) {
	inv, err := d.stores.Investments.GetInvestment(ctx, investmentID)
	if err != nil {
		return nil, err
	}
	if inv.Status == model.InvestmentStatusCancelled {
		return nil, fmt.Errorf("投资已取消: %d", investmentID)
	}
	investor, err := d.stores.Users.GetUser(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	plan, err := d.resolvePlan(ctx, d.logger)
	if err != nil {
		return nil, err
	}
	return d.bonus.CreditReferralBonusIfFirstInvestment(ctx, plan, investor)
}

// ListExecutions 最近的执行记录
func (d *Distributor) ListExecutions(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	if limit <= 0 || limit > executionsLimit {
		limit = executionsLimit
	}
	return d.stores.Executions.ListRecent(ctx, jobName, limit)
}

type runBody func(ctx context.Context, plan *model.Plan, day model.BusinessDay, exec *model.JobExecution) error

func (d *Distributor) run(ctx context.Context, jobName, triggerSource string, body runBody) (*model.JobExecution, error) {
	startedAt := d.now()
	day := model.BusinessDayOf(startedAt)
	runID := uuid.NewString()

	log := d.logger.With(
		zap.String("run_id", runID),
		zap.String("job", jobName),
		zap.String("business_day", day.String()),
		zap.String("trigger", triggerSource),
	)

	runLock, err := d.locker.Obtain(ctx, lock.RunLockKey(jobName, day.Key()), runID, runLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			log.Warn("任务已在其它实例运行，跳过本次触发")
			return nil, ErrJobRunning
		}
		return nil, fmt.Errorf("获取运行锁失败: %w", err)
	}
	defer func() {
		if err := runLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("释放运行锁失败", zap.Error(err))
		}
	}()

	exec := &model.JobExecution{
		RunID:         runID,
		JobName:       jobName,
		TriggerSource: triggerSource,
		BusinessDay:   day.String(),
		Status:        model.ExecutionStatusRunning,
		StartedAt:     startedAt,
		TotalAmount:   decimal.Zero,
		Summary:       map[string]any{},
	}
	if err := d.stores.Executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("写入执行记录失败: %w", err)
	}
	log.Info("任务开始")

	plan, err := d.resolvePlan(ctx, log)
	if err != nil {
		log.Error("加载收益方案失败，终止本次运行", zap.Error(err))
		exec.Fail(d.now(), err)
		d.finish(ctx, exec, log)
		return exec, err
	}
	exec.Summary["plan_id"] = plan.ID
	exec.Summary["plan_source"] = plan.Source

	runCtx, cancel := context.WithTimeout(ctx, d.opts.MaxRunDuration)
	defer cancel()

	stopRefresh := d.keepLock(runCtx, runLock, log)
	err = body(runCtx, plan, day, exec)
	stopRefresh()

	if err != nil {
		log.Error("任务执行失败", zap.Error(err))
		exec.Fail(d.now(), err)
	} else {
		exec.Finish(d.now())
	}
	d.finish(ctx, exec, log)
	return exec, err
}

// keepLock 运行期间定期续期运行锁
func (d *Distributor) keepLock(ctx context.Context, runLock lock.Unlocker, log *zap.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(runLockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := runLock.Refresh(ctx); err != nil {
					log.Warn("运行锁续期失败", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (d *Distributor) resolvePlan(ctx context.Context, log *zap.Logger) (*model.Plan, error) {
	plan, err := d.stores.Plans.ActivePlan(ctx)
	if err == nil {
		if plan.Source == "" {
			plan.Source = planSourceDB
		}
		if err := plan.Validate(); err != nil {
			return nil, err
		}
		return plan, nil
	}
	if errors.Is(err, repository.ErrNoActivePlan) && d.opts.FallbackPlan != nil {
		log.Warn("数据库没有启用的收益方案，使用配置文件中的兜底方案",
			zap.String("plan", d.opts.FallbackPlan.Name))
		plan := *d.opts.FallbackPlan
		plan.Source = planSourceConf
		return &plan, nil
	}
	return nil, err
}

func (d *Distributor) finish(ctx context.Context, exec *model.JobExecution, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)

	if err := d.stores.Executions.Save(ctx, exec); err != nil {
		log.Error("保存执行记录失败", zap.Error(err))
	}

	metrics.JobRunsTotal.WithLabelValues(exec.JobName, exec.Status).Inc()
	metrics.JobDuration.WithLabelValues(exec.JobName).Observe(float64(exec.DurationMs) / 1000)
	for _, unitErr := range exec.Errors {
		metrics.UnitErrorsTotal.WithLabelValues(exec.JobName, unitErr.Stage).Inc()
	}

	log.Info("任务结束",
		zap.String("status", exec.Status),
		zap.Int("processed", exec.ProcessedCount),
		zap.Int("skipped", exec.SkippedCount),
		zap.Int("errors", exec.ErrorCount),
		zap.String("total_amount", exec.TotalAmount.StringFixed(model.AmountScale)),
		zap.Int64("duration_ms", exec.DurationMs))

	d.publishFinished(ctx, exec, log)
}

func (d *Distributor) publishFinished(ctx context.Context, exec *model.JobExecution, log *zap.Logger) {
	if d.opts.JobFinishedTopic == "" || d.stores.Outbox == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"run_id":          exec.RunID,
		"job":             exec.JobName,
		"business_day":    exec.BusinessDay,
		"status":          exec.Status,
		"processed_count": exec.ProcessedCount,
		"error_count":     exec.ErrorCount,
		"total_amount":    exec.TotalAmount.StringFixed(model.AmountScale),
	})
	if err != nil {
		log.Error("序列化任务完成事件失败", zap.Error(err))
		return
	}
	msg := &model.OutboxMessage{
		MessageKey: exec.RunID,
		Topic:      d.opts.JobFinishedTopic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := d.stores.Outbox.Create(ctx, nil, msg); err != nil {
		log.Error("写入任务完成事件失败", zap.Error(err))
	}
}
