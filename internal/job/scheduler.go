package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"incomeengine/internal/model"
	"incomeengine/internal/service"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner 批处理入口，生产环境是 service.Distributor
type Runner interface {
	RunDailyDistribution(ctx context.Context, triggerSource string) (*model.JobExecution, error)
	RunRewardEvaluation(ctx context.Context, triggerSource string) (*model.JobExecution, error)
}

// Scheduler 按业务时区定时触发每日分润和奖励评估，Stop 之后可以再次 Start
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(runner Runner, location *time.Location, logger *zap.Logger) *Scheduler {
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register 注册两个定时任务，spec 为空表示不启用该任务
func (s *Scheduler) Register(distributionSpec, rewardsSpec string) error {
	if distributionSpec != "" {
		if _, err := s.cron.AddFunc(distributionSpec, s.trigger(model.JobDailyDistribution, s.runner.RunDailyDistribution)); err != nil {
			return fmt.Errorf("注册分润任务失败 spec=%q: %w", distributionSpec, err)
		}
	}
	if rewardsSpec != "" {
		if _, err := s.cron.AddFunc(rewardsSpec, s.trigger(model.JobRewardEvaluation, s.runner.RunRewardEvaluation)); err != nil {
			return fmt.Errorf("注册奖励评估任务失败 spec=%q: %w", rewardsSpec, err)
		}
	}
	return nil
}

func (s *Scheduler) trigger(jobName string, run func(context.Context, string) (*model.JobExecution, error)) func() {
	return func() {
		log := s.logger.With(zap.String("job", jobName))
		log.Info("定时任务触发")

		exec, err := run(s.runContext(), model.TriggerAutomatic)
		if err != nil {
			// 另一个实例已经在跑，不算失败
			if errors.Is(err, service.ErrJobRunning) {
				log.Info("任务已在其他实例运行，本次跳过")
				return
			}
			log.Error("定时任务执行失败", zap.Error(err))
			return
		}
		log.Info("定时任务结束", zap.String("run_id", exec.RunID), zap.String("status", exec.Status))
	}
}

// Start 如果上一次 Stop 已经取消了 ctx，换一个新的
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("定时任务已注册", zap.Time("next", e.Next))
	}
}

// Stop 取消正在执行的任务并等待其退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("调度器已停止")
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
