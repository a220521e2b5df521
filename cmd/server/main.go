package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"incomeengine/internal/config"
	"incomeengine/internal/handler"
	"incomeengine/internal/infrastructure/cache"
	"incomeengine/internal/infrastructure/database"
	"incomeengine/internal/infrastructure/lock"
	"incomeengine/internal/infrastructure/logger"
	"incomeengine/internal/infrastructure/mq"
	"incomeengine/internal/job"
	"incomeengine/internal/model"
	"incomeengine/internal/repository"
	"incomeengine/internal/service"
	"incomeengine/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("INCOME_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Production)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	location, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return err
	}

	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		return err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	producer, err := mq.NewKafkaProducer(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	userRepo := repository.NewUserRepository(db, cfg.Business.RootUserID)
	investmentRepo := repository.NewInvestmentRepository(db)
	incomeRepo := repository.NewIncomeRepository(db)
	rewardRepo := repository.NewRewardRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	ledger := repository.NewLedger(db, userRepo, repository.LedgerConfig{
		Topic:          cfg.Kafka.Topic.IncomeCredited,
		MaxRetry:       cfg.Business.MaxRetryCount,
		AttemptTimeout: cfg.Business.UnitTimeout,
	})

	var fallback *model.Plan
	if cfg.Business.AllowConfigPlan {
		fallback, err = cfg.Plan.ToPlan()
		if err != nil {
			return fmt.Errorf("兜底方案配置错误: %w", err)
		}
		log.Warn("已开启配置兜底方案，数据库无生效方案时将使用配置文件", zap.String("plan", fallback.Name))
	}

	locker := lock.NewRedisLocker(redisClient)
	distributor := service.NewDistributor(service.Stores{
		Users:       userRepo,
		Investments: investmentRepo,
		Incomes:     incomeRepo,
		Rewards:     rewardRepo,
		Plans:       repository.NewPlanRepository(db),
		Executions:  repository.NewExecutionRepository(db),
		Ledger:      ledger,
		Outbox:      outboxRepo,
	}, locker, service.Options{
		Workers:          cfg.Business.Workers,
		PageSize:         cfg.Business.PageSize,
		RootUserID:       cfg.Business.RootUserID,
		MaxRunDuration:   cfg.Business.MaxRunDuration,
		JobFinishedTopic: cfg.Kafka.Topic.JobFinished,
		FallbackPlan:     fallback,
	}, log.Named("distributor"))
	reversal := service.NewReversalService(incomeRepo, ledger, locker, log.Named("reversal"))
	statements := service.NewStatementService(userRepo, incomeRepo, rewardRepo, ledger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(outboxRepo, producer, cfg.Business.OutboxPollInterval,
		cfg.Business.OutboxBatchSize, cfg.Business.MaxRetryCount, log)
	go outboxSender.Start(ctx)

	var scheduler *job.Scheduler
	if cfg.Schedule.Enabled {
		scheduler = job.NewScheduler(distributor, location, log)
		if err := scheduler.Register(cfg.Schedule.Distribution, cfg.Schedule.Rewards); err != nil {
			return err
		}
		scheduler.Start()
	}

	router := handler.SetupRouter(handler.NewHandler(distributor, reversal, statements, log.Named("handler")), log)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")

	// 先停调度器，正在跑的任务会被取消并写完执行记录
	if scheduler != nil {
		scheduler.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
	return nil
}
