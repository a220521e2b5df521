package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"incomeengine/internal/config"
	"incomeengine/internal/infrastructure/database"
	"incomeengine/internal/infrastructure/logger"
	"incomeengine/internal/model"
	"incomeengine/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// seed 把配置文件里的方案发布为数据库中的生效方案，-demo 额外生成一棵演示用推荐树
func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "配置文件路径")
		demo       = flag.Bool("demo", false, "生成演示用户和投资")
		demoDepth  = flag.Int("demo-depth", 12, "演示推荐链长度")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
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

	ctx := context.Background()
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		log.Fatal("连接数据库失败", zap.Error(err))
	}

	plan, err := cfg.Plan.ToPlan()
	if err != nil {
		log.Fatal("方案配置错误", zap.Error(err))
	}
	if err := repository.NewPlanRepository(db).Create(ctx, plan); err != nil {
		log.Fatal("写入方案失败", zap.Error(err))
	}
	log.Info("方案已发布", zap.Int64("plan_id", plan.ID), zap.String("name", plan.Name))

	if !*demo {
		return
	}
	if err := seedDemo(ctx, db, cfg.Business.RootUserID, plan, *demoDepth, log); err != nil {
		log.Fatal("生成演示数据失败", zap.Error(err))
	}
}

// seedDemo 生成 root <- u1 <- u2 <- ... 的单链，每人投资 1000，u1 另有两个直推
func seedDemo(ctx context.Context, db *gorm.DB, rootUserID int64, plan *model.Plan, depth int, log *zap.Logger) error {
	users := repository.NewUserRepository(db, rootUserID)
	investments := repository.NewInvestmentRepository(db)

	root := &model.User{ID: rootUserID, Username: "root"}
	if err := users.Create(ctx, root); err != nil {
		return fmt.Errorf("创建 root 用户失败: %w", err)
	}

	invest := func(u *model.User, amount string) error {
		return investments.Create(ctx, &model.Investment{
			UserID: u.ID,
			PlanID: plan.ID,
			Amount: decimal.RequireFromString(amount),
			Status: model.InvestmentStatusActive,
		})
	}

	var parent *model.User
	for i := 1; i <= depth; i++ {
		u := &model.User{Username: fmt.Sprintf("demo%d", i)}
		if parent == nil {
			u.ReferRoot = true
		} else {
			ref := parent.ID
			u.ReferID = &ref
		}
		if err := users.Create(ctx, u); err != nil {
			return fmt.Errorf("创建用户 %s 失败: %w", u.Username, err)
		}
		if err := invest(u, "1000"); err != nil {
			return fmt.Errorf("创建投资失败 user=%s: %w", u.Username, err)
		}

		if i == 1 {
			for j := 1; j <= 2; j++ {
				side := &model.User{Username: fmt.Sprintf("demo1_side%d", j), ReferID: &u.ID}
				if err := users.Create(ctx, side); err != nil {
					return err
				}
				if err := invest(side, "5000"); err != nil {
					return err
				}
			}
		}
		parent = u
	}

	log.Info("演示数据已生成", zap.Int("depth", depth))
	return nil
}
