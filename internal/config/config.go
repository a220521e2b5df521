package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Business BusinessConfig `mapstructure:"business"`
	Plan     PlanConfig     `mapstructure:"plan"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// WorkerID 雪花算法机器号，多实例部署时必须不同
	WorkerID int64 `mapstructure:"worker_id"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	IncomeCredited string `mapstructure:"income_credited"`
	JobFinished    string `mapstructure:"job_finished"`
}

type LogConfig struct {
	Production bool `mapstructure:"production"`
}

// ScheduleConfig 定时任务配置，cron 表达式按 Timezone 解释
type ScheduleConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Timezone     string `mapstructure:"timezone"`
	Distribution string `mapstructure:"distribution"`
	Rewards      string `mapstructure:"rewards"`
}

type BusinessConfig struct {
	Workers            int           `mapstructure:"workers"`
	PageSize           int           `mapstructure:"page_size"`
	UnitTimeout        time.Duration `mapstructure:"unit_timeout"`
	MaxRunDuration     time.Duration `mapstructure:"max_run_duration"`
	MaxRetryCount      int           `mapstructure:"max_retry_count"`
	RootUserID         int64         `mapstructure:"root_user_id"`
	AllowConfigPlan    bool          `mapstructure:"allow_config_plan"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
}

// PlanConfig 兜底方案，仅在 business.allow_config_plan 打开时使用
type PlanConfig struct {
	Name                 string             `mapstructure:"name"`
	ReferralBonusPercent string             `mapstructure:"referral_bonus_percent"`
	PackageTiers         []PackageTierConf  `mapstructure:"package_tiers"`
	LevelCommissions     []LevelCommissConf `mapstructure:"level_commissions"`
	RewardTiers          []RewardTierConf   `mapstructure:"reward_tiers"`
}

type PackageTierConf struct {
	Name       string `mapstructure:"name"`
	MinAmount  string `mapstructure:"min_amount"`
	MaxAmount  string `mapstructure:"max_amount"`
	MinRate    string `mapstructure:"min_rate"`
	MaxRate    string `mapstructure:"max_rate"`
	IsFallback bool   `mapstructure:"is_fallback"`
}

type LevelCommissConf struct {
	Level           int    `mapstructure:"level"`
	Percent         string `mapstructure:"percent"`
	RequiredDirects int    `mapstructure:"required_directs"`
}

type RewardTierConf struct {
	RewardType   string `mapstructure:"reward_type"`
	Name         string `mapstructure:"name"`
	SelfTarget   string `mapstructure:"self_target"`
	DirectTarget string `mapstructure:"direct_target"`
	RewardValue  string `mapstructure:"reward_value"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件，环境变量（INCOME_ 前缀）优先于文件
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INCOME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = cfg
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.log_level", "warn")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.timezone", "Asia/Kolkata")
	v.SetDefault("schedule.distribution", "5 0 * * *")
	v.SetDefault("schedule.rewards", "30 1 * * *")
	v.SetDefault("business.workers", 32)
	v.SetDefault("business.page_size", 500)
	v.SetDefault("business.unit_timeout", 10*time.Second)
	v.SetDefault("business.max_run_duration", 2*time.Hour)
	v.SetDefault("business.max_retry_count", 3)
	v.SetDefault("business.outbox_batch_size", 100)
	v.SetDefault("business.outbox_poll_interval", 500*time.Millisecond)
	v.SetDefault("kafka.topic.income_credited", "income.credited")
	v.SetDefault("kafka.topic.job_finished", "income.job_finished")
}

// Validate 校验启动所必需的配置项
func (c *Config) Validate() error {
	var errs []error
	if c.Business.Workers <= 0 {
		errs = append(errs, errors.New("business.workers 必须大于0"))
	}
	if c.Business.PageSize <= 0 {
		errs = append(errs, errors.New("business.page_size 必须大于0"))
	}
	if c.Business.UnitTimeout <= 0 {
		errs = append(errs, errors.New("business.unit_timeout 必须大于0"))
	}
	if c.Business.MaxRunDuration <= 0 {
		errs = append(errs, errors.New("business.max_run_duration 必须大于0"))
	}
	if c.Business.RootUserID <= 0 {
		errs = append(errs, errors.New("business.root_user_id 必须配置"))
	}
	if c.Business.AllowConfigPlan && len(c.Plan.PackageTiers) == 0 {
		errs = append(errs, errors.New("allow_config_plan 已开启但 plan.package_tiers 为空"))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone 无效: %w", err))
	}
	return errors.Join(errs...)
}
