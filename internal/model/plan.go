package model

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MaxCommissionLevel 层级佣金的硬上限，与下线深度和直推人数无关
const MaxCommissionLevel = 10

const (
	PlanStatusActive   = "active"
	PlanStatusInactive = "inactive"
)

var (
	ErrPlanInvalid = errors.New("收益方案配置不合法")
	ErrNoTier      = errors.New("没有匹配的套餐档位")
)

// DefaultLevelPercents 默认团队佣金比例（第 1~10 层）
var DefaultLevelPercents = []string{"15", "10", "7.5", "5", "2.5", "2", "2", "2", "2", "2"}

// Plan 收益方案，引擎每次运行开始时读取一次，运行期间只读
type Plan struct {
	ID                   int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                 string            `gorm:"type:varchar(64);not null" json:"name"`
	Status               string            `gorm:"type:varchar(20);index;not null" json:"status"`
	ReferralBonusPercent decimal.Decimal   `gorm:"type:decimal(10,4);not null" json:"referral_bonus_percent"`
	PackageTiers         []PackageTier     `gorm:"foreignKey:PlanID" json:"package_tiers"`
	LevelCommissions     []LevelCommission `gorm:"foreignKey:PlanID" json:"level_commissions"`
	RewardTiers          []RewardTier      `gorm:"foreignKey:PlanID" json:"reward_tiers"`
	CreatedAt            time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"autoUpdateTime" json:"updated_at"`

	// Source 标记方案来源（database / config），只用于日志
	Source string `gorm:"-" json:"source"`
}

func (Plan) TableName() string {
	return "plans"
}

// PackageTier 套餐档位：金额区间 -> 日收益率区间（百分比）
// MaxAmount 为 0 表示无上限；IsFallback 档位只在没有档位匹配时显式兜底
type PackageTier struct {
	ID         int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PlanID     int64           `gorm:"index;not null" json:"plan_id"`
	Name       string          `gorm:"type:varchar(64);not null" json:"name"`
	MinAmount  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"min_amount"`
	MaxAmount  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"max_amount"`
	MinRate    decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"min_rate"`
	MaxRate    decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"max_rate"`
	IsFallback bool            `gorm:"not null;default:false" json:"is_fallback"`
}

func (PackageTier) TableName() string {
	return "plan_package_tiers"
}

func (t *PackageTier) Matches(amount decimal.Decimal) bool {
	if amount.LessThan(t.MinAmount) {
		return false
	}
	return t.MaxAmount.IsZero() || amount.LessThanOrEqual(t.MaxAmount)
}

// LevelCommission 第 Level 层的佣金比例；RequiredDirects 为 0 时按层数要求直推人数
type LevelCommission struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PlanID          int64           `gorm:"uniqueIndex:uk_plan_level;not null" json:"plan_id"`
	Level           int             `gorm:"uniqueIndex:uk_plan_level;not null" json:"level"`
	Percent         decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"percent"`
	RequiredDirects int             `gorm:"not null;default:0" json:"required_directs"`
}

func (LevelCommission) TableName() string {
	return "plan_level_commissions"
}

// Required 该层要求的最少直推人数
func (c *LevelCommission) Required() int64 {
	if c.RequiredDirects > 0 {
		return int64(c.RequiredDirects)
	}
	return int64(c.Level)
}

// RewardTier 里程碑奖励档位，自投或直推业绩任一达标即可
type RewardTier struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PlanID       int64           `gorm:"index;not null" json:"plan_id"`
	RewardType   string          `gorm:"type:varchar(64);not null" json:"reward_type"`
	Name         string          `gorm:"type:varchar(128);not null" json:"name"`
	SelfTarget   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"self_target"`
	DirectTarget decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"direct_target"`
	RewardValue  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"reward_value"`
	SortOrder    int             `gorm:"not null;default:0" json:"sort_order"`
}

func (RewardTier) TableName() string {
	return "plan_reward_tiers"
}

// Qualifies 自投 >= 目标 或 直推业绩 >= 目标；目标为 0 的一侧不参与判断
func (t *RewardTier) Qualifies(self, direct decimal.Decimal) bool {
	if t.SelfTarget.IsPositive() && self.GreaterThanOrEqual(t.SelfTarget) {
		return true
	}
	return t.DirectTarget.IsPositive() && direct.GreaterThanOrEqual(t.DirectTarget)
}

// Validate 校验方案，失败时整次运行应当终止
func (p *Plan) Validate() error {
	if len(p.PackageTiers) == 0 {
		return fmt.Errorf("%w: 没有套餐档位", ErrPlanInvalid)
	}
	for _, t := range p.PackageTiers {
		if t.MinRate.IsNegative() || t.MaxRate.LessThan(t.MinRate) {
			return fmt.Errorf("%w: 档位 %s 收益率区间错误", ErrPlanInvalid, t.Name)
		}
		if !t.MaxAmount.IsZero() && t.MaxAmount.LessThan(t.MinAmount) {
			return fmt.Errorf("%w: 档位 %s 金额区间错误", ErrPlanInvalid, t.Name)
		}
	}
	if len(p.LevelCommissions) == 0 {
		return fmt.Errorf("%w: 没有层级佣金表", ErrPlanInvalid)
	}
	seen := make(map[int]bool, len(p.LevelCommissions))
	for _, c := range p.LevelCommissions {
		if c.Level < 1 || c.Level > MaxCommissionLevel {
			return fmt.Errorf("%w: 层级 %d 超出范围", ErrPlanInvalid, c.Level)
		}
		if seen[c.Level] {
			return fmt.Errorf("%w: 层级 %d 重复", ErrPlanInvalid, c.Level)
		}
		if c.Percent.IsNegative() {
			return fmt.Errorf("%w: 层级 %d 比例为负", ErrPlanInvalid, c.Level)
		}
		seen[c.Level] = true
	}
	if p.ReferralBonusPercent.IsNegative() {
		return fmt.Errorf("%w: 推荐奖比例为负", ErrPlanInvalid)
	}
	return nil
}

// TierFor 解析投资对应的档位：优先使用投资上保存的档位，其次按金额匹配，最后使用显式兜底档位。
// 第二个返回值表示是否走了兜底档位。
func (p *Plan) TierFor(inv *Investment) (*PackageTier, bool, error) {
	if inv.PackageTierID != nil {
		for i := range p.PackageTiers {
			if p.PackageTiers[i].ID == *inv.PackageTierID {
				return &p.PackageTiers[i], false, nil
			}
		}
	}
	var fallback *PackageTier
	for i := range p.PackageTiers {
		t := &p.PackageTiers[i]
		if t.IsFallback {
			fallback = t
			continue
		}
		if t.Matches(inv.Amount) {
			return t, false, nil
		}
	}
	if fallback != nil {
		return fallback, true, nil
	}
	return nil, false, fmt.Errorf("%w: amount=%s", ErrNoTier, inv.Amount.String())
}

// CommissionFor 返回第 level 层的佣金配置
func (p *Plan) CommissionFor(level int) (*LevelCommission, bool) {
	for i := range p.LevelCommissions {
		if p.LevelCommissions[i].Level == level {
			return &p.LevelCommissions[i], true
		}
	}
	return nil, false
}

// SortedRewardTiers 按 SortOrder 排序的奖励档位副本
func (p *Plan) SortedRewardTiers() []RewardTier {
	tiers := make([]RewardTier, len(p.RewardTiers))
	copy(tiers, p.RewardTiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].SortOrder < tiers[j].SortOrder })
	return tiers
}

// DefaultLevelCommissions 生成默认的 10 层佣金表
func DefaultLevelCommissions() []LevelCommission {
	out := make([]LevelCommission, 0, len(DefaultLevelPercents))
	for i, pct := range DefaultLevelPercents {
		out = append(out, LevelCommission{Level: i + 1, Percent: decimal.RequireFromString(pct)})
	}
	return out
}
