package config

import (
	"fmt"

	"incomeengine/internal/model"

	"github.com/shopspring/decimal"
)

// ToPlan 把配置文件中的兜底方案转换成 model.Plan，并做与数据库方案相同的校验
func (p PlanConfig) ToPlan() (*model.Plan, error) {
	bonus, err := parseDecimal("referral_bonus_percent", p.ReferralBonusPercent)
	if err != nil {
		return nil, err
	}

	plan := &model.Plan{
		Name:                 p.Name,
		Status:               model.PlanStatusActive,
		ReferralBonusPercent: bonus,
		Source:               "config",
	}

	for _, t := range p.PackageTiers {
		tier := model.PackageTier{Name: t.Name, IsFallback: t.IsFallback}
		if tier.MinAmount, err = parseDecimal(t.Name+".min_amount", t.MinAmount); err != nil {
			return nil, err
		}
		if tier.MaxAmount, err = parseDecimal(t.Name+".max_amount", t.MaxAmount); err != nil {
			return nil, err
		}
		if tier.MinRate, err = parseDecimal(t.Name+".min_rate", t.MinRate); err != nil {
			return nil, err
		}
		if tier.MaxRate, err = parseDecimal(t.Name+".max_rate", t.MaxRate); err != nil {
			return nil, err
		}
		plan.PackageTiers = append(plan.PackageTiers, tier)
	}

	if len(p.LevelCommissions) == 0 {
		plan.LevelCommissions = model.DefaultLevelCommissions()
	}
	for _, c := range p.LevelCommissions {
		pct, err := parseDecimal(fmt.Sprintf("level_%d.percent", c.Level), c.Percent)
		if err != nil {
			return nil, err
		}
		plan.LevelCommissions = append(plan.LevelCommissions, model.LevelCommission{
			Level:           c.Level,
			Percent:         pct,
			RequiredDirects: c.RequiredDirects,
		})
	}

	for i, r := range p.RewardTiers {
		tier := model.RewardTier{RewardType: r.RewardType, Name: r.Name, SortOrder: i}
		if tier.SelfTarget, err = parseDecimal(r.RewardType+".self_target", r.SelfTarget); err != nil {
			return nil, err
		}
		if tier.DirectTarget, err = parseDecimal(r.RewardType+".direct_target", r.DirectTarget); err != nil {
			return nil, err
		}
		if tier.RewardValue, err = parseDecimal(r.RewardType+".reward_value", r.RewardValue); err != nil {
			return nil, err
		}
		plan.RewardTiers = append(plan.RewardTiers, tier)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("plan.%s 不是合法数字: %w", field, err)
	}
	return v, nil
}
