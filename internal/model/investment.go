package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	InvestmentStatusActive    = "active"
	InvestmentStatusCompleted = "completed"
	InvestmentStatusCancelled = "cancelled"
	InvestmentStatusExpired   = "expired"
)

// Investment 投资记录
// LastProfitDate 是每日收益的幂等标记，每个成功的发放周期只更新一次
type Investment struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64           `gorm:"index;not null" json:"user_id"`
	PlanID         int64           `gorm:"index;not null" json:"plan_id"`
	PackageTierID  *int64          `json:"package_tier_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Status         string          `gorm:"type:varchar(20);index;not null" json:"status"`
	LastProfitDate *time.Time      `gorm:"index" json:"last_profit_date"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Investment) TableName() string {
	return "investments"
}

// CreditedOn 判断投资在给定业务日内是否已发放过收益
func (i *Investment) CreditedOn(day BusinessDay) bool {
	return i.LastProfitDate != nil && day.Contains(*i.LastProfitDate)
}
