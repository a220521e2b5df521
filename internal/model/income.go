package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	IncomeTypeDailyProfit   = "daily_profit"
	IncomeTypeReferralBonus = "referral_bonus"
	IncomeTypeLevelROI      = "level_roi_income"
	IncomeTypeReversal      = "reversal"
)

const (
	IncomeStatusPending   = "pending"
	IncomeStatusCredited  = "credited"
	IncomeStatusCancelled = "cancelled"
)

// AmountScale 金额统一保留 4 位小数
const AmountScale = 4

// Income 收益流水表
//
// 流水只追加不修改：纠错通过新增 reversal 类型的冲正流水完成。
// DedupeKey 唯一索引是防重复入账的最后一道防线，即使并发重跑也只会有一条成功。
type Income struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	IncomeNo      string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"income_no"`
	DedupeKey     string          `gorm:"type:varchar(128);uniqueIndex:uk_income_dedupe;not null" json:"dedupe_key"`
	UserID        int64           `gorm:"index:idx_income_user_type;not null" json:"user_id"`
	FromUserID    *int64          `gorm:"index" json:"from_user_id"`
	InvestmentID  *int64          `gorm:"index" json:"investment_id"`
	Type          string          `gorm:"type:varchar(32);index:idx_income_user_type;not null" json:"type"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Level         int             `gorm:"not null;default:0" json:"level"`
	Status        string          `gorm:"type:varchar(20);not null" json:"status"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"balance_after"`
	Metadata      map[string]any  `gorm:"type:text;serializer:json" json:"metadata"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Income) TableName() string {
	return "income"
}

func DailyProfitKey(investmentID int64, day BusinessDay) string {
	return fmt.Sprintf("%s:%d:%s", IncomeTypeDailyProfit, investmentID, day.Key())
}

func LevelIncomeKey(userID, fromUserID int64, level int, investmentID int64, day BusinessDay) string {
	return fmt.Sprintf("%s:%d:%d:%d:%d:%s", IncomeTypeLevelROI, userID, fromUserID, level, investmentID, day.Key())
}

func ReferralBonusKey(referrerID, investorID int64) string {
	return fmt.Sprintf("%s:%d:%d", IncomeTypeReferralBonus, referrerID, investorID)
}

func ReversalKey(incomeNo string) string {
	return fmt.Sprintf("%s:%s", IncomeTypeReversal, incomeNo)
}

// Percentage 计算 base × percent / 100，保留 4 位小数
func Percentage(base, percent decimal.Decimal) decimal.Decimal {
	return base.Mul(percent).Div(decimal.NewFromInt(100)).Round(AmountScale)
}
