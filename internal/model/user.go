package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParentRef 推荐上级引用：无上级 / 平台根账户 / 普通用户
type ParentRef struct {
	kind   parentKind
	userID int64
}

type parentKind uint8

const (
	parentNone parentKind = iota
	parentRoot
	parentUser
)

func NoParent() ParentRef { return ParentRef{} }

func RootParent() ParentRef { return ParentRef{kind: parentRoot} }

func UserParent(id int64) ParentRef { return ParentRef{kind: parentUser, userID: id} }

func (p ParentRef) IsNone() bool { return p.kind == parentNone }

func (p ParentRef) IsRoot() bool { return p.kind == parentRoot }

func (p ParentRef) UserID() (int64, bool) { return p.userID, p.kind == parentUser }

// Resolve 把上级引用解析成真实用户ID，根账户映射到 rootUserID
func (p ParentRef) Resolve(rootUserID int64) (int64, bool) {
	switch p.kind {
	case parentUser:
		return p.userID, true
	case parentRoot:
		return rootUserID, rootUserID > 0
	default:
		return 0, false
	}
}

// User 用户表
// 钱包余额只允许通过收益流水入账，余额 = 已入账流水之和 - 外部扣减
// ReferID 为推荐人，注册后不可变；ReferRoot 表示推荐人是平台根账户。
// PlacementID 是矩阵奖用的安置上级，收益引擎不读取。
type User struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Username           string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	WalletBalance      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"wallet_balance"`
	ReferID            *int64          `gorm:"index" json:"refer_id"`
	ReferRoot          bool            `gorm:"not null;default:false" json:"refer_root"`
	PlacementID        *int64          `gorm:"index" json:"placement_id"`
	TotalInvestment    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_investment"`
	TotalDailyProfit   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_daily_profit"`
	TotalLevelIncome   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_level_income"`
	TotalReferralBonus decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_referral_bonus"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// Parent 返回推荐上级
func (u *User) Parent() ParentRef {
	if u.ReferID != nil {
		return UserParent(*u.ReferID)
	}
	if u.ReferRoot {
		return RootParent()
	}
	return NoParent()
}

// TotalColumnFor 返回收益类型对应的用户累计字段
func TotalColumnFor(incomeType string) string {
	switch incomeType {
	case IncomeTypeDailyProfit:
		return "total_daily_profit"
	case IncomeTypeLevelROI:
		return "total_level_income"
	case IncomeTypeReferralBonus:
		return "total_referral_bonus"
	default:
		return ""
	}
}
