package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RewardStatusQualified = "qualified"
	RewardStatusApproved  = "approved"
	RewardStatusProcessed = "processed"
	RewardStatusCompleted = "completed"
	RewardStatusRejected  = "rejected"
)

// Reward 里程碑奖励资格记录
// 引擎只负责创建 qualified 状态的记录，后续状态由后台审核推进
type Reward struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64           `gorm:"uniqueIndex:uk_reward_user_type;not null" json:"user_id"`
	RewardType     string          `gorm:"type:varchar(64);uniqueIndex:uk_reward_user_type;not null" json:"reward_type"`
	Name           string          `gorm:"type:varchar(128);not null" json:"name"`
	SelfTarget     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"self_target"`
	SelfAchieved   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"self_achieved"`
	DirectTarget   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"direct_target"`
	DirectAchieved decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"direct_achieved"`
	RewardValue    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"reward_value"`
	Status         string          `gorm:"type:varchar(20);index;not null" json:"status"`
	QualifiedAt    time.Time       `gorm:"not null" json:"qualified_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Reward) TableName() string {
	return "rewards"
}
