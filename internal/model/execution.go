package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	JobDailyDistribution = "daily_distribution"
	JobRewardEvaluation  = "reward_evaluation"
)

const (
	TriggerAutomatic = "automatic"
	TriggerManual    = "manual"
)

const (
	ExecutionStatusRunning        = "running"
	ExecutionStatusCompleted      = "completed"
	ExecutionStatusPartialSuccess = "partial_success"
	ExecutionStatusFailed         = "failed"
)

// UnitError 单个处理单元（一笔投资或一个用户）的失败记录
type UnitError struct {
	InvestmentID int64  `json:"investment_id,omitempty"`
	UserID       int64  `json:"user_id,omitempty"`
	Stage        string `json:"stage"`
	Message      string `json:"message"`
}

// JobExecution 批处理执行审计记录，供运维后台查看
type JobExecution struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID          string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"run_id"`
	JobName        string          `gorm:"type:varchar(64);index;not null" json:"job_name"`
	TriggerSource  string          `gorm:"type:varchar(32);not null" json:"trigger_source"`
	BusinessDay    string          `gorm:"type:varchar(10);index" json:"business_day"`
	Status         string          `gorm:"type:varchar(20);index;not null" json:"status"`
	StartedAt      time.Time       `gorm:"not null" json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at"`
	DurationMs     int64           `gorm:"not null;default:0" json:"duration_ms"`
	ProcessedCount int             `gorm:"not null;default:0" json:"processed_count"`
	SkippedCount   int             `gorm:"not null;default:0" json:"skipped_count"`
	ErrorCount     int             `gorm:"not null;default:0" json:"error_count"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount"`
	Summary        map[string]any  `gorm:"type:text;serializer:json" json:"summary"`
	Errors         []UnitError     `gorm:"type:mediumtext;serializer:json" json:"errors"`
}

func (JobExecution) TableName() string {
	return "job_executions"
}

// Finish 收尾执行记录并根据错误情况确定最终状态
func (e *JobExecution) Finish(now time.Time) {
	e.FinishedAt = &now
	e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
	e.ErrorCount = len(e.Errors)
	if e.Status != ExecutionStatusRunning {
		return
	}
	switch {
	case len(e.Errors) == 0:
		e.Status = ExecutionStatusCompleted
	case e.ProcessedCount > 0 || e.SkippedCount > 0:
		e.Status = ExecutionStatusPartialSuccess
	default:
		e.Status = ExecutionStatusFailed
	}
}

// Fail 整次运行失败（配置错误等）
func (e *JobExecution) Fail(now time.Time, err error) {
	e.Status = ExecutionStatusFailed
	e.Errors = append(e.Errors, UnitError{Stage: "run", Message: err.Error()})
	e.Finish(now)
}
