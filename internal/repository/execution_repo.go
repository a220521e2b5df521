package repository

import (
	"context"

	"incomeengine/internal/model"

	"gorm.io/gorm"
)

type ExecutionRepository struct {
	db *gorm.DB
}

func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *model.JobExecution) error {
	return r.db.WithContext(ctx).Create(exec).Error
}

func (r *ExecutionRepository) Save(ctx context.Context, exec *model.JobExecution) error {
	return r.db.WithContext(ctx).Save(exec).Error
}

// ListRecent 最近的执行记录，jobName 为空时返回全部任务
func (r *ExecutionRepository) ListRecent(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	var executions []*model.JobExecution
	query := r.db.WithContext(ctx).Model(&model.JobExecution{})
	if jobName != "" {
		query = query.Where("job_name = ?", jobName)
	}
	err := query.
		Order("id DESC").
		Limit(limit).
		Find(&executions).Error
	return executions, err
}
