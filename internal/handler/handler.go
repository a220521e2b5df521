package handler

import (
	"context"
	"errors"
	"strconv"

	"incomeengine/internal/model"
	"incomeengine/internal/repository"
	"incomeengine/internal/service"
	"incomeengine/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// JobService 批处理入口，生产环境是 service.Distributor
type JobService interface {
	RunDailyDistribution(ctx context.Context, triggerSource string) (*model.JobExecution, error)
	RunRewardEvaluation(ctx context.Context, triggerSource string) (*model.JobExecution, error)
	OnInvestment(ctx context.Context, investmentID int64) (*service.BonusResult, error)
	ListExecutions(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error)
}

type ReversalService interface {
	ReverseIncome(ctx context.Context, req *service.ReverseRequest) (*service.ReverseResponse, error)
}

type StatementService interface {
	Statement(ctx context.Context, userID int64, page, pageSize int) (*service.Statement, error)
}

// Handler 运维接口
type Handler struct {
	jobs       JobService
	reversal   ReversalService
	statements StatementService
	logger     *zap.Logger
}

func NewHandler(jobs JobService, reversal ReversalService, statements StatementService, logger *zap.Logger) *Handler {
	return &Handler{jobs: jobs, reversal: reversal, statements: statements, logger: logger}
}

// RunDistribution 手动触发当天分润
// POST /api/v1/jobs/distribution/run
func (h *Handler) RunDistribution(c *gin.Context) {
	exec, err := h.jobs.RunDailyDistribution(c.Request.Context(), model.TriggerManual)
	h.writeExecution(c, exec, err)
}

// RunRewards 手动触发奖励资格评估
// POST /api/v1/jobs/rewards/run
func (h *Handler) RunRewards(c *gin.Context) {
	exec, err := h.jobs.RunRewardEvaluation(c.Request.Context(), model.TriggerManual)
	h.writeExecution(c, exec, err)
}

func (h *Handler) writeExecution(c *gin.Context, exec *model.JobExecution, err error) {
	switch {
	case err == nil:
		response.Success(c, exec)
	case errors.Is(err, service.ErrJobRunning):
		response.BusinessError(c, response.CodeJobRunning, err.Error())
	case errors.Is(err, repository.ErrNoActivePlan):
		response.BusinessError(c, response.CodeNoActivePlan, err.Error())
	case exec != nil:
		// 执行记录已落库，把失败原因和记录一起返回
		c.JSON(200, response.Response{Code: response.CodeJobFailed, Message: err.Error(), Data: exec})
	default:
		h.logger.Error("手动触发任务失败", zap.Error(err))
		response.ServerError(c, err.Error())
	}
}

// ListExecutions 查询最近的执行记录
// GET /api/v1/jobs/executions?job=daily_distribution&limit=20
func (h *Handler) ListExecutions(c *gin.Context) {
	jobName := c.Query("job")
	if jobName != "" && jobName != model.JobDailyDistribution && jobName != model.JobRewardEvaluation {
		response.ParamError(c, "job 参数错误")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		response.ParamError(c, "limit 参数错误")
		return
	}

	execs, err := h.jobs.ListExecutions(c.Request.Context(), jobName, limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  execs,
		"total": len(execs),
	})
}

// ReverseIncome 冲正一笔收益
// POST /api/v1/income/reverse
func (h *Handler) ReverseIncome(c *gin.Context) {
	var req service.ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.reversal.ReverseIncome(c.Request.Context(), &req)
	switch {
	case err == nil:
		response.Success(c, result)
	case errors.Is(err, repository.ErrIncomeNotFound):
		response.BusinessError(c, response.CodeIncomeNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyReversed):
		response.BusinessError(c, response.CodeAlreadyReversed, err.Error())
	case errors.Is(err, service.ErrReversalRejected), errors.Is(err, repository.ErrBalanceNotEnough):
		response.BusinessError(c, response.CodeReversalRejected, err.Error())
	default:
		h.logger.Error("冲正失败", zap.String("income_no", req.IncomeNo), zap.Error(err))
		response.ServerError(c, err.Error())
	}
}

type InvestmentEventRequest struct {
	InvestmentID int64 `json:"investment_id" binding:"required,gt=0"`
}

// InvestmentEvent 新投资事件，立即发放推荐奖
// POST /api/v1/events/investment
func (h *Handler) InvestmentEvent(c *gin.Context) {
	var req InvestmentEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.jobs.OnInvestment(c.Request.Context(), req.InvestmentID)
	switch {
	case err == nil:
		response.Success(c, result)
	case errors.Is(err, repository.ErrInvestmentNotFound):
		response.Error(c, response.CodeNotFound, err.Error())
	case errors.Is(err, repository.ErrUserNotFound):
		response.BusinessError(c, response.CodeUserNotFound, err.Error())
	case errors.Is(err, repository.ErrNoActivePlan):
		response.BusinessError(c, response.CodeNoActivePlan, err.Error())
	default:
		h.logger.Error("处理投资事件失败", zap.Int64("investment_id", req.InvestmentID), zap.Error(err))
		response.ServerError(c, err.Error())
	}
}

// UserStatement 用户对账单
// GET /api/v1/users/:id/statement?page=1&page_size=20
func (h *Handler) UserStatement(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "用户 id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	st, err := h.statements.Statement(c.Request.Context(), userID, page, pageSize)
	switch {
	case err == nil:
		if !st.Consistent {
			h.logger.Warn("用户余额与流水不一致", zap.Int64("user_id", userID),
				zap.String("wallet", st.User.WalletBalance.String()), zap.String("credited_sum", st.CreditedSum))
		}
		response.Success(c, st)
	case errors.Is(err, repository.ErrUserNotFound):
		response.BusinessError(c, response.CodeUserNotFound, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}
