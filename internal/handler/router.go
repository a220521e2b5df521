package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger.Named("http")))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("/distribution/run", h.RunDistribution)
			jobs.POST("/rewards/run", h.RunRewards)
			jobs.GET("/executions", h.ListExecutions)
		}

		income := api.Group("/income")
		{
			income.POST("/reverse", h.ReverseIncome)
		}

		api.GET("/users/:id/statement", h.UserStatement)

		events := api.Group("/events")
		{
			events.POST("/investment", h.InvestmentEvent)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
