package handler

import (
	"daigou/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 卡账户相关
		card := api.Group("/card")
		{
			card.GET("/balance", h.GetBalance)
			card.GET("/transactions", h.ListTransactions)
			card.POST("/init", h.InitAccount)
			card.POST("/buy-package", h.BuyPackage)
			card.POST("/gift", h.GiftCards)
			card.POST("/sell", h.SellToAdmin)
		}

		// 订单相关（用户侧）
		order := api.Group("/order")
		{
			order.POST("/draft", h.CreateDraft)
			order.POST("/publish", h.Publish)
			order.POST("/cancel", h.Cancel)
			order.GET("/detail", h.GetOrder)
			order.GET("/list", h.ListOrders)
			order.POST("/review", h.Review)
			order.POST("/complete", h.Complete)
		}

		// 代购员相关
		agent := api.Group("/agent")
		{
			agent.GET("/published", h.ListPublished)
			agent.GET("/orders", h.ListAgentOrders)
			agent.POST("/lock", h.AcquireLock)
			agent.POST("/extend-lock", h.ExtendLock)
			agent.POST("/start-research", h.StartResearch)
			agent.POST("/submit-report", h.SubmitReport)
			agent.POST("/placed", h.MarkPlaced)
			agent.POST("/in-transit", h.MarkInTransit)
		}

		// 管理端
		admin := api.Group("/admin")
		{
			admin.POST("/confirm-payment", h.ConfirmPayment)
			admin.POST("/arrived", h.MarkArrived)
			admin.POST("/cancel", h.AdminCancel)
			admin.POST("/sweep-locks", h.SweepLocks)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
