package handler

import (
	"errors"
	"strconv"

	"daigou/internal/config"
	"daigou/internal/model"
	"daigou/internal/repository"
	"daigou/internal/service"
	"daigou/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	cardService  *service.CardService
	orderService *service.OrderService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		cardService:  service.NewCardService(db, rdb, cfg),
		orderService: service.NewOrderService(db, rdb, cfg),
	}
}

// writeServiceError 服务层错误到响应码的统一映射
// 流转/余额类错误属于调用方可自纠的业务错误；锁冲突与归属错误属于权限类；
// 状态 CAS 与乐观锁失败属于可重试的并发冲突；一致性错误意味着先前的
// 原子性缺陷，按服务器错误返回并已在服务层记录
func writeServiceError(c *gin.Context, err error) {
	var transErr *model.TransitionError
	switch {
	case errors.As(err, &transErr):
		response.BusinessError(c, response.CodeTransitionInvalid, transErr.Error())
	case errors.Is(err, repository.ErrBalanceNotEnough):
		response.BusinessError(c, response.CodeBalanceNotEnough, "卡余额不足")
	case errors.Is(err, service.ErrOrderAlreadyLocked):
		response.BusinessError(c, response.CodeOrderLocked, err.Error())
	case errors.Is(err, service.ErrNotLockOwner),
		errors.Is(err, service.ErrNotOrderOwner),
		errors.Is(err, service.ErrNotOrderAgent):
		response.BusinessError(c, response.CodeNotOwner, err.Error())
	case errors.Is(err, service.ErrLockExtendLimit):
		response.BusinessError(c, response.CodeLockExtendLimit, err.Error())
	case errors.Is(err, repository.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, err.Error())
	case errors.Is(err, repository.ErrLockNotFound):
		response.BusinessError(c, response.CodeLockNotFound, err.Error())
	case errors.Is(err, repository.ErrOrderStatusChanged),
		errors.Is(err, repository.ErrOptimisticLock):
		response.BusinessError(c, response.CodeConcurrentRetry, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

func parseUserID(c *gin.Context, key string) (int64, bool) {
	idStr := c.Query(key)
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		response.ParamError(c, key+" 参数错误")
		return 0, false
	}
	return id, true
}

func parsePage(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	return page, pageSize
}

// ============================================================
// 卡账户相关接口
// ============================================================

// GetBalance 查询用户卡余额
// GET /api/v1/card/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c, "user_id")
	if !ok {
		return
	}

	account, err := h.cardService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":          account.UserID,
		"balance":          account.Balance,
		"completed_orders": account.CompletedOrders,
	})
}

// ListTransactions 查询用户卡流水
// GET /api/v1/card/transactions?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := parseUserID(c, "user_id")
	if !ok {
		return
	}
	page, pageSize := parsePage(c)

	transactions, total, err := h.cardService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// InitAccountRequest 开户请求
type InitAccountRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// InitAccount 开户并发放初始赠卡
// POST /api/v1/card/init
func (h *Handler) InitAccount(c *gin.Context) {
	var req InitAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.cardService.InitAccount(c.Request.Context(), req.UserID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": account.UserID,
		"balance": account.Balance,
	})
}

// BuyPackageRequest 购买卡包请求
type BuyPackageRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	Count  int64 `json:"count" binding:"required,gt=0"`
}

// BuyPackage 购买卡包（管理员确认收款后入账）
// POST /api/v1/card/buy-package
func (h *Handler) BuyPackage(c *gin.Context) {
	var req BuyPackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.cardService.BuyPackage(c.Request.Context(), req.UserID, req.Count)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, result)
}

// GiftRequest 赠卡请求
type GiftRequest struct {
	FromUserID int64 `json:"from_user_id" binding:"required"`
	ToUserID   int64 `json:"to_user_id" binding:"required"`
	Count      int64 `json:"count" binding:"required,gt=0"`
}

// GiftCards 用户间赠卡
// POST /api/v1/card/gift
func (h *Handler) GiftCards(c *gin.Context) {
	var req GiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.cardService.GiftCards(c.Request.Context(), req.FromUserID, req.ToUserID, req.Count); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "赠卡成功"})
}

// SellRequest 回售请求
type SellRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	Count  int64 `json:"count" binding:"required,gt=0"`
}

// SellToAdmin 向管理员回售卡
// POST /api/v1/card/sell
func (h *Handler) SellToAdmin(c *gin.Context) {
	var req SellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.cardService.SellToAdmin(c.Request.Context(), req.UserID, req.Count)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 订单相关接口（用户侧）
// ============================================================

// CreateDraftRequest 创建草稿请求
type CreateDraftRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	IsPackage bool   `json:"is_package"`
	ItemCount int    `json:"item_count" binding:"required,gt=0"`
	Items     string `json:"items"`
}

// CreateDraft 创建草稿订单
// POST /api/v1/order/draft
func (h *Handler) CreateDraft(c *gin.Context) {
	var req CreateDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	order, err := h.orderService.CreateDraft(c.Request.Context(), &service.CreateDraftRequest{
		UserID:    req.UserID,
		IsPackage: req.IsPackage,
		ItemCount: req.ItemCount,
		Items:     req.Items,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_no": order.OrderNo,
		"status":   order.Status,
	})
}

// PublishRequest 发布订单请求
type PublishRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	OrderNo string `json:"order_no" binding:"required"`
}

// Publish 发布订单（扣卡）
// POST /api/v1/order/publish
func (h *Handler) Publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	order, err := h.orderService.Publish(c.Request.Context(), req.UserID, req.OrderNo)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_no": order.OrderNo,
		"status":   order.Status,
	})
}

// CancelRequest 用户取消请求
type CancelRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	OrderNo string `json:"order_no" binding:"required"`
}

// Cancel 用户取消订单（退卡）
// POST /api/v1/order/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.CancelByUser(c.Request.Context(), req.UserID, req.OrderNo); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "订单已取消"})
}

// GetOrder 查询订单详情
// GET /api/v1/order/detail?order_no=xxx
func (h *Handler) GetOrder(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		response.ParamError(c, "order_no 参数不能为空")
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), orderNo)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, order)
}

// ListOrders 查询用户订单列表
// GET /api/v1/order/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := parseUserID(c, "user_id")
	if !ok {
		return
	}
	page, pageSize := parsePage(c)

	orders, total, err := h.orderService.ListUserOrders(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ReviewRequest 报告确认请求
type ReviewRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	OrderNo string `json:"order_no" binding:"required"`
	Accept  *bool  `json:"accept" binding:"required"`
}

// Review 用户确认/拒绝调研报告
// POST /api/v1/order/review
func (h *Handler) Review(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.Review(c.Request.Context(), req.UserID, req.OrderNo, *req.Accept); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "已处理"})
}

// CompleteRequest 确认收货请求
type CompleteRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	OrderNo string `json:"order_no" binding:"required"`
}

// Complete 用户确认收货
// POST /api/v1/order/complete
func (h *Handler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.Complete(c.Request.Context(), req.UserID, req.OrderNo); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "订单已完成"})
}

// ============================================================
// 代购员相关接口
// ============================================================

// ListPublished 查询可接单订单
// GET /api/v1/agent/published?page=1&page_size=10
func (h *Handler) ListPublished(c *gin.Context) {
	page, pageSize := parsePage(c)

	orders, total, err := h.orderService.ListPublishedOrders(c.Request.Context(), page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// AgentOrderRequest 代购员订单操作请求
type AgentOrderRequest struct {
	AgentID int64  `json:"agent_id" binding:"required"`
	OrderNo string `json:"order_no" binding:"required"`
}

// AcquireLock 代购员抢锁
// POST /api/v1/agent/lock
func (h *Handler) AcquireLock(c *gin.Context) {
	var req AgentOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	orderLock, err := h.orderService.AcquireLock(c.Request.Context(), req.OrderNo, req.AgentID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_no":   orderLock.OrderNo,
		"locked_at":  orderLock.LockedAt,
		"expires_at": orderLock.ExpiresAt,
	})
}

// ExtendLock 代购员延长锁
// POST /api/v1/agent/extend-lock
func (h *Handler) ExtendLock(c *gin.Context) {
	var req AgentOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	orderLock, err := h.orderService.ExtendLock(c.Request.Context(), req.OrderNo, req.AgentID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_no":        orderLock.OrderNo,
		"expires_at":      orderLock.ExpiresAt,
		"extension_count": orderLock.ExtensionCount,
	})
}

// StartResearch 代购员开始调研
// POST /api/v1/agent/start-research
func (h *Handler) StartResearch(c *gin.Context) {
	var req AgentOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.StartResearch(c.Request.Context(), req.AgentID, req.OrderNo); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "已开始调研"})
}

// SubmitReportRequest 提交报告请求
type SubmitReportRequest struct {
	AgentID int64  `json:"agent_id" binding:"required"`
	OrderNo string `json:"order_no" binding:"required"`
	Report  string `json:"report" binding:"required"`
}

// SubmitReport 代购员提交调研报告
// POST /api/v1/agent/submit-report
func (h *Handler) SubmitReport(c *gin.Context) {
	var req SubmitReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.SubmitReport(c.Request.Context(), req.AgentID, req.OrderNo, req.Report); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "报告已提交"})
}

// MarkPlaced 代购员登记已下单采购
// POST /api/v1/agent/placed
func (h *Handler) MarkPlaced(c *gin.Context) {
	var req AgentOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.MarkOrderPlaced(c.Request.Context(), req.AgentID, req.OrderNo); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "已登记下单"})
}

// MarkInTransit 代购员登记货物交运
// POST /api/v1/agent/in-transit
func (h *Handler) MarkInTransit(c *gin.Context) {
	var req AgentOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.MarkInTransit(c.Request.Context(), req.AgentID, req.OrderNo); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "已登记交运"})
}

// ListAgentOrders 查询代购员受理的订单
// GET /api/v1/agent/orders?agent_id=xxx&page=1&page_size=10
func (h *Handler) ListAgentOrders(c *gin.Context) {
	agentID, ok := parseUserID(c, "agent_id")
	if !ok {
		return
	}
	page, pageSize := parsePage(c)

	orders, total, err := h.orderService.ListAgentOrders(c.Request.Context(), agentID, page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 管理端接口
// ============================================================

// AdminOrderRequest 管理端订单操作请求
type AdminOrderRequest struct {
	OrderNo string `json:"order_no" binding:"required"`
	Reason  string `json:"reason"`
}

// ConfirmPayment 管理员确认收款
// POST /api/v1/admin/confirm-payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req AdminOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.ConfirmPayment(c.Request.Context(), req.OrderNo); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "收款已确认"})
}

// MarkArrived 管理员登记货物到达货运点
// POST /api/v1/admin/arrived
func (h *Handler) MarkArrived(c *gin.Context) {
	var req AdminOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.MarkArrived(c.Request.Context(), req.OrderNo); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "已登记到达"})
}

// AdminCancel 管理员取消订单
// POST /api/v1/admin/cancel
func (h *Handler) AdminCancel(c *gin.Context) {
	var req AdminOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.CancelByAdmin(c.Request.Context(), req.OrderNo, req.Reason); err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "订单已取消"})
}

// SweepLocks 手动触发到期锁回收（测试与运维用）
// POST /api/v1/admin/sweep-locks
func (h *Handler) SweepLocks(c *gin.Context) {
	released, err := h.orderService.SweepExpiredLocks(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"released": released})
}
