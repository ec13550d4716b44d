package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"daigou/internal/config"
	"daigou/internal/infrastructure/lock"
	"daigou/internal/model"
	"daigou/internal/repository"
	"daigou/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	ErrNotOrderOwner = errors.New("无权操作该订单")
	ErrNotOrderAgent = errors.New("当前代购员未受理该订单")
)

// OrderService 订单生命周期编排
// 每个用例遵循同一模板：读取订单 -> 状态流转校验 -> 角色/归属校验 ->
// 卡账本操作（如有）-> 状态写入 -> 通知落 outbox。
// 卡账本操作与状态写入在同一数据库事务内，账本失败则整个用例回滚，
// 不会出现状态已推进但经济效果缺失的订单
type OrderService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	orderRepo   *repository.OrderRepository
	lockRepo    *repository.LockRepository
	outboxRepo  *repository.OutboxRepository
	cardService *CardService
	lockService *LockService
}

func NewOrderService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *OrderService {
	return &OrderService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		orderRepo:   repository.NewOrderRepository(db),
		lockRepo:    repository.NewLockRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		cardService: NewCardService(db, redisClient, cfg),
		lockService: NewLockService(db, redisClient, cfg),
	}
}

// CreateDraftRequest 创建草稿请求
type CreateDraftRequest struct {
	UserID    int64  `json:"user_id"`
	IsPackage bool   `json:"is_package"`
	ItemCount int    `json:"item_count"`
	Items     string `json:"items"`
}

// CreateDraft 创建草稿订单
func (s *OrderService) CreateDraft(ctx context.Context, req *CreateDraftRequest) (*model.Order, error) {
	if req.ItemCount < 1 {
		return nil, errors.New("商品件数必须大于0")
	}

	order := &model.Order{
		OrderNo:   idgen.GenerateOrderNo(),
		UserID:    req.UserID,
		Status:    model.OrderStatusDraft,
		IsPackage: req.IsPackage,
		ItemCount: req.ItemCount,
		Items:     req.Items,
	}

	if err := s.orderRepo.Create(ctx, nil, order); err != nil {
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}

	return order, nil
}

// Publish 发布订单：扣卡与状态写入同事务
// 打包订单按件数扣卡，普通订单扣 1 张；余额不足时整个用例失败，无任何写入
func (s *OrderService) Publish(ctx context.Context, userID int64, orderNo string) (*model.Order, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if err := model.AssertTransition(order.Status, model.OrderStatusPublished, model.RoleUser); err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotOrderOwner
	}

	// 用户维度分布式锁，与其他卡操作互斥
	cardLock := lock.NewCardLock(s.redisClient, userID, orderNo)
	if err := cardLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer cardLock.Unlock(ctx)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.cardService.ConsumeOnPublishTx(ctx, tx, order); err != nil {
			return err
		}
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, model.OrderStatusPublished, nil); err != nil {
			return err
		}
		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusPublished, nil)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("订单发布成功: orderNo=%s, userID=%d, 扣卡=%d", orderNo, userID, order.PublishCost())
	return s.orderRepo.GetByOrderNo(ctx, orderNo)
}

// CancelByUser 用户取消已发布订单并退卡
func (s *OrderService) CancelByUser(ctx context.Context, userID int64, orderNo string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if err := model.AssertTransition(order.Status, model.OrderStatusCancelledByUser, model.RoleUser); err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrNotOrderOwner
	}

	cardLock := lock.NewCardLock(s.redisClient, userID, orderNo)
	if err := cardLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer cardLock.Unlock(ctx)

	return s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.cardService.ReturnOnCancelTx(ctx, tx, userID, orderNo); err != nil {
			return err
		}
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, model.OrderStatusCancelledByUser, nil); err != nil {
			return err
		}
		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusCancelledByUser, nil)
	})
}

// AcquireLock 代购员抢锁（委托锁管理）
func (s *OrderService) AcquireLock(ctx context.Context, orderNo string, agentID int64) (*model.OrderLock, error) {
	return s.lockService.Acquire(ctx, orderNo, agentID)
}

// ExtendLock 代购员延长锁
func (s *OrderService) ExtendLock(ctx context.Context, orderNo string, agentID int64) (*model.OrderLock, error) {
	return s.lockService.Extend(ctx, orderNo, agentID)
}

// StartResearch 代购员开始调研；向前流转同时刷新锁时长
func (s *OrderService) StartResearch(ctx context.Context, agentID int64, orderNo string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if err := model.AssertTransition(order.Status, model.OrderStatusAgentResearching, model.RoleAgent); err != nil {
		return err
	}
	if _, err := s.lockService.ValidateOwnership(ctx, orderNo, agentID); err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, model.OrderStatusAgentResearching, nil); err != nil {
			return err
		}
		if err := s.lockService.RefreshOnProgressTx(ctx, tx, orderNo, agentID); err != nil {
			return err
		}
		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusAgentResearching, &agentID)
	})
}

// SubmitReport 代购员提交调研报告
// 状态两跳（REPORT_SUBMITTED -> WAITING_USER_REVIEW）与锁行删除同事务完成；
// 提交后订单脱离锁定态，锁行必须随之消失
func (s *OrderService) SubmitReport(ctx context.Context, agentID int64, orderNo, report string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if err := model.AssertTransition(order.Status, model.OrderStatusReportSubmitted, model.RoleAgent); err != nil {
		return err
	}
	if _, err := s.lockService.ValidateOwnership(ctx, orderNo, agentID); err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, model.OrderStatusReportSubmitted,
			map[string]interface{}{"report": report})
		if err != nil {
			return err
		}
		err = s.orderRepo.UpdateStatus(ctx, tx, orderNo, model.OrderStatusReportSubmitted, model.OrderStatusWaitingUserReview, nil)
		if err != nil {
			return err
		}

		deleted, err := s.lockRepo.Delete(ctx, tx, orderNo)
		if err != nil {
			return err
		}
		if !deleted {
			// 状态 CAS 已通过则锁行必然存在，走到这里说明不变量已被破坏
			log.Printf("[FATAL] 一致性破坏: 订单 %s 处于锁定态但锁行缺失", orderNo)
			return ErrConsistency
		}

		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusWaitingUserReview, &agentID)
	})
}

// Review 用户确认调研报告
// 接受：进入待付款并设置付款截止时间；拒绝：订单终止并退卡
func (s *OrderService) Review(ctx context.Context, userID int64, orderNo string, accept bool) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}

	target := model.OrderStatusUserRejected
	if accept {
		target = model.OrderStatusWaitingPayment
	}
	if err := model.AssertTransition(order.Status, target, model.RoleUser); err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrNotOrderOwner
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		extra := map[string]interface{}{}
		if accept {
			extra["payment_due_at"] = time.Now().Add(s.cfg.Business.PaymentTimeout())
		} else {
			if _, err := s.cardService.ReturnOnCancelTx(ctx, tx, userID, orderNo); err != nil {
				return err
			}
		}
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, target, extra); err != nil {
			return err
		}
		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, target, order.AgentID)
	})
}

// ConfirmPayment 管理员确认收款
// 状态 CAS 在前、账本奖励在后且同事务：重试请求抢不到状态更新即整体回滚，
// 完成数与奖励卡不可能被重复累计
func (s *OrderService) ConfirmPayment(ctx context.Context, orderNo string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if err := model.AssertTransition(order.Status, model.OrderStatusPaymentConfirmed, model.RoleAdmin); err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, model.OrderStatusPaymentConfirmed, nil); err != nil {
			return err
		}
		if err := s.cardService.OnPaymentConfirmedTx(ctx, tx, order.UserID, orderNo); err != nil {
			return err
		}
		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusPaymentConfirmed, order.AgentID)
	})
}

// MarkOrderPlaced 代购员登记已下单采购
// 此阶段锁行已删除，归属以订单上的 agent_id 为准
func (s *OrderService) MarkOrderPlaced(ctx context.Context, agentID int64, orderNo string) error {
	return s.agentProgress(ctx, agentID, orderNo, model.OrderStatusOrderPlaced)
}

// MarkInTransit 代购员登记货物已交运
func (s *OrderService) MarkInTransit(ctx context.Context, agentID int64, orderNo string) error {
	return s.agentProgress(ctx, agentID, orderNo, model.OrderStatusCargoInTransit)
}

func (s *OrderService) agentProgress(ctx context.Context, agentID int64, orderNo, target string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if err := model.AssertTransition(order.Status, target, model.RoleAgent); err != nil {
		return err
	}
	if order.AgentID == nil || *order.AgentID != agentID {
		return ErrNotOrderAgent
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, target, nil); err != nil {
			return err
		}
		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, target, &agentID)
	})
}

// MarkArrived 管理员登记货物到达货运点
func (s *OrderService) MarkArrived(ctx context.Context, orderNo string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if err := model.AssertTransition(order.Status, model.OrderStatusArrivedAtCargo, model.RoleAdmin); err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, model.OrderStatusArrivedAtCargo, nil); err != nil {
			return err
		}
		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusArrivedAtCargo, order.AgentID)
	})
}

// Complete 用户确认收货，订单完结
func (s *OrderService) Complete(ctx context.Context, userID int64, orderNo string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if err := model.AssertTransition(order.Status, model.OrderStatusCompleted, model.RoleUser); err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrNotOrderOwner
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, model.OrderStatusCompleted, nil); err != nil {
			return err
		}
		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusCompleted, order.AgentID)
	})
}

// CancelByAdmin 管理员取消订单：清理锁行（如有）并退卡
func (s *OrderService) CancelByAdmin(ctx context.Context, orderNo, reason string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if err := model.AssertTransition(order.Status, model.OrderStatusCancelledByAdmin, model.RoleAdmin); err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if model.IsLockedStatus(order.Status) {
			deleted, err := s.lockRepo.Delete(ctx, tx, orderNo)
			if err != nil {
				return err
			}
			if !deleted {
				log.Printf("[FATAL] 一致性破坏: 订单 %s 处于锁定态但锁行缺失", orderNo)
				return ErrConsistency
			}
		}

		if _, err := s.cardService.ReturnOnCancelTx(ctx, tx, order.UserID, orderNo); err != nil {
			return err
		}

		extra := map[string]interface{}{"agent_id": nil}
		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, model.OrderStatusCancelledByAdmin, extra); err != nil {
			return err
		}
		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusCancelledByAdmin, nil)
	})
	if err != nil {
		return err
	}

	log.Printf("管理员取消订单: orderNo=%s, 原因=%s", orderNo, reason)
	return nil
}

// ExpireOverduePayments 关闭付款超时订单并退卡，返回处理数量
func (s *OrderService) ExpireOverduePayments(ctx context.Context, limit int) (int, error) {
	orders, err := s.orderRepo.GetOverduePayments(ctx, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, order := range orders {
		if err := model.AssertTransition(order.Status, model.OrderStatusPaymentExpired, model.RoleSystem); err != nil {
			continue
		}
		order := order
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.orderRepo.UpdateStatus(ctx, tx, order.OrderNo, order.Status, model.OrderStatusPaymentExpired, nil); err != nil {
				return err
			}
			if _, err := s.cardService.ReturnOnCancelTx(ctx, tx, order.UserID, order.OrderNo); err != nil {
				return err
			}
			return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusPaymentExpired, nil)
		})
		if err != nil {
			log.Printf("[PaymentTimeout] 关闭超时订单失败: orderNo=%s, err=%v", order.OrderNo, err)
			continue
		}
		expired++
		log.Printf("[PaymentTimeout] 订单付款超时关闭: orderNo=%s, userID=%d", order.OrderNo, order.UserID)
	}

	return expired, nil
}

// SweepExpiredLocks 手动触发锁回收（后台任务与管理端共用）
func (s *OrderService) SweepExpiredLocks(ctx context.Context) (int, error) {
	return s.lockService.SweepExpired(ctx)
}

// GetOrder 查询订单详情
func (s *OrderService) GetOrder(ctx context.Context, orderNo string) (*model.Order, error) {
	return s.orderRepo.GetByOrderNo(ctx, orderNo)
}

// ListUserOrders 查询用户订单列表
func (s *OrderService) ListUserOrders(ctx context.Context, userID int64, page, pageSize int) ([]*model.Order, int64, error) {
	return s.orderRepo.ListByUserID(ctx, userID, page, pageSize)
}

// ListAgentOrders 查询代购员受理的订单列表
func (s *OrderService) ListAgentOrders(ctx context.Context, agentID int64, page, pageSize int) ([]*model.Order, int64, error) {
	return s.orderRepo.ListByAgentID(ctx, agentID, page, pageSize)
}

// ListPublishedOrders 查询可接单的已发布订单
func (s *OrderService) ListPublishedOrders(ctx context.Context, page, pageSize int) ([]*model.Order, int64, error) {
	return s.orderRepo.ListPublished(ctx, page, pageSize)
}
