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

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	// ErrOrderAlreadyLocked 锁冲突。只告知有人在处理，不泄露持锁代购员
	ErrOrderAlreadyLocked = errors.New("该订单已有其他代购员在处理")
	ErrNotLockOwner       = errors.New("当前代购员未持有该订单锁")
	ErrLockExtendLimit    = errors.New("锁延长次数已达上限")
)

// LockService 订单独占锁管理
// 一张订单同一时刻至多一个代购员持锁；锁带固定时长，到期由后台回收任务释放
type LockService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	orderRepo   *repository.OrderRepository
	lockRepo    *repository.LockRepository
	outboxRepo  *repository.OutboxRepository
	cardService *CardService
}

func NewLockService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *LockService {
	return &LockService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		orderRepo:   repository.NewOrderRepository(db),
		lockRepo:    repository.NewLockRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		cardService: NewCardService(db, redisClient, cfg),
	}
}

// Acquire 代购员抢锁
// 正确性由状态 CAS（PUBLISHED -> AGENT_LOCKED）保证：两个并发抢锁请求
// 只有一个能命中 WHERE status = 'PUBLISHED'，另一个收到锁冲突错误。
// 锁行创建与状态更新在同一事务内，二者不可能只成其一
func (s *LockService) Acquire(ctx context.Context, orderNo string, agentID int64) (*model.OrderLock, error) {
	redisLock := lock.NewOrderLock(s.redisClient, orderNo, fmt.Sprintf("agent:%d", agentID))
	ok, err := redisLock.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取订单操作锁失败: %w", err)
	}
	if !ok {
		return nil, ErrOrderAlreadyLocked
	}
	defer redisLock.Unlock(ctx)

	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}

	if model.IsLockedStatus(order.Status) {
		return nil, ErrOrderAlreadyLocked
	}
	if err := model.AssertTransition(order.Status, model.OrderStatusAgentLocked, model.RoleAgent); err != nil {
		return nil, err
	}

	now := time.Now()
	orderLock := &model.OrderLock{
		OrderNo:   orderNo,
		AgentID:   agentID,
		LockedAt:  now,
		ExpiresAt: now.Add(s.cfg.Business.LockTTL()),
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, order.Status, model.OrderStatusAgentLocked,
			map[string]interface{}{"agent_id": agentID})
		if err != nil {
			if errors.Is(err, repository.ErrOrderStatusChanged) {
				return ErrOrderAlreadyLocked
			}
			return err
		}

		if err := s.lockRepo.Create(ctx, tx, orderLock); err != nil {
			return fmt.Errorf("创建订单锁失败: %w", err)
		}

		return emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, model.OrderStatusAgentLocked, &agentID)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("订单锁定成功: orderNo=%s, agentID=%d, expiresAt=%s",
		orderNo, agentID, orderLock.ExpiresAt.Format(time.RFC3339))

	return orderLock, nil
}

// ValidateOwnership 校验代购员是否持有订单锁
func (s *LockService) ValidateOwnership(ctx context.Context, orderNo string, agentID int64) (*model.OrderLock, error) {
	orderLock, err := s.lockRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if orderLock.AgentID != agentID {
		return nil, ErrNotLockOwner
	}
	return orderLock, nil
}

// Extend 代购员显式延长锁，次数受配置上限约束
func (s *LockService) Extend(ctx context.Context, orderNo string, agentID int64) (*model.OrderLock, error) {
	if _, err := s.ValidateOwnership(ctx, orderNo, agentID); err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(s.cfg.Business.LockTTL())
	extended, err := s.lockRepo.Extend(ctx, nil, orderNo, agentID, expiresAt, s.cfg.Business.LockMaxExtensions)
	if err != nil {
		return nil, err
	}
	if !extended {
		return nil, ErrLockExtendLimit
	}

	return s.lockRepo.GetByOrderNo(ctx, orderNo)
}

// RefreshOnProgressTx 向前流转时刷新锁时长（不占用显式延长次数）
func (s *LockService) RefreshOnProgressTx(ctx context.Context, tx *gorm.DB, orderNo string, agentID int64) error {
	return s.lockRepo.RefreshExpiry(ctx, tx, orderNo, agentID, time.Now().Add(s.cfg.Business.LockTTL()))
}

// SweepExpired 回收到期锁，返回实际释放数量
// 每张订单独立事务：先按到期条件删锁行，删不到说明另一写入方（代购员操作、
// 锁刷新或并发的另一次回收）已抢先处理，直接放弃。因此本方法可与自身、
// 与代购员操作任意并发，重复执行是无害的空操作，且绝不回收未到期的锁
func (s *LockService) SweepExpired(ctx context.Context) (int, error) {
	locks, err := s.lockRepo.ListExpired(ctx, 100)
	if err != nil {
		return 0, fmt.Errorf("查询到期锁失败: %w", err)
	}

	released := 0
	for _, expired := range locks {
		ok, err := s.releaseExpiredLock(ctx, expired)
		if err != nil {
			log.Printf("[LockSweep] 回收订单锁失败: orderNo=%s, err=%v", expired.OrderNo, err)
			continue
		}
		if ok {
			released++
		}
	}

	return released, nil
}

func (s *LockService) releaseExpiredLock(ctx context.Context, expired *model.OrderLock) (bool, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, expired.OrderNo)
	if err != nil {
		return false, err
	}

	// 锁行存在但订单不在锁定态：说明之前某次写入破坏了原子性，
	// 记录最高级别日志并中止，不做任何修复性写入
	if !model.IsLockedStatus(order.Status) {
		log.Printf("[FATAL][LockSweep] 一致性破坏: 订单 %s 状态为 %s 但存在锁行 (agentID=%d)",
			order.OrderNo, order.Status, expired.AgentID)
		return false, ErrConsistency
	}

	requeueCount := order.LockExpiredCount + 1
	target := model.OrderStatusPublished
	if requeueCount > s.cfg.Business.LockMaxRequeue {
		target = model.OrderStatusCancelledNoAgent
	}
	if err := model.AssertTransition(order.Status, target, model.RoleSystem); err != nil {
		return false, err
	}

	won := false
	err = s.db.Transaction(func(tx *gorm.DB) error {
		deleted, err := s.lockRepo.DeleteExpired(ctx, tx, expired.OrderNo, time.Now())
		if err != nil {
			return err
		}
		if !deleted {
			// 锁行已被另一写入方处理，或代购员在快照之后刷新了锁，本次让步
			return nil
		}

		err = s.orderRepo.UpdateStatus(ctx, tx, expired.OrderNo, order.Status, target,
			map[string]interface{}{
				"agent_id":           nil,
				"lock_expired_count": requeueCount,
			})
		if err != nil {
			return err
		}

		if target == model.OrderStatusCancelledNoAgent {
			if _, err := s.cardService.ReturnOnCancelTx(ctx, tx, order.UserID, order.OrderNo); err != nil {
				return err
			}
		}

		if err := emitOrderEvent(ctx, tx, s.outboxRepo, s.cfg, order, target, nil); err != nil {
			return err
		}

		won = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if won {
		log.Printf("[LockSweep] 锁已回收: orderNo=%s, agentID=%d, 流向=%s",
			expired.OrderNo, expired.AgentID, target)
	}
	return won, nil
}
