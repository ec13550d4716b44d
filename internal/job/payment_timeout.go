package job

import (
	"context"
	"log"
	"time"

	"daigou/internal/config"
	"daigou/internal/service"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// PaymentTimeoutJob 付款超时关单任务
// 周期性扫描超过付款截止时间仍未确认收款的订单，关闭并退卡
type PaymentTimeoutJob struct {
	orderService *service.OrderService
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
}

func NewPaymentTimeoutJob(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *PaymentTimeoutJob {
	return &PaymentTimeoutJob{
		orderService: service.NewOrderService(db, redisClient, cfg),
		stopCh:       make(chan struct{}),
		interval:     time.Duration(cfg.Business.PaymentSweepIntervalMin) * time.Minute,
		batchSize:    100,
	}
}

func (j *PaymentTimeoutJob) Start(ctx context.Context) {
	log.Println("[PaymentTimeoutJob] 付款超时任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[PaymentTimeoutJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[PaymentTimeoutJob] 任务停止")
			return
		case <-ticker.C:
			j.expireOverdue(ctx)
		}
	}
}

func (j *PaymentTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *PaymentTimeoutJob) expireOverdue(ctx context.Context) {
	expired, err := j.orderService.ExpireOverduePayments(ctx, j.batchSize)
	if err != nil {
		log.Printf("[PaymentTimeoutJob] 查询超时订单失败: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("[PaymentTimeoutJob] 本次关闭 %d 个付款超时订单", expired)
	}
}
