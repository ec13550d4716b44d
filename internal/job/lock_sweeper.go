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

// LockSweepJob 订单锁回收任务
// 周期性释放到期的订单锁：回收过期锁、重置订单为可接单状态。
// 与请求处理解耦，随进程启动，优雅关闭时随上下文退出
type LockSweepJob struct {
	lockService *service.LockService
	stopCh      chan struct{}
	interval    time.Duration
}

func NewLockSweepJob(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *LockSweepJob {
	return &LockSweepJob{
		lockService: service.NewLockService(db, redisClient, cfg),
		stopCh:      make(chan struct{}),
		interval:    time.Duration(cfg.Business.LockSweepIntervalMin) * time.Minute,
	}
}

func (j *LockSweepJob) Start(ctx context.Context) {
	log.Println("[LockSweepJob] 订单锁回收任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[LockSweepJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[LockSweepJob] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *LockSweepJob) Stop() {
	close(j.stopCh)
}

func (j *LockSweepJob) sweep(ctx context.Context) {
	released, err := j.lockService.SweepExpired(ctx)
	if err != nil {
		log.Printf("[LockSweepJob] 回收到期锁失败: %v", err)
		return
	}
	if released > 0 {
		log.Printf("[LockSweepJob] 本次回收 %d 个到期锁", released)
	}
}
