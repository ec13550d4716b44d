package service

import (
	"context"
	"encoding/json"
	"time"

	"daigou/internal/config"
	"daigou/internal/model"
	"daigou/internal/repository"

	"gorm.io/gorm"
)

// emitOrderEvent 订单状态变更通知落入 outbox，由后台任务异步投递到 Kafka
// 投递失败只影响通知，不影响业务事务
func emitOrderEvent(ctx context.Context, tx *gorm.DB, outboxRepo *repository.OutboxRepository, cfg *config.Config, order *model.Order, status string, agentID *int64) error {
	payload := map[string]interface{}{
		"event":       model.EventOrderUpdate,
		"order_no":    order.OrderNo,
		"user_id":     order.UserID,
		"agent_id":    agentID,
		"status":      status,
		"occurred_at": time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(payload)

	return outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: order.OrderNo,
		Topic:      cfg.Kafka.Topic.OrderUpdate,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	})
}
