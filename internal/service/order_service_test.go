package service

import (
	"context"
	"testing"
	"time"

	"daigou/internal/model"
	"daigou/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.orderService.CreateDraft(ctx, &CreateDraftRequest{
		UserID:    100,
		IsPackage: true,
		ItemCount: 3,
		Items:     `[{"name":"奶粉","qty":3}]`,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, order.OrderNo)
	assert.Equal(t, model.OrderStatusDraft, order.Status)
	assert.True(t, order.IsPackage)
	assert.Equal(t, 3, order.ItemCount)

	// 件数必须为正
	_, err = env.orderService.CreateDraft(ctx, &CreateDraftRequest{UserID: 100, ItemCount: 0})
	require.Error(t, err)
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const userID, agentID = int64(100), int64(77)
	env.seedBalance(t, userID, 3)

	// 用户：草稿 -> 发布（扣 1 张卡）
	order, err := env.orderService.CreateDraft(ctx, &CreateDraftRequest{UserID: userID, ItemCount: 1})
	require.NoError(t, err)
	orderNo := order.OrderNo

	_, err = env.orderService.Publish(ctx, userID, orderNo)
	require.NoError(t, err)
	require.Equal(t, int64(2), env.balance(t, userID))

	// 代购员：抢锁 -> 调研 -> 提交报告
	_, err = env.orderService.AcquireLock(ctx, orderNo, agentID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusAgentLocked, env.orderStatus(t, orderNo))

	require.NoError(t, env.orderService.StartResearch(ctx, agentID, orderNo))
	require.Equal(t, model.OrderStatusAgentResearching, env.orderStatus(t, orderNo))

	require.NoError(t, env.orderService.SubmitReport(ctx, agentID, orderNo, "报价详情"))
	require.Equal(t, model.OrderStatusWaitingUserReview, env.orderStatus(t, orderNo))

	// 提交报告后订单脱离锁定态，锁行必须消失
	_, err = env.lockService.ValidateOwnership(ctx, orderNo, agentID)
	require.ErrorIs(t, err, repository.ErrLockNotFound)

	updated, err := env.orderService.GetOrder(ctx, orderNo)
	require.NoError(t, err)
	assert.Equal(t, "报价详情", updated.Report)

	// 用户确认报告 -> 待付款（设置付款截止时间）
	require.NoError(t, env.orderService.Review(ctx, userID, orderNo, true))
	updated, err = env.orderService.GetOrder(ctx, orderNo)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusWaitingPayment, updated.Status)
	require.NotNil(t, updated.PaymentDueAt)
	assert.WithinDuration(t, time.Now().Add(env.cfg.Business.PaymentTimeout()), *updated.PaymentDueAt, 5*time.Second)

	// 管理员确认收款：奖励 1 张进度卡
	require.NoError(t, env.orderService.ConfirmPayment(ctx, orderNo))
	require.Equal(t, model.OrderStatusPaymentConfirmed, env.orderStatus(t, orderNo))
	require.Equal(t, int64(3), env.balance(t, userID))

	// 代购员履约、管理员登记到达、用户收货
	require.NoError(t, env.orderService.MarkOrderPlaced(ctx, agentID, orderNo))
	require.NoError(t, env.orderService.MarkInTransit(ctx, agentID, orderNo))
	require.NoError(t, env.orderService.MarkArrived(ctx, orderNo))
	require.NoError(t, env.orderService.Complete(ctx, userID, orderNo))
	require.Equal(t, model.OrderStatusCompleted, env.orderStatus(t, orderNo))

	// 全程对账成立
	require.NoError(t, env.cardService.AuditBalance(ctx, userID))

	// 每次状态变更都落了通知
	var outboxCount int64
	require.NoError(t, env.db.Model(&model.OutboxMessage{}).
		Where("topic = ?", env.cfg.Kafka.Topic.OrderUpdate).
		Count(&outboxCount).Error)
	assert.GreaterOrEqual(t, outboxCount, int64(9))
}

func TestPublishRejectsNonOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedBalance(t, 100, 3)
	env.seedBalance(t, 200, 3)
	order := env.seedOrder(t, &model.Order{UserID: 100, Status: model.OrderStatusDraft})

	_, err := env.orderService.Publish(ctx, 200, order.OrderNo)
	require.ErrorIs(t, err, ErrNotOrderOwner)
	assert.Equal(t, model.OrderStatusDraft, env.orderStatus(t, order.OrderNo))
}

func TestReviewRejectRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedBalance(t, 100, 3)
	order := env.seedOrder(t, &model.Order{UserID: 100, Status: model.OrderStatusDraft})

	_, err := env.orderService.Publish(ctx, 100, order.OrderNo)
	require.NoError(t, err)
	require.Equal(t, int64(2), env.balance(t, 100))

	require.NoError(t, env.db.Model(&model.Order{}).
		Where("order_no = ?", order.OrderNo).
		Update("status", model.OrderStatusWaitingUserReview).Error)

	// 拒绝报价：订单终止并退卡
	require.NoError(t, env.orderService.Review(ctx, 100, order.OrderNo, false))

	assert.Equal(t, model.OrderStatusUserRejected, env.orderStatus(t, order.OrderNo))
	assert.Equal(t, int64(3), env.balance(t, 100))
	require.NoError(t, env.cardService.AuditBalance(ctx, 100))
}

func TestAdminCancelLockedOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedBalance(t, 100, 3)
	order := env.seedOrder(t, &model.Order{UserID: 100, Status: model.OrderStatusDraft})

	_, err := env.orderService.Publish(ctx, 100, order.OrderNo)
	require.NoError(t, err)
	_, err = env.orderService.AcquireLock(ctx, order.OrderNo, 77)
	require.NoError(t, err)

	require.NoError(t, env.orderService.CancelByAdmin(ctx, order.OrderNo, "商品缺货"))

	// 锁行清理、代购员解绑、卡退回
	updated, err := env.orderService.GetOrder(ctx, order.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelledByAdmin, updated.Status)
	assert.Nil(t, updated.AgentID)
	assert.Equal(t, int64(3), env.balance(t, 100))

	_, err = env.lockService.ValidateOwnership(ctx, order.OrderNo, 77)
	require.ErrorIs(t, err, repository.ErrLockNotFound)
}

func TestAgentProgressRejectsWrongAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agentID := int64(77)
	env.seedOrder(t, &model.Order{
		OrderNo: "DGTESTPROGRESS1",
		UserID:  100,
		AgentID: &agentID,
		Status:  model.OrderStatusPaymentConfirmed,
	})

	err := env.orderService.MarkOrderPlaced(ctx, 88, "DGTESTPROGRESS1")
	require.ErrorIs(t, err, ErrNotOrderAgent)

	require.NoError(t, env.orderService.MarkOrderPlaced(ctx, 77, "DGTESTPROGRESS1"))
	assert.Equal(t, model.OrderStatusOrderPlaced, env.orderStatus(t, "DGTESTPROGRESS1"))
}

func TestStartResearchRequiresLockOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order := env.seedOrder(t, &model.Order{UserID: 100, Status: model.OrderStatusPublished})
	_, err := env.orderService.AcquireLock(ctx, order.OrderNo, 77)
	require.NoError(t, err)

	err = env.orderService.StartResearch(ctx, 88, order.OrderNo)
	require.ErrorIs(t, err, ErrNotLockOwner)
	assert.Equal(t, model.OrderStatusAgentLocked, env.orderStatus(t, order.OrderNo))
}

func TestExpireOverduePayments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedBalance(t, 100, 3)
	order := env.seedOrder(t, &model.Order{UserID: 100, Status: model.OrderStatusDraft})

	_, err := env.orderService.Publish(ctx, 100, order.OrderNo)
	require.NoError(t, err)
	require.Equal(t, int64(2), env.balance(t, 100))

	overdue := time.Now().Add(-time.Hour)
	require.NoError(t, env.db.Model(&model.Order{}).
		Where("order_no = ?", order.OrderNo).
		Updates(map[string]interface{}{
			"status":         model.OrderStatusWaitingPayment,
			"payment_due_at": overdue,
		}).Error)

	// 未到期的订单不受影响
	fresh := env.seedOrder(t, &model.Order{UserID: 100, Status: model.OrderStatusWaitingPayment})
	due := time.Now().Add(time.Hour)
	require.NoError(t, env.db.Model(&model.Order{}).
		Where("order_no = ?", fresh.OrderNo).
		Update("payment_due_at", due).Error)

	expired, err := env.orderService.ExpireOverduePayments(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	assert.Equal(t, model.OrderStatusPaymentExpired, env.orderStatus(t, order.OrderNo))
	assert.Equal(t, model.OrderStatusWaitingPayment, env.orderStatus(t, fresh.OrderNo))
	assert.Equal(t, int64(3), env.balance(t, 100))

	// 重复执行是空操作
	expired, err = env.orderService.ExpireOverduePayments(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestCompleteRejectsNonOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order := env.seedOrder(t, &model.Order{UserID: 100, Status: model.OrderStatusArrivedAtCargo})

	err := env.orderService.Complete(ctx, 200, order.OrderNo)
	require.ErrorIs(t, err, ErrNotOrderOwner)

	require.NoError(t, env.orderService.Complete(ctx, 100, order.OrderNo))
	assert.Equal(t, model.OrderStatusCompleted, env.orderStatus(t, order.OrderNo))
}

func TestGetOrderNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orderService.GetOrder(context.Background(), "DGNOTEXIST")
	require.ErrorIs(t, err, repository.ErrOrderNotFound)
}
