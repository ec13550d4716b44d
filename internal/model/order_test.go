package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionRejectsNoOp(t *testing.T) {
	// 同状态流转对所有角色一律拒绝，强制调用方避免冗余写入
	for _, status := range AllOrderStatuses {
		for _, role := range AllRoles {
			assert.False(t, CanTransition(status, status, role),
				"同状态流转不应合法: %s (角色: %s)", status, role)
		}
	}
}

func TestCanTransitionRejectsUnknownRole(t *testing.T) {
	assert.False(t, CanTransition(OrderStatusDraft, OrderStatusPublished, "guest"))
	assert.False(t, CanTransition(OrderStatusDraft, OrderStatusPublished, ""))
}

func TestTerminalStatusesHaveNoOutgoing(t *testing.T) {
	terminals := []string{
		OrderStatusCompleted,
		OrderStatusUserRejected,
		OrderStatusCancelledByUser,
		OrderStatusCancelledNoAgent,
		OrderStatusPaymentExpired,
		OrderStatusCancelledByAdmin,
	}
	for _, from := range terminals {
		assert.True(t, IsTerminalStatus(from))
		for _, to := range AllOrderStatuses {
			for _, role := range AllRoles {
				assert.False(t, CanTransition(from, to, role),
					"终态不应有出边: %s -> %s (角色: %s)", from, to, role)
			}
		}
	}
}

func TestTransitionMatrix(t *testing.T) {
	cases := []struct {
		from, to, role string
		allowed        bool
	}{
		// 用户主路径
		{OrderStatusDraft, OrderStatusPublished, RoleUser, true},
		{OrderStatusPublished, OrderStatusCancelledByUser, RoleUser, true},
		{OrderStatusWaitingUserReview, OrderStatusWaitingPayment, RoleUser, true},
		{OrderStatusWaitingUserReview, OrderStatusUserRejected, RoleUser, true},
		{OrderStatusArrivedAtCargo, OrderStatusCompleted, RoleUser, true},
		// 用户越权
		{OrderStatusDraft, OrderStatusPublished, RoleAgent, false},
		{OrderStatusPublished, OrderStatusAgentLocked, RoleUser, false},
		{OrderStatusWaitingPayment, OrderStatusPaymentConfirmed, RoleUser, false},
		{OrderStatusAgentLocked, OrderStatusCancelledByUser, RoleUser, false},
		// 代购员主路径
		{OrderStatusPublished, OrderStatusAgentLocked, RoleAgent, true},
		{OrderStatusAgentLocked, OrderStatusAgentResearching, RoleAgent, true},
		{OrderStatusAgentResearching, OrderStatusReportSubmitted, RoleAgent, true},
		{OrderStatusReportSubmitted, OrderStatusWaitingUserReview, RoleAgent, true},
		{OrderStatusPaymentConfirmed, OrderStatusOrderPlaced, RoleAgent, true},
		{OrderStatusOrderPlaced, OrderStatusCargoInTransit, RoleAgent, true},
		// 代购员越权
		{OrderStatusCargoInTransit, OrderStatusArrivedAtCargo, RoleAgent, false},
		{OrderStatusWaitingUserReview, OrderStatusWaitingPayment, RoleAgent, false},
		{OrderStatusAgentLocked, OrderStatusReportSubmitted, RoleAgent, false},
		// 管理员
		{OrderStatusWaitingPayment, OrderStatusPaymentConfirmed, RoleAdmin, true},
		{OrderStatusCargoInTransit, OrderStatusArrivedAtCargo, RoleAdmin, true},
		{OrderStatusAgentLocked, OrderStatusCancelledByAdmin, RoleAdmin, true},
		{OrderStatusWaitingPayment, OrderStatusCancelledByAdmin, RoleAdmin, true},
		{OrderStatusDraft, OrderStatusCancelledByAdmin, RoleAdmin, false},
		// 系统（后台任务）
		{OrderStatusAgentLocked, OrderStatusPublished, RoleSystem, true},
		{OrderStatusAgentResearching, OrderStatusPublished, RoleSystem, true},
		{OrderStatusAgentLocked, OrderStatusCancelledNoAgent, RoleSystem, true},
		{OrderStatusWaitingPayment, OrderStatusPaymentExpired, RoleSystem, true},
		{OrderStatusPublished, OrderStatusCancelledNoAgent, RoleSystem, false},
		// 跳跃流转
		{OrderStatusDraft, OrderStatusCompleted, RoleUser, false},
		{OrderStatusPublished, OrderStatusWaitingPayment, RoleAdmin, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.allowed, CanTransition(c.from, c.to, c.role),
			"%s -> %s (角色: %s)", c.from, c.to, c.role)
	}
}

func TestAssertTransition(t *testing.T) {
	require.NoError(t, AssertTransition(OrderStatusDraft, OrderStatusPublished, RoleUser))

	err := AssertTransition(OrderStatusDraft, OrderStatusAgentLocked, RoleAgent)
	require.Error(t, err)

	var transErr *TransitionError
	require.True(t, errors.As(err, &transErr))
	assert.Equal(t, OrderStatusDraft, transErr.From)
	assert.Equal(t, OrderStatusAgentLocked, transErr.To)
	assert.Equal(t, RoleAgent, transErr.Role)
}

func TestIsLockedStatus(t *testing.T) {
	assert.True(t, IsLockedStatus(OrderStatusAgentLocked))
	assert.True(t, IsLockedStatus(OrderStatusAgentResearching))
	assert.False(t, IsLockedStatus(OrderStatusPublished))
	assert.False(t, IsLockedStatus(OrderStatusWaitingUserReview))
	assert.False(t, IsLockedStatus(OrderStatusReportSubmitted))
}

func TestPublishCost(t *testing.T) {
	single := &Order{IsPackage: false, ItemCount: 5}
	assert.Equal(t, int64(1), single.PublishCost())

	pkg := &Order{IsPackage: true, ItemCount: 3}
	assert.Equal(t, int64(3), pkg.PublishCost())

	onePkg := &Order{IsPackage: true, ItemCount: 1}
	assert.Equal(t, int64(1), onePkg.PublishCost())
}
