package model

import (
	"fmt"
	"time"
)

// ============================================================================
// 订单状态定义
// ============================================================================

const (
	OrderStatusDraft             = "DRAFT"               // 草稿
	OrderStatusPublished         = "PUBLISHED"           // 已发布，等待代购员接单
	OrderStatusAgentLocked       = "AGENT_LOCKED"        // 代购员已锁定
	OrderStatusAgentResearching  = "AGENT_RESEARCHING"   // 代购员调研中
	OrderStatusReportSubmitted   = "REPORT_SUBMITTED"    // 调研报告已提交
	OrderStatusWaitingUserReview = "WAITING_USER_REVIEW" // 等待用户确认报告
	OrderStatusUserRejected      = "USER_REJECTED"       // 用户拒绝报价
	OrderStatusWaitingPayment    = "WAITING_PAYMENT"     // 等待付款
	OrderStatusPaymentConfirmed  = "PAYMENT_CONFIRMED"   // 付款已确认
	OrderStatusOrderPlaced       = "ORDER_PLACED"        // 代购员已下单采购
	OrderStatusCargoInTransit    = "CARGO_IN_TRANSIT"    // 货运中
	OrderStatusArrivedAtCargo    = "ARRIVED_AT_CARGO"    // 已到达货运点
	OrderStatusCompleted         = "COMPLETED"           // 已完成
	OrderStatusCancelledByUser   = "CANCELLED_BY_USER"   // 用户取消
	OrderStatusCancelledNoAgent  = "CANCELLED_NO_AGENT"  // 无代购员接单，系统取消
	OrderStatusPaymentExpired    = "PAYMENT_EXPIRED"     // 付款超时
	OrderStatusCancelledByAdmin  = "CANCELLED_BY_ADMIN"  // 管理员取消
)

// AllOrderStatuses 全部状态列表（校验与测试用）
var AllOrderStatuses = []string{
	OrderStatusDraft,
	OrderStatusPublished,
	OrderStatusAgentLocked,
	OrderStatusAgentResearching,
	OrderStatusReportSubmitted,
	OrderStatusWaitingUserReview,
	OrderStatusUserRejected,
	OrderStatusWaitingPayment,
	OrderStatusPaymentConfirmed,
	OrderStatusOrderPlaced,
	OrderStatusCargoInTransit,
	OrderStatusArrivedAtCargo,
	OrderStatusCompleted,
	OrderStatusCancelledByUser,
	OrderStatusCancelledNoAgent,
	OrderStatusPaymentExpired,
	OrderStatusCancelledByAdmin,
}

// LockedStatuses 锁定态集合：处于这些状态的订单必须存在对应的 OrderLock 行
var LockedStatuses = []string{
	OrderStatusAgentLocked,
	OrderStatusAgentResearching,
}

// IsLockedStatus 判断订单是否处于锁定态
func IsLockedStatus(status string) bool {
	for _, s := range LockedStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// 终态：不可再流转
var terminalStatuses = map[string]bool{
	OrderStatusCompleted:        true,
	OrderStatusUserRejected:     true,
	OrderStatusCancelledByUser:  true,
	OrderStatusCancelledNoAgent: true,
	OrderStatusPaymentExpired:   true,
	OrderStatusCancelledByAdmin: true,
}

// IsTerminalStatus 判断是否为终态
func IsTerminalStatus(status string) bool {
	return terminalStatuses[status]
}

// ============================================================================
// 操作角色
// ============================================================================

const (
	RoleUser   = "user"   // 下单用户
	RoleAgent  = "agent"  // 代购员
	RoleAdmin  = "admin"  // 管理员
	RoleSystem = "system" // 系统（后台任务）
)

// AllRoles 全部角色列表
var AllRoles = []string{RoleUser, RoleAgent, RoleAdmin, RoleSystem}

// ============================================================================
// 状态流转表
// ============================================================================

// ValidStatusTransitions 按角色划分的合法流转表
var ValidStatusTransitions = map[string]map[string][]string{
	RoleUser: {
		OrderStatusDraft:             {OrderStatusPublished},
		OrderStatusPublished:         {OrderStatusCancelledByUser},
		OrderStatusWaitingUserReview: {OrderStatusWaitingPayment, OrderStatusUserRejected},
		OrderStatusArrivedAtCargo:    {OrderStatusCompleted},
	},
	RoleAgent: {
		OrderStatusPublished:        {OrderStatusAgentLocked},
		OrderStatusAgentLocked:      {OrderStatusAgentResearching},
		OrderStatusAgentResearching: {OrderStatusReportSubmitted},
		OrderStatusReportSubmitted:  {OrderStatusWaitingUserReview},
		OrderStatusPaymentConfirmed: {OrderStatusOrderPlaced},
		OrderStatusOrderPlaced:      {OrderStatusCargoInTransit},
	},
	RoleAdmin: {
		OrderStatusPublished:         {OrderStatusCancelledByAdmin},
		OrderStatusAgentLocked:       {OrderStatusCancelledByAdmin},
		OrderStatusAgentResearching:  {OrderStatusCancelledByAdmin},
		OrderStatusReportSubmitted:   {OrderStatusCancelledByAdmin},
		OrderStatusWaitingUserReview: {OrderStatusCancelledByAdmin},
		OrderStatusWaitingPayment:    {OrderStatusPaymentConfirmed, OrderStatusCancelledByAdmin},
		OrderStatusPaymentConfirmed:  {OrderStatusCancelledByAdmin},
		OrderStatusOrderPlaced:       {OrderStatusCancelledByAdmin},
		OrderStatusCargoInTransit:    {OrderStatusArrivedAtCargo, OrderStatusCancelledByAdmin},
		OrderStatusArrivedAtCargo:    {OrderStatusCancelledByAdmin},
	},
	RoleSystem: {
		OrderStatusAgentLocked:      {OrderStatusPublished, OrderStatusCancelledNoAgent},
		OrderStatusAgentResearching: {OrderStatusPublished, OrderStatusCancelledNoAgent},
		OrderStatusWaitingPayment:   {OrderStatusPaymentExpired},
	},
}

// TransitionError 非法状态流转错误
// 携带当前状态、目标状态与角色，便于调用方自查
type TransitionError struct {
	From string
	To   string
	Role string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("状态流转不合法: %s -> %s (角色: %s)", e.From, e.To, e.Role)
}

// CanTransition 判断状态流转是否合法
func CanTransition(from, to, role string) bool {
	if from == to {
		return false
	}
	roleTable, exists := ValidStatusTransitions[role]
	if !exists {
		return false
	}
	allowedStatuses, exists := roleTable[from]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == to {
			return true
		}
	}
	return false
}

// AssertTransition 校验状态流转，非法时返回 *TransitionError
// 纯校验，无任何副作用；from == to 一律拒绝，强制调用方避免冗余写入
func AssertTransition(from, to, role string) error {
	if !CanTransition(from, to, role) {
		return &TransitionError{From: from, To: to, Role: role}
	}
	return nil
}

// ============================================================================
// 订单实体
// ============================================================================

// Order 代购订单表
type Order struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	UserID           int64      `gorm:"index;not null" json:"user_id"`                // 下单用户
	AgentID          *int64     `gorm:"index" json:"agent_id"`                        // 锁定后填入的代购员
	Status           string     `gorm:"type:varchar(32);index;not null" json:"status"`
	IsPackage        bool       `gorm:"not null;default:false" json:"is_package"`     // 打包订单按件计卡
	ItemCount        int        `gorm:"not null;default:1" json:"item_count"`         // 商品件数
	Items            string     `gorm:"type:text" json:"items"`                       // 商品明细 JSON，核心层不解析
	Report           string     `gorm:"type:text" json:"report"`                      // 代购员提交的调研报告
	PaymentDueAt     *time.Time `json:"payment_due_at"`                               // 进入待付款时设置的付款截止时间
	LockExpiredCount int        `gorm:"not null;default:0" json:"lock_expired_count"` // 锁过期被回收的累计次数
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "daigou_order"
}

// PublishCost 发布订单消耗的卡数：打包订单按件计，普通订单固定 1 张
func (o *Order) PublishCost() int64 {
	if o.IsPackage {
		return int64(o.ItemCount)
	}
	return 1
}
