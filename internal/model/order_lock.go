package model

import (
	"time"
)

// OrderLock 订单独占锁表
// 与订单一对一：订单处于 AGENT_LOCKED / AGENT_RESEARCHING 时必须存在，反之必须不存在
// 锁定时创建，报告提交、订单取消或过期回收时删除
type OrderLock struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	AgentID        int64     `gorm:"index;not null" json:"agent_id"` // 持锁代购员
	LockedAt       time.Time `gorm:"not null" json:"locked_at"`
	ExpiresAt      time.Time `gorm:"index;not null" json:"expires_at"`          // 锁到期时间，向前流转时刷新
	ExtensionCount int       `gorm:"not null;default:0" json:"extension_count"` // 显式延长次数，有上限
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OrderLock) TableName() string {
	return "order_lock"
}
