package model

import (
	"time"
)

// CardAccount 用户卡账户表
// 记录用户当前卡余额，是卡账本的物化快照
// 不变量：balance 恒等于该用户全部卡流水 card_change 之和，且永不为负
type CardAccount struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64     `gorm:"uniqueIndex;not null" json:"user_id"`          // 用户ID，业务方传入
	Balance         int64     `gorm:"not null;default:0" json:"balance"`            // 当前卡余额
	CompletedOrders int64     `gorm:"not null;default:0" json:"completed_orders"`   // 累计完成订单数（奖励卡计数依据）
	Version         int       `gorm:"not null;default:0" json:"version"`            // 乐观锁版本号
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CardAccount) TableName() string {
	return "card_account"
}
