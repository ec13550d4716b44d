package model

import (
	"time"
)

// ============================================================================
// 卡流水类型常量
// ============================================================================

const (
	CardTxTypeInit          = "init"           // 开户赠卡
	CardTxTypeConsume       = "consume"        // 发布订单消耗
	CardTxTypeReturn        = "return"         // 订单取消退回
	CardTxTypeBonusProgress = "bonus_progress" // 付款确认奖励
	CardTxTypeBonusCard     = "bonus_card"     // 每完成两单的额外奖励
	CardTxTypeBuyPackage    = "buy_package"    // 购买卡包
	CardTxTypeGiftSend      = "gift_send"      // 赠卡转出
	CardTxTypeGiftReceive   = "gift_receive"   // 赠卡转入
	CardTxTypeSellToAdmin   = "sell_to_admin"  // 向管理员回售
)

// ============================================================================
// 卡流水实体
// ============================================================================

// CardTransaction 卡流水表
// 只追加，不修改，不删除；纠错通过追加反向流水完成
// 不变量：按创建顺序，每条流水的 balance_after 等于上一条 balance_after 加本条 card_change
type CardTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        int64     `gorm:"index;not null" json:"user_id"`
	OrderNo       string    `gorm:"type:varchar(64);index" json:"order_no"` // 关联订单号，非订单流水为空
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`
	CardChange    int64     `gorm:"not null" json:"card_change"`    // 正数入账，负数出账
	BalanceBefore int64     `gorm:"not null" json:"balance_before"` // 变动前余额
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`  // 变动后余额
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CardTransaction) TableName() string {
	return "card_transaction"
}
