package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"daigou/internal/config"
	"daigou/internal/infrastructure/lock"
	"daigou/internal/model"
	"daigou/internal/repository"
	"daigou/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	// ErrConsistency 数据一致性被破坏（理论上不可达），只记录并中止，不做静默修复
	ErrConsistency = errors.New("数据一致性校验失败")
)

// CardService 卡账本服务
// 唯一原语是 applyChangeTx：事务内重读权威余额、校验非负、CAS 更新余额并
// 同事务追加流水，三者同成功同失败
type CardService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.CardTransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewCardService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *CardService {
	return &CardService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewCardTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// CardChangeResult 卡变动结果
type CardChangeResult struct {
	Balance       int64  `json:"balance"`
	TransactionNo string `json:"transaction_no"`
}

// applyChangeTx 在事务内应用一笔卡变动
// 余额以事务内重读为准，调用方传入的任何余额快照一律不采信，
// 保证并发扣卡不会基于同一份过期余额同时通过非负校验
func (s *CardService) applyChangeTx(ctx context.Context, tx *gorm.DB, userID, delta int64, txType, orderNo, remark string, completedDelta int64) (*model.CardTransaction, error) {
	account, err := s.accountRepo.GetByUserIDTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	next := account.Balance + delta
	if next < 0 {
		return nil, repository.ErrBalanceNotEnough
	}

	if err := s.accountRepo.ApplyDelta(ctx, tx, userID, delta, account.Version, completedDelta); err != nil {
		return nil, err
	}

	trans := &model.CardTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		OrderNo:       orderNo,
		Type:          txType,
		CardChange:    delta,
		BalanceBefore: account.Balance,
		BalanceAfter:  next,
		Remark:        remark,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录卡流水失败: %w", err)
	}

	if err := s.emitBalanceEvent(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("写入余额通知失败: %w", err)
	}

	return trans, nil
}

// emitBalanceEvent 余额变动通知落入 outbox，由后台任务异步投递
func (s *CardService) emitBalanceEvent(ctx context.Context, tx *gorm.DB, trans *model.CardTransaction) error {
	payload := map[string]interface{}{
		"event":       model.EventCardBalanceUpdate,
		"user_id":     trans.UserID,
		"order_no":    trans.OrderNo,
		"type":        trans.Type,
		"card_change": trans.CardChange,
		"balance":     trans.BalanceAfter,
		"occurred_at": time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(payload)

	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: trans.TransactionNo,
		Topic:      s.cfg.Kafka.Topic.CardBalanceUpdate,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	})
}

// ApplyChange 独立事务应用一笔卡变动（用户维度加分布式锁）
func (s *CardService) ApplyChange(ctx context.Context, userID, delta int64, txType, orderNo, remark string) (*CardChangeResult, error) {
	cardLock := lock.NewCardLock(s.redisClient, userID, idgen.GenerateTransactionNo())
	if err := cardLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer cardLock.Unlock(ctx)

	var trans *model.CardTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		trans, err = s.applyChangeTx(ctx, tx, userID, delta, txType, orderNo, remark, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &CardChangeResult{Balance: trans.BalanceAfter, TransactionNo: trans.TransactionNo}, nil
}

// ConsumeOnPublishTx 发布订单扣卡（在编排事务内调用）
// 先做一次廉价预检直接拒绝明显不足的请求；最终以 applyChangeTx 的事务内重读为准
func (s *CardService) ConsumeOnPublishTx(ctx context.Context, tx *gorm.DB, order *model.Order) (*model.CardTransaction, error) {
	cost := order.PublishCost()

	account, err := s.accountRepo.GetByUserIDTx(ctx, tx, order.UserID)
	if err != nil {
		return nil, err
	}
	if account.Balance < cost {
		return nil, repository.ErrBalanceNotEnough
	}

	remark := fmt.Sprintf("发布订单扣卡-%s", order.OrderNo)
	return s.applyChangeTx(ctx, tx, order.UserID, -cost, model.CardTxTypeConsume, order.OrderNo, remark, 0)
}

// ReturnOnCancelTx 订单终止时退卡（在编排事务内调用）
// 退还该订单最近一笔 consume 流水的金额，查不到时兜底退 1 张（兼容历史数据）；
// 已存在 return 流水时直接跳过，防止重复退卡
func (s *CardService) ReturnOnCancelTx(ctx context.Context, tx *gorm.DB, userID int64, orderNo string) (*model.CardTransaction, error) {
	existing, err := s.transactionRepo.GetLatestByOrderNoAndType(ctx, tx, orderNo, model.CardTxTypeReturn)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	refund := int64(1)
	consume, err := s.transactionRepo.GetLatestByOrderNoAndType(ctx, tx, orderNo, model.CardTxTypeConsume)
	if err != nil {
		return nil, err
	}
	if consume != nil {
		refund = -consume.CardChange
	}

	remark := fmt.Sprintf("订单取消退卡-%s", orderNo)
	return s.applyChangeTx(ctx, tx, userID, refund, model.CardTxTypeReturn, orderNo, remark, 0)
}

// OnPaymentConfirmedTx 付款确认奖励（在编排事务内调用）
// 奖励 1 张卡并累加完成单数；累计完成数为偶数时追加 1 张奖励卡。
// 幂等性由外层状态 CAS 保证：重试方抢不到 WAITING_PAYMENT -> PAYMENT_CONFIRMED
// 的状态更新，整个事务回滚，不会二次计数或二次奖励；此处的流水存在性
// 检查是针对其他路径重放的二道防线
func (s *CardService) OnPaymentConfirmedTx(ctx context.Context, tx *gorm.DB, userID int64, orderNo string) error {
	existing, err := s.transactionRepo.GetLatestByOrderNoAndType(ctx, tx, orderNo, model.CardTxTypeBonusProgress)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	account, err := s.accountRepo.GetByUserIDTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	newCompleted := account.CompletedOrders + 1

	remark := fmt.Sprintf("付款确认奖励-%s", orderNo)
	if _, err := s.applyChangeTx(ctx, tx, userID, 1, model.CardTxTypeBonusProgress, orderNo, remark, 1); err != nil {
		return err
	}

	if s.cfg.Business.BonusEveryNCompleted > 0 && newCompleted%s.cfg.Business.BonusEveryNCompleted == 0 {
		remark := fmt.Sprintf("累计完成%d单奖励-%s", newCompleted, orderNo)
		if _, err := s.applyChangeTx(ctx, tx, userID, 1, model.CardTxTypeBonusCard, orderNo, remark, 0); err != nil {
			return err
		}
	}

	return nil
}

// InitAccount 开户并发放初始赠卡（幂等：已有 init 流水时不再发放）
func (s *CardService) InitAccount(ctx context.Context, userID int64) (*model.CardAccount, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	grant := s.cfg.Business.InitCardGrant
	if grant <= 0 {
		return account, nil
	}

	existing, err := s.transactionRepo.GetLatestByUserIDAndType(ctx, nil, userID, model.CardTxTypeInit)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return account, nil
	}

	if _, err := s.ApplyChange(ctx, userID, grant, model.CardTxTypeInit, "", "开户赠卡"); err != nil {
		return nil, err
	}

	return s.accountRepo.GetByUserID(ctx, userID)
}

// BuyPackage 购买卡包（管理员确认收款后调用）
func (s *CardService) BuyPackage(ctx context.Context, userID, count int64) (*CardChangeResult, error) {
	if count <= 0 {
		return nil, errors.New("购卡数量必须大于0")
	}
	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}
	return s.ApplyChange(ctx, userID, count, model.CardTxTypeBuyPackage, "", fmt.Sprintf("购买卡包%d张", count))
}

// SellToAdmin 向管理员回售卡
func (s *CardService) SellToAdmin(ctx context.Context, userID, count int64) (*CardChangeResult, error) {
	if count <= 0 {
		return nil, errors.New("回售数量必须大于0")
	}
	return s.ApplyChange(ctx, userID, -count, model.CardTxTypeSellToAdmin, "", fmt.Sprintf("回售%d张卡", count))
}

// GiftCards 用户间赠卡：转出与转入在同一事务内完成
// 发送方加分布式锁串行化；余额非负由转出方的事务内校验保证
func (s *CardService) GiftCards(ctx context.Context, fromUserID, toUserID, count int64) error {
	if count <= 0 {
		return errors.New("赠卡数量必须大于0")
	}
	if fromUserID == toUserID {
		return errors.New("不能给自己赠卡")
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, toUserID); err != nil {
		return err
	}

	cardLock := lock.NewCardLock(s.redisClient, fromUserID, idgen.GenerateTransactionNo())
	if err := cardLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer cardLock.Unlock(ctx)

	return s.db.Transaction(func(tx *gorm.DB) error {
		sendRemark := fmt.Sprintf("赠卡给用户%d", toUserID)
		if _, err := s.applyChangeTx(ctx, tx, fromUserID, -count, model.CardTxTypeGiftSend, "", sendRemark, 0); err != nil {
			return err
		}
		recvRemark := fmt.Sprintf("收到用户%d赠卡", fromUserID)
		if _, err := s.applyChangeTx(ctx, tx, toUserID, count, model.CardTxTypeGiftReceive, "", recvRemark, 0); err != nil {
			return err
		}
		return nil
	})
}

// GetBalance 查询余额
func (s *CardService) GetBalance(ctx context.Context, userID int64) (*model.CardAccount, error) {
	return s.accountRepo.GetOrCreate(ctx, userID)
}

// ListTransactions 查询卡流水
func (s *CardService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.CardTransaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}

// AuditBalance 对账：物化余额必须等于全部流水变动之和
func (s *CardService) AuditBalance(ctx context.Context, userID int64) error {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	sum, err := s.transactionRepo.SumChangeByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if account.Balance != sum {
		return fmt.Errorf("%w: 用户%d余额%d与流水合计%d不一致", ErrConsistency, userID, account.Balance, sum)
	}
	return nil
}
