package repository

import (
	"context"
	"errors"

	"daigou/internal/model"

	"gorm.io/gorm"
)

type CardTransactionRepository struct {
	db *gorm.DB
}

func NewCardTransactionRepository(db *gorm.DB) *CardTransactionRepository {
	return &CardTransactionRepository{db: db}
}

func (r *CardTransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.CardTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// GetLatestByOrderNoAndType 查询订单最近一条指定类型的流水，不存在时返回 nil
func (r *CardTransactionRepository) GetLatestByOrderNoAndType(ctx context.Context, tx *gorm.DB, orderNo, txType string) (*model.CardTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CardTransaction
	err := tx.WithContext(ctx).
		Where("order_no = ? AND type = ?", orderNo, txType).
		Order("id DESC").
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// GetLatestByUserIDAndType 查询用户最近一条指定类型的流水，不存在时返回 nil
func (r *CardTransactionRepository) GetLatestByUserIDAndType(ctx context.Context, tx *gorm.DB, userID int64, txType string) (*model.CardTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CardTransaction
	err := tx.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID, txType).
		Order("id DESC").
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *CardTransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.CardTransaction, int64, error) {
	var transactions []*model.CardTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CardTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// SumChangeByUserID 汇总用户全部流水变动（对账用，应恒等于账户余额）
func (r *CardTransactionRepository) SumChangeByUserID(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.CardTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(card_change), 0)").
		Scan(&sum).Error
	return sum, err
}
