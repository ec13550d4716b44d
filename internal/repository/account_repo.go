package repository

import (
	"context"
	"errors"

	"daigou/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrBalanceNotEnough = errors.New("卡余额不足")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.CardAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.CardAccount, error) {
	var account model.CardAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByUserIDTx 事务内读取账户（余额权威值以此为准，不信任调用方传入的余额）
func (r *AccountRepository) GetByUserIDTx(ctx context.Context, tx *gorm.DB, userID int64) (*model.CardAccount, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.CardAccount
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ApplyDelta 按版本号 CAS 应用余额变动
// delta 为负时附带 balance >= -delta 条件，数据库层面杜绝余额为负
// RowsAffected == 0 时回查区分余额不足与版本冲突
func (r *AccountRepository) ApplyDelta(ctx context.Context, tx *gorm.DB, userID int64, delta int64, version int, completedDelta int64) error {
	if tx == nil {
		tx = r.db
	}

	query := tx.WithContext(ctx).
		Model(&model.CardAccount{}).
		Where("user_id = ? AND version = ?", userID, version)
	if delta < 0 {
		query = query.Where("balance >= ?", -delta)
	}

	result := query.Updates(map[string]interface{}{
		"balance":          gorm.Expr("balance + ?", delta),
		"completed_orders": gorm.Expr("completed_orders + ?", completedDelta),
		"version":          gorm.Expr("version + 1"),
	})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if account.Balance+delta < 0 {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}

	return nil
}

// GetOrCreate 获取账户，不存在时创建空账户
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64) (*model.CardAccount, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.CardAccount{
		UserID:  userID,
		Balance: 0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}
