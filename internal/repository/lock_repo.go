package repository

import (
	"context"
	"errors"
	"time"

	"daigou/internal/model"

	"gorm.io/gorm"
)

var (
	ErrLockNotFound = errors.New("订单锁不存在")
)

type LockRepository struct {
	db *gorm.DB
}

func NewLockRepository(db *gorm.DB) *LockRepository {
	return &LockRepository{db: db}
}

func (r *LockRepository) Create(ctx context.Context, tx *gorm.DB, lock *model.OrderLock) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(lock).Error
}

func (r *LockRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.OrderLock, error) {
	var lock model.OrderLock
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLockNotFound
		}
		return nil, err
	}
	return &lock, nil
}

// Delete 删除锁行，返回是否实际删除
// 并发回收与代购员操作同时到达时，先删到行的一方胜出，另一方据此放弃
func (r *LockRepository) Delete(ctx context.Context, tx *gorm.DB, orderNo string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Where("order_no = ?", orderNo).
		Delete(&model.OrderLock{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteExpired 仅当锁仍处于到期状态时删除，返回是否实际删除
// 查询快照与删除之间代购员可能已刷新或延长了锁，刷新后的锁不得被回收；
// 条件不满足视同另一写入方胜出
func (r *LockRepository) DeleteExpired(ctx context.Context, tx *gorm.DB, orderNo string, now time.Time) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Where("order_no = ? AND expires_at < ?", orderNo, now).
		Delete(&model.OrderLock{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListExpired 查询已到期的锁
func (r *LockRepository) ListExpired(ctx context.Context, limit int) ([]*model.OrderLock, error) {
	var locks []*model.OrderLock
	err := r.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Limit(limit).
		Find(&locks).Error
	return locks, err
}

// RefreshExpiry 刷新锁到期时间（向前流转时调用，不增加延长次数）
func (r *LockRepository) RefreshExpiry(ctx context.Context, tx *gorm.DB, orderNo string, agentID int64, expiresAt time.Time) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.OrderLock{}).
		Where("order_no = ? AND agent_id = ?", orderNo, agentID).
		Update("expires_at", expiresAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLockNotFound
	}
	return nil
}

// Extend 显式延长锁：延长次数达到上限时条件更新失败
func (r *LockRepository) Extend(ctx context.Context, tx *gorm.DB, orderNo string, agentID int64, expiresAt time.Time, maxExtensions int) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.OrderLock{}).
		Where("order_no = ? AND agent_id = ? AND extension_count < ?", orderNo, agentID, maxExtensions).
		Updates(map[string]interface{}{
			"expires_at":      expiresAt,
			"extension_count": gorm.Expr("extension_count + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
