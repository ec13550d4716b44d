package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock Redis 分布式锁
// 加锁用 SET NX EX，释放用 Lua 脚本校验 value 后删除，避免误删他人持有的锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 持有者标识，释放时校验
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，仅当 value 匹配时删除
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewCardLock 创建卡账户锁（按用户维度）
// 同一用户的卡操作串行化，不同用户互不影响；数据库 CAS 仍是最终正确性保障
func NewCardLock(client *redis.Client, userID int64, holder string) *DistributedLock {
	key := fmt.Sprintf("card:lock:user:%d", userID)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}

// NewOrderLock 创建订单操作锁（按订单维度）
// 用于代购员抢单等同单并发操作的串行化
func NewOrderLock(client *redis.Client, orderNo string, holder string) *DistributedLock {
	key := fmt.Sprintf("order:lock:%s", orderNo)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}
