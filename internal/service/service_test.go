package service

import (
	"context"
	"fmt"
	"os"
	"testing"

	"daigou/internal/config"
	"daigou/internal/infrastructure/database"
	"daigou/internal/model"
	"daigou/pkg/idgen"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	idgen.Init(1)
	os.Exit(m.Run())
}

// testEnv 服务层测试环境：内存 SQLite + miniredis
type testEnv struct {
	db           *gorm.DB
	redisClient  *redis.Client
	cfg          *config.Config
	cardService  *CardService
	orderService *OrderService
	lockService  *LockService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	// 每个测试独立的共享内存库，单连接串行化写入
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{
		Business: config.DefaultBusinessConfig(),
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				OrderUpdate:       "daigou-order-update",
				CardBalanceUpdate: "daigou-card-balance-update",
			},
		},
	}

	return &testEnv{
		db:           db,
		redisClient:  redisClient,
		cfg:          cfg,
		cardService:  NewCardService(db, redisClient, cfg),
		orderService: NewOrderService(db, redisClient, cfg),
		lockService:  NewLockService(db, redisClient, cfg),
	}
}

// seedBalance 开户并通过正规流水把余额调整到目标值，保证对账始终成立
func (e *testEnv) seedBalance(t *testing.T, userID, balance int64) {
	t.Helper()
	ctx := context.Background()

	account, err := e.cardService.InitAccount(ctx, userID)
	require.NoError(t, err)

	diff := balance - account.Balance
	switch {
	case diff > 0:
		_, err = e.cardService.BuyPackage(ctx, userID, diff)
		require.NoError(t, err)
	case diff < 0:
		_, err = e.cardService.SellToAdmin(ctx, userID, -diff)
		require.NoError(t, err)
	}
}

// seedOrder 直接落一条指定状态的订单
func (e *testEnv) seedOrder(t *testing.T, order *model.Order) *model.Order {
	t.Helper()
	if order.OrderNo == "" {
		order.OrderNo = idgen.GenerateOrderNo()
	}
	if order.ItemCount == 0 {
		order.ItemCount = 1
	}
	require.NoError(t, e.db.Create(order).Error)
	return order
}

func (e *testEnv) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	account, err := e.cardService.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return account.Balance
}

func (e *testEnv) orderStatus(t *testing.T, orderNo string) string {
	t.Helper()
	order, err := e.orderService.GetOrder(context.Background(), orderNo)
	require.NoError(t, err)
	return order.Status
}

func (e *testEnv) transactionsByType(t *testing.T, userID int64, txType string) []*model.CardTransaction {
	t.Helper()
	var list []*model.CardTransaction
	require.NoError(t, e.db.
		Where("user_id = ? AND type = ?", userID, txType).
		Order("id ASC").
		Find(&list).Error)
	return list
}
