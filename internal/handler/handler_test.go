package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"daigou/internal/config"
	"daigou/internal/infrastructure/database"
	"daigou/internal/repository"
	"daigou/pkg/idgen"
	"daigou/pkg/response"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	idgen.Init(1)
	os.Exit(m.Run())
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

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

	return SetupRouter(db, redisClient, cfg)
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *response.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

func TestRequestIDPropagation(t *testing.T) {
	router := newTestRouter(t)

	// 调用方带来的请求ID原样返回
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "trace-abc-123", w.Header().Get("X-Request-ID"))

	// 缺省时服务端补一个
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestOrderFlowOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	// 开户赠 3 张卡
	resp := doJSON(t, router, http.MethodPost, "/api/v1/card/init", gin.H{"user_id": 100})
	require.Equal(t, response.CodeSuccess, resp.Code)

	// 创建草稿
	resp = doJSON(t, router, http.MethodPost, "/api/v1/order/draft", gin.H{
		"user_id":    100,
		"item_count": 1,
	})
	require.Equal(t, response.CodeSuccess, resp.Code)
	data := resp.Data.(map[string]interface{})
	orderNo := data["order_no"].(string)
	require.NotEmpty(t, orderNo)

	// 发布扣卡
	resp = doJSON(t, router, http.MethodPost, "/api/v1/order/publish", gin.H{
		"user_id":  100,
		"order_no": orderNo,
	})
	require.Equal(t, response.CodeSuccess, resp.Code)

	resp = doJSON(t, router, http.MethodGet, "/api/v1/card/balance?user_id=100", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	balance := resp.Data.(map[string]interface{})["balance"].(float64)
	assert.Equal(t, float64(2), balance)

	// 代购员抢锁；第二人抢锁返回锁冲突业务码
	resp = doJSON(t, router, http.MethodPost, "/api/v1/agent/lock", gin.H{
		"agent_id": 77,
		"order_no": orderNo,
	})
	require.Equal(t, response.CodeSuccess, resp.Code)

	resp = doJSON(t, router, http.MethodPost, "/api/v1/agent/lock", gin.H{
		"agent_id": 88,
		"order_no": orderNo,
	})
	assert.Equal(t, response.CodeOrderLocked, resp.Code)
}

func TestTransitionErrorCode(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/v1/card/init", gin.H{"user_id": 100})
	resp := doJSON(t, router, http.MethodPost, "/api/v1/order/draft", gin.H{
		"user_id":    100,
		"item_count": 1,
	})
	orderNo := resp.Data.(map[string]interface{})["order_no"].(string)

	// 草稿不能直接确认收货
	resp = doJSON(t, router, http.MethodPost, "/api/v1/order/complete", gin.H{
		"user_id":  100,
		"order_no": orderNo,
	})
	assert.Equal(t, response.CodeTransitionInvalid, resp.Code)
}

func TestBalanceNotEnoughCode(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/v1/card/init", gin.H{"user_id": 100})

	resp := doJSON(t, router, http.MethodPost, "/api/v1/card/sell", gin.H{
		"user_id": 100,
		"count":   10,
	})
	assert.Equal(t, response.CodeBalanceNotEnough, resp.Code)
}

func TestParamErrorCode(t *testing.T) {
	router := newTestRouter(t)

	resp := doJSON(t, router, http.MethodGet, "/api/v1/card/balance?user_id=abc", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = doJSON(t, router, http.MethodPost, "/api/v1/order/draft", gin.H{"user_id": 100})
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestConcurrentConflictCode(t *testing.T) {
	// 状态 CAS 与乐观锁失败是客户端可重试的业务冲突，不是服务器错误
	for _, cause := range []error{
		repository.ErrOrderStatusChanged,
		repository.ErrOptimisticLock,
	} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeServiceError(c, cause)

		var resp response.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, response.CodeConcurrentRetry, resp.Code)
	}
}

func TestOrderNotFoundCode(t *testing.T) {
	router := newTestRouter(t)

	resp := doJSON(t, router, http.MethodGet, "/api/v1/order/detail?order_no=DGNOTEXIST", nil)
	assert.Equal(t, response.CodeOrderNotFound, resp.Code)
}
