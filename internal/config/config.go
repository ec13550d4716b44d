package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	OrderUpdate       string `mapstructure:"order_update"`
	CardBalanceUpdate string `mapstructure:"card_balance_update"`
}

type BusinessConfig struct {
	InitCardGrant           int64 `mapstructure:"init_card_grant"`            // 开户赠卡数
	BonusEveryNCompleted    int64 `mapstructure:"bonus_every_n_completed"`    // 每完成 N 单奖励一张卡
	LockTTLHours            int   `mapstructure:"lock_ttl_hours"`             // 订单锁时长
	LockSweepIntervalMin    int   `mapstructure:"lock_sweep_interval_min"`    // 锁回收任务间隔
	LockMaxExtensions       int   `mapstructure:"lock_max_extensions"`        // 单次锁定允许的延长次数
	LockMaxRequeue          int   `mapstructure:"lock_max_requeue"`           // 锁过期重新发布的次数上限，超出后取消订单
	PaymentTimeoutHours     int   `mapstructure:"payment_timeout_hours"`      // 付款截止时长
	PaymentSweepIntervalMin int   `mapstructure:"payment_sweep_interval_min"` // 付款超时任务间隔
	MaxRetryCount           int   `mapstructure:"max_retry_count"`            // 消息投递最大重试次数
}

// LockTTL 订单锁时长
func (c *BusinessConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLHours) * time.Hour
}

// PaymentTimeout 付款截止时长
func (c *BusinessConfig) PaymentTimeout() time.Duration {
	return time.Duration(c.PaymentTimeoutHours) * time.Hour
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// DefaultBusinessConfig 业务默认值（测试与缺省配置用）
func DefaultBusinessConfig() BusinessConfig {
	return BusinessConfig{
		InitCardGrant:           3,
		BonusEveryNCompleted:    2,
		LockTTLHours:            2,
		LockSweepIntervalMin:    15,
		LockMaxExtensions:       3,
		LockMaxRequeue:          3,
		PaymentTimeoutHours:     48,
		PaymentSweepIntervalMin: 10,
		MaxRetryCount:           5,
	}
}
