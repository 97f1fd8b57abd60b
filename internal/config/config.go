package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// 账本后端
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// Disabled 作为 REDIS_ADDR / KAFKA_BROKERS 的值时关闭对应组件。
const Disabled = "off"

// AppConfig 聚合运行时配置。优先级：环境变量 > CONFIG_FILE 指向的 YAML > 默认值。
type AppConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	DBPath   string `yaml:"db_path"`
	// memory | redis | sql
	LedgerBackend string `yaml:"ledger_backend"`

	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	// Kafka 集群地址、事件 topic、外部信号 topic 与消费者组
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	EventTopic    string   `yaml:"event_topic"`
	SignalTopic   string   `yaml:"signal_topic"`
	SignalGroupID string   `yaml:"signal_group_id"`

	// Redis Stream outbox（请求路径 XADD，Relay 异步转 Kafka）
	EventStream   string `yaml:"event_stream"`
	EventGroup    string `yaml:"event_group"`
	EventConsumer string `yaml:"event_consumer"`

	ReservationTTL time.Duration `yaml:"-"`
	SweepInterval  time.Duration `yaml:"-"`

	// 下单接口限流与幂等键保留时间
	OrderRateLimit  int           `yaml:"order_rate_limit"`
	OrderRateWindow time.Duration `yaml:"-"`
	IdempotencyTTL  time.Duration `yaml:"-"`

	// 补货接口的简单管理员令牌
	AdminToken string `yaml:"admin_token"`
	LogLevel   string `yaml:"log_level"`
}

// fileDurations 是 YAML 中以整数秒/小时书写的时长字段。
type fileDurations struct {
	ReservationTTLSec   int `yaml:"reservation_ttl_sec"`
	SweepIntervalSec    int `yaml:"sweep_interval_sec"`
	OrderRateWindowSec  int `yaml:"order_rate_window_sec"`
	IdempotencyTTLHours int `yaml:"idempotency_ttl_hour"`
}

func defaults() AppConfig {
	return AppConfig{
		HTTPAddr:        ":8080",
		DBPath:          "stock_reservation.db",
		LedgerBackend:   BackendSQL,
		RedisAddr:       "localhost:6379",
		KafkaBrokers:    []string{"localhost:9092"},
		EventTopic:      "stock-reservation-events",
		SignalTopic:     "stock-reservation-signals",
		SignalGroupID:   "stock-reservation-signal-consumer",
		EventStream:     "stock_reservation:events",
		EventGroup:      "stock-reservation-relay-group",
		EventConsumer:   "stock-reservation-relay-1",
		ReservationTTL:  15 * time.Minute,
		SweepInterval:   30 * time.Second,
		OrderRateLimit:  1000,
		OrderRateWindow: time.Second,
		IdempotencyTTL:  24 * time.Hour,
		AdminToken:      "dev-admin-token",
		LogLevel:        "info",
	}
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := defaults()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return AppConfig{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *AppConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	var d fileDurations
	if err := yaml.Unmarshal(b, &d); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if d.ReservationTTLSec != 0 {
		cfg.ReservationTTL = time.Duration(d.ReservationTTLSec) * time.Second
	}
	if d.SweepIntervalSec != 0 {
		cfg.SweepInterval = time.Duration(d.SweepIntervalSec) * time.Second
	}
	if d.OrderRateWindowSec != 0 {
		cfg.OrderRateWindow = time.Duration(d.OrderRateWindowSec) * time.Second
	}
	if d.IdempotencyTTLHours != 0 {
		cfg.IdempotencyTTL = time.Duration(d.IdempotencyTTLHours) * time.Hour
	}
	return nil
}

func applyEnv(cfg *AppConfig) error {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.LedgerBackend = strings.ToLower(getEnv("LEDGER_BACKEND", cfg.LedgerBackend))
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.KafkaBrokers = splitCSV(v)
	}
	cfg.EventTopic = getEnv("EVENT_TOPIC", cfg.EventTopic)
	cfg.SignalTopic = getEnv("SIGNAL_TOPIC", cfg.SignalTopic)
	cfg.SignalGroupID = getEnv("SIGNAL_GROUP_ID", cfg.SignalGroupID)
	cfg.EventStream = getEnv("EVENT_STREAM", cfg.EventStream)
	cfg.EventGroup = getEnv("EVENT_GROUP", cfg.EventGroup)
	cfg.EventConsumer = getEnv("EVENT_CONSUMER", cfg.EventConsumer)
	cfg.AdminToken = getEnv("ADMIN_TOKEN", cfg.AdminToken)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", cfg.RedisDB); err != nil {
		return fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.OrderRateLimit, err = getEnvInt("ORDER_RATE_LIMIT", cfg.OrderRateLimit); err != nil {
		return fmt.Errorf("invalid ORDER_RATE_LIMIT: %w", err)
	}
	if cfg.ReservationTTL, err = getEnvDuration("RESERVATION_TTL_SEC", cfg.ReservationTTL, time.Second); err != nil {
		return err
	}
	if cfg.SweepInterval, err = getEnvDuration("SWEEP_INTERVAL_SEC", cfg.SweepInterval, time.Second); err != nil {
		return err
	}
	if cfg.OrderRateWindow, err = getEnvDuration("ORDER_RATE_WINDOW_SEC", cfg.OrderRateWindow, time.Second); err != nil {
		return err
	}
	if cfg.IdempotencyTTL, err = getEnvDuration("IDEMPOTENCY_TTL_HOUR", cfg.IdempotencyTTL, time.Hour); err != nil {
		return err
	}
	return nil
}

// Validate 检查取值范围与组件之间的依赖。
func (c AppConfig) Validate() error {
	switch c.LedgerBackend {
	case BackendMemory, BackendSQL:
	case BackendRedis:
		if !c.RedisEnabled() {
			return errors.New("LEDGER_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be one of memory|redis|sql, got %q", c.LedgerBackend)
	}
	if c.LedgerBackend != BackendMemory && c.DBPath == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if c.ReservationTTL <= 0 {
		return errors.New("RESERVATION_TTL_SEC must be > 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL_SEC must be > 0")
	}
	if c.OrderRateLimit <= 0 {
		return errors.New("ORDER_RATE_LIMIT must be > 0")
	}
	if c.OrderRateWindow < time.Second {
		return errors.New("ORDER_RATE_WINDOW_SEC must be > 0")
	}
	if c.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL_HOUR must be > 0")
	}
	if c.AdminToken == "" {
		return errors.New("ADMIN_TOKEN must not be empty")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if c.KafkaEnabled() {
		if c.EventTopic == "" {
			return errors.New("EVENT_TOPIC must not be empty")
		}
		if c.SignalTopic == "" {
			return errors.New("SIGNAL_TOPIC must not be empty")
		}
		if c.SignalGroupID == "" {
			return errors.New("SIGNAL_GROUP_ID must not be empty")
		}
	}
	if c.RedisEnabled() && c.KafkaEnabled() {
		if c.EventStream == "" || c.EventGroup == "" || c.EventConsumer == "" {
			return errors.New("EVENT_STREAM, EVENT_GROUP and EVENT_CONSUMER must not be empty")
		}
	}
	return nil
}

// RedisEnabled REDIS_ADDR=off 时不连接 Redis（无限流、无幂等键、无 outbox）。
func (c AppConfig) RedisEnabled() bool {
	return c.RedisAddr != "" && c.RedisAddr != Disabled
}

// KafkaEnabled KAFKA_BROKERS=off 时不发布事件、不消费信号。
func (c AppConfig) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaBrokers[0] != Disabled
}

// NewLogger 按级别创建 JSON logger。
func NewLogger(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "stock_reservation").Logger(), nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvDuration(key string, fallback, unit time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, int(fallback/unit))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * unit, nil
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
