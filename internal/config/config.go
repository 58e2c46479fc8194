package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	ListenAddr    string
	MetricsAddr   string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string
	CarrierURL    string
	NodeID        int64

	Workers     int
	SendTimeout time.Duration
	IdlePoll    time.Duration

	MaxRetries      int
	RetryBase       time.Duration
	RetryMaxBackoff time.Duration
	RetryJitter     float64

	RateLimitMax     int
	RateLimitWindow  time.Duration
	RateLimitCleanup time.Duration

	StatusCacheTTL    time.Duration
	PersistBuffer     int
	TerminalRetention time.Duration

	HealthInterval    time.Duration
	QueueWarnDepth    int
	QueueCritDepth    int
	QueueMaxAvgWait   time.Duration
	QueueMaxErrorRate float64
}

func Load() (*Config, error) {
	logger := log.NewLogger()

	// .env is optional if variables are set elsewhere
	if err := godotenv.Load(); err != nil {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		ListenAddr:        ":8080",
		MetricsAddr:       ":2112",
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		CarrierURL:        os.Getenv("CARRIER_URL"),
		NodeID:            1,
		Workers:           4,
		SendTimeout:       15 * time.Second,
		IdlePoll:          250 * time.Millisecond,
		MaxRetries:        3,
		RetryBase:         1 * time.Second,
		RetryMaxBackoff:   5 * time.Minute,
		RetryJitter:       0.2,
		RateLimitMax:      60,
		RateLimitWindow:   time.Minute,
		RateLimitCleanup:  10 * time.Minute,
		StatusCacheTTL:    time.Hour,
		PersistBuffer:     1024,
		TerminalRetention: time.Hour,
		HealthInterval:    15 * time.Second,
		QueueWarnDepth:    1000,
		QueueCritDepth:    5000,
		QueueMaxAvgWait:   2 * time.Minute,
		QueueMaxErrorRate: 0.25,
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.CarrierURL == "" {
		logger.Error("CARRIER_URL is required")
		return nil, fmt.Errorf("CARRIER_URL is required")
	}

	if v := os.Getenv("NODE_ID"); v != "" {
		nodeID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logger.Error("Invalid NODE_ID", zap.Error(err))
			return nil, fmt.Errorf("invalid NODE_ID: %w", err)
		}
		cfg.NodeID = nodeID
	}
	if v := os.Getenv("WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil || workers < 1 {
			logger.Error("Invalid WORKERS", zap.String("value", v))
			return nil, fmt.Errorf("invalid WORKERS: %s", v)
		}
		cfg.Workers = workers
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		retries, err := strconv.Atoi(v)
		if err != nil || retries < 0 {
			logger.Error("Invalid MAX_RETRIES", zap.String("value", v))
			return nil, fmt.Errorf("invalid MAX_RETRIES: %s", v)
		}
		cfg.MaxRetries = retries
	}
	if v := os.Getenv("SEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid SEND_TIMEOUT", zap.Error(err))
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}
	if v := os.Getenv("RETRY_BASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid RETRY_BASE", zap.Error(err))
			return nil, fmt.Errorf("invalid RETRY_BASE: %w", err)
		}
		cfg.RetryBase = d
	}
	if v := os.Getenv("RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid RETRY_MAX_BACKOFF", zap.Error(err))
			return nil, fmt.Errorf("invalid RETRY_MAX_BACKOFF: %w", err)
		}
		cfg.RetryMaxBackoff = d
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		max, err := strconv.Atoi(v)
		if err != nil || max < 1 {
			logger.Error("Invalid RATE_LIMIT_MAX", zap.String("value", v))
			return nil, fmt.Errorf("invalid RATE_LIMIT_MAX: %s", v)
		}
		cfg.RateLimitMax = max
	}
	if v := os.Getenv("TERMINAL_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid TERMINAL_RETENTION", zap.Error(err))
			return nil, fmt.Errorf("invalid TERMINAL_RETENTION: %w", err)
		}
		cfg.TerminalRetention = d
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid RATE_LIMIT_WINDOW", zap.Error(err))
			return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
		}
		cfg.RateLimitWindow = d
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}
