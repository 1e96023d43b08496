// Package config loads the worker's configuration from the environment.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// QueueConfig names the two queues and sets their delivery behavior.
type QueueConfig struct {
	OrdersQueue        string
	NotificationsQueue string
	VisibilityTimeout  time.Duration
	MaxDeliveries      int
}

// ConsumerConfig holds poll-loop settings.
type ConsumerConfig struct {
	BatchSize         int
	WaitTime          time.Duration
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// SagaConfig holds validation settings for the order saga.
type SagaConfig struct {
	FundsCeiling decimal.Decimal
}

// StorageConfig selects the receipt store backend.
type StorageConfig struct {
	DatabaseURL string
	BlobDir     string
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint and
// the gRPC health listen address.
type ObservabilityConfig struct {
	MetricsAddr string
	HealthAddr  string
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	var cfg RedisConfig

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = durationOrDefault("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadQueues reads queue names and delivery settings from env.
func LoadQueues() (QueueConfig, error) {
	cfg := QueueConfig{
		OrdersQueue:        stringOrDefault("QUEUE_ORDERS", "orders"),
		NotificationsQueue: stringOrDefault("QUEUE_NOTIFICATIONS", "notifications"),
	}

	var err error
	if cfg.VisibilityTimeout, err = durationOrDefault("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxDeliveries, err = intOrDefault("QUEUE_MAX_DELIVERIES", 5); err != nil {
		return cfg, err
	}
	if cfg.MaxDeliveries < 1 {
		return cfg, errors.New("QUEUE_MAX_DELIVERIES must be >= 1")
	}
	return cfg, nil
}

// LoadConsumer reads poll-loop settings from env. A zero rate-limit interval
// disables throttling.
func LoadConsumer() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	var err error

	if cfg.BatchSize, err = intOrDefault("CONSUMER_BATCH_SIZE", 10); err != nil {
		return cfg, err
	}
	if cfg.BatchSize < 1 {
		return cfg, errors.New("CONSUMER_BATCH_SIZE must be >= 1")
	}
	if cfg.WaitTime, err = durationOrDefault("CONSUMER_WAIT_TIME", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = durationOrDefault("CONSUMER_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOrDefault("CONSUMER_RATE_LIMIT_BURST", 1); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadSaga reads saga validation settings from env.
func LoadSaga() (SagaConfig, error) {
	raw := strings.TrimSpace(os.Getenv("SAGA_FUNDS_CEILING"))
	if raw == "" {
		return SagaConfig{FundsCeiling: decimal.NewFromInt(10000)}, nil
	}
	ceiling, err := decimal.NewFromString(raw)
	if err != nil {
		return SagaConfig{}, fmt.Errorf("SAGA_FUNDS_CEILING: %w", err)
	}
	if ceiling.IsNegative() {
		return SagaConfig{}, errors.New("SAGA_FUNDS_CEILING must be >= 0")
	}
	return SagaConfig{FundsCeiling: ceiling}, nil
}

// LoadStorage reads receipt-store settings from env. With no DATABASE_URL
// the worker keeps receipts in BlobDir instead.
func LoadStorage() (StorageConfig, error) {
	return StorageConfig{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		BlobDir:     stringOrDefault("BLOB_DIR", "data/blobs"),
	}, nil
}

// LoadObservability reads the metrics and health listen addresses from env.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{
		MetricsAddr: stringOrDefault("OBS_ADDR", ":9090"),
		HealthAddr:  stringOrDefault("HEALTH_ADDR", ":50051"),
	}, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func stringOrDefault(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func durationOrDefault(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func intOrDefault(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
