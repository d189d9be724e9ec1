package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	// Provider selection. One of "hyperpay" or "stripe".
	ActiveProvider string

	// HyperPay credentials.
	HyperPayBaseURL       string
	HyperPayEntityID      string
	HyperPayAccessToken   string
	HyperPayWebhookSecret string

	// Stripe credentials.
	StripeSecretKey     string
	StripeWebhookSecret string

	// Escrow policy.
	Currency       string
	CommissionRate decimal.Decimal
	EscrowHoldFor  time.Duration

	// Scheduler.
	SchedulerInterval time.Duration
	BatchSize         int

	// Outbound PSP calls.
	ProviderTimeout time.Duration
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	provider := os.Getenv("PAYMENT_PROVIDER")
	if provider == "" {
		provider = "hyperpay"
	}

	currency := os.Getenv("CURRENCY")
	if currency == "" {
		currency = "JOD"
	}

	rateStr := os.Getenv("COMMISSION_RATE")
	if rateStr == "" {
		rateStr = "10"
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid COMMISSION_RATE %q: %w", rateStr, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("COMMISSION_RATE must be between 0 and 100, got %s", rate)
	}

	holdFor, err := durationEnv("ESCROW_HOLD_FOR", 72*time.Hour)
	if err != nil {
		return nil, err
	}
	interval, err := durationEnv("SCHEDULER_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	timeout, err := durationEnv("PROVIDER_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	batchSize := 100
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		batchSize, err = strconv.Atoi(v)
		if err != nil || batchSize <= 0 {
			return nil, fmt.Errorf("invalid BATCH_SIZE %q", v)
		}
	}

	cfg := &Config{
		DBSource:              dbSource,
		Port:                  port,
		Env:                   env,
		ActiveProvider:        provider,
		HyperPayBaseURL:       os.Getenv("HYPERPAY_BASE_URL"),
		HyperPayEntityID:      os.Getenv("HYPERPAY_ENTITY_ID"),
		HyperPayAccessToken:   os.Getenv("HYPERPAY_ACCESS_TOKEN"),
		HyperPayWebhookSecret: os.Getenv("HYPERPAY_WEBHOOK_SECRET"),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currency:              currency,
		CommissionRate:        rate,
		EscrowHoldFor:         holdFor,
		SchedulerInterval:     interval,
		BatchSize:             batchSize,
		ProviderTimeout:       timeout,
	}

	switch cfg.ActiveProvider {
	case "hyperpay":
		if cfg.HyperPayEntityID == "" || cfg.HyperPayAccessToken == "" {
			return nil, fmt.Errorf("hyperpay selected but HYPERPAY_ENTITY_ID/HYPERPAY_ACCESS_TOKEN not set")
		}
	case "stripe":
		if cfg.StripeSecretKey == "" {
			return nil, fmt.Errorf("stripe selected but STRIPE_SECRET_KEY not set")
		}
	default:
		return nil, fmt.Errorf("unknown PAYMENT_PROVIDER %q", cfg.ActiveProvider)
	}

	return cfg, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
