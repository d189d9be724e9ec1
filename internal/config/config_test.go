package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_SOURCE", "postgresql://localhost/escrow")
	t.Setenv("HYPERPAY_ENTITY_ID", "ent-1")
	t.Setenv("HYPERPAY_ACCESS_TOKEN", "tok-1")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Currency != "JOD" || cfg.ActiveProvider != "hyperpay" {
		t.Fatalf("defaults = %s/%s/%s", cfg.Port, cfg.Currency, cfg.ActiveProvider)
	}
	if cfg.CommissionRate.String() != "10" {
		t.Fatalf("commission rate = %s", cfg.CommissionRate)
	}
	if cfg.EscrowHoldFor != 72*time.Hour || cfg.SchedulerInterval != 5*time.Minute {
		t.Fatalf("durations = %s/%s", cfg.EscrowHoldFor, cfg.SchedulerInterval)
	}
	if cfg.BatchSize != 100 {
		t.Fatalf("batch size = %d", cfg.BatchSize)
	}
}

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DB_SOURCE")
	}
}

func TestLoadRejectsBadCommissionRate(t *testing.T) {
	setRequired(t)
	for _, bad := range []string{"abc", "-1", "101"} {
		t.Setenv("COMMISSION_RATE", bad)
		if _, err := Load(); err == nil {
			t.Errorf("expected error for COMMISSION_RATE=%s", bad)
		}
	}
}

func TestLoadValidatesProviderCredentials(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/escrow")
	t.Setenv("PAYMENT_PROVIDER", "stripe")
	if _, err := Load(); err == nil {
		t.Fatal("expected error: stripe selected without secret key")
	}
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	if _, err := Load(); err != nil {
		t.Fatalf("Load with stripe key: %v", err)
	}

	t.Setenv("PAYMENT_PROVIDER", "paypal")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	setRequired(t)
	t.Setenv("ESCROW_HOLD_FOR", "24h")
	t.Setenv("SCHEDULER_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EscrowHoldFor != 24*time.Hour || cfg.SchedulerInterval != 30*time.Second {
		t.Fatalf("durations = %s/%s", cfg.EscrowHoldFor, cfg.SchedulerInterval)
	}

	t.Setenv("ESCROW_HOLD_FOR", "three days")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}
