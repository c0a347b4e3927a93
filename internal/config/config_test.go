package config

import (
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.BalanceMin != 10 {
		t.Fatalf("BalanceMin=%v", cfg.BalanceMin)
	}
	if cfg.MaxOfferAttempts != 32 {
		t.Fatalf("MaxOfferAttempts=%d", cfg.MaxOfferAttempts)
	}
	if cfg.RiderGatewayUser != "sms" {
		t.Fatalf("RiderGatewayUser=%q", cfg.RiderGatewayUser)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_READ_TIMEOUT", "30s")
	t.Setenv("BALANCE_MIN", "25")
	t.Setenv("MAX_OFFER_ATTEMPTS", "5")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("ReadTimeout=%v", cfg.ReadTimeout)
	}
	if cfg.BalanceMin != 25 {
		t.Fatalf("BalanceMin=%v", cfg.BalanceMin)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("KafkaBrokers=%v", cfg.KafkaBrokers)
	}
}

func TestLoadServerConfigInvalidValues(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "bogus")
	t.Setenv("MAX_OFFER_ATTEMPTS", "0")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected accumulated errors")
	}
}
