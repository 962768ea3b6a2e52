package main

import (
	"testing"
	"time"
)

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")
	t.Setenv("STORE", "memory")
	if _, err := loadConfig(); err == nil {
		t.Fatalf("expected error without a database url")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "postgres://localhost/equipment")
	t.Setenv("AGGREGATION_INTERVAL", "")
	t.Setenv("SAMPLE_INTERVAL", "")
	t.Setenv("FUEL_RATE_PER_HOUR", "")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/equipment" {
		t.Fatalf("expected PG_DSN fallback, got %q", cfg.DatabaseURL)
	}
	if cfg.AggregationInterval != 5*time.Minute || cfg.SampleInterval != time.Minute || cfg.FuelRatePerHour != 5.5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigRejectsNonPositiveInterval(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/equipment")
	t.Setenv("DETECTION_INTERVAL", "0s")
	if _, err := loadConfig(); err == nil {
		t.Fatalf("expected error for zero detection interval")
	}
}

func TestGetenvHelpersFallBack(t *testing.T) {
	t.Setenv("EQ_TEST_FLOAT", "abc")
	t.Setenv("EQ_TEST_INT", "7")
	t.Setenv("EQ_TEST_DURATION", "90s")
	if got := getenvFloatDefault("EQ_TEST_FLOAT", 1.5); got != 1.5 {
		t.Fatalf("expected fallback for bad float, got %v", got)
	}
	if got := getenvIntDefault("EQ_TEST_INT", 1); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := getenvDuration("EQ_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
	if got := getenvDefault("EQ_TEST_MISSING", "x"); got != "x" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
