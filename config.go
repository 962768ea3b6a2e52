package main

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type config struct {
	DatabaseURL            string
	HTTPAddr               string
	AggregationInterval    time.Duration
	DetectionInterval      time.Duration
	SampleInterval         time.Duration
	FuelRatePerHour        float64
	AggregationConcurrency int
	UnprocessedLimit       int
	RulesConfig            string
	ShutdownTimeout        time.Duration
}

// loadConfig reads the environment, after a .env file when one is present.
func loadConfig() (config, error) {
	_ = godotenv.Load()

	cfg := config{
		DatabaseURL:            getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:               getenvDefault("HTTP_ADDR", ":8080"),
		AggregationInterval:    getenvDuration("AGGREGATION_INTERVAL", 5*time.Minute),
		DetectionInterval:      getenvDuration("DETECTION_INTERVAL", 15*time.Minute),
		SampleInterval:         getenvDuration("SAMPLE_INTERVAL", time.Minute),
		FuelRatePerHour:        getenvFloatDefault("FUEL_RATE_PER_HOUR", 5.5),
		AggregationConcurrency: getenvIntDefault("AGGREGATION_CONCURRENCY", 4),
		UnprocessedLimit:       getenvIntDefault("AGGREGATION_BATCH_LIMIT", 0),
		RulesConfig:            getenvDefault("RULES_CONFIG", ""),
		ShutdownTimeout:        getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL or PG_DSN is required")
	}
	if c.AggregationInterval <= 0 || c.DetectionInterval <= 0 {
		return errors.New("job intervals must be positive")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
