package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the whole process configuration, built once in main and passed
// into each component at construction time. Nothing reads the environment
// after startup.
type Config struct {
	Addr        string
	Environment string

	RedisURL string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	DirectoryURL  string
	RunnerURL     string
	SettingsPath  string
	ManagedParent string
	SweepInterval time.Duration

	OnBoardingDeadline  time.Duration
	MaintenanceDeadline time.Duration
	StrictDeadlines     bool
}

// FromEnv builds the Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Addr:        envOr("ACCOUNTPOOL_ADDR", ":8080"),
		Environment: envOr("ACCOUNTPOOL_ENV", "dev"),

		RedisURL: os.Getenv("ACCOUNTPOOL_REDIS_URL"),

		KafkaBrokers: splitList(os.Getenv("ACCOUNTPOOL_KAFKA_BROKERS")),
		KafkaTopic:   envOr("ACCOUNTPOOL_KAFKA_TOPIC", "account-lifecycle"),
		KafkaGroup:   envOr("ACCOUNTPOOL_KAFKA_GROUP", "accountpool"),

		DirectoryURL:  os.Getenv("ACCOUNTPOOL_DIRECTORY_URL"),
		RunnerURL:     os.Getenv("ACCOUNTPOOL_RUNNER_URL"),
		SettingsPath:  os.Getenv("ACCOUNTPOOL_SETTINGS"),
		ManagedParent: os.Getenv("ACCOUNTPOOL_MANAGED_PARENT"),
		SweepInterval: durationOr("ACCOUNTPOOL_SWEEP_INTERVAL", 15*time.Minute),

		OnBoardingDeadline:  durationOr("ACCOUNTPOOL_ONBOARDING_DEADLINE", 4*time.Hour),
		MaintenanceDeadline: durationOr("ACCOUNTPOOL_MAINTENANCE_DEADLINE", 2*time.Hour),
		StrictDeadlines:     boolOr("ACCOUNTPOOL_STRICT_DEADLINES", false),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func boolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
