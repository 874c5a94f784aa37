// Package config holds process-wide configuration for the pipeline.
//
// Batch passes receive a *Config explicitly so runs are reproducible and
// testable in isolation; there is no global mutable state.
package config

import (
	"os"
	"strconv"
)

// Config holds pipeline and server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	// AgentID identifies the writing side of the pipeline on every row.
	AgentID string

	// Venue preference for Gate B selection.
	PrimaryVenue   string
	SecondaryVenue string

	// Proposal defaults.
	DefaultTradeNotionalUSD float64
	DefaultTradeConfidence  float64
	DefaultWatchConfidence  float64
	ConfidenceCap           float64

	// Outbox behavior. When OutboxDatabaseURL is set the command store runs
	// on a shared Postgres bus; otherwise it shares the pipeline database.
	OutboxDatabaseURL string
	DedupTTLSeconds   int
	LeaseSeconds      int
	OutboxSecret      string

	Gates GateThresholds
}

// GateThresholds are the fixed policy constants behind Gate A and Gate C.
type GateThresholds struct {
	SeenMin7d       int
	SeenDaysMin7d   int
	ConfirmedMin30d int
	ExpiredMax30d   int
	FreshnessDays   int
}

// DefaultGateThresholds returns the production gate policy.
func DefaultGateThresholds() GateThresholds {
	return GateThresholds{
		SeenMin7d:       5,
		SeenDaysMin7d:   3,
		ConfirmedMin30d: 2,
		ExpiredMax30d:   0,
		FreshnessDays:   7,
	}
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:                    envOr("PORT", "8080"),
		LogLevel:                envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:             envOr("DATABASE_URL", "alphapipe.db"),
		AgentID:                 envOr("AGENT_ID", "edge-primary"),
		PrimaryVenue:            envOr("PRIMARY_VENUE", "COINBASE"),
		SecondaryVenue:          envOr("SECONDARY_VENUE", "BINANCEUS"),
		DefaultTradeNotionalUSD: envFloat("DEFAULT_TRADE_NOTIONAL_USD", 25),
		DefaultTradeConfidence:  envFloat("DEFAULT_TRADE_CONFIDENCE", 0.10),
		DefaultWatchConfidence:  envFloat("DEFAULT_WATCH_CONFIDENCE", 0.06),
		ConfidenceCap:           envFloat("CONFIDENCE_CAP", 0.25),
		OutboxDatabaseURL:       os.Getenv("OUTBOX_DATABASE_URL"),
		DedupTTLSeconds:         envInt("OUTBOX_DEDUP_TTL_S", 900),
		LeaseSeconds:            envInt("OUTBOX_LEASE_S", 45),
		OutboxSecret:            os.Getenv("OUTBOX_SECRET"),
		Gates:                   DefaultGateThresholds(),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
