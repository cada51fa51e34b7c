package config

import (
	"os"
	"strconv"
	"time"
)

type ReconcileConfig struct {
	LedgerPrefix       string
	EventChannelPrefix string
	SubmitMarkerPrefix string
	AccumulateRetries  int
	AccumulateBackoff  time.Duration
	EventBufferSize    int
	InProgressTTL      time.Duration
	DoneMarkerTTL      time.Duration
}

func LoadReconcileConfig() *ReconcileConfig {
	return &ReconcileConfig{
		LedgerPrefix:       getEnv("LEDGER_KEY_PREFIX", "payment_ledger"),
		EventChannelPrefix: getEnv("EVENT_CHANNEL_PREFIX", "payment_events"),
		SubmitMarkerPrefix: getEnv("SUBMIT_MARKER_PREFIX", "payment_submit"),
		AccumulateRetries:  getEnvAsInt("ACCUMULATE_RETRIES", 3),
		AccumulateBackoff:  getEnvAsDuration("ACCUMULATE_BACKOFF", 50*time.Millisecond),
		EventBufferSize:    getEnvAsInt("EVENT_BUFFER_SIZE", 16),
		InProgressTTL:      getEnvAsDuration("SUBMIT_IN_PROGRESS_TTL", 30*time.Second),
		DoneMarkerTTL:      getEnvAsDuration("SUBMIT_DONE_TTL", 24*time.Hour),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
