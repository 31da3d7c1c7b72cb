package config

import (
	"os"
	"strconv"
	"time"
)

type SyncConfig struct {
	PageSize       int
	IncrementalCap int
	FullResyncCap  int
	BatchSize      int
	LockTTL        time.Duration
}

// LoadSyncConfig reads the sync tunables from the environment. The
// incremental cap is sized to comfortably exceed normal per-period volume;
// the full-resync cap bounds historical repair runs. Both are finite so a
// fetch always terminates regardless of upstream volume.
func LoadSyncConfig() *SyncConfig {
	return &SyncConfig{
		PageSize:       getEnvAsInt("SYNC_PAGE_SIZE", 100),
		IncrementalCap: getEnvAsInt("SYNC_INCREMENTAL_CAP", 500),
		FullResyncCap:  getEnvAsInt("SYNC_FULL_RESYNC_CAP", 5000),
		BatchSize:      getEnvAsInt("SYNC_BATCH_SIZE", 50),
		LockTTL:        getEnvAsDuration("SYNC_LOCK_TTL", 10*time.Minute),
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
