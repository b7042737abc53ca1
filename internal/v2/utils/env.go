package utils

import (
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
)

// GetEnvOrDefault gets environment variable or returns default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDuration parses a duration variable such as "3s" or "1m"; bad values fall back to the default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		glog.Warningf("invalid duration %s=%q, using %v: %v", key, value, defaultValue, err)
		return defaultValue
	}
	return d
}

func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		glog.Warningf("invalid integer %s=%q, using %d: %v", key, value, defaultValue, err)
		return defaultValue
	}
	return n
}

// IsDevelopment mirrors the GO_ENV switch used to disable outbound publishers locally.
func IsDevelopment() bool {
	env := os.Getenv("GO_ENV")
	return env == "development" || env == "dev"
}
