package util

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func GetEnvironmentVariables() map[string]string {
	environmentVariables := map[string]string{}

	for _, variable := range os.Environ() {
		pair := strings.SplitN(variable, "=", 2)

		environmentVariables[pair[0]] = pair[1]
	}

	return environmentVariables
}

func EnvString(env map[string]string, key string, fallback string) string {
	if value, ok := env[key]; ok && value != "" {
		return value
	}
	return fallback
}

func EnvInt(env map[string]string, key string, fallback int) int {
	if value, ok := env[key]; ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func EnvFloat(env map[string]string, key string, fallback float64) float64 {
	if value, ok := env[key]; ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func EnvDuration(env map[string]string, key string, fallback time.Duration) time.Duration {
	if value, ok := env[key]; ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// EnvBool follows the YES/NO convention used by the debug flags
func EnvBool(env map[string]string, key string, fallback bool) bool {
	value, ok := env[key]
	if !ok || value == "" {
		return fallback
	}

	switch strings.ToUpper(value) {
	case "YES", "TRUE", "1":
		return true
	case "NO", "FALSE", "0":
		return false
	default:
		return fallback
	}
}
