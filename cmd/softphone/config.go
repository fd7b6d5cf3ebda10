/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"os"
	"strconv"
	"time"
)

// Config stores the softphone's runtime configuration
type Config struct {
	// Agent
	Identity string

	// Call-center API
	APIBaseURL string
	APITimeout time.Duration
	// APIToken is the agent credential; without it the agent logs in from
	// the console
	APIToken string

	// Signaling gateway
	GatewayURL string
	STUNURL    string

	// Redis history cache, disabled when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	HistoryTTL    time.Duration

	// Metrics
	MetricsAddr string

	Debug bool
}

// LoadConfig loads config from environment variables
func LoadConfig() *Config {
	redisDB, _ := strconv.Atoi(getEnv("SOFTPHONE_REDIS_DB", "0"))
	debug, _ := strconv.ParseBool(getEnv("SOFTPHONE_DEBUG", "false"))

	return &Config{
		Identity:      getEnv("SOFTPHONE_IDENTITY", ""),
		APIBaseURL:    getEnv("SOFTPHONE_API_URL", "https://api.localhost/v1"),
		APITimeout:    getDuration("SOFTPHONE_API_TIMEOUT", 30*time.Second),
		APIToken:      getEnv("SOFTPHONE_API_TOKEN", ""),
		GatewayURL:    getEnv("SOFTPHONE_GATEWAY_URL", "wss://gateway.localhost/signaling"),
		STUNURL:       getEnv("SOFTPHONE_STUN_URL", "stun:stun.l.google.com:19302"),
		RedisAddr:     getEnv("SOFTPHONE_REDIS_ADDR", ""),
		RedisPassword: getEnv("SOFTPHONE_REDIS_PASSWORD", ""),
		RedisDB:       redisDB,
		HistoryTTL:    getDuration("SOFTPHONE_HISTORY_TTL", 10*time.Minute),
		MetricsAddr:   getEnv("SOFTPHONE_METRICS_ADDR", ":9102"),
		Debug:         debug,
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return d
}
