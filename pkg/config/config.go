// Package config provides configuration management for the tactical combat
// engine. It handles environment variable loading, validation, and provides
// secure defaults for production deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config represents the server configuration with environment variable
// support. All configuration values can be set via environment variables or
// will use sensible defaults for local development.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket listener binds to.
	ListenAddr string `json:"listen_addr"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `json:"log_level"`

	// AllowedOrigins is the WebSocket CORS allowlist.
	AllowedOrigins []string `json:"allowed_origins"`

	// EnableDevMode relaxes origin checking for local development.
	EnableDevMode bool `json:"enable_dev_mode"`

	// MaxMessageSize bounds a single inbound WebSocket frame, in bytes.
	MaxMessageSize int64 `json:"max_message_size"`

	// SaveStorePath is the directory the file-backed save store writes to.
	SaveStorePath string `json:"save_store_path"`

	// AuthDeadline is §4.7's post-connect auth handshake window.
	AuthDeadline time.Duration `json:"auth_deadline"`

	// StaticTokens seeds the reference auth.StaticVerifier for
	// environments with no real token issuer wired up yet: a
	// comma-separated "token=userId=displayName" list (§4.10's pluggable
	// verifier, configured via this package per the teacher's adapter-
	// behind-loader convention).
	StaticTokens string `json:"static_tokens"`

	// TurnDeadline is §4.6's per-turn wall-clock budget.
	TurnDeadline time.Duration `json:"turn_deadline"`

	// ReconnectGrace is §4.7's post-disconnect membership preservation window.
	ReconnectGrace time.Duration `json:"reconnect_grace"`

	// RateLimitWindow is the sliding window §4.7 rate limiting is computed over.
	RateLimitWindow time.Duration `json:"rate_limit_window"`

	// ActionRateLimit is the max `action` category messages per RateLimitWindow.
	ActionRateLimit int `json:"action_rate_limit"`

	// ChatRateLimit is the max `chat` category messages per RateLimitWindow.
	ChatRateLimit int `json:"chat_rate_limit"`

	// ChatMaxLength is loaded from CHAT_MAX_LENGTH but not read by any
	// component; the chat cap applied is the validation.ChatMaxLength
	// constant.
	ChatMaxLength int `json:"chat_max_length"`

	// WallDensity is the §4.1/§9 map generation wall probability.
	WallDensity float64 `json:"wall_density"`

	// ShopOffsetX/Y place the fixed shop tile relative to the origin.
	ShopOffsetX int `json:"shop_offset_x"`
	ShopOffsetY int `json:"shop_offset_y"`

	// WaterOffsetX/Y place the fixed water tile relative to the origin.
	WaterOffsetX int `json:"water_offset_x"`
	WaterOffsetY int `json:"water_offset_y"`

	// SleepHealAmount is the flat heal applied by the `sleep` action (§4.4.6).
	SleepHealAmount int `json:"sleep_heal_amount"`

	// CritChance is the rule constant used for the attack crit check (§4.4.2).
	CritChance float64 `json:"crit_chance"`

	// PathfinderIterationCap is loaded and validated but not read by any
	// component; A* search is bounded by the pathfind.MaxIterations
	// constant.
	PathfinderIterationCap int `json:"pathfinder_iteration_cap"`

	// NPCTurnMode selects "sequential" or "parallel" AI turn pacing (§4.6).
	NPCTurnMode string `json:"npc_turn_mode"`

	// GameSpeedMultiplier scales the AI pacing delays in §4.6.
	GameSpeedMultiplier float64 `json:"game_speed_multiplier"`

	// ShutdownTimeout bounds graceful server shutdown.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// Load creates a new Config by reading environment variables and applying
// defaults. It validates all values and returns an error if any are invalid.
func Load() (*Config, error) {
	logger := logrus.WithFields(logrus.Fields{"function": "Load", "package": "config"})
	logger.Debug("entering Load")

	cfg := &Config{
		ListenAddr:     getEnvAsString("LISTEN_ADDR", ":8080"),
		LogLevel:       getEnvAsString("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{}),
		EnableDevMode:  getEnvAsBool("ENABLE_DEV_MODE", true),
		MaxMessageSize: getEnvAsInt64("MAX_MESSAGE_SIZE", 64*1024),
		SaveStorePath:  getEnvAsString("SAVE_STORE_PATH", "./data/saves"),

		AuthDeadline:    getEnvAsDuration("AUTH_DEADLINE", 5*time.Second),
		StaticTokens:    getEnvAsString("STATIC_TOKENS", ""),
		TurnDeadline:    getEnvAsDuration("TURN_DEADLINE", 15*time.Second),
		ReconnectGrace:  getEnvAsDuration("RECONNECT_GRACE", 30*time.Second),
		RateLimitWindow: getEnvAsDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		ActionRateLimit: getEnvAsInt("ACTION_RATE_LIMIT", 30),
		ChatRateLimit:   getEnvAsInt("CHAT_RATE_LIMIT", 20),
		ChatMaxLength:   getEnvAsInt("CHAT_MAX_LENGTH", 500),

		WallDensity:  getEnvAsFloat64("WALL_DENSITY", 0.12),
		ShopOffsetX:  getEnvAsInt("SHOP_OFFSET_X", 3),
		ShopOffsetY:  getEnvAsInt("SHOP_OFFSET_Y", 0),
		WaterOffsetX: getEnvAsInt("WATER_OFFSET_X", -3),
		WaterOffsetY: getEnvAsInt("WATER_OFFSET_Y", 0),

		SleepHealAmount:        getEnvAsInt("SLEEP_HEAL_AMOUNT", 10),
		CritChance:             getEnvAsFloat64("CRIT_CHANCE", 0.10),
		PathfinderIterationCap: getEnvAsInt("PATHFINDER_ITERATION_CAP", 10000),
		NPCTurnMode:            getEnvAsString("NPC_TURN_MODE", "sequential"),
		GameSpeedMultiplier:    getEnvAsFloat64("GAME_SPEED_MULTIPLIER", 1.0),
		ShutdownTimeout:        getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := cfg.validate(); err != nil {
		logger.WithError(err).Error("configuration validation failed")
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"listenAddr": cfg.ListenAddr,
		"devMode":    cfg.EnableDevMode,
	}).Debug("exiting Load")
	return cfg, nil
}

func (c *Config) validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.LogLevel) == level {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("log level must be one of %v, got %s", validLogLevels, c.LogLevel)
	}

	if !c.EnableDevMode && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed origins must be specified when dev mode is disabled")
	}

	if c.AuthDeadline <= 0 {
		return fmt.Errorf("auth deadline must be positive, got %v", c.AuthDeadline)
	}
	if c.TurnDeadline <= 0 {
		return fmt.Errorf("turn deadline must be positive, got %v", c.TurnDeadline)
	}
	if c.ReconnectGrace <= 0 {
		return fmt.Errorf("reconnect grace must be positive, got %v", c.ReconnectGrace)
	}
	if c.ActionRateLimit <= 0 || c.ChatRateLimit <= 0 {
		return fmt.Errorf("rate limits must be positive, got action=%d chat=%d", c.ActionRateLimit, c.ChatRateLimit)
	}
	if c.WallDensity < 0 || c.WallDensity > 1 {
		return fmt.Errorf("wall density must be in [0,1], got %v", c.WallDensity)
	}
	if c.CritChance < 0 || c.CritChance > 1 {
		return fmt.Errorf("crit chance must be in [0,1], got %v", c.CritChance)
	}
	if c.PathfinderIterationCap <= 0 {
		return fmt.Errorf("pathfinder iteration cap must be positive, got %d", c.PathfinderIterationCap)
	}
	if c.NPCTurnMode != "sequential" && c.NPCTurnMode != "parallel" {
		return fmt.Errorf("npc turn mode must be 'sequential' or 'parallel', got %q", c.NPCTurnMode)
	}

	return nil
}

// OriginAllowed reports whether origin is permitted for WebSocket upgrades.
func (c *Config) OriginAllowed(origin string) bool {
	if c.EnableDevMode {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
