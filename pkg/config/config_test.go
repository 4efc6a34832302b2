package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %s", cfg.ListenAddr)
	}
	if cfg.TurnDeadline != 15*time.Second {
		t.Errorf("expected default turn deadline 15s, got %v", cfg.TurnDeadline)
	}
	if cfg.AuthDeadline != 5*time.Second {
		t.Errorf("expected default auth deadline 5s, got %v", cfg.AuthDeadline)
	}
	if cfg.ReconnectGrace != 30*time.Second {
		t.Errorf("expected default reconnect grace 30s, got %v", cfg.ReconnectGrace)
	}
	if cfg.ActionRateLimit != 30 || cfg.ChatRateLimit != 20 {
		t.Errorf("expected default rate limits 30/20, got %d/%d", cfg.ActionRateLimit, cfg.ChatRateLimit)
	}
	if cfg.NPCTurnMode != "sequential" {
		t.Errorf("expected default npc turn mode sequential, got %s", cfg.NPCTurnMode)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TURN_DEADLINE", "20s")
	t.Setenv("NPC_TURN_MODE", "parallel")
	t.Setenv("WALL_DENSITY", "0.3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.TurnDeadline != 20*time.Second {
		t.Errorf("expected overridden turn deadline 20s, got %v", cfg.TurnDeadline)
	}
	if cfg.NPCTurnMode != "parallel" {
		t.Errorf("expected overridden npc turn mode parallel, got %s", cfg.NPCTurnMode)
	}
	if cfg.WallDensity != 0.3 {
		t.Errorf("expected overridden wall density 0.3, got %v", cfg.WallDensity)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"zero turn deadline", func(c *Config) { c.TurnDeadline = 0 }},
		{"zero auth deadline", func(c *Config) { c.AuthDeadline = 0 }},
		{"zero action rate limit", func(c *Config) { c.ActionRateLimit = 0 }},
		{"wall density out of range", func(c *Config) { c.WallDensity = 1.5 }},
		{"crit chance out of range", func(c *Config) { c.CritChance = -0.1 }},
		{"bad npc turn mode", func(c *Config) { c.NPCTurnMode = "chaotic" }},
		{"dev mode off without origins", func(c *Config) {
			c.EnableDevMode = false
			c.AllowedOrigins = nil
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	cfg := validBaseConfig()
	cfg.EnableDevMode = false
	cfg.AllowedOrigins = []string{"https://example.com"}

	if !cfg.OriginAllowed("https://example.com") {
		t.Error("expected allowed origin to pass")
	}
	if cfg.OriginAllowed("https://evil.example.com") {
		t.Error("expected disallowed origin to fail")
	}

	cfg.EnableDevMode = true
	if !cfg.OriginAllowed("https://anything.example.com") {
		t.Error("expected dev mode to allow any origin")
	}
}

func validBaseConfig() *Config {
	return &Config{
		LogLevel:               "info",
		EnableDevMode:          true,
		AuthDeadline:           5 * time.Second,
		TurnDeadline:           15 * time.Second,
		ReconnectGrace:         30 * time.Second,
		ActionRateLimit:        30,
		ChatRateLimit:          20,
		WallDensity:            0.12,
		CritChance:             0.10,
		PathfinderIterationCap: 10000,
		NPCTurnMode:            "sequential",
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"LISTEN_ADDR", "LOG_LEVEL", "ALLOWED_ORIGINS", "ENABLE_DEV_MODE",
		"MAX_MESSAGE_SIZE", "SAVE_STORE_PATH", "AUTH_DEADLINE", "TURN_DEADLINE",
		"RECONNECT_GRACE", "RATE_LIMIT_WINDOW", "ACTION_RATE_LIMIT",
		"CHAT_RATE_LIMIT", "CHAT_MAX_LENGTH", "WALL_DENSITY", "SHOP_OFFSET_X",
		"SHOP_OFFSET_Y", "WATER_OFFSET_X", "WATER_OFFSET_Y", "SLEEP_HEAL_AMOUNT",
		"CRIT_CHANCE", "PATHFINDER_ITERATION_CAP", "NPC_TURN_MODE",
		"GAME_SPEED_MULTIPLIER", "SHUTDOWN_TIMEOUT",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}
