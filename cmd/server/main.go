// Command server runs the tactical combat engine: a WebSocket-driven
// turn-based session server, wiring pkg/config, pkg/registry,
// pkg/connmgr, pkg/router, pkg/store, and pkg/metrics behind pkg/httpapi.
// Structured as the teacher's cmd/server/main.go: load config, configure
// logging, start the listener, wait for a shutdown signal, shut down
// gracefully.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tacticsengine/pkg/auth"
	"tacticsengine/pkg/config"
	"tacticsengine/pkg/connmgr"
	"tacticsengine/pkg/httpapi"
	"tacticsengine/pkg/metrics"
	"tacticsengine/pkg/registry"
	"tacticsengine/pkg/router"
	"tacticsengine/pkg/store"
	"tacticsengine/pkg/validation"
)

const (
	cleanupInterval = 5 * time.Minute
	idleTimeout     = 30 * time.Minute
)

func main() {
	cfg := loadAndConfigureSystem()

	m := metrics.New()

	saves, err := store.NewFileStore(cfg.SaveStorePath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize save store")
	}

	verifier := auth.NewStaticVerifier(parseStaticTokens(cfg.StaticTokens))

	reg := registry.New(cfg, m)
	reg.StartCleanup(cleanupInterval, idleTimeout)

	conns := connmgr.New(connmgrConfig(cfg), reg.Lookup, nil)
	rtr := router.New(conns, verifier, reg.SchedulerLookup, reg.Lookup, validation.New())
	rtr.SetMetrics(m)
	conns.SetBroadcast(rtr.BroadcastEvents)

	srv := httpapi.New(cfg, conns, rtr, reg, saves, m, verifier)

	executeServerLifecycle(srv, cfg, reg)
}

// loadAndConfigureSystem loads configuration and sets up logging.
func loadAndConfigureSystem() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	configureLogging(cfg.LogLevel)
	logStartupInfo(cfg)
	return cfg
}

func configureLogging(logLevel string) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.WithError(err).Warn("invalid log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func logStartupInfo(cfg *config.Config) {
	logrus.WithFields(logrus.Fields{
		"listenAddr":    cfg.ListenAddr,
		"logLevel":      cfg.LogLevel,
		"devMode":       cfg.EnableDevMode,
		"turnDeadline":  cfg.TurnDeadline,
		"npcTurnMode":   cfg.NPCTurnMode,
		"saveStorePath": cfg.SaveStorePath,
	}).Info("starting tactics engine server")
}

func connmgrConfig(cfg *config.Config) connmgr.Config {
	return connmgr.Config{
		AuthDeadline:    cfg.AuthDeadline,
		ReconnectGrace:  cfg.ReconnectGrace,
		RateLimitWindow: cfg.RateLimitWindow,
		ActionRateLimit: cfg.ActionRateLimit,
		ChatRateLimit:   cfg.ChatRateLimit,
	}
}

// parseStaticTokens decodes cfg.StaticTokens's "token=userId=displayName"
// comma list into the map auth.NewStaticVerifier expects.
func parseStaticTokens(raw string) map[string]auth.UserInfo {
	tokens := make(map[string]auth.UserInfo)
	if raw == "" {
		return tokens
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 3)
		if len(parts) < 2 {
			continue
		}
		info := auth.UserInfo{Sub: parts[1]}
		if len(parts) == 3 {
			info.Name = parts[2]
		}
		tokens[parts[0]] = info
	}
	return tokens
}

// executeServerLifecycle starts the HTTP/WebSocket listener and blocks
// until a shutdown signal arrives, then drains every live session.
func executeServerLifecycle(srv *httpapi.Server, cfg *config.Config, reg *registry.Registry) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := srv.Serve(ctx, cfg.ListenAddr, cfg.ShutdownTimeout)

	logrus.Info("shutting down sessions")
	reg.Shutdown()

	if err != nil {
		logrus.WithError(err).Error("server error")
		os.Exit(1)
	}
	logrus.Info("server shutdown complete")
}
