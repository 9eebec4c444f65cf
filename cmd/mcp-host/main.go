// Command mcp-host runs the MCP gateway: it supervises the configured
// capability providers and serves the routing and management HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcphost/mcphost/pkg/api"
	"github.com/mcphost/mcphost/pkg/health"
	"github.com/mcphost/mcphost/pkg/router"
	"github.com/mcphost/mcphost/pkg/session"
	"github.com/mcphost/mcphost/pkg/store"
	"github.com/mcphost/mcphost/pkg/supervisor"
	"github.com/mcphost/mcphost/pkg/transport"
)

// providerConfig is the on-disk provider shape. Intervals come in as seconds.
type providerConfig struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	Transport           string            `json:"transport_type"`
	Command             string            `json:"command"`
	Args                []string          `json:"args"`
	Env                 map[string]string `json:"env"`
	Host                string            `json:"host"`
	Port                int               `json:"port"`
	Auth                map[string]any    `json:"auth_config"`
	HealthCheckInterval int               `json:"health_check_interval"`
	AutoRestart         bool              `json:"auto_restart"`
	MaxRestarts         int               `json:"max_restarts"`
	AutoStart           bool              `json:"auto_start"`
}

func (c providerConfig) provider() supervisor.Provider {
	maxRestarts := c.MaxRestarts
	if c.AutoRestart && maxRestarts == 0 {
		maxRestarts = 3
	}
	return supervisor.Provider{
		ID:                  c.ID,
		Name:                c.Name,
		Description:         c.Description,
		Transport:           transport.Kind(c.Transport),
		Command:             c.Command,
		Args:                c.Args,
		Env:                 c.Env,
		Host:                c.Host,
		Port:                c.Port,
		Auth:                c.Auth,
		HealthCheckInterval: time.Duration(c.HealthCheckInterval) * time.Second,
		AutoRestart:         c.AutoRestart,
		MaxRestarts:         maxRestarts,
	}
}

func loadProviders(path string) ([]providerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}
	var configs []providerConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		return nil, fmt.Errorf("parse provider config %q: %w", path, err)
	}
	return configs, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := flag.String("addr", envOr("MCP_HOST_ADDR", ":8700"), "HTTP listen address")
	configPath := flag.String("config", envOr("MCP_HOST_CONFIG", ""), "provider config file (JSON)")
	dbPath := flag.String("db", envOr("MCP_HOST_DB", ""), "SQLite path for status and audit persistence (empty disables)")
	logLevel := flag.String("log-level", envOr("MCP_HOST_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var configs []providerConfig
	if *configPath != "" {
		var err error
		configs, err = loadProviders(*configPath)
		if err != nil {
			log.Fatalf("load providers: %v", err)
		}
	}

	var db *store.Store
	var recorder supervisor.StatusRecorder
	var sessionStore session.Store
	var audit api.AuditLog
	if *dbPath != "" {
		var err error
		db, err = store.Open(*dbPath, logger)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer db.Close()
		recorder, sessionStore, audit = db, db, db
	}

	providers := make([]supervisor.Provider, 0, len(configs))
	for _, c := range configs {
		providers = append(providers, c.provider())
	}
	sup, err := supervisor.New(providers, &supervisor.Options{Logger: logger, Recorder: recorder})
	if err != nil {
		log.Fatalf("build supervisor: %v", err)
	}
	if db != nil {
		for _, c := range configs {
			if _, restarts, err := db.ProviderStatus(ctx, c.ID); err == nil {
				sup.RestoreRestartCount(c.ID, restarts)
			}
		}
	}

	for _, c := range configs {
		if !c.AutoStart {
			continue
		}
		if err := sup.Start(ctx, c.ID); err != nil {
			logger.Warn("provider failed to start", "provider", c.ID, "error", err)
		}
	}

	sessions := session.NewRegistry(&session.Options{
		Logger:    logger,
		Store:     sessionStore,
		Directory: sup,
	})
	go sessions.RunSweeper(ctx)

	monitor := health.NewMonitor(sup, &health.Options{Logger: logger})
	go monitor.Run(ctx)

	rt := router.New(sup, sessions, &router.Options{Logger: logger})
	server := api.NewServer(sup, sessions, rt, api.Options{
		Addr:   *addr,
		Logger: logger,
		Audit:  audit,
	})

	if err := server.Serve(ctx); err != nil {
		log.Fatalf("gateway server stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)
	logger.Info("gateway stopped")
}
