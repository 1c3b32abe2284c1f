package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"hypergrid/config"
	"hypergrid/gateway"
	"hypergrid/grid"
	"hypergrid/logger"
	"hypergrid/store"
)

func main() {
	// Load environment variables from .env file if present (for local/dev runs)
	// In Docker Compose, variables are injected by the runtime and this is harmless.
	_ = godotenv.Load()

	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("❌ failed to load config: %v", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatalf("❌ failed to initialize logger: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("❌ invalid configuration: %v", err)
	}
	if err := cfg.RequireCredentials(); err != nil {
		logger.Fatalf("❌ missing credentials: %v", err)
	}

	logger.Info("╔════════════════════════════════════════════╗")
	logger.Info("║        📊 hypergrid trading engine         ║")
	logger.Info("╚════════════════════════════════════════════╝")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		logger.Fatalf("❌ failed to open store: %v", err)
	}
	defer st.Close()

	gw, err := gateway.New(cfg)
	if err != nil {
		logger.Fatalf("❌ failed to create gateway: %v", err)
	}
	logger.Infof("✓ connected to %s (%s)", gw.Name(), cfg.Grid.Symbol)

	engine := grid.NewEngine(cfg, gw, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("⚠️ signal received, draining...")
		engine.RequestShutdown(grid.ShutdownUserSignal)
		<-sigCh // second signal forces exit
		logger.Error("🚨 forced exit")
		os.Exit(1)
	}()

	if err := engine.Run(ctx); err != nil {
		logger.Fatalf("❌ engine exited with error: %v", err)
	}
	logger.Info("✓ clean exit")
}
