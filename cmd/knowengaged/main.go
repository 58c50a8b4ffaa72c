package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"knowengage/internal/app"
	"knowengage/internal/config"
	"knowengage/internal/logger"
	"knowengage/internal/shutdown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file overlaying compiled-in defaults")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "knowengaged: load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "knowengaged: invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging.Level)
	logger.Info("knowengaged: starting", "admin_addr", cfg.Admin.Addr)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("knowengaged: init failed", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("knowengaged: run failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	_ = a.Shutdown(shutdownCtx)
}
