package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/scgate/internal/config"
	"github.com/wudi/scgate/internal/gateway"
	"github.com/wudi/scgate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/scgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	watch := flag.Bool("watch", true, "Reload operations when the configuration file changes")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting scgate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen", cfg.Listen),
		zap.Int("services", len(cfg.Services)),
	)

	reloadPath := ""
	if *watch {
		reloadPath = *configPath
	}
	server, err := gateway.NewServer(cfg, reloadPath)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(context.Background()); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
