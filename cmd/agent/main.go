package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fekuna/omnipos-sync-agent/config"
	"github.com/fekuna/omnipos-sync-agent/internal/agent"
	"github.com/fekuna/omnipos-sync-agent/internal/checkpoint"
	"github.com/fekuna/omnipos-sync-agent/internal/conflict"
	"github.com/fekuna/omnipos-sync-agent/internal/localstore"
	"github.com/fekuna/omnipos-sync-agent/internal/remote"
	"github.com/fekuna/omnipos-sync-agent/pkg/logger"
)

func main() {
	// 1. Load Configuration
	_ = godotenv.Load() // Load .env file if it exists
	cfg := config.LoadEnv()

	// 2. Initialize Logger
	logConfig := &logger.ZapLoggerConfig{
		IsDevelopment:     false,
		Encoding:          cfg.Logger.Encoding,
		Level:             cfg.Logger.Level,
		DisableCaller:     cfg.Logger.DisableCaller,
		DisableStacktrace: cfg.Logger.DisableStacktrace,
		FilePath:          cfg.Logger.FilePath,
	}
	if cfg.Server.AppEnv == "development" {
		logConfig.IsDevelopment = true
		logConfig.Encoding = "console"
		logConfig.Level = "debug"
	}
	appLogger := logger.NewZapLogger(logConfig)
	defer appLogger.Sync()

	if err := cfg.Validate(); err != nil {
		appLogger.Fatal("Invalid configuration", zap.Error(err))
	}

	loc, err := time.LoadLocation(cfg.Sync.LocalTimezone)
	if err != nil {
		appLogger.Fatal("Unknown local timezone", zap.String("timezone", cfg.Sync.LocalTimezone), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect to the local point-of-sale database
	local, err := localstore.Connect(ctx, cfg.SQL, cfg.Sync.LocalStoreID, appLogger)
	if err != nil {
		appLogger.Fatal("Could not connect to local database", zap.Error(err))
	}
	defer local.Close()
	local.EnsureSchema(ctx)

	// 4. Initialize the remote store client and supporting components
	client := remote.NewClient(cfg.Supabase.URL, cfg.Supabase.Key, cfg.Sync.HTTPTimeout, appLogger)
	resolver := conflict.New(loc, cfg.Sync.ConflictTolerance)
	checkpoints := checkpoint.NewStore(cfg.Sync.StateFile)

	// 5. Run the sync loop until signaled
	syncAgent := agent.New(cfg.Sync, client, agent.WrapAdapter(local), resolver, checkpoints, appLogger)
	syncAgent.Run(ctx)

	appLogger.Info("Agent stopped")
}
