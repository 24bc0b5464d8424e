// Command orchestrator runs the per-meeting tick loop: exactly one
// replica of this process may run against a given broker.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/cliflags"
	"github.com/aau-zid/schedulight-go/internal/conference"
	"github.com/aau-zid/schedulight-go/internal/config"
	"github.com/aau-zid/schedulight-go/internal/livestream"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/model"
	"github.com/aau-zid/schedulight-go/internal/orchestrator"
	"github.com/aau-zid/schedulight-go/internal/runner"
	"github.com/aau-zid/schedulight-go/internal/tenantdb"
)

func main() {
	_ = godotenv.Load()

	common := cliflags.RegisterCommon(pflag.CommandLine)
	engineFlags := cliflags.RegisterEngine(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}
	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	ctx := context.Background()

	b, err := broker.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "broker connection failed", zap.Error(err))
		os.Exit(1)
	}

	dbCfg := tenantdb.Config{
		Host:     cliflags.FirstNonEmpty(common.DBHost, cfg.DBHost),
		Port:     cliflags.FirstNonEmpty(common.DBPort, cfg.DBPort),
		Name:     cliflags.FirstNonEmpty(common.DBName, cfg.DBName),
		User:     cliflags.FirstNonEmpty(common.DBUser, cfg.DBUser),
		Password: cliflags.FirstNonEmpty(common.DBPassword, cfg.DBPassword),
		SSLMode:  cfg.DBSSLMode,
	}
	db, err := tenantdb.Connect(dbCfg)
	if err != nil {
		logging.Fatal(ctx, "tenant db connection failed", zap.Error(err))
		os.Exit(1)
	}
	if err := db.CheckCompatibility(ctx); err != nil {
		logging.Fatal(ctx, "tenant db schema check failed", zap.Error(err))
		os.Exit(1)
	}

	var stream *livestream.Bridge
	if keyPath := os.Getenv("LIVESTREAM_SSH_KEY"); keyPath != "" {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			logging.Error(ctx, "failed to read livestream ssh key, live streaming disabled", zap.Error(err))
		} else if stream, err = livestream.NewBridge(keyPEM); err != nil {
			logging.Error(ctx, "failed to parse livestream ssh key, live streaming disabled", zap.Error(err))
			stream = nil
		}
	}

	conf := conference.NewClient()
	defaults := model.EngineDefaults{
		PreOpenMinutes:  engineFlags.PreOpenMinutes,
		PreStartMinutes: engineFlags.PreStartMinutes,
		EndAfterMinutes: engineFlags.EndAfterMinutes,
		ReminderMinutes: engineFlags.ReminderMinutes,
	}
	engine := orchestrator.New(b, db, conf, stream, defaults)

	runner.Loop(ctx, b, time.Second, func(tickCtx context.Context) {
		engine.RunOnce(tickCtx)
	}, b, db)
}
