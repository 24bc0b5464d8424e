// Command commandproc drains commandStream and applies declarative tenant
// DB mutations. Any number of replicas may run concurrently.
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
	"github.com/aau-zid/schedulight-go/internal/command"
	"github.com/aau-zid/schedulight-go/internal/config"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/runner"
	"github.com/aau-zid/schedulight-go/internal/tenantdb"
)

func main() {
	_ = godotenv.Load()

	common := cliflags.RegisterCommon(pflag.CommandLine)
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

	proc := command.NewProcessor(b, db)
	if err := proc.EnsureGroup(ctx); err != nil {
		logging.Fatal(ctx, "failed to ensure command consumer group", zap.Error(err))
		os.Exit(1)
	}

	runner.Loop(ctx, b, time.Second, func(tickCtx context.Context) {
		proc.RunOnce(tickCtx)
	}, b, db)
}
