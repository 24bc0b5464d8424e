// Command mailworker drains mailStream and performs SMTP delivery.
// Any number of replicas may run concurrently.
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
	"github.com/aau-zid/schedulight-go/internal/config"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/mail"
	"github.com/aau-zid/schedulight-go/internal/runner"
)

func main() {
	_ = godotenv.Load()

	_ = cliflags.RegisterCommon(pflag.CommandLine)
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

	var sender mail.Sender
	switch {
	case os.Getenv("NO_EMAILS") == "true":
		sender = mail.NewNoOpSender()
	case os.Getenv("DEBUG_EMAILS") == "true":
		sender = mail.NewDebugSender()
	default:
		sender = mail.NewSMTPSender()
	}

	worker := mail.NewWorker(b, sender)
	if err := worker.EnsureGroup(ctx); err != nil {
		logging.Fatal(ctx, "failed to ensure mail consumer group", zap.Error(err))
		os.Exit(1)
	}

	runner.Loop(ctx, b, time.Second, func(tickCtx context.Context) {
		worker.RunOnce(tickCtx)
	}, b)
}
