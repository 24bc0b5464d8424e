// Command httpadmin serves the HTTP admin surface over the broker.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/cliflags"
	"github.com/aau-zid/schedulight-go/internal/conference"
	"github.com/aau-zid/schedulight-go/internal/config"
	"github.com/aau-zid/schedulight-go/internal/health"
	"github.com/aau-zid/schedulight-go/internal/httpapi"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/ratelimit"
	"github.com/aau-zid/schedulight-go/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	_ = cliflags.RegisterCommon(pflag.CommandLine)
	var addr string
	pflag.StringVar(&addr, "addr", ":8080", "address to listen on")
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

	tp, err := tracing.InitTracer(ctx, "schedulight-httpadmin", cfg.TracingCollectorAddr)
	if err != nil {
		logging.Error(ctx, "tracer initialization failed, continuing without tracing", zap.Error(err))
	}

	rateLimitRedis := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	rl, err := ratelimit.New(ratelimit.Config{
		GlobalRate:   cfg.RateLimitGlobalRate,
		MutatingRate: cfg.RateLimitMutatingRate,
	}, rateLimitRedis)
	if err != nil {
		logging.Fatal(ctx, "rate limiter initialization failed", zap.Error(err))
		os.Exit(1)
	}

	h := health.NewHandler(b, nil)
	api := httpapi.NewAPI(b, h, conference.NewClient(), cfg.KeepRedisCache)
	router := httpapi.NewRouter(api, strings.Split(cfg.AllowedOrigins, ","), rl)

	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logging.Info(ctx, "http admin listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "http admin server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "http admin graceful shutdown failed", zap.Error(err))
	}
	if err := b.BGSave(shutdownCtx); err != nil {
		logging.Error(ctx, "background save failed during shutdown", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
		logging.Error(ctx, "tracer shutdown failed", zap.Error(err))
	}
	_ = rateLimitRedis.Close()
	_ = b.Close()
}
