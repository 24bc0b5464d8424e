// Command loader ingests a YAML config document and/or a CSV roster into
// broker state, and replays any `commands` list onto commandStream.
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/cliflags"
	"github.com/aau-zid/schedulight-go/internal/config"
	"github.com/aau-zid/schedulight-go/internal/configloader"
	"github.com/aau-zid/schedulight-go/internal/logging"
)

func main() {
	_ = godotenv.Load()

	_ = cliflags.RegisterCommon(pflag.CommandLine)
	loaderFlags := cliflags.RegisterLoader(pflag.CommandLine)
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
	defer b.Close()

	keepRedisCache := cfg.KeepRedisCache
	if loaderFlags.KeepRedisCache != "" {
		if n, err := configloader.ParseKeepRedisCache(loaderFlags.KeepRedisCache); err == nil {
			keepRedisCache = n
		} else {
			logging.Error(ctx, "invalid --keep_redis_cache, using environment default", zap.Error(err))
		}
	}

	l := configloader.New(b, keepRedisCache)

	if loaderFlags.ConfigFile != "" {
		f, err := os.Open(loaderFlags.ConfigFile)
		if err != nil {
			logging.Fatal(ctx, "failed to open config file", zap.Error(err))
			os.Exit(1)
		}
		doc, err := configloader.Parse(f)
		f.Close()
		if err != nil {
			logging.Fatal(ctx, "failed to parse config file", zap.Error(err))
			os.Exit(1)
		}
		if err := l.Apply(ctx, doc, loaderFlags.DeleteMeetings); err != nil {
			logging.Fatal(ctx, "failed to apply config", zap.Error(err))
			os.Exit(1)
		}
		logging.Info(ctx, "config file applied",
			zap.Int("servers", len(doc.Servers)),
			zap.Int("meetings", len(doc.Meetings)),
			zap.Int("commands", len(doc.Commands)),
		)
	}

	if loaderFlags.ImportCSV != "" {
		f, err := os.Open(loaderFlags.ImportCSV)
		if err != nil {
			logging.Fatal(ctx, "failed to open csv roster", zap.Error(err))
			os.Exit(1)
		}
		meetings, err := configloader.ImportCSV(f)
		f.Close()
		if err != nil {
			logging.Fatal(ctx, "failed to parse csv roster", zap.Error(err))
			os.Exit(1)
		}
		if err := l.Apply(ctx, configloader.Document{Meetings: meetings}, false); err != nil {
			logging.Fatal(ctx, "failed to apply csv roster", zap.Error(err))
			os.Exit(1)
		}
		logging.Info(ctx, "csv roster imported", zap.Int("meetings", len(meetings)))
	}
}
