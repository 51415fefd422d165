package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"grimoire/collab/internal/collab"
	"grimoire/collab/internal/config"
	"grimoire/collab/internal/relay"
	"grimoire/collab/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "grimoire",
		Short:         "Artifact collaboration server and reference reconciliation worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newWorkerCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openStore(ctx context.Context, cfg config.Config, migrate bool) (*store.PostgresStore, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if migrate {
		if err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}
	return store.NewPostgresStore(db, cfg.PGMaxBindParams), nil
}

func openRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func registryConfig(cfg config.Config) collab.RegistryConfig {
	return collab.RegistryConfig{
		StoreDebounce: cfg.StoreDebounce,
		StoreMaxWait:  cfg.StoreMaxWait,
		StoreTimeout:  cfg.StoreTimeout,
	}
}

func relayConfig(cfg config.Config) relay.Config {
	rc := relay.DefaultConfig()
	rc.Stream = cfg.RelayStream
	rc.CompletedStream = cfg.RelayStream + ":completed"
	rc.FailedStream = cfg.RelayStream + ":failed"
	rc.DelayedSet = cfg.RelayStream + ":delayed"
	rc.Group = cfg.RelayGroup
	rc.Consumer = cfg.RelayConsumer
	rc.Concurrency = cfg.RelayConcurrency
	rc.MaxAttempts = cfg.RelayMaxAttempts
	rc.KeepCompleted = int64(cfg.RelayKeepCompleted)
	rc.KeepFailed = int64(cfg.RelayKeepFailed)
	rc.ClaimIdle = cfg.RelayClaimIdle
	rc.DedupWindow = cfg.RelayDedupWindow
	return rc
}
