package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/conductor/pkg/config"
	"github.com/cuemby/conductor/pkg/executor"
	"github.com/cuemby/conductor/pkg/kv"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/recovery"
	"github.com/cuemby/conductor/pkg/registry"
	"github.com/cuemby/conductor/pkg/resources"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job executor: register this node and consume dispatch tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath(cmd))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		st, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer st.Close()

		kvStore, err := kv.NewRedisStore(cfg.KVURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}

		reg := registry.New(kvStore, cfg.HeartbeatInterval)
		rm := resources.New(kvStore, st, reg, cfg.TotalCPUs)

		logger := log.WithComponent("worker")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := reg.Register(ctx, &types.Worker{
			WorkerID: cfg.NodeName,
			CPUs:     cfg.TotalCPUs,
			Hostname: cfg.NodeName,
			Status:   types.WorkerReady,
		}); err != nil {
			return fmt.Errorf("registering worker: %w", err)
		}
		defer func() {
			if err := reg.Unregister(context.Background(), cfg.NodeName); err != nil {
				logger.Error().Err(err).Msg("failed to unregister worker on shutdown")
			}
		}()

		stopHeartbeat := make(chan struct{})
		go reg.HeartbeatLoop(ctx, cfg.NodeName, stopHeartbeat)
		defer close(stopHeartbeat)

		pipeline := recovery.New(st, kvStore, rm, cfg.QueueName, cfg.ResultTTL, cfg.RecoveryTimeout, cfg.RecoveryHorizon)
		if err := pipeline.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("startup recovery pipeline failed")
		}

		exec := executor.New(st, kvStore, rm, cfg.NodeName, cfg.ScriptDir, cfg.JobWorkBaseDir)

		logger.Info().Str("node", cfg.NodeName).Int("cpus", cfg.TotalCPUs).Msg("worker ready, consuming dispatch queue")
		if err := exec.Run(ctx, cfg.QueueName); err != nil && ctx.Err() == nil {
			return fmt.Errorf("executor loop exited: %w", err)
		}
		return nil
	},
}
