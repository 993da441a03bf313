package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/conductor/pkg/cleanup"
	"github.com/cuemby/conductor/pkg/config"
	"github.com/cuemby/conductor/pkg/kv"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/registry"
	"github.com/cuemby/conductor/pkg/resources"
	"github.com/cuemby/conductor/pkg/scheduler"
	"github.com/cuemby/conductor/pkg/store"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the FIFO-plus-first-fit scheduling loop",
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

		cm, err := cleanup.NewManager([]cleanup.Strategy{
			cleanup.NewStaleReservationCleanup(st),
			cleanup.NewStuckJobCleanup(st, rm),
			cleanup.NewCompletedJobCleanup(st, rm),
		})
		if err != nil {
			return fmt.Errorf("building cleanup manager: %w", err)
		}

		sched := scheduler.New(st, kvStore, rm, cm, scheduler.Config{
			QueueName: cfg.QueueName,
			Interval:  cfg.CheckInterval,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		log.WithComponent("scheduler").Info().Msg("starting scheduler")
		sched.Start(ctx)
		<-ctx.Done()
		sched.Stop()
		return nil
	},
}
