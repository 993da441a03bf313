package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/conductor/pkg/api"
	"github.com/cuemby/conductor/pkg/config"
	"github.com/cuemby/conductor/pkg/kv"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/registry"
	"github.com/cuemby/conductor/pkg/store"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP API front-end",
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

		srv := api.New(st)

		metrics.SetVersion(conductorVersion)
		metrics.RegisterComponent("store", true, "connected")
		metrics.RegisterComponent("kv", true, "connected")
		metrics.RegisterComponent("api", true, "ready")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		collector := metrics.NewCollector(st, reg, 0)
		collector.Start(ctx)
		defer collector.Stop()

		addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
		log.WithComponent("api").Info().Str("addr", addr).Msg("starting api server")
		return srv.ListenAndServe(ctx, addr)
	},
}
