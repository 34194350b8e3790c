// Command gateway runs the Message Gateway: the browser-facing WebSocket
// bridge onto the bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ldimaggi/agentmesh/internal/bus"
	"github.com/ldimaggi/agentmesh/internal/config"
	"github.com/ldimaggi/agentmesh/internal/gateway"
	"github.com/ldimaggi/agentmesh/internal/store"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "agentmesh message gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config.json5", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.ValidateGateway(); err != nil {
		return err
	}

	client, err := bus.NewRedisClient(cfg.Bus.Addr, cfg.Bus.Password, cfg.Bus.DB)
	if err != nil {
		return err
	}
	defer client.Close()

	var acts *store.ActivityStore
	if cfg.Database.URL != "" {
		ctx := context.Background()
		if err := store.Migrate(cfg.Database.URL); err != nil {
			slog.Warn("gateway: migration failed, continuing without activity log", "error", err)
		} else if acts, err = store.Open(ctx, cfg.Database.URL); err != nil {
			slog.Warn("gateway: could not open activity store", "error", err)
			acts = nil
		}
	}
	if acts != nil {
		defer acts.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := config.Watch(cfgFile, cfg, func(hash string) {
			slog.Info("gateway: config reloaded", "hash", hash)
		}); err != nil {
			slog.Warn("gateway: config watch stopped", "error", err)
		}
	}()

	srv := gateway.NewServer(cfg, client, acts)
	return srv.Start(ctx)
}
