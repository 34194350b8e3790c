// Command worker runs a Local Worker Supervisor bound to one repository
// checkout and one invocable tool.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ldimaggi/agentmesh/internal/bus"
	"github.com/ldimaggi/agentmesh/internal/config"
	"github.com/ldimaggi/agentmesh/internal/worker"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "agentmesh local worker supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config.json5", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
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
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	client, err := bus.NewRedisClient(cfg.Bus.Addr, cfg.Bus.Password, cfg.Bus.DB)
	if err != nil {
		return err
	}
	defer client.Close()

	wcfg := worker.Config{
		Name:           cfg.Worker.Name,
		RepoPath:       config.ExpandHome(cfg.Worker.RepoPath),
		Tool:           cfg.Worker.Tool,
		CommandFile:    cfg.Worker.CommandFile,
		TaskTimeout:    config.ParseDuration(cfg.Worker.TaskTimeout, 30*time.Minute),
		GraceTimeout:   config.ParseDuration(cfg.Worker.GraceTimeout, 5*time.Second),
		HeartbeatEvery: config.ParseDuration(cfg.Worker.HeartbeatEvery, 60*time.Second),
		ShutdownGrace:  config.ParseDuration(cfg.Worker.ShutdownGrace, 30*time.Second),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := worker.New(ctx, wcfg, client)
	if err != nil {
		return err
	}

	return sup.Run(ctx)
}
