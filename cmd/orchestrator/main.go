// Command orchestrator runs the Conversational Orchestrator: the
// tool-calling LLM agent loop that mediates between the gateway and the
// worker fleet.
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
	"github.com/ldimaggi/agentmesh/internal/correlate"
	"github.com/ldimaggi/agentmesh/internal/orchestrator"
	"github.com/ldimaggi/agentmesh/internal/providers"
	"github.com/ldimaggi/agentmesh/internal/store"
	"github.com/ldimaggi/agentmesh/internal/telemetry"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "agentmesh conversational orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config.json5", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
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
	if err := cfg.ValidateOrchestrator(); err != nil {
		return err
	}

	client, err := bus.NewRedisClient(cfg.Bus.Addr, cfg.Bus.Password, cfg.Bus.DB)
	if err != nil {
		return err
	}
	defer client.Close()

	shutdownTelemetry, err := telemetry.Setup(context.Background(), cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	var acts *store.ActivityStore
	if cfg.Database.URL != "" {
		if acts, err = store.Open(context.Background(), cfg.Database.URL); err != nil {
			slog.Warn("orchestrator: could not open activity store, continuing without it", "error", err)
			acts = nil
		} else {
			defer acts.Close()
		}
	}

	provider := providers.NewAnthropic(cfg.Orchestrator.APIKey)

	table := correlate.New()
	status := orchestrator.NewStatusRegistry(2 * config.ParseDuration(cfg.Worker.HeartbeatEvery, time.Minute))
	catalog := orchestrator.NewCatalog()

	toolTimeout := config.ParseDuration(cfg.Orchestrator.ToolTimeout, 5*time.Minute)
	taskTimeout := config.ParseDuration(cfg.Worker.TaskTimeout, 30*time.Minute)
	dispatcher := orchestrator.NewDispatcher(client, table, status, "orchestrator", toolTimeout, taskTimeout)

	idleEviction := config.ParseDuration(cfg.Orchestrator.IdleEviction, time.Hour)
	convos := orchestrator.NewConversationStore(cfg.Orchestrator.HistoryCap, idleEviction)

	loop := orchestrator.NewLoop(provider, cfg.Orchestrator.Model, catalog, dispatcher, convos, cfg.Orchestrator.MaxToolIterations)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepLoop(ctx, convos)

	srv := orchestrator.NewServer(client, loop, table, status, acts, "orchestrator")
	return srv.Run(ctx)
}

func sweepLoop(ctx context.Context, convos *orchestrator.ConversationStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := convos.Sweep(); n > 0 {
				slog.Info("orchestrator: evicted idle conversations", "count", n)
			}
		}
	}
}
