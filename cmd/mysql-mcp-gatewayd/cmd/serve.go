package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway and block until terminated",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if configPath != "" {
		os.Setenv("GATEWAY_CONFIG_FILE", configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "database", cfg.Database.Database, "replicas", len(cfg.Database.ReplicaHosts))

	rt, err := NewRuntime(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())

	cancel()
	rt.Stop()
	log.Info("gateway stopped")
	return nil
}
