package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/insideestates/estates-etl/internal/config"
	"github.com/insideestates/estates-etl/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Command modes passed to config.Validate. Commands that never touch the
// store are annotated with modeOffline.
const (
	modeKey     = "mode"
	modeStore   = "store"
	modeOffline = "offline"
)

var (
	cfg *config.Config
	met *metrics.Metrics

	stopMetrics context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "estates-etl",
	Short: "Land Registry ownership ETL",
	Long: `Imports Companies House and Land Registry corporate ownership snapshots,
matches every proprietor to a registered company and rebuilds the ownership
history of each title.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		if err := cfg.Validate(commandMode(cmd)); err != nil {
			return err
		}

		met = metrics.New()
		if cfg.Metrics.Addr != "" {
			ctx, cancel := context.WithCancel(cmd.Context())
			stopMetrics = cancel
			go func() {
				if err := met.Serve(ctx, cfg.Metrics.Addr); err != nil {
					zap.L().Error("metrics server stopped", zap.Error(err))
				}
			}()
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		defer func() { _ = zap.L().Sync() }()
		if stopMetrics != nil {
			stopMetrics()
		}
		return met.WriteTextfile(cfg.Metrics.Textfile)
	},
}

// commandMode walks up to the first command carrying a mode annotation.
func commandMode(cmd *cobra.Command) string {
	for c := cmd; c != nil; c = c.Parent() {
		if m, ok := c.Annotations[modeKey]; ok {
			return m
		}
	}
	return modeStore
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
