package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bulkxfer/internal/app"
	"bulkxfer/internal/config"
	"bulkxfer/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "bulkxfer",
	Short: "List, download and upload large file sets through an external transfer tool",
	Long: `A concurrent bulk transfer pipeline. It catalogs the source with one recursive
listing, downloads the catalogued files to a staging area and uploads them to
the destination. Failed files are written to a retry file that a later run
consumes with --retry.`,
	SilenceUsage: true,
	RunE:         runPipeline,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file with tool, auth and category settings")
	config.RegisterFlags(rootCmd.Flags())
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	pipeline, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, finishing in-flight transfers...")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = pipeline.Run(ctx)

	if closeErr := pipeline.Close(); closeErr != nil {
		log.Error("Error closing pipeline", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
