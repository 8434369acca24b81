// Package main is the reelfarmd daemon: it owns the render queue, the
// content cache and uploads, and serves the task API on a unix socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jamesainslie/reelfarm/pkg/daemon"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/config"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/spf13/cobra"
)

// Build-time variables set by goreleaser or go build -ldflags.
var (
	version = "dev"
	commit  = "none"
)

var (
	cfgFile      string
	consoleLevel string
)

var rootCmd = &cobra.Command{
	Use:           "reelfarmd",
	Short:         "reelfarm render orchestration daemon",
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/reelfarm/config.yaml)")
	rootCmd.Flags().StringVar(&consoleLevel, "log-console", "", "also log to stderr at this level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reelfarmd: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logging.Init(loggingConfig(cfg)); err != nil {
		return err
	}
	defer func() {
		_ = logging.Close()
	}()

	logger := logging.Get("daemon")
	logger.Info("reelfarmd starting", "version", version, "socket", cfg.Daemon.SocketPath, "pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg, version); err != nil {
		logger.Error("reelfarmd exited", "error", err)
		return err
	}
	logger.Info("reelfarmd stopped")
	return nil
}

// loggingConfig maps the validated config onto the logging package.
func loggingConfig(cfg *config.Config) logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Format = cfg.Logging.Format
	lc.Components = cfg.Logging.Components
	lc.ConsoleLevel = consoleLevel
	if cfg.Logging.Path != "" {
		lc.Path = cfg.Logging.Path
	}
	lc.Rotation.MaxSize = config.MustSize(cfg.Logging.Rotation.MaxSize)
	lc.Rotation.MaxAge = cfg.Logging.Rotation.MaxAge
	lc.Rotation.MaxBackups = cfg.Logging.Rotation.MaxBackups
	lc.Rotation.Daily = cfg.Logging.Rotation.Daily
	return lc
}
