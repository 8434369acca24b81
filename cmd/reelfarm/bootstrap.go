package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/client"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/config"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// defaultRotationSize is used when logging.rotation.max_size is empty or
// unparseable.
const defaultRotationSize = 10 * types.MiB

// parseRotationConfig converts the config file's rotation section into the
// logging package's form.
func parseRotationConfig(rc config.RotationConfig) logging.RotationConfig {
	size, err := types.ParseSize(rc.MaxSize)
	if err != nil || size <= 0 {
		size = defaultRotationSize
	}
	return logging.RotationConfig{
		MaxSize:    size,
		MaxAge:     rc.MaxAge,
		MaxBackups: rc.MaxBackups,
		Daily:      rc.Daily,
	}
}

// initializeLogging is the root PersistentPreRunE hook. It makes sure the
// XDG directories exist and points the logging package at the configured
// file. A broken config falls back to the default log setup so that
// commands such as "config init" still work.
func initializeLogging(_ *cobra.Command, _ []string) error {
	configDir, err := config.ConfigDir()
	if err != nil {
		return fmt.Errorf("failed to resolve config directory: %w", err)
	}
	for _, dir := range []string{configDir, config.DataDir(), config.StateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logCfg := logging.DefaultConfig()
	if cfg, err := config.FromViper(viper.GetViper()); err == nil {
		logCfg.Level = cfg.Logging.Level
		logCfg.Format = cfg.Logging.Format
		logCfg.Components = cfg.Logging.Components
		logCfg.Rotation = parseRotationConfig(cfg.Logging.Rotation)
		if cfg.Logging.Path != "" {
			logCfg.Path = cfg.Logging.Path
		}
	} else {
		printVerbose("using default logging: %v", err)
	}
	if getVerbose() {
		logCfg.ConsoleLevel = "debug"
	}

	if err := logging.Init(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Get("cli").Debug("logging initialized", "path", logCfg.Path, "level", logCfg.Level)
	return nil
}

// daemonPaths builds the client's view of the daemon from cfg.
func daemonPaths(cfg *config.Config) client.DaemonPaths {
	return client.DaemonPaths{
		Binary: cfg.Daemon.BinaryPath,
		Socket: cfg.Daemon.SocketPath,
		PID:    cfg.Daemon.PIDPath,
		Config: cfgFile,
	}
}

// maybeStartDaemon starts reelfarmd when auto-start is enabled and it is not
// already running.
func maybeStartDaemon(cfg *config.Config) error {
	if !cfg.Daemon.AutoStart || viper.GetBool("no_autostart") {
		return nil
	}

	paths := daemonPaths(cfg)
	if paths.PID == "" {
		paths.PID = client.DefaultPIDPath()
	}
	if client.IsDaemonRunning(paths.PID) {
		return nil
	}

	logging.Get("cli").Info("auto-starting daemon", "pid_path", paths.PID)
	printVerbose("daemon not running, starting it")
	return client.StartDaemon(paths)
}

// connectDaemon loads the config, auto-starts the daemon if needed and
// connects to it.
func connectDaemon(ctx context.Context) (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := maybeStartDaemon(cfg); err != nil {
		logging.Get("cli").Warn("daemon auto-start failed", "error", err)
		printVerbose("auto-start failed: %v", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	printVerbose("connecting to %s", cfg.Daemon.SocketPath)
	c, err := client.ConnectWithContext(dialCtx, cfg.Daemon.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon is not reachable at %s (start with: reelfarm daemon start): %w",
			cfg.Daemon.SocketPath, err)
	}
	return c, nil
}
