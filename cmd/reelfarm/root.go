package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "reelfarm",
		Short: "Submit and track video render jobs",
		Long: `reelfarm talks to reelfarmd, the local render orchestrator. The daemon
queues encode, filter and concat jobs by priority, runs them on GPU or CPU
lanes depending on live resource usage, caches remote inputs and uploads
finished renders to object storage.

Examples:
  reelfarm submit video_encode -i s3://raw/a.mov -o /tmp/a.mp4 -- ffmpeg -i {in:0} {out}
  reelfarm list --status running
  reelfarm watch 1b4e28ba
  reelfarm status
  reelfarm cache stats
  reelfarm daemon start`,
		SilenceUsage:      true,
		PersistentPreRunE: initializeLogging,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/reelfarm/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "pretty", "output format: pretty, plain, json or yaml")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "output JSON format")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "minimal output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug output")
	rootCmd.PersistentFlags().Bool("no-autostart", false, "do not start reelfarmd when it is not running")

	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("no_autostart", rootCmd.PersistentFlags().Lookup("no-autostart"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	v := viper.GetViper()
	config.Configure(v, cfgFile)
	config.SetDefaults(v)

	// A broken file is reported by loadConfig when a command needs it.
	_ = config.ReadIn(v)
}

// loadConfig decodes the global viper state into a validated Config.
func loadConfig() (*config.Config, error) {
	if err := config.ReadIn(viper.GetViper()); err != nil {
		return nil, err
	}
	return config.FromViper(viper.GetViper())
}

// Execute runs the root command. Interrupts cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// getVerbose returns whether verbose mode is enabled.
func getVerbose() bool {
	return viper.GetBool("verbose")
}

// getQuiet returns whether quiet mode is enabled.
func getQuiet() bool {
	return viper.GetBool("quiet")
}

// printVerbose prints a message only in verbose mode.
func printVerbose(format string, args ...interface{}) {
	if getVerbose() {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// printInfo prints a message unless in quiet mode.
func printInfo(format string, args ...interface{}) {
	if !getQuiet() {
		fmt.Printf(format+"\n", args...)
	}
}

// printError prints an error message to stderr.
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
