package main

import (
	"fmt"
	"os"
	"time"

	reelfarmv1 "github.com/jamesainslie/reelfarm/pkg/api/reelfarm/v1"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/output"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler, resource and cache state",
	Long: `Show queue depth, lane usage and limits, the latest resource reading,
recent tuner decisions, running tasks and cache usage.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("no-cache", false, "skip cache statistics")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	skipCache, _ := cmd.Flags().GetBool("no-cache")

	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	running, err := c.ListTasks(cmd.Context(), reelfarmv1.ListRequest{Status: string(types.StatusRunning)})
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}

	report := &output.Report{
		Tasks:           running,
		Scheduler:       &st.Scheduler,
		Resources:       &st.Resources,
		Recommendations: st.Recommendations,
		DaemonUp:        true,
		Now:             time.Now(),
	}
	if report.Tasks == nil {
		report.Tasks = []types.TaskRecord{}
	}
	if !skipCache {
		if cs, err := c.CacheStats(cmd.Context(), false); err == nil {
			report.Cache = &cs.Stats
		} else {
			report.Warnings = append(report.Warnings, fmt.Sprintf("cache stats unavailable: %v", err))
		}
	}

	printVerbose("reelfarmd %s, up %s, backend %s", st.Version,
		formatDuration(time.Duration(st.UptimeSeconds)*time.Second), st.Backend)
	return writeReport(os.Stdout, report)
}
