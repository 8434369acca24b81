package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	reelfarmv1 "github.com/jamesainslie/reelfarm/pkg/api/reelfarm/v1"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/output"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the content cache",
	Long: `Commands for the daemon's content cache.

Remote inputs are fetched once, validated and kept under the cache
directory (typically ~/.cache/reelfarm/media) until they expire or are
evicted to stay under the size limit.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	Long:  `Displays entry count, size, hit rate and evictions. --entries lists every cached item.`,
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [locator]",
	Short: "Remove cached content",
	Long:  `Removes one locator from the cache, or everything when none is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheClear,
}

var cachePreloadCmd = &cobra.Command{
	Use:   "preload <locator>...",
	Short: "Fetch inputs into the cache ahead of time",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCachePreload,
}

var cachePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show cache location",
	Long:  `Prints the path to the cache directory.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println(cfg.Cache.Dir)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cachePreloadCmd)
	cacheCmd.AddCommand(cachePathCmd)
	rootCmd.AddCommand(cacheCmd)

	cacheStatsCmd.Flags().Bool("entries", false, "list cached entries")
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	withEntries, _ := cmd.Flags().GetBool("entries")

	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.CacheStats(cmd.Context(), withEntries)
	if err != nil {
		return fmt.Errorf("failed to get cache stats: %w", err)
	}
	if outputFormat() == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	printVerbose("cache location: %s", resp.Dir)
	if err := writeReport(os.Stdout, &output.Report{Cache: &resp.Stats, DaemonUp: true}); err != nil {
		return err
	}
	if withEntries {
		writeCacheEntries(resp.Entries, time.Now())
	}
	return nil
}

// writeCacheEntries prints entries most recently used first.
func writeCacheEntries(entries []reelfarmv1.CacheEntry, now time.Time) {
	if len(entries) == 0 {
		printInfo("No cached entries")
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed > entries[j].LastAccessed
	})

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tSIZE\tUSED\tLOCATOR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.Kind,
			types.FormatSize(e.Size),
			humanize.RelTime(time.Unix(e.LastAccessed, 0), now, "ago", "from now"),
			e.Locator)
	}
	_ = tw.Flush()
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	locator := ""
	if len(args) > 0 {
		locator = args[0]
	}

	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	removed, err := c.ClearCache(cmd.Context(), locator)
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	if locator == "" {
		printInfo("Cleared all cache entries (%s)", humanize.Comma(int64(removed)))
	} else {
		printInfo("Cleared cache for %s (%d entries)", locator, removed)
	}
	return nil
}

func runCachePreload(cmd *cobra.Command, args []string) error {
	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Preload(cmd.Context(), args)
	if err != nil {
		return fmt.Errorf("preload failed: %w", err)
	}
	if outputFormat() == "json" {
		return json.NewEncoder(os.Stdout).Encode(resp)
	}
	for _, loc := range args {
		if p, ok := resp.Paths[loc]; ok {
			printInfo("%s %s -> %s", output.SuccessStyle.Render("ok"), loc, p)
		} else if msg, ok := resp.Errors[loc]; ok {
			printError("%s: %s", loc, msg)
		}
	}
	if len(resp.Errors) > 0 {
		return fmt.Errorf("%d of %d locators failed", len(resp.Errors), len(args))
	}
	return nil
}
