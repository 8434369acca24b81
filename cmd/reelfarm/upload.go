package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/output"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file> [key]",
	Short: "Upload a file to object storage",
	Long: `Upload a local file through the daemon's transfer engine.

Content that already exists under the key is not sent again. Large files
go up as parallel parts. The key defaults to the file name.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	path := args[0]
	key := filepath.Base(path)
	if len(args) > 1 {
		key = args[1]
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot upload %s: %w", path, err)
	}

	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	printVerbose("uploading %s as %s", path, key)
	resp, err := c.Upload(cmd.Context(), path, key)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	if outputFormat() == "json" {
		return json.NewEncoder(os.Stdout).Encode(resp)
	}

	switch {
	case resp.Deduplicated:
		printInfo("%s %s", output.MutedStyle.Render("unchanged"), resp.URL)
	case resp.Multipart:
		printInfo("%s %s (%s in %d parts)", output.SuccessStyle.Render("uploaded"), resp.URL,
			humanize.IBytes(uint64(resp.Bytes)), resp.Parts)
	default:
		printInfo("%s %s (%s)", output.SuccessStyle.Render("uploaded"), resp.URL, humanize.IBytes(uint64(resp.Bytes)))
	}
	if resp.Fallback {
		printVerbose("multipart upload failed, fell back to a single put")
	}
	return nil
}
