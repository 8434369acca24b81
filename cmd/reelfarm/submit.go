package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/output"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/spf13/cobra"
)

var submitOpts submitOptions

var submitCmd = &cobra.Command{
	Use:   "submit [type] [-- command...]",
	Short: "Submit a render task",
	Long: `Submit a task to reelfarmd and print its ID.

The task type is one of video_encode, video_decode, video_filter,
video_concat, audio_process or image_process. Everything after -- is the
command to run. It may use these placeholders:

  {in:N}     local path of the Nth input, fetched through the cache
  {out}      the output path
  {quality}  the encode quality the tuner currently asks for

A YAML or JSON job file can describe the whole task; flags override it.

Examples:
  reelfarm submit video_encode -i https://cdn.example/raw.mov -o /tmp/out.mp4 \
      --cpu-command "ffmpeg -i {in:0} -c:v libx264 -preset {quality} {out}" \
      -- ffmpeg -i {in:0} -c:v h264_nvenc -preset {quality} {out}
  reelfarm submit -f job.yaml --priority urgent --wait`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	f := submitCmd.Flags()
	f.StringVarP(&submitOpts.jobFile, "file", "f", "", "job file (YAML or JSON)")
	f.StringVarP(&submitOpts.priority, "priority", "p", "", "urgent, high, normal or low (default normal)")
	f.StringSliceVarP(&submitOpts.inputs, "input", "i", nil, "input locator (repeatable)")
	f.StringVar(&submitOpts.output, "out", "", "local output path")
	f.StringVarP(&submitOpts.uploadKey, "upload", "u", "", "object key to upload the output to")
	f.StringVar(&submitOpts.cpuCommand, "cpu-command", "", "command for the CPU lane")
	f.StringVar(&submitOpts.gpuMemory, "gpu-mem", "", "GPU memory the job needs (e.g. 2G)")
	f.DurationVar(&submitOpts.timeout, "timeout", 0, "wall-clock limit for the job")
	f.BoolVarP(&submitOpts.wait, "wait", "w", false, "wait for the task to finish")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	typeArg, command, err := splitAtDash(args, cmd.ArgsLenAtDash())
	if err != nil {
		return err
	}
	taskType, priority, spec, err := buildSubmission(submitOpts, typeArg, command)
	if err != nil {
		return err
	}

	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.Submit(cmd.Context(), taskType, priority, spec)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	printVerbose("submitted %s task %s", taskType, id)

	if !submitOpts.wait {
		if outputFormat() == "json" {
			return json.NewEncoder(os.Stdout).Encode(map[string]string{"id": id})
		}
		fmt.Println(id)
		return nil
	}

	printInfo("Waiting for %s", id)
	rec, err := c.Wait(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}
	if err := writeReport(os.Stdout, &output.Report{Tasks: []types.TaskRecord{rec}, DaemonUp: true, Now: time.Now()}); err != nil {
		return err
	}
	if rec.Status != types.StatusCompleted {
		return fmt.Errorf("task %s %s", rec.ID, rec.Status)
	}
	return nil
}
