package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/output"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// submitOptions holds the submit command's flags.
type submitOptions struct {
	jobFile    string
	priority   string
	inputs     []string
	output     string
	uploadKey  string
	cpuCommand string
	gpuMemory  string
	timeout    time.Duration
	wait       bool
}

// jobFile is the on-disk form of a job. Flags override its fields.
type jobFile struct {
	Type       string        `yaml:"type"`
	Priority   string        `yaml:"priority"`
	Command    []string      `yaml:"command"`
	CPUCommand []string      `yaml:"cpu_command"`
	Inputs     []string      `yaml:"inputs"`
	Output     string        `yaml:"output"`
	UploadKey  string        `yaml:"upload_key"`
	GPUMemory  string        `yaml:"gpu_memory"`
	Timeout    time.Duration `yaml:"timeout"`
}

// readJobFile decodes a YAML (or JSON) job description.
func readJobFile(path string) (*jobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}
	return &jf, nil
}

// buildSubmission merges the job file (if any), flags and the command line
// into the task type, priority and spec to submit. typeArg and command
// override what the job file says.
func buildSubmission(opts submitOptions, typeArg string, command []string) (types.TaskType, string, types.JobSpec, error) {
	jf := &jobFile{}
	if opts.jobFile != "" {
		var err error
		if jf, err = readJobFile(opts.jobFile); err != nil {
			return "", "", types.JobSpec{}, err
		}
	}

	typeName := jf.Type
	if typeArg != "" {
		typeName = typeArg
	}
	taskType, err := types.ParseTaskType(typeName)
	if err != nil {
		return "", "", types.JobSpec{}, err
	}

	priority := jf.Priority
	if opts.priority != "" {
		priority = opts.priority
	}
	if _, err := types.ParsePriority(priority); err != nil {
		return "", "", types.JobSpec{}, err
	}

	spec := types.JobSpec{
		Command:    jf.Command,
		CPUCommand: jf.CPUCommand,
		Inputs:     jf.Inputs,
		Output:     jf.Output,
		UploadKey:  jf.UploadKey,
		Timeout:    jf.Timeout,
	}
	if len(command) > 0 {
		spec.Command = command
	}
	if opts.cpuCommand != "" {
		spec.CPUCommand = strings.Fields(opts.cpuCommand)
	}
	if len(opts.inputs) > 0 {
		spec.Inputs = opts.inputs
	}
	if opts.output != "" {
		spec.Output = opts.output
	}
	if opts.uploadKey != "" {
		spec.UploadKey = opts.uploadKey
	}
	if opts.timeout > 0 {
		spec.Timeout = opts.timeout
	}

	gpuMem := jf.GPUMemory
	if opts.gpuMemory != "" {
		gpuMem = opts.gpuMemory
	}
	if gpuMem != "" {
		n, err := types.ParseSize(gpuMem)
		if err != nil {
			return "", "", types.JobSpec{}, fmt.Errorf("invalid gpu memory %q: %w", gpuMem, err)
		}
		spec.GPUMemoryMB = n / types.MiB
	}

	if err := spec.Validate(); err != nil {
		return "", "", types.JobSpec{}, err
	}
	return taskType, priority, spec, nil
}

// outputFormat returns the selected formatter name; --json wins over -o.
func outputFormat() string {
	if viper.GetBool("json") {
		return "json"
	}
	if f := viper.GetString("output"); f != "" {
		return f
	}
	return "pretty"
}

// writeReport renders r with the selected formatter.
func writeReport(w io.Writer, r *output.Report) error {
	formatter, err := output.Get(outputFormat())
	if err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(output.Available(), ", "))
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, r); err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// splitAtDash separates "type -- argv..." as cobra parsed it. Without a dash
// the first arg is the type and the rest is the command.
func splitAtDash(args []string, dash int) (string, []string, error) {
	before, after := args, []string(nil)
	if dash >= 0 {
		before, after = args[:dash], args[dash:]
	}
	switch {
	case len(before) == 0:
		return "", after, nil
	case dash < 0:
		return before[0], before[1:], nil
	case len(before) == 1:
		return before[0], after, nil
	default:
		return "", nil, fmt.Errorf("unexpected arguments before --: %v", before[1:])
	}
}
