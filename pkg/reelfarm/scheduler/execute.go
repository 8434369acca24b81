package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/runner"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/tracing"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"go.opentelemetry.io/otel/attribute"
)

const stdoutTailSize = 2048

// Progress milestones for one attempt.
const (
	progressInputsReady = 10
	progressJobDone     = 90
)

// run performs one attempt: materialize inputs, run the job, upload the
// output. The returned category is meaningful only when err is non-nil.
func (d *Dispatcher) run(ctx context.Context, t *task, class types.ResourceClass, quality types.EncodeQuality) (res *types.TaskResult, category types.FailureCategory, err error) {
	spec := t.rec.Payload.Spec()
	ctx, span := tracing.Start(ctx, "scheduler.execute",
		attribute.String("task.id", t.rec.ID),
		attribute.String("task.type", string(t.rec.Type)),
		attribute.String("lane", string(class)))
	defer func() { tracing.End(span, err) }()

	inputs, category, err := d.materialize(ctx, spec.Inputs)
	if err != nil {
		return nil, category, err
	}
	d.setProgress(t, progressInputsReady)

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	args, err := expandArgs(spec.CommandFor(class), inputs, spec.Output, quality)
	if err != nil {
		return nil, types.FailureInvalid, err
	}
	out, err := d.opts.Runner.Run(ctx, runner.Command{
		Args:    args,
		Class:   class,
		Timeout: timeout,
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, "", ctx.Err()
	case errors.Is(err, types.ErrTimeout):
		return nil, types.FailureTimeout, err
	case errors.Is(err, runner.ErrNonZeroExit):
		return nil, d.opts.Classifier.Classify(out.Stderr), &types.ExecutionError{
			Class:      class,
			ExitCode:   out.ExitCode,
			StderrTail: lastLines(out.Stderr, 3),
		}
	default:
		return nil, types.FailureUnknown, err
	}
	d.setProgress(t, progressJobDone)

	res = &types.TaskResult{
		ExitCode:   out.ExitCode,
		OutputPath: spec.Output,
		Duration:   out.Duration,
		StdoutTail: tail(out.Stdout, stdoutTailSize),
	}

	if spec.UploadKey != "" && d.opts.Uploader != nil {
		up, err := d.opts.Uploader.UploadFile(ctx, spec.Output, spec.UploadKey, func(p float64) {
			d.setProgress(t, progressJobDone+p*(100-progressJobDone)/100)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			return nil, types.FailureTransfer, fmt.Errorf("uploading output: %w", err)
		}
		res.RemoteURL = up.URL
		res.Deduplicated = up.Deduplicated
	}
	return res, "", nil
}

// materialize resolves every input locator to a local path. Without a cache
// the locators are used as paths verbatim.
func (d *Dispatcher) materialize(ctx context.Context, locators []string) ([]string, types.FailureCategory, error) {
	paths := make([]string, len(locators))
	for i, loc := range locators {
		if d.opts.Inputs == nil {
			paths[i] = loc
			continue
		}
		p, err := d.opts.Inputs.GetOrFetch(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			if errors.Is(err, types.ErrValidation) {
				return nil, types.FailureValidation, err
			}
			return nil, types.FailureCacheFetch, err
		}
		paths[i] = p
	}
	return paths, "", nil
}

// expandArgs substitutes {in:N}, {out} and {quality} in every argument. An
// {in:N} without a matching input is an error.
func expandArgs(args, inputs []string, output string, quality types.EncodeQuality) ([]string, error) {
	pairs := []string{"{out}", output, "{quality}", string(quality)}
	for i, in := range inputs {
		pairs = append(pairs, "{in:"+strconv.Itoa(i)+"}", in)
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
		if strings.Contains(out[i], "{in:") {
			return nil, fmt.Errorf("argument %q references a missing input (%d given)", a, len(inputs))
		}
	}
	return out, nil
}

func (d *Dispatcher) setProgress(t *task, p float64) {
	if p > 100 {
		p = 100
	}
	d.mu.Lock()
	if t.rec.Status != types.StatusRunning || int(p) <= int(t.rec.Progress) {
		d.mu.Unlock()
		return
	}
	t.rec.Progress = p
	rec := t.rec.Clone()
	d.mu.Unlock()
	d.emit(rec)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
