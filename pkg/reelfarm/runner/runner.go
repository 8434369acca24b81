// Package runner executes one opaque job command with a wall-clock limit.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// DefaultTailSize is how much stdout/stderr is kept per stream.
const DefaultTailSize = 64 * 1024

// ErrNonZeroExit is returned alongside a Result whose ExitCode is not zero.
var ErrNonZeroExit = errors.New("non-zero exit")

// Command is one job invocation.
type Command struct {
	Args    []string
	Class   types.ResourceClass
	Env     []string
	Dir     string
	Timeout time.Duration
}

// Result is what the job produced.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner runs commands. The scheduler depends on this interface.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands as local processes.
type Exec struct {
	// TailSize caps captured output per stream. Zero uses DefaultTailSize.
	TailSize int
}

// Run starts cmd.Args and waits for it. Exit codes other than zero are
// returned as ErrNonZeroExit with the Result filled in. When the timeout
// elapses the process is killed and types.ErrTimeout is returned. A cancelled
// ctx returns ctx.Err().
func (e Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, types.ErrEmptyCommand
	}
	tail := e.TailSize
	if tail <= 0 {
		tail = DefaultTailSize
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(runCtx, cmd.Args[0], cmd.Args[1:]...)
	proc.Dir = cmd.Dir
	proc.Env = append(os.Environ(), cmd.Env...)
	proc.Env = append(proc.Env, "REELFARM_RESOURCE_CLASS="+string(cmd.Class))
	proc.WaitDelay = 2 * time.Second

	stdout := newTailBuffer(tail)
	stderr := newTailBuffer(tail)
	proc.Stdout = stdout
	proc.Stderr = stderr

	logger := logging.Get("runner")
	logger.Debug("starting job", "argv0", cmd.Args[0], "class", cmd.Class, "timeout", cmd.Timeout)

	start := time.Now()
	err := proc.Run()
	res := Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if proc.ProcessState != nil {
		res.ExitCode = proc.ProcessState.ExitCode()
	}

	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		logger.Warn("job timed out", "argv0", cmd.Args[0], "timeout", cmd.Timeout)
		return res, fmt.Errorf("%w after %s", types.ErrTimeout, cmd.Timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, fmt.Errorf("%w: %d", ErrNonZeroExit, res.ExitCode)
	}
	return res, fmt.Errorf("starting %s: %w", cmd.Args[0], err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) >= t.max {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.max:])
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
