package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Validator checks a downloaded file before it enters the cache.
type Validator interface {
	Validate(ctx context.Context, path string) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, path string) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, path string) error { return f(ctx, path) }

// criticalProbeErrors fail validation; other ffmpeg complaints are noise
// from files that still decode.
var criticalProbeErrors = []string{
	"moov atom not found",
	"invalid data found when processing input",
	"end of file",
	"could not find codec parameters",
}

// ProbeValidator rejects empty files and video that ffmpeg cannot start
// decoding.
type ProbeValidator struct {
	// FFmpeg is the binary; empty or missing skips the probe.
	FFmpeg  string
	Timeout time.Duration
}

// Validate checks size, then probes video files.
func (v ProbeValidator) Validate(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("empty file")
	}

	ext := strings.ToLower(filepath.Ext(path))
	if KindOf(ext) != KindVideo || v.FFmpeg == "" {
		return nil
	}
	bin, err := exec.LookPath(v.FFmpeg)
	if err != nil {
		return nil
	}

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "-v", "error", "-i", path, "-t", "1", "-f", "null", "-").CombinedOutput()
	if ctx.Err() != nil {
		// Timed-out probes pass.
		return nil
	}
	lower := strings.ToLower(string(out))
	for _, c := range criticalProbeErrors {
		if strings.Contains(lower, c) {
			return fmt.Errorf("ffmpeg probe: %s", c)
		}
	}
	if err != nil && len(strings.TrimSpace(lower)) == 0 {
		return fmt.Errorf("ffmpeg probe: %w", err)
	}
	return nil
}
