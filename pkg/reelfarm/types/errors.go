package types

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Sentinel errors shared across packages.
var (
	// ErrTaskNotFound is returned for unknown or reaped task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when acting on a finished task.
	ErrTaskTerminal = errors.New("task already finished")

	// ErrResourceExhausted means no lane can take a task right now. It never
	// leaves the scheduler.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrTimeout is returned when a job exceeds its wall-clock limit.
	ErrTimeout = errors.New("job timed out")

	// ErrCacheFetch wraps fetch failures surfaced by the content cache.
	ErrCacheFetch = errors.New("cache fetch failed")

	// ErrValidation is returned when fetched content fails integrity checks.
	ErrValidation = errors.New("content validation failed")

	// ErrTransfer wraps upload failures.
	ErrTransfer = errors.New("transfer failed")
)

// FailureCategory classifies terminal task errors.
type FailureCategory string

// Failure categories.
const (
	FailureUnknown        FailureCategory = "unknown"
	FailureTimeout        FailureCategory = "timeout"
	FailureGPUMemory      FailureCategory = "gpu_out_of_memory"
	FailureGPUDriver      FailureCategory = "gpu_driver_fault"
	FailureGPUEncoderInit FailureCategory = "gpu_encoder_init"
	FailureGPUEncode      FailureCategory = "gpu_encode_error"
	FailureCacheFetch     FailureCategory = "cache_fetch"
	FailureValidation     FailureCategory = "validation"
	FailureTransfer       FailureCategory = "transfer"
	FailureInvalid        FailureCategory = "invalid_payload"
)

// IsGPU reports whether the category is a GPU-specific failure eligible for
// CPU fallback.
func (c FailureCategory) IsGPU() bool {
	switch c {
	case FailureGPUMemory, FailureGPUDriver, FailureGPUEncoderInit, FailureGPUEncode:
		return true
	default:
		return false
	}
}

// ExecutionError is a job that ran and exited non-zero.
type ExecutionError struct {
	Class      ResourceClass
	ExitCode   int
	StderrTail string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job exited with code %d on %s lane", e.ExitCode, e.Class)
}

// FetchError is a typed failure from a Fetcher.
type FetchError struct {
	Locator    string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.Locator, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Locator, e.Err)
}

// Temporary reports whether a retry could succeed: server errors, throttling
// and network failures. Client errors and local problems are final.
func (e *FetchError) Temporary() bool {
	switch {
	case e.StatusCode >= 500, e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode != 0, e.Err == nil, errors.Is(e.Err, context.Canceled):
		return false
	}
	var ne net.Error
	return errors.As(e.Err, &ne) || errors.Is(e.Err, io.ErrUnexpectedEOF)
}

// Unwrap exposes ErrCacheFetch alongside the cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCacheFetch}
	}
	return []error{ErrCacheFetch, e.Err}
}

// TransferError is an upload that failed after all retries and the fallback.
type TransferError struct {
	Key string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *TransferError) Unwrap() []error { return []error{ErrTransfer, e.Err} }
