// Package types provides the shared data model for the reelfarm render
// orchestrator: tasks and their payloads, resource snapshots, scheduler
// limits, and the error taxonomy used across packages.
package types

import (
	"fmt"
	"strings"
	"time"
)

// TaskType identifies the kind of work a task performs and selects its
// payload variant.
type TaskType string

// Task types.
const (
	TaskVideoEncode  TaskType = "video_encode"
	TaskVideoDecode  TaskType = "video_decode"
	TaskVideoFilter  TaskType = "video_filter"
	TaskVideoConcat  TaskType = "video_concat"
	TaskAudioProcess TaskType = "audio_process"
	TaskImageProcess TaskType = "image_process"
)

// AllTaskTypes lists every known task type.
var AllTaskTypes = []TaskType{
	TaskVideoEncode,
	TaskVideoDecode,
	TaskVideoFilter,
	TaskVideoConcat,
	TaskAudioProcess,
	TaskImageProcess,
}

// GPUEligible reports whether tasks of this type may run on the GPU lane.
func (t TaskType) GPUEligible() bool {
	switch t {
	case TaskVideoEncode, TaskVideoFilter, TaskVideoConcat:
		return true
	default:
		return false
	}
}

// ParseTaskType converts a string to a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	norm := TaskType(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range AllTaskTypes {
		if t == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Priority orders the dispatch queue. Lower values are more urgent.
type Priority int

// Priority tiers.
const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// ParsePriority accepts a tier name or its numeric value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent", "0":
		return PriorityUrgent, nil
	case "high", "1":
		return PriorityHigh, nil
	case "normal", "2", "":
		return PriorityNormal, nil
	case "low", "3":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the lifecycle state of a task.
type Status string

// Task states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ResourceClass names a dispatch lane.
type ResourceClass string

// Lanes.
const (
	ClassGPU ResourceClass = "gpu"
	ClassCPU ResourceClass = "cpu"
)

// TaskResult is the outcome of a successful task.
type TaskResult struct {
	// ExitCode of the job process (zero on success).
	ExitCode int `json:"exit_code"`

	// OutputPath is the local path the job wrote to, if any.
	OutputPath string `json:"output_path,omitempty"`

	// RemoteURL is set when the output was uploaded.
	RemoteURL string `json:"remote_url,omitempty"`

	// Deduplicated is true when the upload matched existing remote content.
	Deduplicated bool `json:"deduplicated,omitempty"`

	// Duration is the wall-clock run time of the job process.
	Duration time.Duration `json:"duration"`

	// StdoutTail holds the last part of the job's standard output.
	StdoutTail string `json:"stdout_tail,omitempty"`
}

// TaskError describes why a task failed. Category is always set.
type TaskError struct {
	Category FailureCategory `json:"category"`
	Message  string          `json:"message"`
	ExitCode int             `json:"exit_code,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// TaskRecord is a point-in-time copy of a task. The dispatcher owns the live
// task; callers only ever receive records.
type TaskRecord struct {
	ID          string        `json:"id"`
	Type        TaskType      `json:"type"`
	Priority    Priority      `json:"priority"`
	Payload     Payload       `json:"-"`
	Status      Status        `json:"status"`
	Class       ResourceClass `json:"class,omitempty"`
	Attempts    int           `json:"attempts"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Progress    float64       `json:"progress"`
	Result      *TaskResult   `json:"result,omitempty"`
	Error       *TaskError    `json:"error,omitempty"`
}

// Clone returns a deep copy of the record.
func (r TaskRecord) Clone() TaskRecord {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

// Elapsed returns how long the task has been running, or ran for.
func (r TaskRecord) Elapsed(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	return now.Sub(*r.StartedAt)
}
