package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobSpec is the part of every payload the dispatcher understands. The argv
// is opaque to the scheduler apart from placeholder substitution:
//
//	{in:N}     local path of the Nth materialized input
//	{out}      the output path
//	{quality}  the encode quality hint currently set by the tuner
type JobSpec struct {
	// Command is the argv for the GPU lane, and for the CPU lane when
	// CPUCommand is empty.
	Command []string `json:"command"`

	// CPUCommand is the argv used when the task runs on the CPU lane.
	CPUCommand []string `json:"cpu_command,omitempty"`

	// Inputs are remote or local locators fetched through the content cache
	// before the job starts.
	Inputs []string `json:"inputs,omitempty"`

	// Output is the local path the job writes.
	Output string `json:"output,omitempty"`

	// UploadKey, when set, uploads Output through the transfer engine.
	UploadKey string `json:"upload_key,omitempty"`

	// GPUMemoryMB is the GPU memory the job needs to be admitted on the GPU lane.
	GPUMemoryMB int64 `json:"gpu_memory_mb,omitempty"`

	// Timeout bounds the job's wall-clock time. Zero uses the scheduler default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// CommandFor returns the argv to run on the given lane.
func (s JobSpec) CommandFor(class ResourceClass) []string {
	if class == ClassCPU && len(s.CPUCommand) > 0 {
		return s.CPUCommand
	}
	return s.Command
}

// ErrEmptyCommand is returned when a payload has nothing to run.
var ErrEmptyCommand = errors.New("payload has no command")

// Validate checks that the spec can be dispatched.
func (s JobSpec) Validate() error {
	if len(s.Command) == 0 && len(s.CPUCommand) == 0 {
		return ErrEmptyCommand
	}
	if s.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", s.Timeout)
	}
	if s.GPUMemoryMB < 0 {
		return fmt.Errorf("negative gpu memory %d", s.GPUMemoryMB)
	}
	return nil
}

// Payload is the tagged union of task bodies. Each variant maps to exactly
// one TaskType.
type Payload interface {
	TaskType() TaskType
	Spec() JobSpec
}

// EncodeJob encodes or transcodes video.
type EncodeJob struct {
	JobSpec
	Codec string `json:"codec,omitempty"`
}

// DecodeJob decodes video, e.g. to extract frames.
type DecodeJob struct {
	JobSpec
}

// FilterJob applies a filter graph to video.
type FilterJob struct {
	JobSpec
	Graph string `json:"graph,omitempty"`
}

// ConcatJob joins several clips.
type ConcatJob struct {
	JobSpec
}

// AudioJob processes an audio track.
type AudioJob struct {
	JobSpec
}

// ImageJob processes still images such as posters or thumbnails.
type ImageJob struct {
	JobSpec
}

func (EncodeJob) TaskType() TaskType { return TaskVideoEncode }
func (DecodeJob) TaskType() TaskType { return TaskVideoDecode }
func (FilterJob) TaskType() TaskType { return TaskVideoFilter }
func (ConcatJob) TaskType() TaskType { return TaskVideoConcat }
func (AudioJob) TaskType() TaskType  { return TaskAudioProcess }
func (ImageJob) TaskType() TaskType  { return TaskImageProcess }

func (j EncodeJob) Spec() JobSpec { return j.JobSpec }
func (j DecodeJob) Spec() JobSpec { return j.JobSpec }
func (j FilterJob) Spec() JobSpec { return j.JobSpec }
func (j ConcatJob) Spec() JobSpec { return j.JobSpec }
func (j AudioJob) Spec() JobSpec  { return j.JobSpec }
func (j ImageJob) Spec() JobSpec  { return j.JobSpec }

// NewPayload builds the variant for t around spec.
func NewPayload(t TaskType, spec JobSpec) (Payload, error) {
	switch t {
	case TaskVideoEncode:
		return EncodeJob{JobSpec: spec}, nil
	case TaskVideoDecode:
		return DecodeJob{JobSpec: spec}, nil
	case TaskVideoFilter:
		return FilterJob{JobSpec: spec}, nil
	case TaskVideoConcat:
		return ConcatJob{JobSpec: spec}, nil
	case TaskAudioProcess:
		return AudioJob{JobSpec: spec}, nil
	case TaskImageProcess:
		return ImageJob{JobSpec: spec}, nil
	default:
		return nil, fmt.Errorf("unknown task type %q", t)
	}
}

// DecodePayload decodes raw JSON into the variant selected by t.
func DecodePayload(t TaskType, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TaskVideoEncode:
		var v EncodeJob
		err = json.Unmarshal(raw, &v)
		p = v
	case TaskVideoDecode:
		var v DecodeJob
		err = json.Unmarshal(raw, &v)
		p = v
	case TaskVideoFilter:
		var v FilterJob
		err = json.Unmarshal(raw, &v)
		p = v
	case TaskVideoConcat:
		var v ConcatJob
		err = json.Unmarshal(raw, &v)
		p = v
	case TaskAudioProcess:
		var v AudioJob
		err = json.Unmarshal(raw, &v)
		p = v
	case TaskImageProcess:
		var v ImageJob
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown task type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

type recordJSON struct {
	taskRecordAlias
	Payload json.RawMessage `json:"payload,omitempty"`
}

type taskRecordAlias TaskRecord

// MarshalJSON encodes the record with its payload. The type field doubles as
// the payload discriminator.
func (r TaskRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{taskRecordAlias: taskRecordAlias(r)}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a record written by MarshalJSON.
func (r *TaskRecord) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = TaskRecord(in.taskRecordAlias)
	if len(in.Payload) > 0 && string(in.Payload) != "null" {
		p, err := DecodePayload(r.Type, in.Payload)
		if err != nil {
			return err
		}
		r.Payload = p
	}
	return nil
}
