package output

import (
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// document is the structured shape shared by the json and yaml formatters.
type document struct {
	Tasks           []taskDoc           `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Scheduler       *schedulerDoc       `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Resources       *resourcesDoc       `json:"resources,omitempty" yaml:"resources,omitempty"`
	Cache           *cacheDoc           `json:"cache,omitempty" yaml:"cache,omitempty"`
	Recommendations []recommendationDoc `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
	Meta            metaDoc             `json:"meta" yaml:"meta"`
}

type taskDoc struct {
	ID          string     `json:"id" yaml:"id"`
	Type        string     `json:"type" yaml:"type"`
	Priority    string     `json:"priority" yaml:"priority"`
	Status      string     `json:"status" yaml:"status"`
	Class       string     `json:"class,omitempty" yaml:"class,omitempty"`
	Attempts    int        `json:"attempts" yaml:"attempts"`
	Progress    float64    `json:"progress" yaml:"progress"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Elapsed     string     `json:"elapsed,omitempty" yaml:"elapsed,omitempty"`
	Output      string     `json:"output,omitempty" yaml:"output,omitempty"`
	RemoteURL   string     `json:"remote_url,omitempty" yaml:"remote_url,omitempty"`
	ExitCode    int        `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind   string     `json:"error_category,omitempty" yaml:"error_category,omitempty"`
}

type schedulerDoc struct {
	Queued        int    `json:"queued" yaml:"queued"`
	RunningGPU    int    `json:"running_gpu" yaml:"running_gpu"`
	RunningCPU    int    `json:"running_cpu" yaml:"running_cpu"`
	Completed     int    `json:"completed" yaml:"completed"`
	Failed        int    `json:"failed" yaml:"failed"`
	Cancelled     int    `json:"cancelled" yaml:"cancelled"`
	MaxGPUTasks   int    `json:"max_gpu_tasks" yaml:"max_gpu_tasks"`
	MaxCPUTasks   int    `json:"max_cpu_tasks" yaml:"max_cpu_tasks"`
	EncodeQuality string `json:"encode_quality" yaml:"encode_quality"`
}

type resourcesDoc struct {
	TakenAt     time.Time `json:"taken_at" yaml:"taken_at"`
	CPUPercent  float64   `json:"cpu_percent" yaml:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent" yaml:"mem_percent"`
	GPUPresent  bool      `json:"gpu_present" yaml:"gpu_present"`
	GPUUtil     float64   `json:"gpu_util_percent,omitempty" yaml:"gpu_util_percent,omitempty"`
	GPUMemUsed  int64     `json:"gpu_mem_used,omitempty" yaml:"gpu_mem_used,omitempty"`
	GPUMemTotal int64     `json:"gpu_mem_total,omitempty" yaml:"gpu_mem_total,omitempty"`
	GPUTempC    float64   `json:"gpu_temp_c,omitempty" yaml:"gpu_temp_c,omitempty"`
}

type cacheDoc struct {
	Entries    int            `json:"entries" yaml:"entries"`
	Bytes      int64          `json:"bytes" yaml:"bytes"`
	BytesHuman string         `json:"bytes_human" yaml:"bytes_human"`
	MaxBytes   int64          `json:"max_bytes" yaml:"max_bytes"`
	MaxEntries int            `json:"max_entries" yaml:"max_entries"`
	Hits       uint64         `json:"hits" yaml:"hits"`
	Misses     uint64         `json:"misses" yaml:"misses"`
	Evictions  uint64         `json:"evictions" yaml:"evictions"`
	ByKind     map[string]int `json:"by_kind,omitempty" yaml:"by_kind,omitempty"`
}

type recommendationDoc struct {
	At       time.Time `json:"at" yaml:"at"`
	Reason   string    `json:"reason" yaml:"reason"`
	Action   string    `json:"action" yaml:"action"`
	Observed float64   `json:"observed" yaml:"observed"`
}

type metaDoc struct {
	DaemonUp bool     `json:"daemon_up" yaml:"daemon_up"`
	Total    int      `json:"total_tasks" yaml:"total_tasks"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// buildDocument converts a Report to the structured output shape.
func buildDocument(r *Report) document {
	now := r.now()
	doc := document{
		Meta: metaDoc{DaemonUp: r.DaemonUp, Total: len(r.Tasks), Warnings: r.Warnings},
	}

	for _, t := range r.Tasks {
		td := taskDoc{
			ID:          t.ID,
			Type:        string(t.Type),
			Priority:    t.Priority.String(),
			Status:      string(t.Status),
			Class:       string(t.Class),
			Attempts:    t.Attempts,
			Progress:    t.Progress,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
		}
		if d := t.Elapsed(now); d > 0 {
			td.Elapsed = formatDuration(d)
		}
		if t.Result != nil {
			td.Output = t.Result.OutputPath
			td.RemoteURL = t.Result.RemoteURL
			td.ExitCode = t.Result.ExitCode
		}
		if t.Error != nil {
			td.Error = t.Error.Message
			td.ErrorKind = string(t.Error.Category)
			td.ExitCode = t.Error.ExitCode
		}
		doc.Tasks = append(doc.Tasks, td)
	}

	if s := r.Scheduler; s != nil {
		doc.Scheduler = &schedulerDoc{
			Queued:        s.Queued,
			RunningGPU:    s.RunningGPU,
			RunningCPU:    s.RunningCPU,
			Completed:     s.Completed,
			Failed:        s.Failed,
			Cancelled:     s.Cancelled,
			MaxGPUTasks:   s.Limits.MaxGPUTasks,
			MaxCPUTasks:   s.Limits.MaxCPUTasks,
			EncodeQuality: string(s.Limits.Quality),
		}
	}

	if s := r.Resources; s != nil {
		doc.Resources = &resourcesDoc{
			TakenAt:     s.TakenAt,
			CPUPercent:  s.CPUPercent,
			MemPercent:  s.MemPercent,
			GPUPresent:  s.GPUPresent(),
			GPUUtil:     s.GPUUtilPercent,
			GPUMemUsed:  s.GPUMemUsed,
			GPUMemTotal: s.GPUMemTotal,
			GPUTempC:    s.GPUTempC,
		}
	}

	if c := r.Cache; c != nil {
		doc.Cache = &cacheDoc{
			Entries:    c.Entries,
			Bytes:      c.Bytes,
			BytesHuman: types.FormatSize(c.Bytes),
			MaxBytes:   c.MaxBytes,
			MaxEntries: c.MaxEntries,
			Hits:       c.Hits,
			Misses:     c.Misses,
			Evictions:  c.Evictions,
		}
		if len(c.ByKind) > 0 {
			doc.Cache.ByKind = make(map[string]int, len(c.ByKind))
			for k, n := range c.ByKind {
				doc.Cache.ByKind[string(k)] = n
			}
		}
	}

	for _, rec := range r.Recommendations {
		doc.Recommendations = append(doc.Recommendations, recommendationDoc(rec))
	}
	return doc
}
