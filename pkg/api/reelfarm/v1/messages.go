package reelfarmv1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/cache"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/scheduler"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/tuner"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// SubmitRequest enqueues a task. Payload is the JSON body of the variant
// selected by Type.
type SubmitRequest struct {
	Type     string          `json:"type"`
	Priority string          `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// SubmitResponse carries the new task ID.
type SubmitResponse struct {
	ID string `json:"id"`
}

// TaskRequest addresses one task.
type TaskRequest struct {
	ID string `json:"id"`
}

// ListRequest filters ListTasks. History includes archived tasks.
type ListRequest struct {
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	History bool   `json:"history,omitempty"`
}

// ListResponse holds tasks in submission order.
type ListResponse struct {
	Tasks []types.TaskRecord `json:"tasks"`
}

// CancelResponse reports a cancellation.
type CancelResponse struct {
	ID     string       `json:"id"`
	Status types.Status `json:"status"`
}

// StatusResponse is the daemon health and scheduler view.
type StatusResponse struct {
	Version         string                 `json:"version"`
	UptimeSeconds   int64                  `json:"uptime_seconds"`
	MemoryBytes     int64                  `json:"memory_bytes"`
	Backend         string                 `json:"backend"`
	Scheduler       scheduler.Stats        `json:"scheduler"`
	Resources       types.ResourceSnapshot `json:"resources"`
	Recommendations []tuner.Recommendation `json:"recommendations,omitempty"`
}

// CacheRequest asks for cache state. Entries includes the index listing.
type CacheRequest struct {
	Entries bool `json:"entries,omitempty"`
}

// CacheEntry is one indexed cache item.
type CacheEntry struct {
	Locator      string `json:"locator"`
	Fingerprint  string `json:"fingerprint"`
	Path         string `json:"path"`
	Kind         string `json:"kind"`
	Size         int64  `json:"size"`
	CachedAt     int64  `json:"cached_at"`
	LastAccessed int64  `json:"last_accessed"`
}

// CacheResponse carries cache statistics.
type CacheResponse struct {
	Stats   cache.Stats  `json:"stats"`
	Dir     string       `json:"dir"`
	Entries []CacheEntry `json:"entries,omitempty"`
}

// ClearCacheRequest removes one locator, or everything when Locator is empty.
type ClearCacheRequest struct {
	Locator string `json:"locator,omitempty"`
}

// ClearCacheResponse reports how many entries were removed.
type ClearCacheResponse struct {
	Removed int `json:"removed"`
}

// PreloadRequest warms the cache.
type PreloadRequest struct {
	Locators []string `json:"locators"`
}

// PreloadResponse maps each locator to its local path or error message.
type PreloadResponse struct {
	Paths  map[string]string `json:"paths,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

// UploadRequest uploads a file readable by the daemon.
type UploadRequest struct {
	Path string `json:"path"`
	Key  string `json:"key"`
}

// UploadResponse describes the stored object.
type UploadResponse struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	Bytes        int64  `json:"bytes"`
	Deduplicated bool   `json:"deduplicated"`
	Multipart    bool   `json:"multipart"`
	Parts        int    `json:"parts,omitempty"`
	Fallback     bool   `json:"fallback,omitempty"`
}

// WatchRequest filters the task event stream. An empty ID streams every task.
type WatchRequest struct {
	ID string `json:"id,omitempty"`
}

// Empty is used where a call has no arguments or results.
type Empty struct{}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %T: not an object: %w", v, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// Decode fills v from a Struct produced by Encode. A nil Struct leaves v
// untouched.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
