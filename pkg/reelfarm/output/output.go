// Package output provides formatters for displaying reelfarm task, scheduler
// and cache state in various output formats (pretty, plain, json, yaml).
//
// The package uses a registry pattern so the CLI can select a formatter by
// name at runtime.
//
// Basic usage:
//
//	formatter, err := output.Get("pretty")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	var buf bytes.Buffer
//	if err := formatter.Format(&buf, report); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Print(buf.String())
package output

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/cache"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/scheduler"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/tuner"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// logger is the package-level logger for output operations.
var logger = logging.Get("output")

// Report is everything a formatter may render. Sections left nil or empty
// are skipped.
type Report struct {
	// Tasks are rendered as a table, in the given order.
	Tasks []types.TaskRecord

	// Scheduler holds queue depth, lane occupancy and live limits.
	Scheduler *scheduler.Stats

	// Resources is the latest monitor reading.
	Resources *types.ResourceSnapshot

	// Cache holds content cache statistics.
	Cache *cache.Stats

	// Recommendations are recent tuner decisions, oldest first.
	Recommendations []tuner.Recommendation

	// DaemonUp indicates whether the report came from a running daemon.
	DaemonUp bool

	// Warnings are shown after everything else.
	Warnings []string

	// Now is used for elapsed times; zero means time.Now.
	Now time.Time
}

func (r *Report) now() time.Time {
	if r.Now.IsZero() {
		return time.Now()
	}
	return r.Now
}

// Formatter is the interface that all output formatters must implement.
type Formatter interface {
	// Format writes the formatted output to the buffer.
	Format(w *bytes.Buffer, r *Report) error
}

// FormatterFactory is a function that creates a new Formatter instance.
type FormatterFactory func() Formatter

// Registry manages formatter registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FormatterFactory
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]FormatterFactory),
	}
}

// Register adds a formatter factory to the registry, replacing any existing
// formatter with the same name.
func (r *Registry) Register(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new formatter instance by name.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		logger.Debug("unknown formatter requested", "name", name)
		return nil, fmt.Errorf("unknown formatter: %s", name)
	}
	return factory(), nil
}

// Available returns a sorted list of all registered formatter names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter factory to the default registry.
func Register(name string, factory FormatterFactory) {
	DefaultRegistry.Register(name, factory)
}

// Get returns a new formatter instance from the default registry.
func Get(name string) (Formatter, error) {
	return DefaultRegistry.Get(name)
}

// Available returns all formatter names from the default registry.
func Available() []string {
	return DefaultRegistry.Available()
}
