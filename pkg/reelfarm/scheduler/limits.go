package scheduler

import (
	"sync/atomic"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// LiveLimits holds the lane caps. The tuner writes them; the dispatcher
// reads them once per admission pass.
type LiveLimits struct {
	p atomic.Pointer[types.SchedulerLimits]
}

// NewLiveLimits returns limits initialised to l.
func NewLiveLimits(l types.SchedulerLimits) *LiveLimits {
	ll := &LiveLimits{}
	ll.Store(l)
	return ll
}

// Load returns the current limits.
func (l *LiveLimits) Load() types.SchedulerLimits {
	return *l.p.Load()
}

// Store replaces the limits.
func (l *LiveLimits) Store(v types.SchedulerLimits) {
	l.p.Store(&v)
}

// Update applies fn atomically and returns the stored value.
func (l *LiveLimits) Update(fn func(types.SchedulerLimits) types.SchedulerLimits) types.SchedulerLimits {
	for {
		old := l.p.Load()
		next := fn(*old)
		if l.p.CompareAndSwap(old, &next) {
			return next
		}
	}
}
