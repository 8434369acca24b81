package scheduler

import (
	"strings"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// Rule maps a lowercase stderr substring to a failure category.
type Rule struct {
	Pattern  string
	Category types.FailureCategory
}

// DefaultRules recognise NVENC/CUDA failures worth retrying on the CPU lane.
// Order matters: the first matching rule wins.
var DefaultRules = []Rule{
	{"cuda_error_out_of_memory", types.FailureGPUMemory},
	{"out of memory", types.FailureGPUMemory},
	{"insufficient memory", types.FailureGPUMemory},

	{"3221225477", types.FailureGPUDriver},
	{"0xc0000005", types.FailureGPUDriver},
	{"access violation", types.FailureGPUDriver},

	{"encoder initialization failed", types.FailureGPUEncoderInit},
	{"cannot load encoder", types.FailureGPUEncoderInit},
	{"openencodesessionex failed", types.FailureGPUEncoderInit},
	{"no nvenc capable devices found", types.FailureGPUEncoderInit},
	{"invalid param", types.FailureGPUEncoderInit},

	{"failed locking bitstream buffer", types.FailureGPUEncode},
	{"error submitting video frame", types.FailureGPUEncode},
	{"error encoding a frame", types.FailureGPUEncode},
}

// Classifier assigns a category to a failed job from its stderr.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns a classifier over rules, or DefaultRules when nil.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	norm := make([]Rule, len(rules))
	for i, r := range rules {
		norm[i] = Rule{Pattern: strings.ToLower(r.Pattern), Category: r.Category}
	}
	return &Classifier{rules: norm}
}

// Classify returns the first matching category, or FailureUnknown.
func (c *Classifier) Classify(stderr string) types.FailureCategory {
	s := strings.ToLower(stderr)
	for _, r := range c.rules {
		if r.Pattern != "" && strings.Contains(s, r.Pattern) {
			return r.Category
		}
	}
	return types.FailureUnknown
}
