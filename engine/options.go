package engine

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/inference-runtime/engine/trace"
)

// Eviction policies applied when every resident cache entry is in flight.
const (
	EvictionBlock = "block" // wait until an in-flight entry is unpinned
	EvictionFail  = "fail"  // fail fast with ErrCapacityExceeded
)

// Scheduling policies choosing between the decode and prefill queues.
const (
	PolicyDecodeFirst  = "decode-first"
	PolicyPrefillFirst = "prefill-first"
	PolicyAlternate    = "alternate"
)

// Admission policies gating Submit before the queue-depth check.
const (
	AdmissionQueueDepth  = "queue-depth"
	AdmissionTokenBucket = "token-bucket"
)

// ValidEvictionPolicies is the set of recognized eviction policy names.
var ValidEvictionPolicies = map[string]bool{"": true, EvictionBlock: true, EvictionFail: true}

// ValidSchedulingPolicies is the set of recognized scheduling policy names.
var ValidSchedulingPolicies = map[string]bool{"": true, PolicyDecodeFirst: true, PolicyPrefillFirst: true, PolicyAlternate: true}

// ValidAdmissionPolicies is the set of recognized admission policy names.
var ValidAdmissionPolicies = map[string]bool{"": true, AdmissionQueueDepth: true, AdmissionTokenBucket: true}

// AdmissionConfig holds admission policy configuration.
type AdmissionConfig struct {
	Policy                string  `yaml:"policy"`
	TokenBucketCapacity   float64 `yaml:"token_bucket_capacity"`    // tokens
	TokenBucketRefillRate float64 `yaml:"token_bucket_refill_rate"` // tokens per second
}

// Options is the read-only runtime configuration. Every field has an explicit
// default in DefaultOptions; there are no hidden globals.
type Options struct {
	MaxBatchSize           int             `yaml:"max_batch_size"`
	MaxBatchWaitTime       time.Duration   `yaml:"max_batch_wait_time"`
	MaxQueueDepth          int             `yaml:"max_queue_depth"`
	MaxQueueWait           time.Duration   `yaml:"max_queue_wait"` // 0 disables queue timeouts
	MaxSessions            int             `yaml:"max_sessions"`
	MaxBytesTotal          int64           `yaml:"max_bytes_total"`
	MaxTokensPerSession    int             `yaml:"max_tokens_per_session"`
	SlideDropCount         int             `yaml:"slide_drop_count"` // positions dropped when a full entry takes a new token
	DeterministicMode      bool            `yaml:"deterministic_mode"`
	MaxDegreeOfParallelism int             `yaml:"max_degree_of_parallelism"`
	EvictionPolicy         string          `yaml:"eviction_policy"`
	SchedulingPolicy       string          `yaml:"scheduling_policy"`
	Admission              AdmissionConfig `yaml:"admission"`
	TraceLevel             string          `yaml:"trace_level"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxBatchSize:           8,
		MaxBatchWaitTime:       5 * time.Millisecond,
		MaxQueueDepth:          256,
		MaxQueueWait:           0,
		MaxSessions:            64,
		MaxBytesTotal:          512 << 20,
		MaxTokensPerSession:    2048,
		SlideDropCount:         1,
		DeterministicMode:      false,
		MaxDegreeOfParallelism: 4,
		EvictionPolicy:         EvictionBlock,
		SchedulingPolicy:       PolicyDecodeFirst,
		Admission: AdmissionConfig{
			Policy:                AdmissionQueueDepth,
			TokenBucketCapacity:   4096,
			TokenBucketRefillRate: 4096,
		},
		TraceLevel: string(trace.TraceLevelNone),
	}
}

// LoadOptions reads a YAML options file on top of DefaultOptions.
// Unknown fields are rejected so that typos fail loudly.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading runtime options: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&opts); err != nil {
		return opts, fmt.Errorf("parsing runtime options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate checks that all policy names and parameter ranges are valid.
func (o Options) Validate() error {
	if o.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be > 0, got %d", o.MaxBatchSize)
	}
	if o.MaxBatchWaitTime < 0 {
		return fmt.Errorf("max_batch_wait_time must be non-negative, got %v", o.MaxBatchWaitTime)
	}
	if o.MaxQueueDepth <= 0 {
		return fmt.Errorf("max_queue_depth must be > 0, got %d", o.MaxQueueDepth)
	}
	if o.MaxQueueWait < 0 {
		return fmt.Errorf("max_queue_wait must be non-negative, got %v", o.MaxQueueWait)
	}
	if o.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be > 0, got %d", o.MaxSessions)
	}
	if o.MaxBytesTotal <= 0 {
		return fmt.Errorf("max_bytes_total must be > 0, got %d", o.MaxBytesTotal)
	}
	if o.MaxTokensPerSession <= 0 {
		return fmt.Errorf("max_tokens_per_session must be > 0, got %d", o.MaxTokensPerSession)
	}
	if o.SlideDropCount <= 0 || o.SlideDropCount > o.MaxTokensPerSession {
		return fmt.Errorf("slide_drop_count must be in [1, %d], got %d", o.MaxTokensPerSession, o.SlideDropCount)
	}
	if o.MaxDegreeOfParallelism <= 0 {
		return fmt.Errorf("max_degree_of_parallelism must be > 0, got %d", o.MaxDegreeOfParallelism)
	}
	if !ValidEvictionPolicies[o.EvictionPolicy] {
		return fmt.Errorf("unknown eviction policy %q", o.EvictionPolicy)
	}
	if !ValidSchedulingPolicies[o.SchedulingPolicy] {
		return fmt.Errorf("unknown scheduling policy %q", o.SchedulingPolicy)
	}
	if !ValidAdmissionPolicies[o.Admission.Policy] {
		return fmt.Errorf("unknown admission policy %q", o.Admission.Policy)
	}
	if o.Admission.TokenBucketCapacity < 0 {
		return fmt.Errorf("token_bucket_capacity must be non-negative, got %f", o.Admission.TokenBucketCapacity)
	}
	if o.Admission.TokenBucketRefillRate < 0 {
		return fmt.Errorf("token_bucket_refill_rate must be non-negative, got %f", o.Admission.TokenBucketRefillRate)
	}
	if !trace.IsValidTraceLevel(o.TraceLevel) {
		return fmt.Errorf("unknown trace level %q", o.TraceLevel)
	}
	return nil
}

// YAML renders the options in the same format LoadOptions reads.
func (o Options) YAML() ([]byte, error) {
	return yaml.Marshal(o)
}
