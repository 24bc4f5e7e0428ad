package executor

import (
	"math"
	"slices"
	"sync"
	"time"
)

// latencyWindow is the number of most recent decode latencies kept for percentiles.
const latencyWindow = 4096

// Telemetry aggregates prefill and decode counters separately, because prefill
// cost scales with prompt length while decode cost is near constant per call.
// It is shared by every Executor of a runtime and safe for concurrent use.
type Telemetry struct {
	mu sync.Mutex

	prefillCalls  int64
	prefillTokens int64
	prefillTime   time.Duration

	decodeCalls  int64
	decodeTokens int64
	decodeTime   time.Duration

	ttft     time.Duration
	ttftSeen bool

	failures int64
	slides   int64

	// ring buffer of decode latencies in microseconds, preallocated
	latencies []int64
	next      int
	filled    bool
}

// TelemetrySnapshot is a point-in-time copy of Telemetry.
type TelemetrySnapshot struct {
	PrefillCalls           int64
	PrefillTokens          int64
	PrefillTime            time.Duration
	PrefillTokensPerSecond float64

	DecodeCalls           int64
	DecodeTokens          int64
	DecodeTime            time.Duration
	DecodeTokensPerSecond float64
	DecodeLatencyP50      time.Duration
	DecodeLatencyP99      time.Duration

	TimeToFirstToken time.Duration // elapsed time of the first successful prefill
	Failures         int64
	Slides           int64
}

// NewTelemetry creates an empty Telemetry.
func NewTelemetry() *Telemetry {
	return &Telemetry{latencies: make([]int64, latencyWindow)}
}

func (t *Telemetry) recordPrefill(tokens int, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prefillCalls++
	t.prefillTokens += int64(tokens)
	t.prefillTime += elapsed
	if !t.ttftSeen {
		t.ttft = elapsed
		t.ttftSeen = true
	}
}

func (t *Telemetry) recordDecode(elapsed time.Duration, slid bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decodeCalls++
	t.decodeTokens++
	t.decodeTime += elapsed
	if slid {
		t.slides++
	}
	t.latencies[t.next] = elapsed.Microseconds()
	t.next++
	if t.next == len(t.latencies) {
		t.next = 0
		t.filled = true
	}
}

func (t *Telemetry) recordFailure() {
	t.mu.Lock()
	t.failures++
	t.mu.Unlock()
}

// Snapshot returns the current counters and derived rates.
func (t *Telemetry) Snapshot() TelemetrySnapshot {
	t.mu.Lock()
	snap := TelemetrySnapshot{
		PrefillCalls:     t.prefillCalls,
		PrefillTokens:    t.prefillTokens,
		PrefillTime:      t.prefillTime,
		DecodeCalls:      t.decodeCalls,
		DecodeTokens:     t.decodeTokens,
		DecodeTime:       t.decodeTime,
		TimeToFirstToken: t.ttft,
		Failures:         t.failures,
		Slides:           t.slides,
	}
	n := t.next
	if t.filled {
		n = len(t.latencies)
	}
	window := slices.Clone(t.latencies[:n])
	t.mu.Unlock()

	snap.PrefillTokensPerSecond = tokensPerSecond(snap.PrefillTokens, snap.PrefillTime)
	snap.DecodeTokensPerSecond = tokensPerSecond(snap.DecodeTokens, snap.DecodeTime)
	if len(window) > 0 {
		slices.Sort(window)
		snap.DecodeLatencyP50 = time.Duration(calculatePercentile(window, 50)) * time.Microsecond
		snap.DecodeLatencyP99 = time.Duration(calculatePercentile(window, 99)) * time.Microsecond
	}
	return snap
}

func tokensPerSecond(tokens int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(tokens) / elapsed.Seconds()
}

type intOrFloat64 interface {
	int | int64 | float64
}

// calculatePercentile returns the p-th percentile of sorted data by linear
// interpolation between the closest ranks.
func calculatePercentile[T intOrFloat64](data []T, p float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	rank := p / 100.0 * float64(n-1)
	lowerIdx := int(math.Floor(rank))
	upperIdx := int(math.Ceil(rank))
	if lowerIdx == upperIdx || upperIdx >= n {
		return float64(data[lowerIdx])
	}
	lowerVal := float64(data[lowerIdx])
	upperVal := float64(data[upperIdx])
	return lowerVal + (upperVal-lowerVal)*(rank-float64(lowerIdx))
}
