package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-runtime/engine"
	"github.com/inference-sim/inference-runtime/engine/internal/testutil"
	"github.com/inference-sim/inference-runtime/engine/trace"
)

// recordingExec completes every request and remembers each batch it saw.
type recordingExec struct {
	mu      sync.Mutex
	batches []*engine.Batch
	delay   time.Duration
	during  func(b *engine.Batch) // runs inside the execution window
	fail    map[engine.SessionID]bool

	active    atomic.Int64
	maxActive atomic.Int64
}

func (x *recordingExec) execute(ctx context.Context, b *engine.Batch) []engine.Result {
	n := x.active.Add(1)
	for {
		cur := x.maxActive.Load()
		if n <= cur || x.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	defer x.active.Add(-1)

	x.mu.Lock()
	x.batches = append(x.batches, b)
	x.mu.Unlock()
	if x.during != nil {
		x.during(b)
	}
	if x.delay > 0 {
		time.Sleep(x.delay)
	}
	results := make([]engine.Result, len(b.Requests))
	for i, r := range b.Requests {
		if x.fail[r.SessionID] {
			results[i] = engine.Result{Outcome: engine.OutcomeFailed, Err: fmt.Errorf("session %s failed", r.SessionID)}
			continue
		}
		results[i] = engine.Result{Outcome: engine.OutcomeCompleted, Logits: []float32{float32(r.Tokens[0])}}
	}
	return results
}

func (x *recordingExec) seen() []*engine.Batch {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*engine.Batch(nil), x.batches...)
}

func deterministicOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.DeterministicMode = true
	return opts
}

func await(t *testing.T, req *engine.Request) engine.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, _ := req.Await(ctx)
	return res
}

func TestNew_InvalidOptions_Panics(t *testing.T) {
	opts := engine.DefaultOptions()
	opts.MaxBatchSize = 0
	assert.PanicsWithValue(t, "sched.New: max_batch_size must be > 0, got 0", func() {
		New(opts, (&recordingExec{}).execute)
	})
	assert.PanicsWithValue(t, "sched.New: exec must not be nil", func() {
		New(engine.DefaultOptions(), nil)
	})
}

func TestSubmit_BeyondQueueDepth_RejectsImmediately(t *testing.T) {
	// GIVEN a scheduler whose queue is full and never drained
	opts := deterministicOptions()
	opts.MaxQueueDepth = 4
	s := New(opts, (&recordingExec{}).execute)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Submit(newReq(engine.SessionID(fmt.Sprint(i)), engine.PhaseDecode)))
	}

	// WHEN 1000 more requests are submitted in a tight loop
	start := time.Now()
	rejected := make([]*engine.Request, 0, 1000)
	for i := 0; i < 1000; i++ {
		req := newReq("overflow", engine.PhaseDecode)
		err := s.Submit(req)
		require.ErrorIs(t, err, engine.ErrQueueFull)
		assert.True(t, engine.IsRetryable(err))
		rejected = append(rejected, req)
	}
	elapsed := time.Since(start)

	// THEN each is rejected without queuing or blocking
	assert.Less(t, elapsed, time.Second)
	st := s.Stats()
	assert.Equal(t, int64(4), st.QueueDepth)
	assert.Equal(t, int64(1000), st.Rejected)
	assert.Equal(t, int64(4), st.Submitted)
	res := await(t, rejected[0])
	assert.Equal(t, engine.OutcomeRejected, res.Outcome)
}

func TestSubmit_InvalidRequest_Rejected(t *testing.T) {
	s := New(deterministicOptions(), (&recordingExec{}).execute)
	err := s.Submit(engine.NewRequest(context.Background(), "a", engine.PhaseDecode, []int{1, 2}))
	assert.Error(t, err)
	assert.ErrorIs(t, s.Submit(engine.NewRequest(context.Background(), "a", engine.PhasePrefill, nil)), engine.ErrEmptyPrompt)
	assert.Equal(t, int64(0), s.Stats().QueueDepth)
}

func TestSubmit_TokenBucket_RateLimits(t *testing.T) {
	opts := deterministicOptions()
	opts.Admission = engine.AdmissionConfig{Policy: engine.AdmissionTokenBucket, TokenBucketCapacity: 10, TokenBucketRefillRate: 0}
	clock := testutil.NewClock()
	s := New(opts, (&recordingExec{}).execute, WithClock(clock.Now))

	require.NoError(t, s.Submit(newReq("a", engine.PhasePrefill, make([]int, 6)...)))
	err := s.Submit(newReq("b", engine.PhasePrefill, make([]int, 6)...))

	assert.ErrorIs(t, err, engine.ErrRateLimited)
	assert.Equal(t, int64(1), s.Stats().Rejected)
}

func TestBatchLoop_PartialBatchOnTimeout(t *testing.T) {
	// GIVEN maxBatchSize=4 and maxBatchWaitTime=10ms
	opts := engine.DefaultOptions()
	opts.MaxBatchSize = 4
	opts.MaxBatchWaitTime = 10 * time.Millisecond
	exec := &recordingExec{}
	s := New(opts, exec.execute)
	s.Start(context.Background())
	defer s.Close()

	// WHEN 2 decode requests arrive and nothing else follows
	submitted := time.Now()
	a := newReq("a", engine.PhaseDecode)
	b := newReq("b", engine.PhaseDecode)
	require.NoError(t, s.Submit(a))
	require.NoError(t, s.Submit(b))
	assert.Equal(t, engine.OutcomeCompleted, await(t, a).Outcome)
	assert.Equal(t, engine.OutcomeCompleted, await(t, b).Outcome)
	time.Sleep(15 * time.Millisecond)

	// THEN exactly one batch of size 2 was dispatched once the wait budget expired
	batches := exec.seen()
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, engine.PhaseDecode, batches[0].Phase)
	assert.GreaterOrEqual(t, batches[0].FormedAt.Sub(submitted), 10*time.Millisecond)
	assert.InDelta(t, 2.0, s.Stats().AvgBatchSize, 1e-9)
}

func TestBatchLoop_FullBatchDispatchesWithoutWaiting(t *testing.T) {
	// GIVEN a wait budget far longer than the test
	opts := engine.DefaultOptions()
	opts.MaxBatchSize = 3
	opts.MaxBatchWaitTime = time.Hour
	exec := &recordingExec{}
	s := New(opts, exec.execute)
	s.Start(context.Background())
	defer s.Close()

	// WHEN a full batch is submitted
	reqs := make([]*engine.Request, 3)
	for i := range reqs {
		reqs[i] = newReq(engine.SessionID(fmt.Sprint(i)), engine.PhaseDecode)
		require.NoError(t, s.Submit(reqs[i]))
	}

	// THEN it runs immediately
	for _, r := range reqs {
		assert.Equal(t, engine.OutcomeCompleted, await(t, r).Outcome)
	}
	batches := exec.seen()
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].Len())
}

func TestDrain_SeparatesPhases_DecodeFirst(t *testing.T) {
	// GIVEN interleaved prefill and decode submissions for distinct sessions
	exec := &recordingExec{}
	s := New(deterministicOptions(), exec.execute)
	require.NoError(t, s.Submit(newReq("p1", engine.PhasePrefill, 1, 2)))
	require.NoError(t, s.Submit(newReq("d1", engine.PhaseDecode)))
	require.NoError(t, s.Submit(newReq("p2", engine.PhasePrefill, 3)))
	require.NoError(t, s.Submit(newReq("d2", engine.PhaseDecode)))

	// WHEN drained
	n := s.Drain(context.Background())

	// THEN one decode batch runs before one prefill batch, never mixed
	require.Equal(t, 2, n)
	batches := exec.seen()
	assert.Equal(t, engine.PhaseDecode, batches[0].Phase)
	assert.Equal(t, []engine.SessionID{"d1", "d2"}, sessionsOf(batches[0].Requests))
	assert.Equal(t, engine.PhasePrefill, batches[1].Phase)
	assert.Equal(t, []engine.SessionID{"p1", "p2"}, sessionsOf(batches[1].Requests))
	for _, b := range batches {
		for _, r := range b.Requests {
			assert.Equal(t, b.Phase, r.Phase)
		}
	}
}

func TestDrain_SchedulingPolicies(t *testing.T) {
	tests := []struct {
		policy string
		want   []engine.Phase
	}{
		{engine.PolicyDecodeFirst, []engine.Phase{engine.PhaseDecode, engine.PhaseDecode, engine.PhasePrefill, engine.PhasePrefill}},
		{engine.PolicyPrefillFirst, []engine.Phase{engine.PhasePrefill, engine.PhasePrefill, engine.PhaseDecode, engine.PhaseDecode}},
		{engine.PolicyAlternate, []engine.Phase{engine.PhasePrefill, engine.PhaseDecode, engine.PhasePrefill, engine.PhaseDecode}},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			// GIVEN single-request batches and two sessions per phase
			opts := deterministicOptions()
			opts.MaxBatchSize = 1
			opts.SchedulingPolicy = tt.policy
			exec := &recordingExec{}
			s := New(opts, exec.execute)
			for _, id := range []engine.SessionID{"a", "b"} {
				require.NoError(t, s.Submit(newReq("p-"+id, engine.PhasePrefill)))
				require.NoError(t, s.Submit(newReq("d-"+id, engine.PhaseDecode)))
			}

			// WHEN drained
			s.Drain(context.Background())

			// THEN phases alternate or drain per policy
			var got []engine.Phase
			for _, b := range exec.seen() {
				got = append(got, b.Phase)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDrain_PerSessionOrdering(t *testing.T) {
	// GIVEN a prefill followed by two decodes for one session, plus another session
	opts := deterministicOptions()
	exec := &recordingExec{}
	s := New(opts, exec.execute)
	require.NoError(t, s.Submit(newReq("a", engine.PhasePrefill, 1, 2, 3)))
	require.NoError(t, s.Submit(newReq("a", engine.PhaseDecode, 4)))
	require.NoError(t, s.Submit(newReq("a", engine.PhaseDecode, 5)))
	require.NoError(t, s.Submit(newReq("b", engine.PhaseDecode, 9)))

	// WHEN drained under decode-first
	s.Drain(context.Background())

	// THEN a's requests run in submission order, one per batch
	var aTokens [][]int
	for _, b := range exec.seen() {
		count := 0
		for _, r := range b.Requests {
			if r.SessionID == "a" {
				aTokens = append(aTokens, r.Tokens)
				count++
			}
		}
		assert.LessOrEqual(t, count, 1, "at most one request per session per batch")
	}
	assert.Equal(t, [][]int{{1, 2, 3}, {4}, {5}}, aTokens)
	assert.Equal(t, int64(4), s.Stats().Completed)
}

func TestBatchLoop_SessionNeverRunsConcurrently(t *testing.T) {
	// GIVEN many decodes for few sessions and a parallel worker pool
	opts := engine.DefaultOptions()
	opts.MaxBatchSize = 2
	opts.MaxBatchWaitTime = time.Millisecond
	opts.MaxDegreeOfParallelism = 4
	var mu sync.Mutex
	running := map[engine.SessionID]int{}
	var overlaps atomic.Int64
	exec := &recordingExec{delay: 2 * time.Millisecond}
	exec.during = func(b *engine.Batch) {
		mu.Lock()
		for _, r := range b.Requests {
			running[r.SessionID]++
			if running[r.SessionID] > 1 {
				overlaps.Add(1)
			}
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		for _, r := range b.Requests {
			running[r.SessionID]--
		}
		mu.Unlock()
	}
	s := New(opts, exec.execute)
	s.Start(context.Background())
	defer s.Close()

	// WHEN they are submitted at once
	var reqs []*engine.Request
	for i := 0; i < 8; i++ {
		for _, id := range []engine.SessionID{"a", "b", "c"} {
			r := newReq(id, engine.PhaseDecode, i)
			require.NoError(t, s.Submit(r))
			reqs = append(reqs, r)
		}
	}

	// THEN every request completes and no session overlaps itself
	for _, r := range reqs {
		assert.Equal(t, engine.OutcomeCompleted, await(t, r).Outcome)
	}
	assert.Zero(t, overlaps.Load())
}

func TestBatchLoop_BoundedParallelism(t *testing.T) {
	opts := engine.DefaultOptions()
	opts.MaxBatchSize = 1
	opts.MaxBatchWaitTime = 0
	opts.MaxDegreeOfParallelism = 2
	exec := &recordingExec{delay: 10 * time.Millisecond}
	s := New(opts, exec.execute)
	s.Start(context.Background())
	defer s.Close()

	var reqs []*engine.Request
	for i := 0; i < 6; i++ {
		r := newReq(engine.SessionID(fmt.Sprint(i)), engine.PhaseDecode)
		require.NoError(t, s.Submit(r))
		reqs = append(reqs, r)
	}
	for _, r := range reqs {
		assert.Equal(t, engine.OutcomeCompleted, await(t, r).Outcome)
	}

	assert.LessOrEqual(t, exec.maxActive.Load(), int64(2))
	assert.Equal(t, int64(6), s.Stats().BatchesDispatched)
}

func TestDrain_CanceledWhileQueued_NeverExecuted(t *testing.T) {
	// GIVEN two queued requests, one canceled before formation
	exec := &recordingExec{}
	s := New(deterministicOptions(), exec.execute)
	keep := newReq("keep", engine.PhaseDecode)
	drop := newReq("drop", engine.PhaseDecode)
	require.NoError(t, s.Submit(keep))
	require.NoError(t, s.Submit(drop))
	drop.Cancel()

	// WHEN drained
	s.Drain(context.Background())

	// THEN the canceled request is removed at zero cost
	require.Len(t, exec.seen(), 1)
	assert.Equal(t, []engine.SessionID{"keep"}, sessionsOf(exec.seen()[0].Requests))
	res := await(t, drop)
	assert.Equal(t, engine.OutcomeCanceled, res.Outcome)
	assert.ErrorIs(t, res.Err, engine.ErrCanceled)
	assert.Equal(t, int64(1), s.Stats().Canceled)
	assert.Equal(t, int64(0), s.Stats().QueueDepth)
}

func TestDrain_ContextCanceledWhileQueued(t *testing.T) {
	exec := &recordingExec{}
	s := New(deterministicOptions(), exec.execute)
	ctx, cancel := context.WithCancel(context.Background())
	req := engine.NewRequest(ctx, "a", engine.PhaseDecode, []int{1})
	require.NoError(t, s.Submit(req))
	cancel()

	s.Drain(context.Background())

	assert.Empty(t, exec.seen())
	assert.Equal(t, engine.OutcomeCanceled, await(t, req).Outcome)
}

func TestDrain_CanceledDuringExecution_ResultDiscarded(t *testing.T) {
	// GIVEN a request canceled while its batch runs
	exec := &recordingExec{}
	exec.during = func(b *engine.Batch) { b.Requests[0].Cancel() }
	s := New(deterministicOptions(), exec.execute)
	victim := newReq("victim", engine.PhaseDecode, 7)
	other := newReq("other", engine.PhaseDecode, 8)
	require.NoError(t, s.Submit(victim))
	require.NoError(t, s.Submit(other))

	// WHEN drained
	s.Drain(context.Background())

	// THEN it was computed but only the other request gets its logits
	require.Len(t, exec.seen(), 1)
	assert.Equal(t, 2, exec.seen()[0].Len())
	res := await(t, victim)
	assert.Equal(t, engine.OutcomeCanceled, res.Outcome)
	assert.Nil(t, res.Logits)
	res = await(t, other)
	assert.Equal(t, engine.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []float32{8}, res.Logits)
}

func TestDrain_QueueWaitCeiling_TimesOut(t *testing.T) {
	// GIVEN a 50ms queue ceiling and a manual clock
	opts := deterministicOptions()
	opts.MaxQueueWait = 50 * time.Millisecond
	clock := testutil.NewClock()
	exec := &recordingExec{}
	s := New(opts, exec.execute, WithClock(clock.Now))
	stale := newReq("stale", engine.PhaseDecode)
	require.NoError(t, s.Submit(stale))
	clock.Advance(100 * time.Millisecond)
	fresh := newReq("fresh", engine.PhaseDecode)
	require.NoError(t, s.Submit(fresh))

	// WHEN drained
	s.Drain(context.Background())

	// THEN the stale request is a Timeout, distinct from a rejection
	res := await(t, stale)
	assert.Equal(t, engine.OutcomeTimeout, res.Outcome)
	assert.ErrorIs(t, res.Err, engine.ErrTimeout)
	assert.False(t, errors.Is(res.Err, engine.ErrQueueFull))
	assert.Equal(t, 100*time.Millisecond, res.Metrics.QueueWait)
	assert.Equal(t, engine.OutcomeCompleted, await(t, fresh).Outcome)
	assert.Equal(t, int64(1), s.Stats().TimedOut)
}

func TestDrain_PerRequestFailureIsolated(t *testing.T) {
	exec := &recordingExec{fail: map[engine.SessionID]bool{"bad": true}}
	s := New(deterministicOptions(), exec.execute)
	good := newReq("good", engine.PhaseDecode)
	bad := newReq("bad", engine.PhaseDecode)
	require.NoError(t, s.Submit(good))
	require.NoError(t, s.Submit(bad))

	s.Drain(context.Background())

	assert.Equal(t, engine.OutcomeCompleted, await(t, good).Outcome)
	assert.Equal(t, engine.OutcomeFailed, await(t, bad).Outcome)
	st := s.Stats()
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, int64(1), st.Failed)
}

func TestClose_FailsQueuedRequests(t *testing.T) {
	s := New(deterministicOptions(), (&recordingExec{}).execute)
	queued := newReq("a", engine.PhaseDecode)
	require.NoError(t, s.Submit(queued))

	s.Close()

	res := await(t, queued)
	assert.Equal(t, engine.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, engine.ErrClosed)
	assert.ErrorIs(t, s.Submit(newReq("b", engine.PhaseDecode)), engine.ErrClosed)
	s.Close()
}

func TestBatchLoop_QueueWaitCeiling_WakesBeforeBatchWait(t *testing.T) {
	// GIVEN a running loop whose batch wait is far longer than the queue ceiling
	opts := engine.DefaultOptions()
	opts.MaxBatchWaitTime = time.Hour
	opts.MaxQueueWait = 30 * time.Millisecond
	exec := &recordingExec{}
	s := New(opts, exec.execute)
	s.Start(context.Background())
	defer s.Close()

	// WHEN one request per phase sits in the queues
	prefill := newReq("a", engine.PhasePrefill)
	require.NoError(t, s.Submit(prefill))
	time.Sleep(5 * time.Millisecond)
	decode := newReq("b", engine.PhaseDecode)
	require.NoError(t, s.Submit(decode))

	// THEN the loop wakes for the oldest queued request and times both out
	assert.Equal(t, engine.OutcomeTimeout, await(t, prefill).Outcome)
	assert.Equal(t, engine.OutcomeTimeout, await(t, decode).Outcome)
	assert.Empty(t, exec.seen())
	assert.Equal(t, int64(2), s.Stats().TimedOut)
}

func TestStart_ContextCanceled_ClosesScheduler(t *testing.T) {
	// GIVEN a running loop with one request parked behind a long wait budget
	opts := engine.DefaultOptions()
	opts.MaxBatchWaitTime = time.Hour
	s := New(opts, (&recordingExec{}).execute)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	parked := newReq("a", engine.PhasePrefill)
	require.NoError(t, s.Submit(parked))

	// WHEN the Start context is canceled
	cancel()

	// THEN the parked request fails with ErrClosed instead of hanging
	res := await(t, parked)
	assert.Equal(t, engine.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, engine.ErrClosed)

	// AND later submissions are rejected rather than stranded
	late := newReq("s", engine.PhasePrefill)
	assert.ErrorIs(t, s.Submit(late), engine.ErrClosed)
	assert.Equal(t, engine.OutcomeRejected, await(t, late).Outcome)
	assert.Equal(t, int64(0), s.Stats().QueueDepth)
	s.Close()
}

func TestSubmit_CapacityCheck_RejectsSynchronously(t *testing.T) {
	// GIVEN a capacity check that refuses session "full"
	check := func(req *engine.Request) error {
		if req.SessionID == "full" {
			return fmt.Errorf("%w: no room", engine.ErrCapacityExceeded)
		}
		return nil
	}
	s := New(deterministicOptions(), (&recordingExec{}).execute, WithCapacityCheck(check))

	// WHEN both sessions submit
	refused := newReq("full", engine.PhasePrefill)
	err := s.Submit(refused)

	// THEN the refused one is rejected at once and stays retryable
	assert.ErrorIs(t, err, engine.ErrCapacityExceeded)
	assert.True(t, engine.IsRetryable(err))
	assert.Equal(t, engine.OutcomeRejected, await(t, refused).Outcome)
	require.NoError(t, s.Submit(newReq("free", engine.PhasePrefill)))
	st := s.Stats()
	assert.Equal(t, int64(1), st.Rejected)
	assert.Equal(t, int64(1), st.QueueDepth)
}

func TestDrain_DeterministicBatchMembership(t *testing.T) {
	// GIVEN the same submission sequence run twice
	run := func() [][]engine.SessionID {
		opts := deterministicOptions()
		opts.MaxBatchSize = 3
		exec := &recordingExec{}
		s := New(opts, exec.execute)
		for i := 0; i < 10; i++ {
			phase := engine.PhaseDecode
			if i%3 == 0 {
				phase = engine.PhasePrefill
			}
			require.NoError(t, s.Submit(newReq(engine.SessionID(fmt.Sprintf("s%d", i%4)), phase, i)))
		}
		s.Drain(context.Background())
		var out [][]engine.SessionID
		for _, b := range exec.seen() {
			out = append(out, sessionsOf(b.Requests))
		}
		return out
	}

	// THEN batch membership is identical
	assert.Equal(t, run(), run())
}

func TestScheduler_TraceRecordsDispatches(t *testing.T) {
	rec := trace.NewRecorder(trace.TraceLevelDecisions)
	opts := deterministicOptions()
	opts.MaxBatchSize = 2
	s := New(opts, (&recordingExec{}).execute, WithTrace(rec))
	for _, id := range []engine.SessionID{"a", "b", "c"} {
		require.NoError(t, s.Submit(newReq(id, engine.PhaseDecode)))
	}

	s.Drain(context.Background())

	batches := rec.Batches()
	require.Len(t, batches, 2)
	assert.True(t, batches[0].Full)
	assert.Equal(t, []string{"a", "b"}, batches[0].Sessions)
	assert.False(t, batches[1].Full)
	assert.Equal(t, "decode", batches[1].Phase)
	summary := trace.Summarize(rec)
	assert.Equal(t, 2, summary.TotalBatches)
	assert.Equal(t, 3, summary.UniqueSessionsSeen)
}
