// Package sched implements the batch scheduler. It turns a stream of independent
// requests into same-phase batches bounded by MaxBatchSize and MaxBatchWaitTime,
// applies backpressure at Submit and fans results back to each request.
package sched

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/inference-sim/inference-runtime/engine"
	"github.com/inference-sim/inference-runtime/engine/trace"
)

// ExecuteFunc runs one batch and returns one result per request, in order.
type ExecuteFunc func(ctx context.Context, b *engine.Batch) []engine.Result

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithTrace records every dispatched batch into rec.
func WithTrace(rec *trace.Recorder) Option {
	return func(s *Scheduler) { s.trace = rec }
}

// WithClock replaces time.Now for enqueue stamps, wait budgets and timeouts.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAdmission overrides the admission policy built from the options.
func WithAdmission(p AdmissionPolicy) Option {
	return func(s *Scheduler) { s.admission = p }
}

// CapacityCheck reports whether a request could get cache room if it ran now.
type CapacityCheck func(req *engine.Request) error

// WithCapacityCheck rejects requests at Submit for which check fails.
func WithCapacityCheck(check CapacityCheck) Option {
	return func(s *Scheduler) { s.capacity = check }
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	QueueDepth        int64
	BatchesDispatched int64
	AvgBatchSize      float64
	AvgWaitTime       time.Duration // enqueue to dispatch, over dispatched requests
	InFlightBatches   int64
	Submitted         int64
	Rejected          int64
	Completed         int64
	Failed            int64
	Canceled          int64
	TimedOut          int64
}

// Scheduler owns the per-phase wait queues and the batch loop.
type Scheduler struct {
	opts      engine.Options
	exec      ExecuteFunc
	now       func() time.Time
	trace     *trace.Recorder
	admission AdmissionPolicy
	capacity  CapacityCheck
	sem       *semaphore.Weighted

	mu        sync.Mutex
	queues    [2]*WaitQueue // indexed by engine.Phase
	sessions  map[engine.SessionID][]*engine.Request
	inFlight  map[engine.SessionID]bool
	nextReqID uint64
	nextBatch uint64
	lastPhase engine.Phase
	closed    bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	workers  sync.WaitGroup

	depth         atomic.Int64
	batches       atomic.Int64
	batchedReqs   atomic.Int64
	totalWait     atomic.Int64 // nanoseconds
	inFlightCount atomic.Int64
	submitted     atomic.Int64
	rejected      atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	canceled      atomic.Int64
	timedOut      atomic.Int64
}

// New creates a Scheduler. Panics on invalid options.
func New(opts engine.Options, exec ExecuteFunc, options ...Option) *Scheduler {
	if err := opts.Validate(); err != nil {
		panic(fmt.Sprintf("sched.New: %v", err))
	}
	if exec == nil {
		panic("sched.New: exec must not be nil")
	}
	s := &Scheduler{
		opts:      opts,
		exec:      exec,
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(opts.MaxDegreeOfParallelism)),
		queues:    [2]*WaitQueue{{}, {}},
		sessions:  make(map[engine.SessionID][]*engine.Request),
		inFlight:  make(map[engine.SessionID]bool),
		lastPhase: engine.PhaseDecode,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	if s.admission == nil {
		s.admission = NewAdmissionPolicy(opts.Admission)
	}
	return s
}

// Submit enqueues req or rejects it synchronously. A full queue yields
// ErrQueueFull, a failing capacity check ErrCapacityExceeded and a refusing
// admission policy ErrRateLimited; each is also delivered to req as a Rejected
// result. Submit never waits for capacity. After Close, or once the loop launched
// by Start has stopped, it rejects with ErrClosed.
func (s *Scheduler) Submit(req *engine.Request) error {
	if err := req.Validate(); err != nil {
		return s.reject(req, err)
	}

	s.mu.Lock()
	// Stamped under the lock so each queue stays ordered by EnqueueTime.
	now := s.now()
	if s.closed {
		s.mu.Unlock()
		return s.reject(req, engine.ErrClosed)
	}
	if depth := s.depth.Load(); depth >= int64(s.opts.MaxQueueDepth) {
		s.mu.Unlock()
		return s.reject(req, fmt.Errorf("%w: depth %d", engine.ErrQueueFull, depth))
	}
	if s.capacity != nil {
		if err := s.capacity(req); err != nil {
			s.mu.Unlock()
			return s.reject(req, err)
		}
	}
	if ok, reason := s.admission.Admit(req, now); !ok {
		s.mu.Unlock()
		return s.reject(req, fmt.Errorf("%w: %s", engine.ErrRateLimited, reason))
	}
	s.nextReqID++
	req.ID = s.nextReqID
	req.EnqueueTime = now
	s.queues[req.Phase].Enqueue(req)
	s.sessions[req.SessionID] = append(s.sessions[req.SessionID], req)
	s.depth.Add(1)
	s.mu.Unlock()

	s.submitted.Add(1)
	s.notify()
	return nil
}

func (s *Scheduler) reject(req *engine.Request, err error) error {
	s.rejected.Add(1)
	req.Deliver(engine.Result{Outcome: engine.OutcomeRejected, Err: err})
	return err
}

// Start launches the batch loop. In deterministic mode no goroutine is started
// and batches only run through Drain.
func (s *Scheduler) Start(ctx context.Context) {
	if s.opts.DeterministicMode {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopDone != nil || s.closed {
		return
	}
	s.loopDone = make(chan struct{})
	go s.run(ctx)
}

// Drain forms and executes batches on the calling goroutine until no queued
// request is eligible, ignoring the wait budget. Returns the number of batches run.
func (s *Scheduler) Drain(ctx context.Context) int {
	n := 0
	for {
		s.mu.Lock()
		batch, _ := s.formLocked(s.now(), true)
		s.mu.Unlock()
		if batch == nil {
			return n
		}
		s.inFlightCount.Add(1)
		s.dispatch(ctx, batch)
		n++
	}
}

// Close stops accepting requests, fails every queued request with ErrClosed and
// waits for in-flight batches to finish.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.done) })
	s.shutdown("closed")

	s.mu.Lock()
	loopDone := s.loopDone
	s.mu.Unlock()
	if loopDone != nil {
		<-loopDone
	}
	s.workers.Wait()
}

// shutdown marks the scheduler closed and fails every queued request with
// ErrClosed. Only the first call has effect.
func (s *Scheduler) shutdown(why string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var dropped []*engine.Request
	for phase, q := range s.queues {
		if q.Len() > 0 {
			logrus.Debugf("scheduler %s: dropping %s queue %v", why, engine.Phase(phase), q)
		}
		dropped = append(dropped, q.RemoveIf(func(*engine.Request) bool { return true })...)
	}
	clear(s.sessions)
	s.depth.Store(0)
	s.mu.Unlock()

	for _, req := range dropped {
		s.failed.Add(1)
		req.Deliver(engine.Result{Outcome: engine.OutcomeFailed, Err: engine.ErrClosed})
	}
	if len(dropped) > 0 {
		logrus.Infof("scheduler %s with %d queued requests", why, len(dropped))
	}
}

// Stats returns a snapshot of the scheduler counters. Safe to call concurrently.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		QueueDepth:        s.depth.Load(),
		BatchesDispatched: s.batches.Load(),
		InFlightBatches:   s.inFlightCount.Load(),
		Submitted:         s.submitted.Load(),
		Rejected:          s.rejected.Load(),
		Completed:         s.completed.Load(),
		Failed:            s.failed.Load(),
		Canceled:          s.canceled.Load(),
		TimedOut:          s.timedOut.Load(),
	}
	if reqs := s.batchedReqs.Load(); reqs > 0 {
		st.AvgWaitTime = time.Duration(s.totalWait.Load() / reqs)
		if st.BatchesDispatched > 0 {
			st.AvgBatchSize = float64(reqs) / float64(st.BatchesDispatched)
		}
	}
	return st
}

// run is the batch loop. Once it exits, for whatever reason, nothing would ever
// batch a queued request again, so the scheduler closes behind it.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.loopDone)
	defer s.shutdown("stopped")
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		batch, wait := s.formLocked(s.now(), false)
		s.mu.Unlock()

		if batch != nil {
			s.inFlightCount.Add(1)
			if err := s.sem.Acquire(ctx, 1); err != nil {
				s.abort(batch, err)
				return
			}
			s.workers.Add(1)
			go func() {
				defer s.workers.Done()
				defer s.sem.Release(1)
				s.dispatch(ctx, batch)
			}()
			continue
		}

		var timeout <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timeout = timer.C
		}
		select {
		case <-s.wake:
		case <-timeout:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
		timer.Stop()
	}
}

// formLocked sweeps canceled and timed-out requests, then builds the next ready
// batch. When nothing is ready it returns the time until something may become
// ready, or 0 when only a new submission or completion can change that.
// force dispatches partial batches regardless of the wait budget.
func (s *Scheduler) formLocked(now time.Time, force bool) (*engine.Batch, time.Duration) {
	s.sweepLocked(now)

	var wait time.Duration
	for _, phase := range s.phaseOrder() {
		picked := s.eligibleLocked(phase)
		if len(picked) == 0 {
			continue
		}
		oldest := now.Sub(picked[0].EnqueueTime)
		full := len(picked) == s.opts.MaxBatchSize
		if !full && !force && oldest < s.opts.MaxBatchWaitTime {
			if left := s.opts.MaxBatchWaitTime - oldest; wait == 0 || left < wait {
				wait = left
			}
			continue
		}
		return s.takeLocked(phase, picked, now, oldest, full), 0
	}

	if s.opts.MaxQueueWait > 0 {
		for _, q := range s.queues {
			head := q.Peek()
			if head == nil {
				continue
			}
			if left := s.opts.MaxQueueWait - now.Sub(head.EnqueueTime); wait == 0 || left < wait {
				wait = max(left, time.Millisecond)
			}
		}
	}
	return nil, wait
}

// phaseOrder returns the order in which the phase queues are considered.
func (s *Scheduler) phaseOrder() [2]engine.Phase {
	switch s.opts.SchedulingPolicy {
	case engine.PolicyPrefillFirst:
		return [2]engine.Phase{engine.PhasePrefill, engine.PhaseDecode}
	case engine.PolicyAlternate:
		if s.lastPhase == engine.PhasePrefill {
			return [2]engine.Phase{engine.PhaseDecode, engine.PhasePrefill}
		}
		return [2]engine.Phase{engine.PhasePrefill, engine.PhaseDecode}
	default:
		return [2]engine.Phase{engine.PhaseDecode, engine.PhasePrefill}
	}
}

// eligibleLocked lists, in arrival order, up to MaxBatchSize requests of phase
// that are the oldest queued request of their session while that session has
// nothing in flight. This admits at most one request per session per batch.
func (s *Scheduler) eligibleLocked(phase engine.Phase) []*engine.Request {
	var picked []*engine.Request
	for _, r := range s.queues[phase].Items() {
		if len(picked) == s.opts.MaxBatchSize {
			break
		}
		if s.inFlight[r.SessionID] || s.sessions[r.SessionID][0] != r {
			continue
		}
		picked = append(picked, r)
	}
	return picked
}

func (s *Scheduler) takeLocked(phase engine.Phase, picked []*engine.Request, now time.Time, oldest time.Duration, full bool) *engine.Batch {
	chosen := make(map[*engine.Request]bool, len(picked))
	for _, r := range picked {
		chosen[r] = true
	}
	reqs := s.queues[phase].Take(len(picked), func(r *engine.Request) bool { return chosen[r] })

	s.nextBatch++
	b := &engine.Batch{ID: s.nextBatch, Phase: phase, Requests: reqs, FormedAt: now}
	sessions := make([]string, len(reqs))
	var waited time.Duration
	for i, r := range reqs {
		s.dropSessionLocked(r)
		s.inFlight[r.SessionID] = true
		sessions[i] = string(r.SessionID)
		waited += now.Sub(r.EnqueueTime)
	}
	s.lastPhase = phase
	s.depth.Add(-int64(len(reqs)))
	s.batches.Add(1)
	s.batchedReqs.Add(int64(len(reqs)))
	s.totalWait.Add(int64(waited))

	logrus.Debugf("dispatching batch %d: %d %s requests (oldest waited %v, full=%v)", b.ID, len(reqs), phase, oldest, full)
	s.trace.RecordBatch(trace.BatchRecord{
		BatchID:    b.ID,
		Phase:      phase.String(),
		Size:       len(reqs),
		Sessions:   sessions,
		OldestWait: oldest,
		Full:       full,
		DispatchAt: now,
	})
	return b
}

// sweepLocked removes canceled and expired requests from the queues and delivers
// their outcome. They never reach the executor.
func (s *Scheduler) sweepLocked(now time.Time) {
	for _, q := range s.queues {
		removed := q.RemoveIf(func(r *engine.Request) bool {
			return r.Canceled() || (s.opts.MaxQueueWait > 0 && now.Sub(r.EnqueueTime) >= s.opts.MaxQueueWait)
		})
		for _, r := range removed {
			s.dropSessionLocked(r)
			s.depth.Add(-1)
			if r.Canceled() {
				s.canceled.Add(1)
				r.Deliver(engine.Result{Outcome: engine.OutcomeCanceled, Err: engine.ErrCanceled})
				continue
			}
			s.timedOut.Add(1)
			waited := now.Sub(r.EnqueueTime)
			logrus.Debugf("%v timed out after %v in queue", r, waited)
			r.Deliver(engine.Result{
				Outcome: engine.OutcomeTimeout,
				Metrics: engine.Metrics{QueueWait: waited},
				Err:     fmt.Errorf("%w: queued for %v", engine.ErrTimeout, waited),
			})
		}
	}
}

func (s *Scheduler) dropSessionLocked(r *engine.Request) {
	q := s.sessions[r.SessionID]
	if i := slices.Index(q, r); i >= 0 {
		q = slices.Delete(q, i, i+1)
	}
	if len(q) == 0 {
		delete(s.sessions, r.SessionID)
		return
	}
	s.sessions[r.SessionID] = q
}

// dispatch executes b and fans the results back. Requests canceled while the
// batch ran were still computed; their result is replaced by a Canceled outcome.
func (s *Scheduler) dispatch(ctx context.Context, b *engine.Batch) {
	results := s.exec(ctx, b)

	s.mu.Lock()
	for _, r := range b.Requests {
		delete(s.inFlight, r.SessionID)
	}
	s.mu.Unlock()
	s.inFlightCount.Add(-1)
	s.notify()

	for i, req := range b.Requests {
		var res engine.Result
		if i < len(results) {
			res = results[i]
		} else {
			res = engine.Result{Outcome: engine.OutcomeFailed, Err: fmt.Errorf("batch %d returned no result for %v", b.ID, req)}
		}
		switch {
		case req.Canceled():
			s.canceled.Add(1)
			res = engine.Result{Outcome: engine.OutcomeCanceled, Metrics: res.Metrics, Err: engine.ErrCanceled}
		case res.Outcome == engine.OutcomeCompleted:
			s.completed.Add(1)
		default:
			s.failed.Add(1)
		}
		req.Deliver(res)
	}
}

// abort fails a formed batch that could not be handed to a worker.
func (s *Scheduler) abort(b *engine.Batch, err error) {
	s.mu.Lock()
	for _, r := range b.Requests {
		delete(s.inFlight, r.SessionID)
	}
	s.mu.Unlock()
	s.inFlightCount.Add(-1)
	for _, r := range b.Requests {
		s.failed.Add(1)
		r.Deliver(engine.Result{Outcome: engine.OutcomeFailed, Err: fmt.Errorf("batch %d not dispatched: %w", b.ID, err)})
	}
}

// notify wakes the batch loop without blocking.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
