// Package pipeline wires the cache store, a pool of executors and the batch
// scheduler into the runtime callers talk to: Submit a request, Await its result,
// read the stats.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-runtime/engine"
	"github.com/inference-sim/inference-runtime/engine/executor"
	"github.com/inference-sim/inference-runtime/engine/kv"
	"github.com/inference-sim/inference-runtime/engine/sched"
	"github.com/inference-sim/inference-runtime/engine/trace"
)

// Runtime is the produced contract of the inference core.
type Runtime struct {
	opts      engine.Options
	model     engine.Model
	store     *kv.Store
	tel       *executor.Telemetry
	executors chan *executor.Executor // one per worker
	sched     *sched.Scheduler
	trace     *trace.Recorder

	mu      sync.Mutex
	pending map[engine.SessionID][]*engine.Request // submitted, not yet awaited
}

// New builds a runtime for model. It does not start the batch loop.
func New(model engine.Model, opts engine.Options) (*Runtime, error) {
	if model == nil {
		return nil, fmt.Errorf("model must not be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime options: %w", err)
	}
	if err := model.Shape().Validate(); err != nil {
		return nil, err
	}

	var rec *trace.Recorder
	if trace.TraceLevel(opts.TraceLevel) == trace.TraceLevelDecisions {
		rec = trace.NewRecorder(trace.TraceLevelDecisions)
	}
	r := &Runtime{
		opts:  opts,
		model: model,
		store: kv.NewStore(kv.Config{
			MaxSessions:    opts.MaxSessions,
			MaxBytesTotal:  opts.MaxBytesTotal,
			EvictionPolicy: opts.EvictionPolicy,
			Trace:          rec,
		}),
		tel:     executor.NewTelemetry(),
		trace:   rec,
		pending: make(map[engine.SessionID][]*engine.Request),
	}

	workers := opts.MaxDegreeOfParallelism
	if opts.DeterministicMode {
		workers = 1
	}
	r.executors = make(chan *executor.Executor, workers)
	for i := 0; i < workers; i++ {
		r.executors <- executor.New(r.store, model, executor.Config{
			MaxTokens:      opts.MaxTokensPerSession,
			SlideDropCount: opts.SlideDropCount,
		}, r.tel)
	}
	r.sched = sched.New(opts, r.execute, sched.WithTrace(rec), sched.WithCapacityCheck(r.hasRoom))
	logrus.Debugf("runtime ready: model %v, %d workers, deterministic=%v", model.Shape(), workers, opts.DeterministicMode)
	return r, nil
}

func (r *Runtime) execute(ctx context.Context, b *engine.Batch) []engine.Result {
	x := <-r.executors
	defer func() { r.executors <- x }()
	return x.ExecuteBatch(ctx, b)
}

// hasRoom refuses a prefill for a new session that the store could not place.
func (r *Runtime) hasRoom(req *engine.Request) error {
	if req.Phase != engine.PhasePrefill {
		return nil
	}
	return r.store.CanAdmit(req.SessionID, r.model.Shape(), r.opts.MaxTokensPerSession)
}

// Start launches the batch loop; a no-op in deterministic mode.
func (r *Runtime) Start(ctx context.Context) {
	r.sched.Start(ctx)
}

// Close stops the scheduler, failing queued requests with ErrClosed.
func (r *Runtime) Close() {
	r.sched.Close()
}

// Submit queues a prefill (payload is the prompt) or decode (payload is one token)
// for a session. ctx is the request's cancellation token. A rejection is returned
// synchronously; the request is then not awaitable.
func (r *Runtime) Submit(ctx context.Context, id engine.SessionID, phase engine.Phase, payload []int) (*engine.Request, error) {
	return r.submit(engine.NewRequest(ctx, id, phase, payload))
}

// SubmitReset queues a prefill that discards any existing state of the session.
func (r *Runtime) SubmitReset(ctx context.Context, id engine.SessionID, prompt []int) (*engine.Request, error) {
	req := engine.NewRequest(ctx, id, engine.PhasePrefill, prompt)
	req.Reset = true
	return r.submit(req)
}

func (r *Runtime) submit(req *engine.Request) (*engine.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sched.Submit(req); err != nil {
		return req, err
	}
	r.pending[req.SessionID] = append(r.pending[req.SessionID], req)
	return req, nil
}

// Await waits for the oldest outstanding request of a session. In deterministic
// mode it first drains the scheduler on the calling goroutine.
func (r *Runtime) Await(ctx context.Context, id engine.SessionID) (engine.Result, error) {
	r.mu.Lock()
	queue := r.pending[id]
	if len(queue) == 0 {
		r.mu.Unlock()
		return engine.Result{}, fmt.Errorf("%w: no outstanding request for session %s", engine.ErrSessionNotFound, id)
	}
	req := queue[0]
	queue[0] = nil
	if len(queue) == 1 {
		delete(r.pending, id)
	} else {
		r.pending[id] = queue[1:]
	}
	r.mu.Unlock()

	if r.opts.DeterministicMode {
		r.sched.Drain(ctx)
	}
	return req.Await(ctx)
}

// Release closes a session and returns its cache buffers to the pool.
func (r *Runtime) Release(id engine.SessionID) bool {
	return r.store.Release(id)
}

// GetCacheStats returns the cache store counters.
func (r *Runtime) GetCacheStats() kv.Stats {
	return r.store.GetStats()
}

// GetSchedulerStats returns the scheduler counters.
func (r *Runtime) GetSchedulerStats() sched.Stats {
	return r.sched.Stats()
}

// Telemetry returns prefill and decode telemetry.
func (r *Runtime) Telemetry() executor.TelemetrySnapshot {
	return r.tel.Snapshot()
}

// Trace returns the decision trace, or nil when tracing is off.
func (r *Runtime) Trace() *trace.Recorder {
	return r.trace
}

// Options returns the options the runtime was built with.
func (r *Runtime) Options() engine.Options {
	return r.opts
}
