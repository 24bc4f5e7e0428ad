// Package executor is the only caller of the external Model. It enforces the
// prefill/decode split of a session:
//
//	Uninitialized --Prefill--> Prefilled --Decode--> Decoding --Decode--> ...
//	any state --Release--> Closed (a later Prefill starts a fresh session)
//
// Decode reuses one single-token input buffer per Executor, so steady-state
// decoding does not allocate in the executor.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-runtime/engine"
	"github.com/inference-sim/inference-runtime/engine/kv"
)

// Config holds the per-session context budget.
type Config struct {
	MaxTokens      int // capacity of every cache entry
	SlideDropCount int // positions dropped when a full entry takes a new token
}

// Output is the result of one Prefill or Decode call.
type Output struct {
	Logits  []float32 // logits of the final processed position
	Metrics engine.Metrics
}

// Executor runs Prefill and Decode against the cache store.
// An Executor is not safe for concurrent use; run one per worker.
type Executor struct {
	store *kv.Store
	model engine.Model
	cfg   Config
	tel   *Telemetry
	input []int // single-token decode buffer, overwritten every call
}

// New creates an Executor. tel may be shared between executors; nil creates a
// private one. Panics on invalid configuration.
func New(store *kv.Store, model engine.Model, cfg Config, tel *Telemetry) *Executor {
	if store == nil || model == nil {
		panic("executor.New: store and model must be non-nil")
	}
	if err := model.Shape().Validate(); err != nil {
		panic(fmt.Sprintf("executor.New: %v", err))
	}
	if cfg.MaxTokens <= 0 {
		panic(fmt.Sprintf("executor.New: MaxTokens must be > 0, got %d", cfg.MaxTokens))
	}
	if cfg.SlideDropCount <= 0 || cfg.SlideDropCount > cfg.MaxTokens {
		panic(fmt.Sprintf("executor.New: SlideDropCount must be in [1, %d], got %d", cfg.MaxTokens, cfg.SlideDropCount))
	}
	if tel == nil {
		tel = NewTelemetry()
	}
	return &Executor{
		store: store,
		model: model,
		cfg:   cfg,
		tel:   tel,
		input: make([]int, 1),
	}
}

// Telemetry returns the telemetry this executor records into.
func (x *Executor) Telemetry() *Telemetry {
	return x.tel
}

// Prefill seeds a new session with the whole prompt in one Forward call at
// position 0. An existing session is ErrDoublePrefill unless reset is set, in
// which case its history is discarded first. On failure the session is left
// uninitialized.
func (x *Executor) Prefill(ctx context.Context, id engine.SessionID, prompt []int, reset bool) (Output, error) {
	if len(prompt) == 0 {
		x.tel.recordFailure()
		return Output{}, fmt.Errorf("%w: session %s", engine.ErrEmptyPrompt, id)
	}
	if len(prompt) > x.cfg.MaxTokens {
		x.tel.recordFailure()
		return Output{}, fmt.Errorf("%w: %d tokens, session budget is %d", engine.ErrPromptTooLong, len(prompt), x.cfg.MaxTokens)
	}

	e, created, err := x.store.Acquire(ctx, id, x.model.Shape(), x.cfg.MaxTokens, true)
	if err != nil {
		x.tel.recordFailure()
		return Output{}, err
	}
	defer x.store.Unpin(e)

	if !created {
		if !reset {
			x.tel.recordFailure()
			return Output{}, fmt.Errorf("%w: session %s already holds %d positions", engine.ErrDoublePrefill, id, e.Len())
		}
		logrus.Debugf("session %s: prefill with reset discards %d positions", id, e.Len())
		e.Reset()
	}

	start := time.Now()
	logits, err := x.forward(e, prompt, 0)
	if err == nil {
		err = e.Commit(len(prompt))
	}
	if err != nil {
		x.store.Release(id)
		x.tel.recordFailure()
		return Output{}, fmt.Errorf("prefill session %s: %w", id, err)
	}
	elapsed := time.Since(start)
	x.tel.recordPrefill(len(prompt), elapsed)
	return Output{Logits: logits, Metrics: metricsFor(len(prompt), elapsed)}, nil
}

// Decode appends one token to an existing session at position Len(). A full entry
// first slides out its oldest SlideDropCount positions. The token and the entry
// shape are checked before any slide, so a rejected decode leaves the session
// untouched. A model failure after the slide keeps the slide: the session then
// holds Cap()-SlideDropCount positions and can decode again.
func (x *Executor) Decode(ctx context.Context, id engine.SessionID, token int) (Output, error) {
	if token < 0 || token >= x.model.VocabSize() {
		x.tel.recordFailure()
		return Output{}, fmt.Errorf("decode session %s: token %d outside vocabulary of %d", id, token, x.model.VocabSize())
	}
	e, _, err := x.store.Acquire(ctx, id, x.model.Shape(), x.cfg.MaxTokens, false)
	if err != nil {
		x.tel.recordFailure()
		if errors.Is(err, engine.ErrSessionNotFound) {
			return Output{}, fmt.Errorf("%w: session %s", engine.ErrDecodeBeforePrefill, id)
		}
		return Output{}, err
	}
	defer x.store.Unpin(e)

	if e.Shape() != x.model.Shape() {
		x.tel.recordFailure()
		return Output{}, fmt.Errorf("decode session %s: %w: entry %v, model %v", id, engine.ErrShapeMismatch, e.Shape(), x.model.Shape())
	}
	slid := false
	if e.Len()+1 > e.Cap() {
		if err := x.store.Slide(e, x.cfg.SlideDropCount); err != nil {
			x.tel.recordFailure()
			return Output{}, fmt.Errorf("decode session %s: %w", id, err)
		}
		slid = true
	}

	x.input[0] = token
	start := time.Now()
	logits, err := x.forward(e, x.input, e.Len())
	if err == nil {
		err = e.Commit(1)
	}
	if err != nil {
		x.tel.recordFailure()
		return Output{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	elapsed := time.Since(start)
	x.tel.recordDecode(elapsed, slid)
	return Output{Logits: logits, Metrics: metricsFor(1, elapsed)}, nil
}

// Release closes a session. Reports whether it had cache state.
func (x *Executor) Release(id engine.SessionID) bool {
	return x.store.Release(id)
}

// ExecuteBatch runs every request of a same-phase batch in order. A failing
// request fails alone; the others still get their results. Results are returned
// in request order and are not delivered.
func (x *Executor) ExecuteBatch(ctx context.Context, b *engine.Batch) []engine.Result {
	dispatched := time.Now()
	results := make([]engine.Result, len(b.Requests))
	for i, req := range b.Requests {
		var (
			out Output
			err error
		)
		switch {
		case req.Phase != b.Phase:
			err = fmt.Errorf("request %d has phase %s in a %s batch", req.ID, req.Phase, b.Phase)
		case req.Phase == engine.PhasePrefill:
			out, err = x.Prefill(ctx, req.SessionID, req.Tokens, req.Reset)
		case len(req.Tokens) != 1:
			err = fmt.Errorf("decode payload must be exactly one token, got %d", len(req.Tokens))
		default:
			out, err = x.Decode(ctx, req.SessionID, req.Tokens[0])
		}

		out.Metrics.BatchSize = b.Len()
		if !req.EnqueueTime.IsZero() {
			out.Metrics.QueueWait = dispatched.Sub(req.EnqueueTime)
		}
		if err != nil {
			logrus.Debugf("batch %d: %v failed: %v", b.ID, req, err)
			results[i] = engine.Result{Outcome: engine.OutcomeFailed, Metrics: out.Metrics, Err: err}
			continue
		}
		results[i] = engine.Result{Outcome: engine.OutcomeCompleted, Logits: out.Logits, Metrics: out.Metrics}
	}
	return results
}

// forward checks the entry against the model before handing it over, so that
// incompatible cache state never reaches a Forward call.
func (x *Executor) forward(e *kv.Entry, tokens []int, offset int) ([]float32, error) {
	if e.Shape() != x.model.Shape() {
		return nil, fmt.Errorf("%w: entry %v, model %v", engine.ErrShapeMismatch, e.Shape(), x.model.Shape())
	}
	logits, err := x.model.Forward(tokens, e, offset)
	if err != nil {
		return nil, fmt.Errorf("model forward: %w", err)
	}
	if len(logits) != x.model.VocabSize() {
		return nil, fmt.Errorf("model returned %d logits for vocabulary of %d", len(logits), x.model.VocabSize())
	}
	return logits, nil
}

func metricsFor(tokens int, elapsed time.Duration) engine.Metrics {
	return engine.Metrics{
		TokensProcessed: tokens,
		Elapsed:         elapsed,
		TokensPerSecond: tokensPerSecond(int64(tokens), elapsed),
	}
}
