// Defines the Request struct that models one unit of scheduling work.
// Tracks session, phase, payload, enqueue time, cancellation and the result channel.

package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Phase separates whole-prompt processing from single-token steps.
type Phase int

const (
	PhasePrefill Phase = iota
	PhaseDecode
)

func (p Phase) String() string {
	switch p {
	case PhasePrefill:
		return "prefill"
	case PhaseDecode:
		return "decode"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Outcome is the terminal state of a Request.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeRejected  Outcome = "rejected"
)

// Metrics carries per-request execution telemetry.
type Metrics struct {
	TokensProcessed int           // prompt length for prefill, 1 for decode
	Elapsed         time.Duration // model time for this request
	TokensPerSecond float64
	QueueWait       time.Duration // enqueue to dispatch
	BatchSize       int           // size of the batch this request ran in
}

// Result is delivered exactly once per Request.
type Result struct {
	Outcome Outcome
	Logits  []float32 // logits of the final processed position; nil unless Completed
	Metrics Metrics
	Err     error // nil only when Completed
}

// Request models a single prefill or decode submission.
// The result channel is single-writer (the scheduler) and single-reader (the caller).
type Request struct {
	ID          uint64 // assigned by the scheduler on Submit
	SessionID   SessionID
	Phase       Phase
	Tokens      []int     // full prompt for prefill, exactly one token for decode
	Reset       bool      // prefill only: discard existing cache state instead of failing
	EnqueueTime time.Time // set by the scheduler on Submit

	ctx       context.Context
	canceled  atomic.Bool
	delivered atomic.Bool
	done      chan Result
}

// NewRequest builds a request; ctx acts as the cancellation token.
func NewRequest(ctx context.Context, id SessionID, phase Phase, tokens []int) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{
		SessionID: id,
		Phase:     phase,
		Tokens:    tokens,
		ctx:       ctx,
		done:      make(chan Result, 1),
	}
}

// Context returns the request's cancellation context.
func (r *Request) Context() context.Context {
	return r.ctx
}

// Cancel marks the request canceled. Queued requests are dropped at the next batch
// formation, dispatched ones are computed and their result discarded.
func (r *Request) Cancel() {
	r.canceled.Store(true)
}

// Canceled reports whether Cancel was called or the request context is done.
func (r *Request) Canceled() bool {
	return r.canceled.Load() || r.ctx.Err() != nil
}

// Deliver hands the result to the waiting caller. Only the first call has effect.
func (r *Request) Deliver(res Result) bool {
	if !r.delivered.CompareAndSwap(false, true) {
		return false
	}
	r.done <- res
	return true
}

// Delivered reports whether a result has been handed over.
func (r *Request) Delivered() bool {
	return r.delivered.Load()
}

// Await blocks until the result is delivered or ctx is done. When ctx ends first the
// request is canceled and a Canceled result is returned.
func (r *Request) Await(ctx context.Context) (Result, error) {
	select {
	case res := <-r.done:
		return res, res.Err
	case <-ctx.Done():
		r.Cancel()
		err := fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		return Result{Outcome: OutcomeCanceled, Err: err}, err
	}
}

// Validate checks the payload against the phase contract.
func (r *Request) Validate() error {
	switch r.Phase {
	case PhasePrefill:
		if len(r.Tokens) == 0 {
			return ErrEmptyPrompt
		}
	case PhaseDecode:
		if len(r.Tokens) != 1 {
			return fmt.Errorf("decode payload must be exactly one token, got %d", len(r.Tokens))
		}
	default:
		return fmt.Errorf("unknown phase %v", r.Phase)
	}
	if r.SessionID == "" {
		return fmt.Errorf("request has empty session id")
	}
	return nil
}

// This method returns a human-readable string representation of a Request.
func (r *Request) String() string {
	return fmt.Sprintf("Request: (ID: %d, Session: %s, Phase: %s, Tokens: %d)", r.ID, r.SessionID, r.Phase, len(r.Tokens))
}

// Batch is a transient group of same-phase requests executed in one call.
type Batch struct {
	ID       uint64
	Phase    Phase
	Requests []*Request
	FormedAt time.Time
}

// Len returns the number of requests in the batch.
func (b *Batch) Len() int {
	return len(b.Requests)
}
