package sched

import (
	"fmt"
	"time"

	"github.com/inference-sim/inference-runtime/engine"
)

// AdmissionPolicy decides whether a request is admitted into the wait queues.
// It runs on Submit, after the queue-depth check, under the scheduler lock.
type AdmissionPolicy interface {
	Admit(req *engine.Request, now time.Time) (admitted bool, reason string)
}

// AlwaysAdmit admits all requests; queue depth is the only backpressure.
type AlwaysAdmit struct{}

func (a *AlwaysAdmit) Admit(_ *engine.Request, _ time.Time) (bool, string) {
	return true, ""
}

// TokenBucket implements rate-limiting admission control. Each request costs its
// payload length in tokens.
type TokenBucket struct {
	capacity      float64
	refillRate    float64 // tokens per second
	currentTokens float64
	lastRefill    time.Time
}

// NewTokenBucket creates a full TokenBucket with the given capacity and refill rate.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:      capacity,
		refillRate:    refillRate,
		currentTokens: capacity,
	}
}

// Admit checks whether the request can be admitted given current token availability.
func (tb *TokenBucket) Admit(req *engine.Request, now time.Time) (bool, string) {
	if tb.lastRefill.IsZero() {
		tb.lastRefill = now
	}
	elapsed := now.Sub(tb.lastRefill)
	if elapsed > 0 {
		refill := elapsed.Seconds() * tb.refillRate
		tb.currentTokens = min(tb.capacity, tb.currentTokens+refill)
		tb.lastRefill = now
	}
	cost := float64(len(req.Tokens))
	if tb.currentTokens >= cost {
		tb.currentTokens -= cost
		return true, ""
	}
	return false, fmt.Sprintf("insufficient tokens: need %.0f, have %.0f", cost, tb.currentTokens)
}

// NewAdmissionPolicy creates an admission policy by name.
// An empty string defaults to the queue-depth policy.
// Panics on unrecognized names.
func NewAdmissionPolicy(cfg engine.AdmissionConfig) AdmissionPolicy {
	if !engine.ValidAdmissionPolicies[cfg.Policy] {
		panic(fmt.Sprintf("unknown admission policy %q", cfg.Policy))
	}
	switch cfg.Policy {
	case "", engine.AdmissionQueueDepth:
		return &AlwaysAdmit{}
	case engine.AdmissionTokenBucket:
		return NewTokenBucket(cfg.TokenBucketCapacity, cfg.TokenBucketRefillRate)
	default:
		panic(fmt.Sprintf("unhandled admission policy %q", cfg.Policy))
	}
}
