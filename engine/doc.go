// Package engine provides the shared types of the inference runtime core.
//
// # Reading Guide
//
// Start with these files to understand the runtime contract:
//   - request.go: Request lifecycle (queued → dispatched → completed/failed/canceled/timeout)
//   - model.go: the Model and KVCache interfaces consumed by the executor
//   - options.go: runtime configuration with explicit defaults
//
// # Architecture
//
// The engine package defines interfaces and value types; implementations live in
// sub-packages:
//   - engine/kv/: Cache Store (per-session KV entries, LRU eviction, buffer pool)
//   - engine/sched/: Batch Scheduler (per-phase wait queues, admission, batch loop)
//   - engine/executor/: Runtime Executor (Prefill / Decode, telemetry)
//   - engine/pipeline/: Runtime facade wiring the three together
//   - engine/refmodel/: deterministic CPU reference model
//   - engine/trace/: decision trace recording
//   - engine/journal/: SQLite journal of finished requests
//
// The components are built bottom-up: the store knows nothing about batching,
// the scheduler never inspects payloads beyond phase and session id, and the
// executor is the only component that calls the Model.
package engine
