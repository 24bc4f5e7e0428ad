// Implements the WaitQueue, which holds the requests of one phase waiting to be
// batched. Requests are enqueued on Submit in arrival order.

package sched

import (
	"fmt"
	"strings"

	"github.com/inference-sim/inference-runtime/engine"
)

// WaitQueue is a FIFO queue of same-phase requests waiting for batch formation.
type WaitQueue struct {
	queue []*engine.Request
}

// Enqueue adds a request to the back of the wait queue.
func (wq *WaitQueue) Enqueue(r *engine.Request) {
	wq.queue = append(wq.queue, r)
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, val := range wq.queue {
		sb.WriteString(fmt.Sprint(val))
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of requests in the queue.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the request at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Peek() *engine.Request {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Items returns the queue contents for iteration.
// The returned slice is the queue's internal storage; callers MUST NOT append to
// or reslice it.
func (wq *WaitQueue) Items() []*engine.Request {
	return wq.queue
}

// Take removes up to max requests accepted by pick, scanning from the front, and
// returns them in queue order. pick sees each candidate once and may keep state.
func (wq *WaitQueue) Take(max int, pick func(*engine.Request) bool) []*engine.Request {
	if pick == nil {
		panic("Take: pick must not be nil")
	}
	var taken []*engine.Request
	kept := wq.queue[:0]
	for _, r := range wq.queue {
		if len(taken) < max && pick(r) {
			taken = append(taken, r)
			continue
		}
		kept = append(kept, r)
	}
	clear(wq.queue[len(kept):])
	wq.queue = kept
	return taken
}

// RemoveIf removes every request for which drop returns true and returns them in
// queue order.
func (wq *WaitQueue) RemoveIf(drop func(*engine.Request) bool) []*engine.Request {
	return wq.Take(len(wq.queue), drop)
}
