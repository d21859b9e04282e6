package report

import (
	"context"
	"sync"
)

// Queue capacities per overflow policy. Heartbeats and stats go stale, so
// old ones make room for new ones. Status and restart reports must not be
// silently lost, so their queue is deep and drops only at the hard cap.
const (
	dropOldestCap = 16
	retainAllCap  = 1024
)

// reportQueue is a bounded FIFO of marshalled payloads with one of two
// overflow policies.
type reportQueue struct {
	mu         sync.Mutex
	items      [][]byte
	capacity   int
	dropOldest bool
	closed     bool
	signal     chan struct{}
}

func newDropOldestQueue() *reportQueue {
	return &reportQueue{capacity: dropOldestCap, dropOldest: true, signal: make(chan struct{}, 1)}
}

func newRetainAllQueue() *reportQueue {
	return &reportQueue{capacity: retainAllCap, signal: make(chan struct{}, 1)}
}

// push enqueues a payload. It reports whether a payload was discarded: the
// oldest one under drop-oldest, the incoming one under retain-all.
func (q *reportQueue) push(payload []byte) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}
	if len(q.items) >= q.capacity {
		if q.dropOldest {
			q.items = q.items[1:]
		} else {
			return true
		}
		dropped = true
	}
	q.items = append(q.items, payload)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped
}

// pop removes and returns the oldest payload, blocking until one is
// available, the queue is closed and empty, or the context ends.
func (q *reportQueue) pop(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// requeue puts a payload back at the front after a failed publish.
func (q *reportQueue) requeue(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append([][]byte{payload}, q.items...)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// depth returns the current queue length.
func (q *reportQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close marks the queue closed. Remaining items can still be popped.
func (q *reportQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// busHealth tracks publish outcomes across all classes. After any failure
// the retained queues hold off until five consecutive successes prove the
// bus recovered; recovery arms the heartbeat re-announce flag.
type busHealth struct {
	mu          sync.Mutex
	degraded    bool
	consecutive int
	resume      chan struct{}
	onRecover   func()
}

const recoveryThreshold = 5

func newBusHealth(onRecover func()) *busHealth {
	return &busHealth{resume: make(chan struct{}), onRecover: onRecover}
}

func (h *busHealth) success() {
	h.mu.Lock()
	h.consecutive++
	recovered := h.degraded && h.consecutive >= recoveryThreshold
	if recovered {
		h.degraded = false
		close(h.resume)
		h.resume = make(chan struct{})
	}
	h.mu.Unlock()
	if recovered && h.onRecover != nil {
		h.onRecover()
	}
}

func (h *busHealth) failure() {
	h.mu.Lock()
	h.consecutive = 0
	h.degraded = true
	h.mu.Unlock()
}

// waitHealthy blocks while the bus is degraded.
func (h *busHealth) waitHealthy(ctx context.Context) {
	for {
		h.mu.Lock()
		if !h.degraded {
			h.mu.Unlock()
			return
		}
		resume := h.resume
		h.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			return
		}
	}
}
