package inference

import (
	"context"
	"sync"
	"sync/atomic"
)

// job is one decoded frame waiting for a detection worker.
type job struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomID     string
	frameID    []byte // raw JSON, echoed back verbatim
	captureTS  float64
	recvTS     float64
	imageBytes []byte

	deliver func(Result)

	// roomGone is set when the owning room is purged; the job is then
	// discarded without delivering a result.
	roomGone atomic.Bool
}

// jobQueue is a count-bounded FIFO with a drop-oldest overflow policy.
//
// It buffers frames between the socket read loops and the fixed worker pool
// so a slow model invocation never blocks unrelated rooms' signaling traffic.
type jobQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxDepth int
	jobs     []*job
}

func newJobQueue(maxDepth int) *jobQueue {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	q := &jobQueue{maxDepth: maxDepth}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// enqueue appends j, displacing the oldest queued job when the queue is
// full. It never blocks. ok is false once the queue is closed.
func (q *jobQueue) enqueue(j *job) (displaced *job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}

	if len(q.jobs) >= q.maxDepth {
		displaced = q.jobs[0]
		copy(q.jobs, q.jobs[1:])
		q.jobs = q.jobs[:len(q.jobs)-1]
	}

	q.jobs = append(q.jobs, j)
	q.notEmpty.Signal()
	return displaced, true
}

// dequeue blocks until a job is available or the queue is closed.
func (q *jobQueue) dequeue() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.jobs) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.jobs) == 0 {
		return nil, false
	}
	j := q.jobs[0]
	copy(q.jobs, q.jobs[1:])
	q.jobs[len(q.jobs)-1] = nil
	q.jobs = q.jobs[:len(q.jobs)-1]
	return j, true
}

func (q *jobQueue) close() []*job {
	q.mu.Lock()
	pending := q.jobs
	q.jobs = nil
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	return pending
}
