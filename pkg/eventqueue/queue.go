// Package eventqueue is the bounded channel between observers and the log writer.
// A full queue discards its oldest record; producers never block.
package eventqueue

import (
	"sync"
	"sync/atomic"

	"github.com/core-tools/hsu-appwatch/pkg/records"
)

type Queue struct {
	mutex  sync.Mutex
	buf    []records.Record
	head   int
	size   int
	closed bool

	dropped  atomic.Uint64
	rejected atomic.Uint64

	notify chan struct{}
	done   chan struct{}
}

// New creates a queue holding at most capacity records
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]records.Record, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Publish enqueues r, evicting the oldest record when full
func (q *Queue) Publish(r records.Record) {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		q.rejected.Add(1)
		return
	}

	capacity := len(q.buf)
	if q.size == capacity {
		q.buf[q.head] = records.Record{}
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped.Add(1)
	}
	q.buf[(q.head+q.size)%capacity] = r
	q.size++
	q.mutex.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PopBatch appends up to max records to dst in arrival order
func (q *Queue) PopBatch(dst []records.Record, max int) []records.Record {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	n := q.size
	if max > 0 && n > max {
		n = max
	}
	capacity := len(q.buf)
	for i := 0; i < n; i++ {
		dst = append(dst, q.buf[q.head])
		q.buf[q.head] = records.Record{}
		q.head = (q.head + 1) % capacity
	}
	q.size -= n
	return dst
}

// Len returns the number of queued records
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns the monotonic count of records evicted by overflow
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Rejected returns the count of records published after Close
func (q *Queue) Rejected() uint64 {
	return q.rejected.Load()
}

// Notify is signalled, coalesced, whenever a record is published
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Close stops accepting records. Already queued records can still be popped.
func (q *Queue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Done is closed by Close
func (q *Queue) Done() <-chan struct{} {
	return q.done
}
