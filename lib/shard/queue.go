package shard

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Lock-free task queue (multi producer, single consumer)
// --------------------------------------------------------------------------

// qnode is one element of the linked list backing the queue
type qnode[T any] struct {
	value T
	next  atomic.Pointer[qnode[T]]
}

// MPSC is an unbounded lock-free multi-producer single-consumer queue.
// Every shard owns one and drains it from its loop goroutine, so items pushed
// by a single producer are consumed in push order. Items pushed concurrently
// by different producers are ordered by whichever CAS wins.
type MPSC[T any] struct {
	head     atomic.Pointer[qnode[T]]
	tail     atomic.Pointer[qnode[T]]
	out      chan T
	consumer sync.WaitGroup
	closed   atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSC creates a queue and starts the goroutine feeding Recv()
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &qnode[T]{}

	q := &MPSC[T]{
		out: make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.pump()

	return q
}

// Push appends an item. It returns false once the queue is closed.
//
// Thread-safe: any number of goroutines may push concurrently.
func (q *MPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &qnode[T]{value: value}
	var spins uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// a failed CAS here means another producer already advanced the tail
				q.tail.CompareAndSwap(tail, n)

				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that linked its node but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin while contention is low, yield when it is not
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// pump moves items from the linked list into the out channel
func (q *MPSC[T]) pump() {
	defer q.consumer.Done()
	defer close(q.out)

	var zero T
	for {
		drained := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			drained = true

			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = zero
		}

		if !drained && q.closed.Load() {
			return
		}

		if !drained {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel the single consumer reads from.
// It is closed after Close() once every pending item was delivered.
func (q *MPSC[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting new items. Pending items are still delivered.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed reports whether Close was called
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len counts the queued items. O(n), meant for stats and debugging.
func (q *MPSC[T]) Len() int {
	count := 0
	current := q.head.Load()
	for {
		next := current.next.Load()
		if next == nil {
			return count
		}
		count++
		current = next
	}
}
