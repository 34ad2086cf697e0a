package shard

import (
	"context"
	"errors"
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("shard")

// ErrShardStopped is returned when work is submitted to a shard whose loop has exited
var ErrShardStopped = errors.New("shard stopped")

// Task is a unit of work executed on a shard's loop goroutine
type Task func()

// Shard is one execution context of the runtime. All tasks posted to a shard
// run sequentially on its loop goroutine, so state owned by the shard needs no
// locking as long as it is only touched from tasks. A task that blocks stalls
// every other task queued on the same shard.
type Shard struct {
	id    int
	queue *MPSC[Task]
	done  chan struct{}

	executed *metrics.Counter
	panics   *metrics.Counter
}

func newShard(id int) *Shard {
	s := &Shard{
		id:       id,
		queue:    NewMPSC[Task](),
		done:     make(chan struct{}),
		executed: metrics.GetOrCreateCounter(fmt.Sprintf(`shard_tasks_executed_total{shard="%d"}`, id)),
		panics:   metrics.GetOrCreateCounter(fmt.Sprintf(`shard_task_panics_total{shard="%d"}`, id)),
	}
	go s.loop()
	return s
}

// ID returns the shard index in [0, Runtime.Count())
func (s *Shard) ID() int {
	return s.id
}

// Post enqueues fn without waiting for it. It returns false if the shard is stopped.
func (s *Shard) Post(fn Task) bool {
	return s.queue.Push(fn)
}

// Submit runs fn on the shard and waits for its result.
// The wait ends early if ctx is cancelled; fn itself keeps running in that case.
func (s *Shard) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res := make(chan error, 1)
	if !s.Post(func() { res <- call(ctx, fn) }) {
		return fmt.Errorf("shard %d: %w", s.id, ErrShardStopped)
	}

	select {
	case err := <-res:
		return err
	case <-s.done:
		// the loop may have exited after delivering the result
		select {
		case err := <-res:
			return err
		default:
			return fmt.Errorf("shard %d: %w", s.id, ErrShardStopped)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks
func (s *Shard) Pending() int {
	return s.queue.Len()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Shard) loop() {
	defer close(s.done)
	for task := range s.queue.Recv() {
		s.run(task)
	}
}

// run executes one task and keeps the loop alive if it panics
func (s *Shard) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Inc()
			Logger.Errorf("shard %d: task panicked: %v", s.id, r)
		}
	}()
	task()
	s.executed.Inc()
}

// stop closes the queue and waits until the loop drained it
func (s *Shard) stop() {
	s.queue.Close()
	<-s.done
}

// call runs fn and converts a panic into an error
func call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
