package shard

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Runtime owns a fixed set of shards, one per available CPU core by default
type Runtime struct {
	shards   []*Shard
	stopOnce sync.Once
}

// NewRuntime creates and starts count shards. count <= 0 uses runtime.NumCPU().
func NewRuntime(count int) *Runtime {
	if count <= 0 {
		count = runtime.NumCPU()
	}

	r := &Runtime{shards: make([]*Shard, count)}
	for i := range r.shards {
		r.shards[i] = newShard(i)
	}

	Logger.Infof("started runtime with %d shards", count)
	return r
}

// Count returns the number of shards
func (r *Runtime) Count() int {
	return len(r.shards)
}

// Shard returns the shard with the given id. It panics for ids out of range.
func (r *Runtime) Shard(id int) *Shard {
	return r.shards[id]
}

// InvokeOn runs fn on exactly one shard and waits for it
func (r *Runtime) InvokeOn(ctx context.Context, id int, fn func(ctx context.Context, s *Shard) error) error {
	if id < 0 || id >= len(r.shards) {
		return fmt.Errorf("invalid shard id %d (have %d shards)", id, len(r.shards))
	}
	s := r.shards[id]
	return s.Submit(ctx, func(ctx context.Context) error { return fn(ctx, s) })
}

// InvokeOnAll runs fn on every shard concurrently. It returns once all shards
// finished, with the first error any of them reported.
func (r *Runtime) InvokeOnAll(ctx context.Context, fn func(ctx context.Context, s *Shard) error) error {
	g := errgroup.Group{}
	for _, s := range r.shards {
		s := s
		g.Go(func() error {
			return s.Submit(ctx, func(ctx context.Context) error { return fn(ctx, s) })
		})
	}
	return g.Wait()
}

// Stop drains and stops every shard. Calling it twice is a no-op.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		for _, s := range r.shards {
			s.stop()
		}
		Logger.Infof("stopped runtime with %d shards", len(r.shards))
	})
}
