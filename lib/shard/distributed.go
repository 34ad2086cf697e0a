package shard

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/multierr"
)

// Stopper is implemented by per-shard instances that hold resources.
// Distributed.Stop calls it on every shard before dropping the instances.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Distributed is a singleton replicated once per shard. Instance i is created,
// used and stopped on shard i only; other shards reach it through InvokeOn.
type Distributed[T any] struct {
	rt   *Runtime
	name string

	mu        sync.RWMutex
	instances []T
	started   bool
}

// NewDistributed creates an empty distributed object. Nothing is constructed before Start.
func NewDistributed[T any](rt *Runtime, name string) *Distributed[T] {
	return &Distributed[T]{rt: rt, name: name}
}

// Name returns the name used in log lines
func (d *Distributed[T]) Name() string {
	return d.name
}

// Start constructs one instance per shard by running ctor on that shard
func (d *Distributed[T]) Start(ctx context.Context, ctor func(ctx context.Context, shardID int) (T, error)) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("%s: already started", d.name)
	}
	instances := make([]T, d.rt.Count())
	d.mu.Unlock()

	err := d.rt.InvokeOnAll(ctx, func(ctx context.Context, s *Shard) error {
		v, err := ctor(ctx, s.ID())
		if err != nil {
			return fmt.Errorf("%s: construct on shard %d: %w", d.name, s.ID(), err)
		}
		instances[s.ID()] = v
		return nil
	})

	// keep whatever was built so Stop can release it
	d.mu.Lock()
	d.instances = instances
	d.started = true
	d.mu.Unlock()

	return err
}

// Local returns the instance owned by shard id. Callers outside that shard must
// not mutate it; use InvokeOn instead.
func (d *Distributed[T]) Local(id int) T {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var zero T
	if id < 0 || id >= len(d.instances) {
		return zero
	}
	return d.instances[id]
}

// InvokeOn runs fn with the instance of shard id, on that shard
func (d *Distributed[T]) InvokeOn(ctx context.Context, id int, fn func(ctx context.Context, v T) error) error {
	return d.rt.InvokeOn(ctx, id, func(ctx context.Context, s *Shard) error {
		return fn(ctx, d.Local(s.ID()))
	})
}

// InvokeOnAll runs fn on every shard with that shard's instance and waits for all of them
func (d *Distributed[T]) InvokeOnAll(ctx context.Context, fn func(ctx context.Context, v T) error) error {
	return d.rt.InvokeOnAll(ctx, func(ctx context.Context, s *Shard) error {
		return fn(ctx, d.Local(s.ID()))
	})
}

// Stop calls Stop on every instance implementing Stopper and drops all instances.
// It is safe to call without a prior Start. Errors of all shards are combined.
func (d *Distributed[T]) Stop(ctx context.Context) error {
	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()
	if !started {
		return nil
	}

	var (
		errMu sync.Mutex
		errs  error
	)
	err := d.rt.InvokeOnAll(ctx, func(ctx context.Context, s *Shard) error {
		v := any(d.Local(s.ID()))
		stopper, ok := v.(Stopper)
		if !ok || IsNil(v) {
			return nil
		}
		if err := stopper.Stop(ctx); err != nil {
			errMu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("%s: stop on shard %d: %w", d.name, s.ID(), err))
			errMu.Unlock()
		}
		return nil
	})
	errs = multierr.Append(errs, err)

	d.mu.Lock()
	d.instances = nil
	d.started = false
	d.mu.Unlock()

	return errs
}

// IsNil reports whether v holds a nil pointer, e.g. an instance whose ctor failed
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
