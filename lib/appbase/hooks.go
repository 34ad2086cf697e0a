package appbase

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Hook is an asynchronous action run during shutdown
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// HookStack is an append-only list of hooks executed last-registered-first
type HookStack struct {
	mu    sync.Mutex
	hooks []namedHook
}

// Push appends a hook
func (s *HookStack) Push(name string, fn Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, namedHook{name: name, fn: fn})
}

// Len returns the number of registered hooks
func (s *HookStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hooks)
}

// RunReverse runs every hook sequentially in reverse registration order. A
// failing or panicking hook is logged and the next one still runs. The
// returned error combines all failures.
func (s *HookStack) RunReverse(ctx context.Context) error {
	s.mu.Lock()
	hooks := append([]namedHook(nil), s.hooks...)
	s.mu.Unlock()

	var errs error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := runHook(ctx, h); err != nil {
			Logger.Warningf("stop hook %q failed: %v", h.name, err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func runHook(ctx context.Context, h namedHook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", h.name, r)
		}
	}()
	Logger.Debugf("running stop hook %q", h.name)
	if err := h.fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", h.name, err)
	}
	return nil
}
