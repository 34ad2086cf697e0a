package appbase

import (
	"context"

	"github.com/ValentinKolb/dRT/lib/shard"
)

// Applet is a user component replicated on every shard
type Applet interface {
	// Start runs once after all subsystems were started
	Start(ctx context.Context) error
	// GracefulStop finishes outstanding work, it runs in the graceful stop list
	GracefulStop(ctx context.Context) error
	// Stop releases all resources, it runs in the hard stop list
	Stop(ctx context.Context) error
}

// AddApplet registers a distributed user component. The constructor runs on
// every shard during the construct phase, Start on every shard after the
// subsystems were started. GracefulStop and Stop are registered as graceful and
// hard stoppers.
func AddApplet[T Applet](a *App, name string, ctor func(ctx context.Context, shardID int) (T, error)) (*shard.Distributed[T], error) {
	d := shard.NewDistributed[T](a.rt, name)

	if err := a.AddCtor(func(ctx context.Context) error {
		return d.Start(ctx, ctor)
	}); err != nil {
		return nil, err
	}
	if err := a.AddStarter(func(ctx context.Context) error {
		return d.InvokeOnAll(ctx, func(ctx context.Context, v T) error {
			return v.Start(ctx)
		})
	}); err != nil {
		return nil, err
	}

	a.AddGracefulStopper(name, func(ctx context.Context) error {
		return d.InvokeOnAll(ctx, func(ctx context.Context, v T) error {
			if shard.IsNil(v) {
				return nil
			}
			return v.GracefulStop(ctx)
		})
	})
	a.AddHardStopper(name, d.Stop)

	return d, nil
}
