package shard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterInstance struct {
	shardID int
	hits    int
	stopped *atomic.Int32
	stopErr error
}

func (c *counterInstance) Stop(context.Context) error {
	c.stopped.Add(1)
	return c.stopErr
}

func TestDistributedLifecycle(t *testing.T) {
	rt := NewRuntime(3)
	defer rt.Stop()

	var stopped atomic.Int32
	d := NewDistributed[*counterInstance](rt, "counter")
	err := d.Start(context.Background(), func(_ context.Context, id int) (*counterInstance, error) {
		return &counterInstance{shardID: id, stopped: &stopped}, nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, i, d.Local(i).shardID)
	}

	// each instance is only touched by its own shard
	require.NoError(t, d.InvokeOnAll(context.Background(), func(_ context.Context, c *counterInstance) error {
		c.hits++
		return nil
	}))
	require.NoError(t, d.InvokeOn(context.Background(), 1, func(_ context.Context, c *counterInstance) error {
		c.hits++
		return nil
	}))
	assert.Equal(t, 1, d.Local(0).hits)
	assert.Equal(t, 2, d.Local(1).hits)

	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, int32(3), stopped.Load())
	assert.Nil(t, d.Local(0))
}

func TestDistributedStopWithoutStart(t *testing.T) {
	rt := NewRuntime(2)
	defer rt.Stop()

	d := NewDistributed[*counterInstance](rt, "never-started")
	require.NoError(t, d.Stop(context.Background()))
}

func TestDistributedStartFailureStillStoppable(t *testing.T) {
	rt := NewRuntime(3)
	defer rt.Stop()

	var stopped atomic.Int32
	d := NewDistributed[*counterInstance](rt, "partial")
	err := d.Start(context.Background(), func(_ context.Context, id int) (*counterInstance, error) {
		if id == 1 {
			return nil, errors.New("no resources")
		}
		return &counterInstance{shardID: id, stopped: &stopped}, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partial: construct on shard 1")

	// instances built on the other shards are released, the nil one is skipped
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, int32(2), stopped.Load())
}

func TestDistributedStopCombinesErrors(t *testing.T) {
	rt := NewRuntime(2)
	defer rt.Stop()

	var stopped atomic.Int32
	d := NewDistributed[*counterInstance](rt, "failing")
	require.NoError(t, d.Start(context.Background(), func(_ context.Context, id int) (*counterInstance, error) {
		return &counterInstance{shardID: id, stopped: &stopped, stopErr: errors.New("close failed")}, nil
	}))

	err := d.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop on shard 0")
	assert.Contains(t, err.Error(), "stop on shard 1")
	assert.Equal(t, int32(2), stopped.Load())
}

func TestDistributedDoubleStart(t *testing.T) {
	rt := NewRuntime(1)
	defer rt.Stop()

	d := NewDistributed[int](rt, "ints")
	ctor := func(_ context.Context, id int) (int, error) { return id, nil }
	require.NoError(t, d.Start(context.Background(), ctor))
	require.Error(t, d.Start(context.Background(), ctor))
}
