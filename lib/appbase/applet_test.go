package appbase

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counters struct {
	started, graceful, stopped atomic.Int32
}

type testApplet struct {
	shardID int
	c       *counters
}

func (a *testApplet) Start(context.Context) error {
	a.c.started.Add(1)
	return nil
}

func (a *testApplet) GracefulStop(context.Context) error {
	a.c.graceful.Add(1)
	return nil
}

func (a *testApplet) Stop(context.Context) error {
	a.c.stopped.Add(1)
	return nil
}

func itoa(port uint16) string {
	return strconv.Itoa(int(port))
}

func TestAppletLifecycle(t *testing.T) {
	app := NewApp(testConfig())
	c := &counters{}

	d, err := AddApplet(app, "test-applet", func(_ context.Context, id int) (*testApplet, error) {
		return &testApplet{shardID: id, c: c}, nil
	})
	require.NoError(t, err)

	done := startApp(t, app)
	assert.Equal(t, int32(2), c.started.Load())
	assert.Equal(t, 1, d.Local(1).shardID)

	app.Stop(0)
	r := waitResult(t, done)
	require.NoError(t, r.err)

	assert.Equal(t, int32(2), c.graceful.Load())
	assert.Equal(t, int32(2), c.stopped.Load())
}
