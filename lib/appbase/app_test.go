package appbase

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRT/rpc/common"
	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepRecorder struct {
	mu    sync.Mutex
	steps map[State][]string
}

func newStepRecorder() *stepRecorder {
	return &stepRecorder{steps: map[State][]string{}}
}

func (r *stepRecorder) observe(phase State, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[phase] = append(r.steps[phase], step)
}

func (r *stepRecorder) get(phase State) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps[phase]...)
}

type result struct {
	code int
	err  error
}

// startApp runs Start in the background and waits until the app is running
func startApp(t *testing.T, app *App) <-chan result {
	t.Helper()
	done := make(chan result, 1)
	go func() {
		code, err := app.Start(context.Background())
		done <- result{code, err}
	}()
	require.Eventually(t, func() bool { return app.State() == Running }, 10*time.Second, 5*time.Millisecond)
	return done
}

func waitResult(t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
		return result{}
	}
}

func testConfig() *common.AppConfig {
	return &common.AppConfig{Name: "test", Shards: 2}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestConflictingTCPOptionsFailBeforeConstruct(t *testing.T) {
	conf := testConfig()
	conf.TCPPort = 12345
	conf.TCPEndpoints = []string{"12346", "12347"}

	rec := newStepRecorder()
	var ctorCalled atomic.Bool
	app := NewApp(conf, WithStepObserver(rec.observe))
	require.NoError(t, app.AddCtor(func(context.Context) error {
		ctorCalled.Store(true)
		return nil
	}))

	code, err := app.Start(context.Background())
	assert.Equal(t, 1, code)
	require.ErrorIs(t, err, common.ErrConflictingTCPOptions)

	assert.Empty(t, rec.get(Constructing))
	assert.False(t, ctorCalled.Load())
	assert.Nil(t, app.Config().Local(0))
	assert.Equal(t, Stopped, app.State())
}

func TestInvalidLogLevelFailsStartup(t *testing.T) {
	conf := testConfig()
	conf.LogLevel = []string{"INFO", "tcp"}

	code, err := NewApp(conf).Start(context.Background())
	assert.Equal(t, 1, code)
	assert.ErrorIs(t, err, common.ErrInvalidLogLevel)
}

func TestLogLevelsAppliedWithManyShards(t *testing.T) {
	conf := testConfig()
	conf.Shards = 4
	conf.LogLevel = []string{"DEBUG", "tcp=WARN"}

	app := NewApp(conf)
	done := startApp(t, app)
	app.Stop(0)
	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)
}

func TestConstructionOrder(t *testing.T) {
	rec := newStepRecorder()
	app := NewApp(testConfig(), WithStepObserver(rec.observe))

	done := startApp(t, app)
	app.Stop(0)
	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)

	assert.Equal(t, []string{"config", "metrics", "vnet", "tcp", "rdma", "auto-rdma", "dispatcher", "user-ctors"}, rec.get(Constructing))
	assert.Equal(t, []string{"subsystems", "user-starters"}, rec.get(Starting))
	assert.Equal(t, Stopped, app.State())
}

func TestStartRegistersProtocolsOnEveryShard(t *testing.T) {
	app := NewApp(testConfig())
	done := startApp(t, app)
	defer waitResult(t, done)
	defer app.Stop(0)

	for id := 0; id < 2; id++ {
		d := app.Dispatcher().Local(id)
		require.NotNil(t, d)
		assert.Equal(t, []string{transport.ProtoAutoRDMA, transport.ProtoRDMA, transport.ProtoTCP}, d.Protocols())
		// neither tcp_port nor tcp_endpoints: outbound only
		assert.Nil(t, d.ServerEndpoint(transport.ProtoTCP))
		assert.False(t, app.RDMA().Local(id).Enabled())
	}
}

func TestStoppersRunInReverseOrder(t *testing.T) {
	app := NewApp(testConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string, err error) Step {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return err
		}
	}

	app.AddGracefulStopper("A", record("graceful-A", nil))
	app.AddGracefulStopper("B", record("graceful-B", errors.New("B failed")))
	app.AddGracefulStopper("C", record("graceful-C", nil))
	app.AddHardStopper("X", record("hard-X", nil))
	app.AddHardStopper("Y", record("hard-Y", nil))

	done := startApp(t, app)
	app.Stop(3)
	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 3, r.code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"graceful-C", "graceful-B", "graceful-A", "hard-Y", "hard-X"}, order)
}

func TestStopIsOnlyHonouredOnce(t *testing.T) {
	app := NewApp(testConfig())
	done := startApp(t, app)

	app.Stop(4)
	app.Stop(5)
	r := waitResult(t, done)
	assert.Equal(t, 4, r.code)

	code, err := app.Start(context.Background())
	assert.Equal(t, 1, code)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestContextCancelStopsApp(t *testing.T) {
	app := NewApp(testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan result, 1)
	go func() {
		code, err := app.Start(ctx)
		done <- result{code, err}
	}()
	require.Eventually(t, func() bool { return app.State() == Running }, 10*time.Second, 5*time.Millisecond)

	cancel()
	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)
}

func TestStartupFailureRunsRegisteredHooks(t *testing.T) {
	app := NewApp(testConfig())

	var gracefulRan atomic.Bool
	app.AddGracefulStopper("cleanup", func(context.Context) error {
		gracefulRan.Store(true)
		return nil
	})

	boom := errors.New("ctor failed")
	require.NoError(t, app.AddCtor(func(context.Context) error { return boom }))
	var starterRan atomic.Bool
	require.NoError(t, app.AddStarter(func(context.Context) error {
		starterRan.Store(true)
		return nil
	}))

	code, err := app.Start(context.Background())
	assert.Equal(t, 1, code)
	assert.ErrorIs(t, err, boom)
	assert.False(t, starterRan.Load())
	assert.True(t, gracefulRan.Load())
	assert.Equal(t, Stopped, app.State())

	// the subsystems were released by their exit hooks
	assert.Nil(t, app.Dispatcher().Local(0))
}

func TestEndToEndSharedPort(t *testing.T) {
	port := freePort(t)
	conf := testConfig()
	conf.TCPPort = port

	app := NewApp(conf)
	done := startApp(t, app)

	for id := 0; id < 2; id++ {
		ep := app.Dispatcher().Local(id).ServerEndpoint(transport.ProtoTCP)
		require.NotNil(t, ep)
		assert.Equal(t, port, ep.Port)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)

	// whichever shard the kernel picked sees a registered tcp channel
	require.Eventually(t, func() bool {
		var total int64
		for id := 0; id < 2; id++ {
			total += app.Dispatcher().Local(id).Channels(transport.ProtoTCP)
		}
		return total == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())

	app.Stop(0)
	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)
}

func TestLateRegistrationRejected(t *testing.T) {
	app := NewApp(testConfig())
	done := startApp(t, app)

	assert.ErrorIs(t, app.AddCtor(func(context.Context) error { return nil }), ErrAlreadyStarted)
	assert.ErrorIs(t, app.AddStarter(func(context.Context) error { return nil }), ErrAlreadyStarted)

	app.Stop(0)
	waitResult(t, done)
}
