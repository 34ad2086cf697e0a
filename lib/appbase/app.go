package appbase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ValentinKolb/dRT/lib/metrics"
	"github.com/ValentinKolb/dRT/lib/shard"
	"github.com/ValentinKolb/dRT/rpc/common"
	"github.com/ValentinKolb/dRT/rpc/dispatcher"
	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/ValentinKolb/dRT/rpc/transport/auto"
	"github.com/ValentinKolb/dRT/rpc/transport/rdma"
	"github.com/ValentinKolb/dRT/rpc/transport/tcp"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("appbase")

// ErrAlreadyStarted is returned when Start is called twice or a startup step is
// added after its phase began
var ErrAlreadyStarted = errors.New("application already started")

// Step is a user supplied constructor, starter or stopper
type Step func(ctx context.Context) error

// StepObserver is told about every startup step before it runs
type StepObserver func(phase State, step string)

// Option configures an App
type Option func(*App)

// WithRDMAStack sets the RDMA stack of the host. Without it the soft stack is
// used if configured, otherwise RDMA is unavailable.
func WithRDMAStack(stack transport.RDMAStack) Option {
	return func(a *App) {
		a.rdmaStack = stack
	}
}

// WithStepObserver installs an observer of the startup steps
func WithStepObserver(observer StepObserver) Option {
	return func(a *App) {
		a.observer = observer
	}
}

// --------------------------------------------------------------------------
// App
// --------------------------------------------------------------------------

// App brings up the subsystems of the runtime on every shard in dependency
// order and tears them down in reverse order.
type App struct {
	conf      *common.AppConfig
	rt        *shard.Runtime
	rdmaStack transport.RDMAStack
	observer  StepObserver
	state     stateMachine

	config   *shard.Distributed[*common.AppConfig]
	exporter *shard.Distributed[*metrics.Exporter]
	vnet     *shard.Distributed[*transport.VirtualNetworkStack]
	tcp      *shard.Distributed[*tcp.Protocol]
	rdma     *shard.Distributed[*rdma.Protocol]
	auto     *shard.Distributed[*auto.Protocol]
	disp     *shard.Distributed[*dispatcher.Dispatcher]

	mu       sync.Mutex
	ctors    []Step
	starters []Step

	exitHooks HookStack
	hard      HookStack
	graceful  HookStack

	exitOnce sync.Once
	exitCode int
	exitCh   chan struct{}
}

// NewApp creates the application and its shards. Nothing is constructed before Start.
func NewApp(conf *common.AppConfig, opts ...Option) *App {
	common.InstallLoggerFactory()
	a := &App{
		conf:   conf,
		rt:     shard.NewRuntime(conf.Shards),
		exitCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.config = shard.NewDistributed[*common.AppConfig](a.rt, "config")
	a.exporter = shard.NewDistributed[*metrics.Exporter](a.rt, "metrics")
	a.vnet = shard.NewDistributed[*transport.VirtualNetworkStack](a.rt, "vnet")
	a.tcp = shard.NewDistributed[*tcp.Protocol](a.rt, "tcp")
	a.rdma = shard.NewDistributed[*rdma.Protocol](a.rt, "rdma")
	a.auto = shard.NewDistributed[*auto.Protocol](a.rt, "auto-rdma")
	a.disp = shard.NewDistributed[*dispatcher.Dispatcher](a.rt, "dispatcher")
	return a
}

// AddCtor registers a constructor. Constructors run concurrently after all
// subsystems were constructed.
func (a *App) AddCtor(fn Step) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.load() >= Constructing {
		return ErrAlreadyStarted
	}
	a.ctors = append(a.ctors, fn)
	return nil
}

// AddStarter registers a starter. Starters run concurrently after all
// subsystems were started.
func (a *App) AddStarter(fn Step) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.load() >= Starting {
		return ErrAlreadyStarted
	}
	a.starters = append(a.starters, fn)
	return nil
}

// AddHardStopper registers a stopper of the hard stop list
func (a *App) AddHardStopper(name string, fn Step) {
	a.hard.Push(name, Hook(fn))
}

// AddGracefulStopper registers a stopper of the graceful stop list
func (a *App) AddGracefulStopper(name string, fn Step) {
	a.graceful.Push(name, Hook(fn))
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Runtime returns the shards of the application
func (a *App) Runtime() *shard.Runtime {
	return a.rt
}

func (a *App) Config() *shard.Distributed[*common.AppConfig] {
	return a.config
}

func (a *App) Metrics() *shard.Distributed[*metrics.Exporter] {
	return a.exporter
}

func (a *App) VNet() *shard.Distributed[*transport.VirtualNetworkStack] {
	return a.vnet
}

func (a *App) TCP() *shard.Distributed[*tcp.Protocol] {
	return a.tcp
}

func (a *App) RDMA() *shard.Distributed[*rdma.Protocol] {
	return a.rdma
}

func (a *App) AutoRDMA() *shard.Distributed[*auto.Protocol] {
	return a.auto
}

func (a *App) Dispatcher() *shard.Distributed[*dispatcher.Dispatcher] {
	return a.disp
}

// State returns the current lifecycle state
func (a *App) State() State {
	return a.state.load()
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start runs the startup phases and blocks until Stop is called or ctx is done,
// then runs the exit hooks. It returns the exit code and, if startup failed,
// the error that aborted it.
func (a *App) Start(ctx context.Context) (int, error) {
	if !a.state.advance(Configuring) {
		return 1, ErrAlreadyStarted
	}
	defer a.rt.Stop()

	Logger.Infof("starting %s with args %q", a.conf.Name, a.conf.Args)

	if err := a.startup(ctx); err != nil {
		Logger.Errorf("startup of %s failed: %v", a.conf.Name, err)
		a.exit(ctx)
		return 1, err
	}

	a.state.advance(Running)
	a.observe(Running, "")
	Logger.Infof("%s is up and running on %d shards", a.conf.Name, a.rt.Count())

	code := 0
	select {
	case <-a.exitCh:
		code = a.exitCode
	case <-ctx.Done():
		Logger.Infof("%s: %v, shutting down", a.conf.Name, ctx.Err())
	}

	a.exit(ctx)
	Logger.Infof("%s stopped with exit code %d", a.conf.Name, code)
	return code, nil
}

// Stop triggers the exit sequence with the given code. The request is handed
// to shard 0, which owns shutdown; only the first call has an effect.
func (a *App) Stop(code int) {
	trigger := func() {
		a.exitOnce.Do(func() {
			a.exitCode = code
			close(a.exitCh)
		})
	}
	if !a.rt.Shard(0).Post(trigger) {
		trigger()
	}
}

func (a *App) startup(ctx context.Context) error {
	if err := a.configure(); err != nil {
		return fmt.Errorf("configure: %w", err)
	}

	// exit hooks are owned by shard 0
	if err := a.rt.InvokeOn(ctx, 0, func(context.Context, *shard.Shard) error {
		a.registerExitHooks()
		return nil
	}); err != nil {
		return fmt.Errorf("register exit hooks: %w", err)
	}

	a.state.advance(Constructing)
	if err := a.construct(ctx); err != nil {
		return fmt.Errorf("construct: %w", err)
	}

	a.state.advance(Starting)
	if err := a.start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// exit runs the exit hooks on the calling goroutine. Hooks fan out to all
// shards themselves, so running them on shard 0 would block that shard.
func (a *App) exit(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := a.exitHooks.RunReverse(ctx); err != nil {
		Logger.Warningf("%s: shutdown finished with errors: %v", a.conf.Name, err)
	}
	a.state.advance(Stopped)
}

// --------------------------------------------------------------------------
// Phases
// --------------------------------------------------------------------------

func (a *App) configure() error {
	a.observe(Configuring, "options")
	if err := a.conf.Validate(); err != nil {
		return err
	}

	a.observe(Configuring, "log-levels")
	levels, err := common.ParseLogLevels(a.conf.LogLevel)
	if err != nil {
		return err
	}
	// levels are process wide, apply them once
	common.InitLoggers(levels)

	if a.rdmaStack == nil && a.conf.RDMA.SoftDir != "" {
		stack, err := rdma.NewSoftStack(a.conf.RDMA.SoftDir, a.conf.RDMA.SoftBasePort)
		if err != nil {
			return err
		}
		a.rdmaStack = stack
	}

	Logger.Infof("configuration:\n%s", strings.TrimRight(a.conf.String(), "\n"))
	return nil
}

func (a *App) registerExitHooks() {
	a.exitHooks.Push("config", a.config.Stop)
	a.exitHooks.Push("metrics", a.exporter.Stop)
	a.exitHooks.Push("vnet", a.vnet.Stop)
	a.exitHooks.Push("tcp", a.tcp.Stop)
	a.exitHooks.Push("rdma", a.rdma.Stop)
	a.exitHooks.Push("dispatcher", a.disp.Stop)
	a.exitHooks.Push("auto-rdma", a.auto.Stop)
	a.exitHooks.Push("hard-stoppers", func(ctx context.Context) error {
		a.state.advance(HardStopping)
		Logger.Infof("running %d hard stoppers", a.hard.Len())
		if err := a.hard.RunReverse(ctx); err != nil {
			Logger.Warningf("hard stop: %v", err)
		}
		return nil
	})
	a.exitHooks.Push("graceful-stoppers", func(ctx context.Context) error {
		a.state.advance(GracefulStopping)
		Logger.Infof("running %d graceful stoppers", a.graceful.Len())
		if err := a.graceful.RunReverse(ctx); err != nil {
			Logger.Warningf("graceful stop: %v", err)
		}
		return nil
	})
}

func (a *App) construct(ctx context.Context) error {
	a.observe(Constructing, "config")
	if err := a.config.Start(ctx, func(context.Context, int) (*common.AppConfig, error) {
		return a.conf.Clone(), nil
	}); err != nil {
		return err
	}

	a.observe(Constructing, "metrics")
	if err := a.exporter.Start(ctx, func(ctx context.Context, id int) (*metrics.Exporter, error) {
		e := metrics.NewExporter(a.config.Local(id).PromConfigFor(), id == 0)
		return e, e.Start(ctx)
	}); err != nil {
		return err
	}

	a.observe(Constructing, "vnet")
	if err := a.vnet.Start(ctx, func(_ context.Context, id int) (*transport.VirtualNetworkStack, error) {
		conf := a.config.Local(id)
		return transport.NewVirtualNetworkStack(transport.VNetConfig{
			ShardID:         id,
			RDMA:            a.rdmaStack,
			TCPMemoryLimit:  conf.TCPMemoryLimit,
			RDMAMemoryLimit: conf.RDMAMemoryLimit,
		}), nil
	}); err != nil {
		return err
	}

	a.observe(Constructing, "tcp")
	if err := a.tcp.Start(ctx, func(_ context.Context, id int) (*tcp.Protocol, error) {
		opts, err := tcp.OptionsFromConfig(a.config.Local(id))
		if err != nil {
			return nil, err
		}
		return tcp.NewProtocol(a.vnet.Local(id), opts)
	}); err != nil {
		return err
	}

	a.observe(Constructing, "rdma")
	if err := a.rdma.Start(ctx, func(_ context.Context, id int) (*rdma.Protocol, error) {
		return rdma.NewProtocol(a.vnet.Local(id), a.config.Local(id).EnableTxChecksum), nil
	}); err != nil {
		return err
	}

	a.observe(Constructing, "auto-rdma")
	if err := a.auto.Start(ctx, func(_ context.Context, id int) (*auto.Protocol, error) {
		return auto.NewProtocol(a.vnet.Local(id), a.rdma.Local(id), a.tcp.Local(id), a.config.Local(id).EnableTxChecksum), nil
	}); err != nil {
		return err
	}

	a.observe(Constructing, "dispatcher")
	if err := a.disp.Start(ctx, func(_ context.Context, id int) (*dispatcher.Dispatcher, error) {
		return dispatcher.New(a.rt.Shard(id)), nil
	}); err != nil {
		return err
	}

	a.observe(Constructing, "user-ctors")
	return a.runConcurrently(ctx, a.snapshot(&a.ctors))
}

func (a *App) start(ctx context.Context) error {
	a.observe(Starting, "subsystems")
	if err := a.rt.InvokeOnAll(ctx, func(ctx context.Context, s *shard.Shard) error {
		id := s.ID()
		d := a.disp.Local(id)

		a.vnet.Local(id).Start()

		steps := []transport.Protocol{a.tcp.Local(id), a.rdma.Local(id), a.auto.Local(id)}
		for _, p := range steps {
			// a protocol must be ready before the dispatcher sees its channels
			if err := p.Start(ctx); err != nil {
				return fmt.Errorf("shard %d: start %s: %w", id, p.Name(), err)
			}
			if err := d.RegisterProtocol(p); err != nil {
				return fmt.Errorf("shard %d: register %s: %w", id, p.Name(), err)
			}
		}
		return d.Start(ctx)
	}); err != nil {
		return err
	}

	a.observe(Starting, "user-starters")
	return a.runConcurrently(ctx, a.snapshot(&a.starters))
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (a *App) snapshot(steps *[]Step) []Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Step(nil), (*steps)...)
}

// runConcurrently runs all steps at once and waits for every one of them
func (a *App) runConcurrently(ctx context.Context, steps []Step) error {
	g := errgroup.Group{}
	for _, step := range steps {
		step := step
		g.Go(func() error { return step(ctx) })
	}
	return g.Wait()
}

func (a *App) observe(phase State, step string) {
	if step != "" {
		Logger.Debugf("%s: %s", phase, step)
	}
	if a.observer != nil {
		a.observer(phase, step)
	}
}
