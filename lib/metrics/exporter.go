package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dRT/rpc/common"
	vm "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("metrics")

// Exporter serves the process metrics over HTTP and optionally pushes them to a
// push proxy. Only the primary instance (shard 0) binds the port; the other
// shards hold inactive exporters so every shard owns one instance.
type Exporter struct {
	conf    common.PromConfig
	primary bool

	mu         sync.Mutex
	server     *http.Server
	listener   net.Listener
	cancelPush context.CancelFunc
}

// NewExporter creates an exporter. Inactive exporters start and stop without effect.
func NewExporter(conf common.PromConfig, primary bool) *Exporter {
	return &Exporter{conf: conf, primary: primary}
}

// Start binds the HTTP endpoint and starts pushing if a push address is configured
func (e *Exporter) Start(ctx context.Context) error {
	if !e.primary {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(e.conf.Port))))
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on port %d: %w", e.conf.Port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", loggerMiddleware(e.handleMetrics))
	mux.HandleFunc("GET /{$}", loggerMiddleware(e.handleIndex))

	e.listener = ln
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server failed: %v", err)
		}
	}(e.server)
	Logger.Infof("serving metrics on http://%s/metrics", ln.Addr())

	if e.conf.PushAddress != "" {
		if err := e.startPush(); err != nil {
			_ = e.server.Close()
			e.server = nil
			return err
		}
	}
	return nil
}

// Stop shuts the HTTP endpoint down and stops pushing. It always succeeds.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelPush != nil {
		e.cancelPush()
		e.cancelPush = nil
	}
	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			Logger.Warningf("failed to shut down metrics server: %v", err)
		}
		e.server = nil
		Logger.Infof("metrics server stopped")
	}
	return nil
}

// Addr returns the bound address, empty for inactive exporters
func (e *Exporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// PushURL returns the URL metrics are pushed to
func (e *Exporter) PushURL() string {
	addr := e.conf.PushAddress
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if strings.Count(addr, "/") > 2 {
		return addr
	}
	return fmt.Sprintf("%s/metrics/job/%s", addr, e.conf.Prefix)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (e *Exporter) startPush() error {
	ctx, cancel := context.WithCancel(context.Background())

	interval := e.conf.PushInterval
	if interval <= 0 {
		interval = common.DefaultPrometheusPushInterval
	}

	opts := &vm.PushOptions{
		ExtraLabels: fmt.Sprintf(`app=%q`, e.conf.Prefix),
	}
	if err := vm.InitPushWithOptions(ctx, e.PushURL(), interval, true, opts); err != nil {
		cancel()
		return fmt.Errorf("failed to push metrics to %s: %w", e.conf.PushAddress, err)
	}
	e.cancelPush = cancel
	Logger.Infof("pushing metrics to %s every %s", e.PushURL(), interval)
	return nil
}

func (e *Exporter) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	vm.WritePrometheus(w, true)
}

func (e *Exporter) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "%s\n\nsee /metrics\n", e.conf.HelpMessage)
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}
