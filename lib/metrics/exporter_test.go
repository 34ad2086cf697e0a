package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRT/rpc/common"
	vm "github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporterServesMetrics(t *testing.T) {
	vm.GetOrCreateCounter(`exporter_test_total`).Inc()

	e := NewExporter(common.PromConfig{HelpMessage: "test metrics", Prefix: "test"}, true)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())
	require.NotEmpty(t, e.Addr())

	resp, err := http.Get("http://" + e.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "exporter_test_total 1")

	index, err := http.Get("http://" + e.Addr() + "/")
	require.NoError(t, err)
	defer index.Body.Close()
	body, _ = io.ReadAll(index.Body)
	assert.Contains(t, string(body), "test metrics")
}

func TestInactiveExporter(t *testing.T) {
	e := NewExporter(common.PromConfig{Port: 1}, false)
	require.NoError(t, e.Start(context.Background()))
	assert.Empty(t, e.Addr())
	assert.NoError(t, e.Stop(context.Background()))
}

func TestStopWithoutStart(t *testing.T) {
	e := NewExporter(common.PromConfig{}, true)
	assert.NoError(t, e.Stop(context.Background()))
}

func TestExporterPushes(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	e := NewExporter(common.PromConfig{Prefix: "drt", PushAddress: proxy.URL, PushInterval: 20 * time.Millisecond}, true)
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(paths) > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/metrics/job/drt", paths[0])
}

func TestPushURL(t *testing.T) {
	tests := map[string]string{
		"localhost:9091":                    "http://localhost:9091/metrics/job/app",
		"http://proxy:9091":                 "http://proxy:9091/metrics/job/app",
		"https://vm:8428/api/v1/import/prom": "https://vm:8428/api/v1/import/prom",
	}
	for in, want := range tests {
		e := NewExporter(common.PromConfig{Prefix: "app", PushAddress: in}, true)
		assert.Equal(t, want, e.PushURL(), in)
	}
}
