package integration

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwanlab/ratewatch/internal/observability"
	"github.com/sdwanlab/ratewatch/internal/server"
	"github.com/sdwanlab/ratewatch/internal/server/handlers"
)

// cleanupMetrics tears down global telemetry state so each test starts clean.
func cleanupMetrics(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { _ = observability.StopMetrics() })
}

// isPermissionError reports whether err means the sandbox refused a socket.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func initMetricsOrSkip(t *testing.T) {
	t.Helper()
	if err := observability.InitMetrics("test", 0, "test"); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}
	cleanupMetrics(t)
}

// listenOrSkip binds IPv4 loopback explicitly and skips when sockets are blocked.
func listenOrSkip(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping: cannot bind loopback: %v", err)
		}
		require.NoError(t, err)
	}
	return listener
}

func startHTTP(t *testing.T, handler http.Handler) (*httptest.Server, *http.Client) {
	t.Helper()
	ts := &httptest.Server{
		Listener: listenOrSkip(t),
		Config:   &http.Server{Handler: handler},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts, ts.Client()
}

func scrape(t *testing.T, client *http.Client, url string) (int, string, string) {
	t.Helper()
	resp, err := client.Get(url + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	return resp.StatusCode, resp.Header.Get("Content-Type"), string(body)
}

func TestMetricsEndpoint_PrometheusFormat(t *testing.T) {
	observability.InitCLILogger("test", false)
	observability.InitServerLogger("test", "info", "")
	initMetricsOrSkip(t)
	handlers.InitHealthManager("test")

	ts, client := startHTTP(t, server.New(server.Options{Host: "127.0.0.1"}).Handler())

	for i := 0; i < 5; i++ {
		resp, err := client.Get(ts.URL + "/health/live")
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}

	status, contentType, body := scrape(t, client, ts.URL)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(contentType, "text/plain; version=0.0.4"), "got content type %q", contentType)
	assert.Contains(t, body, "test_http_requests_total")

	metricLines := 0
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if !strings.HasPrefix(line, "#") && strings.TrimSpace(line) != "" {
			metricLines++
		}
	}
	assert.Greater(t, metricLines, 0)
}

func TestMetricsEndpoint_WithTelemetryDisabled(t *testing.T) {
	observability.InitCLILogger("test", false)
	observability.InitServerLogger("test", "info", "")

	originalExporter := observability.PrometheusExporter
	originalTelemetry := observability.TelemetrySystem
	observability.PrometheusExporter = nil
	observability.TelemetrySystem = nil
	t.Cleanup(func() {
		observability.PrometheusExporter = originalExporter
		observability.TelemetrySystem = originalTelemetry
	})

	handlers.InitHealthManager("test")
	ts, client := startHTTP(t, server.New(server.Options{Host: "127.0.0.1"}).Handler())

	status, _, _ := scrape(t, client, ts.URL)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
