package statusserver_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqldetector/probe/httpclient"
	"github.com/sqldetector/probe/statusserver"
)

func newClient(t *testing.T, mutate func(*httpclient.Config), steps ...httpclient.MockStep) *httpclient.Client {
	t.Helper()

	cfg := httpclient.DefaultConfig()
	cfg.RateLimitPerSec = 1000
	if mutate != nil {
		mutate(&cfg)
	}

	mock := httpclient.NewMockTransport().StubResponse(http.StatusOK, "ok")
	if len(steps) > 0 {
		mock = httpclient.NewMockTransport().StubSequence(steps...)
	}

	client, err := httpclient.New(httpclient.WithConfig(cfg), httpclient.WithTransport(mock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) statusserver.Response[T] {
	t.Helper()

	var out statusserver.Response[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := statusserver.DefaultConfig()

	assert.Equal(t, "127.0.0.1:9464", cfg.Addr)
	assert.Equal(t, "sqldetector-probe", cfg.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.EnablePprof)
	assert.ElementsMatch(t, []string{"/metrics", "/livez", "/readyz"}, cfg.SkipLogPaths)
}

func TestServer_Health(t *testing.T) {
	t.Run("given a fresh client, then live and ready", func(t *testing.T) {
		srv := statusserver.New(newClient(t, nil), statusserver.WithVersion("1.2.3"))

		live := get(t, srv.Handler(), "/livez", nil)
		assert.Equal(t, http.StatusOK, live.Code)

		ready := get(t, srv.Handler(), "/readyz", nil)
		require.Equal(t, http.StatusOK, ready.Code)
		body := decode[statusserver.HealthResponse](t, ready)
		assert.Equal(t, "ok", body.Data.Status)
		assert.Equal(t, "1.2.3", body.Data.Version)
		assert.Contains(t, body.Data.Checks, "circuit")
		assert.Contains(t, body.Data.Checks, "retry_budget")
	})

	t.Run("given an open circuit, then not ready but still live", func(t *testing.T) {
		client := newClient(t, func(c *httpclient.Config) {
			c.CircuitThreshold = 1
			c.CircuitCooldown = time.Minute
		}, httpclient.MockStep{StatusCode: http.StatusInternalServerError})

		_, err := client.Get(context.Background(), "http://target.example/")
		require.ErrorIs(t, err, httpclient.ErrCircuitOpen)

		srv := statusserver.New(client)

		ready := get(t, srv.Handler(), "/readyz", nil)
		require.Equal(t, http.StatusServiceUnavailable, ready.Code)
		body := decode[statusserver.HealthResponse](t, ready)
		require.Len(t, body.Errors, 1)
		assert.Equal(t, "circuit", body.Errors[0].Field)
		assert.Equal(t, 1, body.Data.Checks["circuit"].ConsecutiveFailures)

		assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/livez", nil).Code)
	})

	t.Run("given a spent retry budget, then not ready", func(t *testing.T) {
		client := newClient(t, func(c *httpclient.Config) {
			c.RetryBudget = httpclient.RetryBudgetConfig{Network: 0, Timeout: 0, Server: 1}
			c.CircuitThreshold = 10
		},
			httpclient.MockStep{StatusCode: http.StatusBadGateway},
			httpclient.MockStep{StatusCode: http.StatusBadGateway},
		)

		_, err := client.Get(context.Background(), "http://target.example/")
		require.ErrorIs(t, err, httpclient.ErrRetryBudgetExceeded)

		ready := get(t, statusserver.New(client).Handler(), "/readyz", nil)
		require.Equal(t, http.StatusServiceUnavailable, ready.Code)
		body := decode[statusserver.HealthResponse](t, ready)
		require.Len(t, body.Errors, 1, "zero-configured categories are not reported")
		assert.Equal(t, "retry_budget", body.Errors[0].Field)
		assert.Contains(t, body.Errors[0].Message, "server")
	})

	t.Run("given a custom check, then it is part of readiness", func(t *testing.T) {
		srv := statusserver.New(newClient(t, nil))
		srv.Health().AddReadinessCheck("targets", func(context.Context) error {
			return assert.AnError
		})

		ready := get(t, srv.Handler(), "/readyz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, ready.Code)
	})
}

func TestServer_Metrics(t *testing.T) {
	client := newClient(t, nil)
	_, err := client.Get(context.Background(), "http://a.example/")
	require.NoError(t, err)

	srv := statusserver.New(client)
	rec := get(t, srv.Handler(), "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, "sqldetector_probe_circuit_open 0")
	assert.Contains(t, out, `sqldetector_probe_host_requests_total{host="a.example"} 1`)
	assert.Contains(t, out, `sqldetector_probe_retry_budget_remaining{category="server"} 5`)
	assert.Contains(t, out, "go_goroutines")
}

func TestServer_Stats(t *testing.T) {
	client := newClient(t, nil)
	for _, u := range []string{"http://b.example/", "http://a.example/", "http://a.example/x"} {
		_, err := client.Get(context.Background(), u)
		require.NoError(t, err)
	}

	rec := get(t, statusserver.New(client).Handler(), "/stats", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode[statusserver.StatsResponse](t, rec)
	assert.Equal(t, "closed", body.Data.Circuit)
	assert.Equal(t, map[string]int{"network": 5, "timeout": 5, "server": 5}, body.Data.RetryBudget)
	require.Len(t, body.Data.Hosts, 2)
	assert.Equal(t, "a.example", body.Data.Hosts[0].Host)
	assert.Equal(t, uint64(2), body.Data.Hosts[0].Requests)
}

func TestServer_Routing(t *testing.T) {
	tests := []struct {
		name     string
		opts     []statusserver.Option
		path     string
		wantCode int
	}{
		{name: "given unknown path, then 404 envelope", path: "/nope", wantCode: http.StatusNotFound},
		{name: "given pprof disabled, then 404", path: "/debug/pprof/", wantCode: http.StatusNotFound},
		{
			name:     "given pprof enabled, then index served",
			opts:     []statusserver.Option{statusserver.WithPprof(true)},
			path:     "/debug/pprof/",
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := statusserver.New(newClient(t, nil), tt.opts...)

			rec := get(t, srv.Handler(), tt.path, nil)

			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestServer_RequestID(t *testing.T) {
	srv := statusserver.New(newClient(t, nil))

	t.Run("given an incoming ID, then echoed", func(t *testing.T) {
		rec := get(t, srv.Handler(), "/livez", http.Header{statusserver.RequestIDHeader: {"scan-42"}})
		assert.Equal(t, "scan-42", rec.Header().Get(statusserver.RequestIDHeader))
	})

	t.Run("given a lowercase header name, then still echoed", func(t *testing.T) {
		rec := get(t, srv.Handler(), "/livez", http.Header{"x-request-id": {"scan-43"}})
		assert.Equal(t, "scan-43", rec.Header().Get(statusserver.RequestIDHeader))
	})

	t.Run("given no ID, then one is generated", func(t *testing.T) {
		rec := get(t, srv.Handler(), "/livez", nil)
		assert.Len(t, rec.Header().Get(statusserver.RequestIDHeader), 36)
	})
}

func TestServer_AccessLog(t *testing.T) {
	var buf bytes.Buffer
	srv := statusserver.New(newClient(t, nil), statusserver.WithLogger(zerolog.New(&buf)))

	get(t, srv.Handler(), "/livez", nil)
	assert.Empty(t, buf.String(), "probe endpoints are not logged")

	get(t, srv.Handler(), "/stats", http.Header{statusserver.RequestIDHeader: {"r-1"}})
	assert.Contains(t, buf.String(), `"path":"/stats"`)
	assert.Contains(t, buf.String(), `"request_id":"r-1"`)
	assert.Contains(t, buf.String(), `"status":200`)
}

func TestMiddleware(t *testing.T) {
	t.Run("given Chain, then first is outermost", func(t *testing.T) {
		var order []string
		mw := func(name string) statusserver.Middleware {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					order = append(order, name)
					next.ServeHTTP(w, r)
				})
			}
		}
		h := statusserver.Chain(mw("a"), mw("b"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			order = append(order, "handler")
		}))

		get(t, h, "/", nil)

		assert.Equal(t, []string{"a", "b", "handler"}, order)
	})

	t.Run("given a panic, then 500 envelope and logged", func(t *testing.T) {
		var buf bytes.Buffer
		h := statusserver.Recovery(zerolog.New(&buf))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))

		rec := get(t, h, "/", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "internal server error")
		assert.Contains(t, buf.String(), "panic recovered")
	})
}

func TestServer_Serve(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := statusserver.New(newClient(t, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/livez")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"alive"`))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
