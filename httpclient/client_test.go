package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig is DefaultConfig without the rate limit getting in the way.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RateLimitPerSec = 1000
	return cfg
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()

	client, err := New(append([]Option{WithConfig(cfg)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func connRefused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr assert.ErrorAssertionFunc
		check   func(t *testing.T, c *Client)
	}{
		{
			name:    "given no options, then uses the default profile",
			wantErr: assert.NoError,
			check: func(t *testing.T, c *Client) {
				assert.Equal(t, DefaultConfig(), c.Config())
				assert.Equal(t, 5, c.limiter.Capacity())
				assert.Equal(t, PoolStats{
					MaxIdleConns:        20,
					MaxIdleConnsPerHost: 20,
					MaxConnsPerHost:     100,
					IdleConnTimeout:     90 * time.Second,
				}, c.PoolStats())
				assert.Nil(t, c.coalesce)
				assert.Nil(t, c.guard)
			},
		},
		{
			name:    "given turbo preset, then pool and concurrency follow it",
			opts:    []Option{WithConfig(TurboConfig())},
			wantErr: assert.NoError,
			check: func(t *testing.T, c *Client) {
				assert.Equal(t, 200, c.PoolStats().MaxConnsPerHost)
				assert.Equal(t, 50, c.limiter.Capacity())
			},
		},
		{
			name:    "given custom transport, then pool stats are empty",
			opts:    []Option{WithTransport(NewMockTransport())},
			wantErr: assert.NoError,
			check: func(t *testing.T, c *Client) {
				assert.Equal(t, PoolStats{}, c.PoolStats())
				assert.Nil(t, c.transport)
			},
		},
		{
			name: "given coalescing and host guard, then both are built",
			opts: []Option{
				WithConfig(func() Config {
					cfg := DefaultConfig()
					cfg.CoalesceGets = true
					return cfg
				}()),
				WithHostBreaker(DefaultHostBreakerConfig()),
			},
			wantErr: assert.NoError,
			check: func(t *testing.T, c *Client) {
				assert.NotNil(t, c.coalesce)
				assert.NotNil(t, c.guard)
			},
		},
		{
			name: "given zero rate limit, then returns ErrInvalidConfig",
			opts: []Option{WithConfig(func() Config {
				cfg := DefaultConfig()
				cfg.RateLimitPerSec = 0
				return cfg
			}())},
			wantErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, ErrInvalidConfig)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.opts...)

			tt.wantErr(t, err)
			if tt.check != nil && err == nil {
				tt.check(t, c)
			}
		})
	}
}

func TestClient_Get(t *testing.T) {
	uaCh := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uaCh <- r.UserAgent()
		w.Header().Set("X-Backend", "db-1")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "hello")
	}))
	defer server.Close()

	client := newTestClient(t, fastConfig())

	resp, err := client.Get(context.Background(), server.URL+"/item?id=1")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, "db-1", resp.Header.Get("x-backend"), "header lookup is case-insensitive")
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, 1, resp.Attempts)
	assert.False(t, resp.Hedged)
	assert.NotEmpty(t, resp.RequestID)
	assert.Positive(t, resp.Elapsed)
	assert.GreaterOrEqual(t, resp.Total, resp.Elapsed)
	assert.Equal(t, "sqldetector-probe/1.0", <-uaCh)
}

func TestClient_Request_InvalidURL(t *testing.T) {
	tests := []struct {
		name   string
		rawURL string
	}{
		{name: "given unsupported scheme, then fails", rawURL: "ftp://target.example/x"},
		{name: "given missing host, then fails", rawURL: "http:///path"},
		{name: "given unparsable url, then fails", rawURL: "http://[::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTransport().StubResponse(200, "ok")
			client := newTestClient(t, fastConfig(), WithTransport(mock))

			_, err := client.Get(context.Background(), tt.rawURL)

			assert.Error(t, err)
			assert.Zero(t, mock.RequestCount())
		})
	}
}

func TestClient_ServerErrors(t *testing.T) {
	t.Run("given 500, 500, 200, then succeeds on the third attempt", func(t *testing.T) {
		mock := NewMockTransport().StubSequence(
			MockStep{StatusCode: 500},
			MockStep{StatusCode: 500},
			MockStep{StatusCode: 200, Body: "ok"},
		)
		client := newTestClient(t, fastConfig(), WithTransport(mock))

		resp, err := client.Get(context.Background(), "http://target.example/")

		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Text())
		assert.Equal(t, 3, resp.Attempts)
		assert.Equal(t, 3, mock.RequestCount())
		assert.Equal(t, 3, client.budget.Remaining(CategoryServer))
		assert.Equal(t, 0, client.breaker.ConsecutiveFailures())
	})

	t.Run("given server budget 2 and only 500s, then budget is exceeded for good", func(t *testing.T) {
		cfg := fastConfig()
		cfg.RetryBudget = RetryBudgetConfig{Network: 5, Timeout: 5, Server: 2}
		cfg.CircuitThreshold = 10
		mock := NewMockTransport().StubResponse(500, "boom")
		client := newTestClient(t, cfg, WithTransport(mock))

		_, err := client.Get(context.Background(), "http://target.example/")

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetryBudgetExceeded)
		assert.ErrorIs(t, err, ErrServerError)
		assert.Equal(t, 3, mock.RequestCount())

		_, err = client.Get(context.Background(), "http://other.example/")
		assert.ErrorIs(t, err, ErrRetryBudgetExceeded, "the ledger is engine-wide and never refills")
		assert.Equal(t, 4, mock.RequestCount())
	})

	t.Run("given budget 10 and only 500s, then the circuit opens and stays open", func(t *testing.T) {
		cfg := fastConfig()
		cfg.RetryBudget = UniformRetryBudget(10)
		cfg.CircuitCooldown = time.Minute
		mock := NewMockTransport().StubResponse(500, "boom")
		client := newTestClient(t, cfg, WithTransport(mock))

		_, err := client.Get(context.Background(), "http://target.example/")

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.True(t, openErr.RetryAt.After(time.Now()))
		assert.Equal(t, 3, mock.RequestCount())

		_, err = client.Get(context.Background(), "http://other.example/")
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, 3, mock.RequestCount(), "no I/O while open")
		assert.Equal(t, 7, client.budget.Remaining(CategoryServer))
	})

	t.Run("given cool-down elapsed, then a success resets the counter", func(t *testing.T) {
		cfg := fastConfig()
		cfg.RetryBudget = UniformRetryBudget(10)
		cfg.CircuitCooldown = 100 * time.Millisecond
		mock := NewMockTransport().StubSequence(
			MockStep{StatusCode: 500},
			MockStep{StatusCode: 500},
			MockStep{StatusCode: 500},
			MockStep{StatusCode: 200, Body: "back"},
		)
		client := newTestClient(t, cfg, WithTransport(mock))

		_, err := client.Get(context.Background(), "http://target.example/")
		require.ErrorIs(t, err, ErrCircuitOpen)

		time.Sleep(150 * time.Millisecond)

		resp, err := client.Get(context.Background(), "http://target.example/")
		require.NoError(t, err)
		assert.Equal(t, "back", resp.Text())
		assert.Equal(t, 0, client.breaker.ConsecutiveFailures())
		assert.Equal(t, CircuitClosed, client.breaker.State())
	})
}

func TestClient_Pacing(t *testing.T) {
	t.Run("given 429 then 200, then pauses once and spends no budget", func(t *testing.T) {
		mock := NewMockTransport().StubSequence(
			MockStep{StatusCode: 429},
			MockStep{StatusCode: 200, Body: "ok"},
		)
		client := newTestClient(t, fastConfig(), WithTransport(mock))

		start := time.Now()
		resp, err := client.Get(context.Background(), "http://target.example/")
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 2, mock.RequestCount())
		assert.GreaterOrEqual(t, elapsed, time.Second)
		assert.Less(t, elapsed, 1500*time.Millisecond)
		assert.Equal(t, map[Category]int{
			CategoryNetwork: 5,
			CategoryTimeout: 5,
			CategoryServer:  5,
		}, client.budget.Snapshot())
	})

	t.Run("given 403 then 200, then treated like 429", func(t *testing.T) {
		cfg := fastConfig()
		cfg.PacingPause = 50 * time.Millisecond
		mock := NewMockTransport().StubSequence(
			MockStep{StatusCode: 403},
			MockStep{StatusCode: 200},
		)
		client := newTestClient(t, cfg, WithTransport(mock))

		resp, err := client.Get(context.Background(), "http://target.example/")

		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, 2, resp.Attempts)
	})

	t.Run("given pacing between server errors, then the breaker run is broken", func(t *testing.T) {
		cfg := fastConfig()
		cfg.PacingPause = 50 * time.Millisecond
		cfg.CircuitThreshold = 2
		mock := NewMockTransport().StubSequence(
			MockStep{StatusCode: 500},
			MockStep{StatusCode: 429},
			MockStep{StatusCode: 500},
			MockStep{StatusCode: 200},
		)
		client := newTestClient(t, cfg, WithTransport(mock))

		resp, err := client.Get(context.Background(), "http://target.example/")

		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, 3, client.budget.Remaining(CategoryServer))
	})

	t.Run("given caller deadline during the pause, then returns the context error", func(t *testing.T) {
		cfg := fastConfig()
		cfg.PacingPause = 5 * time.Second
		mock := NewMockTransport().StubResponse(429, "")
		client := newTestClient(t, cfg, WithTransport(mock))

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := client.Get(ctx, "http://target.example/")

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("given endless pacing and a max elapsed time, then returns ErrThrottled", func(t *testing.T) {
		cfg := fastConfig()
		cfg.PacingPause = 50 * time.Millisecond
		cfg.MaxElapsedTime = 120 * time.Millisecond
		mock := NewMockTransport().StubResponse(429, "")
		client := newTestClient(t, cfg, WithTransport(mock))

		_, err := client.Get(context.Background(), "http://target.example/")

		assert.ErrorIs(t, err, ErrThrottled)
		assert.Equal(t, 5, client.budget.Remaining(CategoryServer))
	})
}

func TestClient_TransportFailures(t *testing.T) {
	t.Run("given network budget 2, then the third failure exceeds it", func(t *testing.T) {
		cfg := fastConfig()
		cfg.RetryBudget = RetryBudgetConfig{Network: 2, Timeout: 5, Server: 5}
		mock := NewMockTransport().StubError(connRefused())
		client := newTestClient(t, cfg, WithTransport(mock))

		_, err := client.Get(context.Background(), "http://target.example/")

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetryBudgetExceeded)
		assert.ErrorIs(t, err, ErrNetwork)
		assert.ErrorIs(t, err, syscall.ECONNREFUSED)
		assert.Equal(t, 3, mock.RequestCount())
		assert.Equal(t, 5, client.budget.Remaining(CategoryTimeout), "other categories untouched")
		assert.Equal(t, 5, client.budget.Remaining(CategoryServer))
	})

	t.Run("given attempts slower than the deadline, then timeout budget is spent", func(t *testing.T) {
		cfg := fastConfig()
		cfg.ConnectTimeout = 50 * time.Millisecond
		cfg.ReadTimeout = 0
		cfg.WriteTimeout = 0
		cfg.PoolTimeout = 0
		cfg.RetryBudget = RetryBudgetConfig{Network: 5, Timeout: 1, Server: 5}
		mock := NewMockTransport().StubSequence(MockStep{StatusCode: 200, Delay: time.Second})
		client := newTestClient(t, cfg, WithTransport(mock))

		_, err := client.Get(context.Background(), "http://target.example/")

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetryBudgetExceeded)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 2, mock.RequestCount())
		assert.Equal(t, 5, client.budget.Remaining(CategoryNetwork))
	})

	t.Run("given a network error then success, then returns the response", func(t *testing.T) {
		mock := NewMockTransport().StubSequence(
			MockStep{Err: io.ErrUnexpectedEOF},
			MockStep{StatusCode: 200, Body: "ok"},
		)
		client := newTestClient(t, fastConfig(), WithTransport(mock))

		resp, err := client.Get(context.Background(), "http://target.example/")

		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Text())
		assert.Equal(t, 4, client.budget.Remaining(CategoryNetwork))
	})

	t.Run("given host guard trips, then later attempts fail fast without budget", func(t *testing.T) {
		cfg := fastConfig()
		cfg.HostBreaker = HostBreakerConfig{ConsecutiveFailures: 1, Timeout: time.Minute}
		mock := NewMockTransport().StubError(connRefused())
		client := newTestClient(t, cfg, WithTransport(mock))

		_, err := client.Get(context.Background(), "http://target.example/")

		assert.ErrorIs(t, err, ErrHostUnavailable)
		assert.Equal(t, 1, mock.RequestCount())
		assert.Equal(t, 4, client.budget.Remaining(CategoryNetwork))
	})
}

func TestClient_Request_Options(t *testing.T) {
	t.Run("given a JSON body, then it is replayed on every attempt", func(t *testing.T) {
		var (
			mu     sync.Mutex
			bodies []string
		)
		mock := NewMockTransport().
			StubSequence(MockStep{StatusCode: 502}, MockStep{StatusCode: 201}).
			OnRequest(func(req *http.Request) {
				b, _ := io.ReadAll(req.Body)
				mu.Lock()
				bodies = append(bodies, string(b))
				mu.Unlock()
			})
		client := newTestClient(t, fastConfig(), WithTransport(mock))

		resp, err := client.Request(context.Background(), http.MethodPost, "http://target.example/login",
			WithJSONBody(map[string]string{"user": "admin'--"}),
			WithHeader("X-Probe", "1"),
		)

		require.NoError(t, err)
		assert.Equal(t, 201, resp.StatusCode)
		mu.Lock()
		assert.Equal(t, []string{`{"user":"admin'--"}`, `{"user":"admin'--"}`}, bodies)
		mu.Unlock()
		last := mock.LastRequest()
		assert.Equal(t, "application/json", last.Header.Get("Content-Type"))
		assert.Equal(t, "1", last.Header.Get("X-Probe"))
	})

	t.Run("given an unencodable JSON body, then fails before sending", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(200, "")
		client := newTestClient(t, fastConfig(), WithTransport(mock))

		_, err := client.Request(context.Background(), http.MethodPost, "http://target.example/",
			WithJSONBody(make(chan int)))

		assert.Error(t, err)
		assert.Zero(t, mock.RequestCount())
	})

	t.Run("given a caller User-Agent, then the default is not applied", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(200, "")
		client := newTestClient(t, fastConfig(), WithTransport(mock))

		_, err := client.Get(context.Background(), "http://target.example/",
			WithHeaders(http.Header{"User-Agent": []string{"custom/2"}}))

		require.NoError(t, err)
		assert.Equal(t, "custom/2", mock.LastRequest().Header.Get("User-Agent"))
	})
}

func TestClient_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "moved")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	t.Run("given default config, then the redirect itself is returned", func(t *testing.T) {
		client := newTestClient(t, fastConfig())

		resp, err := client.Get(context.Background(), server.URL+"/old")

		require.NoError(t, err)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/new", resp.Header.Get("Location"))
	})

	t.Run("given FollowRedirects, then the target is returned", func(t *testing.T) {
		cfg := fastConfig()
		cfg.FollowRedirects = true
		client := newTestClient(t, cfg)

		resp, err := client.Get(context.Background(), server.URL+"/old")

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "moved", resp.Text())
	})
}

func TestClient_MaxBodyBytes(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxBodyBytes = 4
	mock := NewMockTransport().StubResponse(200, "abcdefgh")
	client := newTestClient(t, cfg, WithTransport(mock))

	resp, err := client.Get(context.Background(), "http://target.example/")

	require.NoError(t, err)
	assert.Equal(t, "abcd", resp.Text())
	assert.True(t, resp.Truncated)
}

func TestClient_Stats(t *testing.T) {
	mock := NewMockTransport().StubResponse(200, "ok")
	client := newTestClient(t, fastConfig(), WithTransport(mock))

	for _, u := range []string{"http://b.example/", "http://a.example/", "http://a.example/x"} {
		_, err := client.Get(context.Background(), u)
		require.NoError(t, err)
	}

	s := client.Stats()

	require.Len(t, s.Hosts, 2)
	assert.Equal(t, "a.example", s.Hosts[0].Host)
	assert.Equal(t, uint64(2), s.Hosts[0].Requests)
	assert.Equal(t, "b.example", s.Hosts[1].Host)
	assert.Equal(t, 5, s.Hosts[0].ConcurrencyLimit)
	assert.Zero(t, s.Hosts[0].InFlight)
	assert.Equal(t, CircuitClosed, s.Circuit)
	assert.Equal(t, 3, s.GlobalLatencySamples)
	assert.InDelta(t, 1000.0, s.RateLimit, 0.001)
	assert.Equal(t, 5, s.RetryBudget[CategoryServer])
	assert.Zero(t, s.HedgeDelay, "no static delay and too few samples")
}

func TestClient_ContextCancelled(t *testing.T) {
	mock := NewMockTransport().StubResponse(200, "ok")
	client := newTestClient(t, fastConfig(), WithTransport(mock))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Get(ctx, "http://target.example/")

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 5, client.budget.Remaining(CategoryNetwork), "cancellation spends no budget")
}

func TestClient_HostKeyIncludesPort(t *testing.T) {
	mock := NewMockTransport().StubResponse(200, "")
	client := newTestClient(t, fastConfig(), WithTransport(mock))

	for _, raw := range []string{"http://t.example:8080/", "http://t.example:8081/"} {
		_, err := client.Get(context.Background(), raw)
		require.NoError(t, err)
	}

	hosts := client.Stats().Hosts
	require.Len(t, hosts, 2)
	assert.Equal(t, "t.example:8080", hosts[0].Host)
	assert.Equal(t, "t.example:8081", hosts[1].Host)
}
