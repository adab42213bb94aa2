// Package httpclient is the adaptive HTTP request engine of the sqldetector
// scanner. It sends probes to many targets while protecting both the
// targets and the scan itself.
//
// # Features
//
//   - Global token-bucket rate limiting
//   - Per-host adaptive concurrency driven by latency
//   - Engine-wide retry budgets per failure category (network, timeout, server)
//   - Circuit breaker on consecutive 5xx responses
//   - Pacing pauses on 429/403 that spend no budget
//   - Latency-aware request hedging for safe methods
//   - Range fetch with automatic fallback to a full GET
//   - OpenTelemetry tracing and metrics, Prometheus collector
//
// # Quick Start
//
//	client, err := httpclient.New(
//	    httpclient.WithServiceName("sqldetector"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	resp, err := client.Get(ctx, "https://target.example/item?id=1")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(resp.StatusCode, len(resp.Body()), resp.Elapsed)
//
// # Request Lifecycle
//
// Each physical attempt of a logical request goes through:
//
//  1. Circuit breaker check. While open the request fails immediately with
//     ErrCircuitOpen; nothing is sent and no budget is spent.
//  2. Rate limiter. Waits for a token from the global bucket.
//  3. Host concurrency slot. Waits until the host is below its current limit.
//  4. I/O, bounded by the sum of the connect, write, read and pool timeouts.
//  5. Outcome handling, below.
//
// Outcomes map to actions as follows:
//
//	timeout            spend timeout budget, back off, retry
//	connection error   spend network budget, back off, retry
//	429 / 403          pause Config.PacingPause, retry, spend nothing
//	5xx                spend server budget, count a breaker failure, retry
//	anything else      success
//
// Backoff between retries is min(1s, 100ms × 2^attempt) plus 100-300ms of
// jitter. A category whose budget reaches zero fails every later retry of
// that category with ErrRetryBudgetExceeded for the life of the Client.
//
// # Hedging
//
// GET, HEAD and OPTIONS requests may be hedged: if the first attempt has not
// finished after the hedge delay, a duplicate is sent and the first to
// finish wins. The delay is Config.HedgeDelay until 5 latency samples exist,
// then 20% of the global p95 clamped to [20ms, 150ms]. At most
// Config.HedgeMaxRatio of a host's requests are hedged.
//
// # Configuration Presets
//
//	httpclient.DefaultConfig()  // 5 req/s, 5 per host, no static hedge
//	httpclient.TurboConfig()    // 50 req/s, 20 per host, hedging from the start
//	httpclient.StealthConfig()  // 1 req/s, 1 per host, never hedges
//
// Configuration can also be loaded from YAML with LoadConfig, which applies
// SQLDETECTOR_* environment overrides on top.
//
// # Errors
//
// Errors are matched with errors.Is:
//
//	resp, err := client.Get(ctx, url)
//	switch {
//	case errors.Is(err, httpclient.ErrCircuitOpen):
//	    // target is failing, come back later
//	case errors.Is(err, httpclient.ErrRetryBudgetExceeded):
//	    // the scan has used up its retries
//	case errors.Is(err, httpclient.ErrTimeout):
//	    // MaxElapsedTime ran out while retrying timeouts
//	}
//
// # Testing
//
// MockTransport scripts responses without a network:
//
//	mock := httpclient.NewMockTransport().StubSequence(
//	    httpclient.MockStep{StatusCode: 429},
//	    httpclient.MockStep{StatusCode: 200, Body: "ok"},
//	)
//	client, _ := httpclient.New(httpclient.WithTransport(mock))
package httpclient
