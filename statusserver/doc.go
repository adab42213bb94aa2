// Package statusserver exposes the state of a running probe engine over HTTP.
//
// A scan can run for hours against slow or defensive targets. The status
// server lets an operator watch it while it runs:
//
//	/metrics       Prometheus exposition of the engine collector
//	/livez         always 200 while the process serves requests
//	/readyz        503 while the circuit is open or a retry budget is spent
//	/stats         JSON snapshot of httpclient.Stats
//	/debug/pprof/  runtime profiles (opt-in)
//
// # Quick Start
//
//	client, _ := httpclient.New()
//	srv := statusserver.New(client,
//	    statusserver.WithAddr("127.0.0.1:9464"),
//	    statusserver.WithLogger(logger),
//	)
//
//	// Blocks until ctx is cancelled, then shuts down gracefully.
//	if err := srv.ListenAndServe(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Responses
//
// JSON endpoints share one envelope:
//
//	{
//	  "data": {...},
//	  "errors": [{"field": "circuit", "message": "circuit open until ..."}],
//	  "message": "one or more checks failed"
//	}
//
// Every response carries an X-Request-ID header, forwarded from the request
// when present.
package statusserver
