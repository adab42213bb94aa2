package statusserver

import (
	"time"

	"github.com/rs/zerolog"
)

// Config holds the status server settings.
//
// Use DefaultConfig() and override what you need:
//
//	cfg := statusserver.DefaultConfig()
//	cfg.Addr = ":9090"
//
//	srv := statusserver.New(client, statusserver.WithConfig(cfg))
type Config struct {
	// Addr is the TCP address to listen on.
	//
	// Default: "127.0.0.1:9464"
	Addr string

	// ServiceName is reported by the health endpoints and request logs.
	//
	// Default: "sqldetector-probe"
	ServiceName string

	// Version is reported by the health endpoints.
	Version string

	// ReadHeaderTimeout bounds reading request headers.
	//
	// Default: 5s
	ReadHeaderTimeout time.Duration

	// WriteTimeout bounds writing a response. CPU profiles stream for their
	// whole duration, so keep this above the profile length.
	//
	// Default: 60s
	WriteTimeout time.Duration

	// IdleTimeout is how long a keep-alive connection may stay idle.
	//
	// Default: 60s
	IdleTimeout time.Duration

	// ShutdownTimeout is the grace period for in-flight requests once the
	// server is asked to stop.
	//
	// Default: 5s
	ShutdownTimeout time.Duration

	// EnablePprof mounts the runtime profiles under /debug/pprof.
	//
	// Default: false
	EnablePprof bool

	// Logger receives lifecycle events and access logs.
	// Default: zerolog.Nop()
	Logger zerolog.Logger

	// SkipLogPaths are not access-logged. Scrapers poll these constantly.
	//
	// Default: /metrics, /livez, /readyz
	SkipLogPaths []string
}

// DefaultConfig returns a loopback-only configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:9464",
		ServiceName:       "sqldetector-probe",
		Version:           "0.0.0",
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Logger:            zerolog.Nop(),
		SkipLogPaths:      []string{"/metrics", "/livez", "/readyz"},
	}
}
