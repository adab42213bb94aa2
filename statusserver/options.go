package statusserver

import (
	"github.com/rs/zerolog"
)

// Option configures the server.
type Option func(*Config)

// WithConfig replaces all settings.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(c *Config) {
		c.Addr = addr
	}
}

// WithServiceName sets the name reported by health responses and logs.
func WithServiceName(name string) Option {
	return func(c *Config) {
		c.ServiceName = name
	}
}

// WithVersion sets the version reported by health responses.
func WithVersion(version string) Option {
	return func(c *Config) {
		c.Version = version
	}
}

// WithLogger sets the logger for lifecycle events and access logs.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithPprof mounts the runtime profiles under /debug/pprof.
func WithPprof(enabled bool) Option {
	return func(c *Config) {
		c.EnablePprof = enabled
	}
}
