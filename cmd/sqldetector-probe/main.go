// Command sqldetector-probe sends probe requests through the adaptive engine
// and prints one JSON line per URL.
//
//	sqldetector-probe --preset stealth --status-addr 127.0.0.1:9464 \
//	    'https://target.example/item?id=1' 'https://target.example/item?id=2'
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

type flags struct {
	configFile string
	preset     string
	logLevel   string
	logJSON    bool

	method  string
	headers []string
	data    string
	rangeKB int
	noHedge bool

	prewarm   bool
	coalesce  bool
	hostGuard bool
	redisAddr string

	statusAddr string
	pprof      bool
	linger     bool
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "sqldetector-probe [url...]",
		Short: "Send probe requests through the adaptive HTTP engine",
		Long: `sqldetector-probe sends each URL through the adaptive request engine
(rate limiting, per-host adaptive concurrency, retry budgets, circuit breaking
and hedging) and prints one JSON result per line.

Configuration is read from --config (YAML), or from --preset, and then
overridden by SQLDETECTOR_* environment variables.`,
		Version:       version,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, args, os.Stdout)
		},
	}

	fl := rootCmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "YAML configuration file")
	fl.StringVar(&f.preset, "preset", "default", "Preset when no config file is given (default, turbo, stealth)")
	fl.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fl.BoolVar(&f.logJSON, "log-json", false, "Log JSON instead of console output")

	fl.StringVarP(&f.method, "method", "X", "GET", "HTTP method")
	fl.StringArrayVarP(&f.headers, "header", "H", nil, "Request header 'Name: value' (repeatable)")
	fl.StringVarP(&f.data, "data", "d", "", "Request body, sent form-encoded")
	fl.IntVar(&f.rangeKB, "range-kb", 0, "Fetch only the first N KiB of GET responses")
	fl.BoolVar(&f.noHedge, "no-hedge", false, "Never hedge these requests")

	fl.BoolVar(&f.prewarm, "prewarm", false, "Open connections to every target host before probing")
	fl.BoolVar(&f.coalesce, "coalesce", false, "Collapse identical concurrent GETs")
	fl.BoolVar(&f.hostGuard, "host-guard", false, "Block hosts after repeated connection failures")
	fl.StringVar(&f.redisAddr, "redis-addr", "", "Share host guard state through this Redis (implies --host-guard)")

	fl.StringVar(&f.statusAddr, "status-addr", "", "Serve /metrics, /readyz and /stats on this address")
	fl.BoolVar(&f.pprof, "pprof", false, "Mount /debug/pprof on the status server")
	fl.BoolVar(&f.linger, "linger", false, "Keep the status server up after probing until interrupted")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
