package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
)

// exitError carries a message and the process exit code.
type exitError struct {
	Code    int
	Message string
}

func (e *exitError) Error() string { return e.Message }

// options are the parsed command line flags.
type options struct {
	pipeline    string
	root        string
	wells       []string
	workers     int
	devices     int
	dumpPlan    bool
	seedDemo    bool
	seed        int64
	logLevel    string
	logFormat   string
	metricsAddr string
}

// parseArgs parses the command line. It reports shouldExit when help was
// printed.
func parseArgs(args []string, outW io.Writer) (opts options, shouldExit bool, err error) {
	fs := flag.NewFlagSet("wellflow", flag.ContinueOnError)
	fs.SetOutput(outW)

	var wells string
	fs.StringVar(&opts.pipeline, "pipeline", "", "Path to the pipeline file (.yaml or .hcl)")
	fs.StringVar(&opts.root, "root", ".", "Root directory of durable storage")
	fs.StringVar(&wells, "wells", "", "Comma separated wells to process; default discovers them from the input directory")
	fs.IntVar(&opts.workers, "workers", 0, "Worker limit; overrides the pipeline engine setting when positive")
	fs.IntVar(&opts.devices, "devices", -1, "Accelerator count; overrides the pipeline engine setting when not negative")
	fs.BoolVar(&opts.dumpPlan, "dump-plan", false, "Print the compiled plans as YAML and exit")
	fs.BoolVar(&opts.seedDemo, "seed-demo", false, "Write a synthetic plate into the input directory before running")
	fs.Int64Var(&opts.seed, "seed", 1, "Random seed of the synthetic plate")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	fs.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, true, nil
		}
		return opts, false, &exitError{Code: 2, Message: err.Error()}
	}

	if opts.pipeline == "" {
		return opts, false, &exitError{Code: 2, Message: "-pipeline is required"}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, opts.logLevel) {
		return opts, false, &exitError{Code: 2, Message: fmt.Sprintf("invalid -log-level %q", opts.logLevel)}
	}
	if opts.logFormat != "text" && opts.logFormat != "json" {
		return opts, false, &exitError{Code: 2, Message: fmt.Sprintf("invalid -log-format %q", opts.logFormat)}
	}
	for w := range strings.SplitSeq(wells, ",") {
		if w = strings.TrimSpace(w); w != "" {
			opts.wells = append(opts.wells, w)
		}
	}
	return opts, false, nil
}
