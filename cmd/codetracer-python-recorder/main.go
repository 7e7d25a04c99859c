// Command codetracer-python-recorder runs a wasm guest program under
// wazero with execution recording attached, per the on-disk trace format
// and CLI surface the recorder package implements.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/metacraft-labs/codetracer-python-recorder/internal/recorder"
	"github.com/metacraft-labs/codetracer-python-recorder/internal/wasmmonitor"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	code, err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

type options struct {
	traceDir        string
	format          string
	activationPath  string
	onError         string
	requireTrace    bool
	keepPartial     bool
	logLevel        string
	logFile         string
	jsonErrors      bool
	propagateExit   bool
	traceFilters    []string
	mounts          string
}

func parseFlags(args []string) (*options, []string, error) {
	fs := pflag.NewFlagSet("codetracer-python-recorder", pflag.ContinueOnError)
	o := &options{}
	fs.StringVar(&o.traceDir, "trace-dir", "", "Directory to write the trace into (also CODETRACER_TRACE).")
	fs.StringVar(&o.format, "format", "binary", "Trace backend: binary|json (also CODETRACER_FORMAT).")
	fs.StringVar(&o.activationPath, "activation-path", "", "Only begin recording once this source path is entered.")
	fs.StringVar(&o.onError, "on-recorder-error", "abort", "Recorder fault policy: abort|disable.")
	fs.BoolVar(&o.requireTrace, "require-trace", false, "Exit non-zero if the finished trace is empty.")
	fs.BoolVar(&o.keepPartial, "keep-partial-trace", false, "Keep the trace directory even after an aborted run.")
	fs.StringVar(&o.logLevel, "log-level", "info", "Recorder diagnostic log level.")
	fs.StringVar(&o.logFile, "log-file", "", "Write recorder diagnostics to this file instead of stderr.")
	fs.BoolVar(&o.jsonErrors, "json-errors", false, "Emit a single-line JSON error trailer on stderr.")
	fs.BoolVar(&o.propagateExit, "propagate-script-exit", false, "Return the guest's own exit code instead of the recorder's.")
	fs.StringArrayVar(&o.traceFilters, "trace-filter", nil, "Path to a YAML scope-filter document (repeatable).")
	fs.StringVar(&o.mounts, "mount", "", "Comma-separated list of directories to mount (e.g. /tmp:/tmp:ro).")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return o, fs.Args(), nil
}

// run returns the process exit code per §6: 0 success (or the guest's own
// code under --propagate-script-exit), 1 recorder error, 2 argument error.
func run(ctx context.Context) (int, error) {
	o, rest := mustParseFlags(os.Args[1:])
	if o == nil {
		return 2, fmt.Errorf("usage: codetracer-python-recorder [options] <script.wasm> [args...]")
	}
	if len(rest) < 1 {
		return 2, fmt.Errorf("usage: codetracer-python-recorder [options] <script.wasm> [args...]")
	}

	if o.logFile != "" {
		f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 2, fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		recorder.SetLogOutput(f)
	}

	traceDir := o.traceDir
	if traceDir == "" {
		traceDir = os.Getenv("CODETRACER_TRACE")
	}
	if traceDir == "" {
		return 2, fmt.Errorf("--trace-dir (or CODETRACER_TRACE) is required")
	}

	format := o.format
	if env := os.Getenv("CODETRACER_FORMAT"); env != "" {
		format = env
	}
	var traceFormat recorder.Format
	switch format {
	case "binary", "":
		traceFormat = recorder.FormatBinary
	case "json":
		traceFormat = recorder.FormatJSON
	default:
		return 2, fmt.Errorf("unknown --format %q", format)
	}

	var policy recorder.Policy
	switch o.onError {
	case "abort", "":
		policy = recorder.PolicyAbort
	case "disable":
		policy = recorder.PolicyDisable
	default:
		return 2, fmt.Errorf("unknown --on-recorder-error %q", o.onError)
	}

	var filter *recorder.ScopeFilter
	if len(o.traceFilters) > 0 {
		docs := make([]recorder.FilterDocument, 0, len(o.traceFilters))
		for _, p := range o.traceFilters {
			doc, err := recorder.LoadFilterDocument(p)
			if err != nil {
				return 2, fmt.Errorf("loading --trace-filter %s: %w", p, err)
			}
			docs = append(docs, doc)
		}
		filter = recorder.NewScopeFilter(docs...)
	}

	wasmPath := rest[0]
	guestArgs := rest[1:]
	wasmCode, err := os.ReadFile(wasmPath)
	if err != nil {
		return 1, fmt.Errorf("loading wasm module: %w", err)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithDebugInfoEnabled(true).
		WithCustomSections(true))
	defer runtime.Close(ctx)

	compiled, err := runtime.CompileModule(ctx, wasmCode)
	if err != nil {
		return 1, fmt.Errorf("compiling wasm module: %w", err)
	}

	symbolizer, err := wasmmonitor.NewSymbolizer(compiled)
	if err != nil {
		return 1, fmt.Errorf("symbolizing wasm module: %w", err)
	}
	monitor := wasmmonitor.New(symbolizer)

	sess, err := recorder.Start(recorder.StartOptions{
		Dir:            traceDir,
		Format:         traceFormat,
		ActivationPath: o.activationPath,
		Filter:         filter,
		Policy:         policy,
		KeepPartialTrace: o.keepPartial,
		RequireTrace:   o.requireTrace,
		Program:        wasmPath,
		Args:           guestArgs,
	}, monitor)
	if err != nil {
		return reportErr(err, o.jsonErrors)
	}

	capturer := sess.Capturer(os.Stdout, os.Stderr, os.Stdin, false)

	ctx = monitor.Register(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	config := wazero.NewModuleConfig().
		WithStdout(capturer.Stdout()).
		WithStderr(capturer.Stderr()).
		WithRandSource(rand.Reader).
		WithSysNanosleep().
		WithSysNanotime().
		WithSysWalltime().
		WithArgs(append([]string{filepath.Base(wasmPath)}, guestArgs...)...).
		WithFSConfig(createFSConfig(split(o.mounts)))

	var guestExitCode int
	instance, instErr := runtime.InstantiateModule(ctx, compiled, config)
	if instance != nil {
		_ = instance.Close(ctx)
	}
	if instErr != nil {
		if ec, ok := extractExitCode(instErr); ok {
			guestExitCode = ec
		} else {
			guestExitCode = 1
		}
	}

	stopErr := sess.Stop(&guestExitCode, "")
	if stopErr != nil {
		return reportErr(stopErr, o.jsonErrors)
	}

	if o.propagateExit {
		return guestExitCode, nil
	}
	return 0, nil
}

func mustParseFlags(args []string) (*options, []string) {
	o, rest, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil
	}
	return o, rest
}

func reportErr(err error, jsonErrors bool) (int, error) {
	if jsonErrors {
		if rerr, ok := err.(*recorder.Error); ok {
			if b, mErr := json.Marshal(struct {
				Code    string            `json:"code"`
				Message string            `json:"message"`
				Context map[string]string `json:"context,omitempty"`
			}{Code: string(rerr.Code), Message: rerr.Error(), Context: rerr.Context}); mErr == nil {
				fmt.Fprintln(os.Stderr, string(b))
			}
		}
	}
	return 1, err
}

// extractExitCode recovers a guest-reported exit code from a wasi
// "proc_exit" unwind, which wazero surfaces as a sys.ExitError. Any other
// error is treated as a recorder-visible failure (exit code 1).
func extractExitCode(err error) (int, bool) {
	type exitCoder interface{ ExitCode() uint32 }
	if ec, ok := err.(exitCoder); ok {
		return int(ec.ExitCode()), true
	}
	return 0, false
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func createFSConfig(mounts []string) wazero.FSConfig {
	fs := wazero.NewFSConfig()
	for _, m := range mounts {
		parts := strings.Split(m, ":")
		if len(parts) < 2 {
			continue
		}
		mode := ""
		if len(parts) == 3 {
			mode = parts[2]
		}
		if mode == "ro" {
			fs = fs.WithReadOnlyDirMount(parts[0], parts[1])
		} else {
			fs = fs.WithDirMount(parts[0], parts[1])
		}
	}
	return fs
}
