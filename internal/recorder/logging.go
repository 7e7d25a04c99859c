package recorder

import (
	"io"
	"os"

	"github.com/joeycumines/stumpy"
)

// Log is the package-level structured logger used for the recorder's own
// diagnostics (session lifecycle, faults, filter parsing) — never for
// trace data, which always goes through Writer. Defaults to stderr;
// SetLogOutput lets a CLI frontend redirect it.
var Log = stumpy.L.New(
	stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
)

// SetLogOutput reconfigures the package logger to write to w. Intended for
// use once, during process startup (e.g. a --log-file flag); not safe to
// call concurrently with active logging.
func SetLogOutput(w io.Writer) {
	Log = stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
	)
}

func logFault(e *Error) {
	ev := Log.Err()
	if !ev.Enabled() {
		return
	}
	ev.Str("code", string(e.Code)).Err(e).Log("recorder fault")
}
