package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Format selects the trace writer's on-disk backend (§4.3).
type Format string

const (
	FormatBinary Format = "binary"
	FormatJSON   Format = "json"
)

// backend is the per-format serializer C3 multiplexes over. Both backends
// share the writer mutex and the sidecar-writing logic in Writer; a backend
// only knows how to frame one Event.
type backend interface {
	writeEvent(e Event) error
	// finalize is called once, at stop, after the last event has been
	// written (and after any synthesized balancing events).
	finalize() error
	close() error
}

// Writer is the trace writer (C3): an append-only event sink with a
// single mutex serializing all producers (monitoring callbacks, I/O
// capture), per §4.3/§5. write() never blocks on anything beyond the
// buffered backend write; flush() is synchronous and durable.
type Writer struct {
	mu      sync.Mutex
	backend backend
	file    *os.File
	dir     string
	poison  func(*Error)
}

// NewWriter opens the trace file for format in dir and returns a Writer.
// dir must already exist (the session controller is responsible for
// creating it, per §4.8's start() contract).
func NewWriter(dir string, format Format, onPoison func(*Error)) (*Writer, error) {
	var (
		name string
	)
	switch format {
	case FormatBinary:
		name = "trace.bin"
	case FormatJSON:
		name = "trace.json"
	default:
		return nil, newError(CodeConfig, nil, "unknown trace format %q", format)
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, newError(CodeWriter, err, "creating trace file")
	}

	w := &Writer{file: f, dir: dir, poison: onPoison}
	switch format {
	case FormatBinary:
		w.backend = newBinaryBackend(f)
	case FormatJSON:
		w.backend = newJSONBackend(f)
	}
	return w, nil
}

// Write appends one event to the trace. Ordered and non-blocking with
// respect to the calling monitoring callback: the only work performed is
// one record encode plus one buffered write (§4.3 contract, §5 "bounded to
// one record encode + one buffered write").
func (w *Writer) Write(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.backend.writeEvent(e); err != nil {
		w.poisonf(err, "writing event")
	}
}

// Flush makes every event written before this call durable, even if a
// later crash aborts the process (§3 invariant 3). It is idempotent: a
// second call observes no new events and returns nil once the first
// succeeded (the underlying os.File.Sync is itself idempotent).
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bb, ok := w.backend.(*binaryBackend); ok {
		if err := bb.w.Flush(); err != nil {
			return newError(CodeWriter, err, "flushing trace buffer")
		}
	}
	if err := w.file.Sync(); err != nil {
		return newError(CodeWriter, err, "syncing trace file")
	}
	return nil
}

// Finalize closes out the backend-specific framing (e.g. the JSON
// backend's closing `]`) and fsyncs. Called once by the session
// controller during stop(), after all balancing events have been written.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.backend.finalize(); err != nil {
		return newError(CodeWriter, err, "finalizing trace")
	}
	if err := w.file.Sync(); err != nil {
		return newError(CodeWriter, err, "syncing trace file")
	}
	return nil
}

// Close releases the underlying file handle. Safe to call after Finalize.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.backend.close(); err != nil {
		return newError(CodeWriter, err, "closing trace backend")
	}
	if err := w.file.Close(); err != nil {
		return newError(CodeWriter, err, "closing trace file")
	}
	return nil
}

func (w *Writer) poisonf(cause error, format string, args ...any) {
	if w.poison != nil {
		w.poison(newError(CodeWriter, cause, format, args...))
	}
}

// WritePathsSidecar writes trace_paths.json: the PathId-indexed array of
// canonicalized source paths (§4.3, §6).
func WritePathsSidecar(dir string, paths []string) error {
	return writeJSONFile(filepath.Join(dir, "trace_paths.json"), paths)
}

// ExitStatus is the process_exit_status field of trace_metadata.json
// (§6): a concrete code when known, otherwise a placeholder label.
type ExitStatus struct {
	Code  *int    `json:"code"`
	Label *string `json:"label"`
}

// Metadata is the session trailer persisted as trace_metadata.json (§6,
// §4.8 stop()).
type Metadata struct {
	Workdir          string     `json:"workdir"`
	Program          string     `json:"program"`
	Args             []string   `json:"args"`
	ProcessExitState ExitStatus `json:"process_exit_status"`
}

// WriteMetadataSidecar writes trace_metadata.json.
func WriteMetadataSidecar(dir string, md Metadata) error {
	return writeJSONFile(filepath.Join(dir, "trace_metadata.json"), md)
}

func exitCodeStatus(code int) ExitStatus {
	c := code
	return ExitStatus{Code: &c}
}

func exitLabelStatus(label string) ExitStatus {
	l := label
	return ExitStatus{Label: &l}
}

// removePartialTrace deletes dir and its contents. Used by the session
// controller under PolicyAbort unless KeepPartialTrace is set (§4.8, §7).
func removePartialTrace(dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return fmt.Errorf("refusing to remove suspicious trace directory %q", dir)
	}
	return os.RemoveAll(dir)
}
