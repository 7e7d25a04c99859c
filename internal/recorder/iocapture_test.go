package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newFakeTTY returns a pipe whose write end stands in for a real fd (like
// os.Stdout) that InstallMirror can legitimately dup2 over, and whose read
// end lets the test observe what the fd mirror passes through to the
// "true terminal".
func newFakeTTY(t *testing.T) (target *os.File, observed *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return w, r
}

func TestInstallMirrorCapturesRawFdWritesBypassingTheProxy(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, FormatJSON, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	target, observed := newFakeTTY(t)
	l := newLedger()
	proxy := newProxyWriter(w, l, nil, IOStdout)

	c := &Capturer{writer: w}
	if _, err := c.InstallMirror(target, IOStdout, proxy); err != nil {
		t.Fatalf("InstallMirror: %v", err)
	}

	// A raw write to the fd, bypassing the high-level proxy entirely,
	// must still reach the real (duplicated) descriptor and be captured.
	if _, err := target.Write([]byte("raw bytes")); err != nil {
		t.Fatalf("writing to the redirected fd: %v", err)
	}

	buf := make([]byte, 32)
	observed.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := observed.Read(buf)
	if err != nil {
		t.Fatalf("reading passthrough bytes: %v", err)
	}
	if string(buf[:n]) != "raw bytes" {
		t.Fatalf("expected the mirror to pass raw bytes through to the true terminal, got %q", string(buf[:n]))
	}

	c.Stop(nil)

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "trace.json"))
	if err != nil {
		t.Fatalf("reading trace.json: %v", err)
	}
	var events []map[string]json.RawMessage
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshalling trace.json: %v", err)
	}
	found := false
	for _, e := range events {
		raw, ok := e["Event"]
		if !ok {
			continue
		}
		var io struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &io); err == nil && io.Content == "raw bytes" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the unmatched raw fd write to surface as an IO event with content %q, got %v", "raw bytes", events)
	}
}

func TestInstallMirrorSubtractsLedgerEntriesFromProxiedWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, FormatJSON, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	target, observed := newFakeTTY(t)
	l := newLedger()
	proxy := newProxyWriter(w, l, target, IOStdout)

	c := &Capturer{writer: w}
	if _, err := c.InstallMirror(target, IOStdout, proxy); err != nil {
		t.Fatalf("InstallMirror: %v", err)
	}

	// A write through the high-level proxy pushes onto the ledger first,
	// then forwards to `real` (the now-redirected fd) — so the fd mirror
	// reading the same bytes back should subtract them to zero leftover,
	// i.e. the bytes must not be double-counted into the trace.
	if _, err := proxy.Write([]byte("proxied")); err != nil {
		t.Fatalf("proxy.Write: %v", err)
	}

	buf := make([]byte, 32)
	observed.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := observed.Read(buf)
	if err != nil {
		t.Fatalf("reading passthrough bytes: %v", err)
	}
	if string(buf[:n]) != "proxied" {
		t.Fatalf("expected the mirror to still pass proxied bytes through, got %q", string(buf[:n]))
	}

	c.Stop(nil)

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "trace.json"))
	if err != nil {
		t.Fatalf("reading trace.json: %v", err)
	}
	var events []map[string]json.RawMessage
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshalling trace.json: %v", err)
	}
	recorded := 0
	for _, e := range events {
		raw, ok := e["Event"]
		if !ok {
			continue
		}
		var io struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &io); err == nil && io.Content == "proxied" {
			recorded++
		}
	}
	if recorded != 1 {
		t.Fatalf("expected the proxied write to be recorded exactly once, got %d", recorded)
	}
}
