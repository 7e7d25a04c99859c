package balance

import (
	"bufio"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeRecord(t *testing.T, w *bufio.Writer, tag byte) {
	t.Helper()
	body := []byte{tag}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		t.Fatalf("writing length prefix: %v", err)
	}
	if _, err := w.Write(body); err != nil {
		t.Fatalf("writing body: %v", err)
	}
}

func TestCheckBinaryBalanced(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "trace.bin"))
	if err != nil {
		t.Fatalf("creating trace.bin: %v", err)
	}
	w := bufio.NewWriter(f)
	writeRecord(t, w, wireCall)
	writeRecord(t, w, wireCall)
	writeRecord(t, w, wireReturn)
	writeRecord(t, w, wireReturn)
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	f.Close()

	rep, err := Check(dir)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !rep.Balanced {
		t.Fatalf("expected balanced trace, got %+v", rep)
	}
	if rep.CallCount != 2 || rep.ReturnCount != 2 {
		t.Fatalf("unexpected counts: %+v", rep)
	}
	if rep.MaxDepth != 2 {
		t.Fatalf("expected max depth 2, got %d", rep.MaxDepth)
	}
}

func TestCheckBinaryDetectsNegativeBalance(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "trace.bin"))
	if err != nil {
		t.Fatalf("creating trace.bin: %v", err)
	}
	w := bufio.NewWriter(f)
	writeRecord(t, w, wireReturn) // a Return with no matching Call
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	f.Close()

	rep, err := Check(dir)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !rep.WentNegative {
		t.Fatalf("expected negative balance to be detected, got %+v", rep)
	}
	if rep.Balanced {
		t.Fatalf("expected an unbalanced verdict")
	}
}

func TestCheckJSONBalanced(t *testing.T) {
	dir := t.TempDir()
	doc := `[{"Call":{"function_id":1,"args":[]}},{"Return":{"return_value":{"kind":"None","type_id":0}}}]`
	if err := os.WriteFile(filepath.Join(dir, "trace.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("writing trace.json: %v", err)
	}

	rep, err := Check(dir)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.Format != "json" {
		t.Fatalf("expected json format, got %s", rep.Format)
	}
	if !rep.Balanced {
		t.Fatalf("expected balanced trace, got %+v", rep)
	}
}

func TestCheckMissingTrace(t *testing.T) {
	dir := t.TempDir()
	if _, err := Check(dir); err == nil {
		t.Fatalf("expected an error when no trace file is present")
	}
}
