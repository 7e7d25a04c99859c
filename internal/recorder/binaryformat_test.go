package recorder

import (
	"encoding/binary"
	"testing"
)

func TestAppendUvarintRoundTrips(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		buf := appendUvarint(nil, v)
		got, n := binary.Uvarint(buf)
		if n <= 0 {
			t.Fatalf("Uvarint failed to decode %x", buf)
		}
		if got != v {
			t.Fatalf("roundtrip mismatch: want %d got %d", v, got)
		}
	}
}

func TestAppendVarintRoundTrips(t *testing.T) {
	for _, v := range []int64{0, -1, 1, -300, 300} {
		buf := appendVarint(nil, v)
		got, n := binary.Varint(buf)
		if n <= 0 {
			t.Fatalf("Varint failed to decode %x", buf)
		}
		if got != v {
			t.Fatalf("roundtrip mismatch: want %d got %d", v, got)
		}
	}
}

func TestAppendStringIncludesLengthPrefix(t *testing.T) {
	buf := appendString(nil, "hello")
	length, n := binary.Uvarint(buf)
	if length != 5 {
		t.Fatalf("expected length prefix 5, got %d", length)
	}
	if string(buf[n:]) != "hello" {
		t.Fatalf("expected trailing bytes %q, got %q", "hello", buf[n:])
	}
}

func TestEncodeEventBinaryCallWiresTag(t *testing.T) {
	e := Event{Tag: EventCall, CallFunctionId: 7, CallArgs: nil}
	buf := encodeEventBinary(nil, e)
	if len(buf) == 0 || buf[0] != wireCall {
		t.Fatalf("expected first byte to be wireCall(%d), got %v", wireCall, buf)
	}
}

func TestEncodeValueBinaryIntRoundtrips(t *testing.T) {
	v := Value{Kind: KindInt, Int: -12345, TypeId: 3}
	buf := encodeValueBinary(nil, v)
	if ValueKind(buf[0]) != KindInt {
		t.Fatalf("expected kind byte KindInt, got %d", buf[0])
	}
	rest := buf[1:]
	typeID, n := binary.Uvarint(rest)
	if typeID != 3 {
		t.Fatalf("expected type id 3, got %d", typeID)
	}
	rest = rest[n:]
	got, _ := binary.Varint(rest)
	if got != -12345 {
		t.Fatalf("expected int value -12345, got %d", got)
	}
}

func TestBinaryBackendWritesLengthPrefixedRecords(t *testing.T) {
	var buf fakeWriter
	b := newBinaryBackend(&buf)
	if err := b.writeEvent(Event{Tag: EventPath, Path: "/a.py"}); err != nil {
		t.Fatalf("writeEvent: %v", err)
	}
	if err := b.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if len(buf.data) < 4 {
		t.Fatalf("expected at least a length prefix, got %d bytes", len(buf.data))
	}
	recordLen := binary.LittleEndian.Uint32(buf.data[:4])
	if int(recordLen) != len(buf.data)-4 {
		t.Fatalf("length prefix %d does not match body length %d", recordLen, len(buf.data)-4)
	}
	if buf.data[4] != wirePath {
		t.Fatalf("expected first body byte to be wirePath, got %d", buf.data[4])
	}
}

type fakeWriter struct{ data []byte }

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}
