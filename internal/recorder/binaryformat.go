package recorder

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
)

// binaryBackend implements the C3 binary serialization: a sequence of
// length-prefixed records, each a tagged event. Per §9's Open Question
// resolution, the length prefix is a little-endian uint32 byte count of
// the record that follows. Streaming-friendly: a reader can process one
// record at a time without buffering the whole file.
type binaryBackend struct {
	w   *bufio.Writer
	buf []byte // reused record-encoding scratch buffer
}

func newBinaryBackend(w io.Writer) *binaryBackend {
	return &binaryBackend{w: bufio.NewWriter(w)}
}

func (b *binaryBackend) writeEvent(e Event) error {
	b.buf = encodeEventBinary(b.buf[:0], e)
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(b.buf)))
	if _, err := b.w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := b.w.Write(b.buf)
	return err
}

func (b *binaryBackend) finalize() error {
	return b.w.Flush()
}

func (b *binaryBackend) close() error {
	return b.w.Flush()
}

// Wire tags for the binary record format. Distinct from EventTag's Go-side
// iota values so the on-disk format does not silently shift if EventTag's
// declaration order ever changes.
const (
	wirePath byte = iota
	wireVariableName
	wireType
	wireFunction
	wireCall
	wireReturn
	wireStep
	wireValue
	wireIO
)

func encodeEventBinary(dst []byte, e Event) []byte {
	switch e.Tag {
	case EventPath:
		dst = append(dst, wirePath)
		dst = appendString(dst, e.Path)
	case EventVariableName:
		dst = append(dst, wireVariableName)
		dst = appendString(dst, e.VariableName)
	case EventType:
		dst = append(dst, wireType)
		dst = appendUvarint(dst, uint64(e.Type.Kind))
		dst = appendString(dst, e.Type.DisplayName)
	case EventFunction:
		dst = append(dst, wireFunction)
		dst = appendUvarint(dst, uint64(e.Function.Path))
		dst = appendUvarint(dst, uint64(e.Function.FirstLine))
		dst = appendString(dst, e.Function.Name)
	case EventCall:
		dst = append(dst, wireCall)
		dst = appendUvarint(dst, uint64(e.CallFunctionId))
		dst = appendUvarint(dst, uint64(len(e.CallArgs)))
		for _, a := range e.CallArgs {
			dst = appendUvarint(dst, uint64(a.VariableId))
			dst = encodeValueBinary(dst, a.Value)
		}
	case EventReturn:
		dst = append(dst, wireReturn)
		dst = encodeValueBinary(dst, e.ReturnValue)
	case EventStep:
		dst = append(dst, wireStep)
		dst = appendUvarint(dst, uint64(e.StepPathId))
		dst = appendUvarint(dst, uint64(e.StepLine))
	case EventValue:
		dst = append(dst, wireValue)
		dst = appendUvarint(dst, uint64(e.ValueVariableId))
		dst = encodeValueBinary(dst, e.ValueValue)
	case EventIO:
		dst = append(dst, wireIO)
		dst = appendUvarint(dst, uint64(e.IOKind))
		dst = appendString(dst, e.IOMeta)
		dst = appendString(dst, e.IOContent)
	}
	return dst
}

func encodeValueBinary(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Kind))
	dst = appendUvarint(dst, uint64(v.TypeId))
	switch v.Kind {
	case KindInt:
		dst = appendVarint(dst, v.Int)
	case KindFloat:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Float))
		dst = append(dst, buf[:]...)
	case KindBool:
		if v.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindString, KindRaw:
		dst = appendString(dst, v.Text)
	case KindBytes:
		dst = appendUvarint(dst, uint64(len(v.Bytes)))
		dst = append(dst, v.Bytes...)
	case KindTuple, KindSequence:
		if v.IsSlice {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
		dst = appendUvarint(dst, uint64(len(v.Elements)))
		for _, el := range v.Elements {
			dst = encodeValueBinary(dst, el)
		}
	case KindStruct:
		dst = appendUvarint(dst, uint64(len(v.Elements)))
		for i, el := range v.Elements {
			dst = appendUvarint(dst, uint64(v.FieldNames[i]))
			dst = encodeValueBinary(dst, el)
		}
	}
	return dst
}

func appendString(dst []byte, s string) []byte {
	dst = appendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func appendVarint(dst []byte, v int64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	return append(dst, buf[:n]...)
}

