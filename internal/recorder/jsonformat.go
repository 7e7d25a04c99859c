package recorder

import (
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/joeycumines/go-utilpkg/jsonenc"
)

// jsonBackend implements the C3 JSON serialization: a single top-level
// array, events written comma-separated, closing `]` emitted at finalize
// (§4.3). A crash before finalize leaves an open array; downstream tools
// must tolerate that (§4.3), which is why this backend writes the
// separator *before* each element after the first, rather than building a
// trailing-comma-then-strip scheme that would corrupt a partial file.
type jsonBackend struct {
	w       io.Writer
	buf     []byte
	wrote   bool
	started bool
}

func newJSONBackend(w io.Writer) *jsonBackend {
	return &jsonBackend{w: w}
}

func (b *jsonBackend) writeEvent(e Event) error {
	b.buf = b.buf[:0]
	if !b.started {
		b.buf = append(b.buf, '[')
		b.started = true
	} else {
		b.buf = append(b.buf, ',')
	}
	b.buf = appendEventJSON(b.buf, e)
	_, err := b.w.Write(b.buf)
	if err == nil {
		b.wrote = true
	}
	return err
}

func (b *jsonBackend) finalize() error {
	if !b.started {
		// No events were ever written; still produce a well-formed,
		// empty array rather than an empty file.
		_, err := b.w.Write([]byte("[]"))
		return err
	}
	_, err := b.w.Write([]byte{']'})
	return err
}

func (b *jsonBackend) close() error { return nil }

func appendEventJSON(dst []byte, e Event) []byte {
	dst = append(dst, '{')
	switch e.Tag {
	case EventPath:
		dst = appendKey(dst, "Path")
		dst = jsonenc.AppendString(dst, e.Path)
	case EventVariableName:
		dst = appendKey(dst, "VariableName")
		dst = jsonenc.AppendString(dst, e.VariableName)
	case EventType:
		dst = appendKey(dst, "Type")
		dst = append(dst, '{')
		dst = appendKey(dst, "kind")
		dst = strconv.AppendInt(dst, int64(e.Type.Kind), 10)
		dst = append(dst, ',')
		dst = appendKey(dst, "lang_type")
		dst = jsonenc.AppendString(dst, e.Type.DisplayName)
		dst = append(dst, ',')
		dst = appendKey(dst, "specific_info")
		dst = append(dst, '{')
		dst = appendKey(dst, "kind")
		dst = jsonenc.AppendString(dst, e.Type.DisplayName)
		dst = append(dst, '}', '}')
	case EventFunction:
		dst = appendKey(dst, "Function")
		dst = append(dst, '{')
		dst = appendKey(dst, "path_id")
		dst = strconv.AppendInt(dst, int64(e.Function.Path), 10)
		dst = append(dst, ',')
		dst = appendKey(dst, "line")
		dst = strconv.AppendInt(dst, int64(e.Function.FirstLine), 10)
		dst = append(dst, ',')
		dst = appendKey(dst, "name")
		dst = jsonenc.AppendString(dst, e.Function.Name)
		dst = append(dst, '}')
	case EventCall:
		dst = appendKey(dst, "Call")
		dst = append(dst, '{')
		dst = appendKey(dst, "function_id")
		dst = strconv.AppendInt(dst, int64(e.CallFunctionId), 10)
		dst = append(dst, ',')
		dst = appendKey(dst, "args")
		dst = append(dst, '[')
		for i, a := range e.CallArgs {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = append(dst, '{')
			dst = appendKey(dst, "variable_id")
			dst = strconv.AppendInt(dst, int64(a.VariableId), 10)
			dst = append(dst, ',')
			dst = appendKey(dst, "value")
			dst = appendValueJSON(dst, a.Value)
			dst = append(dst, '}')
		}
		dst = append(dst, ']', '}')
	case EventReturn:
		dst = appendKey(dst, "Return")
		dst = append(dst, '{')
		dst = appendKey(dst, "return_value")
		dst = appendValueJSON(dst, e.ReturnValue)
		dst = append(dst, '}')
	case EventStep:
		dst = appendKey(dst, "Step")
		dst = append(dst, '{')
		dst = appendKey(dst, "path_id")
		dst = strconv.AppendInt(dst, int64(e.StepPathId), 10)
		dst = append(dst, ',')
		dst = appendKey(dst, "line")
		dst = strconv.AppendInt(dst, int64(e.StepLine), 10)
		dst = append(dst, '}')
	case EventValue:
		dst = appendKey(dst, "Value")
		dst = append(dst, '{')
		dst = appendKey(dst, "variable_id")
		dst = strconv.AppendInt(dst, int64(e.ValueVariableId), 10)
		dst = append(dst, ',')
		dst = appendKey(dst, "value")
		dst = appendValueJSON(dst, e.ValueValue)
		dst = append(dst, '}')
	case EventIO:
		dst = appendKey(dst, "Event")
		dst = append(dst, '{')
		dst = appendKey(dst, "kind")
		dst = strconv.AppendInt(dst, int64(e.IOKind), 10)
		dst = append(dst, ',')
		dst = appendKey(dst, "metadata")
		dst = jsonenc.AppendString(dst, e.IOMeta)
		dst = append(dst, ',')
		dst = appendKey(dst, "content")
		dst = jsonenc.AppendString(dst, e.IOContent)
		dst = append(dst, '}')
	}
	dst = append(dst, '}')
	return dst
}

func appendValueJSON(dst []byte, v Value) []byte {
	dst = append(dst, '{')
	dst = appendKey(dst, "kind")
	dst = jsonenc.AppendString(dst, valueKindName(v.Kind))
	dst = append(dst, ',')
	dst = appendKey(dst, "type_id")
	dst = strconv.AppendInt(dst, int64(v.TypeId), 10)
	switch v.Kind {
	case KindInt:
		dst = append(dst, ',')
		dst = appendKey(dst, "i")
		dst = strconv.AppendInt(dst, v.Int, 10)
	case KindFloat:
		dst = append(dst, ',')
		dst = appendKey(dst, "f")
		dst = jsonenc.AppendFloat64(dst, v.Float)
	case KindBool:
		dst = append(dst, ',')
		dst = appendKey(dst, "b")
		if v.Bool {
			dst = append(dst, "true"...)
		} else {
			dst = append(dst, "false"...)
		}
	case KindString:
		dst = append(dst, ',')
		dst = appendKey(dst, "text")
		dst = jsonenc.AppendString(dst, v.Text)
	case KindBytes, KindRaw:
		dst = append(dst, ',')
		dst = appendKey(dst, "r")
		text := v.Text
		if v.Kind == KindBytes {
			text = string(v.Bytes)
		}
		dst = jsonenc.AppendString(dst, text)
	case KindTuple, KindSequence:
		if v.Kind == KindSequence {
			dst = append(dst, ',')
			dst = appendKey(dst, "is_slice")
			if v.IsSlice {
				dst = append(dst, "true"...)
			} else {
				dst = append(dst, "false"...)
			}
		}
		dst = append(dst, ',')
		dst = appendKey(dst, "elements")
		dst = append(dst, '[')
		for i, el := range v.Elements {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendValueJSON(dst, el)
		}
		dst = append(dst, ']')
	case KindStruct:
		dst = append(dst, ',')
		dst = appendKey(dst, "field_values")
		dst = append(dst, '[')
		for i, el := range v.Elements {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendValueJSON(dst, el)
		}
		dst = append(dst, ']')
	}
	dst = append(dst, '}')
	return dst
}

func appendKey(dst []byte, key string) []byte {
	dst = jsonenc.AppendString(dst, key)
	return append(dst, ':')
}

func valueKindName(k ValueKind) string {
	switch k {
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindBool:
		return "Bool"
	case KindString:
		return "String"
	case KindBytes:
		return "Bytes"
	case KindNone:
		return "None"
	case KindTuple:
		return "Tuple"
	case KindSequence:
		return "Sequence"
	case KindStruct:
		return "Struct"
	default:
		return "Raw"
	}
}

// writeJSONFile marshals v as indented JSON to path, used for the two
// sidecars which — unlike the event stream — are written once, in full,
// at stop() and have no streaming requirement.
func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return newError(CodeWriter, err, "creating sidecar %s", path)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return newError(CodeWriter, err, "encoding sidecar %s", path)
	}
	return nil
}
