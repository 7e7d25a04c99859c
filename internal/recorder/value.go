package recorder

import (
	"strings"
	"sync/atomic"
)

// ValueKind discriminates the tagged Value variant (§3, §6).
type ValueKind int

const (
	KindInt ValueKind = iota
	KindFloat
	KindBool
	KindString
	KindBytes
	KindNone
	KindTuple
	KindSequence
	KindStruct
	KindRaw
)

// Value is the bounded, self-describing encoding of a runtime value (C2).
// It is a Go struct playing the role of a tagged union: exactly the fields
// relevant to Kind are populated, mirroring the wire shape in §6 where
// "…" is one of a closed set of payload shapes.
type Value struct {
	Kind   ValueKind
	TypeId TypeId

	Int    int64
	Float  float64
	Bool   bool
	Text   string // String, and the summary text of Raw
	Bytes  []byte

	Elements []Value // Tuple, Sequence, Struct.FieldValues
	IsSlice  bool    // Sequence only

	FieldNames []VariableNameId // Struct only, parallel to Elements
}

// NamedValue couples a variable/argument name with its encoded Value, the
// shape of a Call's args[] and a locals-snapshot Value event (§6).
type NamedValue struct {
	Name  string
	Value any
}

// defaultMaxDepth and defaultMaxWidth are the §4.2 bounds: recursion depth
// bounded (default 3), element count bounded per container (default 32).
const (
	defaultMaxDepth = 3
	defaultMaxWidth = 32
)

// EncoderOptions configures the Encoder's bounds. Zero value uses the
// spec's defaults.
type EncoderOptions struct {
	MaxDepth int
	MaxWidth int
	// ExcludeNames lists Struct field names that encodeStruct drops from
	// the encoded value. Locals snapshots are filtered separately by
	// excludeFromLocals (§4.2 "Name filtering"); Call arguments are not
	// filtered by name.
	ExcludeNames map[string]bool
}

// Encoder converts arbitrary runtime values (delivered by a Monitor as Go
// `any`) into bounded Value records, using a registry for TypeId
// assignment. It never panics: a fault while encoding one value degrades
// to Raw("<error: …>") and increments the faults counter (§4.2 "Error
// isolation").
type Encoder struct {
	reg      *registry
	opts     EncoderOptions
	faults   *counter
	hidden   bool // not read by Encode; the value policy arrives as Encode's hideValues argument
}

func newEncoder(reg *registry, opts EncoderOptions, faults *counter) *Encoder {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = defaultMaxWidth
	}
	return &Encoder{reg: reg, opts: opts, faults: faults}
}

// counter is a tiny atomic counter: the encoder runs on whichever thread
// delivered the callback, and the I/O capturer bumps the session's counter
// from Stop, so increments may arrive concurrently.
type counter struct{ n atomic.Int64 }

func (c *counter) inc() { c.n.Add(1) }

// Encode converts v into a bounded Value, honoring depth/width bounds,
// cycle detection and the hideValues policy from the scope filter (§4.5:
// "value policy = deny ⇒ encode names only, values summarized as
// <hidden>").
func (e *Encoder) Encode(v any, hideValues bool) (out Value) {
	defer func() {
		if r := recover(); r != nil {
			e.faults.inc()
			out = e.rawValue("<error: panic during encoding>")
		}
	}()
	if hideValues {
		return e.rawValue("<hidden>")
	}
	seen := make(map[any]bool)
	return e.encode(v, 0, seen)
}

func (e *Encoder) rawValue(text string) Value {
	return Value{Kind: KindRaw, Text: text, TypeId: e.typeID(TypeRaw, "raw")}
}

func (e *Encoder) typeID(kind TypeKind, display string) TypeId {
	return e.reg.internType(TypeDescriptor{Kind: kind, DisplayName: display})
}

func (e *Encoder) encode(v any, depth int, seen map[any]bool) Value {
	if depth > e.opts.MaxDepth {
		return Value{Kind: KindRaw, Text: "<len=depth-exceeded>", TypeId: e.typeID(TypeRaw, "raw")}
	}

	switch x := v.(type) {
	case nil:
		return Value{Kind: KindNone, TypeId: e.typeID(TypeNone, "none")}
	case bool:
		return Value{Kind: KindBool, Bool: x, TypeId: e.typeID(TypeBool, "bool")}
	case int:
		return Value{Kind: KindInt, Int: int64(x), TypeId: e.typeID(TypeInt, "int")}
	case int32:
		return Value{Kind: KindInt, Int: int64(x), TypeId: e.typeID(TypeInt, "i32")}
	case int64:
		return Value{Kind: KindInt, Int: x, TypeId: e.typeID(TypeInt, "i64")}
	case uint32:
		return Value{Kind: KindInt, Int: int64(x), TypeId: e.typeID(TypeInt, "u32")}
	case uint64:
		return Value{Kind: KindInt, Int: int64(x), TypeId: e.typeID(TypeInt, "u64")}
	case float32:
		return Value{Kind: KindFloat, Float: float64(x), TypeId: e.typeID(TypeFloat, "f32")}
	case float64:
		return Value{Kind: KindFloat, Float: x, TypeId: e.typeID(TypeFloat, "f64")}
	case string:
		return Value{Kind: KindString, Text: x, TypeId: e.typeID(TypeString, "string")}
	case []byte:
		return Value{Kind: KindBytes, Bytes: x, TypeId: e.typeID(TypeBytes, "bytes")}
	case Raw:
		return Value{Kind: KindRaw, Text: string(x), TypeId: e.typeID(TypeRaw, "raw")}
	}

	// Identity-based cycle detection for reference-like containers. Only
	// pointer/slice/map-backed values can legitimately cycle; value types
	// above already returned.
	if id, cyclable := identityOf(v); cyclable {
		if seen[id] {
			return Value{Kind: KindRaw, Text: "<cycle>", TypeId: e.typeID(TypeRaw, "raw")}
		}
		seen[id] = true
		defer delete(seen, id)
	}

	switch x := v.(type) {
	case Tuple:
		return e.encodeElements(KindTuple, "tuple", []any(x), false, depth, seen)
	case Sequence:
		return e.encodeElements(KindSequence, "sequence", x.Elements, true, depth, seen)
	case Struct:
		return e.encodeStruct(x, depth, seen)
	default:
		return e.rawValue(summarize(v))
	}
}

func (e *Encoder) encodeElements(kind ValueKind, display string, elems []any, isSlice bool, depth int, seen map[any]bool) Value {
	n := len(elems)
	if n > e.opts.MaxWidth {
		return Value{
			Kind:    KindRaw,
			Text:    summarizeLen(n),
			TypeId:  e.typeID(TypeRaw, "raw"),
			IsSlice: isSlice,
		}
	}
	out := Value{Kind: kind, IsSlice: isSlice, TypeId: e.typeID(typeKindFor(kind), display)}
	out.Elements = make([]Value, n)
	for i, el := range elems {
		out.Elements[i] = e.encode(el, depth+1, seen)
	}
	return out
}

func (e *Encoder) encodeStruct(s Struct, depth int, seen map[any]bool) Value {
	n := len(s.Fields)
	if n > e.opts.MaxWidth {
		return Value{Kind: KindRaw, Text: summarizeLen(n), TypeId: e.typeID(TypeRaw, "raw")}
	}
	out := Value{Kind: KindStruct, TypeId: e.typeID(TypeStruct, s.TypeName)}
	out.Elements = make([]Value, 0, n)
	out.FieldNames = make([]VariableNameId, 0, n)
	for _, f := range s.Fields {
		if e.opts.ExcludeNames[f.Name] {
			continue
		}
		out.FieldNames = append(out.FieldNames, e.reg.internVariableName(f.Name))
		out.Elements = append(out.Elements, e.encode(f.Value, depth+1, seen))
	}
	return out
}

func typeKindFor(k ValueKind) TypeKind {
	switch k {
	case KindTuple:
		return TypeTuple
	case KindSequence:
		return TypeSequence
	default:
		return TypeRaw
	}
}

// Raw lets a Monitor hand the encoder an already-summarized, untranslatable
// value directly (§4.2: "Untranslatable values … encoded as Raw(summary)").
type Raw string

// Module marks a binding as an imported-module reference, one of the three
// categories §4.2's "Name filtering" rule excludes from locals snapshots
// entirely (the other two are name-based: dunder-prefixed names and
// `__builtins__`). A Monitor hands the encoder a Module instead of a
// resolved value for any binding it knows refers to an imported module.
type Module string

// excludeFromLocals reports whether nv must be dropped from a locals
// snapshot outright (§4.2 "Name filtering" — MUST, not merely hidden): a
// double-underscore-prefixed name (which already covers the explicitly
// named `__builtins__`), or a value identifying an imported module.
func excludeFromLocals(nv NamedValue) bool {
	if strings.HasPrefix(nv.Name, "__") {
		return true
	}
	_, isModule := nv.Value.(Module)
	return isModule
}

// Tuple is a fixed-size, heterogeneous container, encoded as Value.Tuple.
type Tuple []any

// Sequence is a variable-length, homogeneous-ish container (list, slice,
// set). IsSlice distinguishes a slice/array from a set for downstream
// consumers, per §3.
type Sequence struct {
	Elements []any
	IsSlice  bool
}

// StructField is one named field of a Struct value.
type StructField struct {
	Name  string
	Value any
}

// Struct represents a struct-like value with named fields (a class
// instance, a record, a wasm struct once GC types are resolved).
type Struct struct {
	TypeName string
	Fields   []StructField
}

func summarize(v any) string {
	return "<unsupported value>"
}

func summarizeLen(n int) string {
	const digits = "0123456789"
	if n == 0 {
		return "<len=0>"
	}
	buf := make([]byte, 0, 8)
	buf = append(buf, "<len="...)
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = digits[n%10]
		n /= 10
	}
	buf = append(buf, tmp[i:]...)
	buf = append(buf, '>')
	return string(buf)
}

// identityOf returns a comparable identity key for reference-like values so
// the encoder can detect cycles, and whether v is the kind of value that
// could legitimately participate in one.
func identityOf(v any) (any, bool) {
	switch x := v.(type) {
	case Tuple:
		return sliceIdentity(x), true
	case *Sequence:
		return x, true
	case Sequence:
		return sliceIdentity(x.Elements), true
	case *Struct:
		return x, true
	}
	return nil, false
}

func sliceIdentity(s []any) any {
	if len(s) == 0 {
		return (*any)(nil)
	}
	return &s[0]
}
