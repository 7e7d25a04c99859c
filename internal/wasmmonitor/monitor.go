package wasmmonitor

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/metacraft-labs/codetracer-python-recorder/internal/recorder"
)

// yieldFunctionName and resumeFunctionName are the host-import convention a
// guest module uses to signal generator-like suspension (§4.6's "yield" and
// "resume" signals, which CPython emits natively but a wasm guest has no
// interpreter-level equivalent for): a module that imports functions with
// these names from the "codetracer" module has its calls translated to
// OnYield/OnResume instead of OnStart/OnReturn.
const (
	yieldFunctionName  = "codetracer_yield"
	resumeFunctionName = "codetracer_resume"
)

// wasmThread is the lone ThreadKey used by a Monitor: a single compiled
// module instance executes on one logical call stack unless the embedding
// host runs concurrent invocations, which this monitor does not yet
// attempt to distinguish (§4.6 notes threads only as "OS-thread-like
// execution context[s]"; a wasm guest rarely needs more than one).
type wasmThread struct{}

// Monitor is the concrete recorder.Monitor for a wazero-hosted guest: it
// plays the role "the interpreter" plays in the original CPython design,
// translating wazero's experimental.FunctionListener callbacks into the
// Adapter's On* signal calls (§2, §4.6). Grounded on the teacher's
// ProfilerListener, which performs the equivalent translation for sampling
// instead of tracing.
type Monitor struct {
	sym     *Symbolizer
	adapter *recorder.Adapter
	thread  recorder.ThreadKey

	// stack and suspended mirror the Adapter's own CallStack/suspended-set
	// one level down, keyed by FrameInfo rather than FunctionId: the
	// Monitor needs to know which guest frame is yielding/resuming, since
	// the codetracer_yield/codetracer_resume imports carry no identity of
	// their own (§4.6 "yield"/"resume").
	stack     []recorder.FrameInfo
	suspended []recorder.FrameInfo
}

// New builds a Monitor. sym may be nil, in which case every frame falls
// back to a synthetic FrameInfo built from the wasm module/function name.
func New(sym *Symbolizer) *Monitor {
	return &Monitor{sym: sym, thread: wasmThread{}}
}

// Install implements recorder.Monitor.
func (m *Monitor) Install(a *recorder.Adapter) error {
	m.adapter = a
	return nil
}

// Uninstall implements recorder.Monitor.
func (m *Monitor) Uninstall() error {
	m.adapter = nil
	return nil
}

// Register attaches this Monitor as the wazero experimental function
// listener factory for ctx, the context passed to
// wazero.Runtime.InstantiateModule (mirrors ProfilerListener.Register).
func (m *Monitor) Register(ctx context.Context) context.Context {
	return context.WithValue(ctx, experimental.FunctionListenerFactoryKey{}, m)
}

// NewListener implements wazero's experimental.FunctionListenerFactory.
// Every defined function in the guest module gets a listener: unlike the
// teacher's profiler, which only listens where a Profiler opts in via
// Listen(), tracing needs every call boundary to keep §3 invariant 1
// (every Call is followed by exactly one Return, Unwind or Yield).
func (m *Monitor) NewListener(def api.FunctionDefinition) experimental.FunctionListener {
	return &callListener{mon: m, def: def}
}

type callListener struct {
	mon *Monitor
	def api.FunctionDefinition
}

func (l *callListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	a := l.mon.adapter
	if a == nil {
		return ctx
	}
	switch def.Name() {
	case yieldFunctionName:
		// The generator's own frame is still on top of the Monitor's
		// stack here: yield is a call the generator makes from inside its
		// own body, not a call into a new frame, so no Call/OnStart is
		// emitted for it.
		l.mon.onGuestYield()
		return ctx
	case resumeFunctionName:
		l.mon.onGuestResume()
		return ctx
	}
	info := l.mon.frameInfo(def)
	l.mon.stack = append(l.mon.stack, info)
	a.OnStart(l.mon.thread, info, l.mon.decodeArgs(def, params))
	return ctx
}

func (l *callListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	a := l.mon.adapter
	if a == nil {
		return
	}
	switch def.Name() {
	case yieldFunctionName, resumeFunctionName:
		// Both signals are fully handled in Before; the import call
		// itself never pushed a frame, so there is nothing to pop here.
		return
	}
	if n := len(l.mon.stack); n > 0 {
		l.mon.stack = l.mon.stack[:n-1]
	}
	if err != nil {
		a.OnUnwind(l.mon.thread)
		return
	}
	a.OnReturn(l.mon.thread, nil, l.mon.decodeResult(def, results))
}

// onGuestYield pops the frame that is calling into codetracer_yield (the
// generator itself) and remembers its FrameInfo so a later onGuestResume can
// hand the Adapter the exact same FrameInfo, which recomputes the exact same
// FunctionId OnStart originally interned (§4.6 "If a suspended context
// exists for this code object...").
func (m *Monitor) onGuestYield() {
	n := len(m.stack)
	if n == 0 {
		return
	}
	info := m.stack[n-1]
	m.stack = m.stack[:n-1]
	m.suspended = append(m.suspended, info)
	m.adapter.OnYield(m.thread)
}

// onGuestResume reactivates the most recently suspended frame, mirroring
// the nesting order the corresponding yields suspended them in.
func (m *Monitor) onGuestResume() {
	n := len(m.suspended)
	if n == 0 {
		return
	}
	info := m.suspended[n-1]
	m.suspended = m.suspended[:n-1]
	m.stack = append(m.stack, info)
	m.adapter.OnResume(m.thread, info)
}

// frameInfo builds a recorder.FrameInfo for def, preferring the DWARF
// declaration site when the symbolizer has one and falling back to a
// synthetic "<wasm>" location otherwise (§4.2's "untranslatable values"
// reasoning, applied to code rather than data).
func (m *Monitor) frameInfo(def api.FunctionDefinition) recorder.FrameInfo {
	name := def.Name()
	if name == "" {
		name = def.DebugName()
	}
	qualified := def.ModuleName() + "." + name
	if sp, ok := m.sym.ByName(name); ok {
		file := sp.file
		if file == "" {
			file = "<wasm>"
		}
		return recorder.FrameInfo{Path: file, FirstLine: sp.line, Name: name, QualifiedName: qualified}
	}
	return recorder.FrameInfo{Path: "<wasm>", FirstLine: 0, Name: name, QualifiedName: qualified}
}

// decodeArgs converts the raw wasm parameter stack into NamedValue bindings
// the encoder can reach through the same path as any other Go value
// (§4.2). Parameters carry no names at the wasm level, so each is given a
// positional placeholder; a DWARF formal-parameter walk could improve on
// this but is not required by any invariant.
func (m *Monitor) decodeArgs(def api.FunctionDefinition, params []uint64) []recorder.NamedValue {
	types := def.ParamTypes()
	out := make([]recorder.NamedValue, 0, len(params))
	for i, raw := range params {
		name := "arg" + itoa(i)
		var t api.ValueType
		if i < len(types) {
			t = types[i]
		}
		out = append(out, recorder.NamedValue{Name: name, Value: decodeWasmValue(t, raw)})
	}
	return out
}

func (m *Monitor) decodeResult(def api.FunctionDefinition, results []uint64) any {
	types := def.ResultTypes()
	if len(results) == 0 {
		return nil
	}
	if len(results) == 1 {
		var t api.ValueType
		if len(types) > 0 {
			t = types[0]
		}
		return decodeWasmValue(t, results[0])
	}
	vals := make([]any, len(results))
	for i, raw := range results {
		var t api.ValueType
		if i < len(types) {
			t = types[i]
		}
		vals[i] = decodeWasmValue(t, raw)
	}
	return recorder.Tuple(vals)
}

// decodeWasmValue converts one raw wasm stack slot to the Go value the
// encoder expects, based on its declared ValueType. ExternRef/FuncRef and
// any other value type fall back to the fixed placeholder
// Raw("<unsupported value:wasm-ref>") (§4.2 "untranslatable values").
func decodeWasmValue(t api.ValueType, raw uint64) any {
	switch t {
	case api.ValueTypeI32:
		return int64(int32(uint32(raw)))
	case api.ValueTypeI64:
		return int64(raw)
	case api.ValueTypeF32:
		return float64(math.Float32frombits(uint32(raw)))
	case api.ValueTypeF64:
		return math.Float64frombits(raw)
	default:
		return recorder.Raw("<unsupported value:wasm-ref>")
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
