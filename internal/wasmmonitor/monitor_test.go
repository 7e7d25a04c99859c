package wasmmonitor

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/metacraft-labs/codetracer-python-recorder/internal/recorder"
)

func TestDecodeWasmValueIntegers(t *testing.T) {
	if v := decodeWasmValue(api.ValueTypeI32, uint64(uint32(int32(-5)))); v.(int64) != -5 {
		t.Fatalf("expected -5, got %v", v)
	}
	if v := decodeWasmValue(api.ValueTypeI64, uint64(42)); v.(int64) != 42 {
		t.Fatalf("expected 42, got %v", v)
	}
}

func TestDecodeWasmValueFloats(t *testing.T) {
	bits := math.Float64bits(3.25)
	if v := decodeWasmValue(api.ValueTypeF64, bits); v.(float64) != 3.25 {
		t.Fatalf("expected 3.25, got %v", v)
	}
	fbits := uint64(math.Float32bits(1.5))
	if v := decodeWasmValue(api.ValueTypeF32, fbits); v.(float64) != 1.5 {
		t.Fatalf("expected 1.5, got %v", v)
	}
}

func TestDecodeWasmValueUnsupportedFallsBackToRaw(t *testing.T) {
	v := decodeWasmValue(api.ValueTypeExternref, 0)
	if _, ok := v.(recorder.Raw); !ok {
		t.Fatalf("expected a Raw fallback for an unrecognized value type, got %T", v)
	}
}

func TestItoa(t *testing.T) {
	cases := map[int]string{0: "0", 7: "7", 42: "42", -3: "-3"}
	for in, want := range cases {
		if got := itoa(in); got != want {
			t.Fatalf("itoa(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestMonitorFrameInfoFallsBackWithoutSymbolizer(t *testing.T) {
	m := New(nil)
	info := m.frameInfo(fakeDef{name: "add", module: "guest"})
	if info.Path != "<wasm>" {
		t.Fatalf("expected synthetic path, got %q", info.Path)
	}
	if info.QualifiedName != "guest.add" {
		t.Fatalf("expected qualified name guest.add, got %q", info.QualifiedName)
	}
}

type fakeDef struct {
	api.FunctionDefinition
	name   string
	module string
}

func (f fakeDef) Name() string       { return f.name }
func (f fakeDef) DebugName() string  { return f.name }
func (f fakeDef) ModuleName() string { return f.module }
func (f fakeDef) ParamTypes() []api.ValueType  { return nil }
func (f fakeDef) ResultTypes() []api.ValueType { return nil }

// TestMonitorYieldResumeReusesGeneratorFrame drives Before/After through a
// full generator call -> yield -> resume -> return sequence and checks the
// resume reuses the generator's own Call/function_id instead of the
// yield/resume imports' own identities.
func TestMonitorYieldResumeReusesGeneratorFrame(t *testing.T) {
	dir := t.TempDir()
	mon := New(nil)
	s, err := recorder.Start(recorder.StartOptions{Dir: dir, Format: recorder.FormatJSON}, mon)
	if err != nil {
		t.Fatalf("recorder.Start: %v", err)
	}

	genDef := fakeDef{name: "gen", module: "guest"}
	yieldDef := fakeDef{name: yieldFunctionName, module: "codetracer"}
	resumeDef := fakeDef{name: resumeFunctionName, module: "codetracer"}

	genListener := &callListener{mon: mon, def: genDef}
	yieldListener := &callListener{mon: mon, def: yieldDef}
	resumeListener := &callListener{mon: mon, def: resumeDef}

	ctx := context.Background()
	genListener.Before(ctx, nil, genDef, nil, nil)
	if len(mon.stack) != 1 {
		t.Fatalf("expected the generator's frame pushed, got stack %v", mon.stack)
	}

	yieldListener.Before(ctx, nil, yieldDef, nil, nil)
	if len(mon.stack) != 0 || len(mon.suspended) != 1 {
		t.Fatalf("expected yield to suspend the generator's frame, got stack=%v suspended=%v", mon.stack, mon.suspended)
	}
	yieldListener.After(ctx, nil, yieldDef, nil, nil)

	resumeListener.Before(ctx, nil, resumeDef, nil, nil)
	if len(mon.stack) != 1 || len(mon.suspended) != 0 {
		t.Fatalf("expected resume to reactivate the generator's frame, got stack=%v suspended=%v", mon.stack, mon.suspended)
	}
	resumeListener.After(ctx, nil, resumeDef, nil, nil)

	genListener.After(ctx, nil, genDef, nil, nil)

	if err := s.Stop(nil, ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "trace.json"))
	if err != nil {
		t.Fatalf("reading trace.json: %v", err)
	}
	var events []map[string]json.RawMessage
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshalling trace.json: %v", err)
	}

	var callFunctionIds []float64
	yields := 0
	for _, e := range events {
		if raw, ok := e["Call"]; ok {
			var call struct {
				FunctionId float64 `json:"function_id"`
			}
			if err := json.Unmarshal(raw, &call); err != nil {
				t.Fatalf("unmarshalling Call: %v", err)
			}
			callFunctionIds = append(callFunctionIds, call.FunctionId)
		}
		if raw, ok := e["Return"]; ok {
			var ret struct {
				ReturnValue struct {
					Text string `json:"r"`
				} `json:"return_value"`
			}
			if err := json.Unmarshal(raw, &ret); err == nil && ret.ReturnValue.Text == "<yield>" {
				yields++
			}
		}
	}

	// Three Calls: the toplevel bracket, the generator's own start, and the
	// resume reactivating it. codetracer_yield/codetracer_resume must never
	// produce a Call of their own (that would be a 4th entry here).
	if len(callFunctionIds) != 3 {
		t.Fatalf("expected exactly 3 Call events (toplevel, generator start, resume), got %d: %v", len(callFunctionIds), callFunctionIds)
	}
	if callFunctionIds[1] != callFunctionIds[2] {
		t.Fatalf("expected resume to reuse the generator's own function_id %v, got %v", callFunctionIds[1], callFunctionIds[2])
	}
	if callFunctionIds[0] == callFunctionIds[1] {
		t.Fatalf("expected the toplevel and generator to have distinct function_ids")
	}
	if yields != 1 {
		t.Fatalf("expected exactly one yield Return, got %d", yields)
	}
}
