package recorder

import "sync"

// threadState is the per-thread shadow state the adapter keeps for
// current-frame tracking (§4.6, §5). Each OS-thread-like execution context
// gets its own CallStack; there is no cross-thread ordering beyond the
// total order imposed by acquiring the writer mutex.
type threadState struct {
	stack CallStack
	// suspended indexes still-suspended generator-like frames by
	// FunctionId, so a later Resume on the same thread can find the
	// FrameContext it must reactivate (§4.6 "If a suspended context
	// exists for this code object...").
	suspended map[FunctionId]*FrameContext
}

// Adapter is C6: it consumes the Monitor's On* signal calls and emits
// well-ordered logical events to the trace writer, consulting the
// activation gate (C4) and scope filter (C5), and using the registry (C1)
// and encoder (C2) for ids and values. One Adapter belongs to exactly one
// Session.
type Adapter struct {
	reg     *registry
	enc     *Encoder
	writer  *Writer
	gate    *ActivationGate
	filter  *ScopeFilter
	onFault func(*Error)

	mu      sync.Mutex
	threads map[ThreadKey]*threadState
}

func newAdapter(reg *registry, enc *Encoder, w *Writer, gate *ActivationGate, filter *ScopeFilter, onFault func(*Error)) *Adapter {
	return &Adapter{
		reg:     reg,
		enc:     enc,
		writer:  w,
		gate:    gate,
		filter:  filter,
		onFault: onFault,
		threads: make(map[ThreadKey]*threadState),
	}
}

func (a *Adapter) state(thread ThreadKey) *threadState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.threads[thread]
	if !ok {
		st = &threadState{suspended: make(map[FunctionId]*FrameContext)}
		a.threads[thread] = st
	}
	return st
}

// OnStart handles a function-start callback (§4.6 "start"): it interns the
// function and pushes a frame for every callback, so the matching return
// always pops the right entry; only if the gate passes and the filter's
// execution policy is trace is the frame active and Call{function_id, args}
// emitted.
func (a *Adapter) OnStart(thread ThreadKey, info FrameInfo, args []NamedValue) {
	a.gate.Observe(info.Path)
	st := a.state(thread)

	decision := a.filter.Resolve(info.QualifiedName)
	fn := FunctionKey{Path: a.reg.internPath(info.Path), FirstLine: info.FirstLine, Name: info.Name}
	fid := a.reg.internFunction(fn)

	active := a.gate.Active() && decision.Exec == ExecTrace
	frame := &FrameContext{FunctionId: fid, active: active, prevLocals: map[string]any{}}
	st.stack.push(frame)
	if !active {
		return
	}

	hideValues := decision.Values == ValueDeny
	callArgs := make([]ArgValue, 0, len(args))
	for _, arg := range args {
		callArgs = append(callArgs, ArgValue{
			VariableId: a.reg.internVariableName(arg.Name),
			Value:      a.enc.Encode(arg.Value, hideValues),
		})
	}
	a.writer.Write(Event{Tag: EventCall, CallFunctionId: fid, CallArgs: callArgs})
}

// OnLine handles a line callback (§4.6 "line"): emits Step followed by a
// full locals snapshot, excluding dunder-equivalent and module names
// (§4.2's "Name filtering", applied by emitLocals).
func (a *Adapter) OnLine(thread ThreadKey, path string, line int, locals []NamedValue) {
	st := a.state(thread)
	frame := st.stack.top()
	if frame == nil || !frame.active {
		return
	}
	pathID := a.reg.internPath(path)
	a.writer.Write(Event{Tag: EventStep, StepPathId: pathID, StepLine: line})
	a.emitLocals(frame, locals, false)
}

// emitLocals writes a Value event for each binding in locals, first
// dropping dunder-prefixed names, `__builtins__`, and imported-module
// references outright (§4.2 "Name filtering" — MUST be excluded, never
// merely hidden). When diffOnly is requested and the locals-diff
// optimization is enabled, only changed bindings (plus any binding never
// seen before) are emitted, while still guaranteeing every binding is
// emitted at least once (§4.6 "Locals-diff optimization"). Values are
// always encoded in full here: the scope filter's deny value policy is
// applied to Call arguments only, not to locals or return values.
func (a *Adapter) emitLocals(frame *FrameContext, locals []NamedValue, diffOnly bool) {
	hideValues := false
	for _, nv := range locals {
		if excludeFromLocals(nv) {
			continue
		}
		if diffOnly {
			prev, seen := frame.prevLocals[nv.Name]
			if seen && valuesEqual(prev, nv.Value) {
				continue
			}
		}
		frame.prevLocals[nv.Name] = nv.Value
		a.writer.Write(Event{
			Tag:             EventValue,
			ValueVariableId: a.reg.internVariableName(nv.Name),
			ValueValue:      a.enc.Encode(nv.Value, hideValues),
		})
	}
}

// valuesEqual is a best-effort comparability check used only by the
// optional locals-diff optimization; values that cannot be compared (e.g.
// contain a slice) are always treated as changed, which only costs an
// extra emission, never a missed one.
func valuesEqual(a, b any) bool {
	defer func() { recover() }()
	return a == b
}

// OnReturn handles a function-return callback (§4.6 "return"): emits the
// trailing locals snapshot, then Return{value}, and pops the call stack.
func (a *Adapter) OnReturn(thread ThreadKey, locals []NamedValue, value any) {
	st := a.state(thread)
	frame := st.stack.pop()
	if frame == nil || !frame.active {
		return
	}
	a.emitLocals(frame, locals, false)
	a.writer.Write(Event{Tag: EventReturn, ReturnValue: a.enc.Encode(value, false)})
}

// OnUnwind handles an exception propagating out of a frame (§4.6
// "unwind"): emits Return{Raw("<unwound>")} regardless of which exception
// type propagated, and pops the call stack.
func (a *Adapter) OnUnwind(thread ThreadKey) {
	st := a.state(thread)
	frame := st.stack.pop()
	if frame == nil || !frame.active {
		return
	}
	a.writer.Write(Event{Tag: EventReturn, ReturnValue: unwoundValue})
}

// OnYield handles a generator-like suspension (§4.6 "yield"): emits
// Return{Raw("<yield>")}, pops the call stack, and marks the frame
// suspended so a later Resume on the same thread can find it.
func (a *Adapter) OnYield(thread ThreadKey) {
	st := a.state(thread)
	frame := st.stack.pop()
	if frame == nil {
		return
	}
	frame.suspended = true
	st.suspended[frame.FunctionId] = frame
	if !frame.active {
		return
	}
	a.writer.Write(Event{Tag: EventReturn, ReturnValue: yieldValue})
}

// OnResume handles a generator-like continuation (§4.6 "resume"): if a
// suspended context exists for this code object on this thread, emits
// Call{function_id, args=[]} and pushes it back. The FunctionKey is
// interned again, which returns the id already assigned at start, so the
// same FunctionId is reused, resolving §9's Open Question.
func (a *Adapter) OnResume(thread ThreadKey, info FrameInfo) {
	st := a.state(thread)
	fn := FunctionKey{Path: a.reg.internPath(info.Path), FirstLine: info.FirstLine, Name: info.Name}
	fid := a.reg.internFunction(fn)
	frame, ok := st.suspended[fid]
	if !ok {
		return
	}
	delete(st.suspended, fid)
	frame.suspended = false
	st.stack.push(frame)
	if !frame.active {
		return
	}
	a.writer.Write(Event{Tag: EventCall, CallFunctionId: fid, CallArgs: nil})
}

// drainAll pops every frame still open on every thread, invoking fn for
// each — used by the session controller to synthesize balancing Returns
// at stop() (§4.8, §3 invariant 1).
func (a *Adapter) drainAll(fn func(*FrameContext)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range a.threads {
		st.stack.drain(fn)
	}
}
