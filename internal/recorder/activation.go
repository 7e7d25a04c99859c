package recorder

import "sync/atomic"

// ActivationGate defers "tracing on" until the interpreter first enters a
// nominated source file (C4, §4.4). Once active, it never reverts.
//
// If ActivationPath is empty the gate is active from construction, so the
// adapter never has to special-case "no gate configured".
type ActivationGate struct {
	path   string
	active atomic.Bool
}

// NewActivationGate constructs a gate. An empty activationPath means the
// session is active immediately (§4.4 "If unset...").
func NewActivationGate(activationPath string) *ActivationGate {
	g := &ActivationGate{path: activationPath}
	if activationPath == "" {
		g.active.Store(true)
	}
	return g
}

// Active reports whether the gate currently passes events through.
func (g *ActivationGate) Active() bool {
	return g.active.Load()
}

// Observe is called by the adapter on every function-start callback,
// before any other processing, with the resolved filename of the code
// object being entered. It activates the gate (permanently) the first time
// path matches the configured ActivationPath.
func (g *ActivationGate) Observe(path string) {
	if g.active.Load() {
		return
	}
	if path == g.path {
		g.active.Store(true)
	}
}
