package recorder

// FrameInfo identifies the code object a Start/Resume signal refers to:
// its declaration site (for FunctionId interning) and its fully-qualified
// name (for scope-filter selector matching).
type FrameInfo struct {
	Path          string
	FirstLine     int
	Name          string
	QualifiedName string
}

// Monitor is implemented by a concrete host integration — this repository
// ships internal/wasmmonitor, built on wazero's FunctionListener — that
// translates low-level interpreter callbacks into the Adapter's On*
// signal methods. The core recorder package never imports a concrete
// Monitor; Session only knows this interface (§2: "C6 Monitoring
// adapter... translates each into logical events").
//
// Install is called once, synchronously, during Session.start(); it must
// register whatever hooks the concrete host requires and return promptly.
// Uninstall reverses that registration during Session.stop(), and must be
// safe to call even if Install partially failed.
type Monitor interface {
	Install(a *Adapter) error
	Uninstall() error
}

// ThreadKey identifies the OS-thread-like execution context a signal
// arrived on. The adapter keeps independent per-thread shadow state
// (§4.6, §5: "per-thread shadow state for current-frame tracking"); the
// concrete Monitor decides what makes a good key (a goroutine id, a
// wazero api.Module pointer, anything comparable and stable for the
// lifetime of one logical thread of execution).
type ThreadKey any
