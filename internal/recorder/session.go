package recorder

import (
	"io"
	"os"
	"path/filepath"
	"sync"
)

// State is the session controller's lifecycle state machine (§4.8):
// Idle → Starting → Active → Stopping → Idle, with a sideways transition
// to Poisoned on any fatal writer/encoder fault.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
	StatePoisoned
)

// toplevelFunctionName is the synthetic function every trace brackets its
// whole session in (§3 "Top-level call", §4.8 start()).
const toplevelFunctionName = "<toplevel>"

// StartOptions configures a new Session (§4.8 start(dir, format,
// activation, filter, policy)).
type StartOptions struct {
	Dir              string
	Format           Format
	ActivationPath   string
	Filter           *ScopeFilter
	Policy           Policy
	KeepPartialTrace bool
	RequireTrace     bool
	Program          string
	Args             []string
	Encoder          EncoderOptions
}

// Session is C8: the process-wide singleton owning the writer, the
// adapter, the I/O capturer, and the invariant that call/return stays
// balanced even under interpreter faults.
type Session struct {
	mu    sync.Mutex
	state State

	opts StartOptions

	reg      *registry
	encoder  *Encoder
	writer   *Writer
	gate     *ActivationGate
	adapter  *Adapter
	monitor  Monitor
	capturer *Capturer
	faults   counter

	toplevel FunctionId
	stopped  bool
	poisonedErr *Error
}

var (
	globalMu sync.Mutex
	global   *Session
)

// Start creates and installs the one live Session. Attempting to start a
// second concurrent session fails synchronously with a UsageError (§4.8,
// §8 "Starting a second session while one is active fails synchronously").
func Start(opts StartOptions, monitor Monitor) (*Session, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil && global.currentState() != StateIdle {
		return nil, newError(CodeUsage, nil, "a recording session is already active")
	}

	if opts.Dir == "" {
		return nil, newError(CodeUsage, nil, "output directory must be set")
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, newError(CodeUsage, err, "inspecting output directory %s", opts.Dir)
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, newError(CodeUsage, err, "creating output directory %s", opts.Dir)
		}
	} else if !info.IsDir() {
		return nil, newError(CodeUsage, nil, "output path %s is not a directory", opts.Dir)
	}

	s := &Session{opts: opts, state: StateStarting}
	s.reg = newRegistry(s)

	onPoison := func(e *Error) { s.poison(e) }
	s.writer, err = NewWriter(opts.Dir, opts.Format, onPoison)
	if err != nil {
		return nil, err
	}
	s.encoder = newEncoder(s.reg, opts.Encoder, &s.faults)
	s.gate = NewActivationGate(opts.ActivationPath)
	s.adapter = newAdapter(s.reg, s.encoder, s.writer, s.gate, opts.Filter, onPoison)
	s.monitor = monitor

	toplevelPath := opts.Program
	if toplevelPath == "" {
		toplevelPath = "<unknown>"
	}
	if abs, err := filepath.Abs(toplevelPath); err == nil {
		toplevelPath = abs
	}
	s.toplevel = s.reg.internFunction(FunctionKey{Path: s.reg.internPath(toplevelPath), FirstLine: 0, Name: toplevelFunctionName})
	s.writer.Write(Event{Tag: EventCall, CallFunctionId: s.toplevel})

	if monitor != nil {
		if err := monitor.Install(s.adapter); err != nil {
			s.writer.Close()
			return nil, newError(CodeInternal, err, "installing monitor")
		}
	}

	s.state = StateActive
	global = s
	return s, nil
}

// definitionSink implementation: forwards first-use interner definitions
// to the trace writer, ahead of any event that references the new id
// (§4.1, §3 invariant 2).
func (s *Session) emitPathDefinition(id PathId, path string) {
	s.writer.Write(Event{Tag: EventPath, Path: path})
}

func (s *Session) emitVariableNameDefinition(id VariableNameId, name string) {
	s.writer.Write(Event{Tag: EventVariableName, VariableName: name})
}

func (s *Session) emitTypeDefinition(id TypeId, desc TypeDescriptor) {
	s.writer.Write(Event{Tag: EventType, Type: desc})
}

func (s *Session) emitFunctionDefinition(id FunctionId, key FunctionKey) {
	s.writer.Write(Event{Tag: EventFunction, Function: key})
}

// Adapter exposes the adapter so an embedding Monitor implementation can
// call its On* signal methods, without the recorder package needing to
// export a wider surface than necessary.
func (s *Session) Adapter() *Adapter { return s.adapter }

// Capturer lazily constructs and returns the I/O capture subsystem for
// this session, wiring both the high-level stdout/stderr/stdin proxies and
// the low-level fd mirrors around the given real streams (§4.7). stdout
// and stderr must be the process's real *os.File (typically os.Stdout/
// os.Stderr) so their fds can be redirected into the mirror pipes.
func (s *Session) Capturer(stdout, stderr *os.File, stdin io.Reader, captureStdin bool) *Capturer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capturer == nil {
		onFault := func(e *Error) { s.handleCapturerFault(e) }
		s.capturer = NewCapturer(s.writer, stdout, stderr, stdin, captureStdin, onFault)
	}
	return s.capturer
}

func (s *Session) handleCapturerFault(e *Error) {
	logFault(e)
	if s.capturer != nil {
		s.capturer.Disable()
	}
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// poison marks the session Poisoned and records e, which Stop returns to
// its caller under PolicyAbort (§4.3 "marks the session poisoned and
// signals the session controller"). It does not stop recording: the writer
// and the adapter do not consult the Poisoned state and keep accepting
// events.
func (s *Session) poison(e *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePoisoned {
		return
	}
	s.state = StatePoisoned
	s.poisonedErr = e
	logFault(e)
}

// Flush passes through to the writer (§4.8 flush()). Idempotent: calling
// it twice adds no events (§8).
func (s *Session) Flush() error {
	return s.writer.Flush()
}

// Stop deinstalls monitoring and I/O capture, drains the mirror pipes,
// synthesizes Return events for any still-open frames so §3 invariant 1
// holds, emits the top-level Return with the encoded exit status, writes
// both sidecars, and closes the writer. Idempotent (§8 "stop() is
// idempotent; a second call is a no-op").
func (s *Session) Stop(exitCode *int, exitLabel string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.state = StateStopping
	poisoned := s.poisonedErr
	s.mu.Unlock()

	if s.monitor != nil {
		_ = s.monitor.Uninstall()
	}
	if s.capturer != nil {
		s.capturer.Stop(&s.faults)
	}

	// Synthesize balancing Returns for any frame the adapter never
	// closed (unhandled interpreter fault, process killed mid-call):
	// §3 invariant 1 and §4.8's "synthesizes Return events for any
	// still-open frames".
	s.adapter.drainAll(func(f *FrameContext) {
		if f.active {
			s.writer.Write(Event{Tag: EventReturn, ReturnValue: unwoundValue})
		}
	})

	var exitStatus ExitStatus
	if exitCode != nil {
		exitStatus = exitCodeStatus(*exitCode)
	} else {
		label := exitLabel
		if label == "" {
			label = "<exit>"
		}
		exitStatus = exitLabelStatus(label)
	}
	returnValue := exitValue
	if exitCode != nil {
		returnValue = Value{Kind: KindInt, Int: int64(*exitCode), TypeId: s.encoder.typeID(TypeInt, "int")}
	}
	s.writer.Write(Event{Tag: EventReturn, ReturnValue: returnValue})

	var finalErr error
	if poisoned != nil && poisoned.Code != "" && s.opts.Policy == PolicyAbort {
		finalErr = poisoned
	}

	if err := s.writer.Finalize(); err != nil && finalErr == nil {
		finalErr = err
	}

	paths := s.reg.paths.snapshot()
	if err := WritePathsSidecar(s.opts.Dir, paths); err != nil && finalErr == nil {
		finalErr = err
	}
	md := Metadata{
		Workdir:          workdirOrEmpty(),
		Program:          s.opts.Program,
		Args:             s.opts.Args,
		ProcessExitState: exitStatus,
	}
	if err := WriteMetadataSidecar(s.opts.Dir, md); err != nil && finalErr == nil {
		finalErr = err
	}

	_ = s.writer.Close()

	globalMu.Lock()
	if global == s {
		global = nil
	}
	globalMu.Unlock()

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()

	if finalErr != nil && s.opts.Policy == PolicyAbort {
		if !s.opts.KeepPartialTrace {
			_ = removePartialTrace(s.opts.Dir)
		}
		return finalErr
	}

	if s.opts.RequireTrace && len(paths) == 0 {
		return newError(CodeUsage, nil, "--require-trace: trace is empty")
	}

	return nil
}

func workdirOrEmpty() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

// ResetForTests tears down any live global session unconditionally,
// bypassing the normal Stop() sequencing. It exists solely so tests can
// start from a clean slate without depending on test execution order
// (§9 "Tests must be able to reset the singleton").
func ResetForTests() {
	globalMu.Lock()
	s := global
	global = nil
	globalMu.Unlock()
	if s == nil {
		return
	}
	if s.monitor != nil {
		_ = s.monitor.Uninstall()
	}
	if s.capturer != nil {
		s.capturer.Stop(nil)
	}
	_ = s.writer.Close()
}
