package recorder

import (
	"io"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// mirrorDrainGrace is the fixed grace period the mirror reader gets to
// drain on stop before residual bytes are dropped (§5 "at most a fixed
// grace period (5s)").
const mirrorDrainGrace = 5 * time.Second

// Capturer is C7: it proxies high-level stdio and mirrors the underlying
// OS file descriptors through a pipe, so native writes that bypass the
// proxy are still recorded, without double-counting bytes that go through
// both paths (§4.7).
type Capturer struct {
	writer *Writer

	stdoutProxy *proxyWriter
	stderrProxy *proxyWriter
	stdinProxy  *proxyReader

	mirrors []*fdMirror

	mu       sync.Mutex
	disabled bool
	onFault  func(*Error)
}

// NewCapturer wires up both capture layers for stdout/stderr (§4.7): the
// high-level proxy the embedding host substitutes into its own API
// surface (e.g. wazero's ModuleConfig.WithStdout), and the low-level fd
// mirror that redirects the real OS file descriptor into a pipe so writes
// that bypass the high-level proxy (a raw syscall write(1, ...) from the
// guest) are still captured. stdout/stderr must be the process's actual
// os.Stdout/os.Stderr (or any *os.File whose fd the target program
// inherits) for the fd mirror to have a real descriptor to redirect.
// Stdin capture, being a read path, has no fd mirror.
func NewCapturer(w *Writer, stdout, stderr *os.File, stdin io.Reader, captureStdin bool, onFault func(*Error)) *Capturer {
	c := &Capturer{writer: w, onFault: onFault}
	l := newLedger()
	c.stdoutProxy = newProxyWriter(w, l, stdout, IOStdout)
	c.stderrProxy = newProxyWriter(w, l, stderr, IOStderr)
	if captureStdin {
		c.stdinProxy = newProxyReader(w, stdin, IOStdin)
	}

	if stdout != nil {
		if _, err := c.InstallMirror(stdout, IOStdout, c.stdoutProxy); err != nil && onFault != nil {
			onFault(newError(CodeCapturer, err, "installing stdout fd mirror"))
		}
	}
	if stderr != nil {
		if _, err := c.InstallMirror(stderr, IOStderr, c.stderrProxy); err != nil && onFault != nil {
			onFault(newError(CodeCapturer, err, "installing stderr fd mirror"))
		}
	}
	return c
}

// Stdout and Stderr return io.Writers the embedding host should substitute
// for the real stdout/stderr when handing a Writer to the target program
// (e.g. wazero's ModuleConfig.WithStdout/WithStderr), so that writes
// performed through the host's API surface are captured by the high-level
// proxy layer (§4.7 layer 1).
func (c *Capturer) Stdout() io.Writer { return c.stdoutProxy }
func (c *Capturer) Stderr() io.Writer { return c.stderrProxy }

// Stdin returns an io.Reader that records lines read before forwarding
// them, or nil if stdin capture was not requested.
func (c *Capturer) Stdin() io.Reader {
	if c.stdinProxy == nil {
		return nil
	}
	return c.stdinProxy
}

// InstallMirror redirects the real OS file descriptor real.Fd() into an
// os.Pipe via dup2, so that every write to that fd — whether through Go's
// os.Stdout/os.Stderr or a raw syscall write from the guest — lands in the
// pipe instead. A dedicated reader goroutine drains the pipe, writes each
// chunk back out to a duplicate of the original fd (the true terminal),
// and, after subtracting whatever the ledger says the high-level proxy
// already recorded for that chunk, emits the leftover as an Event (§4.7
// layer 2). The returned *fdMirror is torn down by Capturer.Stop, which
// restores the original fd before closing the pipe.
func (c *Capturer) InstallMirror(real *os.File, kind IOKind, ledgerOf *proxyWriter) (*fdMirror, error) {
	targetFd := int(real.Fd())

	origFd, err := syscall.Dup(targetFd)
	if err != nil {
		return nil, newError(CodeCapturer, err, "duplicating original fd %d", targetFd).WithContext("fd", strconv.Itoa(targetFd))
	}
	original := os.NewFile(uintptr(origFd), real.Name()+".orig")

	r, w, err := os.Pipe()
	if err != nil {
		original.Close()
		return nil, newError(CodeCapturer, err, "installing fd mirror").WithContext("fd", strconv.Itoa(targetFd))
	}

	if err := syscall.Dup2(int(w.Fd()), targetFd); err != nil {
		original.Close()
		r.Close()
		w.Close()
		return nil, newError(CodeCapturer, err, "redirecting fd %d into mirror pipe", targetFd).WithContext("fd", strconv.Itoa(targetFd))
	}

	m := &fdMirror{
		real:     original,
		targetFd: targetFd,
		origFd:   origFd,
		pipeR:    r,
		pipeW:    w,
		kind:     kind,
		ledger:   ledgerOf.ledger,
		writer:   c.writer,
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.mirrors = append(c.mirrors, m)
	c.mu.Unlock()
	go m.run()
	return m, nil
}

// Disable marks capture as disabled after a CapturerError (§7), as
// isDisabled then reports. The proxies and fd mirrors do not consult this
// flag: they keep forwarding bytes to the real streams and recording them
// in the trace.
func (c *Capturer) Disable() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

func (c *Capturer) isDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// Stop tears down every installed mirror: it restores the redirected fd to
// the original descriptor (so the last reference to the pipe's write end
// is released) and closes the local pipe write end, then gives the reader
// goroutine at most mirrorDrainGrace to observe EOF and exit before the
// read end is force-closed and any residual bytes are dropped with a
// fault counted (§5).
func (c *Capturer) Stop(faults *counter) {
	c.mu.Lock()
	mirrors := c.mirrors
	c.mirrors = nil
	c.mu.Unlock()

	for _, m := range mirrors {
		m.close()
		select {
		case <-m.done:
		case <-time.After(mirrorDrainGrace):
			if faults != nil {
				faults.inc()
			}
			m.pipeR.Close()
			<-m.done
		}
	}
}

// proxyWriter is the high-level proxy layer for an output stream: it
// records written bytes as an Event before forwarding to the real stream,
// and pushes the same bytes onto the shared ledger so the fd mirror can
// subtract them (§4.7 "Ledger deduplication").
type proxyWriter struct {
	writer *Writer
	ledger *ledger
	real   io.Writer
	kind   IOKind
}

func newProxyWriter(w *Writer, l *ledger, real io.Writer, kind IOKind) *proxyWriter {
	return &proxyWriter{writer: w, ledger: l, real: real, kind: kind}
}

func (p *proxyWriter) Write(b []byte) (int, error) {
	p.ledger.push(b)
	p.writer.Write(Event{Tag: EventIO, IOKind: p.kind, IOContent: string(b)})
	if p.real != nil {
		return p.real.Write(b)
	}
	return len(b), nil
}

// proxyReader is the high-level proxy layer for stdin: it records bytes
// read before returning them to the caller.
type proxyReader struct {
	writer *Writer
	real   io.Reader
	kind   IOKind
}

func newProxyReader(w *Writer, real io.Reader, kind IOKind) *proxyReader {
	return &proxyReader{writer: w, real: real, kind: kind}
}

func (p *proxyReader) Read(b []byte) (int, error) {
	n, err := p.real.Read(b)
	if n > 0 {
		p.writer.Write(Event{Tag: EventIO, IOKind: p.kind, IOContent: string(b[:n])})
	}
	return n, err
}

// fdMirror is the low-level layer: it redirects a real OS file descriptor
// into a pipe, and a dedicated reader goroutine drains it, writing every
// chunk back to the true terminal and — after subtracting whatever the
// ledger says already went through the high-level proxy — to the trace.
type fdMirror struct {
	real     *os.File // duplicate of the original fd, for passthrough writes
	targetFd int       // the fd number redirected into the pipe (e.g. 1 or 2)
	origFd   int       // duplicate fd number kept solely to restore targetFd
	pipeR    *os.File
	pipeW    *os.File
	kind     IOKind
	ledger   *ledger
	writer   *Writer
	done     chan struct{}
}

func (m *fdMirror) run() {
	defer close(m.done)
	defer m.real.Close() // also releases origFd, restored onto targetFd by close()
	buf := make([]byte, 32*1024)
	for {
		n, err := m.pipeR.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if m.real != nil {
				m.real.Write(chunk)
			}
			leftover := m.ledger.subtract(chunk)
			if len(leftover) > 0 {
				m.writer.Write(Event{Tag: EventIO, IOKind: m.kind, IOContent: string(leftover)})
			}
		}
		if err != nil {
			return
		}
	}
}

// close restores targetFd to the original descriptor, releasing the last
// reference the redirected fd held on the pipe's write end, then closes
// the local pipe write end. Once every reference to the pipe's write end
// is closed, the reader goroutine observes EOF, flushes any buffered
// bytes to the (still open) original descriptor, and exits, closing that
// descriptor itself.
func (m *fdMirror) close() {
	syscall.Dup2(m.origFd, m.targetFd)
	m.pipeW.Close()
}
