package recorder

import "sync"

// ledgerEntry is one FIFO entry of bytes written through the high-level
// I/O proxy, awaiting subtraction from the low-level mirror's reads (§4.7
// "Ledger deduplication").
type ledgerEntry struct {
	seq   uint64
	bytes []byte
}

// ledger is the FIFO record consumed by the subtract-from-chunk algorithm
// (§4.7 "Algorithm"). It is guarded by its own leaf lock (§5).
type ledger struct {
	mu      sync.Mutex
	nextSeq uint64
	entries []ledgerEntry
}

func newLedger() *ledger { return &ledger{} }

// push records bytes written through the high-level proxy, to be
// subtracted from a subsequent mirror read.
func (l *ledger) push(b []byte) {
	if len(b) == 0 {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	l.mu.Lock()
	l.entries = append(l.entries, ledgerEntry{seq: l.nextSeq, bytes: cp})
	l.nextSeq++
	l.mu.Unlock()
}

// subtract walks chunk left-to-right, consuming ledger head bytes that
// match the chunk cursor, and returns the leftover (non-matching) bytes in
// their original order — the bytes the mirror must still report as a
// native-I/O event (§4.7 "Algorithm (subtract-from-chunk)").
//
// Partial matches at the chunk tail are handled by leaving the partially
// consumed ledger entry's remaining tail in place for the next call.
func (l *ledger) subtract(chunk []byte) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	leftover := make([]byte, 0, len(chunk))
	i := 0
	for i < len(chunk) {
		if len(l.entries) == 0 {
			leftover = append(leftover, chunk[i:]...)
			break
		}
		head := &l.entries[0]
		n := len(head.bytes)
		remaining := len(chunk) - i
		if n <= remaining && bytesEqual(chunk[i:i+n], head.bytes) {
			i += n
			l.entries = l.entries[1:]
			continue
		}
		if n > remaining && bytesEqual(chunk[i:], head.bytes[:remaining]) {
			head.bytes = head.bytes[remaining:]
			i = len(chunk)
			break
		}
		// No match at the cursor: this byte did not come through the
		// proxy ledger, so it is genuinely native output.
		leftover = append(leftover, chunk[i])
		i++
	}
	return leftover
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
