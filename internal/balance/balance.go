// Package balance implements the trace-balance linter: a standalone
// reader of a finished trace directory that checks invariant 1 (every
// Call is matched by exactly one Return/Unwind/Yield, and the running
// balance never goes negative) without depending on the recorder's
// write path at all. Grounded on the binary/JSON wire formats C3 defines
// in internal/recorder, re-implemented independently here because a
// linter that reused the writer's own encoder could not catch a writer
// bug that corrupts its own output.
package balance

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Report is the linter's verdict for one trace directory.
type Report struct {
	Format        string
	CallCount     int
	ReturnCount   int
	MaxDepth      int
	FinalBalance  int
	WentNegative  bool
	NegativeAtRec int
	Balanced      bool
}

// wire tags, duplicated from internal/recorder/binaryformat.go's private
// constants: the linter must not import the recorder package (see the
// package doc), so the on-disk tag byte values are restated here and must
// be kept in lock-step if the binary format ever changes.
const (
	wirePath byte = iota
	wireVariableName
	wireType
	wireFunction
	wireCall
	wireReturn
	wireStep
	wireValue
	wireIO
)

// Check reads the trace in dir (trace.bin or trace.json, whichever is
// present) and reports whether invariant 1 holds.
func Check(dir string) (Report, error) {
	binPath := filepath.Join(dir, "trace.bin")
	jsonPath := filepath.Join(dir, "trace.json")

	if _, err := os.Stat(binPath); err == nil {
		return checkBinary(binPath)
	}
	if _, err := os.Stat(jsonPath); err == nil {
		return checkJSON(jsonPath)
	}
	return Report{}, fmt.Errorf("balance: no trace.bin or trace.json in %s", dir)
}

func checkBinary(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("balance: opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	rep := Report{Format: "binary"}
	balance := 0
	recNum := 0

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return rep, fmt.Errorf("balance: reading record %d length: %w", recNum, err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return rep, fmt.Errorf("balance: reading record %d body: %w", recNum, err)
		}
		recNum++
		if len(body) == 0 {
			continue
		}
		switch body[0] {
		case wireCall:
			rep.CallCount++
			balance++
		case wireReturn:
			rep.ReturnCount++
			balance--
		}
		if balance > rep.MaxDepth {
			rep.MaxDepth = balance
		}
		if balance < 0 && !rep.WentNegative {
			rep.WentNegative = true
			rep.NegativeAtRec = recNum
		}
	}

	rep.FinalBalance = balance
	rep.Balanced = !rep.WentNegative && rep.FinalBalance == 0
	return rep, nil
}

func checkJSON(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("balance: opening %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	rep := Report{Format: "json"}
	balance := 0
	recNum := 0

	if _, err := dec.Token(); err != nil { // consume the opening '['
		return rep, fmt.Errorf("balance: reading top-level array: %w", err)
	}
	for dec.More() {
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			return rep, fmt.Errorf("balance: decoding record %d: %w", recNum, err)
		}
		recNum++
		if _, ok := obj["Call"]; ok {
			rep.CallCount++
			balance++
		} else if _, ok := obj["Return"]; ok {
			rep.ReturnCount++
			balance--
		}
		if balance > rep.MaxDepth {
			rep.MaxDepth = balance
		}
		if balance < 0 && !rep.WentNegative {
			rep.WentNegative = true
			rep.NegativeAtRec = recNum
		}
	}

	rep.FinalBalance = balance
	rep.Balanced = !rep.WentNegative && rep.FinalBalance == 0
	return rep, nil
}
