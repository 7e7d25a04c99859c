// Package wasmmonitor adapts the codetracer-python-recorder core event
// pipeline (internal/recorder) to a running wazero runtime: wazero plays
// the role of "the interpreter" that the original CPython-based recorder
// attached to, and its experimental.FunctionListener callback surface
// plays the role of CPython's monitoring callbacks (§2 of SPEC_FULL.md).
package wasmmonitor

import (
	"debug/dwarf"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
)

const (
	sectionDebugInfo   = ".debug_info"
	sectionDebugLine   = ".debug_line"
	sectionDebugStr    = ".debug_str"
	sectionDebugAbbrev = ".debug_abbrev"
	sectionDebugRanges = ".debug_ranges"
)

// subprogram is the subset of a DWARF TagSubprogram entry the symbolizer
// needs: the PC range it covers, its declared name, and its declaration
// file/line (DW_AT_decl_file/DW_AT_decl_line; the line is used as
// FunctionKey.FirstLine, per §3's "(PathId, first_line, name)" triple).
type subprogram struct {
	lowPC, highPC uint64
	name          string
	file          string
	line          int
}

// Symbolizer resolves a wasm code offset to a source location, built from
// a compiled module's DWARF custom sections when present. Grounded on the
// teacher's dwarf.go subprogram walk, trimmed to what FrameInfo needs:
// this package has no use for inlining detail or line-table row lookups
// beyond a subprogram's declaration site.
type Symbolizer struct {
	programs []subprogram
	byName   map[string]subprogram
}

// NewSymbolizer parses the DWARF info embedded in m's custom sections. A
// module compiled without -g (or not written in a DWARF-emitting source
// language) yields an empty, harmless Symbolizer: Resolve and ByName then
// always report not-found, and Monitor.frameInfo falls back to the
// synthetic name built from the wasm FunctionDefinition (§4.2
// "untranslatable values" reasoning applied to code, not data).
func NewSymbolizer(m wazero.CompiledModule) (*Symbolizer, error) {
	var info, line, str, abbrev, ranges []byte
	for _, sec := range m.CustomSections() {
		switch sec.Name() {
		case sectionDebugInfo:
			info = sec.Data()
		case sectionDebugLine:
			line = sec.Data()
		case sectionDebugStr:
			str = sec.Data()
		case sectionDebugAbbrev:
			abbrev = sec.Data()
		case sectionDebugRanges:
			ranges = sec.Data()
		}
	}
	if len(info) == 0 {
		return &Symbolizer{}, nil
	}

	d, err := dwarf.New(abbrev, nil, nil, info, line, nil, ranges, str)
	if err != nil {
		return nil, fmt.Errorf("wasmmonitor: parsing dwarf: %w", err)
	}

	s := &Symbolizer{}
	r := d.Reader()
	for {
		ent, err := r.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag != dwarf.TagSubprogram {
			continue
		}
		sp := subprogramFromEntry(ent, d)
		if sp.name != "" {
			s.programs = append(s.programs, sp)
		}
	}
	sort.Slice(s.programs, func(i, j int) bool { return s.programs[i].lowPC < s.programs[j].lowPC })
	s.byName = make(map[string]subprogram, len(s.programs))
	for _, sp := range s.programs {
		s.byName[sp.name] = sp
	}
	return s, nil
}

// ByName looks up a subprogram by its DWARF-declared name. wasm toolchains
// that keep the name section intact (the common case for C/C++/Rust/Zig
// output) give a def.Name() that matches this directly, which is more
// reliable than PC-range lookup: FunctionListener.Before does not hand the
// listener an unambiguous code offset for the entered function.
func (s *Symbolizer) ByName(name string) (subprogram, bool) {
	if s == nil || s.byName == nil {
		return subprogram{}, false
	}
	sp, ok := s.byName[name]
	return sp, ok
}

func subprogramFromEntry(ent *dwarf.Entry, d *dwarf.Data) subprogram {
	var sp subprogram
	if name, ok := ent.Val(dwarf.AttrName).(string); ok {
		sp.name = name
	}
	if low, ok := ent.Val(dwarf.AttrLowpc).(uint64); ok {
		sp.lowPC = low
	}
	switch hi := ent.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		sp.highPC = hi
	case int64:
		sp.highPC = sp.lowPC + uint64(hi)
	}
	if file, ok := ent.Val(dwarf.AttrDeclFile).(int64); ok {
		if lr, err := d.LineReader(ent); err == nil && lr != nil {
			files := lr.Files()
			if int(file) < len(files) && files[file] != nil {
				sp.file = files[file].Name
			}
		}
	}
	if l, ok := ent.Val(dwarf.AttrDeclLine).(int64); ok {
		sp.line = int(l)
	}
	return sp
}

// Resolve returns the subprogram covering pc, or ok=false if pc falls
// outside every known range (e.g. no DWARF, or pc belongs to an imported
// host function).
func (s *Symbolizer) Resolve(pc uint64) (subprogram, bool) {
	if s == nil || len(s.programs) == 0 {
		return subprogram{}, false
	}
	i := sort.Search(len(s.programs), func(i int) bool { return s.programs[i].lowPC > pc })
	if i == 0 {
		return subprogram{}, false
	}
	sp := s.programs[i-1]
	if pc < sp.lowPC || (sp.highPC != 0 && pc >= sp.highPC) {
		return subprogram{}, false
	}
	return sp, true
}
