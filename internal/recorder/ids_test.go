package recorder

import "testing"

type recordingSink struct {
	paths     []string
	varNames  []string
	types     []TypeDescriptor
	functions []FunctionKey
}

func (s *recordingSink) emitPathDefinition(id PathId, path string) { s.paths = append(s.paths, path) }
func (s *recordingSink) emitVariableNameDefinition(id VariableNameId, name string) {
	s.varNames = append(s.varNames, name)
}
func (s *recordingSink) emitTypeDefinition(id TypeId, desc TypeDescriptor) {
	s.types = append(s.types, desc)
}
func (s *recordingSink) emitFunctionDefinition(id FunctionId, key FunctionKey) {
	s.functions = append(s.functions, key)
}

func TestInternPathAssignsDenseIdsOnFirstUse(t *testing.T) {
	sink := &recordingSink{}
	reg := newRegistry(sink)

	a := reg.internPath("/a.py")
	b := reg.internPath("/b.py")
	aAgain := reg.internPath("/a.py")

	if a == b {
		t.Fatalf("expected distinct ids for distinct paths")
	}
	if a != aAgain {
		t.Fatalf("expected interning the same path twice to return the same id")
	}
	if len(sink.paths) != 2 {
		t.Fatalf("expected exactly one definition emitted per distinct path, got %d", len(sink.paths))
	}
}

func TestInternFunctionUsesFullKey(t *testing.T) {
	sink := &recordingSink{}
	reg := newRegistry(sink)
	p := reg.internPath("/a.py")

	f1 := reg.internFunction(FunctionKey{Path: p, FirstLine: 10, Name: "foo"})
	f2 := reg.internFunction(FunctionKey{Path: p, FirstLine: 20, Name: "foo"})
	f1Again := reg.internFunction(FunctionKey{Path: p, FirstLine: 10, Name: "foo"})

	if f1 == f2 {
		t.Fatalf("functions with different first lines must get distinct ids")
	}
	if f1 != f1Again {
		t.Fatalf("identical function keys must reuse the same id")
	}
	if len(sink.functions) != 2 {
		t.Fatalf("expected one definition per distinct function key, got %d", len(sink.functions))
	}
}
