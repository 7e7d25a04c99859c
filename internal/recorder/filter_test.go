package recorder

import "testing"

func TestScopeFilterNilIsTraceAllow(t *testing.T) {
	var f *ScopeFilter
	d := f.Resolve("anything.at.all")
	if d.Exec != ExecTrace || d.Values != ValueAllow {
		t.Fatalf("expected nil filter to default to trace/allow, got %+v", d)
	}
}

func TestScopeFilterFirstRuleWins(t *testing.T) {
	skip := ExecSkip
	deny := ValueDeny
	doc := FilterDocument{
		Execution: ExecTrace,
		Values:    ValueAllow,
		Rules: []FilterRule{
			{Selector: "app.secrets", Execution: &skip},
			{Selector: "app.secrets.inner", Values: &deny},
		},
	}
	f := NewScopeFilter(doc)

	d := f.Resolve("app.secrets.inner")
	if d.Exec != ExecSkip {
		t.Fatalf("expected the first matching rule (app.secrets) to win, got %+v", d)
	}
}

func TestScopeFilterPrefixMatchIsDotted(t *testing.T) {
	skip := ExecSkip
	f := NewScopeFilter(FilterDocument{
		Execution: ExecTrace,
		Values:    ValueAllow,
		Rules:     []FilterRule{{Selector: "app.vendored", Execution: &skip}},
	})

	if f.Resolve("app.vendoredextra").Exec != ExecTrace {
		t.Fatalf("a dotted prefix selector must not match a non-dot-delimited extension")
	}
	if f.Resolve("app.vendored.thing").Exec != ExecSkip {
		t.Fatalf("a dotted prefix selector must match a proper sub-path")
	}
	if f.Resolve("app.vendored").Exec != ExecSkip {
		t.Fatalf("a dotted prefix selector must match itself exactly")
	}
}

func TestScopeFilterGlobSelector(t *testing.T) {
	skip := ExecSkip
	f := NewScopeFilter(FilterDocument{
		Execution: ExecTrace,
		Values:    ValueAllow,
		Rules:     []FilterRule{{Selector: "app.*.generated", Execution: &skip}},
	})

	if f.Resolve("app.foo.generated").Exec != ExecSkip {
		t.Fatalf("expected glob selector to match")
	}
	// path.Match's '*' only treats '/' as a separator, so it happily
	// spans multiple dot-delimited segments here.
	if f.Resolve("app.foo.bar.generated").Exec != ExecSkip {
		t.Fatalf("expected '*' to span multiple dotted segments under path.Match semantics")
	}
	if f.Resolve("app.generated").Exec != ExecTrace {
		t.Fatalf("expected the glob to still require a segment between app. and .generated")
	}
}

func TestNewScopeFilterMergesMultipleDocuments(t *testing.T) {
	skip := ExecSkip
	first := FilterDocument{Execution: ExecTrace, Values: ValueAllow, Rules: []FilterRule{
		{Selector: "app.one", Execution: &skip},
	}}
	second := FilterDocument{Execution: ExecSkip, Values: ValueAllow}

	f := NewScopeFilter(first, second)

	// second document's default wins for unmatched names...
	if f.Resolve("app.unmatched").Exec != ExecSkip {
		t.Fatalf("expected the later document's default to win")
	}
	// ...but both documents' rules are still in effect, in order.
	if f.Resolve("app.one").Exec != ExecSkip {
		t.Fatalf("expected the first document's rule to still apply")
	}
}
