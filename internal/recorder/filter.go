package recorder

import (
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExecPolicy is the default or per-rule execution policy (§4.5).
type ExecPolicy string

const (
	ExecTrace ExecPolicy = "trace"
	ExecSkip  ExecPolicy = "skip"
)

// ValuePolicy is the default or per-rule value policy (§4.5). The adapter
// applies ValueDeny to Call argument values only; locals snapshots and
// return values are encoded in full.
type ValuePolicy string

const (
	ValueAllow ValuePolicy = "allow"
	ValueDeny  ValuePolicy = "deny"
)

// FilterRule is one entry of a filter document's rule list: a selector
// (a glob or a dotted prefix, matched against the frame's qualified name
// only; the source file path is not matched) plus optional overrides for
// execution and value policy. Rules are evaluated top to bottom, first
// match wins (§4.5).
type FilterRule struct {
	Selector  string       `yaml:"selector"`
	Execution *ExecPolicy  `yaml:"execution,omitempty"`
	Values    *ValuePolicy `yaml:"values,omitempty"`
}

// FilterDocument is the parsed shape of a declarative filter file (§4.5
// expanded: YAML, `--trace-filter` is repeatable and documents are merged
// in the order given, later documents' rules appended after earlier ones).
type FilterDocument struct {
	Execution ExecPolicy   `yaml:"execution"`
	Values    ValuePolicy  `yaml:"values"`
	Rules     []FilterRule `yaml:"rules"`
}

// LoadFilterDocument parses a single filter document from path.
func LoadFilterDocument(path string) (FilterDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FilterDocument{}, newError(CodeConfig, err, "reading filter document %s", path)
	}
	var doc FilterDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return FilterDocument{}, newError(CodeConfig, err, "parsing filter document %s", path)
	}
	if doc.Execution == "" {
		doc.Execution = ExecTrace
	}
	if doc.Values == "" {
		doc.Values = ValueAllow
	}
	return doc, nil
}

// compiledRule is a FilterRule with its defaults resolved against the
// owning document, so lookup never has to fall back through nil pointers.
type compiledRule struct {
	selector string
	exec     ExecPolicy
	values   ValuePolicy
}

// ScopeFilter is the gate-and-policy engine of C5: for a given frame it
// computes (exec, value) in O(#rules), first match wins.
type ScopeFilter struct {
	defaultExec   ExecPolicy
	defaultValues ValuePolicy
	rules         []compiledRule
}

// NewScopeFilter merges one or more documents (in the order given, matching
// the CLI's repeatable --trace-filter) into one filter. The last document's
// top-level defaults win; all documents' rules are concatenated in order.
func NewScopeFilter(docs ...FilterDocument) *ScopeFilter {
	f := &ScopeFilter{defaultExec: ExecTrace, defaultValues: ValueAllow}
	for _, d := range docs {
		if d.Execution != "" {
			f.defaultExec = d.Execution
		}
		if d.Values != "" {
			f.defaultValues = d.Values
		}
		for _, r := range d.Rules {
			cr := compiledRule{selector: r.Selector, exec: f.defaultExec, values: f.defaultValues}
			if r.Execution != nil {
				cr.exec = *r.Execution
			}
			if r.Values != nil {
				cr.values = *r.Values
			}
			f.rules = append(f.rules, cr)
		}
	}
	return f
}

// Decision is the resolved (execution, value) policy pair for one frame.
type Decision struct {
	Exec   ExecPolicy
	Values ValuePolicy
}

// Resolve computes the decision for qualifiedName (a dotted package/module
// path, e.g. "app.internal.secrets.load"), per §4.5: rules evaluated top
// to bottom, first match wins; falls back to the document defaults.
func (f *ScopeFilter) Resolve(qualifiedName string) Decision {
	if f == nil {
		return Decision{Exec: ExecTrace, Values: ValueAllow}
	}
	for _, r := range f.rules {
		if selectorMatches(r.selector, qualifiedName) {
			return Decision{Exec: r.exec, Values: r.values}
		}
	}
	return Decision{Exec: f.defaultExec, Values: f.defaultValues}
}

// selectorMatches reports whether selector matches name, where selector is
// either a glob (containing '*', matched with path.Match semantics over
// '.'-joined segments) or a plain qualified-name prefix ("pkg.sub" matches
// "pkg.sub" and "pkg.sub.anything").
func selectorMatches(selector, name string) bool {
	if strings.ContainsAny(selector, "*?[") {
		ok, err := path.Match(selector, name)
		return err == nil && ok
	}
	if name == selector {
		return true
	}
	return strings.HasPrefix(name, selector+".")
}
