// Package assert implements the "thin assertion helper layered on top"
// mentioned by spec.md §1. It turns a command's current_ret result map
// (map[string]any, arbitrarily nested) into gjson-addressable JSON once, so
// tests can assert a nested field without hand-walking type assertions.
package assert

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// TestingT is the subset of *testing.T this package needs, matching the
// shape testify's assert/require packages use so Result can be driven from
// either without importing the real testing package.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Result wraps one command's parsed return value for path-based assertions.
type Result struct {
	t   TestingT
	raw []byte
}

// For marshals ret once and returns a Result ready for Path lookups. ret is
// typically a command.Command's CurrentRet() or an event occurrence's
// captured groups.
func For(t TestingT, ret map[string]any) *Result {
	t.Helper()
	raw, err := json.Marshal(ret)
	if err != nil {
		t.Fatalf("assert: marshaling result: %v", err)
	}
	return &Result{t: t, raw: raw}
}

// Path resolves a gjson path (e.g. "PROCESSES.0.CMD") against the result.
func (r *Result) Path(path string) *Value {
	r.t.Helper()
	return &Value{t: r.t, path: path, res: gjson.GetBytes(r.raw, path)}
}

// Raw returns the result's marshaled JSON, for ad-hoc gjson queries the
// chained helpers below don't cover.
func (r *Result) Raw() string {
	return string(r.raw)
}

// Value is one gjson.Result at a path, with chainable assertions. Every
// assertion returns the receiver so callers can stack checks on one path,
// e.g. assert.For(t, ret).Path("USER").Exists().String("root").
type Value struct {
	t    TestingT
	path string
	res  gjson.Result
}

// Exists fails the test if the path did not resolve to anything.
func (v *Value) Exists() *Value {
	v.t.Helper()
	if !v.res.Exists() {
		v.t.Fatalf("assert: path %q: no such field", v.path)
	}
	return v
}

// Missing fails the test if the path resolved to a value.
func (v *Value) Missing() *Value {
	v.t.Helper()
	if v.res.Exists() {
		v.t.Fatalf("assert: path %q: expected no field, got %s", v.path, v.res.Raw)
	}
	return v
}

// String asserts the path's string value equals want.
func (v *Value) String(want string) *Value {
	v.t.Helper()
	v.Exists()
	if got := v.res.String(); got != want {
		v.t.Fatalf("assert: path %q: got %q, want %q", v.path, got, want)
	}
	return v
}

// Int asserts the path's integer value equals want.
func (v *Value) Int(want int64) *Value {
	v.t.Helper()
	v.Exists()
	if got := v.res.Int(); got != want {
		v.t.Fatalf("assert: path %q: got %d, want %d", v.path, got, want)
	}
	return v
}

// Float asserts the path's numeric value equals want.
func (v *Value) Float(want float64) *Value {
	v.t.Helper()
	v.Exists()
	if got := v.res.Float(); got != want {
		v.t.Fatalf("assert: path %q: got %v, want %v", v.path, got, want)
	}
	return v
}

// Bool asserts the path's boolean value equals want.
func (v *Value) Bool(want bool) *Value {
	v.t.Helper()
	v.Exists()
	if got := v.res.Bool(); got != want {
		v.t.Fatalf("assert: path %q: got %v, want %v", v.path, got, want)
	}
	return v
}

// Len asserts the path resolves to an array of the given length.
func (v *Value) Len(want int) *Value {
	v.t.Helper()
	v.Exists()
	if got := len(v.res.Array()); got != want {
		v.t.Fatalf("assert: path %q: got %d elements, want %d", v.path, got, want)
	}
	return v
}

// Raw returns the underlying gjson.Result for callers needing the escape
// hatch (custom predicates, array iteration via ForEach, and so on).
func (v *Value) Raw() gjson.Result {
	return v.res
}
