package vm

import (
	"testing"

	"luaj/internal/errors"
	"luaj/internal/parser"
	"luaj/internal/reader"
	"luaj/internal/value"
)

func compile(t *testing.T, src string) *value.Fn {
	t.Helper()
	r := reader.New(reader.StringPull(src), nil, "test")
	fn, err := parser.Parse(r, "test")
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return fn
}

func runNum(t *testing.T, src string) float64 {
	t.Helper()
	fn := compile(t, src)
	results := New().Call(fn, nil, 1)
	if len(results) != 1 || !value.IsNum(results[0]) {
		t.Fatalf("%q: expected one numeric result, got %v", src, results)
	}
	return value.AsNum(results[0])
}

func TestArithmeticAndOrder(t *testing.T) {
	// S4: a while loop accumulating s and i.
	src := `
local s = 0
local i = 1
while i <= 3 do
  s = s + i
  i = i + 1
end
return s, i
`
	fn := compile(t, src)
	results := New().Call(fn, nil, 2)
	if got := value.AsNum(results[0]); got != 6 {
		t.Fatalf("s: want 6, got %v", got)
	}
	if got := value.AsNum(results[1]); got != 4 {
		t.Fatalf("i: want 4, got %v", got)
	}
}

func TestIfElseTakesTrueBranch(t *testing.T) {
	// S3, with the result observed through an explicit return.
	src := `
local x = 10
if x > 5 then
  x = 1
else
  x = 2
end
return x
`
	if got := runNum(t, src); got != 1 {
		t.Fatalf("want 1, got %v", got)
	}
}

func TestFunctionCallReturnsValue(t *testing.T) {
	// S6: closure call, single requested return.
	src := `
local function add1(x)
  return x + 1
end
return add1(41)
`
	if got := runNum(t, src); got != 42 {
		t.Fatalf("want 42, got %v", got)
	}
}

func TestMultiAssignNilFill(t *testing.T) {
	// S5: fewer RHS values than LHS names, nil-filled via KNIL.
	src := `
local a, b, c = 1, 2
return c
`
	fn := compile(t, src)
	results := New().Call(fn, nil, 1)
	if len(results) != 1 || !value.IsNil(results[0]) {
		t.Fatalf("want nil, got %v", results)
	}
}

func TestConcatStrings(t *testing.T) {
	// S8: concatenation of two string literals.
	src := `
local s = "a" .. "bc"
return s
`
	fn := compile(t, src)
	results := New().Call(fn, nil, 1)
	if len(results) != 1 || !value.IsStr(results[0]) {
		t.Fatalf("want a string result, got %v", results)
	}
	if got := value.AsStr(results[0]).String(); got != "abc" {
		t.Fatalf("want %q, got %q", "abc", got)
	}
}

func TestAndOrShortCircuitValue(t *testing.T) {
	src := `
local function boom()
  return 1 + nil
end
local x = false and boom()
return x
`
	fn := compile(t, src)
	results := New().Call(fn, nil, 1)
	if len(results) != 1 || !value.IsFalse(results[0]) {
		t.Fatalf("want false (boom() never called), got %v", results)
	}
}

// TestArithmeticOnNilErrors checks S7: adding nil and a number raises an
// ERRRUN error whose message names the operator and the offending type.
func TestArithmeticOnNilErrors(t *testing.T) {
	fn := compile(t, "local x = nil + 1")

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic for arithmetic on nil")
		}
		e, ok := r.(*errors.Error)
		if !ok {
			t.Fatalf("expected *errors.Error, got %T: %v", r, r)
		}
		if e.Status != errors.ErrRun {
			t.Fatalf("expected ErrRun, got %v", e.Status)
		}
		msg := e.Error()
		if !contains(msg, "attempt to add") || !contains(msg, "nil") {
			t.Fatalf("message %q missing expected substrings", msg)
		}
	}()
	New().Call(fn, nil, 0)
}

func TestCallOnNonFunctionErrors(t *testing.T) {
	fn := compile(t, `
local x = 1
local y = x()
`)
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic for calling a non-function")
		}
		e, ok := r.(*errors.Error)
		if !ok || e.Status != errors.ErrRun {
			t.Fatalf("expected an ErrRun *errors.Error, got %v", r)
		}
	}()
	New().Call(fn, nil, 0)
}

func TestConcatOnNumberErrors(t *testing.T) {
	fn := compile(t, `local s = "a" .. 1`)
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic for concatenating a number")
		}
	}()
	New().Call(fn, nil, 0)
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
