package state

import (
	"io"
	"testing"

	"luaj/internal/errors"
	"luaj/internal/value"
)

func srcReader(src string) (ReaderFunc, any) {
	done := false
	return func(any) ([]byte, error) {
		if done {
			return nil, io.EOF
		}
		done = true
		return []byte(src), nil
	}, nil
}

func loadAndCall(t *testing.T, src string, numResults int) ([]value.Value, errors.Status) {
	t.Helper()
	s := NewState(nil, nil)
	r, ud := srcReader(src)
	if st := s.Load(r, ud, "test"); st != errors.OK {
		t.Fatalf("Load(%q): status %v, %v", src, st, s.Pop())
	}
	status := s.PCall(0, numResults, 0)
	if status != errors.OK {
		return nil, status
	}
	out := make([]value.Value, numResults)
	for i := numResults - 1; i >= 0; i-- {
		out[i] = s.Pop()
	}
	return out, status
}

func TestLoadPushesCallableFunction(t *testing.T) {
	s := NewState(nil, nil)
	r, ud := srcReader("return 1")
	if st := s.Load(r, ud, "chunk"); st != errors.OK {
		t.Fatalf("want OK, got %v", st)
	}
	if s.Top() != 1 {
		t.Fatalf("want one value pushed, got %d", s.Top())
	}
	if !value.IsFn(s.Pop()) {
		t.Fatal("want a function value on top of the stack")
	}
}

func TestLoadSyntaxError(t *testing.T) {
	s := NewState(nil, nil)
	r, ud := srcReader("local x = ")
	st := s.Load(r, ud, "chunk")
	if st != errors.ErrSyntax {
		t.Fatalf("want ErrSyntax, got %v", st)
	}
	if !value.IsStr(s.Pop()) {
		t.Fatal("want an error message string pushed")
	}
}

func TestPCallReturnsValue(t *testing.T) {
	results, status := loadAndCall(t, "return 41 + 1", 1)
	if status != errors.OK {
		t.Fatalf("want OK, got %v", status)
	}
	if got := value.AsNum(results[0]); got != 42 {
		t.Fatalf("want 42, got %v", got)
	}
}

func TestPCallCatchesRuntimeError(t *testing.T) {
	s := NewState(nil, nil)
	r, ud := srcReader("local x = nil + 1")
	if st := s.Load(r, ud, "chunk"); st != errors.OK {
		t.Fatalf("Load: %v", st)
	}
	status := s.PCall(0, 0, 0)
	if status != errors.ErrRun {
		t.Fatalf("want ErrRun, got %v", status)
	}
	msg := value.AsStr(s.Pop()).String()
	if !contains(msg, "attempt to add") {
		t.Fatalf("message %q missing 'attempt to add'", msg)
	}
}

func TestPCallDoesNotCorruptStackAfterError(t *testing.T) {
	s := NewState(nil, nil)
	s.Push(value.Num(99)) // unrelated value already on the stack

	r, ud := srcReader("local x = nil + 1")
	s.Load(r, ud, "chunk")
	s.PCall(0, 0, 0)

	if s.Top() != 2 {
		t.Fatalf("want the sentinel plus one error message, got %d values", s.Top())
	}
	if got := value.AsNum(s.stack[0]); got != 99 {
		t.Fatalf("sentinel value was clobbered: got %v", got)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
