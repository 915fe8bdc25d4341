// Package state is the host-visible surface: a per-state evaluation stack,
// the load/call/pcall entry points, and the allocator hook. Grounded on
// original_source/src/state.c's lua_newstate/lua_close/lua_load/lua_call/
// lua_pcall contract, with C setjmp/longjmp's single non-local escape
// ported to Go's panic/recover — internal/vm's run loop already panics
// with *errors.Error on any runtime fault, and this package recovers it at
// three places: PCall, Call, and loadProtected behind Load.
package state

import (
	"luaj/internal/errors"
	"luaj/internal/parser"
	"luaj/internal/reader"
	"luaj/internal/value"
	"luaj/internal/vm"
)

// AllocFunc models the C "(ud, ptr, old_size, new_size) -> ptr" allocator
// contract. Go slices carry their own length, so old_size is implicit in
// len(ptr); ptr is nil on a fresh allocation and newSize is 0 on a free.
// A non-nil error is treated the same as the C convention's NULL-on-failure.
type AllocFunc func(ud any, ptr []byte, newSize int) ([]byte, error)

// ReaderFunc supplies the next chunk of chunk source, io.EOF once exhausted;
// shaped after reader.PullFunc so a ReaderFunc converts to one directly.
type ReaderFunc func(ud any) ([]byte, error)

func defaultAlloc(_ any, _ []byte, newSize int) ([]byte, error) {
	if newSize == 0 {
		return nil, nil
	}
	return make([]byte, newSize), nil
}

// State is one independent host context: its own evaluation stack and its
// own compiled chunk, if any. Per section 5, a State is used by exactly one
// caller at a time; nothing here is safe for concurrent use.
type State struct {
	allocFn AllocFunc
	allocUD any

	stack []value.Value
	chunk *value.Fn

	vm *vm.VM
}

// NewState allocates a State via alloc (the default allocator is used when
// alloc is nil). The allocator is invoked once up front, for parity with
// lua_newstate's own self-allocation, even though Go's GC makes further use
// of it optional.
func NewState(alloc AllocFunc, ud any) *State {
	if alloc == nil {
		alloc = defaultAlloc
	}
	if _, err := alloc(ud, nil, 1); err != nil {
		return nil
	}
	return &State{
		allocFn: alloc,
		allocUD: ud,
		stack:   make([]value.Value, 0, 64),
		vm:      vm.New(),
	}
}

// Close releases s's resources via its allocator, mirroring lua_close.
func (s *State) Close() {
	s.allocFn(s.allocUD, make([]byte, 1), 0)
	s.stack = nil
	s.chunk = nil
}

// Push appends v to the top of the evaluation stack.
func (s *State) Push(v value.Value) {
	s.stack = append(s.stack, v)
}

// Pop removes and returns the value at the top of the evaluation stack.
// It panics if the stack is empty, matching the original's assert(top >
// stack): callers are expected to track arity themselves.
func (s *State) Pop() value.Value {
	n := len(s.stack)
	if n == 0 {
		panic("state: pop of empty stack")
	}
	v := s.stack[n-1]
	s.stack = s.stack[:n-1]
	return v
}

// Top reports how many values are currently on the evaluation stack.
func (s *State) Top() int {
	return len(s.stack)
}

// loadProtected compiles src under r/ud/chunkName, returning the loaded
// prototype or, on a syntax error, nil plus the error.
func loadProtected(r ReaderFunc, ud any, chunkName string) (fn *value.Fn, loadErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			fn = nil
			if e, ok := rec.(*errors.Error); ok {
				loadErr = e
			} else {
				loadErr = errors.New(errors.ErrRun, chunkName, 0, 0, "%v", rec)
			}
		}
	}()
	rd := reader.New(reader.PullFunc(r), ud, chunkName)
	return parser.Parse(rd, chunkName)
}

// Load compiles the chunk supplied by r into a prototype, pushing it onto
// the evaluation stack as a callable function on success, or pushing the
// formatted error message on failure — matching lua_load's documented
// contract exactly.
func (s *State) Load(r ReaderFunc, ud any, chunkName string) errors.Status {
	fn, err := loadProtected(r, ud, chunkName)
	if err != nil {
		s.Push(value.StrVal(err.Error()))
		return errors.ErrSyntax
	}
	s.Push(value.FnVal(fn))
	return errors.OK
}

// callRaw is the unprotected core of both Call and PCall: it pops the
// function and its numArgs arguments off the stack and pushes its results,
// panicking with *errors.Error on any runtime fault — exactly mirroring
// execute()'s own panics, with no recovery of its own.
func (s *State) callRaw(numArgs, numResults int) {
	n := len(s.stack)
	args := append([]value.Value(nil), s.stack[n-numArgs:n]...)
	fnVal := s.stack[n-numArgs-1]
	s.stack = s.stack[:n-numArgs-1]

	if !value.IsFn(fnVal) {
		panic(errors.New(errors.ErrRun, "?", 0, 0, "attempt to call a %s value", typeNameOf(fnVal)))
	}
	results := s.vm.Call(value.AsFn(fnVal), args, numResults)
	for _, r := range results {
		s.Push(r)
	}
}

// asError normalizes a recovered panic value into an *errors.Error, for the
// rare case a non-Lua panic (a programming bug, not a language-level fault)
// escapes the VM.
func asError(rec any) *errors.Error {
	if e, ok := rec.(*errors.Error); ok {
		return e
	}
	return errors.New(errors.ErrRun, "?", 0, 0, "%v", rec)
}

// Call follows the Lua C API calling convention: the function to call and
// its numArgs arguments must already be on top of the stack, function
// first. Call pops them all and pushes exactly numResults return values
// (nil-padded if the function returned fewer), or every value the function
// returned if numResults is negative. Call has no protection boundary of
// its own, matching the original's "no error recovery point" behavior, but
// still recovers at this one outer edge and reports the fault as a returned
// error rather than letting it escape as a raw panic across the embedder's
// call site.
func (s *State) Call(numArgs, numResults int) (callErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			callErr = asError(rec)
		}
	}()
	s.callRaw(numArgs, numResults)
	return nil
}

// PCall behaves exactly like Call, except a runtime fault is caught instead
// of propagated: the error object (always a string, per this implementation's
// error values) is pushed as the call's single "result", and PCall returns
// the corresponding non-OK status. errHandler is accepted for signature
// parity with the C API's message-handler slot but is not invoked — this
// implementation has no debug/traceback layer to hand it to.
func (s *State) PCall(numArgs, numResults int, errHandler int) (status errors.Status) {
	savedTop := len(s.stack) - numArgs - 1
	defer func() {
		if rec := recover(); rec != nil {
			e := asError(rec)
			status = e.Status
			s.stack = s.stack[:savedTop]
			s.Push(value.StrVal(e.Error()))
		}
	}()
	s.callRaw(numArgs, numResults)
	return errors.OK
}

func typeNameOf(v value.Value) string {
	switch {
	case value.IsNil(v):
		return "nil"
	case value.IsTrue(v), value.IsFalse(v):
		return "boolean"
	case value.IsNum(v):
		return "number"
	case value.IsStr(v):
		return "string"
	case value.IsFn(v):
		return "function"
	default:
		return "value"
	}
}
