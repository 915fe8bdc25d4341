package value

import "luaj/internal/bytecode"

// Fn is a compiled function prototype: its code, line table, and constant
// pool, fixed once compilation of that function body finishes. Grounded on
// original_source/src/value.h's Fn struct and value.c's fn_new/fn_emit/
// fn_emit_k growable-array pattern.
type Fn struct {
	Name      string // empty for the top-level chunk function
	ChunkName string
	StartLine int
	EndLine   int
	NumParams uint8
	IsVararg  bool

	ins      []bytecode.Instruction
	lineInfo []int32

	consts []Value

	// MaxStack is the number of registers this function needs; set once by
	// the parser's slot allocator when the function body finishes.
	MaxStack uint8

	sealed bool
}

func NewFn(name, chunkName string, startLine int) *Fn {
	return &Fn{Name: name, ChunkName: chunkName, StartLine: startLine}
}

func (f *Fn) objType() ObjType { return ObjFn }

// Code returns the instruction stream. Valid only after Seal.
func (f *Fn) Code() []bytecode.Instruction { return f.ins }

// LineOf returns the source line an instruction at pc originated from.
func (f *Fn) LineOf(pc int) int { return int(f.lineInfo[pc]) }

// Consts returns the constant pool. Valid only after Seal.
func (f *Fn) Consts() []Value { return f.consts }

// NumIns reports how many instructions have been emitted so far; the
// parser uses this as "the next pc" while still building the function.
func (f *Fn) NumIns() int { return len(f.ins) }

// Emit appends an instruction tagged with the source line it came from and
// returns its pc. Panics if the function has already been sealed.
func (f *Fn) Emit(ins bytecode.Instruction, line int) int {
	if f.sealed {
		panic("value: Emit on sealed Fn")
	}
	pc := len(f.ins)
	f.ins = append(f.ins, ins)
	f.lineInfo = append(f.lineInfo, int32(line))
	return pc
}

// SetIns overwrites an already-emitted instruction in place; used by the
// jump-list back-patcher to fill in a JMP's target once it is known.
func (f *Fn) SetIns(pc int, ins bytecode.Instruction) {
	f.ins[pc] = ins
}

// Ins returns the instruction at pc.
func (f *Fn) Ins(pc int) bytecode.Instruction {
	return f.ins[pc]
}

// EmitK interns a constant, returning its index, reusing an existing slot
// for numbers and booleans-as-primitives when one already holds the same
// value (original_source/value.c's fn_emit_k dedups by linear scan; this
// does the same, since constant pools are small per function). ok is false
// if v is new and the pool has already reached its 16-bit index limit;
// callers with source-location context turn that into a syntax error
// rather than a bare panic.
func (f *Fn) EmitK(v Value) (idx uint16, ok bool) {
	for i, k := range f.consts {
		if k == v {
			return uint16(i), true
		}
	}
	if len(f.consts) >= 1<<16 {
		return 0, false
	}
	idx = uint16(len(f.consts))
	f.consts = append(f.consts, v)
	return idx, true
}

// Seal finalizes the prototype once the parser is done emitting into it,
// recording its source end line and the register count the allocator
// settled on.
func (f *Fn) Seal(endLine int, maxStack uint8) {
	f.EndLine = endLine
	f.MaxStack = maxStack
	f.sealed = true
}

// FnVal boxes a function prototype as a Lua value.
func FnVal(fn *Fn) Value { return Ptr(fn) }
