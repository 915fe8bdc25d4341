// Package vm implements the threaded-dispatch register machine that
// executes compiled prototypes: a flat evaluation stack shared across
// nested calls, an explicit call-frame stack (no recursive Go calls per
// Lua call), and a switch-dispatched instruction loop. Grounded on
// original_source/src/vm.c's state-carried-across-handlers model (current
// prototype/IP/base/constants) and on the teacher's vmregister package's
// local-variable-caching dispatch loop, stripped down to the opcodes this
// instruction set actually defines.
package vm

import (
	"math"

	"luaj/internal/bytecode"
	"luaj/internal/errors"
	"luaj/internal/value"
)

// frame is one active call's bookkeeping. wantResults and callerSlot are
// only meaningful for a frame created by CALL; the root frame (pushed by
// Call) never reads them, since returning from it terminates execution
// instead of resuming a caller.
type frame struct {
	fn          *value.Fn
	ip          int
	base        int // absolute stack index of this frame's slot 0
	wantResults int // requested return count (CALL's C operand)
	callerSlot  int // absolute index of the CALL's A operand
}

// VM is a single-threaded register-machine interpreter. It is not safe for
// concurrent use: per section 5's scheduling model, a state (and the VM it
// drives) is used by exactly one caller at a time.
type VM struct {
	stack  []value.Value
	frames []frame
}

// New returns a VM with a small initial stack, grown on demand.
func New() *VM {
	return &VM{stack: make([]value.Value, 64)}
}

func (vm *VM) ensureStack(n int) {
	if n <= len(vm.stack) {
		return
	}
	size := len(vm.stack) * 2
	if size < n {
		size = n
	}
	grown := make([]value.Value, size)
	copy(grown, vm.stack)
	vm.stack = grown
}

// Call invokes fn with args, requesting numResults return values: 0
// discards everything, a positive count returns exactly that many
// (nil-padded if fn returned fewer), and -1 (used only by this Go API, not
// reachable from CALL's literal C operand) returns every value fn actually
// produced. Runtime faults panic with *errors.Error; a caller that wants to
// recover does so at a pcall boundary, not here — matching the pcall
// contract's single non-local-escape mechanism.
func (vm *VM) Call(fn *value.Fn, args []value.Value, numResults int) []value.Value {
	vm.ensureStack(int(fn.MaxStack))
	for i := 0; i < int(fn.NumParams); i++ {
		if i < len(args) {
			vm.stack[i] = args[i]
		} else {
			vm.stack[i] = value.Nil
		}
	}
	vm.frames = append(vm.frames[:0], frame{fn: fn, ip: 0, base: 0, wantResults: numResults, callerSlot: -1})
	return vm.run()
}

func typeName(v value.Value) string {
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

func boolTag(b bool) value.PrimTag {
	if b {
		return value.TagTrue
	}
	return value.TagFalse
}

// runtimeErr builds an ErrRun error attributed to fn's source at pc.
func runtimeErr(fn *value.Fn, pc int, format string, args ...interface{}) *errors.Error {
	return errors.Runtime(fn.ChunkName, fn.LineOf(pc), format, args...)
}

// numOperand unboxes v as a float64, reporting failure instead of panicking
// so callers can attribute the error to the right operand.
func numOperand(v value.Value) (float64, bool) {
	if !value.IsNum(v) {
		return 0, false
	}
	return value.AsNum(v), true
}

// padResults copies src into a slice of exactly want values, nil-filling
// any shortfall. want < 0 (the Go API's "every value" convenience) returns
// src unchanged.
func padResults(src []value.Value, want int) []value.Value {
	if want < 0 {
		return src
	}
	out := make([]value.Value, want)
	for i := range out {
		if i < len(src) {
			out[i] = src[i]
		} else {
			out[i] = value.Nil
		}
	}
	return out
}

// run is the dispatch loop: code/consts/ip/base are cached in locals and
// only written back to the active frame at a call/return boundary, per
// section 5's "IP/base are kept in state fields before allocation and
// re-loaded after" rule (CALL and CONCAT are the only allocation-capable
// operations; everything else is a pure register read-modify-write).
func (vm *VM) run() []value.Value {
	top := len(vm.frames) - 1
	f := vm.frames[top]
	code := f.fn.Code()
	consts := f.fn.Consts()
	ip := f.ip
	base := f.base

	for {
		ins := code[ip]
		pc := ip
		ip++

		switch ins.Op() {
		case bytecode.NOP:

		case bytecode.MOV:
			vm.stack[base+int(ins.A())] = vm.stack[base+int(ins.D())]
		case bytecode.KPRIM:
			vm.stack[base+int(ins.A())] = value.Prim(value.PrimTag(ins.D()))
		case bytecode.KINT:
			vm.stack[base+int(ins.A())] = value.Num(float64(int16(ins.D())))
		case bytecode.KNUM, bytecode.KSTR, bytecode.KFN:
			vm.stack[base+int(ins.A())] = consts[ins.D()]
		case bytecode.KNIL:
			a, d := int(ins.A()), int(ins.D())
			for s := a; s <= d; s++ {
				vm.stack[base+s] = value.Nil
			}

		case bytecode.NEG:
			v := vm.stack[base+int(ins.D())]
			n, ok := numOperand(v)
			if !ok {
				panic(runtimeErr(f.fn, pc, "attempt to negate a %s value", typeName(v)))
			}
			vm.stack[base+int(ins.A())] = value.Num(-n)
		case bytecode.NOT:
			v := vm.stack[base+int(ins.D())]
			vm.stack[base+int(ins.A())] = value.Prim(boolTag(!value.ComparesTrue(v)))

		case bytecode.ADDVV, bytecode.SUBVV, bytecode.MULVV, bytecode.DIVVV, bytecode.MODVV, bytecode.POW:
			lv := vm.stack[base+int(ins.B())]
			rv := vm.stack[base+int(ins.C())]
			l, lok := numOperand(lv)
			r, rok := numOperand(rv)
			verb := arithVerb(ins.Op())
			if !lok {
				panic(runtimeErr(f.fn, pc, "attempt to %s a %s value", verb, typeName(lv)))
			}
			if !rok {
				panic(runtimeErr(f.fn, pc, "attempt to %s a %s value", verb, typeName(rv)))
			}
			vm.stack[base+int(ins.A())] = value.Num(arithVV(ins.Op(), l, r))
		case bytecode.ADDVN, bytecode.SUBVN, bytecode.MULVN, bytecode.DIVVN, bytecode.MODVN:
			lv := vm.stack[base+int(ins.B())]
			l, lok := numOperand(lv)
			if !lok {
				panic(runtimeErr(f.fn, pc, "attempt to %s a %s value", arithVerb(ins.Op()), typeName(lv)))
			}
			r := value.AsNum(consts[ins.C()])
			vm.stack[base+int(ins.A())] = value.Num(arithVN(ins.Op(), l, r))
		case bytecode.SUBNV, bytecode.DIVNV, bytecode.MODNV:
			rv := vm.stack[base+int(ins.C())]
			r, rok := numOperand(rv)
			if !rok {
				panic(runtimeErr(f.fn, pc, "attempt to %s a %s value", arithVerb(ins.Op()), typeName(rv)))
			}
			l := value.AsNum(consts[ins.B()])
			vm.stack[base+int(ins.A())] = value.Num(arithNV(ins.Op(), l, r))

		case bytecode.CONCAT:
			result, cerr := vm.concat(f.fn, pc, base, int(ins.B()), int(ins.C()))
			if cerr != nil {
				panic(cerr)
			}
			vm.stack[base+int(ins.A())] = result

		case bytecode.IST, bytecode.ISF, bytecode.ISTC, bytecode.ISFC:
			v := vm.stack[base+int(ins.D())]
			truthy := value.ComparesTrue(v)
			var taken bool
			if ins.Op() == bytecode.IST || ins.Op() == bytecode.ISTC {
				taken = truthy
			} else {
				taken = !truthy
			}
			if taken {
				if ins.Op() == bytecode.ISTC || ins.Op() == bytecode.ISFC {
					a := ins.A()
					if a != bytecode.NoSlot {
						vm.stack[base+int(a)] = v
					}
				}
				// Fall through: the JMP immediately following this
				// instruction executes next, per section 8's invariant 2.
			} else {
				ip++ // skip the following JMP
			}

		case bytecode.EQVV, bytecode.NEQVV,
			bytecode.EQVP, bytecode.NEQVP,
			bytecode.EQVN, bytecode.NEQVN,
			bytecode.EQVS, bytecode.NEQVS:
			taken := vm.evalEquality(ins, consts, base)
			if !taken {
				ip++
			}
		case bytecode.LTVV, bytecode.LEVV, bytecode.GTVV, bytecode.GEVV,
			bytecode.LTVN, bytecode.LEVN, bytecode.GTVN, bytecode.GEVN:
			taken, rerr := vm.evalOrder(ins, consts, base, f.fn, pc)
			if rerr != nil {
				panic(rerr)
			}
			if !taken {
				ip++
			}

		case bytecode.JMP:
			ip = pc + int(ins.E()) - bytecode.JumpBias

		case bytecode.CALL:
			f.ip = ip
			vm.frames[top] = f

			a := int(ins.A())
			numArgs := int(ins.B()) - 1
			fnSlot := base + a
			fnVal := vm.stack[fnSlot]
			if !value.IsFn(fnVal) {
				panic(runtimeErr(f.fn, pc, "attempt to call a %s value", typeName(fnVal)))
			}
			callee := value.AsFn(fnVal)
			newBase := fnSlot + 1
			vm.ensureStack(newBase + int(callee.MaxStack))
			for i := numArgs; i < int(callee.NumParams); i++ {
				vm.stack[newBase+i] = value.Nil
			}

			vm.frames = append(vm.frames, frame{
				fn: callee, ip: 0, base: newBase,
				wantResults: int(ins.C()), callerSlot: fnSlot,
			})
			top++
			f = vm.frames[top]
			code = f.fn.Code()
			consts = f.fn.Consts()
			ip = 0
			base = f.base

		case bytecode.RET0, bytecode.RET1, bytecode.RET:
			var results []value.Value
			switch ins.Op() {
			case bytecode.RET1:
				results = []value.Value{vm.stack[base+int(ins.D())]}
			case bytecode.RET:
				start := base + int(ins.A())
				n := int(ins.D())
				results = append([]value.Value(nil), vm.stack[start:start+n]...)
			}

			if top == 0 {
				return padResults(results, f.wantResults)
			}

			popped := f
			vm.frames = vm.frames[:top]
			top--
			f = vm.frames[top]
			if popped.wantResults != 0 {
				dest := popped.callerSlot
				want := popped.wantResults
				vm.ensureStack(dest + want)
				for i := 0; i < want; i++ {
					if i < len(results) {
						vm.stack[dest+i] = results[i]
					} else {
						vm.stack[dest+i] = value.Nil
					}
				}
			}
			code = f.fn.Code()
			consts = f.fn.Consts()
			ip = f.ip
			base = f.base

		default:
			panic(runtimeErr(f.fn, pc, "unknown opcode %d", ins.Op()))
		}
	}
}

// arithVerb names the operator for error messages, matching test S7's
// expectation that a failed ADD's message contain "attempt to add".
func arithVerb(op bytecode.OpCode) string {
	switch op {
	case bytecode.ADDVV, bytecode.ADDVN:
		return "add"
	case bytecode.SUBVV, bytecode.SUBVN, bytecode.SUBNV:
		return "subtract"
	case bytecode.MULVV, bytecode.MULVN:
		return "multiply"
	case bytecode.DIVVV, bytecode.DIVVN, bytecode.DIVNV:
		return "divide"
	case bytecode.MODVV, bytecode.MODVN, bytecode.MODNV:
		return "perform modulo on"
	case bytecode.POW:
		return "exponentiate"
	}
	return "perform arithmetic on"
}

func arithVV(op bytecode.OpCode, l, r float64) float64 {
	switch op {
	case bytecode.ADDVV:
		return l + r
	case bytecode.SUBVV:
		return l - r
	case bytecode.MULVV:
		return l * r
	case bytecode.DIVVV:
		return l / r
	case bytecode.MODVV:
		return math.Mod(l, r)
	case bytecode.POW:
		return math.Pow(l, r)
	}
	panic("vm: not an arithmetic VV opcode")
}

func arithVN(op bytecode.OpCode, l, r float64) float64 {
	switch op {
	case bytecode.ADDVN:
		return l + r
	case bytecode.SUBVN:
		return l - r
	case bytecode.MULVN:
		return l * r
	case bytecode.DIVVN:
		return l / r
	case bytecode.MODVN:
		return math.Mod(l, r)
	}
	panic("vm: not an arithmetic VN opcode")
}

func arithNV(op bytecode.OpCode, l, r float64) float64 {
	switch op {
	case bytecode.SUBNV:
		return l - r
	case bytecode.DIVNV:
		return l / r
	case bytecode.MODNV:
		return math.Mod(l, r)
	}
	panic("vm: not an arithmetic NV opcode")
}

// valuesEqual is spec section 4.F's "bit-compare... except for strings":
// every value kind but strings compares by raw NaN-boxed identity, since
// two strings with identical content are never guaranteed to share a
// heap object (strings are not interned — see section 5).
func valuesEqual(a, b value.Value) bool {
	if value.IsStr(a) && value.IsStr(b) {
		return value.StrEq(value.AsStr(a), value.AsStr(b))
	}
	return a == b
}

func (vm *VM) evalEquality(ins bytecode.Instruction, consts []value.Value, base int) bool {
	var eq bool
	switch ins.Op() {
	case bytecode.EQVV, bytecode.NEQVV:
		l := vm.stack[base+int(ins.B())]
		r := vm.stack[base+int(ins.C())]
		eq = valuesEqual(l, r)
	case bytecode.EQVP, bytecode.NEQVP:
		v := vm.stack[base+int(ins.A())]
		eq = v == value.Prim(value.PrimTag(ins.D()))
	case bytecode.EQVN, bytecode.NEQVN:
		v := vm.stack[base+int(ins.A())]
		eq = valuesEqual(v, consts[ins.D()])
	case bytecode.EQVS, bytecode.NEQVS:
		v := vm.stack[base+int(ins.A())]
		eq = valuesEqual(v, consts[ins.D()])
	}
	switch ins.Op() {
	case bytecode.NEQVV, bytecode.NEQVP, bytecode.NEQVN, bytecode.NEQVS:
		return !eq
	default:
		return eq
	}
}

func (vm *VM) evalOrder(ins bytecode.Instruction, consts []value.Value, base int, fn *value.Fn, pc int) (bool, *errors.Error) {
	var l, r float64
	switch ins.Op() {
	case bytecode.LTVV, bytecode.LEVV, bytecode.GTVV, bytecode.GEVV:
		lv := vm.stack[base+int(ins.B())]
		rv := vm.stack[base+int(ins.C())]
		var lok, rok bool
		if l, lok = numOperand(lv); !lok {
			return false, runtimeErr(fn, pc, "attempt to compare a %s value", typeName(lv))
		}
		if r, rok = numOperand(rv); !rok {
			return false, runtimeErr(fn, pc, "attempt to compare a %s value", typeName(rv))
		}
	default: // *VN: A holds the left operand's slot, D the constant index
		lv := vm.stack[base+int(ins.A())]
		var lok bool
		if l, lok = numOperand(lv); !lok {
			return false, runtimeErr(fn, pc, "attempt to compare a %s value", typeName(lv))
		}
		r = value.AsNum(consts[ins.D()])
	}
	switch ins.Op() {
	case bytecode.LTVV, bytecode.LTVN:
		return l < r, nil
	case bytecode.LEVV, bytecode.LEVN:
		return l <= r, nil
	case bytecode.GTVV, bytecode.GTVN:
		return l > r, nil
	case bytecode.GEVV, bytecode.GEVN:
		return l >= r, nil
	}
	panic("vm: not an order opcode")
}

// concat requires every slot in base+b..base+c to hold a string, per
// section 4.F: unlike many Lua-family VMs, this one does not coerce
// numbers to strings at the CONCAT boundary.
func (vm *VM) concat(fn *value.Fn, pc int, base, b, c int) (value.Value, *errors.Error) {
	n := c - b + 1
	total := 0
	strs := make([]*value.Str, n)
	for i := 0; i < n; i++ {
		v := vm.stack[base+b+i]
		if !value.IsStr(v) {
			return 0, runtimeErr(fn, pc, "attempt to concatenate a %s value", typeName(v))
		}
		s := value.AsStr(v)
		strs[i] = s
		total += s.Len()
	}
	buf := make([]byte, 0, total)
	for _, s := range strs {
		buf = append(buf, s.String()...)
	}
	return value.StrVal(string(buf)), nil
}
