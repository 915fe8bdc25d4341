// Package parser implements a single-pass recursive-descent parser that
// emits register-machine bytecode directly as it recognizes the grammar,
// with no separate AST stage. Grounded throughout on
// original_source/src/parser.c.
package parser

import (
	"luaj/internal/bytecode"
	"luaj/internal/value"
)

// ExprKind classifies how an expression descriptor's value is obtained.
type ExprKind int

const (
	// EPrim is a nil/true/false constant.
	EPrim ExprKind = iota
	// ENum is a double constant.
	ENum
	// EStr is a string constant.
	EStr
	// ELocal is a named local variable occupying a fixed slot.
	ELocal
	// ENonReloc is a value already sitting in a fixed slot.
	ENonReloc
	// EReloc is an emitted instruction whose destination A is unbound.
	EReloc
	// EJmp is a comparison whose JMP is outstanding.
	EJmp
	// ECall is a CALL whose return count is still pending.
	ECall
)

// JMPNone terminates a jump list; mirrors original_source/src/parser.c's
// JMP_NONE.
const JMPNone = -1

// Expr is a deferred, partially-compiled expression: enough information to
// finish emitting code for it once its context (destination slot, or
// whether it's used as a condition) is known.
type Expr struct {
	Kind ExprKind

	Tag   value.PrimTag // EPrim
	Num   float64       // ENum
	Str   string        // EStr
	Slot  uint8          // ELocal, ENonReloc, ECall (CALL's result base)
	Pc    int           // EReloc, EJmp, ECall

	// TrueList and FalseList are singly-linked lists of JMP instructions
	// awaiting patching, threaded through the instructions themselves.
	TrueList, FalseList int
}

func newExpr(kind ExprKind) Expr {
	return Expr{Kind: kind, TrueList: JMPNone, FalseList: JMPNone}
}

func primExpr(tag value.PrimTag) Expr {
	e := newExpr(EPrim)
	e.Tag = tag
	return e
}

func numExpr(n float64) Expr {
	e := newExpr(ENum)
	e.Num = n
	return e
}

func strExpr(s string) Expr {
	e := newExpr(EStr)
	e.Str = s
	return e
}

func localExpr(slot uint8) Expr {
	e := newExpr(ELocal)
	e.Slot = slot
	return e
}

func nonRelocExpr(slot uint8) Expr {
	e := newExpr(ENonReloc)
	e.Slot = slot
	return e
}

func relocExpr(pc int) Expr {
	e := newExpr(EReloc)
	e.Pc = pc
	return e
}

func jmpExpr(pc int) Expr {
	e := newExpr(EJmp)
	e.Pc = pc
	return e
}

// callExpr describes a pending CALL at pc whose single requested return
// value lands in resultSlot — the CALL instruction's own A (base) operand,
// the slot the function value occupied before the call overwrote it.
func callExpr(pc int, resultSlot uint8) Expr {
	e := newExpr(ECall)
	e.Pc = pc
	e.Slot = resultSlot
	return e
}

// HasJmp reports whether e carries any outstanding jump.
func (e Expr) HasJmp() bool { return e.TrueList != JMPNone || e.FalseList != JMPNone }

// IsConst reports whether e is a compile-time constant with no attached
// jumps: PRIM, NUM, or STR.
func (e Expr) IsConst() bool {
	switch e.Kind {
	case EPrim, ENum, EStr:
		return !e.HasJmp()
	default:
		return false
	}
}

func (e Expr) isPrim() bool { return e.Kind == EPrim && !e.HasJmp() }
func (e Expr) isNum() bool  { return e.Kind == ENum && !e.HasJmp() }
func (e Expr) isStr() bool  { return e.Kind == EStr && !e.HasJmp() }

// --- Jump-list back-patching -------------------------------------------
//
// Each JMP instruction's biased E field doubles as a link: while a jump is
// still on some open list, E holds (next_pc_in_list - pc + JumpBias)
// instead of its real branch target. The last member of a list links to
// itself (a delta of 0), which marks "end of list".

// emitJmp appends a self-linked JMP and returns its pc.
func (fs *FnScope) emitJmp(line int) int {
	pc := fs.fn.Emit(bytecode.E(bytecode.JMP, 0), line)
	fs.patchJmp(pc, JMPNone)
	return pc
}

// followJmp reads the list link stored at pc's JMP, or JMPNone if pc==JMPNone.
func (fs *FnScope) followJmp(pc int) int {
	if pc == JMPNone {
		return JMPNone
	}
	ins := fs.fn.Ins(pc)
	delta := int(ins.E()) - bytecode.JumpBias
	if delta == 0 {
		return JMPNone
	}
	return pc + delta
}

// patchJmp sets pc's JMP to branch to (or link to) target: a real pc when
// resolving, or another list member when still chaining. A target of
// JMPNone stores the self-link that ends a list.
func (fs *FnScope) patchJmp(pc, target int) {
	delta := target - pc
	if target == JMPNone {
		delta = 0
	}
	biased := delta + bytecode.JumpBias
	if biased < 0 || biased >= bytecode.MaxJumpOffset {
		panic("parser: control structure too long")
	}
	ins := fs.fn.Ins(pc)
	ins.SetE(uint32(biased))
	fs.fn.SetIns(pc, ins)
}

// appendJmp splices toAdd's list onto the front of head's list, returning
// the new combined head.
func (fs *FnScope) appendJmp(head, toAdd int) int {
	if toAdd == JMPNone {
		return head
	}
	if head == JMPNone {
		return toAdd
	}
	tail := toAdd
	for {
		next := fs.followJmp(tail)
		if next == JMPNone {
			break
		}
		tail = next
	}
	fs.patchJmp(tail, head)
	return toAdd
}

// patchJmps walks head's list, patching every member to target.
func (fs *FnScope) patchJmps(head, target int) {
	for pc := head; pc != JMPNone; {
		next := fs.followJmp(pc)
		fs.patchJmp(pc, target)
		pc = next
	}
}

// patchJmpsHere patches head's list to the next instruction to be emitted.
func (fs *FnScope) patchJmpsHere(head int) {
	fs.patchJmps(head, fs.fn.NumIns())
}

// carriesVal reports whether the instruction preceding a listed jump at pc
// carries an attached value: an ISTC/ISFC. A relocatable instruction whose
// A is still NoSlot is not counted as carrying a value.
func (fs *FnScope) carriesVal(pc int) bool {
	if pc == 0 {
		return false
	}
	ins := fs.fn.Ins(pc - 1)
	switch ins.Op() {
	case bytecode.ISTC, bytecode.ISFC:
		return true
	default:
		return false
	}
}

// discardVal demotes the value-carrying instruction before a jump so it no
// longer writes a register: ISTC/ISFC degrade to IST/ISF.
func (fs *FnScope) discardVal(pc int) {
	if pc == 0 {
		return
	}
	ins := fs.fn.Ins(pc - 1)
	switch ins.Op() {
	case bytecode.ISTC:
		fs.fn.SetIns(pc-1, bytecode.AD(bytecode.IST, 0, ins.D()))
	case bytecode.ISFC:
		fs.fn.SetIns(pc-1, bytecode.AD(bytecode.ISF, 0, ins.D()))
	}
}

// patchVal sets the value-carrying instruction before a jump to write dst.
func (fs *FnScope) patchVal(pc int, dst uint8) {
	if pc == 0 {
		return
	}
	ins := fs.fn.Ins(pc - 1)
	switch ins.Op() {
	case bytecode.ISTC, bytecode.ISFC:
		ins.SetA(dst)
		fs.fn.SetIns(pc-1, ins)
	}
}

// discardVals walks head's list demoting every carried value.
func (fs *FnScope) discardVals(head int) {
	for pc := head; pc != JMPNone; pc = fs.followJmp(pc) {
		fs.discardVal(pc)
	}
}

// patchJmpsAndVals walks head's list: a jump whose preceding instruction
// carries a value gets that value's destination set to dst and its target
// set to valTarget; a plain jump gets its target set to jmpTarget.
func (fs *FnScope) patchJmpsAndVals(head int, jmpTarget int, dst uint8, valTarget int) {
	for pc := head; pc != JMPNone; {
		next := fs.followJmp(pc)
		if fs.carriesVal(pc) {
			fs.patchVal(pc, dst)
			fs.patchJmp(pc, valTarget)
		} else {
			fs.patchJmp(pc, jmpTarget)
		}
		pc = next
	}
}

// jmpsNeedFallThrough reports whether any jump in head's list lacks a
// carried value, meaning a plain boolean materialization (KPRIM dst,FALSE
// / KPRIM dst,TRUE epilogue) is still required alongside the value-copy
// cases handled by patchJmpsAndVals.
func (fs *FnScope) jmpsNeedFallThrough(head int) bool {
	for pc := head; pc != JMPNone; pc = fs.followJmp(pc) {
		if !fs.carriesVal(pc) {
			return true
		}
	}
	return false
}
