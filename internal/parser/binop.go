package parser

import (
	"luaj/internal/bytecode"
	"luaj/internal/value"
)

// Precedence levels, per spec section 4.E: "or < and < cmp < .. < + - <
// * / % < unary < ^"; ^ and .. are right-associative.
type precedence int

const (
	precNone precedence = iota
	precOr
	precAnd
	precCmp
	precConcat
	precAdd
	precMul
	precUnary
	precPow
)

var binOpPrec = map[BinOp]precedence{
	OpOr: precOr, OpAnd: precAnd,
	OpEq: precCmp, OpNeq: precCmp, OpLt: precCmp, OpLe: precCmp, OpGt: precCmp, OpGe: precCmp,
	OpConcat: precConcat,
	OpAdd:    precAdd, OpSub: precAdd,
	OpMul: precMul, OpDiv: precMul, OpMod: precMul,
	OpPow: precPow,
}

func rightAssoc(op BinOp) bool { return op == OpConcat || op == OpPow }

// rightPrec is the minimum precedence the right operand must bind at least
// as tightly as; right-associative operators recurse at their own level,
// left-associative ones recurse one level higher.
func rightPrec(op BinOp) precedence {
	p := binOpPrec[op]
	if rightAssoc(op) {
		return p
	}
	return p + 1
}

var invertRel = map[BinOp]BinOp{
	OpLt: OpGt, OpGt: OpLt, OpLe: OpGe, OpGe: OpLe,
}

// emitUnop folds e if possible, otherwise emits NEG/NOT over its operand
// slot.
func (fs *FnScope) emitUnop(op UnOp, e Expr, line int) (Expr, error) {
	if folded, ok := foldUnop(op, e); ok {
		return folded, nil
	}
	if op == OpNot {
		return fs.emitNot(e, line)
	}
	src, err := fs.toAnySlot(e, line)
	if err != nil {
		return Expr{}, err
	}
	fs.freeExprSlot(src)
	pc := fs.emit(bytecode.AD(bytecode.NEG, bytecode.NoSlot, uint16(src.Slot)), line)
	return relocExpr(pc), nil
}

// emitNot swaps e's true/false lists and discards any attached values,
// then either inverts a JMP descriptor's condition or emits a NOT.
func (fs *FnScope) emitNot(e Expr, line int) (Expr, error) {
	fs.discardVals(e.TrueList)
	fs.discardVals(e.FalseList)
	e.TrueList, e.FalseList = e.FalseList, e.TrueList

	if e.Kind == EJmp {
		fs.invertCond(e.Pc)
		return e, nil
	}
	src, err := fs.toAnySlot(e, line)
	if err != nil {
		return Expr{}, err
	}
	fs.freeExprSlot(src)
	pc := fs.emit(bytecode.AD(bytecode.NOT, bytecode.NoSlot, uint16(src.Slot)), line)
	result := relocExpr(pc)
	result.TrueList, result.FalseList = e.TrueList, e.FalseList
	return result, nil
}

// invertCond flips the condition tested by the comparison instruction
// immediately preceding the JMP at pc (the emit-branch convention: a test
// is always followed by its JMP).
func (fs *FnScope) invertCond(pc int) {
	if pc == 0 {
		return
	}
	ins := fs.fn.Ins(pc - 1)
	if inv, ok := bytecode.InvertedCond[ins.Op()]; ok {
		ins.SetOp(inv)
		fs.fn.SetIns(pc-1, ins)
	}
}

// emitBranchFalse is prepareAnd under the name used at condition-parsing
// call sites (if/while/repeat): both uses branch on the "falseness" of e,
// folding jump lists identically, so they share one implementation.
func (fs *FnScope) emitBranchFalse(e Expr, line int) (Expr, error) {
	return fs.prepareAnd(e, line)
}

// prepareAnd processes the left operand of "and" before the right operand
// is parsed, folding its jump lists to the point just before the right
// operand starts: a statically-false constant needs no register (nothing
// to discard) and becomes an unconditional jump into the false-list, so
// the right operand's about-to-be-parsed code is provably unreachable; a
// statically-true constant carries no jump at all, so the right operand's
// result passes straight through; a JMP descriptor has its condition
// inverted in place and is reused directly; anything else gets an
// ISFC+JMP test appended to its false-list. Either way the true-list (the
// "keep evaluating the right operand" path) is patched to fall through
// here and cleared.
func (fs *FnScope) prepareAnd(l Expr, line int) (Expr, error) {
	var toAdd int
	switch {
	case l.IsConst() && !constTruthy(l):
		toAdd = fs.emitJmp(line)
	case l.IsConst():
		toAdd = JMPNone
	case l.Kind == EJmp:
		fs.invertCond(l.Pc)
		toAdd = l.Pc
	default:
		src, err := fs.toAnySlot(l, line)
		if err != nil {
			return Expr{}, err
		}
		fs.emit(bytecode.AD(bytecode.ISFC, bytecode.NoSlot, uint16(src.Slot)), line)
		toAdd = fs.emitJmp(line)
		fs.freeExprSlot(src)
		l = src
	}
	l.FalseList = fs.appendJmp(l.FalseList, toAdd)
	fs.patchJmpsHere(l.TrueList)
	l.TrueList = JMPNone
	return l, nil
}

// prepareOr is prepareAnd's dual, for "or"'s left operand.
func (fs *FnScope) prepareOr(l Expr, line int) (Expr, error) {
	var toAdd int
	switch {
	case l.IsConst() && constTruthy(l):
		toAdd = fs.emitJmp(line)
	case l.IsConst():
		toAdd = JMPNone
	case l.Kind == EJmp:
		toAdd = l.Pc
	default:
		src, err := fs.toAnySlot(l, line)
		if err != nil {
			return Expr{}, err
		}
		fs.emit(bytecode.AD(bytecode.ISTC, bytecode.NoSlot, uint16(src.Slot)), line)
		toAdd = fs.emitJmp(line)
		fs.freeExprSlot(src)
		l = src
	}
	l.TrueList = fs.appendJmp(l.TrueList, toAdd)
	fs.patchJmpsHere(l.FalseList)
	l.FalseList = JMPNone
	return l, nil
}

// combineAnd splices l's false-list (the "whole and is false" jumps
// prepareAnd already collected, if any) onto r's false-list; r's own
// true-list/value become the combined expression's. Uniform: no
// constant-based special-casing needed, since prepareAnd already reduced
// every case to a jump-list operation.
func (fs *FnScope) combineAnd(l, r Expr) Expr {
	r.FalseList = fs.appendJmp(r.FalseList, l.FalseList)
	return r
}

// combineOr is combineAnd's dual.
func (fs *FnScope) combineOr(l, r Expr) Expr {
	r.TrueList = fs.appendJmp(r.TrueList, l.TrueList)
	return r
}

// emitArith folds or emits one of the ADD/SUB/MUL/DIV/MOD/POW operators,
// choosing the VV/VN/NV opcode variant from the operands' kinds, swapping
// commutative operators so a left constant moves to the right.
func (fs *FnScope) emitArith(op BinOp, l, r Expr, line int) (Expr, error) {
	if folded, ok := foldArith(op, l, r); ok {
		return folded, nil
	}
	if op.isCommutative() && l.IsConst() && !r.IsConst() {
		l, r = r, l
	}

	vv, vn, nv := arithOpcodes(op)

	if nv != 0 && l.IsConst() {
		if kIdx, ok := fs.inlineUint16Num(l, line); ok {
			rs, err := fs.toAnySlot(r, line)
			if err != nil {
				return Expr{}, err
			}
			fs.freeExprSlot(rs)
			pc := fs.emit(bytecode.ABC(nv, bytecode.NoSlot, uint8(kIdx), rs.Slot), line)
			return relocExpr(pc), nil
		}
	}
	if vn != 0 && r.IsConst() {
		if kIdx, ok := fs.inlineUint16Num(r, line); ok {
			ls, err := fs.toAnySlot(l, line)
			if err != nil {
				return Expr{}, err
			}
			fs.freeExprSlot(ls)
			pc := fs.emit(bytecode.ABC(vn, bytecode.NoSlot, ls.Slot, uint8(kIdx)), line)
			return relocExpr(pc), nil
		}
	}

	ls, err := fs.toAnySlot(l, line)
	if err != nil {
		return Expr{}, err
	}
	rs, err := fs.toAnySlot(r, line)
	if err != nil {
		return Expr{}, err
	}
	// Free the higher slot first so num_stack accounting stays a strict
	// stack discipline regardless of which operand is the temporary.
	if ls.Slot > rs.Slot {
		fs.freeExprSlot(ls)
		fs.freeExprSlot(rs)
	} else {
		fs.freeExprSlot(rs)
		fs.freeExprSlot(ls)
	}
	pc := fs.emit(bytecode.ABC(vv, bytecode.NoSlot, ls.Slot, rs.Slot), line)
	return relocExpr(pc), nil
}

func arithOpcodes(op BinOp) (vv, vn, nv bytecode.OpCode) {
	switch op {
	case OpAdd:
		return bytecode.ADDVV, bytecode.ADDVN, bytecode.ADDVN
	case OpSub:
		return bytecode.SUBVV, bytecode.SUBVN, bytecode.SUBNV
	case OpMul:
		return bytecode.MULVV, bytecode.MULVN, bytecode.MULVN
	case OpDiv:
		return bytecode.DIVVV, bytecode.DIVVN, bytecode.DIVNV
	case OpMod:
		return bytecode.MODVV, bytecode.MODVN, bytecode.MODNV
	case OpPow:
		return bytecode.POW, 0, 0
	}
	panic("parser: not an arithmetic operator")
}

// emitConcat materializes both operands into adjacent slots and emits
// CONCAT over that pair.
func (fs *FnScope) emitConcat(l, r Expr, line int) (Expr, error) {
	ls, err := fs.toNextSlot(l, line)
	if err != nil {
		return Expr{}, err
	}
	rs, err := fs.toNextSlot(r, line)
	if err != nil {
		return Expr{}, err
	}
	fs.freeExprSlot(rs)
	fs.freeExprSlot(ls)
	pc := fs.emit(bytecode.ABC(bytecode.CONCAT, bytecode.NoSlot, ls.Slot, rs.Slot), line)
	return relocExpr(pc), nil
}

// emitEq folds or emits EQVV/EQVP/EQVN/EQVS (and the NEQ duals).
func (fs *FnScope) emitEq(op BinOp, l, r Expr, line int) (Expr, error) {
	if folded, ok := foldEq(op, l, r); ok {
		return folded, nil
	}
	if l.IsConst() && !r.IsConst() {
		l, r = r, l
	}

	opVV, opP, opN, opS := bytecode.EQVV, bytecode.EQVP, bytecode.EQVN, bytecode.EQVS
	if op == OpNeq {
		opVV, opP, opN, opS = bytecode.NEQVV, bytecode.NEQVP, bytecode.NEQVN, bytecode.NEQVS
	}

	ls, err := fs.toAnySlot(l, line)
	if err != nil {
		return Expr{}, err
	}

	switch {
	case r.isPrim():
		fs.freeExprSlot(ls)
		fs.emit(bytecode.AD(opP, ls.Slot, uint16(r.Tag)), line)
	case r.isNum():
		kIdx := fs.emitK(value.Num(r.Num), line)
		fs.freeExprSlot(ls)
		fs.emit(bytecode.AD(opN, ls.Slot, kIdx), line)
	case r.isStr():
		kIdx := fs.emitK(value.StrVal(r.Str), line)
		fs.freeExprSlot(ls)
		fs.emit(bytecode.AD(opS, ls.Slot, kIdx), line)
	default:
		rs, err := fs.toAnySlot(r, line)
		if err != nil {
			return Expr{}, err
		}
		if ls.Slot > rs.Slot {
			fs.freeExprSlot(ls)
			fs.freeExprSlot(rs)
		} else {
			fs.freeExprSlot(rs)
			fs.freeExprSlot(ls)
		}
		fs.emit(bytecode.ABC(opVV, bytecode.NoSlot, ls.Slot, rs.Slot), line)
	}
	pc := fs.emitJmp(line)
	return jmpExpr(pc), nil
}

// emitRel folds or emits LT/LE/GT/GE in VV or VN form, swapping a
// left-hand constant to the right by inverting the operator (a<K becomes
// K>... no: a<K stays VN; K<a swaps to a>K).
func (fs *FnScope) emitRel(op BinOp, l, r Expr, line int) (Expr, error) {
	if folded, ok := foldRel(op, l, r); ok {
		return folded, nil
	}
	if l.isNum() && !r.isNum() {
		l, r = r, l
		op = invertRel[op]
	}

	opVV, opVN := relOpcodes(op)

	ls, err := fs.toAnySlot(l, line)
	if err != nil {
		return Expr{}, err
	}
	if r.isNum() {
		// Order's VN form spends its whole 16-bit D on the constant index,
		// reusing A (otherwise idle on a test-and-jump instruction) for the
		// left operand's slot instead of splitting into an 8-bit B/C pair.
		kIdx := fs.emitK(value.Num(r.Num), line)
		fs.freeExprSlot(ls)
		fs.emit(bytecode.AD(opVN, ls.Slot, kIdx), line)
	} else {
		rs, err := fs.toAnySlot(r, line)
		if err != nil {
			return Expr{}, err
		}
		if ls.Slot > rs.Slot {
			fs.freeExprSlot(ls)
			fs.freeExprSlot(rs)
		} else {
			fs.freeExprSlot(rs)
			fs.freeExprSlot(ls)
		}
		fs.emit(bytecode.ABC(opVV, bytecode.NoSlot, ls.Slot, rs.Slot), line)
	}
	pc := fs.emitJmp(line)
	return jmpExpr(pc), nil
}

func relOpcodes(op BinOp) (vv, vn bytecode.OpCode) {
	switch op {
	case OpLt:
		return bytecode.LTVV, bytecode.LTVN
	case OpLe:
		return bytecode.LEVV, bytecode.LEVN
	case OpGt:
		return bytecode.GTVV, bytecode.GTVN
	case OpGe:
		return bytecode.GEVV, bytecode.GEVN
	}
	panic("parser: not a relational operator")
}

// emitBinop dispatches to the right family by operator.
func (fs *FnScope) emitBinop(op BinOp, l, r Expr, line int) (Expr, error) {
	switch {
	case op.isArith():
		return fs.emitArith(op, l, r, line)
	case op == OpConcat:
		return fs.emitConcat(l, r, line)
	case op == OpEq || op == OpNeq:
		return fs.emitEq(op, l, r, line)
	case op == OpLt || op == OpLe || op == OpGt || op == OpGe:
		return fs.emitRel(op, l, r, line)
	}
	panic("parser: unhandled binary operator")
}
