package parser

import (
	"luaj/internal/bytecode"
	"luaj/internal/value"
)

// loadInto emits the instruction that materializes a constant-kind
// expression (PRIM/NUM/STR) into slot dst, with no jump-list handling;
// used both by toSlot and by the inline_* helpers' spill path.
func (fs *FnScope) loadInto(e Expr, dst uint8, line int) {
	switch e.Kind {
	case EPrim:
		fs.emit(bytecode.AD(bytecode.KPRIM, dst, uint16(e.Tag)), line)
	case ENum:
		if k, ok := smallInt(e.Num); ok {
			fs.emit(bytecode.AD(bytecode.KINT, dst, uint16(k)), line)
		} else {
			idx := fs.emitK(value.Num(e.Num), line)
			fs.emit(bytecode.AD(bytecode.KNUM, dst, idx), line)
		}
	case EStr:
		idx := fs.emitK(value.StrVal(e.Str), line)
		fs.emit(bytecode.AD(bytecode.KSTR, dst, idx), line)
	default:
		panic("parser: loadInto on non-constant expression")
	}
}

// smallInt reports whether n is an exact integer that fits KINT's signed
// 16-bit immediate.
func smallInt(n float64) (int16, bool) {
	i := int64(n)
	if float64(i) != n {
		return 0, false
	}
	if i < -32768 || i > 32767 {
		return 0, false
	}
	return int16(i), true
}

// toSlot discharges e into exactly slot dst, resolving LOCAL/CALL/constant
// descriptors and patching RELOC/JMP ones, materializing a boolean value
// out of outstanding jump lists when needed.
func (fs *FnScope) toSlot(e Expr, dst uint8, line int) {
	switch e.Kind {
	case ELocal, ECall:
		if e.Slot != dst {
			fs.emit(bytecode.AD(bytecode.MOV, dst, uint16(e.Slot)), line)
		}
	case ENonReloc:
		if e.Slot != dst {
			fs.emit(bytecode.AD(bytecode.MOV, dst, uint16(e.Slot)), line)
		}
	case EPrim, ENum, EStr:
		fs.loadInto(e, dst, line)
	case EReloc:
		ins := fs.fn.Ins(e.Pc)
		ins.SetA(dst)
		fs.fn.SetIns(e.Pc, ins)
	case EJmp:
		e.TrueList = fs.appendJmp(e.TrueList, e.Pc)
	default:
		panic("parser: toSlot on unknown expression kind")
	}

	if e.HasJmp() {
		fs.materializeBool(e, dst, line)
	}
}

// materializeBool emits the epilogue that turns outstanding true/false
// jump lists into a concrete boolean in dst:
//
//	[optional fall-through value load]
//	JMP end             (not for a JMP descriptor)
//	KPRIM dst,FALSE
//	JMP end
//	KPRIM dst,TRUE
//	end:
//
// The epilogue is emitted only when some listed jump carries no value.
// A JMP descriptor has no fall-through value: falling through means the
// comparison failed, so it runs into KPRIM dst,FALSE. Jumps that already
// carry a value (ISTC/ISFC) are patched straight to the code that follows
// instead of through this epilogue.
func (fs *FnScope) materializeBool(e Expr, dst uint8, line int) {
	needFallThrough := fs.jmpsNeedFallThrough(e.TrueList) || fs.jmpsNeedFallThrough(e.FalseList)
	skipOverFalse := needFallThrough && e.Kind != EJmp

	end := fs.fn.NumIns()
	if needFallThrough {
		end += 3
	}
	if skipOverFalse {
		end++
	}

	var skipFalse, skipTrue int
	if skipOverFalse {
		skipFalse = fs.emitJmp(line)
	}

	falseTarget := fs.fn.NumIns()
	fs.patchJmpsAndVals(e.FalseList, falseTarget, dst, end)
	if needFallThrough {
		fs.emit(bytecode.AD(bytecode.KPRIM, dst, uint16(value.TagFalse)), line)
		skipTrue = fs.emitJmp(line)
	}

	trueTarget := fs.fn.NumIns()
	fs.patchJmpsAndVals(e.TrueList, trueTarget, dst, end)
	if needFallThrough {
		fs.emit(bytecode.AD(bytecode.KPRIM, dst, uint16(value.TagTrue)), line)
		if skipOverFalse {
			fs.patchJmp(skipFalse, end)
		}
		fs.patchJmp(skipTrue, end)
	}
}

// toNextSlot frees e's slot if it already sits at the current top, then
// reserves a fresh slot and discharges e into it.
func (fs *FnScope) toNextSlot(e Expr, line int) (Expr, error) {
	if e.Kind == ENonReloc && e.Slot == fs.numStack-1 {
		fs.numStack--
	}
	dst, err := fs.reserveSlots(1, line)
	if err != nil {
		return Expr{}, err
	}
	fs.toSlot(e, dst, line)
	return nonRelocExpr(dst), nil
}

// toAnySlot keeps e in place if it is already a plain fixed-slot value;
// otherwise it commits e to a new slot.
func (fs *FnScope) toAnySlot(e Expr, line int) (Expr, error) {
	if e.Kind == ENonReloc && !e.HasJmp() {
		return e, nil
	}
	if e.Kind == ELocal && !e.HasJmp() {
		return e, nil
	}
	return fs.toNextSlot(e, line)
}

// maxInlineConst bounds the constant index the VN/NV arithmetic opcodes
// can reference directly: their B/C operand is only 8 bits wide,
// unlike KNUM/KSTR's full 16-bit D. A constant beyond this range must
// instead be loaded into a register and reached via the VV form.
const maxInlineConst = 1<<8 - 1

// inlineUint16Const returns the constant-table index of e if e is a
// string or number constant that fits the inline opcodes' 8-bit operand,
// interning it if necessary; it never spills to a register, since
// the VN/NV opcodes take the index directly.
func (fs *FnScope) inlineUint16Const(e Expr, line int) (uint16, bool) {
	switch e.Kind {
	case ENum:
		idx := fs.emitK(value.Num(e.Num), line)
		return idx, idx <= maxInlineConst
	case EStr:
		idx := fs.emitK(value.StrVal(e.Str), line)
		return idx, idx <= maxInlineConst
	default:
		return 0, false
	}
}

// inlineUint16Num is inlineUint16Const restricted to numeric constants,
// used by the VN/NV arithmetic opcodes.
func (fs *FnScope) inlineUint16Num(e Expr, line int) (uint16, bool) {
	if e.Kind != ENum {
		return 0, false
	}
	idx := fs.emitK(value.Num(e.Num), line)
	return idx, idx <= maxInlineConst
}

// freeExprSlot releases the register(s) backing e if they were temporaries
// at the current stack top, in descending slot order so num_stack stays
// consistent when multiple operands are freed.
func (fs *FnScope) freeExprSlot(e Expr) {
	switch e.Kind {
	case ENonReloc, ELocal, ECall:
		fs.freeSlot(e.Slot)
	}
}
