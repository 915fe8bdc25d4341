package parser

import (
	"luaj/internal/bytecode"
	"luaj/internal/lexer"
)

// parseStmt parses one statement and reports whether it was a "return",
// which must be the last statement in its block.
func (p *Parser) parseStmt() (bool, error) {
	line := p.cur().Line
	switch p.cur().Kind {
	case Kind(';'):
		_, err := p.advance()
		return false, err
	case lexer.LOCAL:
		return false, p.parseLocal()
	case lexer.DO:
		return false, p.parseDo()
	case lexer.IF:
		return false, p.parseIf()
	case lexer.WHILE:
		return false, p.parseWhile()
	case lexer.REPEAT:
		return false, p.parseRepeat()
	case lexer.BREAK:
		return false, p.parseBreak(line)
	case lexer.RETURN:
		return true, p.parseReturn()
	default:
		return false, p.parseAssignOrCall()
	}
}

func (p *Parser) parseDo() error {
	if _, err := p.advance(); err != nil {
		return err
	}
	p.fs.enterBlock(false)
	if err := p.parseBlock(); err != nil {
		return err
	}
	p.fs.exitBlock()
	_, err := p.expect(lexer.END)
	return err
}

// parseLocal handles both "local name[,name]* [= exprlist]" and
// "local function name(...) ... end".
func (p *Parser) parseLocal() error {
	if _, err := p.advance(); err != nil {
		return err
	}
	if p.cur().Kind == lexer.FUNCTION {
		return p.parseLocalFn()
	}

	var names []string
	for {
		tk, err := p.expect(lexer.IDENT)
		if err != nil {
			return err
		}
		names = append(names, tk.Str)
		if p.cur().Kind != Kind(',') {
			break
		}
		if _, err := p.advance(); err != nil {
			return err
		}
	}

	var rhs []Expr
	if p.cur().Kind == Kind('=') {
		if _, err := p.advance(); err != nil {
			return err
		}
		var err error
		rhs, err = p.parseExprList()
		if err != nil {
			return err
		}
	}

	line := p.cur().Line
	slots := make([]uint8, len(names))
	base := p.fs.numStack
	if err := p.adjustAssign(len(names), rhs, line); err != nil {
		return err
	}
	// The new locals take over the slots adjustAssign just filled.
	p.fs.numStack = base
	for i, name := range names {
		slot, err := p.fs.defLocal(name, line)
		if err != nil {
			return err
		}
		slots[i] = slot
	}
	return nil
}

// parseLocalFn declares the function's own name as a local before parsing
// its body, so the function can recurse into itself.
func (p *Parser) parseLocalFn() error {
	if _, err := p.advance(); err != nil {
		return err
	}
	tk, err := p.expect(lexer.IDENT)
	if err != nil {
		return err
	}
	if _, err := p.fs.defLocal(tk.Str, tk.Line); err != nil {
		return err
	}
	slot, _ := p.fs.findVar(tk.Str)

	e, err := p.parseFuncBody(tk.Line)
	if err != nil {
		return err
	}
	p.fs.toSlot(e, slot, tk.Line)
	return nil
}

// adjustAssign discharges rhs expressions into numDst freshly-reserved
// slots, handling arity mismatch: a trailing CALL's return count is
// patched to produce exactly the shortfall, or KNIL fills any remainder.
func (p *Parser) adjustAssign(numDst int, rhs []Expr, line int) error {
	n := len(rhs)
	for i := 0; i < n; i++ {
		isLast := i == n-1
		if isLast && n < numDst && rhs[i].Kind == ECall {
			extra := numDst - n + 1
			ins := p.fs.fn.Ins(rhs[i].Pc)
			ins.SetC(uint8(extra))
			p.fs.fn.SetIns(rhs[i].Pc, ins)
			if _, err := p.fs.toNextSlot(rhs[i], line); err != nil {
				return err
			}
			for k := 1; k < extra; k++ {
				if _, err := p.fs.reserveSlots(1, line); err != nil {
					return err
				}
			}
			return nil
		}
		if _, err := p.fs.toNextSlot(rhs[i], line); err != nil {
			return err
		}
	}
	for i := n; i < numDst; i++ {
		dst, err := p.fs.reserveSlots(1, line)
		if err != nil {
			return err
		}
		p.emitKNil(dst, line)
	}
	return nil
}

// emitKNil sets slot..slot (the AD form's A..D inclusive range) to nil.
func (p *Parser) emitKNil(slot uint8, line int) {
	p.fs.emit(bytecode.AD(bytecode.KNIL, slot, uint16(slot)), line)
}

// parseAssignLHS parses one assignable target: for this implementation,
// only a local name (globals/upvalues are out of scope).
func (p *Parser) parseAssignLHS() (uint8, error) {
	tk, err := p.expect(lexer.IDENT)
	if err != nil {
		return 0, err
	}
	slot, ok := p.fs.findVar(tk.Str)
	if !ok {
		return 0, newSyntaxError(p.chunkName, tk.Line, tk.Col, "undefined variable '%s'", tk.Str)
	}
	return slot, nil
}

// parseAssignOrCall disambiguates a statement starting with an identifier
// or "(": either an assignment "name[,name]* = exprlist" or a bare call
// used as a statement.
func (p *Parser) parseAssignOrCall() error {
	e, err := p.parseSuffixedExpr()
	if err != nil {
		return err
	}

	if p.cur().Kind != Kind('=') && p.cur().Kind != Kind(',') {
		if e.Kind != ECall {
			return p.errorf("syntax error near %s", p.cur().Kind)
		}
		// Bare call statement: discard all return values (C=0).
		ins := p.fs.fn.Ins(e.Pc)
		ins.SetC(0)
		p.fs.fn.SetIns(e.Pc, ins)
		return nil
	}

	if e.Kind != ELocal {
		return p.errorf("cannot assign to this expression")
	}
	lhs := []uint8{e.Slot}
	for p.cur().Kind == Kind(',') {
		if _, err := p.advance(); err != nil {
			return err
		}
		slot, err := p.parseAssignLHS()
		if err != nil {
			return err
		}
		lhs = append(lhs, slot)
	}

	if _, err := p.expect(Kind('=')); err != nil {
		return err
	}
	rhs, err := p.parseExprList()
	if err != nil {
		return err
	}

	return p.parseAssign(lhs, rhs)
}

// parseAssign stores rhs into lhs slots: adjustAssign discharges every rhs
// value, the last one included, into temporaries starting at base, then
// each value is copied into its lhs slot via MOV in reverse order. No
// value is stored directly into its lhs slot.
func (p *Parser) parseAssign(lhs []uint8, rhs []Expr) error {
	line := p.cur().Line
	base := p.fs.numStack
	if err := p.adjustAssign(len(lhs), rhs, line); err != nil {
		return err
	}
	for i := len(lhs) - 1; i >= 0; i-- {
		src := base + uint8(i)
		if src != lhs[i] {
			p.fs.emit(bytecode.AD(bytecode.MOV, lhs[i], uint16(src)), line)
		}
	}
	p.fs.numStack = base
	return nil
}

func (p *Parser) parseIf() error {
	falseList, err := p.parseIfThen()
	if err != nil {
		return err
	}
	endJmps := JMPNone
	for p.cur().Kind == lexer.ELSEIF {
		if _, err := p.advance(); err != nil {
			return err
		}
		line := p.cur().Line
		jmp := p.fs.emitJmp(line)
		endJmps = p.fs.appendJmp(endJmps, jmp)
		p.fs.patchJmpsHere(falseList)
		falseList, err = p.parseIfThenCond()
		if err != nil {
			return err
		}
	}
	if p.cur().Kind == lexer.ELSE {
		line := p.cur().Line
		if _, err := p.advance(); err != nil {
			return err
		}
		jmp := p.fs.emitJmp(line)
		endJmps = p.fs.appendJmp(endJmps, jmp)
		p.fs.patchJmpsHere(falseList)
		p.fs.enterBlock(false)
		if err := p.parseBlock(); err != nil {
			return err
		}
		p.fs.exitBlock()
	} else {
		p.fs.patchJmpsHere(falseList)
	}
	_, err = p.expect(lexer.END)
	if err != nil {
		return err
	}
	p.fs.patchJmpsHere(endJmps)
	return nil
}

// parseIfThen parses the initial "if cond then block" clause.
func (p *Parser) parseIfThen() (int, error) {
	if _, err := p.advance(); err != nil { // 'if'
		return 0, err
	}
	return p.parseIfThenCond()
}

func (p *Parser) parseIfThenCond() (int, error) {
	falseList, err := p.parseCondExpr()
	if err != nil {
		return 0, err
	}
	if _, err := p.expect(lexer.THEN); err != nil {
		return 0, err
	}
	p.fs.enterBlock(false)
	if err := p.parseBlock(); err != nil {
		return 0, err
	}
	p.fs.exitBlock()
	return falseList, nil
}

func (p *Parser) parseWhile() error {
	if _, err := p.advance(); err != nil {
		return err
	}
	start := p.fs.fn.NumIns()
	loop := p.fs.enterBlock(true)
	falseList, err := p.parseCondExpr()
	if err != nil {
		return err
	}
	if _, err := p.expect(lexer.DO); err != nil {
		return err
	}
	if err := p.parseBlock(); err != nil {
		return err
	}
	line := p.cur().Line
	back := p.fs.emitJmp(line)
	p.fs.patchJmp(back, start)
	p.fs.patchJmpsHere(falseList)
	breaks := loop.breaks
	p.fs.exitBlock()
	if _, err := p.expect(lexer.END); err != nil {
		return err
	}
	p.fs.patchJmpsHere(breaks)
	return nil
}

func (p *Parser) parseRepeat() error {
	if _, err := p.advance(); err != nil {
		return err
	}
	start := p.fs.fn.NumIns()
	loop := p.fs.enterBlock(true)
	if err := p.parseBlock(); err != nil {
		return err
	}
	if _, err := p.expect(lexer.UNTIL); err != nil {
		return err
	}
	falseList, err := p.parseCondExpr()
	if err != nil {
		return err
	}
	// "repeat while condition is false": patch the false-list back to the
	// loop's start so the body runs again until the condition is true.
	p.fs.patchJmps(falseList, start)
	breaks := loop.breaks
	p.fs.exitBlock()
	p.fs.patchJmpsHere(breaks)
	return nil
}

func (p *Parser) parseBreak(line int) error {
	if _, err := p.advance(); err != nil {
		return err
	}
	b := p.fs.block
	for b != nil && !b.isLoop {
		b = b.outer
	}
	if b == nil {
		return newSyntaxError(p.chunkName, line, 0, "no loop to break")
	}
	jmp := p.fs.emitJmp(line)
	b.breaks = p.fs.appendJmp(b.breaks, jmp)
	return nil
}

func (p *Parser) parseReturn() error {
	line := p.cur().Line
	if _, err := p.advance(); err != nil {
		return err
	}

	if p.isEndOfBlock() || p.cur().Kind == Kind(';') {
		p.fs.emit(bytecode.Op0(bytecode.RET0), line)
		return nil
	}

	exprs, err := p.parseExprList()
	if err != nil {
		return err
	}

	if len(exprs) == 1 && exprs[0].Kind != ECall {
		e, err := p.fs.toAnySlot(exprs[0], line)
		if err != nil {
			return err
		}
		p.fs.emit(bytecode.AD(bytecode.RET1, 0, uint16(e.Slot)), line)
		return nil
	}

	base := p.fs.numStack
	for _, e := range exprs {
		if _, err := p.fs.toNextSlot(e, line); err != nil {
			return err
		}
	}
	p.fs.emit(bytecode.AD(bytecode.RET, base, uint16(len(exprs))), line)
	return nil
}
