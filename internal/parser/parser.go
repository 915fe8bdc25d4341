package parser

import (
	"luaj/internal/bytecode"
	"luaj/internal/lexer"
	"luaj/internal/reader"
	"luaj/internal/value"
)

// Parse compiles a whole chunk read from r into a top-level function
// prototype taking no parameters, vararg, per original_source/src/
// parser.c's top-level parse(). chunkName is used in error messages and
// stored on the prototype.
func Parse(src *reader.Reader, chunkName string) (*value.Fn, error) {
	lx, err := lexer.New(src)
	if err != nil {
		return nil, newSyntaxError(chunkName, src.Line, src.Col, "%s", err.Error())
	}
	p := newParser(lx, chunkName)
	p.enterFn("", 1, true)
	p.fs.enterBlock(false)

	if err := p.parseBlock(); err != nil {
		return nil, err
	}
	if p.cur().Kind != lexer.EOF {
		return nil, p.errorf("expected end of file, found %s", p.cur().Kind)
	}

	p.fs.exitBlock()
	p.fs.emit(bytecode.Op0(bytecode.RET0), p.cur().Line)
	fn := p.exitFn(p.cur().Line)
	return fn, nil
}

// isEndOfBlock reports whether the current token closes a block: EOF or
// one of the keywords that start an enclosing construct's next clause.
func (p *Parser) isEndOfBlock() bool {
	switch p.cur().Kind {
	case lexer.EOF, lexer.END, lexer.ELSE, lexer.ELSEIF, lexer.UNTIL:
		return true
	default:
		return false
	}
}

func (p *Parser) parseBlock() error {
	for !p.isEndOfBlock() {
		isReturn, err := p.parseStmt()
		if err != nil {
			return err
		}
		if isReturn {
			break
		}
	}
	return nil
}

// --- Expressions ---------------------------------------------------

func (p *Parser) parseExprList() ([]Expr, error) {
	var exprs []Expr
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	exprs = append(exprs, e)
	for p.cur().Kind == Kind(',') {
		if _, err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

func (p *Parser) parseExpr() (Expr, error) {
	return p.parseSubexpr(precNone)
}

// parseCondExpr parses an expression used as a branch condition, ensuring
// the result carries an outstanding false-list (branch-on-false), and
// returns that list for the caller to patch.
func (p *Parser) parseCondExpr() (int, error) {
	e, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	line := p.cur().Line
	e, err = p.fs.emitBranchFalse(e, line)
	if err != nil {
		return 0, err
	}
	p.fs.patchJmpsHere(e.TrueList)
	return e.FalseList, nil
}

// Kind is a convenience alias so this package can write e.g. Kind('+')
// without spelling out lexer.Kind everywhere.
type Kind = lexer.Kind

// tokenBinOp maps the current token, if it is a binary operator, to a
// BinOp and reports whether that happened.
func tokenBinOp(k lexer.Kind) (BinOp, bool) {
	switch k {
	case lexer.AND:
		return OpAnd, true
	case lexer.OR:
		return OpOr, true
	case Kind('+'):
		return OpAdd, true
	case Kind('-'):
		return OpSub, true
	case Kind('*'):
		return OpMul, true
	case Kind('/'):
		return OpDiv, true
	case Kind('%'):
		return OpMod, true
	case Kind('^'):
		return OpPow, true
	case lexer.CONCAT:
		return OpConcat, true
	case lexer.EQ:
		return OpEq, true
	case lexer.NEQ:
		return OpNeq, true
	case Kind('<'):
		return OpLt, true
	case lexer.LE:
		return OpLe, true
	case Kind('>'):
		return OpGt, true
	case lexer.GE:
		return OpGe, true
	}
	return 0, false
}

// parseSubexpr implements precedence climbing: parse a unary operand,
// then repeatedly fold in binary operators whose precedence is at least
// minPrec.
func (p *Parser) parseSubexpr(minPrec precedence) (Expr, error) {
	e, err := p.parseUnaryOrOperand()
	if err != nil {
		return Expr{}, err
	}
	for {
		op, ok := tokenBinOp(p.cur().Kind)
		if !ok || binOpPrec[op] < minPrec {
			return e, nil
		}
		line := p.cur().Line
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}

		switch op {
		case OpAnd:
			l, err := p.fs.prepareAnd(e, line)
			if err != nil {
				return Expr{}, err
			}
			r, err := p.parseSubexpr(rightPrec(op))
			if err != nil {
				return Expr{}, err
			}
			e = p.fs.combineAnd(l, r)
		case OpOr:
			l, err := p.fs.prepareOr(e, line)
			if err != nil {
				return Expr{}, err
			}
			r, err := p.parseSubexpr(rightPrec(op))
			if err != nil {
				return Expr{}, err
			}
			e = p.fs.combineOr(l, r)
		default:
			r, err := p.parseSubexpr(rightPrec(op))
			if err != nil {
				return Expr{}, err
			}
			e, err = p.fs.emitBinop(op, e, r, line)
			if err != nil {
				return Expr{}, err
			}
		}
	}
}

func (p *Parser) parseUnaryOrOperand() (Expr, error) {
	line := p.cur().Line
	switch p.cur().Kind {
	case Kind('-'):
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		e, err := p.parseSubexpr(precUnary)
		if err != nil {
			return Expr{}, err
		}
		return p.fs.emitUnop(OpNeg, e, line)
	case lexer.NOT:
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		e, err := p.parseSubexpr(precUnary)
		if err != nil {
			return Expr{}, err
		}
		return p.fs.emitUnop(OpNot, e, line)
	default:
		return p.parseOperand()
	}
}

func (p *Parser) parseOperand() (Expr, error) {
	tk := p.cur()
	switch tk.Kind {
	case lexer.NIL:
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		return primExpr(value.TagNil), nil
	case lexer.TRUE:
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		return primExpr(value.TagTrue), nil
	case lexer.FALSE:
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		return primExpr(value.TagFalse), nil
	case lexer.NUM:
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		return numExpr(tk.Num), nil
	case lexer.STR:
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		return strExpr(tk.Str), nil
	case lexer.FUNCTION:
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		return p.parseFuncBody(tk.Line)
	default:
		return p.parseSuffixedExpr()
	}
}

func (p *Parser) parsePrimaryExpr() (Expr, error) {
	switch p.cur().Kind {
	case Kind('('):
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return Expr{}, err
		}
		if _, err := p.expect(Kind(')')); err != nil {
			return Expr{}, err
		}
		// A parenthesized call must be truncated to one value; discharge
		// a pending CALL to a fixed slot now so it can't later be
		// adjusted by an enclosing expr/assign-list's arity logic.
		if e.Kind == ECall {
			var err error
			e, err = p.fs.toAnySlot(e, p.cur().Line)
			if err != nil {
				return Expr{}, err
			}
		}
		return e, nil
	case lexer.IDENT:
		name := p.cur().Str
		if _, err := p.advance(); err != nil {
			return Expr{}, err
		}
		slot, ok := p.fs.findVar(name)
		if !ok {
			return Expr{}, p.errorf("undefined variable '%s'", name)
		}
		return localExpr(slot), nil
	default:
		return Expr{}, p.errorf("unexpected symbol near %s", p.cur().Kind)
	}
}

func (p *Parser) parseSuffixedExpr() (Expr, error) {
	e, err := p.parsePrimaryExpr()
	if err != nil {
		return Expr{}, err
	}
	for p.cur().Kind == Kind('(') {
		var err error
		e, err = p.parseCallSuffix(e)
		if err != nil {
			return Expr{}, err
		}
	}
	return e, nil
}

// parseCallSuffix compiles "(args)" applied to fn, emitting
// CALL base,numArgs+1,1 (one return requested by default; callers that
// want it discarded or adjusted rewrite the C operand afterward).
func (p *Parser) parseCallSuffix(fn Expr) (Expr, error) {
	line := p.cur().Line
	if _, err := p.advance(); err != nil {
		return Expr{}, err
	}

	base, err := p.fs.toNextSlot(fn, line)
	if err != nil {
		return Expr{}, err
	}

	var args []Expr
	if p.cur().Kind != Kind(')') {
		args, err = p.parseExprList()
		if err != nil {
			return Expr{}, err
		}
	}
	if _, err := p.expect(Kind(')')); err != nil {
		return Expr{}, err
	}

	numArgs, err := p.placeArgs(args, line)
	if err != nil {
		return Expr{}, err
	}

	pc := p.fs.emit(bytecode.ABC(bytecode.CALL, base.Slot, uint8(numArgs+1), 1), line)
	return callExpr(pc, base.Slot), nil
}

// placeArgs discharges each argument expression into the contiguous slots
// following the call's base, which toNextSlot already reserved in order.
func (p *Parser) placeArgs(args []Expr, line int) (int, error) {
	for _, a := range args {
		if _, err := p.fs.toNextSlot(a, line); err != nil {
			return 0, err
		}
	}
	return len(args), nil
}

func (p *Parser) parseParams() (int, error) {
	n := 0
	for p.cur().Kind == lexer.IDENT {
		name := p.cur().Str
		line := p.cur().Line
		if _, err := p.advance(); err != nil {
			return 0, err
		}
		if _, err := p.fs.defLocal(name, line); err != nil {
			return 0, err
		}
		n++
		if p.cur().Kind != Kind(',') {
			break
		}
		if _, err := p.advance(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (p *Parser) parseFuncBody(startLine int) (Expr, error) {
	if _, err := p.expect(Kind('(')); err != nil {
		return Expr{}, err
	}
	p.enterFn("", startLine, false)
	numParams, err := p.parseParams()
	if err != nil {
		return Expr{}, err
	}
	p.fs.fn.NumParams = uint8(numParams)
	if _, err := p.expect(Kind(')')); err != nil {
		return Expr{}, err
	}
	p.fs.enterBlock(false)
	if err := p.parseBlock(); err != nil {
		return Expr{}, err
	}
	p.fs.exitBlock()
	endLine := p.cur().Line
	if _, err := p.expect(lexer.END); err != nil {
		return Expr{}, err
	}
	p.fs.emit(bytecode.Op0(bytecode.RET0), endLine)
	fn := p.exitFn(endLine)

	idx := p.fs.emitK(value.FnVal(fn), startLine)
	pc := p.fs.emit(bytecode.AD(bytecode.KFN, bytecode.NoSlot, idx), startLine)
	return relocExpr(pc), nil
}
