package parser

import (
	"luaj/internal/bytecode"
	"luaj/internal/errors"
	"luaj/internal/lexer"
	"luaj/internal/value"
)

// maxLocals bounds a function's named-local array, matching
// original_source/src/parser.c's 200-entry limit.
const maxLocals = 200

// maxStackSlots bounds num_stack; exceeding it is the "too many local
// variables" error from spec section 4.E.
const maxStackSlots = 254

// localVar is one entry in a function scope's active-locals array.
type localVar struct {
	name string
	slot uint8
}

// BlockScope tracks one lexical block (a do..end, loop body, or if
// branch) within a function: where its locals started, whether it is a
// loop (so break can find it), and the break jump-list head for loops.
type BlockScope struct {
	outer    *BlockScope
	firstLoc int // index into FnScope.locals at block entry
	isLoop   bool
	breaks   int
}

// FnScope is the compile-time state for one function body under
// construction: the prototype being built, current stack-slot high-water
// mark, named locals, and the innermost block.
type FnScope struct {
	outer *FnScope
	fn    *value.Fn

	numStack  uint8
	locals    []localVar
	block     *BlockScope
	isVararg  bool
}

func newFnScope(outer *FnScope, fn *value.Fn, isVararg bool) *FnScope {
	return &FnScope{outer: outer, fn: fn, isVararg: isVararg}
}

func (fs *FnScope) enterBlock(isLoop bool) *BlockScope {
	b := &BlockScope{outer: fs.block, firstLoc: len(fs.locals), isLoop: isLoop, breaks: JMPNone}
	fs.block = b
	return b
}

// exitBlock pops the block, freeing any locals and temporaries it
// introduced and restoring num_stack to the block's entry level.
func (fs *FnScope) exitBlock() {
	b := fs.block
	fs.locals = fs.locals[:b.firstLoc]
	fs.numStack = fs.numLocals()
	fs.block = b.outer
}

func (fs *FnScope) numLocals() uint8 { return uint8(len(fs.locals)) }

// reserveSlots bumps num_stack by n, erroring if the function has run out
// of the 254 usable register slots.
func (fs *FnScope) reserveSlots(n uint8, line int) (uint8, error) {
	if int(fs.numStack)+int(n) > maxStackSlots {
		return 0, newSyntaxError(fs.fn.ChunkName, line, 0, "too many local variables")
	}
	base := fs.numStack
	fs.numStack += n
	return base, nil
}

// freeSlot gives back a temporary slot only if it is exactly the current
// top and not a named local.
func (fs *FnScope) freeSlot(slot uint8) {
	if slot >= fs.numLocals() && slot == fs.numStack-1 {
		fs.numStack--
	}
}

// defLocal declares name as a new local occupying the next free slot.
func (fs *FnScope) defLocal(name string, line int) (uint8, error) {
	if len(fs.locals) >= maxLocals {
		return 0, newSyntaxError(fs.fn.ChunkName, line, 0, "too many local variables")
	}
	slot, err := fs.reserveSlots(1, line)
	if err != nil {
		return 0, err
	}
	fs.locals = append(fs.locals, localVar{name: name, slot: slot})
	return slot, nil
}

// findVar looks up name among the active locals of fs, innermost (and
// most-recently declared) first; enclosing function scopes are not
// searched. Globals and upvalues are out of scope for this implementation; an unresolved
// name is the caller's problem to report.
func (fs *FnScope) findVar(name string) (slot uint8, ok bool) {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return fs.locals[i].slot, true
		}
	}
	return 0, false
}

// emit appends an instruction tagged with line and returns its pc.
func (fs *FnScope) emit(ins bytecode.Instruction, line int) int {
	return fs.fn.Emit(ins, line)
}

// emitK interns a constant in the function's pool, raising it as a syntax
// error at line (grounded on original_source/src/parser.c's emit_k, which
// turns fn_emit_k's overflow signal into err_syntax at the caller's current
// token rather than a bare runtime fault) if the pool has already reached
// its 16-bit index limit.
func (fs *FnScope) emitK(v value.Value, line int) uint16 {
	idx, ok := fs.fn.EmitK(v)
	if !ok {
		panic(newSyntaxError(fs.fn.ChunkName, line, 0, "too many constants in function"))
	}
	return idx
}

// Parser drives lexer.Lexer tokens through recursive-descent recognition,
// emitting bytecode into the current FnScope as it goes.
type Parser struct {
	lex       *lexer.Lexer
	fs        *FnScope
	chunkName string
}

func newParser(lex *lexer.Lexer, chunkName string) *Parser {
	return &Parser{lex: lex, chunkName: chunkName}
}

func (p *Parser) cur() lexer.Token { return p.lex.Cur() }

func (p *Parser) advance() (lexer.Token, error) { return p.lex.ReadTk() }

func (p *Parser) expect(k lexer.Kind) (lexer.Token, error) { return p.lex.ExpectTk(k) }

func (p *Parser) errorf(format string, args ...any) error {
	tk := p.cur()
	return newSyntaxError(p.chunkName, tk.Line, tk.Col, format, args...)
}

// SyntaxError is the parser's own error value: an errors.Error tagged
// ErrSyntax, so the host state can surface it through the same
// "chunk:line:col: message" formatting used for runtime errors.
type SyntaxError = errors.Error

func newSyntaxError(chunk string, line, col int, format string, args ...any) *SyntaxError {
	return errors.New(errors.ErrSyntax, chunk, line, col, format, args...)
}

// enterFn pushes a new function scope as a child of the parser's current
// one, backed by a freshly created prototype.
func (p *Parser) enterFn(name string, startLine int, isVararg bool) *FnScope {
	fn := value.NewFn(name, p.chunkName, startLine)
	fs := newFnScope(p.fs, fn, isVararg)
	p.fs = fs
	return fs
}

// exitFn seals the current function's prototype and pops back to the
// enclosing scope, returning the sealed prototype.
func (p *Parser) exitFn(endLine int) *value.Fn {
	fs := p.fs
	fs.fn.Seal(endLine, fs.numStack)
	p.fs = fs.outer
	return fs.fn
}
