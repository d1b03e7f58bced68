package vm

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/loxscript/loxc/debug"
	e "github.com/loxscript/loxc/errors"
	"github.com/loxscript/loxc/utils"
	"github.com/sirupsen/logrus"
)

// Parser holds the two-token lookahead window and error-recovery state
// for one compile call. It owns the Scanner and the Compiler frame
// stack, so distinct Parsers compile independently (spec §5).
type Parser struct {
	*Scanner
	*Compiler
	prev, curr Token

	strings *Strings

	// Reporter receives one formatted diagnostic line per reported
	// error, in the exact "[line N] Error ...: message" shape spec §6
	// mandates. Defaults to os.Stderr; tests may swap in a buffer.
	Reporter io.Writer

	errors *multierror.Error
	// panicMode suppresses cascading diagnostics until synchronize runs.
	panicMode bool
}

func NewParser() *Parser { return &Parser{Reporter: os.Stderr} }

// FunType is a Compiler frame's lexical kind: the top-level script, or a
// user-defined function body.
type FunType int

//go:generate stringer -type=FunType
const (
	FTFunction FunType = iota
	FTScript
)

// Local is a variable resident in a fixed slot of the current frame.
// depth == Uninit marks a declared-but-not-yet-initialized slot.
type Local struct {
	name       Token
	depth      int
	isCaptured bool
}

const Uninit = -1

// Upvalue is a per-frame descriptor: isLocal true means index names a
// local slot in the immediately enclosing frame; false means index
// names an upvalue slot in that frame (transitive capture).
type Upvalue struct {
	index   byte
	isLocal bool
}

type loop struct {
	// start is the bytecode offset `continue` loops back to; for a
	// `for` with an increment clause this is redirected mid-parse to
	// the increment's start once it is known.
	start    int
	endHoles []int
}

// Compiler is one function's compilation frame: the Function under
// construction, its locals/upvalues tables, and the active loop stack
// (reset per frame, so break/continue never cross a function boundary).
type Compiler struct {
	enclosing *Compiler
	fun       *ObjFunction
	funType   FunType
	locals    []Local
	upvalues  []Upvalue
	depth     int
	loops     []*loop
}

func NewCompiler(enclosing *Compiler, funType FunType) *Compiler {
	return &Compiler{
		enclosing: enclosing,
		fun:       NewFunction(),
		funType:   funType,
		// Reserve slot 0 for the receiver placeholder.
		locals: []Local{{}},
	}
}

// wrapCompiler replaces the Compiler with a new frame nested inside the
// current one (the current frame becomes its enclosing frame), naming
// the Function after the just-parsed identifier.
func (p *Parser) wrapCompiler(funType FunType) {
	next := NewCompiler(p.Compiler, funType)
	if funType != FTScript {
		next.fun.Name = p.strings.Copy(p.prev.String())
	}
	p.Compiler = next
}

/* ---- single-pass compilation: expression handlers ---- */

func (p *Parser) emitConst(val Value) { p.emitBytes(byte(OpConst), p.makeConst(val)) }

func (p *Parser) makeConst(val Value) byte {
	idx := p.currChunk().AddConst(val)
	if idx > math.MaxUint8 {
		p.Error("Too many constants in one chunk.")
		return 0
	}
	return byte(idx)
}

func (p *Parser) num(_canAssign bool) {
	val, err := strconv.ParseFloat(p.prev.String(), 64)
	if err != nil {
		p.Error("Expected expression.")
		return
	}
	p.emitConst(VNum(val))
}

func (p *Parser) grouping(_canAssign bool) {
	p.expr()
	p.consume(TRParen, "Expected ')' after expression.")
}

func (p *Parser) lit(_canAssign bool) {
	switch p.prev.Type {
	case TFalse:
		p.emitBytes(byte(OpFalse))
	case TNil:
		p.emitBytes(byte(OpNil))
	case TTrue:
		p.emitBytes(byte(OpTrue))
	default:
		panic(e.UnreachableError)
	}
}

func (p *Parser) str(_canAssign bool) {
	runes := p.prev.Runes
	// The interior of the quoted span, excluding both quote marks.
	unquoted := string(runes[1 : len(runes)-1])
	p.emitConst(p.strings.Copy(unquoted))
}

func (p *Parser) var_(canAssign bool) { p.namedVar(p.prev, canAssign) }

func (p *Parser) namedVar(name Token, canAssign bool) {
	var arg byte
	var get, set OpCode

	switch {
	case p.resolveLocal(p.Compiler, name) != Uninit:
		slot := p.resolveLocal(p.Compiler, name)
		arg, get, set = byte(slot), OpGetLocal, OpSetLocal
	case p.resolveUpvalue(p.Compiler, name) != Uninit:
		slot := p.resolveUpvalue(p.Compiler, name)
		arg, get, set = byte(slot), OpGetUpvalue, OpSetUpvalue
	default:
		arg, get, set = p.identConst(&name), OpGetGlobal, OpSetGlobal
	}

	switch {
	case canAssign && p.match(TEqual):
		p.expr()
		p.emitBytes(byte(set), arg)
	default:
		p.emitBytes(byte(get), arg)
	}
}

func (p *Parser) unary(_canAssign bool) {
	op := p.prev.Type
	p.parsePrec(PrecUnary)
	switch op {
	case TBang:
		p.emitBytes(byte(OpNot))
	case TMinus:
		p.emitBytes(byte(OpNeg))
	default:
		panic(e.UnreachableError)
	}
}

func (p *Parser) binary(_canAssign bool) {
	op := p.prev.Type
	rule := parseRules[op]
	p.parsePrec(rule.Prec + 1)

	switch op {
	case TBangEqual:
		p.emitBytes(byte(OpEqual), byte(OpNot))
	case TEqualEqual:
		p.emitBytes(byte(OpEqual))
	case TGreater:
		p.emitBytes(byte(OpGreater))
	case TGreaterEqual:
		p.emitBytes(byte(OpLess), byte(OpNot))
	case TLess:
		p.emitBytes(byte(OpLess))
	case TLessEqual:
		p.emitBytes(byte(OpGreater), byte(OpNot))
	case TPlus:
		p.emitBytes(byte(OpAdd))
	case TMinus:
		p.emitBytes(byte(OpSub))
	case TStar:
		p.emitBytes(byte(OpMul))
	case TSlash:
		p.emitBytes(byte(OpDiv))
	default:
		panic(e.UnreachableError)
	}
}

func (p *Parser) and(_canAssign bool) {
	endJump := p.emitJump(OpJumpIfFalse)
	p.emitBytes(byte(OpPop))
	p.parsePrec(PrecAnd)
	p.patchJump(endJump)
}

func (p *Parser) or(_canAssign bool) {
	elseJump := p.emitJump(OpJumpIfFalse)
	endJump := p.emitJump(OpJump)
	p.patchJump(elseJump)
	p.emitBytes(byte(OpPop))
	p.parsePrec(PrecOr)
	p.patchJump(endJump)
}

func (p *Parser) call(_canAssign bool) {
	argCount := p.argList()
	p.emitBytes(byte(OpCall), byte(argCount))
}

func (p *Parser) argList() (argCount int) {
	if !p.check(TRParen) {
		for {
			p.expr()
			if argCount++; argCount > math.MaxUint8 {
				p.Error("Cannot have more than 255 arguments.")
			}
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "Expected ')' after arguments.")
	return
}

func (p *Parser) expr() { p.parsePrec(PrecAssign) }

/* ---- statements & declarations ---- */

func (p *Parser) exprStmt() {
	p.expr()
	p.consume(TSemi, "Expected ';' after expression.")
	p.emitBytes(byte(OpPop))
}

func (p *Parser) printStmt() {
	p.expr()
	p.consume(TSemi, "Expected ';' after value.")
	p.emitBytes(byte(OpPrint))
}

func (p *Parser) block() {
	for !p.check(TRBrace) && !p.check(TEOF) {
		p.decl()
	}
	p.consume(TRBrace, "Expected '}' after block.")
}

func (p *Parser) ifStmt() {
	p.consume(TLParen, "Expected '(' after 'if'.")
	p.expr()
	p.consume(TRParen, "Expected ')' after condition.")

	thenJump := p.emitJump(OpJumpIfFalse)
	p.emitBytes(byte(OpPop))
	p.stmt()

	elseJump := p.emitJump(OpJump)
	p.patchJump(thenJump)

	p.emitBytes(byte(OpPop))
	if p.match(TElse) {
		p.stmt()
	}
	p.patchJump(elseJump)
}

func (p *Parser) whileStmt() {
	lp := p.beginLoop()
	p.consume(TLParen, "Expected '(' after 'while'.")
	p.expr()
	p.consume(TRParen, "Expected ')' after condition.")

	exitJump := p.emitJump(OpJumpIfFalse)
	p.emitBytes(byte(OpPop))
	p.stmt()
	p.emitLoop(lp.start)

	p.patchJump(exitJump)
	p.emitBytes(byte(OpPop))
	p.endLoop()
}

func (p *Parser) forStmt() {
	p.beginScope()
	defer p.endScope()

	p.consume(TLParen, "Expected '(' after 'for'.")
	switch {
	case p.match(TSemi):
		// Empty initializer clause.
	case p.match(TVar):
		p.varDecl()
	default:
		p.exprStmt()
	}

	lp := p.beginLoop()
	exitJump := Uninit
	if !p.match(TSemi) {
		p.expr()
		p.consume(TSemi, "Expected ';' after loop condition.")
		exitJump = p.emitJump(OpJumpIfFalse)
		p.emitBytes(byte(OpPop))
	}

	if !p.match(TRParen) {
		bodyJump := p.emitJump(OpJump)
		incrStart := len(p.currChunk().code)
		p.expr()
		p.emitBytes(byte(OpPop))
		p.consume(TRParen, "Expected ')' after for clauses.")

		p.emitLoop(lp.start)
		lp.start = incrStart
		p.patchJump(bodyJump)
	}

	p.stmt()
	p.emitLoop(lp.start)

	if exitJump != Uninit {
		p.patchJump(exitJump)
		p.emitBytes(byte(OpPop))
	}
	p.endLoop()
}

func (p *Parser) breakStmt() {
	p.consume(TSemi, "Expected ';' after 'break'.")
	hole := p.emitJump(OpJump)
	lp := p.currentLoop()
	lp.endHoles = append(lp.endHoles, hole)
}

func (p *Parser) continueStmt() {
	p.consume(TSemi, "Expected ';' after 'continue'.")
	p.emitLoop(p.currentLoop().start)
}

func (p *Parser) returnStmt() {
	if p.Compiler.funType == FTScript {
		p.Error("Cannot return from top-level code.")
	}
	if p.match(TSemi) {
		p.emitReturn()
		return
	}
	p.expr()
	p.consume(TSemi, "Expected ';' after return value.")
	p.emitBytes(byte(OpReturn))
}

func (p *Parser) stmt() {
	switch {
	case p.match(TBreak):
		if !p.isInLoop() {
			p.Error("Expected 'break' inside a loop.")
			return
		}
		p.breakStmt()
	case p.match(TContinue):
		if !p.isInLoop() {
			p.Error("Expected 'continue' inside a loop.")
			return
		}
		p.continueStmt()
	case p.match(TPrint):
		p.printStmt()
	case p.match(TFor):
		p.forStmt()
	case p.match(TIf):
		p.ifStmt()
	case p.match(TReturn):
		p.returnStmt()
	case p.match(TWhile):
		p.whileStmt()
	case p.match(TLBrace):
		p.beginScope()
		p.block()
		p.endScope()
	default:
		p.exprStmt()
	}
}

func (p *Parser) function(funType FunType) {
	p.wrapCompiler(funType)
	p.beginScope()

	p.consume(TLParen, "Expected '(' after function name.")
	if !p.check(TRParen) {
		for {
			if p.Compiler.fun.Arity++; p.Compiler.fun.Arity > math.MaxUint8 {
				p.ErrorAtCurr("Cannot have more than 255 parameters.")
			}
			param := p.parseVariable("Expected parameter name.")
			p.defVar(param)
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "Expected ')' after parameters.")
	p.consume(TLBrace, "Expected '{' before function body.")
	p.block()

	// The function's own outermost scope never runs endScope's
	// depth/POP bookkeeping — the whole frame is discarded by
	// endCompiler — but any local captured by a nested closure still
	// needs its upvalue hoisted off the stack before the frame goes
	// away, so close those (and only those) explicitly.
	p.closeCapturedLocals()
	fun, upvalues := p.endCompiler()
	p.emitBytes(byte(OpClosure), p.makeConst(fun))
	for _, uv := range upvalues {
		p.emitBytes(utils.BoolToInt[byte](uv.isLocal), uv.index)
	}
}

func (p *Parser) funDecl() {
	global := p.parseVariable("Expected function name.")
	// Mark initialized before compiling the body so the function can
	// recurse by name.
	p.markInit()
	p.function(FTFunction)
	p.defVar(global)
}

func (p *Parser) varDecl() {
	global := p.parseVariable("Expected variable name.")
	switch {
	case p.match(TEqual):
		p.expr()
	default:
		p.emitBytes(byte(OpNil))
	}
	p.consume(TSemi, "Expected ';' after variable declaration.")
	p.defVar(global)
}

func (p *Parser) decl() {
	switch {
	case p.match(TFun):
		p.funDecl()
	case p.match(TVar):
		p.varDecl()
	default:
		p.stmt()
	}
	if p.panicMode {
		p.synchronize()
	}
}

/* ---- Pratt dispatch ---- */

type ParseFn = func(p *Parser, canAssign bool)

type ParseRule struct {
	Prefix, Infix ParseFn
	Prec
}

var parseRules []ParseRule

func init() {
	parseRules = make([]ParseRule, TEOF+1)
	parseRules[TLParen] = ParseRule{(*Parser).grouping, (*Parser).call, PrecCall}
	parseRules[TMinus] = ParseRule{(*Parser).unary, (*Parser).binary, PrecTerm}
	parseRules[TPlus] = ParseRule{nil, (*Parser).binary, PrecTerm}
	parseRules[TSlash] = ParseRule{nil, (*Parser).binary, PrecFactor}
	parseRules[TStar] = ParseRule{nil, (*Parser).binary, PrecFactor}
	parseRules[TBang] = ParseRule{(*Parser).unary, nil, PrecNone}
	parseRules[TBangEqual] = ParseRule{nil, (*Parser).binary, PrecEqual}
	parseRules[TEqualEqual] = ParseRule{nil, (*Parser).binary, PrecEqual}
	parseRules[TGreater] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TGreaterEqual] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TLess] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TLessEqual] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TIdent] = ParseRule{(*Parser).var_, nil, PrecNone}
	parseRules[TStr] = ParseRule{(*Parser).str, nil, PrecNone}
	parseRules[TNum] = ParseRule{(*Parser).num, nil, PrecNone}
	parseRules[TAnd] = ParseRule{nil, (*Parser).and, PrecAnd}
	parseRules[TFalse] = ParseRule{(*Parser).lit, nil, PrecNone}
	parseRules[TNil] = ParseRule{(*Parser).lit, nil, PrecNone}
	parseRules[TOr] = ParseRule{nil, (*Parser).or, PrecOr}
	parseRules[TTrue] = ParseRule{(*Parser).lit, nil, PrecNone}
	parseRules[TEOF] = ParseRule{}
}

func (p *Parser) parsePrec(prec Prec) {
	p.advance()

	prefix := parseRules[p.prev.Type].Prefix
	if prefix == nil {
		p.Error("Expected expression.")
		return
	}
	canAssign := prec <= PrecAssign
	prefix(p, canAssign)

	for prec <= parseRules[p.curr.Type].Prec {
		p.advance()
		infix := parseRules[p.prev.Type].Infix
		if infix == nil {
			panic(e.UnreachableError)
		}
		infix(p, canAssign)
	}

	if canAssign && p.match(TEqual) {
		p.Error("Invalid assignment target.")
	}
}

/* ---- parsing helpers ---- */

func (p *Parser) check(ty TokenType) bool     { return p.curr.Type == ty }
func (p *Parser) checkPrev(ty TokenType) bool { return p.prev.Type == ty }

func (p *Parser) advance() {
	p.prev = p.curr
	for {
		p.curr = p.ScanToken()
		if !p.check(TErr) {
			break
		}
		p.ErrorAtCurr(p.curr.String())
	}
}

func (p *Parser) match(ty TokenType) bool {
	if !p.check(ty) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) consume(ty TokenType, errMsg string) *Token {
	if !p.check(ty) {
		p.ErrorAtCurr(errMsg)
		return nil
	}
	p.advance()
	return &p.prev
}

/* ---- compiling helpers ---- */

// Compile compiles src into a root Function. When isREPL is true and
// parsing the source as a sequence of declarations fails, it is retried
// as a single bare expression, so an interactive line like "1 + 2"
// (no trailing ';') still produces a value rather than nil.
func (p *Parser) Compile(src string, isREPL bool) (res *ObjFunction, err error) {
	res, err = p.compileWithRule(src, func(p *Parser) {
		for !p.match(TEOF) {
			p.decl()
		}
	})
	if isREPL && err != nil {
		declsErr := err
		res, err = p.compileExpr(src)
		if err != nil {
			err = fmt.Errorf("%w\ncaused by:\n%w", declsErr, err)
		}
	}
	return
}

func (p *Parser) compileWithRule(src string, rule func(*Parser)) (res *ObjFunction, err error) {
	p.resetFor(src)
	rule(p)
	fun, _ := p.endCompiler()
	if err = p.errors.ErrorOrNil(); err != nil {
		return nil, err
	}
	return fun, nil
}

// compileExpr compiles src as a single bare expression whose value
// becomes the chunk's return value directly, instead of the implicit
// "return nil" every declaration sequence and function body falls
// through to. Used only by the REPL retry path.
func (p *Parser) compileExpr(src string) (res *ObjFunction, err error) {
	p.resetFor(src)
	p.expr()
	p.match(TSemi)
	p.emitBytes(byte(OpReturn))
	fun, _ := p.finishCompiler()
	if err = p.errors.ErrorOrNil(); err != nil {
		return nil, err
	}
	return fun, nil
}

func (p *Parser) resetFor(src string) {
	p.wrapCompiler(FTScript)
	p.Scanner = NewScanner(src)
	p.strings = NewStrings()
	p.errors = nil
	p.panicMode = false
	p.advance()
}

func (p *Parser) currChunk() *Chunk { return p.Compiler.fun.Chunk }

func (p *Parser) emitBytes(bs ...byte) {
	for _, b := range bs {
		p.currChunk().Write(b, p.prev.Line)
	}
}

func (p *Parser) emitReturn() { p.emitBytes(byte(OpNil), byte(OpReturn)) }

// endCompiler closes the current frame with the implicit "return nil"
// every declaration sequence and function body falls through to.
func (p *Parser) endCompiler() (fun *ObjFunction, upvalues []Upvalue) {
	p.emitReturn()
	return p.finishCompiler()
}

// finishCompiler pops the current frame without emitting anything,
// leaving the caller responsible for however the chunk should end.
func (p *Parser) finishCompiler() (fun *ObjFunction, upvalues []Upvalue) {
	fun, upvalues = p.Compiler.fun, p.Compiler.upvalues
	if debug.DEBUG {
		logrus.Debugln(p.currChunk().Disassemble(fun.String()))
	}
	p.Compiler = p.Compiler.enclosing
	return
}

func (p *Parser) identConst(name *Token) byte { return p.makeConst(p.strings.Copy(name.String())) }

func (p *Parser) markInit() {
	if p.Compiler.depth == 0 {
		return
	}
	p.Compiler.locals[len(p.Compiler.locals)-1].depth = p.Compiler.depth
}

// defVar emits DEFINE_GLOBAL for a global, or marks a local initialized.
// global is nil for a local (parseVariable returns no index for one) and
// when the preceding parseVariable call failed; in both cases no
// DEFINE_GLOBAL is emitted.
func (p *Parser) defVar(global *byte) {
	if global == nil || p.Compiler.depth > 0 {
		p.markInit()
		return
	}
	p.emitBytes(byte(OpDefGlobal), *global)
}

// parseVariable consumes an identifier, declares it, and — for globals
// only — returns its constant-pool index. Locals are never resolved by
// name at runtime, so nil is returned for them.
func (p *Parser) parseVariable(errMsg string) *byte {
	target := p.consume(TIdent, errMsg)
	if target == nil {
		return nil
	}
	p.declVar()
	if p.Compiler.depth > 0 {
		return nil
	}
	idx := p.identConst(target)
	return &idx
}

func (p *Parser) declVar() {
	if p.Compiler.depth == 0 {
		return
	}
	name := p.prev
	for i := len(p.Compiler.locals) - 1; i >= 0; i-- {
		local := p.Compiler.locals[i]
		if local.depth != Uninit && local.depth < p.Compiler.depth {
			break
		}
		if name.Eq(local.name) {
			p.Error("Already a variable with this name in this scope.")
		}
	}
	p.addLocal(name)
}

func (p *Parser) addLocal(name Token) {
	if len(p.Compiler.locals) >= math.MaxUint8+1 {
		p.Error("Too many local variables in function.")
		return
	}
	p.Compiler.locals = append(p.Compiler.locals, Local{name: name, depth: Uninit})
}

func (p *Parser) beginLoop() *loop {
	lp := &loop{start: len(p.currChunk().code)}
	p.Compiler.loops = append(p.Compiler.loops, lp)
	return lp
}

func (p *Parser) endLoop() {
	loops := p.Compiler.loops
	lp := loops[len(loops)-1]
	p.Compiler.loops = loops[:len(loops)-1]
	for _, hole := range lp.endHoles {
		p.patchJump(hole)
	}
}

func (p *Parser) isInLoop() bool { return len(p.Compiler.loops) > 0 }

func (p *Parser) currentLoop() *loop {
	loops := p.Compiler.loops
	return loops[len(loops)-1]
}

// closeCapturedLocals emits CLOSE_UPVALUE for every local in the
// current frame (skipping the reserved slot 0) that some nested
// closure captured, in reverse declaration order. Called once at
// function-body end, in place of the endScope a top-level block would
// otherwise run: uncaptured locals need no instruction at all since
// the whole frame (and its stack window) is about to be discarded.
func (p *Parser) closeCapturedLocals() {
	locals := p.Compiler.locals
	for i := len(locals) - 1; i >= 1; i-- {
		if locals[i].isCaptured {
			p.emitBytes(byte(OpCloseUpvalue))
		}
	}
}

func (p *Parser) beginScope() { p.Compiler.depth++ }

func (p *Parser) endScope() {
	p.Compiler.depth--
	locals := p.Compiler.locals
	for len(locals) > 0 && locals[len(locals)-1].depth > p.Compiler.depth {
		if locals[len(locals)-1].isCaptured {
			p.emitBytes(byte(OpCloseUpvalue))
		} else {
			p.emitBytes(byte(OpPop))
		}
		locals = locals[:len(locals)-1]
	}
	p.Compiler.locals = locals
}

// resolveLocal searches c's locals top-down for name, returning its slot
// or Uninit if c has no such local (the caller then tries an upvalue,
// then a global).
func (p *Parser) resolveLocal(c *Compiler, name Token) int {
	for i := len(c.locals) - 1; i >= 0; i-- {
		local := c.locals[i]
		if name.Eq(local.name) {
			if local.depth == Uninit {
				p.Error("Cannot read a variable within its own initializer.")
			}
			return i
		}
	}
	return Uninit
}

// resolveUpvalue recurses into enclosing frames. A hit on an enclosing
// local marks that local captured and installs a local-kind upvalue
// descriptor; a hit on an enclosing upvalue installs a transitive
// (non-local) descriptor in every frame along the way.
func (p *Parser) resolveUpvalue(c *Compiler, name Token) int {
	if c.enclosing == nil {
		return Uninit
	}
	if local := p.resolveLocal(c.enclosing, name); local != Uninit {
		c.enclosing.locals[local].isCaptured = true
		return p.addUpvalue(c, byte(local), true)
	}
	if up := p.resolveUpvalue(c.enclosing, name); up != Uninit {
		return p.addUpvalue(c, byte(up), false)
	}
	return Uninit
}

func (p *Parser) addUpvalue(c *Compiler, index byte, isLocal bool) int {
	for i, uv := range c.upvalues {
		if uv.index == index && uv.isLocal == isLocal {
			return i
		}
	}
	if len(c.upvalues) >= math.MaxUint8+1 {
		p.Error("Too many closure variables within a function.")
		return 0
	}
	c.upvalues = append(c.upvalues, Upvalue{index: index, isLocal: isLocal})
	c.fun.UpvalueCount++
	return len(c.upvalues) - 1
}

func (p *Parser) emitJump(inst OpCode) (offset int) {
	p.emitBytes(byte(inst), 0xff, 0xff)
	return len(p.currChunk().code) - 2
}

func (p *Parser) patchJump(offset int) {
	code := p.currChunk().code
	jump := len(code) - (offset + 2)
	if jump > math.MaxUint16 {
		p.Error("Too much code to jump over.")
		return
	}
	code[offset], code[offset+1] = byte(jump>>8&0xff), byte(jump&0xff)
}

func (p *Parser) emitLoop(start int) {
	p.emitBytes(byte(OpLoop))
	code := p.currChunk().code
	backJump := len(code) + 2 - start
	if backJump > math.MaxUint16 {
		p.Error("Loop body too large.")
		return
	}
	p.emitBytes(byte(backJump>>8&0xff), byte(backJump&0xff))
}

/* ---- precedence ---- */

//go:generate stringer -type=Prec
type Prec int

const (
	PrecNone   Prec = iota
	PrecAssign      // =
	PrecOr          // or
	PrecAnd         // and
	PrecEqual       // == !=
	PrecComp        // < > <= >=
	PrecTerm        // + -
	PrecFactor      // * /
	PrecUnary       // ! -
	PrecCall        // . ()
	PrecPrimary
)

/* ---- error handling ---- */

func (p *Parser) synchronize() {
	p.panicMode = false
	for !p.check(TEOF) {
		if p.checkPrev(TSemi) {
			return
		}
		switch p.curr.Type {
		case TClass, TFun, TVar, TFor, TIf, TWhile, TPrint, TReturn:
			return
		default:
			p.advance()
		}
	}
}

func (p *Parser) ErrorAt(tk Token, reason string) {
	if p.panicMode {
		return
	}
	p.panicMode = true

	line := fmt.Sprintf("[line %d] Error", tk.Line)
	switch tk.Type {
	case TEOF:
		line += " at end"
	case TErr:
		// The token's lexeme IS the error message; no "at" clause.
	default:
		line += fmt.Sprintf(" at '%s'", tk.String())
	}
	line += fmt.Sprintf(": %s", reason)
	if p.Reporter != nil {
		fmt.Fprintln(p.Reporter, line)
	}

	p.errors = multierror.Append(p.errors, &e.CompilationError{Line: tk.Line, Reason: reason})
}

func (p *Parser) Error(reason string)       { p.ErrorAt(p.prev, reason) }
func (p *Parser) ErrorAtCurr(reason string) { p.ErrorAt(p.curr, reason) }
func (p *Parser) HadError() bool            { return p.errors != nil }
