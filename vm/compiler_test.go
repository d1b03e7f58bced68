package vm

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inst is one decoded bytecode instruction: its starting byte offset,
// its opcode, and its raw operand bytes (meaning depends on op).
type inst struct {
	offset int
	op     OpCode
	arg    []byte
}

// decode walks chunk.code into a flat instruction list, using each
// opcode's known operand width (CLOSURE's width depends on the
// referenced function's upvalueCount, read from chunk.consts).
func decode(chunk *Chunk) []inst {
	code := chunk.code
	var res []inst
	for i := 0; i < len(code); {
		op := OpCode(code[i])
		switch op {
		case OpConst, OpGetLocal, OpSetLocal, OpGetGlobal, OpDefGlobal, OpSetGlobal,
			OpGetUpvalue, OpSetUpvalue, OpCall:
			res = append(res, inst{i, op, []byte{code[i+1]}})
			i += 2
		case OpJump, OpJumpIfFalse, OpLoop:
			res = append(res, inst{i, op, []byte{code[i+1], code[i+2]}})
			i += 3
		case OpClosure:
			constIdx := code[i+1]
			n := 0
			if fn, ok := chunk.consts[constIdx].(*ObjFunction); ok {
				n = fn.UpvalueCount
			}
			arg := make([]byte, 1+2*n)
			copy(arg, code[i+1:i+2+2*n])
			res = append(res, inst{i, op, arg})
			i += 2 + 2*n
		default:
			res = append(res, inst{i, op, nil})
			i++
		}
	}
	return res
}

func ops(insts []inst) []OpCode {
	res := make([]OpCode, len(insts))
	for i, in := range insts {
		res[i] = in.op
	}
	return res
}

// findFunction returns the first *ObjFunction constant in consts whose
// name matches, for digging a nested function's own chunk out of its
// enclosing one.
func findFunction(t *testing.T, consts []Value, name string) *ObjFunction {
	t.Helper()
	for _, c := range consts {
		if fn, ok := c.(*ObjFunction); ok && fn.Name != nil && fn.Name.Chars == name {
			return fn
		}
	}
	t.Fatalf("no function constant named %q in %v", name, consts)
	return nil
}

// assertValidJumpTargets checks the universal invariant that every
// JUMP/JUMP_IF_FALSE/LOOP target lies within [0, len(code)] and, when
// short of the end, lands exactly on the start of some instruction.
func assertValidJumpTargets(t *testing.T, chunk *Chunk) {
	t.Helper()
	code := chunk.code
	starts := map[int]bool{}
	for _, in := range decode(chunk) {
		starts[in.offset] = true
	}
	for _, in := range decode(chunk) {
		switch in.op {
		case OpJump, OpJumpIfFalse:
			off := int(in.arg[0])<<8 | int(in.arg[1])
			target := in.offset + 3 + off
			require.True(t, target >= 0 && target <= len(code), "jump target in range")
			if target != len(code) {
				assert.True(t, starts[target], "forward jump target begins an instruction")
			}
		case OpLoop:
			off := int(in.arg[0])<<8 | int(in.arg[1])
			target := in.offset + 3 - off
			require.True(t, target >= 0 && target < len(code), "loop target in range")
			assert.True(t, starts[target], "loop target begins an instruction")
		}
	}
}

func compileOK(t *testing.T, src string) *ObjFunction {
	t.Helper()
	var diag bytes.Buffer
	p := NewParser()
	p.Reporter = &diag
	fun, err := p.Compile(src, false)
	require.NoError(t, err, "diagnostics: %s", diag.String())
	return fun
}

func compileErr(t *testing.T, src string) (err error, diag string) {
	t.Helper()
	var buf bytes.Buffer
	p := NewParser()
	p.Reporter = &buf
	_, err = p.Compile(src, false)
	require.Error(t, err)
	return err, buf.String()
}

/* ---- spec §8 worked scenarios ---- */

func TestEmitAddPrint(t *testing.T) {
	fun := compileOK(t, "print 1 + 2;")
	insts := decode(fun.Chunk)
	assert.Equal(t, []OpCode{OpConst, OpConst, OpAdd, OpPrint, OpNil, OpReturn}, ops(insts))
	assert.Equal(t, VNum(1), fun.Chunk.consts[insts[0].arg[0]])
	assert.Equal(t, VNum(2), fun.Chunk.consts[insts[1].arg[0]])
	assertValidJumpTargets(t, fun.Chunk)
}

func TestEmitGlobalVar(t *testing.T) {
	fun := compileOK(t, "var x = 10; print x;")
	insts := decode(fun.Chunk)
	assert.Equal(t, []OpCode{OpConst, OpDefGlobal, OpGetGlobal, OpPrint, OpNil, OpReturn}, ops(insts))
	assert.Equal(t, VNum(10), fun.Chunk.consts[insts[0].arg[0]])
	assert.Equal(t, "x", fun.Chunk.consts[insts[1].arg[0]].(*ObjString).Chars)
	assert.Equal(t, "x", fun.Chunk.consts[insts[2].arg[0]].(*ObjString).Chars)
}

func TestEmitNestedBlockScopes(t *testing.T) {
	fun := compileOK(t, "{ var a = 1; { var b = 2; print a + b; } }")
	insts := decode(fun.Chunk)
	assert.Equal(t, []OpCode{
		OpConst, OpConst, OpGetLocal, OpGetLocal, OpAdd, OpPrint, OpPop, OpPop, OpNil, OpReturn,
	}, ops(insts))
	assert.Equal(t, byte(1), insts[2].arg[0], "a resolves to slot 1")
	assert.Equal(t, byte(2), insts[3].arg[0], "b resolves to slot 2")
}

func TestEmitIfElse(t *testing.T) {
	fun := compileOK(t, "if (true) print 1; else print 2;")
	insts := decode(fun.Chunk)
	assert.Equal(t, []OpCode{
		OpTrue, OpJumpIfFalse, OpPop, OpConst, OpPrint, OpJump, OpPop, OpConst, OpPrint, OpNil, OpReturn,
	}, ops(insts))
	assert.Equal(t, VNum(1), fun.Chunk.consts[insts[3].arg[0]])
	assert.Equal(t, VNum(2), fun.Chunk.consts[insts[7].arg[0]])
	assertValidJumpTargets(t, fun.Chunk)
}

func TestEmitClosureCapture(t *testing.T) {
	script := compileOK(t, `
		fun outer() {
			var x = 1;
			fun inner() {
				print x;
			}
			inner();
		}
		outer();
	`)
	outer := findFunction(t, script.Chunk.consts, "outer")
	outerInsts := decode(outer.Chunk)
	assert.Equal(t, []OpCode{
		OpConst, OpClosure, OpGetLocal, OpCall, OpPop, OpCloseUpvalue, OpNil, OpReturn,
	}, ops(outerInsts))
	assert.Equal(t, VNum(1), outer.Chunk.consts[outerInsts[0].arg[0]])
	assert.Equal(t, byte(2), outerInsts[2].arg[0], "inner() is called via local slot 2")
	assert.Equal(t, byte(0), outerInsts[3].arg[0], "no arguments")

	closureArg := outerInsts[1].arg
	require.Len(t, closureArg, 1+2, "CLOSURE's own byte plus one upvalue descriptor pair")
	assert.Equal(t, byte(1), closureArg[1], "isLocal")
	assert.Equal(t, byte(1), closureArg[2], "captures outer's local slot 1 (x)")

	inner, ok := outer.Chunk.consts[closureArg[0]].(*ObjFunction)
	require.True(t, ok)
	innerInsts := decode(inner.Chunk)
	assert.Equal(t, []OpCode{OpGetUpvalue, OpPrint, OpNil, OpReturn}, ops(innerInsts))
	assert.Equal(t, byte(0), innerInsts[0].arg[0])

	assertValidJumpTargets(t, script.Chunk)
	assertValidJumpTargets(t, outer.Chunk)
	assertValidJumpTargets(t, inner.Chunk)
}

func TestSelfReferenceInInitializer(t *testing.T) {
	compileOK(t, "var a = a;")

	_, diag := compileErr(t, "{ var a = a; }")
	assert.Contains(t, diag, "Cannot read a variable within its own initializer.")
}

/* ---- boundary cases (spec §8 round-trip / boundary) ---- */

func TestExactly256ConstantsCompile(t *testing.T) {
	var src strings.Builder
	for i := 0; i < 256; i++ {
		fmt.Fprintf(&src, "%d;\n", i)
	}
	fun := compileOK(t, src.String())
	assert.Len(t, fun.Chunk.consts, 256)
}

func TestTooManyConstants(t *testing.T) {
	var src strings.Builder
	for i := 0; i < 257; i++ {
		fmt.Fprintf(&src, "%d;\n", i)
	}
	_, diag := compileErr(t, src.String())
	assert.Contains(t, diag, "Too many constants in one chunk.")
}

func TestExactly256LocalsCompile(t *testing.T) {
	var src strings.Builder
	src.WriteString("fun f() {\n")
	for i := 0; i < 255; i++ {
		fmt.Fprintf(&src, "var v%d = %d;\n", i, i)
	}
	src.WriteString("}\n")
	compileOK(t, src.String())
}

func TestTooManyLocals(t *testing.T) {
	var src strings.Builder
	src.WriteString("fun f() {\n")
	for i := 0; i < 256; i++ {
		fmt.Fprintf(&src, "var v%d = %d;\n", i, i)
	}
	src.WriteString("}\n")
	_, diag := compileErr(t, src.String())
	assert.Contains(t, diag, "Too many local variables in function.")
}

func TestJumpTooLarge(t *testing.T) {
	var diag bytes.Buffer
	p := NewParser()
	p.Reporter = &diag
	p.resetFor("")

	offset := p.emitJump(OpJump)
	p.currChunk().code = append(p.currChunk().code, make([]byte, math.MaxUint16+1)...)
	p.patchJump(offset)

	assert.Contains(t, diag.String(), "Too much code to jump over.")
}

func TestLoopBodyTooLarge(t *testing.T) {
	var diag bytes.Buffer
	p := NewParser()
	p.Reporter = &diag
	p.resetFor("")

	start := len(p.currChunk().code)
	p.currChunk().code = append(p.currChunk().code, make([]byte, math.MaxUint16+1)...)
	p.emitLoop(start)

	assert.Contains(t, diag.String(), "Loop body too large.")
}

func TestTooManyUpvalues(t *testing.T) {
	// A single function's own locals cap at 256 (spec §3), so no one
	// frame can directly supply 257 distinct captures. Instead nest
	// three frames: grandparent and parent each declare 130 locals
	// (well under the per-frame cap), and innermost references all 260
	// of them — 130 direct captures of parent's own locals plus 130
	// transitive captures of grandparent's, forwarded through parent's
	// own upvalue table — overflowing innermost's upvalue table alone.
	const n = 130
	var src strings.Builder
	src.WriteString("fun grandparent() {\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&src, "var g%d = %d;\n", i, i)
	}
	src.WriteString("fun parent() {\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&src, "var p%d = %d;\n", i, i)
	}
	src.WriteString("fun innermost() {\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&src, "print g%d;\n", i)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&src, "print p%d;\n", i)
	}
	src.WriteString("}\ninnermost();\n}\nparent();\n}\ngrandparent();\n")

	_, diag := compileErr(t, src.String())
	assert.Contains(t, diag, "Too many closure variables within a function.")
}

/* ---- idempotence (spec §8 universal invariant) ---- */

func TestCompileIsIdempotent(t *testing.T) {
	src := "fun add(a, b) { return a + b; } print add(1, 2);"
	first := compileOK(t, src)
	second := compileOK(t, src)
	assert.Equal(t, first.Chunk.code, second.Chunk.code)
	assert.Equal(t, first.Chunk.lines, second.Chunk.lines)
}

func TestChunkEndsInReturnAndLinesMatchCode(t *testing.T) {
	fun := compileOK(t, "var x = 1; print x; { var y = 2; print y; }")
	chunk := fun.Chunk
	require.NotEmpty(t, chunk.code)
	assert.Equal(t, OpReturn, OpCode(chunk.code[len(chunk.code)-1]))
	assert.Len(t, chunk.lines, len(chunk.code))
}
