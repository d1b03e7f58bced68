package vm

import (
	"fmt"

	"github.com/loxscript/loxc/debug"
)

//go:generate stringer -type=OpCode
type OpCode byte

const (
	OpReturn OpCode = iota
	OpConst
	OpNil
	OpTrue
	OpFalse
	OpPop
	OpGetLocal
	OpSetLocal
	OpGetGlobal
	OpDefGlobal
	OpSetGlobal
	OpGetUpvalue
	OpSetUpvalue
	OpEqual
	OpGreater
	OpLess
	OpNot
	OpNeg
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpPrint
	OpJump
	OpJumpIfFalse
	OpLoop
	OpCall
	OpClosure
	OpCloseUpvalue
)

// Chunk is an append-only bytecode buffer: a byte stream, a parallel
// line-number table (contract: len(lines) == len(code)), and a constant
// pool. It is owned by the ObjFunction being compiled and never
// truncated or deduplicated during compilation.
type Chunk struct {
	code []byte
	// Contract: len(lines) == len(code)
	lines  []int
	consts []Value
}

func NewChunk() *Chunk { return &Chunk{} }

func (c *Chunk) Write(b byte, line int) {
	c.code = append(c.code, b)
	c.lines = append(c.lines, line)
	debug.AssertEq(len(c.code), len(c.lines))
}

func (c *Chunk) AddConst(const_ Value) (idx int) {
	idx = len(c.consts)
	c.consts = append(c.consts, const_)
	return
}

// DisassembleInst renders the instruction at offset for debug logging
// only (spec Purpose: disassembly is out of scope as a deliverable).
func (c *Chunk) DisassembleInst(offset int) (res string, newOffset int) {
	sprintf := func(format string, a ...any) { res += fmt.Sprintf(format, a...) }

	sprintf("%04d ", offset)
	if offset > 0 && c.lines[offset] == c.lines[offset-1] {
		sprintf("   | ")
	} else {
		sprintf("%4d ", c.lines[offset])
	}

	switch inst := OpCode(c.code[offset]); inst {
	case OpConst, OpGetGlobal, OpDefGlobal, OpSetGlobal:
		const_ := c.code[offset+1]
		sprintf("%-16s %4d '%s'", inst, const_, c.consts[const_])
		return res, offset + 2
	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall:
		arg := c.code[offset+1]
		sprintf("%-16s %4d", inst, arg)
		return res, offset + 2
	case OpJump, OpJumpIfFalse, OpLoop:
		jump := int(c.code[offset+1])<<8 | int(c.code[offset+2])
		sign := 1
		if inst == OpLoop {
			sign = -1
		}
		sprintf("%-16s %4d -> %d", inst, offset, offset+3+sign*jump)
		return res, offset + 3
	case OpClosure:
		const_ := c.code[offset+1]
		sprintf("%-16s %4d '%s'", inst, const_, c.consts[const_])
		newOffset = offset + 2
		if fun, ok := c.consts[const_].(*ObjFunction); ok {
			for i := 0; i < fun.UpvalueCount; i++ {
				isLocal, index := c.code[newOffset], c.code[newOffset+1]
				kind := "upvalue"
				if isLocal != 0 {
					kind = "local"
				}
				sprintf("\n%04d      |                     %s %d", newOffset, kind, index)
				newOffset += 2
			}
		}
		return res, newOffset
	default:
		sprintf("%s", inst)
		return res, offset + 1
	}
}

func (c *Chunk) Disassemble(name string) (res string) {
	res = fmt.Sprintf("== %s ==\n", name)
	for i := 0; i < len(c.code); {
		var delta string
		delta, i = c.DisassembleInst(i)
		res += delta + "\n"
	}
	return res
}
