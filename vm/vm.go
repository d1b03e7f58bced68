package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/loxscript/loxc/debug"
	e "github.com/loxscript/loxc/errors"
	"github.com/loxscript/loxc/utils"
	"github.com/sirupsen/logrus"
)

// framesMax bounds call depth (deep enough for man-or-boy with k = 10,
// which reaches 1025 frames); stackMax follows clox's convention of
// one 256-slot window per frame.
const (
	framesMax = 2048
	stackMax  = framesMax * 256
)

// callFrame is one active call's view into the shared value stack: its
// closure, its instruction pointer into that closure's chunk, and the
// stack index its local slot 0 (the closure itself) sits at.
type callFrame struct {
	closure *ObjClosure
	ip      int
	base    int
}

func (f *callFrame) line() int {
	lines := f.closure.Fun.Chunk.lines
	if f.ip == 0 || f.ip > len(lines) {
		return -1
	}
	return lines[f.ip-1]
}

// VM executes exactly the opcode set the compiler emits. It is ambient
// infrastructure built to exercise the compiler end-to-end (spec
// Purpose: the VM loop itself is out of scope as a deliverable).
type VM struct {
	frames     [framesMax]callFrame
	frameCount int

	stack [stackMax]Value
	sp    int

	globals      map[string]Value
	openUpvalues *ObjUpvalue

	// Stdout receives PRINT output; defaults to os.Stdout.
	Stdout io.Writer
}

func NewVM() *VM {
	return &VM{globals: map[string]Value{}, Stdout: os.Stdout}
}

func (vm *VM) push(val Value) {
	vm.stack[vm.sp] = val
	vm.sp++
}

func (vm *VM) pop() (last Value) {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek(distance int) Value { return vm.stack[vm.sp-1-distance] }

func (vm *VM) frame() *callFrame { return &vm.frames[vm.frameCount-1] }

// Interpret compiles and runs src, returning the value its top-level
// expression evaluated to (nil for a plain declaration sequence, or the
// bare expression's value when isREPL's fallback parse kicked in).
func (vm *VM) Interpret(src string, isREPL bool) (Value, error) {
	parser := NewParser()
	fun, err := parser.Compile(src, isREPL)
	if err != nil {
		return nil, err
	}

	closure := NewClosure(fun)
	vm.push(closure)
	if err := vm.call(closure, 0); err != nil {
		return nil, err
	}
	return vm.run()
}

func (vm *VM) run() (Value, error) {
	frame := vm.frame()

	readByte := func() (res byte) {
		res = frame.closure.Fun.Chunk.code[frame.ip]
		frame.ip++
		return
	}
	readShort := func() int {
		hi, lo := readByte(), readByte()
		return int(hi)<<8 | int(lo)
	}
	readConst := func() Value { return frame.closure.Fun.Chunk.consts[readByte()] }
	readString := func() *ObjString { return readConst().(*ObjString) }
	runtimeErr := func(format string, a ...any) error {
		return &e.RuntimeError{Line: frame.line(), Reason: fmt.Sprintf(format, a...)}
	}

	for {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logrus.Debugln(vm.stackTrace())
			instDump, _ := frame.closure.Fun.Chunk.DisassembleInst(frame.ip)
			logrus.Debugln(instDump)
		}

		switch inst := OpCode(readByte()); inst {
		case OpConst:
			vm.push(readConst())
		case OpNil:
			vm.push(VNil{})
		case OpTrue:
			vm.push(VBool(true))
		case OpFalse:
			vm.push(VBool(false))
		case OpPop:
			vm.pop()

		case OpGetLocal:
			vm.push(vm.stack[frame.base+int(readByte())])
		case OpSetLocal:
			vm.stack[frame.base+int(readByte())] = vm.peek(0)

		case OpGetGlobal:
			name := readString()
			val, ok := vm.globals[name.Chars]
			if !ok {
				return nil, runtimeErr("Undefined variable '%s'.", name.Chars)
			}
			vm.push(val)
		case OpDefGlobal:
			vm.globals[readString().Chars] = vm.pop()
		case OpSetGlobal:
			name := readString()
			if _, ok := vm.globals[name.Chars]; !ok {
				return nil, runtimeErr("Undefined variable '%s'.", name.Chars)
			}
			vm.globals[name.Chars] = vm.peek(0)

		case OpGetUpvalue:
			vm.push(vm.upvalueGet(frame.closure.Upvalues[readByte()]))
		case OpSetUpvalue:
			vm.upvalueSet(frame.closure.Upvalues[readByte()], vm.peek(0))
		case OpCloseUpvalue:
			vm.closeUpvalues(vm.sp - 1)
			vm.pop()

		case OpEqual:
			rhs, lhs := vm.pop(), vm.pop()
			vm.push(VEq(lhs, rhs))
		case OpGreater:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VGreater(lhs, rhs)
			if !ok {
				return nil, runtimeErr("Operands must be numbers.")
			}
			vm.push(res)
		case OpLess:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VLess(lhs, rhs)
			if !ok {
				return nil, runtimeErr("Operands must be numbers.")
			}
			vm.push(res)

		case OpAdd:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VAdd(lhs, rhs)
			if !ok {
				return nil, runtimeErr("Operands must be two numbers or two strings.")
			}
			vm.push(res)
		case OpSub:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VSub(lhs, rhs)
			if !ok {
				return nil, runtimeErr("Operands must be numbers.")
			}
			vm.push(res)
		case OpMul:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VMul(lhs, rhs)
			if !ok {
				return nil, runtimeErr("Operands must be numbers.")
			}
			vm.push(res)
		case OpDiv:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VDiv(lhs, rhs)
			if !ok {
				return nil, runtimeErr("Operands must be numbers.")
			}
			vm.push(res)

		case OpNot:
			vm.push(VBool(!bool(VTruthy(vm.pop()))))
		case OpNeg:
			res, ok := VNeg(vm.pop())
			if !ok {
				return nil, runtimeErr("Operand must be a number.")
			}
			vm.push(res)

		case OpPrint:
			fmt.Fprintf(vm.Stdout, "%s\n", vm.pop())

		case OpJump:
			offset := readShort()
			frame.ip += offset
		case OpJumpIfFalse:
			offset := readShort()
			if !bool(VTruthy(vm.peek(0))) {
				frame.ip += offset
			}
		case OpLoop:
			offset := readShort()
			frame.ip -= offset

		case OpCall:
			argCount := int(readByte())
			if err := vm.callValue(vm.peek(argCount), argCount); err != nil {
				return nil, err
			}
			frame = vm.frame()

		case OpClosure:
			fun := readConst().(*ObjFunction)
			closure := NewClosure(fun)
			for i := range closure.Upvalues {
				isLocal, index := readByte(), readByte()
				if utils.IntToBool(isLocal) {
					closure.Upvalues[i] = vm.captureUpvalue(frame.base + int(index))
				} else {
					closure.Upvalues[i] = frame.closure.Upvalues[index]
				}
			}
			vm.push(closure)

		case OpReturn:
			result := vm.pop()
			vm.closeUpvalues(frame.base)
			vm.frameCount--
			if vm.frameCount == 0 {
				vm.pop()
				return result, nil
			}
			vm.sp = frame.base
			vm.push(result)
			frame = vm.frame()

		default:
			return nil, runtimeErr("Unknown instruction '%d'.", inst)
		}
	}
}

func (vm *VM) callValue(callee Value, argCount int) error {
	closure, ok := callee.(*ObjClosure)
	if !ok {
		return &e.RuntimeError{Line: vm.frame().line(), Reason: "Can only call functions and classes."}
	}
	return vm.call(closure, argCount)
}

func (vm *VM) call(closure *ObjClosure, argCount int) error {
	if argCount != closure.Fun.Arity {
		return &e.RuntimeError{
			Line:   vm.curLine(),
			Reason: fmt.Sprintf("Expected %d arguments but got %d.", closure.Fun.Arity, argCount),
		}
	}
	if vm.frameCount == framesMax {
		return &e.RuntimeError{Line: vm.curLine(), Reason: "Stack overflow."}
	}
	vm.frames[vm.frameCount] = callFrame{closure: closure, base: vm.sp - argCount - 1}
	vm.frameCount++
	return nil
}

func (vm *VM) curLine() int {
	if vm.frameCount == 0 {
		return -1
	}
	return vm.frame().line()
}

// captureUpvalue returns the (possibly newly created) open upvalue for
// the given stack slot, reusing an existing one so two closures over
// the same local observe each other's writes. openUpvalues is kept
// sorted by descending slot so closeUpvalues can stop early.
func (vm *VM) captureUpvalue(slot int) *ObjUpvalue {
	debug.Assertf(slot >= 0 && slot < vm.sp, "upvalue slot %d out of bounds (sp=%d)", slot, vm.sp)
	var prev *ObjUpvalue
	curr := vm.openUpvalues
	for curr != nil && curr.slot > slot {
		prev, curr = curr, curr.next
	}
	if curr != nil && curr.slot == slot {
		return curr
	}

	created := &ObjUpvalue{slot: slot, next: curr}
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.next = created
	}
	return created
}

// closeUpvalues hoists every open upvalue at or above fromSlot off the
// stack and into its own closed storage, called when the owning scope
// (block or call frame) is about to discard those slots.
func (vm *VM) closeUpvalues(fromSlot int) {
	for vm.openUpvalues != nil && vm.openUpvalues.slot >= fromSlot {
		uv := vm.openUpvalues
		uv.closed = utils.Box(vm.stack[uv.slot])
		vm.openUpvalues = uv.next
	}
}

func (vm *VM) upvalueGet(uv *ObjUpvalue) Value {
	if uv.closed != nil {
		return *uv.closed
	}
	return vm.stack[uv.slot]
}

func (vm *VM) upvalueSet(uv *ObjUpvalue, val Value) {
	if uv.closed != nil {
		*uv.closed = val
		return
	}
	vm.stack[uv.slot] = val
}

func (vm *VM) stackTrace() string {
	res := "          "
	for i := 0; i < vm.sp; i++ {
		res += fmt.Sprintf("[ %s ]", vm.stack[i])
	}
	return res
}
