package vm

import (
	"fmt"

	"github.com/josharian/intern"
)

// Value is the tagged union the compiler and VM exchange: nil, bool,
// number, or a reference to a heap object the runtime owns.
type Value interface{ isValue() }

func NewValue() Value { return VNil{} }

type VBool bool

func (_ VBool) isValue()       {}
func (v VBool) String() string { return fmt.Sprintf("%t", v) }

type VNil struct{}

func (_ VNil) isValue()       {}
func (v VNil) String() string { return "nil" }

type VNum float64

func (_ VNum) isValue()       {}
func (v VNum) String() string { return fmt.Sprintf("%g", v) }

// ObjString is the runtime's canonical reference for a string constant.
// Two ObjStrings built from equal content via the same Strings table are
// the same pointer, matching copyString's canonical-reference contract.
type ObjString struct{ Chars string }

func (*ObjString) isValue()        {}
func (v *ObjString) String() string { return "\"" + v.Chars + "\"" }

// Strings interns string content so copyString can return a canonical
// reference. One table is owned per compile call; it is never shared
// across compiles, keeping Compile reentrant (spec §5).
type Strings struct{ table map[string]*ObjString }

func NewStrings() *Strings { return &Strings{table: map[string]*ObjString{}} }

// Copy returns the canonical *ObjString for s, interning its backing
// bytes via josharian/intern so repeated identical literals across a
// compile share storage.
func (t *Strings) Copy(s string) *ObjString {
	if obj, ok := t.table[s]; ok {
		return obj
	}
	obj := &ObjString{Chars: intern.String(s)}
	t.table[s] = obj
	return obj
}

// ObjFunction is a function unit under construction (or completed): its
// arity, how many upvalues its closures capture, its bytecode chunk, and
// its name (nil for the top-level script).
type ObjFunction struct {
	Arity        int
	UpvalueCount int
	Chunk        *Chunk
	Name         *ObjString
}

func NewFunction() *ObjFunction { return &ObjFunction{Chunk: NewChunk()} }

func (*ObjFunction) isValue() {}

func (f *ObjFunction) String() string {
	if f.Name == nil {
		return "<script>"
	}
	return fmt.Sprintf("<fn %s>", f.Name.Chars)
}

// ObjClosure pairs a compiled ObjFunction with the upvalues its
// creating CLOSURE instruction captured. This, not the bare
// ObjFunction, is the callable value the VM pushes and invokes.
type ObjClosure struct {
	Fun      *ObjFunction
	Upvalues []*ObjUpvalue
}

func NewClosure(fun *ObjFunction) *ObjClosure {
	return &ObjClosure{Fun: fun, Upvalues: make([]*ObjUpvalue, fun.UpvalueCount)}
}

func (*ObjClosure) isValue()         {}
func (c *ObjClosure) String() string { return c.Fun.String() }

// ObjUpvalue is runtime plumbing, not itself a Value: it names a stack
// slot while its variable is still live on the stack (open) or holds a
// copied-out value once that frame has returned (closed).
type ObjUpvalue struct {
	slot   int
	closed *Value
	next   *ObjUpvalue
}

func VAdd(v, w Value) (res Value, ok bool) {
	res = NewValue()
	switch v := v.(type) {
	case VNum:
		if w, ok := w.(VNum); ok {
			return v + w, true
		}
	case *ObjString:
		if w, ok := w.(*ObjString); ok {
			return &ObjString{Chars: v.Chars + w.Chars}, true
		}
	}
	return
}

func VSub(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return v - w, true
		}
	}
	return
}

func VMul(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return v * w, true
		}
	}
	return
}

func VDiv(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return v / w, true
		}
	}
	return
}

func VGreater(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return VBool(v > w), true
		}
	}
	return
}

func VLess(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return VBool(v < w), true
		}
	}
	return
}

func VNeg(v Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		return -v, true
	}
	return
}

func VTruthy(v Value) VBool {
	switch v := v.(type) {
	case VBool:
		return v
	case VNil:
		return false
	default:
		return true
	}
}

func VEq(v, w Value) VBool {
	switch v := v.(type) {
	case VBool:
		if w, ok := w.(VBool); ok {
			return v == w
		}
	case VNum:
		if w, ok := w.(VNum); ok {
			return v == w
		}
	case VNil:
		_, ok := w.(VNil)
		return VBool(ok)
	case *ObjString:
		if w, ok := w.(*ObjString); ok {
			return VBool(v.Chars == w.Chars)
		}
	}
	return false
}
