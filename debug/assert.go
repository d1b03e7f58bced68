package debug

import "fmt"

// DEBUG gates both Assertf and the compiler's per-frame disassembly
// trace. Left false for normal builds; flip to true locally to see
// every compiled chunk and have invariants enforced.
const DEBUG = false

func Assertf(b bool, format string, a ...any) {
	if DEBUG && !b {
		panic(fmt.Sprintf(format, a...))
	}
}

func AssertEq[T comparable](expected, got T) { Assertf(expected == got, "%v != %v", expected, got) }
