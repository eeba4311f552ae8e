// Package invariant reports broken heap invariants.
//
// Two levels exist:
//
//   - Guarantee is always compiled in. It protects checks whose failure would
//     otherwise corrupt memory (an out-of-bounds card or BOT write, a commit
//     past the reservation).
//   - Assert is compiled in only when building with the gcheapdebug tag:
//
//     go test -tags gcheapdebug ./...
//
// Both panic with a *Violation. Expected failures (allocation exhaustion,
// remembered-set overflow) are never reported through this package; they are
// ordinary return values.
package invariant

import "fmt"

// Violation is the panic value raised for a broken invariant.
type Violation struct {
	Message string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	return "heap invariant violated: " + v.Message
}

// Guarantee panics with a *Violation when cond is false.
func Guarantee(cond bool, format string, args ...any) {
	if !cond {
		panic(&Violation{Message: fmt.Sprintf(format, args...)})
	}
}

// Assert is like Guarantee but only active in gcheapdebug builds.
func Assert(cond bool, format string, args ...any) {
	if Enabled && !cond {
		panic(&Violation{Message: fmt.Sprintf(format, args...)})
	}
}
