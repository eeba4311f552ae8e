// Package trace writes tagged, line-oriented heap event output.
//
// Output looks like the unified GC log of production collectors:
//
//	[gc,heap] old gen expand: 2M->4M (committed), 4M reserved
//	[gc,remset] region 3 coarsened (source region 7)
//
// A nil *Tracer and a Tracer with a nil writer are both valid and discard
// everything, so components never have to check before tracing.
package trace

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Tracer serializes tagged lines onto a writer.
//
// Thread Safety: Printf may be called from any goroutine.
type Tracer struct {
	mu sync.Mutex
	w  io.Writer
}

// New returns a Tracer writing to w. A nil w yields a disabled tracer.
func New(w io.Writer) *Tracer {
	return &Tracer{w: w}
}

// Enabled reports whether output is written anywhere.
func (t *Tracer) Enabled() bool {
	return t != nil && t.w != nil
}

// Printf writes one line prefixed with the comma-joined tags.
func (t *Tracer) Printf(tags []string, format string, args ...any) {
	if !t.Enabled() {
		return
	}

	line := fmt.Sprintf(format, args...)

	t.mu.Lock()
	defer t.mu.Unlock()
	// Trace output is best effort; a failing writer must not fail the heap.
	_, _ = fmt.Fprintf(t.w, "[%s] %s\n", strings.Join(tags, ","), line)
}

// Common tag sets.
var (
	Heap   = []string{"gc", "heap"}
	BOT    = []string{"gc", "bot"}
	Cards  = []string{"gc", "barrier"}
	RemSet = []string{"gc", "remset"}
	Safe   = []string{"safepoint"}
)
