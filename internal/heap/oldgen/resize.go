package oldgen

import (
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/trace"
)

// Expand grows the committed space by at least bytes. It tries the growth
// increment first when that is larger than the aligned request, then the
// aligned request, then everything up to the maximum. It returns false when
// none of these could be committed.
//
// Shrink(n) undoes Expand(n) only when n is granule-aligned and at least
// the growth increment. A smaller request still commits a whole increment,
// so the matching Shrink leaves the difference committed.
func (g *Generation) Expand(bytes uint64) bool {
	g.resizeMu.Lock()
	defer g.resizeMu.Unlock()
	return g.expandLocked(bytes)
}

func (g *Generation) expandLocked(bytes uint64) bool {
	aligned := mem.AlignUp(bytes, g.alignment)
	if aligned < bytes {
		// Alignment overflowed; no reservation is that large.
		return false
	}
	if aligned == 0 {
		return true
	}
	if g.uncommittedLocked() == 0 {
		return false
	}

	before := g.vs.CommittedSize()
	ok := false
	if g.growth > aligned {
		ok = g.expandByLocked(g.growth)
	}
	if !ok {
		ok = g.expandByLocked(aligned)
	}
	if !ok {
		ok = g.expandToReservedLocked()
	}

	if ok {
		g.tracer.Printf(trace.Heap, "old gen expand: %s->%s (requested %s)",
			mem.FormatBytes(before), mem.FormatBytes(g.vs.CommittedSize()), mem.FormatBytes(bytes))
	} else {
		g.tracer.Printf(trace.Heap, "old gen expand failed: requested %s, %s committed of %s",
			mem.FormatBytes(bytes), mem.FormatBytes(before), mem.FormatBytes(g.maxBytes))
	}
	return ok
}

// uncommittedLocked returns how many bytes may still be committed.
func (g *Generation) uncommittedLocked() uint64 {
	committed := g.vs.CommittedSize()
	if committed >= g.maxBytes {
		return 0
	}
	return g.maxBytes - committed
}

// ExpandBy commits exactly bytes (a multiple of the commit granule) and
// publishes them.
func (g *Generation) ExpandBy(bytes uint64) bool {
	g.resizeMu.Lock()
	defer g.resizeMu.Unlock()
	return g.expandByLocked(bytes)
}

func (g *Generation) expandByLocked(bytes uint64) bool {
	if bytes == 0 {
		return true
	}
	if !mem.IsAligned(bytes, g.alignment) || bytes > g.uncommittedLocked() {
		return false
	}
	if !g.vs.ExpandBy(bytes) {
		return false
	}
	g.postResizeLocked()
	g.expansions.Add(1)
	return true
}

// ExpandToReserved commits everything up to the maximum size.
func (g *Generation) ExpandToReserved() bool {
	g.resizeMu.Lock()
	defer g.resizeMu.Unlock()
	return g.expandToReservedLocked()
}

func (g *Generation) expandToReservedLocked() bool {
	remaining := g.uncommittedLocked()
	if remaining == 0 {
		return false
	}
	return g.expandByLocked(remaining)
}

// Shrink uncommits bytes (aligned down to the commit granule) from the end
// of the generation. It only runs at a safepoint and refuses to go below
// the allocated part or the minimum size. It reports whether memory was
// uncommitted.
func (g *Generation) Shrink(bytes uint64) bool {
	g.resizeMu.Lock()
	defer g.resizeMu.Unlock()
	return g.shrinkLocked(bytes)
}

func (g *Generation) shrinkLocked(bytes uint64) bool {
	if !g.safepoint.AtSafepoint() {
		g.refusedShrinks.Add(1)
		g.tracer.Printf(trace.Heap, "old gen shrink by %s refused: not at a safepoint", mem.FormatBytes(bytes))
		return false
	}

	size := mem.AlignDown(bytes, g.alignment)
	if size == 0 {
		return false
	}
	committed := g.vs.CommittedSize()
	floor := max(mem.AlignUp(g.Used(), g.alignment), g.minBytes)
	if size > committed || committed-size < floor {
		g.refusedShrinks.Add(1)
		g.tracer.Printf(trace.Heap, "old gen shrink by %s refused: floor %s, committed %s",
			mem.FormatBytes(size), mem.FormatBytes(floor), mem.FormatBytes(committed))
		return false
	}

	g.vs.ShrinkBy(size)
	g.postResizeLocked()
	g.shrinks.Add(1)
	g.tracer.Printf(trace.Heap, "old gen shrink: %s->%s",
		mem.FormatBytes(committed), mem.FormatBytes(g.vs.CommittedSize()))
	return true
}

// TargetCapacity returns the committed size Resize(desiredFree) aims for:
// used + desiredFree clamped to [min, max] and aligned up to the commit
// granule.
func (g *Generation) TargetCapacity(desiredFree uint64) uint64 {
	used := g.Used()
	target := used + desiredFree
	if target < used {
		target = g.maxBytes
	}
	target = min(max(target, g.minBytes), g.maxBytes)
	return min(mem.AlignUp(target, g.alignment), g.maxBytes)
}

// Resize moves the committed size towards TargetCapacity(desiredFree). It
// reports whether the generation now has the target size; growing may
// overshoot by up to the growth increment.
func (g *Generation) Resize(desiredFree uint64) bool {
	g.resizeMu.Lock()
	defer g.resizeMu.Unlock()

	target := g.TargetCapacity(desiredFree)
	current := g.vs.CommittedSize()
	g.tracer.Printf(trace.Heap, "old gen resize: used %s, desired free %s, capacity %s -> target %s",
		mem.FormatBytes(g.Used()), mem.FormatBytes(desiredFree), mem.FormatBytes(current), mem.FormatBytes(target))

	switch {
	case target > current:
		return g.expandLocked(target - current)
	case target < current:
		return g.shrinkLocked(current - target)
	default:
		return true
	}
}
