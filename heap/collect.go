package heap

import (
	"context"
	"fmt"

	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/trace"
)

// Expand commits at least bytes more memory. It does not need a safepoint.
func (h *Heap) Expand(bytes uint64) bool {
	if h.closed.Load() {
		return false
	}
	return h.gen.Expand(bytes)
}

// atSafepoint runs fn with every registered mutator parked.
func (h *Heap) atSafepoint(ctx context.Context, what string, fn func()) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.gcMu.Lock()
	defer h.gcMu.Unlock()

	if err := h.safepoints.Do(ctx, fn); err != nil {
		h.tracer.Printf(trace.Safe, "%s: safepoint not reached: %v", what, err)
		return fmt.Errorf("heap: %s: %w", what, err)
	}
	h.tracer.Printf(trace.Safe, "safepoint #%d: %s", h.safepoints.Count(), what)
	return nil
}

// Safepoint runs fn while every registered mutator is parked. Heap walks,
// Refine and Verify are safe inside fn even though mutators exist. fn must
// not call Shrink, Resize, Truncate or BeginCollectionCycle.
func (h *Heap) Safepoint(ctx context.Context, fn func()) error {
	return h.atSafepoint(ctx, "user operation", fn)
}

// Shrink uncommits bytes (rounded down to the commit granule) at a
// safepoint. It reports false when the shrink would cut into allocated
// memory or go below the minimum size. The error is non-nil only if ctx
// ended before the safepoint was reached.
func (h *Heap) Shrink(ctx context.Context, bytes uint64) (bool, error) {
	var ok bool
	err := h.atSafepoint(ctx, "shrink", func() { ok = h.gen.Shrink(bytes) })
	return ok, err
}

// Resize moves the committed size towards used + desiredFree, clamped to
// the configured bounds, at a safepoint.
func (h *Heap) Resize(ctx context.Context, desiredFree uint64) (bool, error) {
	var ok bool
	err := h.atSafepoint(ctx, "resize", func() { ok = h.gen.Resize(desiredFree) })
	return ok, err
}

// Truncate discards every object at or above top at a safepoint: the
// allocation pointer moves back, the BOT is rebuilt for what is left, and
// the discarded range's cards are cleaned. The remembered sets are rebuilt
// from scratch as in BeginCollectionCycle. top must
// be an object start or the current top. A collector that has evacuated
// the tail of the heap uses it to reclaim the space.
func (h *Heap) Truncate(ctx context.Context, top Addr) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if top != h.gen.Top() {
		if err := h.object(top); err != nil {
			return fmt.Errorf("heap: truncate: %w", err)
		}
	}
	return h.atSafepoint(ctx, "truncate", func() {
		old := h.gen.Top()
		h.gen.SetTop(top)
		// The card holding top may still cover live objects.
		from := mem.AlignAddrUp(top, h.cards.CardSize())
		if from < old {
			h.cards.ClearRegion(mem.Region{Start: from, End: old})
		}
		h.resetRemSetsLocked()
	})
}

// Refine cleans the dirty cards of the allocated space and records the
// cross-region references found on them in the remembered sets.
func (h *Heap) Refine() RefineStats {
	if h.closed.Load() {
		return RefineStats{}
	}
	st := h.refiner.Refine(h.gen.UsedRegion())

	h.statsMu.Lock()
	h.refineTotals.Add(st)
	h.statsMu.Unlock()
	return st
}

// ScanRememberedSet calls fn for every reference into region recorded in
// its remembered set. Refine first: dirty cards that were not refined yet
// are not scanned.
func (h *Heap) ScanRememberedSet(region int, fn ScanFunc) (ScanStats, error) {
	if h.closed.Load() {
		return ScanStats{}, ErrClosed
	}
	if region < 0 || region >= h.layout.NumRegions() {
		return ScanStats{}, fmt.Errorf("%w: region %d of %d", ErrIndexOutOfRange, region, h.layout.NumRegions())
	}
	st := h.sets.Scan(regionIdx(region), h.gen.UsedRegion(), fn)

	h.statsMu.Lock()
	h.scanTotals.Cards += st.Cards
	h.scanTotals.Objects += st.Objects
	h.scanTotals.Slots += st.Slots
	h.scanTotals.Refs += st.Refs
	h.statsMu.Unlock()
	return st, nil
}

// BeginCollectionCycle forgets all remembered cards and dirties every card
// of the allocated space, so the next Refine rebuilds the remembered sets
// from the current heap contents.
func (h *Heap) BeginCollectionCycle() {
	if h.closed.Load() {
		return
	}
	h.gcMu.Lock()
	defer h.gcMu.Unlock()

	h.resetRemSetsLocked()
	n := h.cycles.Add(1)
	h.tracer.Printf(trace.RemSet, "collection cycle %d: remembered sets cleared, %s to refine",
		n, mem.FormatBytes(h.gen.Used()))
}

// resetRemSetsLocked requires gcMu.
func (h *Heap) resetRemSetsLocked() {
	h.sets.Clear()
	h.cards.WriteRegion(h.gen.UsedRegion())
}

// ObjectIterate calls fn for every allocated object in address order.
func (h *Heap) ObjectIterate(fn ObjectFunc) {
	if h.closed.Load() {
		return
	}
	h.gen.ObjectIterate(fn)
}

// ParallelObjectIterate calls fn for every allocated object from up to
// workers goroutines (GOMAXPROCS if workers <= 0). fn must be safe for
// concurrent use; the order is unspecified.
func (h *Heap) ParallelObjectIterate(workers int, fn ObjectFunc) {
	if h.closed.Load() {
		return
	}
	h.gen.ParallelObjectIterate(workers, fn)
}
