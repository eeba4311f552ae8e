package heap

import (
	"errors"
	"fmt"

	"github.com/kolkov/gcheap/internal/heap/objmodel"
)

// ErrCorrupt is wrapped by every error Verify returns.
var ErrCorrupt = errors.New("heap: verification failed")

// Verify checks the heap's structural invariants:
//
//   - every BOT entry of the allocated space matches the objects
//   - every reference is null or points at an allocated object
//   - every cross-region reference is covered, either by a dirty card
//     (not refined yet) or by the target region's remembered set
//
// Mutators must not run concurrently with Verify.
func (h *Heap) Verify() error {
	if h.closed.Load() {
		return ErrClosed
	}

	used := h.gen.UsedRegion()
	if err := h.bot.Verify(used.Start, used.End); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	var failure error
	h.gen.ObjectIterate(func(obj Addr) {
		if failure != nil {
			return
		}
		imprecise := h.model.KindOf(obj) == objmodel.KindInstance
		h.model.IterateRefSlots(obj, used, func(slot Addr) bool {
			ref := h.model.LoadRef(slot)
			if ref == Null {
				return true
			}
			if !used.Contains(ref) || h.bot.ObjectStart(ref) != ref {
				failure = fmt.Errorf("%w: slot %s of %s references %s, not an object", ErrCorrupt, slot, obj, ref)
				return false
			}
			src, dst := h.layout.RegionFor(slot), h.layout.RegionFor(ref)
			if src == dst {
				return true
			}
			if h.cards.IsDirty(slot) || (imprecise && h.cards.IsDirty(obj)) || h.sets.Contains(dst, slot) {
				return true
			}
			failure = fmt.Errorf("%w: slot %s of %s references region %d but is neither dirty nor remembered",
				ErrCorrupt, slot, obj, dst)
			return false
		})
	})
	return failure
}
