package heap

import (
	"fmt"
	"io"
	"strings"

	"github.com/kolkov/gcheap/internal/heap/mem"
)

// Stats is a point-in-time summary of the heap.
type Stats struct {
	// Old generation.
	Bottom, Top, End Addr
	Used             uint64
	Capacity         uint64
	Free             uint64
	MinBytes         uint64
	MaxBytes         uint64
	Reserved         uint64
	Expansions       uint64
	Shrinks          uint64
	RefusedShrinks   uint64

	// Mutator activity.
	Allocations    uint64
	AllocatedBytes uint64
	OutOfMemory    uint64

	// Card table.
	CardSize   uint64
	DirtyCards int

	// Remembered sets.
	Regions             int
	RemSetTargets       int
	RemSetSparseEntries int
	RemSetSparseCards   int
	RemSetCoarseRegions int
	RemSetMemSize       uint64

	// Totals over all Refine and ScanRememberedSet calls.
	Refined RefineStats
	Scanned ScanStats

	Safepoints       uint64
	CollectionCycles uint64
	Mutators         int
}

// Stats returns the current heap statistics.
func (h *Heap) Stats() Stats {
	g := h.gen.Stats()
	rs := h.sets.Stats()

	st := Stats{
		Bottom:         g.Bottom,
		Top:            g.Top,
		End:            g.End,
		Used:           g.Used,
		Capacity:       g.Capacity,
		Free:           g.Free,
		MinBytes:       g.MinBytes,
		MaxBytes:       g.MaxBytes,
		Reserved:       g.Reserved,
		Expansions:     g.Expansions,
		Shrinks:        g.Shrinks,
		RefusedShrinks: g.RefusedShrinks,

		Allocations:    h.allocations.Load(),
		AllocatedBytes: h.allocatedBytes.Load(),
		OutOfMemory:    h.outOfMemory.Load(),

		CardSize:   h.cards.CardSize(),
		DirtyCards: h.cards.CountDirty(mem.Region{Start: g.Bottom, End: g.Top}),

		Regions:             h.layout.NumRegions(),
		RemSetTargets:       rs.Targets,
		RemSetSparseEntries: rs.SparseEntries,
		RemSetSparseCards:   rs.SparseCards,
		RemSetCoarseRegions: rs.CoarseRegions,
		RemSetMemSize:       rs.MemSize,

		Safepoints:       h.safepoints.Count(),
		CollectionCycles: h.cycles.Load(),
		Mutators:         h.safepoints.Registered(),
	}

	h.statsMu.Lock()
	st.Refined = h.refineTotals
	st.Scanned = h.scanTotals
	h.statsMu.Unlock()
	return st
}

// Report writes a human-readable summary of Stats to w:
//
//	==================
//	Heap Report
//	==================
//	Old generation:   1536K used, 4M committed, 64M reserved
//	...
//	==================
func (h *Heap) Report(w io.Writer) error {
	st := h.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "==================\n")
	fmt.Fprintf(&b, "Heap Report\n")
	fmt.Fprintf(&b, "==================\n")
	fmt.Fprintf(&b, "Old generation:   %s used, %s committed, %s reserved\n",
		mem.FormatBytes(st.Used), mem.FormatBytes(st.Capacity), mem.FormatBytes(st.Reserved))
	fmt.Fprintf(&b, "  range:          [%s, %s) top %s\n", st.Bottom, st.End, st.Top)
	fmt.Fprintf(&b, "  bounds:         min %s, max %s\n", mem.FormatBytes(st.MinBytes), mem.FormatBytes(st.MaxBytes))
	fmt.Fprintf(&b, "  resizes:        %d expansions, %d shrinks, %d refused\n",
		st.Expansions, st.Shrinks, st.RefusedShrinks)
	fmt.Fprintf(&b, "Allocation:       %d objects, %s\n", st.Allocations, mem.FormatBytes(st.AllocatedBytes))
	if st.OutOfMemory > 0 {
		fmt.Fprintf(&b, "WARNING: %d allocation(s) failed with out of memory!\n", st.OutOfMemory)
	}
	fmt.Fprintf(&b, "Card table:       %s cards, %d dirty\n", mem.FormatBytes(st.CardSize), st.DirtyCards)
	fmt.Fprintf(&b, "Remembered sets:  %d regions, %d with entries\n", st.Regions, st.RemSetTargets)
	fmt.Fprintf(&b, "  sparse:         %d entries, %d cards\n", st.RemSetSparseEntries, st.RemSetSparseCards)
	fmt.Fprintf(&b, "  coarse:         %d source regions\n", st.RemSetCoarseRegions)
	fmt.Fprintf(&b, "  footprint:      %s\n", mem.FormatBytes(st.RemSetMemSize))
	fmt.Fprintf(&b, "Refinement:       %d cards, %d objects, %d refs recorded, %d coarsened\n",
		st.Refined.Cards, st.Refined.Objects, st.Refined.Recorded, st.Refined.Coarsened)
	fmt.Fprintf(&b, "Remembered scans: %d cards, %d objects, %d refs\n",
		st.Scanned.Cards, st.Scanned.Objects, st.Scanned.Refs)
	fmt.Fprintf(&b, "Safepoints:       %d (%d mutators registered)\n", st.Safepoints, st.Mutators)
	fmt.Fprintf(&b, "Cycles:           %d\n", st.CollectionCycles)
	fmt.Fprintf(&b, "==================\n")

	_, err := io.WriteString(w, b.String())
	return err
}
