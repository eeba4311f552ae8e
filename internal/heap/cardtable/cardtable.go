// Package cardtable implements the card-marking write barrier.
//
// The heap is divided into fixed-size cards (512 bytes by default). The card
// table keeps one byte per card; a mutator that stores a reference into the
// heap dirties the card so that the collector later only has to look at
// dirty cards to find old-to-young and cross-region references.
//
// # Address mapping
//
// Card lookup is a single affine transform:
//
//	index = int(addr >> cardShift) + byteMapBase
//
// The byte array is sized for the whole reserved heap and byteMapBase is
// recomputed whenever a covered region changes, so the transform holds for
// every address of every covered region no matter where its committed
// memory currently begins.
//
// # Precision
//
// WriteRefFieldPost dirties the card holding the address it is given. The
// heap context passes the object start for ordinary field stores (imprecise
// marking: the header card stands for the whole object) and the element
// address for stores into reference arrays (precise marking).
//
// # Thread Safety
//
// Dirtying and reading cards is lock-free (package bytemap). Covered-region
// changes are serialized by an internal mutex and by the generation's resize
// lock.
package cardtable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kolkov/gcheap/internal/heap/bytemap"
	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
)

const (
	// CleanCard marks a card without reference stores since the last scan.
	CleanCard byte = 0xFF
	// DirtyCard marks a card that received a reference store.
	DirtyCard byte = 0x00

	// MinCardShift and MaxCardShift bound the card size (128 B .. 4 KiB).
	MinCardShift = 7
	MaxCardShift = 12

	// DefaultCardShift selects 512-byte cards.
	DefaultCardShift = 9

	// maxCoveredRegions is the number of generations one table serves.
	maxCoveredRegions = 2
)

// ErrInvalidCardShift is returned for card sizes outside the supported range
// or a reservation not aligned to the card size.
var ErrInvalidCardShift = errors.New("cardtable: invalid card size")

// Table is a card table over a reserved heap range.
type Table struct {
	whole     mem.Region
	cardShift uint
	cardSize  uint64

	bytes *bytemap.Map

	mu          sync.Mutex
	covered     []mem.Region
	byteMapBase int
}

// New returns a card table for the reserved range whole with cards of
// 1<<cardShift bytes. No region is covered yet.
func New(whole mem.Region, cardShift uint) (*Table, error) {
	if cardShift < MinCardShift || cardShift > MaxCardShift {
		return nil, fmt.Errorf("%w: shift %d not in [%d, %d]", ErrInvalidCardShift, cardShift, MinCardShift, MaxCardShift)
	}
	cardSize := uint64(1) << cardShift
	if !mem.IsAligned(uint64(whole.Start), cardSize) || !mem.IsAligned(uint64(whole.End), cardSize) {
		return nil, fmt.Errorf("%w: %s is not aligned to %d-byte cards", ErrInvalidCardShift, whole, cardSize)
	}

	t := &Table{
		whole:     whole,
		cardShift: cardShift,
		cardSize:  cardSize,
		bytes:     bytemap.New(int(whole.ByteSize()>>cardShift), 0, CleanCard),
	}
	t.recomputeBase()
	return t, nil
}

// recomputeBase sets byteMapBase so that the first card of the reservation
// maps to index zero.
func (t *Table) recomputeBase() {
	t.byteMapBase = -int(uint64(t.whole.Start) >> t.cardShift)
}

// CardShift returns log2 of the card size.
func (t *Table) CardShift() uint { return t.cardShift }

// CardSize returns the card size in bytes.
func (t *Table) CardSize() uint64 { return t.cardSize }

// IsCardAligned reports whether addr is on a card boundary.
func (t *Table) IsCardAligned(addr mem.Addr) bool {
	return mem.IsAligned(uint64(addr), t.cardSize)
}

// IndexFor returns the card index of addr.
func (t *Table) IndexFor(addr mem.Addr) int {
	return int(uint64(addr)>>t.cardShift) + t.byteMapBase
}

// AddrFor returns the first address of card index.
func (t *Table) AddrFor(index int) mem.Addr {
	return mem.Addr(uint64(index-t.byteMapBase) << t.cardShift)
}

// CardRegion returns the address range of card index.
func (t *Table) CardRegion(index int) mem.Region {
	start := t.AddrFor(index)
	return mem.Region{Start: start, End: start + mem.Addr(t.cardSize)}
}

func (t *Table) checkCovered(addr mem.Addr) {
	// Explicit check: a store outside the reservation would dirty a byte
	// that belongs to nothing (or to another heap's table).
	invariant.Guarantee(t.whole.Contains(addr), "cardtable: %s outside heap %s", addr, t.whole)
}

// WriteRefFieldPost is the post-write barrier: it dirties the card holding
// addr.
func (t *Table) WriteRefFieldPost(addr mem.Addr) {
	t.checkCovered(addr)
	t.bytes.Store(t.IndexFor(addr), DirtyCard)
}

// WriteRegion dirties every card overlapping mr.
func (t *Table) WriteRegion(mr mem.Region) {
	if mr.IsEmpty() {
		return
	}
	t.checkCovered(mr.Start)
	t.checkCovered(mr.End - 1)
	t.bytes.Fill(t.IndexFor(mr.Start), t.IndexFor(mr.End-1)+1, DirtyCard)
}

// Card returns the raw card value for addr.
func (t *Table) Card(addr mem.Addr) byte {
	t.checkCovered(addr)
	return t.bytes.Load(t.IndexFor(addr))
}

// IsDirty reports whether the card holding addr is dirty.
func (t *Table) IsDirty(addr mem.Addr) bool {
	return t.Card(addr) == DirtyCard
}

// ClearCard cleans card index and reports whether it was dirty.
func (t *Table) ClearCard(index int) bool {
	return t.bytes.CompareAndSwap(index, DirtyCard, CleanCard)
}

// ClearRegion cleans every card overlapping mr.
func (t *Table) ClearRegion(mr mem.Region) {
	if mr.IsEmpty() {
		return
	}
	t.checkCovered(mr.Start)
	t.checkCovered(mr.End - 1)
	t.bytes.Fill(t.IndexFor(mr.Start), t.IndexFor(mr.End-1)+1, CleanCard)
}

// CountDirty returns the number of dirty cards overlapping mr.
func (t *Table) CountDirty(mr mem.Region) int {
	n := 0
	t.DirtyCardIterate(mr, func(run mem.Region) bool {
		n += int(run.ByteSize() >> t.cardShift)
		return true
	})
	return n
}

// DirtyCardIterate calls fn for each maximal run of consecutive dirty cards
// overlapping mr, in address order. Runs are card-aligned and may extend
// past mr to the card boundaries. Iteration stops when fn returns false.
func (t *Table) DirtyCardIterate(mr mem.Region, fn func(run mem.Region) bool) {
	if mr.IsEmpty() {
		return
	}
	t.checkCovered(mr.Start)
	t.checkCovered(mr.End - 1)

	first := t.IndexFor(mr.Start)
	last := t.IndexFor(mr.End - 1)
	for i := first; i <= last; {
		if t.bytes.Load(i) != DirtyCard {
			i++
			continue
		}
		j := i + 1
		for j <= last && t.bytes.Load(j) == DirtyCard {
			j++
		}
		if !fn(mem.Region{Start: t.AddrFor(i), End: t.AddrFor(j)}) {
			return
		}
		i = j
	}
}

// ResizeCoveredRegion installs newRegion as the covered region that starts
// at newRegion.Start, adding it if no covered region starts there. Cards
// that become covered are clean. Both bounds must be card-aligned.
func (t *Table) ResizeCoveredRegion(newRegion mem.Region) {
	invariant.Guarantee(t.IsCardAligned(newRegion.Start) && t.IsCardAligned(newRegion.End),
		"cardtable: covered region %s is not card-aligned", newRegion)
	invariant.Guarantee(t.whole.ContainsRegion(newRegion),
		"cardtable: covered region %s outside heap %s", newRegion, t.whole)

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, r := range t.covered {
		if r.Start == newRegion.Start {
			idx = i
			break
		}
	}
	var old mem.Region
	if idx < 0 {
		invariant.Guarantee(len(t.covered) < maxCoveredRegions, "cardtable: too many covered regions")
		t.covered = append(t.covered, mem.Region{Start: newRegion.Start, End: newRegion.Start})
		idx = len(t.covered) - 1
	}
	old = t.covered[idx]

	t.recomputeBase()

	// The byte map's live length tracks the highest covered card.
	highest := newRegion.End
	for i, r := range t.covered {
		if i != idx && r.End > highest {
			highest = r.End
		}
	}
	n := t.IndexFor(highest - 1)
	if highest == t.whole.Start {
		n = -1
	}
	if n+1 > t.bytes.Len() {
		t.bytes.Resize(n+1, CleanCard)
	}
	if newRegion.End > old.End {
		// Newly covered cards start clean even if they were dirty when
		// last covered.
		t.bytes.Fill(t.IndexFor(old.End), t.IndexFor(newRegion.End-1)+1, CleanCard)
	}
	if n+1 < t.bytes.Len() {
		t.bytes.Resize(n+1, CleanCard)
	}
	t.covered[idx] = newRegion
}

// CoveredRegions returns a copy of the covered regions.
func (t *Table) CoveredRegions() []mem.Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mem.Region(nil), t.covered...)
}

// Whole returns the reserved range the table spans.
func (t *Table) Whole() mem.Region { return t.whole }
