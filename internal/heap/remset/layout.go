package remset

import (
	"errors"
	"fmt"

	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/sparseprt"
)

// DefaultRegionBytes is the region size when the configuration leaves it
// zero.
const DefaultRegionBytes = 64 * mem.K

// ErrInvalidLayout is returned for region sizes that do not partition the
// heap into whole cards.
var ErrInvalidLayout = errors.New("remset: invalid region layout")

// Layout partitions the reserved heap into equally sized regions of whole
// cards.
type Layout struct {
	heap           mem.Region
	logRegionBytes uint
	cardShift      uint
	numRegions     int
}

// NewLayout returns the partition of heap into regions of regionBytes,
// each made of cards of 1<<cardShift bytes.
func NewLayout(heap mem.Region, regionBytes uint64, cardShift uint) (*Layout, error) {
	if regionBytes == 0 {
		regionBytes = DefaultRegionBytes
	}
	if !mem.IsPowerOfTwo(regionBytes) || regionBytes < uint64(1)<<cardShift {
		return nil, fmt.Errorf("%w: region size %d with %d-byte cards", ErrInvalidLayout, regionBytes, uint64(1)<<cardShift)
	}
	if !mem.IsAligned(uint64(heap.Start), regionBytes) || !mem.IsAligned(heap.ByteSize(), regionBytes) {
		return nil, fmt.Errorf("%w: heap %s is not a multiple of %d-byte regions", ErrInvalidLayout, heap, regionBytes)
	}
	log := uint(0)
	for uint64(1)<<log < regionBytes {
		log++
	}
	return &Layout{
		heap:           heap,
		logRegionBytes: log,
		cardShift:      cardShift,
		numRegions:     int(heap.ByteSize() >> log),
	}, nil
}

// Heap returns the partitioned range.
func (l *Layout) Heap() mem.Region { return l.heap }

// RegionBytes returns the region size.
func (l *Layout) RegionBytes() uint64 { return uint64(1) << l.logRegionBytes }

// NumRegions returns the number of regions.
func (l *Layout) NumRegions() int { return l.numRegions }

// CardsPerRegion returns the number of cards in a region.
func (l *Layout) CardsPerRegion() uint64 {
	return uint64(1) << (l.logRegionBytes - l.cardShift)
}

// CardBytes returns the card size.
func (l *Layout) CardBytes() uint64 { return uint64(1) << l.cardShift }

// RegionFor returns the region containing addr.
func (l *Layout) RegionFor(addr mem.Addr) sparseprt.RegionIdx {
	invariant.Guarantee(l.heap.Contains(addr), "remset: %s outside heap %s", addr, l.heap)
	return sparseprt.RegionIdx(uint64(addr-l.heap.Start) >> l.logRegionBytes)
}

// RegionBounds returns the address range of region r.
func (l *Layout) RegionBounds(r sparseprt.RegionIdx) mem.Region {
	start := l.heap.Start + mem.Addr(uint64(r)<<l.logRegionBytes)
	return mem.Region{Start: start, End: start + mem.Addr(l.RegionBytes())}
}

// CardInRegion returns the card of addr relative to its region.
func (l *Layout) CardInRegion(addr mem.Addr) sparseprt.CardIdx {
	start := l.RegionBounds(l.RegionFor(addr)).Start
	return sparseprt.CardIdx(uint64(addr-start) >> l.cardShift)
}

// CardAddr returns the first address of card c of region r.
func (l *Layout) CardAddr(r sparseprt.RegionIdx, c sparseprt.CardIdx) mem.Addr {
	return l.RegionBounds(r).Start + mem.Addr(uint64(c)<<l.cardShift)
}

// AbsoluteCardRegion returns the address range of an absolute card index
// (region*CardsPerRegion + card).
func (l *Layout) AbsoluteCardRegion(card uint64) mem.Region {
	start := l.heap.Start + mem.Addr(card<<l.cardShift)
	return mem.Region{Start: start, End: start + mem.Addr(l.CardBytes())}
}
