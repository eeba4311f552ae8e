// Package remset maintains per-region remembered sets and the refinement
// step that fills them from the card table.
//
// For every target region the remembered set records which cards of other
// (source) regions hold references into it. Each target owns a sparse table
// (package sparseprt) of source cards. A source region that overflows its
// sparse entry is promoted to the coarse representation: a bit per source
// region meaning "any card of that region may point here". The sparse entry
// is dropped at promotion.
//
// Data flow:
//
//	mutator store -> card table dirty byte
//	Refiner.Refine -> BOT object lookup -> slot scan -> Sets.Record
//	Sets.Scan -> remembered cards -> BOT object lookup -> slots into target
package remset

import (
	"math/bits"
	"slices"
	"sync"

	"github.com/kolkov/gcheap/internal/heap/bot"
	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/objmodel"
	"github.com/kolkov/gcheap/internal/heap/sparseprt"
)

// RecordResult is the outcome of Sets.Record.
type RecordResult int

const (
	// Skipped means source and target are in the same region.
	Skipped RecordResult = iota
	// Found means the source card was already remembered.
	Found
	// Added means the source card was added to the sparse table.
	Added
	// Coarse means the source region was already tracked coarsely.
	Coarse
	// Coarsened means this record overflowed the sparse entry and the
	// source region was promoted to coarse tracking.
	Coarsened
)

// Config holds the sparse table parameters of every target region. Zero
// values select the sparseprt defaults.
type Config struct {
	// CardsPerEntry is the sparse entry capacity K.
	CardsPerEntry int
	// InitialCapacity is each sparse table's initial bucket count.
	InitialCapacity int
}

// targetSet is the remembered set of one target region.
type targetSet struct {
	sparse *sparseprt.Table
	coarse []uint64 // one bit per source region
}

func (ts *targetSet) isCoarse(src sparseprt.RegionIdx) bool {
	return ts.coarse[src/64]&(1<<(src%64)) != 0
}

func (ts *targetSet) setCoarse(src sparseprt.RegionIdx) {
	ts.coarse[src/64] |= 1 << (src % 64)
}

func (ts *targetSet) coarseCount() int {
	n := 0
	for _, w := range ts.coarse {
		n += bits.OnesCount64(w)
	}
	return n
}

// Sets holds the remembered sets of every region of the heap.
//
// Thread Safety: all methods are safe for concurrent use; they serialize on
// an internal mutex.
type Sets struct {
	layout *Layout
	bot    *bot.Table
	model  objmodel.RefModel
	cfg    sparseprt.Config

	mu      sync.Mutex
	targets []*targetSet
}

// NewSets returns empty remembered sets over layout. bt and model are used
// by Scan to find the objects on remembered cards.
func NewSets(layout *Layout, bt *bot.Table, model objmodel.RefModel, cfg Config) (*Sets, error) {
	pcfg := sparseprt.Config{
		CardsPerEntry:   cfg.CardsPerEntry,
		InitialCapacity: cfg.InitialCapacity,
		CardsPerRegion:  layout.CardsPerRegion(),
	}
	// Validate the sparse parameters up front so lazy table creation
	// cannot fail later.
	if _, err := sparseprt.New(pcfg); err != nil {
		return nil, err
	}
	return &Sets{
		layout:  layout,
		bot:     bt,
		model:   model,
		cfg:     pcfg,
		targets: make([]*targetSet, layout.NumRegions()),
	}, nil
}

// Layout returns the region partition.
func (s *Sets) Layout() *Layout { return s.layout }

func (s *Sets) targetLocked(r sparseprt.RegionIdx) *targetSet {
	ts := s.targets[r]
	if ts == nil {
		sparse, err := sparseprt.New(s.cfg)
		invariant.Guarantee(err == nil, "remset: sparse table config rejected after validation: %v", err)
		ts = &targetSet{
			sparse: sparse,
			coarse: make([]uint64, (s.layout.NumRegions()+63)/64),
		}
		s.targets[r] = ts
	}
	return ts
}

// Record remembers that the card holding slot contains a reference to
// target.
func (s *Sets) Record(slot, target mem.Addr) RecordResult {
	src := s.layout.RegionFor(slot)
	dst := s.layout.RegionFor(target)
	if src == dst {
		return Skipped
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.targetLocked(dst)
	if ts.isCoarse(src) {
		return Coarse
	}
	switch ts.sparse.AddCard(src, s.layout.CardInRegion(slot)) {
	case sparseprt.Found:
		return Found
	case sparseprt.Added:
		return Added
	default:
		ts.setCoarse(src)
		ts.sparse.DeleteEntry(src)
		return Coarsened
	}
}

// Contains reports whether the card holding slot is remembered for the
// target region, either exactly or through coarse tracking.
func (s *Sets) Contains(target sparseprt.RegionIdx, slot mem.Addr) bool {
	src := s.layout.RegionFor(slot)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.targets[target]
	if ts == nil {
		return false
	}
	return ts.isCoarse(src) || ts.sparse.ContainsCard(src, s.layout.CardInRegion(slot))
}

// IsCoarse reports whether src is tracked coarsely for target.
func (s *Sets) IsCoarse(target, src sparseprt.RegionIdx) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.targets[target]
	return ts != nil && ts.isCoarse(src)
}

// Clear forgets every remembered card. Called at the start of a collection
// cycle.
func (s *Sets) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.targets {
		if ts == nil {
			continue
		}
		ts.sparse.Clear()
		clear(ts.coarse)
	}
}

// cardsLocked returns the remembered cards of target clipped to used, in
// ascending address order. A source region is either sparse or coarse, so
// no card is produced twice.
func (s *Sets) cardsLocked(target sparseprt.RegionIdx, used mem.Region) []mem.Region {
	ts := s.targets[target]
	if ts == nil {
		return nil
	}

	var abs []uint64
	for it := ts.sparse.NewIterator(); ; {
		card, ok := it.Next()
		if !ok {
			break
		}
		abs = append(abs, card)
	}

	perRegion := s.layout.CardsPerRegion()
	for w, word := range ts.coarse {
		for word != 0 {
			src := uint64(w*64 + bits.TrailingZeros64(word))
			word &= word - 1
			for c := uint64(0); c < perRegion; c++ {
				abs = append(abs, src*perRegion+c)
			}
		}
	}

	slices.Sort(abs)
	out := make([]mem.Region, 0, len(abs))
	for _, card := range abs {
		mr := s.layout.AbsoluteCardRegion(card).Intersect(used)
		if !mr.IsEmpty() {
			out = append(out, mr)
		}
	}
	return out
}

// Cards returns the remembered cards of target that overlap used, in
// address order.
func (s *Sets) Cards(target sparseprt.RegionIdx, used mem.Region) []mem.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cardsLocked(target, used)
}

// Stats summarizes remembered-set occupancy.
type Stats struct {
	Targets       int
	SparseEntries int
	SparseCards   int
	CoarseRegions int
	MemSize       uint64
}

// Stats returns the current occupancy over all targets.
func (s *Sets) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, ts := range s.targets {
		if ts == nil {
			continue
		}
		st.Targets++
		st.SparseEntries += ts.sparse.OccupiedEntries()
		st.SparseCards += ts.sparse.OccupiedCards()
		st.CoarseRegions += ts.coarseCount()
		st.MemSize += ts.sparse.MemSize() + uint64(len(ts.coarse))*8
	}
	return st
}
