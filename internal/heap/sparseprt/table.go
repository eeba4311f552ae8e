// Package sparseprt implements the sparse per-region remembered-set table.
//
// A Table maps a source region index to the small set of card indices in
// that region that hold references into the table's owner. Each region gets
// one entry with room for K cards; the (K+1)-th distinct card of a region
// reports Overflow and the caller switches that region to a denser
// representation.
//
// Storage is arena + index:
//
//	buckets  []int32     head entry index per bucket, nullEntry if empty
//	entries  []entry     region, card count, next index in the chain
//	cards    []CardIdx   K slots per entry, entry i owns cards[i*K:(i+1)*K]
//	freeList int32       chain of deleted entries (through entry.next)
//
// Nothing is allocated per insert. Expand rebuilds all three arrays at twice
// the capacity and re-inserts every live entry.
//
// Thread Safety: a Table has no internal locking. All mutation happens
// during refinement or collection phases that the caller already serializes.
package sparseprt

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
)

// RegionIdx identifies a heap region.
type RegionIdx uint32

// CardIdx is a card index relative to the start of its region.
type CardIdx uint32

// AddCardResult is the outcome of AddCard.
type AddCardResult int

const (
	// Found means the card was already recorded.
	Found AddCardResult = iota
	// Added means the card was recorded now.
	Added
	// Overflow means the region's entry is full and the card was not
	// recorded.
	Overflow
)

// String returns the result name.
func (r AddCardResult) String() string {
	switch r {
	case Found:
		return "found"
	case Added:
		return "added"
	case Overflow:
		return "overflow"
	default:
		return fmt.Sprintf("AddCardResult(%d)", int(r))
	}
}

const (
	// UnrollFactor is the card-array scan stride. Cards per entry is always
	// a multiple of it.
	UnrollFactor = 4

	// DefaultCardsPerEntry is K when Config leaves it zero.
	DefaultCardsPerEntry = 16

	// DefaultInitialCapacity is the bucket count when Config leaves it zero.
	DefaultInitialCapacity = 16

	nullEntry int32 = -1
)

// ErrInvalidConfig is returned by New for unusable parameters.
var ErrInvalidConfig = errors.New("sparseprt: invalid config")

// Config holds table parameters. Zero values select the defaults.
type Config struct {
	// CardsPerEntry is K, rounded up to a multiple of UnrollFactor.
	CardsPerEntry int

	// InitialCapacity is the bucket count, a power of two. Clear returns
	// the table to it.
	InitialCapacity int

	// CardsPerRegion converts (region, card) pairs into the absolute card
	// indices the iterator produces. Zero means regions are not combined
	// and the iterator yields region-relative cards.
	CardsPerRegion uint64
}

type entry struct {
	region   RegionIdx
	numCards int32
	next     int32
}

// Table is a sparse remembered-set table.
type Table struct {
	cardsPerEntry   int
	initialCapacity int
	cardsPerRegion  uint64

	capacity int
	mask     uint32

	buckets []int32
	entries []entry
	cards   []CardIdx

	// freeRegion is the first never-used entry slot; freeList chains
	// deleted slots below it.
	freeRegion int32
	freeList   int32

	occupiedEntries int
	occupiedCards   int
}

// New returns an empty table.
func New(cfg Config) (*Table, error) {
	k := cfg.CardsPerEntry
	if k == 0 {
		k = DefaultCardsPerEntry
	}
	capacity := cfg.InitialCapacity
	if capacity == 0 {
		capacity = DefaultInitialCapacity
	}
	if k < 0 {
		return nil, fmt.Errorf("%w: cards per entry %d", ErrInvalidConfig, k)
	}
	if capacity < 2 || !mem.IsPowerOfTwo(uint64(capacity)) {
		return nil, fmt.Errorf("%w: capacity %d is not a power of two >= 2", ErrInvalidConfig, capacity)
	}

	t := &Table{
		cardsPerEntry:   int(mem.AlignUp(uint64(k), UnrollFactor)),
		initialCapacity: capacity,
		cardsPerRegion:  cfg.CardsPerRegion,
	}
	t.allocate(capacity)
	return t, nil
}

// allocate installs fresh, empty arrays for capacity buckets.
func (t *Table) allocate(capacity int) {
	t.capacity = capacity
	t.mask = uint32(capacity - 1)
	t.buckets = make([]int32, capacity)
	t.entries = make([]entry, capacity)
	t.cards = make([]CardIdx, capacity*t.cardsPerEntry)
	t.reset()
}

// reset empties the table without reallocating.
func (t *Table) reset() {
	for i := range t.buckets {
		t.buckets[i] = nullEntry
	}
	t.freeRegion = 0
	t.freeList = nullEntry
	t.occupiedEntries = 0
	t.occupiedCards = 0
}

// CardsPerEntry returns K.
func (t *Table) CardsPerEntry() int { return t.cardsPerEntry }

// Capacity returns the bucket count.
func (t *Table) Capacity() int { return t.capacity }

// OccupiedEntries returns the number of regions with an entry.
func (t *Table) OccupiedEntries() int { return t.occupiedEntries }

// OccupiedCards returns the number of recorded cards over all entries.
func (t *Table) OccupiedCards() int { return t.occupiedCards }

// MemSize returns the approximate heap footprint of the table in bytes.
func (t *Table) MemSize() uint64 {
	return uint64(unsafe.Sizeof(*t)) +
		uint64(len(t.buckets))*uint64(unsafe.Sizeof(int32(0))) +
		uint64(len(t.entries))*uint64(unsafe.Sizeof(entry{})) +
		uint64(len(t.cards))*uint64(unsafe.Sizeof(CardIdx(0)))
}

func (t *Table) shouldExpand() bool {
	return t.occupiedEntries*2 > t.capacity
}

func (t *Table) bucket(region RegionIdx) *int32 {
	return &t.buckets[uint32(region)&t.mask]
}

func (t *Table) entryCards(i int32) []CardIdx {
	off := int(i) * t.cardsPerEntry
	return t.cards[off : off+t.cardsPerEntry]
}

// find returns the entry index of region, or nullEntry.
func (t *Table) find(region RegionIdx) int32 {
	for i := *t.bucket(region); i != nullEntry; i = t.entries[i].next {
		if t.entries[i].region == region {
			return i
		}
	}
	return nullEntry
}

// allocEntry takes a slot from the free list or the untouched tail.
func (t *Table) allocEntry() int32 {
	if t.freeList != nullEntry {
		i := t.freeList
		t.freeList = t.entries[i].next
		return i
	}
	// Explicit check: expansion keeps occupancy at or below one half, an
	// exhausted arena means the counts are corrupt.
	invariant.Guarantee(int(t.freeRegion) < len(t.entries),
		"sparseprt: entry arena exhausted (%d entries, capacity %d)", t.occupiedEntries, t.capacity)
	i := t.freeRegion
	t.freeRegion++
	return i
}

// insertEntry creates an empty entry for region at the head of its chain.
func (t *Table) insertEntry(region RegionIdx) int32 {
	i := t.allocEntry()
	head := t.bucket(region)
	t.entries[i] = entry{region: region, numCards: 0, next: *head}
	*head = i
	t.occupiedEntries++
	return i
}

// indexOf returns the position of card in cards[:n], or -1.
func indexOf(cards []CardIdx, n int, card CardIdx) int {
	i := 0
	for ; i+UnrollFactor <= n; i += UnrollFactor {
		switch card {
		case cards[i]:
			return i
		case cards[i+1]:
			return i + 1
		case cards[i+2]:
			return i + 2
		case cards[i+3]:
			return i + 3
		}
	}
	for ; i < n; i++ {
		if cards[i] == card {
			return i
		}
	}
	return -1
}

// AddCard records card for region.
func (t *Table) AddCard(region RegionIdx, card CardIdx) AddCardResult {
	if t.shouldExpand() {
		t.Expand()
	}

	i := t.find(region)
	if i == nullEntry {
		i = t.insertEntry(region)
	}
	e := &t.entries[i]
	cards := t.entryCards(i)
	n := int(e.numCards)
	if indexOf(cards, n, card) >= 0 {
		return Found
	}
	if n == t.cardsPerEntry {
		return Overflow
	}
	cards[n] = card
	e.numCards++
	t.occupiedCards++
	return Added
}

// Entry is a snapshot of one region's recorded cards.
type Entry struct {
	Region RegionIdx
	Cards  []CardIdx
}

// GetEntry returns the entry of region.
func (t *Table) GetEntry(region RegionIdx) (Entry, bool) {
	i := t.find(region)
	if i == nullEntry {
		return Entry{}, false
	}
	return Entry{Region: region, Cards: t.GetCards(region, nil)}, true
}

// ContainsCard reports whether card is recorded for region.
func (t *Table) ContainsCard(region RegionIdx, card CardIdx) bool {
	i := t.find(region)
	if i == nullEntry {
		return false
	}
	return indexOf(t.entryCards(i), int(t.entries[i].numCards), card) >= 0
}

// GetCards appends the cards of region to dst in insertion order.
func (t *Table) GetCards(region RegionIdx, dst []CardIdx) []CardIdx {
	i := t.find(region)
	if i == nullEntry {
		return dst
	}
	return append(dst, t.entryCards(i)[:t.entries[i].numCards]...)
}

// NumCards returns the number of cards recorded for region.
func (t *Table) NumCards(region RegionIdx) int {
	i := t.find(region)
	if i == nullEntry {
		return 0
	}
	return int(t.entries[i].numCards)
}

// DeleteEntry removes region and returns its slot to the free list. It
// reports whether an entry existed.
func (t *Table) DeleteEntry(region RegionIdx) bool {
	link := t.bucket(region)
	for i := *link; i != nullEntry; i = *link {
		e := &t.entries[i]
		if e.region != region {
			link = &e.next
			continue
		}
		*link = e.next
		t.occupiedCards -= int(e.numCards)
		t.occupiedEntries--
		invariant.Assert(t.occupiedCards >= 0 && t.occupiedEntries >= 0,
			"sparseprt: negative occupancy after deleting region %d", region)

		e.numCards = 0
		e.next = t.freeList
		t.freeList = i
		return true
	}
	return false
}

// Expand doubles the capacity and re-inserts every live entry.
func (t *Table) Expand() {
	old := *t
	t.allocate(old.capacity * 2)

	for b := range old.buckets {
		for i := old.buckets[b]; i != nullEntry; i = old.entries[i].next {
			oe := old.entries[i]
			j := t.insertEntry(oe.region)
			off := int(i) * old.cardsPerEntry
			copy(t.entryCards(j), old.cards[off:off+int(oe.numCards)])
			t.entries[j].numCards = oe.numCards
			t.occupiedCards += int(oe.numCards)
		}
	}
	invariant.Assert(t.occupiedEntries == old.occupiedEntries && t.occupiedCards == old.occupiedCards,
		"sparseprt: expand lost entries (%d/%d -> %d/%d)",
		old.occupiedEntries, old.occupiedCards, t.occupiedEntries, t.occupiedCards)
}

// Clear empties the table and returns it to its initial capacity.
func (t *Table) Clear() {
	if t.capacity != t.initialCapacity {
		t.allocate(t.initialCapacity)
		return
	}
	t.reset()
}

// Stats is a point-in-time summary of a table.
type Stats struct {
	Capacity        int
	OccupiedEntries int
	OccupiedCards   int
	FreeListLen     int
	MemSize         uint64
}

// Stats returns the table's occupancy.
func (t *Table) Stats() Stats {
	free := 0
	for i := t.freeList; i != nullEntry; i = t.entries[i].next {
		free++
	}
	return Stats{
		Capacity:        t.capacity,
		OccupiedEntries: t.occupiedEntries,
		OccupiedCards:   t.occupiedCards,
		FreeListLen:     free,
		MemSize:         t.MemSize(),
	}
}
