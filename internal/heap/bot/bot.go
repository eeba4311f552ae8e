// Package bot implements the block offset table (BOT).
//
// The BOT answers "where does the object covering this address start?" for
// a contiguously allocated space. It keeps one byte per BOT card (512 bytes
// by default, independent of the write-barrier card size):
//
//	entry < N_words          literal: the object covering the first word of
//	                         this card starts entry words before the card
//	entry = N_words + i      backward jump: look 16^i cards further back
//
// with N_words the number of words per card. A literal can only describe a
// block start inside the previous card, so the card that holds the first
// card boundary of a block gets the literal and every later card of the
// block gets the largest jump code that does not overshoot that first card.
// Lookups therefore take O(log16(distance)) jumps followed by a forward walk
// that never leaves the card being resolved (the table is precise).
//
// Jump codes use base 16 (LogBase = 4) and NPowers = 8 powers, so a single
// chain of jumps reaches 16^7 cards back, far beyond any generation this
// heap supports.
//
// # Concurrency
//
// An allocating goroutine only writes the entries of cards whose first word
// lies inside the block it just carved out, so writers never overlap.
// Entries live in an atomic byte map and can be read by scanners working on
// other cards at any time.
package bot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kolkov/gcheap/internal/heap/bytemap"
	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/objmodel"
)

const (
	// LogBase is log2 of the jump base: code N_words+i jumps 2^(LogBase*i)
	// cards.
	LogBase = 4

	// NPowers is the number of jump codes.
	NPowers = 8

	// DefaultLogCardBytes selects 512-byte BOT cards.
	DefaultLogCardBytes = 9

	// MinLogCardBytes and MaxLogCardBytes bound the card size so that every
	// literal and every jump code fits in one byte.
	MinLogCardBytes = 6
	MaxLogCardBytes = 10
)

// ErrInvalidCardSize is returned for an unsupported BOT card size or a
// reservation that is not card-aligned.
var ErrInvalidCardSize = errors.New("bot: invalid card size")

// PowerToCardsBack returns the jump distance in cards of code N_words+i.
func PowerToCardsBack(i int) uint64 {
	return uint64(1) << (LogBase * uint(i))
}

// Table is the block offset table of one contiguous space.
type Table struct {
	reserved     mem.Region
	logCardBytes uint
	cardWords    uint64 // N_words
	sizer        objmodel.Sizer

	entries *bytemap.Map

	// covered only changes under the generation's resize lock; mu makes
	// Covered safe to call from diagnostics.
	mu      sync.RWMutex
	covered mem.Region
}

// New returns a BOT able to cover any part of reserved. sizer supplies
// object sizes for the forward walk of ObjectStart.
func New(reserved mem.Region, logCardBytes uint, sizer objmodel.Sizer) (*Table, error) {
	if logCardBytes < MinLogCardBytes || logCardBytes > MaxLogCardBytes {
		return nil, fmt.Errorf("%w: log %d not in [%d, %d]", ErrInvalidCardSize, logCardBytes, MinLogCardBytes, MaxLogCardBytes)
	}
	cardBytes := uint64(1) << logCardBytes
	if !mem.IsAligned(uint64(reserved.Start), cardBytes) || !mem.IsAligned(uint64(reserved.End), cardBytes) {
		return nil, fmt.Errorf("%w: %s is not aligned to %d-byte cards", ErrInvalidCardSize, reserved, cardBytes)
	}

	return &Table{
		reserved:     reserved,
		logCardBytes: logCardBytes,
		cardWords:    cardBytes >> mem.LogBytesPerWord,
		sizer:        sizer,
		entries:      bytemap.New(int(reserved.ByteSize()>>logCardBytes), 0, 0),
		covered:      mem.Region{Start: reserved.Start, End: reserved.Start},
	}, nil
}

// CardWords returns N_words, the number of heap words per BOT card.
func (t *Table) CardWords() uint64 { return t.cardWords }

// CardBytes returns the BOT card size in bytes.
func (t *Table) CardBytes() uint64 { return t.cardWords << mem.LogBytesPerWord }

// IndexFor returns the card index of addr.
func (t *Table) IndexFor(addr mem.Addr) int {
	return int(uint64(addr-t.reserved.Start) >> t.logCardBytes)
}

// AddrForIndex returns the first address of card index.
func (t *Table) AddrForIndex(index int) mem.Addr {
	return t.reserved.Start + mem.Addr(uint64(index)<<t.logCardBytes)
}

// Entry returns the raw entry of card index.
func (t *Table) Entry(index int) byte {
	return t.entries.Load(index)
}

// IsJump reports whether entry encodes a backward jump.
func (t *Table) IsJump(entry byte) bool {
	return uint64(entry) >= t.cardWords
}

// EntryToCardsBack returns the jump distance of a jump entry.
func (t *Table) EntryToCardsBack(entry byte) uint64 {
	invariant.Assert(t.IsJump(entry), "bot: entry %d is a literal", entry)
	return PowerToCardsBack(int(uint64(entry) - t.cardWords))
}

// Covered returns the covered region.
func (t *Table) Covered() mem.Region {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.covered
}

// SetCoveredRegion makes the table cover mr, which must start at the
// reservation start. Entries of the surviving prefix are preserved; newly
// covered entries are zeroed.
func (t *Table) SetCoveredRegion(mr mem.Region) {
	invariant.Guarantee(mr.Start == t.reserved.Start && t.reserved.ContainsRegion(mr),
		"bot: covered region %s not a prefix of %s", mr, t.reserved)
	invariant.Guarantee(mem.IsAligned(uint64(mr.End), t.CardBytes()),
		"bot: covered region %s is not card-aligned", mr)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Resize(int(mr.ByteSize()>>t.logCardBytes), 0)
	t.covered = mr
}

// UpdateForBlock records the block [start, end) in the table.
func (t *Table) UpdateForBlock(start, end mem.Addr) {
	invariant.Guarantee(start < end && start.IsWordAligned() && end.IsWordAligned(),
		"bot: bad block [%s, %s)", start, end)

	boundary := mem.AlignAddrUp(start, t.CardBytes())
	if boundary >= end {
		// The block lies inside one card and crosses no card start.
		return
	}
	first := t.IndexFor(boundary)
	last := t.IndexFor(end - 1)

	// Explicit bounds check: the byte map only covers the live prefix, an
	// entry past it would belong to uncommitted space.
	invariant.Guarantee(last < t.entries.Len(), "bot: block [%s, %s) past covered end", start, end)

	literal := mem.WordDelta(boundary, start)
	invariant.Assert(literal < t.cardWords, "bot: literal %d too large", literal)
	t.entries.Store(first, byte(literal))

	t.setRemainderToPointToStart(first, last)
}

// setRemainderToPointToStart fills cards (first, last] with jump codes
// pointing (transitively) back to card first.
func (t *Table) setRemainderToPointToStart(first, last int) {
	if last <= first {
		return
	}
	from := first + 1
	for i := 0; i < NPowers && from <= last; i++ {
		// Cards that are at most 16^(i+1)-1 cards after first use code i;
		// the last power takes everything beyond.
		reach := last
		if i < NPowers-1 {
			reach = min(last, first+int(PowerToCardsBack(i+1))-1)
		}
		t.entries.Fill(from, reach+1, byte(t.cardWords+uint64(i)))
		from = reach + 1
	}
}

// decodeStart follows jump entries from card index and returns the block
// start recorded by the literal it reaches.
func (t *Table) decodeStart(index int) mem.Addr {
	entry := t.entries.Load(index)
	for t.IsJump(entry) {
		back := int(t.EntryToCardsBack(entry))
		// A jump below card zero means the entry points past the bottom of
		// the generation; following it would read outside the table.
		invariant.Guarantee(back <= index, "bot: card %d jumps back %d cards past the bottom", index, back)
		index -= back
		entry = t.entries.Load(index)
	}
	return t.AddrForIndex(index).SubWords(uint64(entry))
}

// ObjectStart returns the start of the object containing addr. addr must lie
// in the allocated part of the covered region.
func (t *Table) ObjectStart(addr mem.Addr) mem.Addr {
	index := t.IndexFor(addr)
	q := t.decodeStart(index)
	invariant.Assert(q <= addr, "bot: decoded start %s above %s", q, addr)
	invariant.Guarantee(q >= t.reserved.Start, "bot: decoded start %s below covered start", q)

	// A precise entry names the block covering the card's first word, so
	// every step of the walk lands inside addr's card.
	cardStart := t.AddrForIndex(index)
	n := q
	for {
		size := t.sizer.SizeInWords(n)
		invariant.Guarantee(size > 0, "bot: zero-sized object at %s", n)
		next := n.AddWords(size)
		invariant.Assert(next > cardStart, "bot: forward walk from %s stepped to %s, short of card %d at %s",
			q, next, index, cardStart)
		if next > addr {
			return n
		}
		n = next
	}
}

// Rebuild re-records every object in [bottom, top). Used after the space's
// contents were rearranged wholesale (compaction).
func (t *Table) Rebuild(bottom, top mem.Addr) {
	for p := bottom; p < top; {
		end := p.AddWords(t.sizer.SizeInWords(p))
		t.UpdateForBlock(p, end)
		p = end
	}
}

// VerifyError describes a card whose entry resolves to the wrong object.
type VerifyError struct {
	Card     int
	CardAddr mem.Addr
	Got      mem.Addr
	Want     mem.Addr
}

// Error implements the error interface.
func (e *VerifyError) Error() string {
	return fmt.Sprintf("bot: card %d (%s) resolves to %s, want %s", e.Card, e.CardAddr, e.Got, e.Want)
}

// Verify walks the objects in [bottom, top) and checks that every card
// whose first word lies in that range decodes to the object covering it.
func (t *Table) Verify(bottom, top mem.Addr) error {
	card := t.IndexFor(mem.AlignAddrUp(bottom, t.CardBytes()))
	for p := bottom; p < top; {
		end := p.AddWords(t.sizer.SizeInWords(p))
		for ; t.AddrForIndex(card) < end && t.AddrForIndex(card) < top; card++ {
			if got := t.decodeStart(card); got != p {
				return &VerifyError{Card: card, CardAddr: t.AddrForIndex(card), Got: got, Want: p}
			}
		}
		p = end
	}
	return nil
}
