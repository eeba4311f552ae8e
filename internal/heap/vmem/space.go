// Package vmem is the reference virtual-memory collaborator of the heap.
//
// A Space is an address-range reservation with a separately tracked
// committed prefix [Low, High). Only committed memory may be read or
// written; committing and uncommitting happen in multiples of the space's
// alignment (its commit granularity, normally a page).
//
// Addresses are synthetic (see package mem). Each reservation receives a
// fresh, non-overlapping range from a process-wide address allocator, and
// its contents are backed by a Go slice sized for the whole reservation.
// The slice is never reallocated, so concurrent readers and writers of the
// committed prefix are unaffected by commits and uncommits elsewhere.
//
// Word and half-word access is atomic so that allocating goroutines can
// publish object headers while scanners read neighbouring objects.
package vmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
)

var (
	// ErrInvalidSize is returned for zero or misaligned reservation sizes.
	ErrInvalidSize = errors.New("vmem: invalid reservation size")

	// ErrInvalidAlignment is returned when the alignment is not a power of
	// two multiple of the word size.
	ErrInvalidAlignment = errors.New("vmem: invalid alignment")
)

// addressBase is where the synthetic address allocator starts handing out
// reservations. Keeping it far from zero means small integers never look
// like heap addresses in tests.
const addressBase = 0x10_0000_0000

// reservationGap separates consecutive reservations so that off-by-one
// arithmetic on one space never lands inside another.
const reservationGap = 1 << 20

var nextAddress atomic.Uint64

func init() {
	nextAddress.Store(addressBase)
}

// reserveRange claims size bytes of synthetic address space aligned to
// alignment.
func reserveRange(size, alignment uint64) mem.Addr {
	align := max(alignment, reservationGap)
	for {
		cur := nextAddress.Load()
		start := mem.AlignUp(cur, align)
		next := start + size + reservationGap
		if nextAddress.CompareAndSwap(cur, next) {
			return mem.Addr(start)
		}
	}
}

// Option configures a Space.
type Option func(s *Space)

// WithCommitLimit caps the number of bytes that may be committed at once.
// Commits that would exceed the limit fail as if the operating system had
// refused them. Zero means no limit.
func WithCommitLimit(bytes uint64) Option {
	return func(s *Space) {
		s.commitLimit = bytes
	}
}

// Space is a reserved address range with a committed prefix.
//
// Thread Safety: Initialize, ExpandBy and ShrinkBy are serialized by an
// internal mutex (callers additionally hold the generation's resize lock).
// Word access is lock-free and safe for concurrent use.
type Space struct {
	reserved    mem.Region
	alignment   uint64
	commitLimit uint64

	// high is the end of the committed prefix.
	high atomic.Uint64

	// words backs the whole reservation; halves is the same memory viewed
	// as 32-bit units for narrow reference slots.
	words  []uint64
	halves []uint32

	mu sync.Mutex
}

// Reserve reserves size bytes aligned to alignment. Nothing is committed.
func Reserve(size, alignment uint64, opts ...Option) (*Space, error) {
	if alignment < mem.BytesPerWord || !mem.IsPowerOfTwo(alignment) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAlignment, alignment)
	}
	if size == 0 || !mem.IsAligned(size, alignment) {
		return nil, fmt.Errorf("%w: %d bytes is not a positive multiple of %d", ErrInvalidSize, size, alignment)
	}

	start := reserveRange(size, alignment)
	words := make([]uint64, size>>mem.LogBytesPerWord)
	s := &Space{
		reserved:  mem.Region{Start: start, End: start + mem.Addr(size)},
		alignment: alignment,
		words:     words,
		//nolint:gosec // G103: reinterpreting the word slice as 32-bit units for narrow slots.
		halves: unsafe.Slice((*uint32)(unsafe.Pointer(unsafe.SliceData(words))), 2*len(words)),
	}
	s.high.Store(uint64(start))

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialize commits the first committed bytes of the reservation. It fails
// if anything is already committed or the commit cannot be satisfied.
func (s *Space) Initialize(committed uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committedLocked() != 0 {
		return false
	}
	return s.expandLocked(committed)
}

// ExpandBy commits bytes more memory directly after High. The request must
// be a multiple of the alignment. It returns false when the reservation or
// the commit limit would be exceeded; nothing changes in that case.
func (s *Space) ExpandBy(bytes uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expandLocked(bytes)
}

func (s *Space) expandLocked(bytes uint64) bool {
	invariant.Guarantee(mem.IsAligned(bytes, s.alignment),
		"vmem: expand by %d is not aligned to %d", bytes, s.alignment)

	if bytes == 0 {
		return true
	}
	committed := s.committedLocked()
	if bytes > s.reserved.ByteSize()-committed {
		return false
	}
	if s.commitLimit != 0 && committed+bytes > s.commitLimit {
		return false
	}
	s.high.Add(bytes)
	return true
}

// ShrinkBy uncommits bytes from the top of the committed prefix and zeroes
// the released memory. The request must be aligned and not exceed the
// committed size.
func (s *Space) ShrinkBy(bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invariant.Guarantee(mem.IsAligned(bytes, s.alignment),
		"vmem: shrink by %d is not aligned to %d", bytes, s.alignment)
	invariant.Guarantee(bytes <= s.committedLocked(),
		"vmem: shrink by %d exceeds committed %d", bytes, s.committedLocked())

	oldHigh := mem.Addr(s.high.Load())
	newHigh := oldHigh - mem.Addr(bytes)
	s.high.Store(uint64(newHigh))

	from := s.wordIndex(newHigh)
	to := s.wordIndex(oldHigh)
	for i := from; i < to; i++ {
		atomic.StoreUint64(&s.words[i], 0)
	}
}

func (s *Space) committedLocked() uint64 {
	return s.high.Load() - uint64(s.reserved.Start)
}

// Alignment returns the commit granularity.
func (s *Space) Alignment() uint64 { return s.alignment }

// Low returns the start of the committed prefix (the reservation start).
func (s *Space) Low() mem.Addr { return s.reserved.Start }

// High returns the end of the committed prefix.
func (s *Space) High() mem.Addr { return mem.Addr(s.high.Load()) }

// LowBoundary returns the start of the reservation.
func (s *Space) LowBoundary() mem.Addr { return s.reserved.Start }

// HighBoundary returns the end of the reservation.
func (s *Space) HighBoundary() mem.Addr { return s.reserved.End }

// Reserved returns the reserved region.
func (s *Space) Reserved() mem.Region { return s.reserved }

// Committed returns the committed region [Low, High).
func (s *Space) Committed() mem.Region {
	return mem.Region{Start: s.reserved.Start, End: s.High()}
}

// CommittedSize returns the committed byte count.
func (s *Space) CommittedSize() uint64 {
	return s.high.Load() - uint64(s.reserved.Start)
}

// ReservedSize returns the reserved byte count.
func (s *Space) ReservedSize() uint64 { return s.reserved.ByteSize() }

// UncommittedSize returns the reserved but uncommitted byte count.
func (s *Space) UncommittedSize() uint64 {
	return s.ReservedSize() - s.CommittedSize()
}

// IsCommitted reports whether addr lies in the committed prefix.
func (s *Space) IsCommitted(addr mem.Addr) bool {
	return addr >= s.reserved.Start && addr < s.High()
}

func (s *Space) wordIndex(addr mem.Addr) int {
	return int(mem.WordDelta(addr, s.reserved.Start))
}

func (s *Space) checkAccess(addr mem.Addr, width uint64) {
	invariant.Guarantee(addr >= s.reserved.Start && uint64(addr)+width <= s.high.Load(),
		"vmem: access at %s outside committed %s", addr, s.Committed())
	invariant.Guarantee(uint64(addr)&(width-1) == 0, "vmem: misaligned %d-byte access at %s", width, addr)
}

// LoadWord atomically reads the word at addr.
func (s *Space) LoadWord(addr mem.Addr) uint64 {
	s.checkAccess(addr, mem.BytesPerWord)
	return atomic.LoadUint64(&s.words[s.wordIndex(addr)])
}

// StoreWord atomically writes the word at addr.
func (s *Space) StoreWord(addr mem.Addr, v uint64) {
	s.checkAccess(addr, mem.BytesPerWord)
	atomic.StoreUint64(&s.words[s.wordIndex(addr)], v)
}

// Load32 atomically reads the 4-byte unit at addr.
func (s *Space) Load32(addr mem.Addr) uint32 {
	s.checkAccess(addr, 4)
	return atomic.LoadUint32(&s.halves[(addr-s.reserved.Start)>>2])
}

// Store32 atomically writes the 4-byte unit at addr.
func (s *Space) Store32(addr mem.Addr, v uint32) {
	s.checkAccess(addr, 4)
	atomic.StoreUint32(&s.halves[(addr-s.reserved.Start)>>2], v)
}

// String summarizes the space for traces.
func (s *Space) String() string {
	return fmt.Sprintf("vmem %s committed %s of %s",
		s.reserved, mem.FormatBytes(s.CommittedSize()), mem.FormatBytes(s.ReservedSize()))
}
