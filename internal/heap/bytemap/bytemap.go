// Package bytemap implements an atomic one-byte-per-slot array.
//
// Card tables and block offset tables are both "one byte per card" side
// tables that are written by one goroutine while other goroutines read
// neighbouring bytes. Go has no atomic byte type, so Map packs four slots
// into each uint32 word and performs every access with sync/atomic:
//
//   - Load:  atomic word load, then shift and mask
//   - Store: CAS loop replacing one byte of the word
//   - Fill:  whole-word stores for the aligned middle of a range
//
// The backing array is sized once, for the largest slot count the map will
// ever track (the reserved address range). Resizing only moves the logical
// length, so a concurrent Store into the live prefix is never lost to a
// reallocation.
package bytemap

import (
	"sync/atomic"

	"github.com/kolkov/gcheap/internal/heap/invariant"
)

const (
	slotsPerWord = 4
	slotShift    = 2 // log2(slotsPerWord)
	slotMask     = slotsPerWord - 1
	byteBits     = 8
)

// Map is an array of atomically accessed bytes.
//
// Memory layout: slot i lives in words[i/4] at bit offset 8*(i%4).
//
// Thread Safety: Load, Store and Fill are safe for concurrent use on any
// slots. Resize must be serialized by the caller (the heap's resize lock);
// readers racing with a Resize see either the old or the new length.
type Map struct {
	words []uint32
	n     atomic.Int64
}

// New returns a Map with capacity for maxSlots slots and an initial logical
// length of n, every slot set to fill.
func New(maxSlots, n int, fill byte) *Map {
	invariant.Guarantee(maxSlots >= 0 && n >= 0 && n <= maxSlots,
		"bytemap: invalid length %d for capacity %d", n, maxSlots)

	m := &Map{
		words: make([]uint32, (maxSlots+slotMask)>>slotShift),
	}
	m.n.Store(int64(n))
	m.Fill(0, n, fill)
	return m
}

// Len returns the logical number of slots.
func (m *Map) Len() int {
	return int(m.n.Load())
}

// Cap returns the number of slots the backing array can hold.
func (m *Map) Cap() int {
	return len(m.words) << slotShift
}

func (m *Map) check(i int) {
	// Explicit bounds check: an index past the logical length would write
	// into bytes owned by a part of the heap that is not covered.
	invariant.Guarantee(i >= 0 && i < m.Len(), "bytemap: slot %d out of range [0, %d)", i, m.Len())
}

// Load returns slot i.
func (m *Map) Load(i int) byte {
	m.check(i)
	w := atomic.LoadUint32(&m.words[i>>slotShift])
	return byte(w >> (uint(i&slotMask) * byteBits))
}

// Store sets slot i to v.
func (m *Map) Store(i int, v byte) {
	m.check(i)
	m.store(i, v)
}

func (m *Map) store(i int, v byte) {
	p := &m.words[i>>slotShift]
	shift := uint(i&slotMask) * byteBits
	mask := uint32(0xFF) << shift
	for {
		old := atomic.LoadUint32(p)
		updated := (old &^ mask) | uint32(v)<<shift
		if old == updated || atomic.CompareAndSwapUint32(p, old, updated) {
			return
		}
	}
}

// CompareAndSwap sets slot i to newV if it currently holds oldV.
func (m *Map) CompareAndSwap(i int, oldV, newV byte) bool {
	m.check(i)
	p := &m.words[i>>slotShift]
	shift := uint(i&slotMask) * byteBits
	mask := uint32(0xFF) << shift
	for {
		old := atomic.LoadUint32(p)
		if byte(old>>shift) != oldV {
			return false
		}
		updated := (old &^ mask) | uint32(newV)<<shift
		if atomic.CompareAndSwapUint32(p, old, updated) {
			return true
		}
	}
}

// Fill sets slots [from, to) to v.
func (m *Map) Fill(from, to int, v byte) {
	if from >= to {
		return
	}
	invariant.Guarantee(from >= 0 && to <= m.Cap(), "bytemap: fill [%d, %d) out of range", from, to)

	// Unaligned head.
	for from < to && from&slotMask != 0 {
		m.store(from, v)
		from++
	}
	// Whole words.
	pattern := uint32(v) * 0x01010101
	for from+slotsPerWord <= to {
		atomic.StoreUint32(&m.words[from>>slotShift], pattern)
		from += slotsPerWord
	}
	// Tail.
	for from < to {
		m.store(from, v)
		from++
	}
}

// Resize changes the logical length to n. Slots that become live are set to
// fill; slots that fall off the end keep their bytes until they are live
// again, at which point they are refilled.
func (m *Map) Resize(n int, fill byte) {
	invariant.Guarantee(n >= 0 && n <= m.Cap(), "bytemap: resize to %d exceeds capacity %d", n, m.Cap())

	old := m.Len()
	if n > old {
		m.Fill(old, n, fill)
	}
	m.n.Store(int64(n))
}
