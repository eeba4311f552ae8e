package objmodel

import (
	"fmt"

	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
)

// PointerWidth selects how references are stored in object slots.
type PointerWidth int

const (
	// Wide stores raw 8-byte addresses.
	Wide PointerWidth = iota
	// Narrow stores 4-byte word offsets from the heap base.
	Narrow
)

// String returns the width name.
func (w PointerWidth) String() string {
	switch w {
	case Wide:
		return "wide"
	case Narrow:
		return "narrow"
	default:
		return fmt.Sprintf("width(%d)", int(w))
	}
}

// ParsePointerWidth parses "wide" or "narrow".
func ParsePointerWidth(s string) (PointerWidth, error) {
	switch s {
	case "wide":
		return Wide, nil
	case "narrow":
		return Narrow, nil
	default:
		return 0, fmt.Errorf("objmodel: unknown pointer width %q", s)
	}
}

// RefLayout is the reference-width strategy: how a reference slot is laid
// out in memory. It is resolved once, when the heap is created, and every
// slot access goes through it.
type RefLayout interface {
	Width() PointerWidth
	// SlotBytes returns the size of one reference slot.
	SlotBytes() uint64
	Load(store WordStore, slot mem.Addr) mem.Addr
	Store(store WordStore, slot, target mem.Addr)
}

// Resolve returns the RefLayout for width. base is the lowest address a
// narrow reference can encode (the heap's reserved start).
func Resolve(width PointerWidth, base mem.Addr) RefLayout {
	switch width {
	case Narrow:
		return narrowRefs{base: base}
	default:
		return wideRefs{}
	}
}

type wideRefs struct{}

func (wideRefs) Width() PointerWidth { return Wide }
func (wideRefs) SlotBytes() uint64   { return mem.BytesPerWord }

func (wideRefs) Load(store WordStore, slot mem.Addr) mem.Addr {
	return mem.Addr(store.LoadWord(slot))
}

func (wideRefs) Store(store WordStore, slot, target mem.Addr) {
	store.StoreWord(slot, uint64(target))
}

// narrowRefs encodes a reference as (target-base)/8 + 1 in 32 bits, with 0
// standing for null. That reaches 32 GiB above base.
type narrowRefs struct {
	base mem.Addr
}

// NarrowReach is the number of bytes above the base a narrow reference can
// address.
const NarrowReach = (1<<32 - 1) << mem.LogBytesPerWord

func (narrowRefs) Width() PointerWidth { return Narrow }
func (narrowRefs) SlotBytes() uint64   { return 4 }

func (n narrowRefs) Load(store WordStore, slot mem.Addr) mem.Addr {
	v := store.Load32(slot)
	if v == 0 {
		return mem.Null
	}
	return n.base.AddWords(uint64(v - 1))
}

func (n narrowRefs) Store(store WordStore, slot, target mem.Addr) {
	if target == mem.Null {
		store.Store32(slot, 0)
		return
	}
	invariant.Guarantee(target >= n.base && uint64(target-n.base) < NarrowReach && target.IsWordAligned(),
		"objmodel: %s cannot be encoded as a narrow reference from base %s", target, n.base)
	store.Store32(slot, uint32(mem.WordDelta(target, n.base)+1))
}
