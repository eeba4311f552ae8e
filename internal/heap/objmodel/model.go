// Package objmodel is the object-model collaborator of the heap core.
//
// The heap core needs very little from the object model:
//
//   - Sizer: the size of the object starting at an address (BOT forward walk,
//     block iteration)
//   - Model: Sizer plus "is this address a live object start"
//   - RefModel: Model plus reference-slot iteration (refinement and
//     remembered-set scanning)
//
// HeaderModel is the reference implementation used by the heap context,
// the CLI and the tests. It keeps a one-word header in front of every
// object:
//
//	bit 0      start marker (always 1, so zeroed memory is never an object)
//	bits 1..7  Kind
//	bits 8..63 object size in words, header included
//
// Reference arrays carry their element count in the second word. Reference
// slots are read and written through a RefLayout, the reference-width
// strategy selected once when the heap is created.
package objmodel

import (
	"fmt"

	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
)

// Sizer reports object sizes.
type Sizer interface {
	// SizeInWords returns the size of the object starting at obj.
	SizeInWords(obj mem.Addr) uint64
}

// Model is the object-model contract consumed by the BOT and block walks.
type Model interface {
	Sizer
	// IsObjectStart reports whether addr is the start of a formatted object.
	IsObjectStart(addr mem.Addr) bool
}

// RefModel adds reference-slot access for refinement.
type RefModel interface {
	Model
	// IsRefArray reports whether obj is an array of references. Writes into
	// arrays are card-marked precisely, all other writes imprecisely.
	IsRefArray(obj mem.Addr) bool
	// IterateRefSlots calls fn for every reference slot of obj that lies in
	// mr. Iteration stops early when fn returns false.
	IterateRefSlots(obj mem.Addr, mr mem.Region, fn func(slot mem.Addr) bool)
	// LoadRef reads the reference stored in slot.
	LoadRef(slot mem.Addr) mem.Addr
}

// Kind is the shape of an object.
type Kind uint8

const (
	// KindData objects contain no references.
	KindData Kind = iota + 1
	// KindInstance objects use every payload slot as a reference field.
	KindInstance
	// KindRefArray objects store a length word and then reference elements.
	KindRefArray
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindInstance:
		return "instance"
	case KindRefArray:
		return "ref-array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	startBit  = 1
	kindShift = 1
	kindMask  = 0x7F
	sizeShift = 8

	// arrayHeaderWords is header + length.
	arrayHeaderWords = 2

	// MinObjectWords is the smallest object the model formats.
	MinObjectWords = 1

	// MaxObjectWords is the largest size the header can encode.
	MaxObjectWords = 1<<(64-sizeShift) - 1
)

// WordStore is the memory the model formats objects in (vmem.Space).
type WordStore interface {
	LoadWord(addr mem.Addr) uint64
	StoreWord(addr mem.Addr, v uint64)
	Load32(addr mem.Addr) uint32
	Store32(addr mem.Addr, v uint32)
}

// HeaderModel implements RefModel over a WordStore.
//
// Thread Safety: all methods are safe for concurrent use; formatting an
// object is a single atomic header store, published before the object is
// handed to other goroutines.
type HeaderModel struct {
	store WordStore
	refs  RefLayout
}

// NewHeaderModel returns a model reading and writing objects in store and
// encoding references with refs.
func NewHeaderModel(store WordStore, refs RefLayout) *HeaderModel {
	return &HeaderModel{store: store, refs: refs}
}

// Refs returns the reference-width strategy.
func (m *HeaderModel) Refs() RefLayout { return m.refs }

func encodeHeader(kind Kind, words uint64) uint64 {
	return words<<sizeShift | uint64(kind&kindMask)<<kindShift | startBit
}

// Format writes the header of an object of the given kind and size.
// For KindRefArray use FormatRefArray instead.
func (m *HeaderModel) Format(obj mem.Addr, kind Kind, words uint64) {
	invariant.Guarantee(words >= MinObjectWords, "objmodel: object size %d too small", words)
	invariant.Guarantee(words <= MaxObjectWords, "objmodel: object size %d too large", words)
	invariant.Guarantee(kind != KindRefArray, "objmodel: arrays need FormatRefArray")
	m.clearPayload(obj, words)
	m.store.StoreWord(obj, encodeHeader(kind, words))
}

// RefArrayWords returns the size in words of a reference array.
// length must not exceed MaxRefArrayLength.
func (m *HeaderModel) RefArrayWords(length uint64) uint64 {
	invariant.Guarantee(length <= m.MaxRefArrayLength(), "objmodel: array length %d too large", length)
	payload := mem.AlignUp(length*m.refs.SlotBytes(), mem.BytesPerWord)
	return arrayHeaderWords + payload>>mem.LogBytesPerWord
}

// MaxRefArrayLength is the longest reference array whose size the header
// can encode.
func (m *HeaderModel) MaxRefArrayLength() uint64 {
	return (MaxObjectWords - arrayHeaderWords) * mem.BytesPerWord / m.refs.SlotBytes()
}

// FormatRefArray writes the header and length of a reference array.
func (m *HeaderModel) FormatRefArray(obj mem.Addr, length uint64) {
	words := m.RefArrayWords(length)
	m.clearPayload(obj, words)
	m.store.StoreWord(obj.AddWords(1), length)
	m.store.StoreWord(obj, encodeHeader(KindRefArray, words))
}

func (m *HeaderModel) clearPayload(obj mem.Addr, words uint64) {
	for i := uint64(1); i < words; i++ {
		m.store.StoreWord(obj.AddWords(i), 0)
	}
}

func (m *HeaderModel) header(obj mem.Addr) uint64 {
	h := m.store.LoadWord(obj)
	invariant.Guarantee(h&startBit != 0, "objmodel: no object starts at %s (header 0x%x)", obj, h)
	return h
}

// SizeInWords implements Sizer.
func (m *HeaderModel) SizeInWords(obj mem.Addr) uint64 {
	return m.header(obj) >> sizeShift
}

// IsObjectStart implements Model.
func (m *HeaderModel) IsObjectStart(addr mem.Addr) bool {
	if !addr.IsWordAligned() {
		return false
	}
	h := m.store.LoadWord(addr)
	return h&startBit != 0 && h>>sizeShift >= MinObjectWords
}

// KindOf returns the kind of obj.
func (m *HeaderModel) KindOf(obj mem.Addr) Kind {
	return Kind((m.header(obj) >> kindShift) & kindMask)
}

// IsRefArray implements RefModel.
func (m *HeaderModel) IsRefArray(obj mem.Addr) bool {
	return m.KindOf(obj) == KindRefArray
}

// ArrayLength returns the element count of a reference array.
func (m *HeaderModel) ArrayLength(arr mem.Addr) uint64 {
	invariant.Guarantee(m.IsRefArray(arr), "objmodel: %s is not a reference array", arr)
	return m.store.LoadWord(arr.AddWords(1))
}

// FieldSlot returns the address of reference field index of an instance.
func (m *HeaderModel) FieldSlot(obj mem.Addr, index uint64) mem.Addr {
	invariant.Guarantee(m.KindOf(obj) == KindInstance, "objmodel: %s is not an instance", obj)
	slot := obj.AddWords(1) + mem.Addr(index*m.refs.SlotBytes())
	invariant.Guarantee(slot < obj.AddWords(m.SizeInWords(obj)),
		"objmodel: field %d out of range for %s", index, obj)
	return slot
}

// ElementSlot returns the address of element index of a reference array.
func (m *HeaderModel) ElementSlot(arr mem.Addr, index uint64) mem.Addr {
	length := m.ArrayLength(arr)
	invariant.Guarantee(index < length, "objmodel: index %d out of range [0, %d)", index, length)
	return arr.AddWords(arrayHeaderWords) + mem.Addr(index*m.refs.SlotBytes())
}

// refSlots returns the slot range [first, end) of obj.
func (m *HeaderModel) refSlots(obj mem.Addr) (mem.Addr, mem.Addr) {
	switch m.KindOf(obj) {
	case KindInstance:
		return obj.AddWords(1), obj.AddWords(m.SizeInWords(obj))
	case KindRefArray:
		first := obj.AddWords(arrayHeaderWords)
		return first, first + mem.Addr(m.ArrayLength(obj)*m.refs.SlotBytes())
	default:
		return obj, obj
	}
}

// IterateRefSlots implements RefModel.
func (m *HeaderModel) IterateRefSlots(obj mem.Addr, mr mem.Region, fn func(slot mem.Addr) bool) {
	first, end := m.refSlots(obj)
	span := mem.Region{Start: first, End: end}.Intersect(mr)
	if span.IsEmpty() {
		return
	}
	step := mem.Addr(m.refs.SlotBytes())
	// Round the start onto the slot grid of this object.
	slot := first + (span.Start-first+step-1)/step*step
	for ; slot < span.End; slot += step {
		if !fn(slot) {
			return
		}
	}
}

// LoadRef implements RefModel.
func (m *HeaderModel) LoadRef(slot mem.Addr) mem.Addr {
	return m.refs.Load(m.store, slot)
}

// StoreRef writes target into slot. It does not apply a write barrier.
func (m *HeaderModel) StoreRef(slot, target mem.Addr) {
	m.refs.Store(m.store, slot, target)
}
