package heap

import (
	"fmt"

	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/objmodel"
	"github.com/kolkov/gcheap/internal/heap/sparseprt"
	"github.com/kolkov/gcheap/internal/heap/trace"
)

// allocate returns words fresh heap words, expanding the generation if
// the committed space is exhausted.
func (h *Heap) allocate(words uint64) (Addr, error) {
	if h.closed.Load() {
		return Null, ErrClosed
	}

	p := h.gen.Allocate(words)
	if p == Null {
		p = h.gen.ExpandAndAllocate(words)
	}
	if p == Null {
		return Null, h.outOfMemoryError(fmt.Sprintf("%d words", words))
	}

	h.allocations.Add(1)
	h.allocatedBytes.Add(words << mem.LogBytesPerWord)
	return p, nil
}

// outOfMemoryError counts a failed allocation of the described size.
func (h *Heap) outOfMemoryError(request string) error {
	h.outOfMemory.Add(1)
	h.tracer.Printf(trace.Heap, "allocation of %s failed: %s used of %s max",
		request, mem.FormatBytes(h.gen.Used()), mem.FormatBytes(h.gen.MaxBytes()))
	return fmt.Errorf("%w: %s requested, %s used, %s max", ErrOutOfMemory,
		request, mem.FormatBytes(h.gen.Used()), mem.FormatBytes(h.gen.MaxBytes()))
}

// checkSize fails requests of n units of unitBytes each that could not fit
// the generation even at its maximum size. It runs before any size
// arithmetic on n.
func (h *Heap) checkSize(n, unitBytes uint64, unit string) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if n > h.gen.MaxBytes()/unitBytes {
		return h.outOfMemoryError(fmt.Sprintf("%d %s", n, unit))
	}
	return nil
}

// AllocateData allocates an object without references carrying payload
// words of data.
func (h *Heap) AllocateData(payload uint64) (Addr, error) {
	if err := h.checkSize(payload, mem.BytesPerWord, "payload words"); err != nil {
		return Null, err
	}
	words := 1 + payload
	p, err := h.allocate(words)
	if err != nil {
		return Null, err
	}
	h.model.Format(p, objmodel.KindData, words)
	return p, nil
}

// AllocateInstance allocates an object with at least fields reference
// fields, all null. With narrow references an odd count is rounded up to
// fill the last word. Field stores use the imprecise barrier.
func (h *Heap) AllocateInstance(fields uint64) (Addr, error) {
	if err := h.checkSize(fields, h.model.Refs().SlotBytes(), "fields"); err != nil {
		return Null, err
	}
	payload := mem.AlignUp(fields*h.model.Refs().SlotBytes(), mem.BytesPerWord) >> mem.LogBytesPerWord
	words := 1 + payload
	p, err := h.allocate(words)
	if err != nil {
		return Null, err
	}
	h.model.Format(p, objmodel.KindInstance, words)
	return p, nil
}

// AllocateRefArray allocates an array of length references, all null.
// Element stores use the precise barrier.
func (h *Heap) AllocateRefArray(length uint64) (Addr, error) {
	if err := h.checkSize(length, h.model.Refs().SlotBytes(), "elements"); err != nil {
		return Null, err
	}
	p, err := h.allocate(h.model.RefArrayWords(length))
	if err != nil {
		return Null, err
	}
	h.model.FormatRefArray(p, length)
	return p, nil
}

// object checks that obj looks like an allocated object: it is in the
// allocated space and carries a well-formed header that ends below top.
// Only the header is read, so the check is safe while other goroutines
// allocate; Verify does the exhaustive check.
func (h *Heap) object(obj Addr) error {
	if h.closed.Load() {
		return ErrClosed
	}
	used := h.gen.UsedRegion()
	if !used.Contains(obj) {
		return fmt.Errorf("%w: %s", ErrNotInHeap, obj)
	}
	if !h.model.IsObjectStart(obj) {
		return fmt.Errorf("%w: %s", ErrNotAnObject, obj)
	}
	kind := h.model.KindOf(obj)
	if kind < objmodel.KindData || kind > objmodel.KindRefArray || obj.AddWords(h.model.SizeInWords(obj)) > used.End {
		return fmt.Errorf("%w: %s has a malformed header", ErrNotAnObject, obj)
	}
	return nil
}

// checkTarget checks that a reference about to be stored is null or points
// at an allocated object.
func (h *Heap) checkTarget(target Addr) error {
	if target == Null {
		return nil
	}
	if err := h.object(target); err != nil {
		return fmt.Errorf("store target: %w", err)
	}
	return nil
}

// NumFields returns the number of reference fields of an instance.
func (h *Heap) NumFields(obj Addr) (uint64, error) {
	if err := h.object(obj); err != nil {
		return 0, err
	}
	if h.model.KindOf(obj) != objmodel.KindInstance {
		return 0, fmt.Errorf("%w: %s is a %s, not an instance", ErrNotAnObject, obj, h.model.KindOf(obj))
	}
	return (h.model.SizeInWords(obj) - 1) << mem.LogBytesPerWord / h.model.Refs().SlotBytes(), nil
}

// Length returns the element count of a reference array.
func (h *Heap) Length(arr Addr) (uint64, error) {
	if err := h.object(arr); err != nil {
		return 0, err
	}
	if !h.model.IsRefArray(arr) {
		return 0, fmt.Errorf("%w: %s is a %s, not a reference array", ErrNotAnObject, arr, h.model.KindOf(arr))
	}
	return h.model.ArrayLength(arr), nil
}

func (h *Heap) fieldSlot(obj Addr, index uint64) (Addr, error) {
	n, err := h.NumFields(obj)
	if err != nil {
		return Null, err
	}
	if index >= n {
		return Null, fmt.Errorf("%w: field %d of %d", ErrIndexOutOfRange, index, n)
	}
	return h.model.FieldSlot(obj, index), nil
}

func (h *Heap) elementSlot(arr Addr, index uint64) (Addr, error) {
	n, err := h.Length(arr)
	if err != nil {
		return Null, err
	}
	if index >= n {
		return Null, fmt.Errorf("%w: element %d of %d", ErrIndexOutOfRange, index, n)
	}
	return h.model.ElementSlot(arr, index), nil
}

// StoreField writes target into field index of obj. The post-write
// barrier dirties the card holding obj's header, not the field's card;
// refinement scans the whole instance.
func (h *Heap) StoreField(obj Addr, index uint64, target Addr) error {
	slot, err := h.fieldSlot(obj, index)
	if err != nil {
		return err
	}
	if err := h.checkTarget(target); err != nil {
		return err
	}
	h.model.StoreRef(slot, target)
	h.cards.WriteRefFieldPost(obj)
	return nil
}

// StoreElement writes target into element index of arr. The post-write
// barrier dirties exactly the card holding the element.
func (h *Heap) StoreElement(arr Addr, index uint64, target Addr) error {
	slot, err := h.elementSlot(arr, index)
	if err != nil {
		return err
	}
	if err := h.checkTarget(target); err != nil {
		return err
	}
	h.model.StoreRef(slot, target)
	h.cards.WriteRefFieldPost(slot)
	return nil
}

// LoadField reads field index of obj.
func (h *Heap) LoadField(obj Addr, index uint64) (Addr, error) {
	slot, err := h.fieldSlot(obj, index)
	if err != nil {
		return Null, err
	}
	return h.model.LoadRef(slot), nil
}

// LoadElement reads element index of arr.
func (h *Heap) LoadElement(arr Addr, index uint64) (Addr, error) {
	slot, err := h.elementSlot(arr, index)
	if err != nil {
		return Null, err
	}
	return h.model.LoadRef(slot), nil
}

// LoadRef reads the reference slot at slot, as returned in a ScanFunc
// callback.
func (h *Heap) LoadRef(slot Addr) (Addr, error) {
	if h.closed.Load() {
		return Null, ErrClosed
	}
	if !h.gen.UsedRegion().Contains(slot) {
		return Null, fmt.Errorf("%w: %s", ErrNotInHeap, slot)
	}
	return h.model.LoadRef(slot), nil
}

// WriteRegion dirties every card overlapping [start, start+words*8). Bulk
// copies into reference arrays use it instead of per-element barriers.
func (h *Heap) WriteRegion(start Addr, words uint64) error {
	if h.closed.Load() {
		return ErrClosed
	}
	used := h.gen.UsedRegion()
	if !used.Contains(start) || words > mem.WordDelta(used.End, start) {
		return fmt.Errorf("%w: %d words at %s", ErrNotInHeap, words, start)
	}
	mr := mem.NewRegion(start, words)
	h.cards.WriteRegion(mr)
	return nil
}

// ObjectStart returns the start of the object containing addr.
func (h *Heap) ObjectStart(addr Addr) (Addr, error) {
	if h.closed.Load() {
		return Null, ErrClosed
	}
	if !h.gen.UsedRegion().Contains(addr) {
		return Null, fmt.Errorf("%w: %s", ErrNotInHeap, addr)
	}
	return h.bot.ObjectStart(addr), nil
}

// ObjectInfo describes one object.
type ObjectInfo struct {
	Addr   Addr
	Kind   Kind
	Words  uint64
	Length uint64 // elements, for reference arrays
}

// Describe returns the kind and size of obj.
func (h *Heap) Describe(obj Addr) (ObjectInfo, error) {
	if err := h.object(obj); err != nil {
		return ObjectInfo{}, err
	}
	info := ObjectInfo{
		Addr:  obj,
		Kind:  h.model.KindOf(obj),
		Words: h.model.SizeInWords(obj),
	}
	if info.Kind == objmodel.KindRefArray {
		info.Length = h.model.ArrayLength(obj)
	}
	return info, nil
}

func regionIdx(r int) sparseprt.RegionIdx { return sparseprt.RegionIdx(r) }
