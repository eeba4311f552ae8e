// Package heap is the memory-management core of a generational collector's
// old space: a bump-pointer old generation, the card-table write barrier,
// the block offset table (BOT) and sparse per-region remembered sets.
//
// The heap lives in a simulated virtual address range. Addresses are plain
// integers ([Addr]); objects carry a one-word header describing their kind
// and size. Nothing here frees individual objects: reclaiming space is the
// job of a collector built on top, which uses the remembered sets to find
// references into the regions it evacuates.
//
// # Quick Start
//
//	h, err := heap.New(heap.Options{ReservedBytes: 16 * heap.M})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer h.Close()
//
//	arr, _ := h.AllocateRefArray(128)
//	obj, _ := h.AllocateInstance(4)
//	_ = h.StoreElement(arr, 7, obj) // precise barrier: dirties the element's card
//	_ = h.StoreField(obj, 0, arr)   // imprecise barrier: dirties obj's header card
//
//	h.Refine() // dirty cards -> remembered sets
//	r, _ := h.RegionOf(obj)
//	h.ScanRememberedSet(r, func(holder, slot, ref heap.Addr) bool {
//		fmt.Printf("%s holds %s in %s\n", holder, ref, slot)
//		return true
//	})
//
// # API Overview
//
// The package provides functions for:
//   - Lifecycle: [New], [Heap.Close], [Options], [DefaultOptions]
//   - Allocation: [Heap.AllocateData], [Heap.AllocateInstance], [Heap.AllocateRefArray]
//   - Stores with barriers: [Heap.StoreField], [Heap.StoreElement], [Heap.WriteRegion]
//   - Loads and lookups: [Heap.LoadField], [Heap.LoadElement], [Heap.LoadRef], [Heap.ObjectStart], [Heap.Describe]
//   - Sizing: [Heap.Expand], [Heap.Shrink], [Heap.Resize], [Heap.Truncate]
//   - Remembered sets: [Heap.Refine], [Heap.ScanRememberedSet], [Heap.BeginCollectionCycle]
//   - Heap walks: [Heap.ObjectIterate], [Heap.ParallelObjectIterate]
//   - Diagnostics: [Heap.Verify], [Heap.Stats], [Heap.Report], [GetInfo]
//   - Mutator threads: [Heap.RegisterMutator], [Heap.Safepoint]
//
// # How It Works
//
// Allocation is a compare-and-swap on the top pointer. When the committed
// space runs out the generation expands under a lock, first by the growth
// increment, then by the exact request, then by everything that is left.
// Each allocation records its block in the BOT, a byte per 512-byte card
// that either holds the distance back to the object start or a logarithmic
// "go back 16^i cards" code, so any interior address resolves to its
// object in a few steps.
//
// Every reference store runs the post-write barrier, which stores a dirty
// byte into the card table. Array element stores mark the element's card;
// field stores mark the card of the object header. Refinement cleans dirty
// cards, finds the objects on them through the BOT and records each
// reference that crosses a region boundary in the target region's sparse
// table. A source region with more remembered cards than a sparse entry
// holds is tracked coarsely instead.
//
// Shrinking uncommits memory that in-flight allocators could otherwise be
// using, so it only happens at a safepoint: goroutines that allocate
// register as a [Mutator] and poll.
//
// # Concurrency
//
// Allocation, stores and loads are safe from any goroutine. Shrink, Resize
// and Truncate wait for registered mutators to park and honour the
// context while waiting. Only registered mutators are stopped: when these
// operations can run, allocate and store from registered mutators only. Refinement, scanning, walks and Verify read object
// headers and must only cover objects whose allocation call has returned.
//
// # Tracing
//
// Set [Options.Trace] to receive tagged event lines:
//
//	[gc,heap] old gen expand: 4M->4224K (requested 96K)
//	[safepoint] safepoint #3: shrink
//	[gc,remset] refine: 12 cards, 40 refs recorded, 1 regions coarsened
package heap
