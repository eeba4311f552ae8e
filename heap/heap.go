package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kolkov/gcheap/internal/heap/bot"
	"github.com/kolkov/gcheap/internal/heap/cardtable"
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/objmodel"
	"github.com/kolkov/gcheap/internal/heap/oldgen"
	"github.com/kolkov/gcheap/internal/heap/remset"
	"github.com/kolkov/gcheap/internal/heap/safepoint"
	"github.com/kolkov/gcheap/internal/heap/trace"
	"github.com/kolkov/gcheap/internal/heap/vmem"
)

// Addr is a heap address.
type Addr = mem.Addr

// Null is the null reference.
const Null = mem.Null

// Size units.
const (
	K = mem.K
	M = mem.M
)

// Kind is the shape of a heap object.
type Kind = objmodel.Kind

// Object kinds.
const (
	KindData     = objmodel.KindData
	KindInstance = objmodel.KindInstance
	KindRefArray = objmodel.KindRefArray
)

// Mutator is a goroutine registered with the heap's safepoint coordinator.
// Mutators call Poll regularly and Park around blocking calls so that
// Shrink and Resize can bring them to a safepoint.
type Mutator = safepoint.Mutator

// Aliases for the collection-side result types.
type (
	RefineStats = remset.RefineStats
	ScanStats   = remset.ScanStats
	ScanFunc    = remset.ScanFunc
	ObjectFunc  = oldgen.ObjectFunc
)

var (
	// ErrOutOfMemory is returned when an allocation fails after every
	// expansion attempt.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrClosed is returned by operations on a closed heap.
	ErrClosed = errors.New("heap: closed")

	// ErrNotInHeap is returned for addresses outside the allocated space.
	ErrNotInHeap = errors.New("heap: address not in heap")

	// ErrNotAnObject is returned when an address is not the start of an
	// object of the required kind.
	ErrNotAnObject = errors.New("heap: not an object")

	// ErrIndexOutOfRange is returned for field or element indexes past
	// the end of the object.
	ErrIndexOutOfRange = errors.New("heap: index out of range")
)

// Heap is one old-generation heap with its card table, block offset table
// and remembered sets. Every component is owned by the Heap; there is no
// package-level state.
//
// Thread Safety: allocation, stores and loads are safe for concurrent use.
// Shrink, Resize, Truncate and Safepoint stop registered mutators only, so
// while any of them may run, every goroutine that allocates or stores must
// be a registered Mutator that polls between operations. An unregistered
// allocator racing a shrink can be handed memory that is being uncommitted.
// Without concurrent resizing, unregistered goroutines may allocate freely.
// Shrink and Resize must not be called from a goroutine that is itself a
// running Mutator. ObjectStart,
// Refine, ScanRememberedSet, the heap walks and Verify read the headers of
// neighbouring objects, so every object in the range they touch must be
// fully allocated (its allocation call returned).
type Heap struct {
	opts Options

	space      *vmem.Space
	model      *objmodel.HeaderModel
	cards      *cardtable.Table
	bot        *bot.Table
	gen        *oldgen.Generation
	layout     *remset.Layout
	sets       *remset.Sets
	refiner    *remset.Refiner
	safepoints *safepoint.Coordinator
	tracer     *trace.Tracer

	// gcMu serializes safepoint operations and collection cycles.
	gcMu sync.Mutex

	closed atomic.Bool

	allocations    atomic.Uint64
	allocatedBytes atomic.Uint64
	outOfMemory    atomic.Uint64
	cycles         atomic.Uint64

	statsMu      sync.Mutex
	refineTotals RefineStats
	scanTotals   ScanStats
}

// New reserves the heap's address range, commits the initial size and
// wires the components together.
func New(opts Options) (*Heap, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	var vopts []vmem.Option
	if opts.CommitLimit != 0 {
		vopts = append(vopts, vmem.WithCommitLimit(opts.CommitLimit))
	}
	space, err := vmem.Reserve(opts.ReservedBytes, opts.CommitGranule, vopts...)
	if err != nil {
		return nil, fmt.Errorf("heap: reserve: %w", err)
	}
	whole := space.Reserved()

	h := &Heap{
		opts:       opts,
		space:      space,
		model:      objmodel.NewHeaderModel(space, objmodel.Resolve(opts.PointerWidth, whole.Start)),
		safepoints: safepoint.New(),
		tracer:     trace.New(opts.Trace),
	}

	if h.cards, err = cardtable.New(whole, opts.CardShift); err != nil {
		return nil, fmt.Errorf("heap: card table: %w", err)
	}
	if h.bot, err = bot.New(whole, opts.BOTLogCardBytes, h.model); err != nil {
		return nil, fmt.Errorf("heap: block offset table: %w", err)
	}
	if h.layout, err = remset.NewLayout(whole, opts.RegionBytes, opts.CardShift); err != nil {
		return nil, fmt.Errorf("heap: regions: %w", err)
	}
	h.sets, err = remset.NewSets(h.layout, h.bot, h.model, remset.Config{
		CardsPerEntry:   opts.CardsPerEntry,
		InitialCapacity: opts.SparseInitialCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("heap: remembered sets: %w", err)
	}
	h.refiner = remset.NewRefiner(h.cards, h.bot, h.model, h.sets, h.tracer)

	h.gen, err = oldgen.New(oldgen.Config{
		Space:             space,
		InitialBytes:      opts.InitialBytes,
		MinBytes:          opts.MinBytes,
		MaxBytes:          opts.MaxBytes,
		GrowthIncrement:   opts.GrowthIncrement,
		IterateBlockBytes: opts.IterateBlockBytes,
		Cards:             h.cards,
		BOT:               h.bot,
		Model:             h.model,
		Safepoint:         h.safepoints,
		Tracer:            h.tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("heap: old generation: %w", err)
	}

	h.tracer.Printf(trace.Heap, "heap created: %s reserved at %s, %s cards, %s BOT granule, %d regions of %s, %s refs",
		mem.FormatBytes(opts.ReservedBytes), whole,
		mem.FormatBytes(h.cards.CardSize()), mem.FormatBytes(h.bot.CardBytes()),
		h.layout.NumRegions(), mem.FormatBytes(opts.RegionBytes), opts.PointerWidth)
	return h, nil
}

// Close releases the heap. Every operation afterwards returns ErrClosed or
// does nothing. Closing twice returns ErrClosed.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	h.tracer.Printf(trace.Heap, "heap closed: %d allocations, %s allocated",
		h.allocations.Load(), mem.FormatBytes(h.allocatedBytes.Load()))
	return nil
}

// Options returns the options the heap was created with, defaults filled in.
func (h *Heap) Options() Options { return h.opts }

// Bottom returns the first address of the object space.
func (h *Heap) Bottom() Addr { return h.gen.Bottom() }

// Top returns the allocation pointer.
func (h *Heap) Top() Addr { return h.gen.Top() }

// Used returns the allocated bytes.
func (h *Heap) Used() uint64 { return h.gen.Used() }

// Capacity returns the committed bytes.
func (h *Heap) Capacity() uint64 { return h.gen.Capacity() }

// NumRegions returns the number of remembered-set regions.
func (h *Heap) NumRegions() int { return h.layout.NumRegions() }

// RegionOf returns the remembered-set region containing addr.
func (h *Heap) RegionOf(addr Addr) (int, error) {
	if !h.layout.Heap().Contains(addr) {
		return 0, fmt.Errorf("%w: %s", ErrNotInHeap, addr)
	}
	return int(h.layout.RegionFor(addr)), nil
}

// RegionStart returns the first address of region r.
func (h *Heap) RegionStart(r int) Addr {
	return h.layout.RegionBounds(regionIdx(r)).Start
}

// CardSize returns the card-table card size in bytes.
func (h *Heap) CardSize() uint64 { return h.cards.CardSize() }

// IsCardDirty reports whether the card holding addr is dirty.
func (h *Heap) IsCardDirty(addr Addr) bool {
	if !h.gen.Contains(addr) {
		return false
	}
	return h.cards.IsDirty(addr)
}

// RegisterMutator registers the calling goroutine as a mutator. It waits
// if a safepoint is in progress.
func (h *Heap) RegisterMutator() (*Mutator, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	m, err := h.safepoints.Register()
	if err != nil {
		return nil, fmt.Errorf("heap: register mutator: %w", err)
	}
	h.tracer.Printf(trace.Safe, "mutator %d registered", m.ID())
	return m, nil
}
