// Package oldgen implements the old generation: a bump-pointer object
// space over a committed prefix of a virtual-memory reservation.
//
// # Allocation
//
// Allocate is lock-free. Goroutines race a compare-and-swap on top and the
// winner records its block in the block offset table. It returns mem.Null
// when the space is exhausted; the caller then expands (ExpandAndAllocate)
// or reports out-of-memory.
//
// # Resizing
//
// Expansion and shrinking take the resize lock. Every resize ends with
// postResize, which pushes the new committed range into the BOT and the
// card table and only then publishes the new end. An allocator can
// therefore never carve out memory the BOT or the card table do not
// cover. Shrinking additionally requires the safepoint predicate to hold.
//
// # Layout
//
//	bottom                 top                    end           reserved end
//	|=== allocated ========|--- free committed ---|... uncommitted ...|
package oldgen

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kolkov/gcheap/internal/heap/bot"
	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/objmodel"
	"github.com/kolkov/gcheap/internal/heap/safepoint"
	"github.com/kolkov/gcheap/internal/heap/trace"
	"github.com/kolkov/gcheap/internal/heap/vmem"
)

const (
	// DefaultGrowthIncrement is the minimum expansion step.
	DefaultGrowthIncrement = 128 * mem.K

	// DefaultIterateBlockBytes is the block size of parallel heap walks.
	DefaultIterateBlockBytes = mem.M
)

var (
	// ErrInvalidConfig is returned by New for missing collaborators or
	// inconsistent sizes.
	ErrInvalidConfig = errors.New("oldgen: invalid configuration")

	// ErrInitialCommit is returned by New when the initial size cannot be
	// committed. The heap cannot start without it.
	ErrInitialCommit = errors.New("oldgen: initial commit failed")
)

// CardCovering is the card-table side of a resize.
type CardCovering interface {
	// ResizeCoveredRegion makes the table cover mr.
	ResizeCoveredRegion(mr mem.Region)
	// CardSize returns the card size in bytes.
	CardSize() uint64
}

// Config describes a generation. Zero sizes select defaults.
type Config struct {
	// Space is the reservation the generation lives in. Nothing may be
	// committed yet.
	Space *vmem.Space

	// InitialBytes is committed at creation (default MinBytes).
	InitialBytes uint64
	// MinBytes bounds Resize from below (default one commit granule).
	MinBytes uint64
	// MaxBytes bounds expansion (default the whole reservation).
	MaxBytes uint64

	// GrowthIncrement is the preferred expansion step (default 128 KiB).
	GrowthIncrement uint64
	// IterateBlockBytes is the block size of ObjectIterateBlock (default
	// 1 MiB).
	IterateBlockBytes uint64

	Cards CardCovering
	BOT   *bot.Table
	Model objmodel.Model

	// Safepoint gates Shrink and SetTop. Nil means never at a safepoint.
	Safepoint safepoint.Predicate

	Tracer *trace.Tracer
}

// Generation is the old generation.
//
// Thread Safety: Allocate and the accessors are safe for concurrent use.
// Resizing methods serialize on the resize lock. Heap walks must not race
// with allocation of objects in the walked range (the collector runs them
// while mutators are stopped or with objects fully published).
type Generation struct {
	vs        *vmem.Space
	bot       *bot.Table
	cards     CardCovering
	model     objmodel.Model
	safepoint safepoint.Predicate
	tracer    *trace.Tracer

	alignment  uint64
	minBytes   uint64
	maxBytes   uint64
	growth     uint64
	blockBytes uint64

	bottom mem.Addr
	top    atomic.Uint64
	end    atomic.Uint64

	resizeMu sync.Mutex

	expansions     atomic.Uint64
	shrinks        atomic.Uint64
	refusedShrinks atomic.Uint64
}

// New commits the initial size and returns the generation.
func New(cfg Config) (*Generation, error) {
	if cfg.Space == nil || cfg.Cards == nil || cfg.BOT == nil || cfg.Model == nil {
		return nil, fmt.Errorf("%w: space, card table, BOT and object model are required", ErrInvalidConfig)
	}
	vs := cfg.Space
	alignment := vs.Alignment()
	if !mem.IsAligned(alignment, cfg.Cards.CardSize()) || !mem.IsAligned(alignment, cfg.BOT.CardBytes()) {
		return nil, fmt.Errorf("%w: commit granule %d is not a multiple of the card sizes (%d, %d)",
			ErrInvalidConfig, alignment, cfg.Cards.CardSize(), cfg.BOT.CardBytes())
	}
	if !cfg.BOT.Covered().IsEmpty() {
		return nil, fmt.Errorf("%w: BOT already covers %s", ErrInvalidConfig, cfg.BOT.Covered())
	}
	if vs.CommittedSize() != 0 {
		return nil, fmt.Errorf("%w: space already has %d bytes committed", ErrInvalidConfig, vs.CommittedSize())
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = vs.ReservedSize()
	}
	minBytes := cfg.MinBytes
	if minBytes == 0 {
		minBytes = alignment
	}
	initial := cfg.InitialBytes
	if initial == 0 {
		initial = minBytes
	}
	growth := cfg.GrowthIncrement
	if growth == 0 {
		growth = DefaultGrowthIncrement
	}
	blockBytes := cfg.IterateBlockBytes
	if blockBytes == 0 {
		blockBytes = DefaultIterateBlockBytes
	}

	for _, v := range []struct {
		name string
		n    uint64
	}{{"initial", initial}, {"min", minBytes}, {"max", maxBytes}, {"growth increment", growth}} {
		if !mem.IsAligned(v.n, alignment) {
			return nil, fmt.Errorf("%w: %s size %d is not a multiple of %d", ErrInvalidConfig, v.name, v.n, alignment)
		}
	}
	if !(minBytes <= initial && initial <= maxBytes && maxBytes <= vs.ReservedSize()) {
		return nil, fmt.Errorf("%w: need min (%d) <= initial (%d) <= max (%d) <= reserved (%d)",
			ErrInvalidConfig, minBytes, initial, maxBytes, vs.ReservedSize())
	}
	if blockBytes < mem.BytesPerWord || !mem.IsAligned(blockBytes, mem.BytesPerWord) {
		return nil, fmt.Errorf("%w: iterate block size %d", ErrInvalidConfig, blockBytes)
	}

	g := &Generation{
		vs:         vs,
		bot:        cfg.BOT,
		cards:      cfg.Cards,
		model:      cfg.Model,
		safepoint:  cfg.Safepoint,
		tracer:     cfg.Tracer,
		alignment:  alignment,
		minBytes:   minBytes,
		maxBytes:   maxBytes,
		growth:     growth,
		blockBytes: blockBytes,
		bottom:     vs.Low(),
	}
	if g.safepoint == nil {
		g.safepoint = safepoint.Static(false)
	}
	g.top.Store(uint64(g.bottom))
	g.end.Store(uint64(g.bottom))

	if !vs.Initialize(initial) {
		return nil, fmt.Errorf("%w: %s of %s", ErrInitialCommit, mem.FormatBytes(initial), vs)
	}
	g.resizeMu.Lock()
	g.postResizeLocked()
	g.resizeMu.Unlock()

	g.tracer.Printf(trace.Heap, "old gen initialized: %s committed, min %s, max %s",
		mem.FormatBytes(initial), mem.FormatBytes(minBytes), mem.FormatBytes(maxBytes))
	return g, nil
}

// Bottom returns the first address of the object space.
func (g *Generation) Bottom() mem.Addr { return g.bottom }

// Top returns the allocation pointer.
func (g *Generation) Top() mem.Addr { return mem.Addr(g.top.Load()) }

// End returns the end of the allocatable (committed) object space.
func (g *Generation) End() mem.Addr { return mem.Addr(g.end.Load()) }

// Used returns the allocated bytes.
func (g *Generation) Used() uint64 { return uint64(g.Top() - g.bottom) }

// Capacity returns the committed bytes.
func (g *Generation) Capacity() uint64 { return uint64(g.End() - g.bottom) }

// Free returns the committed but unallocated bytes.
func (g *Generation) Free() uint64 { return uint64(g.End() - g.Top()) }

// MinBytes returns the lower resize bound.
func (g *Generation) MinBytes() uint64 { return g.minBytes }

// MaxBytes returns the upper resize bound.
func (g *Generation) MaxBytes() uint64 { return g.maxBytes }

// Alignment returns the commit granule.
func (g *Generation) Alignment() uint64 { return g.alignment }

// UsedRegion returns [bottom, top).
func (g *Generation) UsedRegion() mem.Region {
	return mem.Region{Start: g.bottom, End: g.Top()}
}

// Reserved returns the reservation backing the generation.
func (g *Generation) Reserved() mem.Region { return g.vs.Reserved() }

// Contains reports whether addr lies in the committed object space.
func (g *Generation) Contains(addr mem.Addr) bool {
	return addr >= g.bottom && addr < g.End()
}

// Allocate carves out words heap words and returns their start, or mem.Null
// if the committed space is exhausted or words can never fit. It never
// blocks.
func (g *Generation) Allocate(words uint64) mem.Addr {
	invariant.Guarantee(words > 0, "oldgen: zero-word allocation")
	if words > g.maxBytes>>mem.LogBytesPerWord {
		return mem.Null
	}
	bytes := words << mem.LogBytesPerWord
	for {
		top := g.top.Load()
		end := g.end.Load()
		if bytes > end-top {
			return mem.Null
		}
		if g.top.CompareAndSwap(top, top+bytes) {
			start := mem.Addr(top)
			g.bot.UpdateForBlock(start, start+mem.Addr(bytes))
			return start
		}
	}
}

// ExpandAndAllocate expands the generation if needed and allocates. The
// allocation is retried under the resize lock before expanding, since
// another goroutine may have expanded in the meantime.
func (g *Generation) ExpandAndAllocate(words uint64) mem.Addr {
	g.resizeMu.Lock()
	defer g.resizeMu.Unlock()

	if words > g.maxBytes>>mem.LogBytesPerWord {
		return mem.Null
	}
	if p := g.Allocate(words); p != mem.Null {
		return p
	}
	if !g.expandLocked(words << mem.LogBytesPerWord) {
		return mem.Null
	}
	return g.Allocate(words)
}

// postResizeLocked publishes the committed range to the BOT and the card
// table, then moves end. end must be stored last: allocators read it
// without the lock.
func (g *Generation) postResizeLocked() {
	committed := g.vs.Committed()
	invariant.Guarantee(committed.Start == g.bottom, "oldgen: committed range %s does not start at bottom", committed)

	g.bot.SetCoveredRegion(committed)
	g.cards.ResizeCoveredRegion(committed)

	invariant.Assert(uint64(committed.End) >= g.top.Load(),
		"oldgen: committed end %s below top %s", committed.End, g.Top())
	g.end.Store(uint64(committed.End))
}

// Stats is a point-in-time summary of the generation.
type Stats struct {
	Bottom, Top, End mem.Addr

	Used      uint64
	Capacity  uint64
	Free      uint64
	MinBytes  uint64
	MaxBytes  uint64
	Reserved  uint64
	Alignment uint64

	Expansions     uint64
	Shrinks        uint64
	RefusedShrinks uint64
}

// Stats returns the generation's sizes and resize counters.
func (g *Generation) Stats() Stats {
	top, end := g.Top(), g.End()
	return Stats{
		Bottom:         g.bottom,
		Top:            top,
		End:            end,
		Used:           uint64(top - g.bottom),
		Capacity:       uint64(end - g.bottom),
		Free:           uint64(end - top),
		MinBytes:       g.minBytes,
		MaxBytes:       g.maxBytes,
		Reserved:       g.vs.ReservedSize(),
		Alignment:      g.alignment,
		Expansions:     g.expansions.Load(),
		Shrinks:        g.shrinks.Load(),
		RefusedShrinks: g.refusedShrinks.Load(),
	}
}

// SetTop installs a new allocation pointer after the collector rearranged
// [bottom, newTop) and rebuilds the BOT for it. Only valid at a safepoint.
func (g *Generation) SetTop(newTop mem.Addr) {
	g.resizeMu.Lock()
	defer g.resizeMu.Unlock()

	invariant.Guarantee(g.safepoint.AtSafepoint(), "oldgen: SetTop outside a safepoint")
	invariant.Guarantee(newTop >= g.bottom && newTop <= g.End() && newTop.IsWordAligned(),
		"oldgen: top %s outside [%s, %s]", newTop, g.bottom, g.End())

	g.top.Store(uint64(newTop))
	g.bot.Rebuild(g.bottom, newTop)
	g.tracer.Printf(trace.BOT, "rebuilt for [%s, %s)", g.bottom, newTop)
}
