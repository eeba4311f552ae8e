package heap

import (
	"errors"
	"fmt"
	"io"

	"github.com/kolkov/gcheap/internal/heap/bot"
	"github.com/kolkov/gcheap/internal/heap/cardtable"
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/objmodel"
	"github.com/kolkov/gcheap/internal/heap/oldgen"
	"github.com/kolkov/gcheap/internal/heap/remset"
	"github.com/kolkov/gcheap/internal/heap/sparseprt"
)

// PointerWidth selects how reference slots are stored.
type PointerWidth = objmodel.PointerWidth

const (
	// WideRefs stores raw 8-byte addresses.
	WideRefs = objmodel.Wide
	// NarrowRefs stores 4-byte offsets from the heap base.
	NarrowRefs = objmodel.Narrow
)

// ParsePointerWidth parses "wide" or "narrow".
func ParsePointerWidth(s string) (PointerWidth, error) {
	return objmodel.ParsePointerWidth(s)
}

// Default sizes. Zero-valued Options fields select these.
const (
	DefaultReservedBytes = 64 * mem.M
	DefaultCommitGranule = 64 * mem.K
	DefaultInitialBytes  = 4 * mem.M
)

// ErrInvalidOptions is returned by Validate and New for inconsistent options.
var ErrInvalidOptions = errors.New("heap: invalid options")

// Options configures a Heap.
//
// Zero values select defaults, the same way a zero SampleRate means "no
// sampling": New fills them in before validating, so
//
//	h, err := heap.New(heap.Options{ReservedBytes: 16 * heap.M})
//
// is a complete configuration. DefaultOptions returns the filled-in form.
type Options struct {
	// ReservedBytes is the size of the address range reserved for the old
	// generation. Default: 64 MiB.
	ReservedBytes uint64

	// CommitGranule is the unit memory is committed and uncommitted in. It
	// must be a power of two and a multiple of both card sizes.
	// Default: 64 KiB.
	CommitGranule uint64

	// CommitLimit caps the committed bytes below ReservedBytes, simulating
	// an operating system that refuses to commit more. 0 means no limit.
	CommitLimit uint64

	// InitialBytes is committed at startup. Default: 4 MiB, at most
	// MaxBytes.
	InitialBytes uint64
	// MinBytes is the floor for shrinking. Default: CommitGranule.
	MinBytes uint64
	// MaxBytes is the ceiling for expansion. Default: ReservedBytes.
	MaxBytes uint64
	// GrowthIncrement is the preferred expansion step. Default: 128 KiB.
	GrowthIncrement uint64

	// CardShift is log2 of the card-table card size (7..12). Default: 9.
	CardShift uint
	// BOTLogCardBytes is log2 of the block offset table granule (6..10).
	// Default: 9.
	BOTLogCardBytes uint

	// RegionBytes is the size of a remembered-set region. Default: 64 KiB.
	RegionBytes uint64
	// CardsPerEntry is the sparse remembered-set entry capacity. It is
	// rounded up to a multiple of 4. Default: 16.
	CardsPerEntry int
	// SparseInitialCapacity is the bucket count of each region's sparse
	// table. Default: 16.
	SparseInitialCapacity int

	// PointerWidth selects wide or narrow references. Default: wide.
	PointerWidth PointerWidth

	// IterateBlockBytes is the unit of work of ParallelObjectIterate.
	// Default: 1 MiB.
	IterateBlockBytes uint64

	// Trace receives tagged event lines ([gc,heap] ...). Nil disables
	// tracing.
	Trace io.Writer
}

// DefaultOptions returns the options New uses for a zero Options value.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.ReservedBytes == 0 {
		o.ReservedBytes = DefaultReservedBytes
	}
	if o.CommitGranule == 0 {
		o.CommitGranule = DefaultCommitGranule
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = o.ReservedBytes
	}
	if o.MinBytes == 0 {
		o.MinBytes = o.CommitGranule
	}
	if o.InitialBytes == 0 {
		o.InitialBytes = max(min(DefaultInitialBytes, o.MaxBytes), o.MinBytes)
	}
	if o.GrowthIncrement == 0 {
		o.GrowthIncrement = oldgen.DefaultGrowthIncrement
	}
	if o.CardShift == 0 {
		o.CardShift = cardtable.DefaultCardShift
	}
	if o.BOTLogCardBytes == 0 {
		o.BOTLogCardBytes = bot.DefaultLogCardBytes
	}
	if o.RegionBytes == 0 {
		o.RegionBytes = remset.DefaultRegionBytes
	}
	if o.CardsPerEntry == 0 {
		o.CardsPerEntry = sparseprt.DefaultCardsPerEntry
	}
	if o.SparseInitialCapacity == 0 {
		o.SparseInitialCapacity = sparseprt.DefaultInitialCapacity
	}
	if o.IterateBlockBytes == 0 {
		o.IterateBlockBytes = oldgen.DefaultIterateBlockBytes
	}
	return o
}

// Validate checks the options after filling in defaults. The component
// constructors repeat their own checks; Validate reports the common
// mistakes with option names.
func (o Options) Validate() error {
	o = o.withDefaults()

	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, fmt.Sprintf(format, args...))
	}

	if !mem.IsPowerOfTwo(o.CommitGranule) {
		return invalid("CommitGranule %d is not a power of two", o.CommitGranule)
	}
	if o.CardShift < cardtable.MinCardShift || o.CardShift > cardtable.MaxCardShift {
		return invalid("CardShift %d outside [%d, %d]", o.CardShift, cardtable.MinCardShift, cardtable.MaxCardShift)
	}
	if o.BOTLogCardBytes < bot.MinLogCardBytes || o.BOTLogCardBytes > bot.MaxLogCardBytes {
		return invalid("BOTLogCardBytes %d outside [%d, %d]", o.BOTLogCardBytes, bot.MinLogCardBytes, bot.MaxLogCardBytes)
	}
	if o.CommitGranule < uint64(1)<<o.CardShift || o.CommitGranule < uint64(1)<<o.BOTLogCardBytes {
		return invalid("CommitGranule %s is smaller than a card", mem.FormatBytes(o.CommitGranule))
	}
	if !mem.IsAligned(o.ReservedBytes, o.CommitGranule) {
		return invalid("ReservedBytes %d is not a multiple of CommitGranule %d", o.ReservedBytes, o.CommitGranule)
	}
	for _, v := range []struct {
		name string
		n    uint64
	}{
		{"InitialBytes", o.InitialBytes},
		{"MinBytes", o.MinBytes},
		{"MaxBytes", o.MaxBytes},
		{"GrowthIncrement", o.GrowthIncrement},
	} {
		if !mem.IsAligned(v.n, o.CommitGranule) {
			return invalid("%s %d is not a multiple of CommitGranule %d", v.name, v.n, o.CommitGranule)
		}
	}
	if !(o.MinBytes <= o.InitialBytes && o.InitialBytes <= o.MaxBytes && o.MaxBytes <= o.ReservedBytes) {
		return invalid("need MinBytes (%d) <= InitialBytes (%d) <= MaxBytes (%d) <= ReservedBytes (%d)",
			o.MinBytes, o.InitialBytes, o.MaxBytes, o.ReservedBytes)
	}
	if o.CommitLimit != 0 && o.CommitLimit < o.InitialBytes {
		return invalid("CommitLimit %d is below InitialBytes %d", o.CommitLimit, o.InitialBytes)
	}
	if !mem.IsPowerOfTwo(o.RegionBytes) || o.RegionBytes < uint64(1)<<o.CardShift {
		return invalid("RegionBytes %d must be a power of two no smaller than a card", o.RegionBytes)
	}
	if o.CardsPerEntry < 0 || o.SparseInitialCapacity < 0 {
		return invalid("negative sparse table size")
	}
	if o.PointerWidth != WideRefs && o.PointerWidth != NarrowRefs {
		return invalid("unknown PointerWidth %v", o.PointerWidth)
	}
	if o.PointerWidth == NarrowRefs && o.ReservedBytes > objmodel.NarrowReach {
		return invalid("narrow references reach %s, ReservedBytes is %s",
			mem.FormatBytes(objmodel.NarrowReach), mem.FormatBytes(o.ReservedBytes))
	}
	return nil
}
