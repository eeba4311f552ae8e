// Package mem defines the address arithmetic shared by every heap component.
//
// Heap addresses are plain 64-bit integers (Addr). They are synthetic: the
// reference virtual-memory implementation hands out address ranges that do
// not alias Go memory, so all pointer arithmetic is ordinary integer math
// and never involves unsafe.Pointer.
//
// Sizes are expressed either in bytes (uint64) or in heap words. A heap word
// is 8 bytes; object sizes and BOT offsets are always in words.
package mem

import "fmt"

const (
	// LogBytesPerWord is log2 of the heap word size.
	LogBytesPerWord = 3

	// BytesPerWord is the heap word size in bytes.
	BytesPerWord = 1 << LogBytesPerWord

	// K and M are byte multipliers used by configuration and traces.
	K = 1024
	M = K * K

	// MaxWords is the largest word count whose byte size fits a uint64.
	MaxWords = 1<<(64-LogBytesPerWord) - 1
)

// Addr is a heap address. The zero value is the null address.
type Addr uint64

// Null is the null heap address. No heap region ever contains it.
const Null Addr = 0

// AddWords returns a advanced by n heap words.
func (a Addr) AddWords(n uint64) Addr {
	return a + Addr(n<<LogBytesPerWord)
}

// SubWords returns a moved back by n heap words.
func (a Addr) SubWords(n uint64) Addr {
	return a - Addr(n<<LogBytesPerWord)
}

// IsWordAligned reports whether a is a multiple of the word size.
func (a Addr) IsWordAligned() bool {
	return uint64(a)&(BytesPerWord-1) == 0
}

// String formats the address in hex.
func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// WordDelta returns the number of words between lo and hi (hi >= lo).
func WordDelta(hi, lo Addr) uint64 {
	return uint64(hi-lo) >> LogBytesPerWord
}

// Region is the half-open address range [Start, End).
type Region struct {
	Start Addr
	End   Addr
}

// NewRegion returns the region of the given word size starting at start.
func NewRegion(start Addr, words uint64) Region {
	return Region{Start: start, End: start.AddWords(words)}
}

// ByteSize returns the size of the region in bytes.
func (r Region) ByteSize() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return uint64(r.End - r.Start)
}

// WordSize returns the size of the region in words.
func (r Region) WordSize() uint64 {
	return r.ByteSize() >> LogBytesPerWord
}

// IsEmpty reports whether the region contains no addresses.
func (r Region) IsEmpty() bool {
	return r.End <= r.Start
}

// Contains reports whether a lies in [Start, End).
func (r Region) Contains(a Addr) bool {
	return a >= r.Start && a < r.End
}

// ContainsRegion reports whether o lies entirely inside r.
// An empty o is contained by every region.
func (r Region) ContainsRegion(o Region) bool {
	if o.IsEmpty() {
		return true
	}
	return o.Start >= r.Start && o.End <= r.End
}

// Intersect returns the overlap of r and o (possibly empty).
func (r Region) Intersect(o Region) Region {
	res := Region{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if res.End < res.Start {
		res.End = res.Start
	}
	return res
}

// String formats the region as [start, end).
func (r Region) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignUp rounds v up to a multiple of alignment (a power of two).
func AlignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds v down to a multiple of alignment (a power of two).
func AlignDown(v, alignment uint64) uint64 {
	return v &^ (alignment - 1)
}

// IsAligned reports whether v is a multiple of alignment (a power of two).
func IsAligned(v, alignment uint64) bool {
	return v&(alignment-1) == 0
}

// AlignAddrUp rounds a up to a multiple of alignment.
func AlignAddrUp(a Addr, alignment uint64) Addr {
	return Addr(AlignUp(uint64(a), alignment))
}

// AlignAddrDown rounds a down to a multiple of alignment.
func AlignAddrDown(a Addr, alignment uint64) Addr {
	return Addr(AlignDown(uint64(a), alignment))
}

// FormatBytes renders a byte count the way heap traces print sizes (K or M).
func FormatBytes(n uint64) string {
	switch {
	case n >= M && n%M == 0:
		return fmt.Sprintf("%dM", n/M)
	case n >= K:
		return fmt.Sprintf("%dK", n/K)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
