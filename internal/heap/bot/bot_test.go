package bot

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
)

const base = mem.Addr(0x20_0000_0000)

// sizes is a Sizer backed by a map of object starts.
type sizes map[mem.Addr]uint64

func (s sizes) SizeInWords(obj mem.Addr) uint64 { return s[obj] }

// layout appends objects of the given word sizes starting at bottom and
// returns their start addresses and the new top.
func (s sizes) layout(bottom mem.Addr, words ...uint64) ([]mem.Addr, mem.Addr) {
	starts := make([]mem.Addr, 0, len(words))
	p := bottom
	for _, w := range words {
		s[p] = w
		starts = append(starts, p)
		p = p.AddWords(w)
	}
	return starts, p
}

func newTable(t *testing.T, size uint64, s sizes) *Table {
	t.Helper()
	reserved := mem.Region{Start: base, End: base + mem.Addr(size)}
	bt, err := New(reserved, DefaultLogCardBytes, s)
	require.NoError(t, err)
	bt.SetCoveredRegion(reserved)
	return bt
}

func record(bt *Table, s sizes, starts []mem.Addr) {
	for _, p := range starts {
		bt.UpdateForBlock(p, p.AddWords(s[p]))
	}
}

func TestNew_Validation(t *testing.T) {
	reserved := mem.Region{Start: base, End: base + mem.M}

	_, err := New(reserved, MinLogCardBytes-1, sizes{})
	require.True(t, errors.Is(err, ErrInvalidCardSize))
	_, err = New(reserved, MaxLogCardBytes+1, sizes{})
	require.True(t, errors.Is(err, ErrInvalidCardSize))
	_, err = New(mem.Region{Start: base + 64, End: base + mem.M}, DefaultLogCardBytes, sizes{})
	require.True(t, errors.Is(err, ErrInvalidCardSize))

	bt, err := New(reserved, DefaultLogCardBytes, sizes{})
	require.NoError(t, err)
	require.Equal(t, uint64(64), bt.CardWords())
	require.Equal(t, uint64(512), bt.CardBytes())
	require.True(t, bt.Covered().IsEmpty())
}

// TestEncodingFitsByte checks that every literal and jump code fits in a
// byte for all supported card sizes.
func TestEncodingFitsByte(t *testing.T) {
	for log := uint(MinLogCardBytes); log <= MaxLogCardBytes; log++ {
		words := (uint64(1) << log) >> mem.LogBytesPerWord
		require.LessOrEqual(t, words+NPowers-1, uint64(0xFF), "log %d", log)
	}
	require.Equal(t, uint64(1), PowerToCardsBack(0))
	require.Equal(t, uint64(16), PowerToCardsBack(1))
	require.Equal(t, uint64(256), PowerToCardsBack(2))
}

// TestScenarioA lays out objects of 10, 2050 and 5 words and resolves an
// interior address of the large object.
func TestScenarioA(t *testing.T) {
	s := sizes{}
	bt := newTable(t, 64*mem.K, s)

	starts, top := s.layout(base, 10, 2050, 5)
	record(bt, s, starts)

	obj := starts[1]
	require.Equal(t, obj, bt.ObjectStart(obj.AddWords(1200)))
	require.Equal(t, obj, bt.ObjectStart(obj))
	require.Equal(t, obj, bt.ObjectStart(obj.AddWords(2049)))
	require.Equal(t, starts[0], bt.ObjectStart(base.AddWords(9)))
	require.Equal(t, starts[2], bt.ObjectStart(starts[2].AddWords(3)))

	// Card 0 starts object 1; card 1 starts 54 words into object 2.
	require.Equal(t, byte(0), bt.Entry(0))
	require.Equal(t, byte(54), bt.Entry(1))
	// Cards 2..16 jump back one card, cards 17..32 jump back 16.
	require.Equal(t, byte(64), bt.Entry(2))
	require.Equal(t, byte(64), bt.Entry(16))
	require.Equal(t, byte(65), bt.Entry(17))
	require.Equal(t, byte(65), bt.Entry(32))
	require.Equal(t, uint64(16), bt.EntryToCardsBack(bt.Entry(17)))

	require.NoError(t, bt.Verify(base, top))
}

func TestUpdateForBlock_InsideOneCard(t *testing.T) {
	s := sizes{}
	bt := newTable(t, 64*mem.K, s)

	// [8, 64) words: no card boundary is crossed after the first card start.
	s.layout(base, 8)
	bt.UpdateForBlock(base.AddWords(8), base.AddWords(64))
	require.Equal(t, byte(0), bt.Entry(1), "next card untouched")
}

func TestUpdateForBlock_CardAlignedStart(t *testing.T) {
	s := sizes{}
	bt := newTable(t, 64*mem.K, s)

	starts, _ := s.layout(base, 64, 64, 1)
	record(bt, s, starts)
	require.Equal(t, byte(0), bt.Entry(1))
	require.Equal(t, starts[1], bt.ObjectStart(starts[1].AddWords(63)))
	require.Equal(t, starts[2], bt.ObjectStart(starts[2]))
}

// TestLargeObject exercises the third jump power.
func TestLargeObject(t *testing.T) {
	s := sizes{}
	bt := newTable(t, 512*mem.K, s)

	// 300 cards worth of words after a 3-word object.
	starts, top := s.layout(base, 3, 300*64)
	record(bt, s, starts)

	first := 1
	require.Equal(t, byte(64-3), bt.Entry(first))
	require.Equal(t, byte(64+2), bt.Entry(first+256))
	require.Equal(t, byte(64+1), bt.Entry(first+255))

	for _, w := range []uint64{0, 1, 64 * 17, 64 * 257, 300*64 - 1} {
		require.Equal(t, starts[1], bt.ObjectStart(starts[1].AddWords(w)), "word %d", w)
	}
	require.NoError(t, bt.Verify(base, top))
}

// TestObjectStart_Random checks that every probed address resolves to the
// object covering it over a random layout.
func TestObjectStart_Random(t *testing.T) {
	s := sizes{}
	bt := newTable(t, 8*mem.M, s)
	rng := rand.New(rand.NewSource(42))

	var words []uint64
	total := uint64(0)
	for total < 900*mem.K {
		w := uint64(1 + rng.Intn(64))
		if rng.Intn(20) == 0 {
			w = uint64(64 + rng.Intn(5000))
		}
		words = append(words, w)
		total += w
	}
	starts, top := s.layout(base, words...)
	record(bt, s, starts)

	for i, p := range starts {
		end := p.AddWords(s[p])
		for probe := p; probe < end; probe = probe.AddWords(7) {
			start := bt.ObjectStart(probe)
			require.Equal(t, starts[i], start, "probe %s", probe)
			require.Equal(t, start, bt.ObjectStart(start), "object_start is idempotent at %s", probe)
		}
		require.Equal(t, starts[i], bt.ObjectStart(end-mem.BytesPerWord))
	}
	require.NoError(t, bt.Verify(base, top))
}

// TestUpdateForBlock_Idempotent verifies that recording a block twice leaves
// the table unchanged.
func TestUpdateForBlock_Idempotent(t *testing.T) {
	s := sizes{}
	bt := newTable(t, 256*mem.K, s)

	starts, top := s.layout(base, 17, 4000, 90, 3)
	record(bt, s, starts)

	n := bt.IndexFor(top) + 1
	before := make([]byte, n)
	for i := range before {
		before[i] = bt.Entry(i)
	}
	record(bt, s, starts)
	for i := range before {
		assert.Equal(t, before[i], bt.Entry(i), "card %d", i)
	}
}

// TestUpdateForBlock_Concurrent records disjoint blocks from several
// goroutines, as CAS allocators do.
func TestUpdateForBlock_Concurrent(t *testing.T) {
	s := sizes{}
	bt := newTable(t, 4*mem.M, s)
	rng := rand.New(rand.NewSource(7))

	words := make([]uint64, 2000)
	for i := range words {
		words[i] = uint64(1 + rng.Intn(300))
	}
	starts, top := s.layout(base, words...)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			for i := lane; i < len(starts); i += 4 {
				bt.UpdateForBlock(starts[i], starts[i].AddWords(s[starts[i]]))
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, bt.Verify(base, top))
}

func TestRebuild(t *testing.T) {
	s := sizes{}
	bt := newTable(t, 256*mem.K, s)

	starts, top := s.layout(base, 100, 5, 1000, 64, 7)
	record(bt, s, starts)

	// Dropping and re-covering the table zeroes the entries.
	covered := bt.Covered()
	bt.SetCoveredRegion(mem.Region{Start: base, End: base})
	bt.SetCoveredRegion(covered)
	require.Error(t, bt.Verify(base, top))

	bt.Rebuild(base, top)
	require.NoError(t, bt.Verify(base, top))
	require.Equal(t, starts[2], bt.ObjectStart(starts[2].AddWords(500)))
}

func TestVerify_DetectsCorruption(t *testing.T) {
	s := sizes{}
	bt := newTable(t, 64*mem.K, s)

	starts, top := s.layout(base, 10, 2050, 5)
	record(bt, s, starts)

	bt.entries.Store(5, 3)
	err := bt.Verify(base, top)
	var verr *VerifyError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, 5, verr.Card)
	require.Equal(t, starts[1], verr.Want)
}

func TestSetCoveredRegion_Prefix(t *testing.T) {
	bt := newTable(t, 64*mem.K, sizes{})

	defer func() {
		_, ok := recover().(*invariant.Violation)
		require.True(t, ok)
	}()
	bt.SetCoveredRegion(mem.Region{Start: base + 512, End: base + 4096})
}

func TestUpdateForBlock_PastCovered(t *testing.T) {
	s := sizes{}
	reserved := mem.Region{Start: base, End: base + 64*mem.K}
	bt, err := New(reserved, DefaultLogCardBytes, s)
	require.NoError(t, err)
	bt.SetCoveredRegion(mem.Region{Start: base, End: base + 4*mem.K})

	require.Panics(t, func() { bt.UpdateForBlock(base, base+8*mem.K) })
}

func BenchmarkObjectStart(b *testing.B) {
	s := sizes{}
	reserved := mem.Region{Start: base, End: base + 8*mem.M}
	bt, err := New(reserved, DefaultLogCardBytes, s)
	require.NoError(b, err)
	bt.SetCoveredRegion(reserved)

	words := make([]uint64, 0, 4096)
	for i := 0; i < 4096; i++ {
		words = append(words, uint64(8+i%200))
	}
	starts, top := s.layout(base, words...)
	for _, p := range starts {
		bt.UpdateForBlock(p, p.AddWords(s[p]))
	}

	span := uint64(top - base)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bt.ObjectStart(base + mem.Addr((uint64(i)*104)%span&^7))
	}
}
