package remset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/gcheap/internal/heap/bot"
	"github.com/kolkov/gcheap/internal/heap/cardtable"
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/objmodel"
	"github.com/kolkov/gcheap/internal/heap/sparseprt"
	"github.com/kolkov/gcheap/internal/heap/vmem"
)

// fixture is a 1 MiB committed heap of sixteen 64 KiB regions with 512-byte
// cards and a simple bump allocator.
type fixture struct {
	space   *vmem.Space
	model   *objmodel.HeaderModel
	cards   *cardtable.Table
	bot     *bot.Table
	layout  *Layout
	sets    *Sets
	refiner *Refiner
	top     mem.Addr
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	space, err := vmem.Reserve(mem.M, 4*mem.K)
	require.NoError(t, err)
	require.True(t, space.Initialize(mem.M))
	whole := space.Reserved()

	model := objmodel.NewHeaderModel(space, objmodel.Resolve(objmodel.Wide, whole.Start))
	cards, err := cardtable.New(whole, cardtable.DefaultCardShift)
	require.NoError(t, err)
	cards.ResizeCoveredRegion(whole)
	bt, err := bot.New(whole, bot.DefaultLogCardBytes, model)
	require.NoError(t, err)
	bt.SetCoveredRegion(whole)

	layout, err := NewLayout(whole, DefaultRegionBytes, cardtable.DefaultCardShift)
	require.NoError(t, err)
	sets, err := NewSets(layout, bt, model, cfg)
	require.NoError(t, err)

	return &fixture{
		space:   space,
		model:   model,
		cards:   cards,
		bot:     bt,
		layout:  layout,
		sets:    sets,
		refiner: NewRefiner(cards, bt, model, sets, nil),
		top:     whole.Start,
	}
}

func (f *fixture) used() mem.Region {
	return mem.Region{Start: f.space.Low(), End: f.top}
}

// skipTo pads with data objects until top is at addr.
func (f *fixture) skipTo(t *testing.T, addr mem.Addr) {
	t.Helper()
	require.GreaterOrEqual(t, addr, f.top)
	if addr > f.top {
		f.data(mem.WordDelta(addr, f.top))
	}
}

func (f *fixture) place(words uint64) mem.Addr {
	p := f.top
	f.top = p.AddWords(words)
	f.bot.UpdateForBlock(p, f.top)
	return p
}

func (f *fixture) data(words uint64) mem.Addr {
	p := f.place(words)
	f.model.Format(p, objmodel.KindData, words)
	return p
}

func (f *fixture) instance(words uint64) mem.Addr {
	p := f.place(words)
	f.model.Format(p, objmodel.KindInstance, words)
	return p
}

func (f *fixture) array(length uint64) mem.Addr {
	p := f.place(f.model.RefArrayWords(length))
	f.model.FormatRefArray(p, length)
	return p
}

// storeField writes a field with the imprecise barrier.
func (f *fixture) storeField(obj mem.Addr, i uint64, target mem.Addr) mem.Addr {
	slot := f.model.FieldSlot(obj, i)
	f.model.StoreRef(slot, target)
	f.cards.WriteRefFieldPost(obj)
	return slot
}

// storeElement writes an array element with the precise barrier.
func (f *fixture) storeElement(arr mem.Addr, i uint64, target mem.Addr) mem.Addr {
	slot := f.model.ElementSlot(arr, i)
	f.model.StoreRef(slot, target)
	f.cards.WriteRefFieldPost(slot)
	return slot
}

func (f *fixture) region(i int) mem.Addr {
	return f.layout.RegionBounds(sparseprt.RegionIdx(i)).Start
}

func TestLayout(t *testing.T) {
	heap := mem.Region{Start: 0x40_0000_0000, End: 0x40_0000_0000 + mem.M}
	l, err := NewLayout(heap, 0, 9)
	require.NoError(t, err)

	require.Equal(t, uint64(DefaultRegionBytes), l.RegionBytes())
	require.Equal(t, 16, l.NumRegions())
	require.Equal(t, uint64(128), l.CardsPerRegion())
	require.Equal(t, uint64(512), l.CardBytes())

	addr := heap.Start + 3*64*mem.K + 5*512 + 40
	require.Equal(t, sparseprt.RegionIdx(3), l.RegionFor(addr))
	require.Equal(t, sparseprt.CardIdx(5), l.CardInRegion(addr))
	require.Equal(t, heap.Start+3*64*mem.K+5*512, l.CardAddr(3, 5))
	require.Equal(t, l.CardAddr(3, 5), l.AbsoluteCardRegion(3*128+5).Start)
	require.Equal(t, mem.Region{Start: heap.Start + 64*mem.K, End: heap.Start + 128*mem.K}, l.RegionBounds(1))

	require.Panics(t, func() { l.RegionFor(heap.End) })
}

func TestLayout_Validation(t *testing.T) {
	heap := mem.Region{Start: 0x40_0000_0000, End: 0x40_0000_0000 + mem.M}

	_, err := NewLayout(heap, 48*mem.K, 9)
	require.True(t, errors.Is(err, ErrInvalidLayout))
	_, err = NewLayout(heap, 256, 9)
	require.True(t, errors.Is(err, ErrInvalidLayout))
	_, err = NewLayout(mem.Region{Start: heap.Start, End: heap.Start + 96*mem.K}, 64*mem.K, 9)
	require.True(t, errors.Is(err, ErrInvalidLayout))
}

func TestSets_Record(t *testing.T) {
	f := newFixture(t, Config{})

	src := f.region(2) + 3*512 + 8
	dst := f.region(7) + 64

	require.Equal(t, Skipped, f.sets.Record(src, f.region(2)+4096))
	require.Equal(t, Added, f.sets.Record(src, dst))
	require.Equal(t, Found, f.sets.Record(src+16, dst+8), "same source card")

	require.True(t, f.sets.Contains(7, src))
	require.True(t, f.sets.Contains(7, f.region(2)+3*512), "whole card is remembered")
	require.False(t, f.sets.Contains(7, f.region(2)+4*512))
	require.False(t, f.sets.Contains(6, src))

	st := f.sets.Stats()
	assert.Equal(t, 1, st.Targets)
	assert.Equal(t, 1, st.SparseEntries)
	assert.Equal(t, 1, st.SparseCards)
	assert.Zero(t, st.CoarseRegions)
}

// TestSets_Coarsen overflows one source region's sparse entry.
func TestSets_Coarsen(t *testing.T) {
	f := newFixture(t, Config{CardsPerEntry: 4})
	dst := f.region(9)

	for c := 0; c < 4; c++ {
		require.Equal(t, Added, f.sets.Record(f.region(1)+mem.Addr(c*512), dst))
	}
	require.Equal(t, Coarsened, f.sets.Record(f.region(1)+4*512, dst))
	require.True(t, f.sets.IsCoarse(9, 1))
	require.Equal(t, Coarse, f.sets.Record(f.region(1)+100*512, dst))

	// Every card of the source region counts as remembered now.
	require.True(t, f.sets.Contains(9, f.region(1)+127*512))
	require.False(t, f.sets.Contains(9, f.region(3)))

	st := f.sets.Stats()
	assert.Equal(t, 1, st.CoarseRegions)
	assert.Zero(t, st.SparseEntries, "sparse entry dropped at promotion")

	used := mem.Region{Start: f.space.Low(), End: f.space.High()}
	require.Len(t, f.sets.Cards(9, used), 128)

	f.sets.Clear()
	require.False(t, f.sets.IsCoarse(9, 1))
	require.False(t, f.sets.Contains(9, f.region(1)))
	require.Empty(t, f.sets.Cards(9, used))
}

func TestSets_CardsOrdered(t *testing.T) {
	f := newFixture(t, Config{})
	dst := f.region(0)

	f.sets.Record(f.region(5)+10*512, dst)
	f.sets.Record(f.region(3)+2*512, dst)
	f.sets.Record(f.region(5)+1*512, dst)

	used := mem.Region{Start: f.space.Low(), End: f.space.High()}
	cards := f.sets.Cards(0, used)
	require.Equal(t, []mem.Region{
		{Start: f.region(3) + 2*512, End: f.region(3) + 3*512},
		{Start: f.region(5) + 1*512, End: f.region(5) + 2*512},
		{Start: f.region(5) + 10*512, End: f.region(5) + 11*512},
	}, cards)

	// Clipping to the allocated part.
	clipped := f.sets.Cards(0, mem.Region{Start: f.space.Low(), End: f.region(5) + 512 + 64})
	require.Len(t, clipped, 2)
	require.Equal(t, f.region(5)+512+64, clipped[1].End)
}

// TestRefine_ImpreciseInstance stores into the third card of an instance:
// only the header card is dirty, yet the slot's own card is remembered.
func TestRefine_ImpreciseInstance(t *testing.T) {
	f := newFixture(t, Config{})

	target := f.data(4) // region 0
	f.skipTo(t, f.region(1)+16)
	obj := f.instance(3 * 64) // spans three cards of region 1
	f.skipTo(t, f.region(4))
	far := f.data(2)

	slot := f.storeField(obj, 150, far)
	near := f.storeField(obj, 1, target)
	require.Equal(t, 1, f.cards.CountDirty(f.used()))

	st := f.refiner.Refine(f.used())
	assert.Equal(t, 1, st.Cards)
	assert.Equal(t, 2, st.Recorded)
	assert.Equal(t, 2, st.Added)
	assert.Zero(t, f.cards.CountDirty(f.used()), "refinement cleans cards")

	require.True(t, f.sets.Contains(4, slot))
	require.True(t, f.sets.Contains(0, near))
	require.NotEqual(t, f.cards.IndexFor(obj), f.cards.IndexFor(slot))
	require.False(t, f.sets.Contains(4, obj), "header card holds no reference to region 4")

	// A second refinement finds nothing to do.
	require.Zero(t, f.refiner.Refine(f.used()).Cards)
}

// TestRefine_PreciseArray stores into an element two cards after the array
// header; only that card is scanned.
func TestRefine_PreciseArray(t *testing.T) {
	f := newFixture(t, Config{})

	f.skipTo(t, f.region(2))
	arr := f.array(400)
	f.skipTo(t, f.region(6))
	target := f.data(8)

	elem := f.model.ElementSlot(arr, 2*64+5) // on the array's third card
	f.model.StoreRef(f.model.ElementSlot(arr, 0), target) // no barrier: must not be found
	f.storeElement(arr, 2*64+5, target)
	require.True(t, f.cards.IsDirty(elem))
	require.False(t, f.cards.IsDirty(arr))

	st := f.refiner.Refine(f.used())
	assert.Equal(t, 1, st.Cards)
	assert.Equal(t, 1, st.Recorded)
	assert.Equal(t, 64, st.Slots, "one card of wide slots")

	require.True(t, f.sets.Contains(6, elem))
	require.False(t, f.sets.Contains(6, f.model.ElementSlot(arr, 0)))
}

func TestRefine_SameRegionAndNull(t *testing.T) {
	f := newFixture(t, Config{})

	a := f.instance(4)
	b := f.instance(4)
	f.storeField(a, 0, b)
	f.storeField(a, 1, mem.Null)

	st := f.refiner.Refine(f.used())
	assert.Equal(t, 1, st.Cards)
	assert.Zero(t, st.Recorded)
	assert.Equal(t, 0, f.sets.Stats().Targets)
}

func TestRefine_WriteRegion(t *testing.T) {
	f := newFixture(t, Config{})

	f.skipTo(t, f.region(1))
	obj := f.instance(4 * 64)
	f.skipTo(t, f.region(3))
	target := f.data(2)

	// Write a field on the object's last card without the header barrier,
	// then bulk-dirty the written range as a copy would.
	slot := f.model.FieldSlot(obj, 200)
	f.model.StoreRef(slot, target)
	f.cards.WriteRegion(mem.Region{Start: slot, End: slot + 8})

	f.refiner.Refine(f.used())
	require.True(t, f.sets.Contains(3, slot))
}

// TestScan_VisitsRememberedReferences refines a mixed heap and scans one
// target region.
func TestScan_VisitsRememberedReferences(t *testing.T) {
	f := newFixture(t, Config{})

	f.skipTo(t, f.region(1))
	obj := f.instance(3 * 64)
	arr := f.array(300)
	f.skipTo(t, f.region(5))
	t1 := f.data(2)
	t2 := f.data(2)
	f.skipTo(t, f.region(6))
	elsewhere := f.data(2)

	s1 := f.storeField(obj, 10, t1)
	s2 := f.storeField(obj, 170, t2)
	s3 := f.storeElement(arr, 250, t1)
	f.storeField(obj, 20, elsewhere)

	f.refiner.Refine(f.used())

	type hit struct{ obj, slot, ref mem.Addr }
	var hits []hit
	st := f.sets.Scan(5, f.used(), func(o, s, r mem.Addr) bool {
		hits = append(hits, hit{o, s, r})
		return true
	})

	require.ElementsMatch(t, []hit{{obj, s1, t1}, {obj, s2, t2}, {arr, s3, t1}}, hits)
	assert.Equal(t, 3, st.Refs)
	assert.Equal(t, 3, st.Cards)

	// Early stop.
	calls := 0
	f.sets.Scan(5, f.used(), func(mem.Addr, mem.Addr, mem.Addr) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)

	// Nothing remembered for an untouched region.
	assert.Zero(t, f.sets.Scan(9, f.used(), func(mem.Addr, mem.Addr, mem.Addr) bool { return true }).Cards)
}
