package sparseprt

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t testing.TB, cfg Config) *Table {
	t.Helper()
	tbl, err := New(cfg)
	require.NoError(t, err)
	return tbl
}

func TestNew_Defaults(t *testing.T) {
	tbl := newTable(t, Config{})
	require.Equal(t, DefaultCardsPerEntry, tbl.CardsPerEntry())
	require.Equal(t, DefaultInitialCapacity, tbl.Capacity())
	require.Zero(t, tbl.OccupiedEntries())
	require.Zero(t, tbl.OccupiedCards())
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative cards", Config{CardsPerEntry: -1}},
		{"capacity not power of two", Config{InitialCapacity: 12}},
		{"capacity one", Config{InitialCapacity: 1}},
		{"negative capacity", Config{InitialCapacity: -4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestNew_RoundsCardsPerEntry(t *testing.T) {
	tbl := newTable(t, Config{CardsPerEntry: 10})
	require.Equal(t, 12, tbl.CardsPerEntry())
}

// TestScenarioB fills region 5 to capacity and checks that the next
// distinct card overflows.
func TestScenarioB(t *testing.T) {
	tbl := newTable(t, Config{CardsPerEntry: 16})

	for c := CardIdx(0); c < 16; c++ {
		require.Equal(t, Added, tbl.AddCard(5, c*3), "card %d", c)
	}
	require.Equal(t, Overflow, tbl.AddCard(5, 1000))
	require.False(t, tbl.ContainsCard(5, 1000))

	// Already recorded cards are still found when the entry is full.
	require.Equal(t, Found, tbl.AddCard(5, 9))
	require.Equal(t, 16, tbl.OccupiedCards())
	require.Equal(t, 1, tbl.OccupiedEntries())
}

// TestOverflowBoundary checks the K+1 rule for several K.
func TestOverflowBoundary(t *testing.T) {
	for _, k := range []int{4, 8, 12, 16, 32} {
		tbl := newTable(t, Config{CardsPerEntry: k})
		for c := 0; c < k; c++ {
			res := tbl.AddCard(1, CardIdx(c))
			require.NotEqual(t, Overflow, res, "K=%d card %d", k, c)
			require.Equal(t, Found, tbl.AddCard(1, CardIdx(c)))
		}
		require.Equal(t, Overflow, tbl.AddCard(1, CardIdx(k)), "K=%d", k)

		// Other regions are unaffected.
		require.Equal(t, Added, tbl.AddCard(2, CardIdx(k)))
	}
}

func TestMembership(t *testing.T) {
	tbl := newTable(t, Config{})

	require.False(t, tbl.ContainsCard(7, 1))
	_, ok := tbl.GetEntry(7)
	require.False(t, ok)

	require.Equal(t, Added, tbl.AddCard(7, 1))
	require.Equal(t, Added, tbl.AddCard(7, 40))
	require.Equal(t, Added, tbl.AddCard(23, 1)) // same bucket as 7 at capacity 16

	require.True(t, tbl.ContainsCard(7, 1))
	require.True(t, tbl.ContainsCard(7, 40))
	require.False(t, tbl.ContainsCard(7, 2))
	require.True(t, tbl.ContainsCard(23, 1))

	e, ok := tbl.GetEntry(7)
	require.True(t, ok)
	require.Equal(t, Entry{Region: 7, Cards: []CardIdx{1, 40}}, e)
	require.Equal(t, 2, tbl.NumCards(7))
	require.Equal(t, []CardIdx{99, 1}, tbl.GetCards(23, []CardIdx{99}))
}

func TestDeleteEntry(t *testing.T) {
	tbl := newTable(t, Config{})

	// Three regions chained in one bucket; delete the middle one.
	for _, r := range []RegionIdx{3, 19, 35} {
		tbl.AddCard(r, 1)
		tbl.AddCard(r, 2)
	}
	require.Equal(t, 6, tbl.OccupiedCards())

	require.True(t, tbl.DeleteEntry(19))
	require.False(t, tbl.DeleteEntry(19))
	_, ok := tbl.GetEntry(19)
	require.False(t, ok)
	require.False(t, tbl.ContainsCard(19, 1))
	require.True(t, tbl.ContainsCard(3, 2))
	require.True(t, tbl.ContainsCard(35, 2))
	require.Equal(t, 2, tbl.OccupiedEntries())
	require.Equal(t, 4, tbl.OccupiedCards())
	require.Equal(t, 1, tbl.Stats().FreeListLen)

	// The freed slot is reused and starts empty.
	require.Equal(t, Added, tbl.AddCard(50, 9))
	require.Equal(t, 0, tbl.Stats().FreeListLen)
	require.Equal(t, []CardIdx{9}, tbl.GetCards(50, nil))
	require.False(t, tbl.DeleteEntry(1000))
}

// TestExpand_PreservesMembership adds a random workload that forces several
// expansions and checks every card is still present afterwards.
func TestExpand_PreservesMembership(t *testing.T) {
	tbl := newTable(t, Config{})
	rng := rand.New(rand.NewSource(1))

	want := map[RegionIdx]map[CardIdx]bool{}
	for i := 0; i < 5000; i++ {
		r := RegionIdx(rng.Intn(400))
		c := CardIdx(rng.Intn(64))
		res := tbl.AddCard(r, c)
		if want[r] == nil {
			want[r] = map[CardIdx]bool{}
		}
		switch res {
		case Added:
			require.False(t, want[r][c])
			want[r][c] = true
		case Found:
			require.True(t, want[r][c])
		case Overflow:
			require.Len(t, want[r], tbl.CardsPerEntry())
		}
	}
	require.Greater(t, tbl.Capacity(), DefaultInitialCapacity)
	require.LessOrEqual(t, tbl.OccupiedEntries()*2, tbl.Capacity()+2)

	cards := 0
	for r, set := range want {
		for c := range set {
			require.True(t, tbl.ContainsCard(r, c), "region %d card %d", r, c)
		}
		cards += len(set)
	}
	require.Equal(t, cards, tbl.OccupiedCards())
	require.Equal(t, len(want), tbl.OccupiedEntries())

	// One more explicit expansion.
	before := tbl.Capacity()
	tbl.Expand()
	require.Equal(t, 2*before, tbl.Capacity())
	for r, set := range want {
		for c := range set {
			require.True(t, tbl.ContainsCard(r, c))
		}
	}
	require.Equal(t, cards, tbl.OccupiedCards())
}

func TestExpand_AfterDeletes(t *testing.T) {
	tbl := newTable(t, Config{})
	for r := RegionIdx(0); r < 8; r++ {
		tbl.AddCard(r, CardIdx(r))
	}
	tbl.DeleteEntry(2)
	tbl.DeleteEntry(5)

	tbl.Expand()
	require.Equal(t, 0, tbl.Stats().FreeListLen, "expansion compacts the arena")
	require.Equal(t, 6, tbl.OccupiedEntries())
	for r := RegionIdx(0); r < 8; r++ {
		require.Equal(t, r != 2 && r != 5, tbl.ContainsCard(r, CardIdx(r)), "region %d", r)
	}
}

func TestClear(t *testing.T) {
	t.Run("in place", func(t *testing.T) {
		tbl := newTable(t, Config{})
		tbl.AddCard(1, 1)
		tbl.AddCard(2, 2)
		tbl.DeleteEntry(1)

		tbl.Clear()
		require.Equal(t, DefaultInitialCapacity, tbl.Capacity())
		require.Zero(t, tbl.OccupiedEntries())
		require.Zero(t, tbl.OccupiedCards())
		require.Zero(t, tbl.Stats().FreeListLen)
		require.False(t, tbl.ContainsCard(2, 2))

		require.Equal(t, Added, tbl.AddCard(2, 2))
		require.Equal(t, []CardIdx{2}, tbl.GetCards(2, nil))
	})

	t.Run("shrinks to initial capacity", func(t *testing.T) {
		tbl := newTable(t, Config{InitialCapacity: 4})
		for r := RegionIdx(0); r < 100; r++ {
			tbl.AddCard(r, 0)
		}
		require.Greater(t, tbl.Capacity(), 4)
		grown := tbl.MemSize()

		tbl.Clear()
		require.Equal(t, 4, tbl.Capacity())
		require.Less(t, tbl.MemSize(), grown)
		require.Zero(t, tbl.OccupiedEntries())
		_, ok := tbl.GetEntry(50)
		require.False(t, ok)
	})
}

func TestIterator(t *testing.T) {
	tbl := newTable(t, Config{CardsPerRegion: 128})

	it := tbl.NewIterator()
	_, ok := it.Next()
	require.False(t, ok, "empty table")

	tbl.AddCard(0, 5)
	tbl.AddCard(3, 1)
	tbl.AddCard(3, 127)
	tbl.AddCard(19, 0) // chained with region 3
	tbl.AddCard(200, 64)

	var got []uint64
	for it := tbl.NewIterator(); ; {
		c, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, c)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Equal(t, []uint64{5, 3*128 + 1, 3*128 + 127, 19 * 128, 200*128 + 64}, got)

	// Exhausted iterators stay exhausted.
	it = tbl.NewIterator()
	for n := 0; n < 5; n++ {
		_, ok := it.Next()
		require.True(t, ok)
	}
	_, ok = it.Next()
	require.False(t, ok)
	_, ok = it.Next()
	require.False(t, ok)
}

func TestIterator_RelativeCards(t *testing.T) {
	tbl := newTable(t, Config{})
	tbl.AddCard(9, 4)

	c, ok := tbl.NewIterator().Next()
	require.True(t, ok)
	require.Equal(t, uint64(4), c)
}

func TestRegions(t *testing.T) {
	tbl := newTable(t, Config{})
	tbl.AddCard(1, 1)
	tbl.AddCard(1, 2)
	tbl.AddCard(4, 1)

	got := map[RegionIdx]int{}
	tbl.Regions(func(r RegionIdx, n int) bool {
		got[r] = n
		return true
	})
	assert.Equal(t, map[RegionIdx]int{1: 2, 4: 1}, got)

	calls := 0
	tbl.Regions(func(RegionIdx, int) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)
}

func TestAddCardResult_String(t *testing.T) {
	assert.Equal(t, "found", Found.String())
	assert.Equal(t, "added", Added.String())
	assert.Equal(t, "overflow", Overflow.String())
	assert.Equal(t, "AddCardResult(9)", AddCardResult(9).String())
}

func BenchmarkAddCard(b *testing.B) {
	tbl := newTable(b, Config{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i%100000 == 0 {
			tbl.Clear()
		}
		tbl.AddCard(RegionIdx(i%512), CardIdx(i%13))
	}
}
