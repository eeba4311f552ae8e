package objmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/vmem"
)

func newStore(t *testing.T) *vmem.Space {
	t.Helper()
	s, err := vmem.Reserve(64*mem.K, 4*mem.K)
	require.NoError(t, err)
	require.True(t, s.Initialize(64*mem.K))
	return s
}

func TestHeaderModel_Format(t *testing.T) {
	s := newStore(t)
	m := NewHeaderModel(s, Resolve(Wide, s.Low()))

	obj := s.Low().AddWords(4)
	require.False(t, m.IsObjectStart(obj), "zeroed memory is not an object")

	m.Format(obj, KindData, 10)
	require.True(t, m.IsObjectStart(obj))
	require.Equal(t, uint64(10), m.SizeInWords(obj))
	require.Equal(t, KindData, m.KindOf(obj))
	require.False(t, m.IsRefArray(obj))
	require.False(t, m.IsObjectStart(obj+4), "misaligned address")
}

func TestHeaderModel_RefArrayWords(t *testing.T) {
	s := newStore(t)

	wide := NewHeaderModel(s, Resolve(Wide, s.Low()))
	narrow := NewHeaderModel(s, Resolve(Narrow, s.Low()))

	tests := []struct {
		length uint64
		wide   uint64
		narrow uint64
	}{
		{0, 2, 2},
		{1, 3, 3},
		{2, 4, 3},
		{3, 5, 4},
		{100, 102, 52},
	}
	for _, tt := range tests {
		require.Equal(t, tt.wide, wide.RefArrayWords(tt.length), "wide length %d", tt.length)
		require.Equal(t, tt.narrow, narrow.RefArrayWords(tt.length), "narrow length %d", tt.length)
	}
}

// TestHeaderModel_MaxRefArrayLength checks the largest encodable array and
// that longer ones are refused instead of wrapping.
func TestHeaderModel_MaxRefArrayLength(t *testing.T) {
	s := newStore(t)

	for _, width := range []PointerWidth{Wide, Narrow} {
		m := NewHeaderModel(s, Resolve(width, s.Low()))
		limit := m.MaxRefArrayLength()
		require.LessOrEqual(t, m.RefArrayWords(limit), uint64(MaxObjectWords), "%s", width)
		require.Panics(t, func() { m.RefArrayWords(limit + 1) }, "%s", width)
		require.Panics(t, func() { m.RefArrayWords(math.MaxUint64) }, "%s", width)
	}
}

func TestHeaderModel_Refs(t *testing.T) {
	for _, width := range []PointerWidth{Wide, Narrow} {
		t.Run(width.String(), func(t *testing.T) {
			s := newStore(t)
			m := NewHeaderModel(s, Resolve(width, s.Low()))
			require.Equal(t, width, m.Refs().Width())

			target := s.Low().AddWords(100)
			m.Format(target, KindData, 4)

			arr := s.Low()
			m.FormatRefArray(arr, 5)
			require.Equal(t, uint64(5), m.ArrayLength(arr))

			slot := m.ElementSlot(arr, 3)
			require.Equal(t, mem.Null, m.LoadRef(slot))
			m.StoreRef(slot, target)
			require.Equal(t, target, m.LoadRef(slot))

			// Neighbouring slots are untouched.
			require.Equal(t, mem.Null, m.LoadRef(m.ElementSlot(arr, 2)))
			require.Equal(t, mem.Null, m.LoadRef(m.ElementSlot(arr, 4)))

			m.StoreRef(slot, mem.Null)
			require.Equal(t, mem.Null, m.LoadRef(slot))
		})
	}
}

func TestHeaderModel_IterateRefSlots(t *testing.T) {
	s := newStore(t)
	m := NewHeaderModel(s, Resolve(Narrow, s.Low()))

	arr := s.Low()
	m.FormatRefArray(arr, 10) // slots at +16, +20, ... +52

	var all []mem.Addr
	m.IterateRefSlots(arr, s.Committed(), func(slot mem.Addr) bool {
		all = append(all, slot)
		return true
	})
	require.Len(t, all, 10)
	require.Equal(t, arr+16, all[0])
	require.Equal(t, arr+52, all[9])

	// Clip to a window that starts mid-slot.
	var clipped []mem.Addr
	m.IterateRefSlots(arr, mem.Region{Start: arr + 22, End: arr + 36}, func(slot mem.Addr) bool {
		clipped = append(clipped, slot)
		return true
	})
	require.Equal(t, []mem.Addr{arr + 24, arr + 28, arr + 32}, clipped)

	// Early stop.
	count := 0
	m.IterateRefSlots(arr, s.Committed(), func(mem.Addr) bool {
		count++
		return count < 2
	})
	require.Equal(t, 2, count)

	data := s.Low().AddWords(64)
	m.Format(data, KindData, 8)
	m.IterateRefSlots(data, s.Committed(), func(mem.Addr) bool {
		t.Fatal("data objects have no reference slots")
		return false
	})
}

func TestHeaderModel_Instance(t *testing.T) {
	s := newStore(t)
	m := NewHeaderModel(s, Resolve(Wide, s.Low()))

	obj := s.Low()
	m.Format(obj, KindInstance, 4)

	require.Equal(t, obj.AddWords(1), m.FieldSlot(obj, 0))
	require.Equal(t, obj.AddWords(3), m.FieldSlot(obj, 2))
	require.Panics(t, func() { m.FieldSlot(obj, 3) })

	n := 0
	m.IterateRefSlots(obj, s.Committed(), func(mem.Addr) bool { n++; return true })
	require.Equal(t, 3, n)
}

func TestParsePointerWidth(t *testing.T) {
	w, err := ParsePointerWidth("narrow")
	require.NoError(t, err)
	require.Equal(t, Narrow, w)

	_, err = ParsePointerWidth("medium")
	require.Error(t, err)
}
