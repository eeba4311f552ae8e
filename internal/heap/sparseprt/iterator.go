package sparseprt

// Iterator walks every recorded card of a table: buckets in order, each
// bucket's chain from its head, each entry's cards in insertion order.
//
// An Iterator is invalidated by any mutation of its table. To restart,
// construct a new one.
type Iterator struct {
	t      *Table
	bucket int
	entry  int32
	card   int
}

// NewIterator returns an iterator positioned before the first card.
func (t *Table) NewIterator() *Iterator {
	return &Iterator{t: t, bucket: -1, entry: nullEntry}
}

// Next returns the next absolute card index, region*CardsPerRegion + card.
// ok is false once every card has been produced.
func (it *Iterator) Next() (card uint64, ok bool) {
	t := it.t
	for {
		if it.entry != nullEntry {
			e := &t.entries[it.entry]
			if it.card < int(e.numCards) {
				c := t.entryCards(it.entry)[it.card]
				it.card++
				return uint64(e.region)*t.cardsPerRegion + uint64(c), true
			}
			it.entry = e.next
			it.card = 0
			continue
		}
		it.bucket++
		if it.bucket >= len(t.buckets) {
			it.bucket = len(t.buckets)
			return 0, false
		}
		it.entry = t.buckets[it.bucket]
	}
}

// Regions calls fn for each region with an entry. Iteration stops when fn
// returns false.
func (t *Table) Regions(fn func(region RegionIdx, numCards int) bool) {
	for _, head := range t.buckets {
		for i := head; i != nullEntry; i = t.entries[i].next {
			if !fn(t.entries[i].region, int(t.entries[i].numCards)) {
				return
			}
		}
	}
}
