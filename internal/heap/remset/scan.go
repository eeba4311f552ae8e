package remset

import (
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/sparseprt"
)

// ScanStats counts the work of one Scan call.
type ScanStats struct {
	Cards   int
	Objects int
	Slots   int
	Refs    int // slots that reference the target region
}

// ScanFunc receives one reference into the scanned region: the object
// holding it, the slot and the referenced address. Returning false stops
// the scan.
type ScanFunc func(obj, slot, ref mem.Addr) bool

// Scan visits the references into target held on target's remembered
// cards. Every object overlapping a remembered card is visited once per
// card, and only its slots on that card are read. used bounds the walk to
// the allocated part of the generation.
//
// The card list is snapshotted under the lock; fn runs without it.
func (s *Sets) Scan(target sparseprt.RegionIdx, used mem.Region, fn ScanFunc) ScanStats {
	var st ScanStats

	s.mu.Lock()
	cards := s.cardsLocked(target, used)
	s.mu.Unlock()

	bounds := s.layout.RegionBounds(target)
	for _, card := range cards {
		st.Cards++
		stop := false
		for p := s.bot.ObjectStart(card.Start); p < card.End && !stop; {
			next := p.AddWords(s.model.SizeInWords(p))
			st.Objects++
			s.model.IterateRefSlots(p, card, func(slot mem.Addr) bool {
				st.Slots++
				ref := s.model.LoadRef(slot)
				if !bounds.Contains(ref) {
					return true
				}
				st.Refs++
				if !fn(p, slot, ref) {
					stop = true
					return false
				}
				return true
			})
			p = next
		}
		if stop {
			break
		}
	}
	return st
}
