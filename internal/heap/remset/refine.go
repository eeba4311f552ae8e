package remset

import (
	"github.com/kolkov/gcheap/internal/heap/bot"
	"github.com/kolkov/gcheap/internal/heap/cardtable"
	"github.com/kolkov/gcheap/internal/heap/mem"
	"github.com/kolkov/gcheap/internal/heap/objmodel"
	"github.com/kolkov/gcheap/internal/heap/trace"
)

// RefineStats counts the work of one Refine call.
type RefineStats struct {
	Cards     int // dirty cards cleaned and scanned
	Objects   int // objects visited
	Slots     int // reference slots read
	Recorded  int // cross-region references passed to the sets
	Added     int // new remembered cards
	Coarsened int // source regions promoted to coarse tracking
}

// Add accumulates o into s.
func (s *RefineStats) Add(o RefineStats) {
	s.Cards += o.Cards
	s.Objects += o.Objects
	s.Slots += o.Slots
	s.Recorded += o.Recorded
	s.Added += o.Added
	s.Coarsened += o.Coarsened
}

// Refiner turns dirty cards into remembered-set entries.
//
// For every dirty card it cleans the card first (so a concurrent store
// re-dirties it), then finds the objects overlapping the card with the BOT:
//
//   - an instance whose header lies on the card is scanned in full, since
//     field stores only dirty the header card
//   - every other object has only the slots inside the card scanned, which
//     covers precisely marked array elements and bulk-dirtied ranges
//
// Each slot that references another region is recorded under the slot's
// own card.
type Refiner struct {
	cards  *cardtable.Table
	bot    *bot.Table
	model  objmodel.RefModel
	sets   *Sets
	tracer *trace.Tracer
}

// NewRefiner returns a refiner feeding sets.
func NewRefiner(cards *cardtable.Table, bt *bot.Table, model objmodel.RefModel, sets *Sets, tracer *trace.Tracer) *Refiner {
	return &Refiner{cards: cards, bot: bt, model: model, sets: sets, tracer: tracer}
}

// Refine processes the dirty cards overlapping used, the allocated part of
// the generation.
func (r *Refiner) Refine(used mem.Region) RefineStats {
	var st RefineStats
	if used.IsEmpty() {
		return st
	}

	var runs []mem.Region
	r.cards.DirtyCardIterate(used, func(run mem.Region) bool {
		runs = append(runs, run)
		return true
	})

	for _, run := range runs {
		first := r.cards.IndexFor(run.Start)
		last := r.cards.IndexFor(run.End - 1)
		for i := first; i <= last; i++ {
			if !r.cards.ClearCard(i) {
				// Refined by someone else since the iteration.
				continue
			}
			mr := r.cards.CardRegion(i).Intersect(used)
			if mr.IsEmpty() {
				continue
			}
			st.Cards++
			r.refineCard(mr, used, &st)
		}
	}

	if st.Coarsened > 0 {
		r.tracer.Printf(trace.RemSet, "refine: %d cards, %d refs recorded, %d regions coarsened",
			st.Cards, st.Recorded, st.Coarsened)
	}
	return st
}

func (r *Refiner) refineCard(card, used mem.Region, st *RefineStats) {
	heap := r.sets.Layout().Heap()

	for p := r.bot.ObjectStart(card.Start); p < card.End; {
		next := p.AddWords(r.model.SizeInWords(p))
		st.Objects++

		scan := card
		if p >= card.Start && !r.model.IsRefArray(p) {
			scan = mem.Region{Start: p, End: next}.Intersect(used)
		}
		r.model.IterateRefSlots(p, scan, func(slot mem.Addr) bool {
			st.Slots++
			target := r.model.LoadRef(slot)
			if target == mem.Null || !heap.Contains(target) {
				return true
			}
			switch r.sets.Record(slot, target) {
			case Skipped:
				return true
			case Added:
				st.Added++
			case Coarsened:
				st.Coarsened++
			}
			st.Recorded++
			return true
		})
		p = next
	}
}
