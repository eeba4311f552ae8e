package oldgen

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kolkov/gcheap/internal/heap/invariant"
	"github.com/kolkov/gcheap/internal/heap/mem"
)

// ObjectFunc is called once per object by the heap walks.
type ObjectFunc func(obj mem.Addr)

// NumIterableBlocks returns the number of blocks ObjectIterateBlock splits
// the allocated space into.
func (g *Generation) NumIterableBlocks() int {
	return int((g.Used() + g.blockBytes - 1) / g.blockBytes)
}

// ObjectIterateBlock visits every object that starts in block index. The
// first object overlapping the block is found with the BOT; if it starts in
// an earlier block it belongs to that block and is skipped. Across all
// blocks every object is visited exactly once.
func (g *Generation) ObjectIterateBlock(index int, fn ObjectFunc) {
	top := g.Top()
	begin := g.bottom + mem.Addr(uint64(index)*g.blockBytes)
	if begin >= top {
		return
	}
	end := min(top, begin+mem.Addr(g.blockBytes))

	start := g.bot.ObjectStart(begin)
	if start < begin {
		start = start.AddWords(g.model.SizeInWords(start))
	}
	g.walk(start, end, fn)
}

// walk visits the objects starting in [p, end).
func (g *Generation) walk(p, end mem.Addr, fn ObjectFunc) {
	for p < end {
		invariant.Assert(g.model.IsObjectStart(p), "oldgen: no object at %s", p)
		size := g.model.SizeInWords(p)
		fn(p)
		p = p.AddWords(size)
	}
}

// ObjectIterate visits every allocated object in address order.
func (g *Generation) ObjectIterate(fn ObjectFunc) {
	g.walk(g.bottom, g.Top(), fn)
}

// ParallelObjectIterate visits every allocated object using up to workers
// goroutines that claim blocks from a shared counter. fn must be safe for
// concurrent use. workers <= 0 means GOMAXPROCS.
func (g *Generation) ParallelObjectIterate(workers int, fn ObjectFunc) {
	n := g.NumIterableBlocks()
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, n)
	if workers <= 1 {
		for i := 0; i < n; i++ {
			g.ObjectIterateBlock(i, fn)
		}
		return
	}

	var (
		next atomic.Int64
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= n {
					return
				}
				g.ObjectIterateBlock(i, fn)
			}
		}()
	}
	wg.Wait()
}
