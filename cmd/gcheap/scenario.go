// scenario.go implements the 'gcheap scenario' command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kolkov/gcheap/heap"
	"github.com/kolkov/gcheap/internal/heap/sparseprt"
)

// errScenarioFailed is returned when at least one check of a scenario fails.
var errScenarioFailed = errors.New("scenario failed")

// scenarioConfig holds configuration for the scenario command.
type scenarioConfig struct {
	// Scenario names in run order (a, b, c, d).
	names []string

	// Heap trace output (-v), written to stderr.
	verbose bool
}

// scenario is one reference scenario.
type scenario struct {
	name  string
	title string
	run   func(c *checker, trace io.Writer) error
}

var scenarios = []scenario{
	{"a", "block offset table lookup", scenarioA},
	{"b", "sparse remembered-set overflow", scenarioB},
	{"c", "generation resize", scenarioC},
	{"d", "write barrier precision", scenarioD},
}

// scenarioCommand implements the 'gcheap scenario' command.
//
// Example:
//
//	gcheap scenario all
//	gcheap scenario -v a c
func scenarioCommand(args []string) {
	config, err := parseScenarioArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	var trace io.Writer
	if config.verbose {
		trace = os.Stderr
	}
	if err := runScenarios(config.names, os.Stdout, trace); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseScenarioArgs parses the arguments of 'gcheap scenario'. No names or
// "all" select every scenario.
func parseScenarioArgs(args []string) (*scenarioConfig, error) {
	fs := flag.NewFlagSet("scenario", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	config := &scenarioConfig{}
	fs.BoolVar(&config.verbose, "v", false, "trace heap events to stderr")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, arg := range fs.Args() {
		name := strings.ToLower(arg)
		if name == "all" {
			config.names = nil
			for _, s := range scenarios {
				config.names = append(config.names, s.name)
			}
			return config, nil
		}
		if findScenario(name) == nil {
			return nil, fmt.Errorf("unknown scenario %q (want a, b, c, d or all)", arg)
		}
		if !seen[name] {
			seen[name] = true
			config.names = append(config.names, name)
		}
	}
	if len(config.names) == 0 {
		for _, s := range scenarios {
			config.names = append(config.names, s.name)
		}
	}
	return config, nil
}

func findScenario(name string) *scenario {
	for i := range scenarios {
		if scenarios[i].name == name {
			return &scenarios[i]
		}
	}
	return nil
}

// runScenarios runs the named scenarios and writes their checks to w.
func runScenarios(names []string, w io.Writer, trace io.Writer) error {
	failed := 0
	for _, name := range names {
		s := findScenario(name)
		if s == nil {
			return fmt.Errorf("unknown scenario %q", name)
		}
		fmt.Fprintf(w, "==================\n")
		fmt.Fprintf(w, "Scenario %s: %s\n", strings.ToUpper(s.name), s.title)
		fmt.Fprintf(w, "==================\n")

		c := &checker{w: w}
		if err := s.run(c, trace); err != nil {
			fmt.Fprintf(w, "  error: %v\n", err)
			c.failed++
		}
		if c.failed > 0 {
			failed++
		}
		fmt.Fprintf(w, "\n")
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errScenarioFailed, failed, len(names))
	}
	fmt.Fprintf(w, "All %d scenario(s) passed.\n", len(names))
	return nil
}

// checker prints one line per check.
type checker struct {
	w      io.Writer
	failed int
}

func (c *checker) logf(format string, args ...any) {
	fmt.Fprintf(c.w, "  "+format+"\n", args...)
}

func (c *checker) check(ok bool, format string, args ...any) {
	status := "PASS"
	if !ok {
		status = "FAIL"
		c.failed++
	}
	fmt.Fprintf(c.w, "  [%s] %s\n", status, fmt.Sprintf(format, args...))
}

// scenarioA: a 1 MiB heap with 4 KiB cards holds objects of 10, 2050 and
// 5 words. An address 1200 words into the second object resolves to it.
func scenarioA(c *checker, trace io.Writer) error {
	h, err := heap.New(heap.Options{
		ReservedBytes: heap.M,
		CommitGranule: 4 * heap.K,
		InitialBytes:  heap.M,
		CardShift:     12,
		Trace:         trace,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	var objs []heap.Addr
	for _, words := range []uint64{10, 2050, 5} {
		p, err := h.AllocateData(words - 1)
		if err != nil {
			return err
		}
		objs = append(objs, p)
		c.logf("allocated %5d words at %s", words, p)
	}

	probe := objs[1].AddWords(1200)
	start, err := h.ObjectStart(probe)
	if err != nil {
		return err
	}
	c.check(start == objs[1], "object_start(%s) = %s, want %s", probe, start, objs[1])

	for i, p := range objs {
		last := p.AddWords(sizeOf(h, p) - 1)
		got, err := h.ObjectStart(last)
		if err != nil {
			return err
		}
		c.check(got == p, "last word of object %d resolves to its start", i)
	}
	c.check(h.Verify() == nil, "heap verifies")
	return nil
}

func sizeOf(h *heap.Heap, obj heap.Addr) uint64 {
	info, err := h.Describe(obj)
	if err != nil {
		return 1
	}
	return info.Words
}

// scenarioB: with 16 cards per entry, 16 distinct cards of region 5 are
// added and the 17th overflows.
func scenarioB(c *checker, _ io.Writer) error {
	t, err := sparseprt.New(sparseprt.Config{CardsPerEntry: 16})
	if err != nil {
		return err
	}

	added := 0
	for card := sparseprt.CardIdx(0); card < 16; card++ {
		if t.AddCard(5, card) == sparseprt.Added {
			added++
		}
	}
	c.check(added == 16, "16 distinct cards added to region 5 (got %d)", added)

	res := t.AddCard(5, 16)
	c.check(res == sparseprt.Overflow, "17th distinct card: %s", res)
	res = t.AddCard(5, 3)
	c.check(res == sparseprt.Found, "recorded card after overflow: %s", res)

	st := t.Stats()
	c.logf("capacity %d, %d entries, %d cards, %d bytes", st.Capacity, st.OccupiedEntries, st.OccupiedCards, st.MemSize)
	return nil
}

// scenarioC: min 1 MiB, max 8 MiB, initial 2 MiB, 1 MiB used. Resizing for
// 3 MiB free targets 4 MiB; afterwards every address up to the new end
// resolves through the BOT.
func scenarioC(c *checker, trace io.Writer) error {
	h, err := heap.New(heap.Options{
		ReservedBytes: 8 * heap.M,
		InitialBytes:  2 * heap.M,
		MinBytes:      heap.M,
		MaxBytes:      8 * heap.M,
		Trace:         trace,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	first, err := h.AllocateData(heap.M/8 - 1)
	if err != nil {
		return err
	}
	c.logf("used %dK of %dK", h.Used()/heap.K, h.Capacity()/heap.K)

	ok, err := h.Resize(context.Background(), 3*heap.M)
	if err != nil {
		return err
	}
	c.check(ok, "resize(desired free 3M) succeeded")
	c.check(h.Capacity() == 4*heap.M, "capacity %dK, want 4096K", h.Capacity()/heap.K)

	rest, err := h.AllocateData((h.Capacity()-h.Used())/8 - 1)
	if err != nil {
		return err
	}
	c.check(h.Used() == h.Capacity(), "filled to the new end")

	bad := 0
	for a := h.Bottom(); a < h.Top(); a += 4 * heap.K {
		want := first
		if a >= rest {
			want = rest
		}
		if got, err := h.ObjectStart(a); err != nil || got != want {
			bad++
		}
	}
	c.check(bad == 0, "object_start valid up to the new end (%d bad)", bad)
	c.check(h.Verify() == nil, "heap verifies")
	return nil
}

// scenarioD: two field stores into an instance spanning three cards dirty
// only its header card; one element store dirties exactly the element's
// card, the array's third.
func scenarioD(c *checker, trace io.Writer) error {
	h, err := heap.New(heap.Options{
		ReservedBytes: heap.M,
		CommitGranule: 4 * heap.K,
		InitialBytes:  heap.M,
		Trace:         trace,
	})
	if err != nil {
		return err
	}
	defer h.Close()
	card := h.CardSize()

	obj, err := h.AllocateInstance(150)
	if err != nil {
		return err
	}
	arr, err := h.AllocateRefArray(200)
	if err != nil {
		return err
	}
	c.logf("instance %s (%d bytes), array %s, %d-byte cards", obj, sizeOf(h, obj)*8, arr, card)

	if err := h.StoreField(obj, 70, arr); err != nil {
		return err
	}
	if err := h.StoreField(obj, 140, arr); err != nil {
		return err
	}

	// The first element on the array's third card.
	third := heap.Addr(uint64(arr)/card*card + 2*card)
	index := (uint64(third) - uint64(arr) - 16) / 8
	if err := h.StoreElement(arr, index, obj); err != nil {
		return err
	}

	var dirty []int
	for i, a := 0, h.Bottom(); a < h.Top(); i, a = i+1, a+heap.Addr(card) {
		if h.IsCardDirty(a) {
			dirty = append(dirty, i)
		}
	}
	want := []int{0, int((uint64(third) - uint64(h.Bottom())) / card)}
	c.check(fmt.Sprint(dirty) == fmt.Sprint(want), "dirty cards %v, want %v", dirty, want)
	return nil
}
