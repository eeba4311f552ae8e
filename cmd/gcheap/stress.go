// stress.go implements the 'gcheap stress' command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolkov/gcheap/heap"
)

// rootSlots is the length of the shared root array. Workers store their
// objects into it, which creates references between distant regions.
const rootSlots = 256

// stressConfig holds configuration for the stress command.
type stressConfig struct {
	// Number of mutator goroutines (-workers).
	workers int

	// Allocation rounds per mutator (-rounds).
	rounds int

	// Heap geometry (-reserved, -initial).
	reserved uint64
	initial  uint64

	// Reference width (-refs).
	refs heap.PointerWidth

	// Random seed (-seed).
	seed uint64

	// Heap trace output (-v), written to stderr.
	verbose bool
}

// stressCommand implements the 'gcheap stress' command.
//
// Example:
//
//	gcheap stress -workers 8 -rounds 5000 -reserved 32M
func stressCommand(args []string) {
	config, err := parseStressArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	var trace io.Writer
	if config.verbose {
		trace = os.Stderr
	}
	if err := runStress(config, os.Stdout, trace); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseStressArgs parses the flags of 'gcheap stress'.
func parseStressArgs(args []string) (*stressConfig, error) {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	config := &stressConfig{}
	var reserved, initial, refs string
	fs.IntVar(&config.workers, "workers", 4, "number of mutator goroutines")
	fs.IntVar(&config.rounds, "rounds", 2000, "allocation rounds per mutator")
	fs.StringVar(&reserved, "reserved", "16M", "reserved heap size")
	fs.StringVar(&initial, "initial", "1M", "initially committed size")
	fs.StringVar(&refs, "refs", "wide", "reference width: wide or narrow")
	fs.Uint64Var(&config.seed, "seed", 1, "random seed")
	fs.BoolVar(&config.verbose, "v", false, "trace heap events to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if config.workers <= 0 {
		return nil, fmt.Errorf("-workers must be positive, got %d", config.workers)
	}
	if config.rounds <= 0 {
		return nil, fmt.Errorf("-rounds must be positive, got %d", config.rounds)
	}

	var err error
	if config.reserved, err = parseSize(reserved); err != nil {
		return nil, fmt.Errorf("-reserved: %w", err)
	}
	if config.initial, err = parseSize(initial); err != nil {
		return nil, fmt.Errorf("-initial: %w", err)
	}
	if config.refs, err = heap.ParsePointerWidth(refs); err != nil {
		return nil, fmt.Errorf("-refs: %w", err)
	}
	return config, nil
}

// parseSize parses sizes such as "512K", "16M" or "65536".
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	unit := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		unit, s = heap.K, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		unit, s = heap.M, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		unit, s = 1024*heap.M, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * unit, nil
}

// runStress runs config.workers mutators against one heap. Each mutator
// allocates random objects, links them and publishes them through a shared
// root array. Meanwhile the calling goroutine resizes the heap, and at
// safepoints refines the dirty cards and verifies the heap. Running out of
// memory stops the mutator that hit it; it is not a failure.
func runStress(config *stressConfig, w io.Writer, trace io.Writer) error {
	h, err := heap.New(heap.Options{
		ReservedBytes: config.reserved,
		InitialBytes:  config.initial,
		MinBytes:      min(config.initial, heap.DefaultCommitGranule),
		PointerWidth:  config.refs,
		Trace:         trace,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	roots, err := h.AllocateRefArray(rootSlots)
	if err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		running  atomic.Int32
		stopped  atomic.Int32
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	start := time.Now()
	running.Store(int32(config.workers))
	for id := 0; id < config.workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer running.Add(-1)

			m, err := h.RegisterMutator()
			if err != nil {
				fail(err)
				return
			}
			defer m.Deregister()

			rng := rand.New(rand.NewPCG(config.seed, uint64(id)))
			if err := mutate(h, m, rng, roots, config.rounds); err != nil {
				if errors.Is(err, heap.ErrOutOfMemory) {
					stopped.Add(1)
					return
				}
				fail(fmt.Errorf("mutator %d: %w", id, err))
			}
		}(id)
	}

	// Collector side.
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(config.seed, ^uint64(0)))
	var verifyErr error
	for running.Load() > 0 {
		desiredFree := uint64(rng.IntN(8)+1) * 256 * heap.K
		if _, err := h.Resize(ctx, desiredFree); err != nil {
			fail(err)
			break
		}
		err := h.Safepoint(ctx, func() {
			h.Refine()
			verifyErr = h.Verify()
		})
		if err != nil {
			fail(err)
			break
		}
		if verifyErr != nil {
			fail(verifyErr)
			break
		}
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	h.Refine()
	if err := h.Verify(); err != nil {
		return err
	}

	// Every recorded reference must point into the scanned region.
	for r := 0; r < h.NumRegions(); r++ {
		region := r
		_, err := h.ScanRememberedSet(region, func(_, _, ref heap.Addr) bool {
			if got, _ := h.RegionOf(ref); got != region {
				fail(fmt.Errorf("region %d remembered set yields %s in region %d", region, ref, got))
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	var objects atomic.Uint64
	h.ParallelObjectIterate(0, func(heap.Addr) { objects.Add(1) })
	if n, want := objects.Load(), h.Stats().Allocations; n != want {
		return fmt.Errorf("heap walk found %d objects, %d allocated", n, want)
	}

	fmt.Fprintf(w, "%d mutators x %d rounds in %v, %d stopped on out of memory\n",
		config.workers, config.rounds, time.Since(start).Round(time.Millisecond), stopped.Load())
	return h.Report(w)
}

// mutate runs one mutator's rounds. Holders are always the mutator's own
// objects or the shared roots; targets may be anything it has seen.
func mutate(h *heap.Heap, m *heap.Mutator, rng *rand.Rand, roots heap.Addr, rounds int) error {
	var instances, arrays []heap.Addr
	pick := func() heap.Addr {
		switch {
		case len(arrays) > 0 && rng.IntN(2) == 0:
			return arrays[rng.IntN(len(arrays))]
		case len(instances) > 0:
			return instances[rng.IntN(len(instances))]
		}
		return heap.Null
	}

	for i := 0; i < rounds; i++ {
		m.Poll()

		switch rng.IntN(4) {
		case 0:
			if _, err := h.AllocateData(uint64(rng.IntN(64))); err != nil {
				return err
			}
		case 1, 2:
			obj, err := h.AllocateInstance(uint64(rng.IntN(16) + 1))
			if err != nil {
				return err
			}
			instances = append(instances, obj)
		default:
			arr, err := h.AllocateRefArray(uint64(rng.IntN(128) + 1))
			if err != nil {
				return err
			}
			arrays = append(arrays, arr)
		}

		if len(instances) > 0 {
			obj := instances[rng.IntN(len(instances))]
			n, err := h.NumFields(obj)
			if err != nil {
				return err
			}
			if err := h.StoreField(obj, uint64(rng.IntN(int(n))), pick()); err != nil {
				return err
			}
		}
		if len(arrays) > 0 {
			arr := arrays[rng.IntN(len(arrays))]
			n, err := h.Length(arr)
			if err != nil {
				return err
			}
			if err := h.StoreElement(arr, uint64(rng.IntN(int(n))), pick()); err != nil {
				return err
			}
		}
		if i%8 == 0 {
			if err := h.StoreElement(roots, uint64(rng.IntN(rootSlots)), pick()); err != nil {
				return err
			}
		}
	}
	return nil
}
