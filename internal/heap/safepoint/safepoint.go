// Package safepoint is the reference thread-suspension collaborator.
//
// Heap structure changes that in-flight allocators must never observe half
// done (shrinking a generation) run only at a safepoint: a point where every
// registered mutator is known to be parked. The heap core consumes just the
// Predicate interface; Coordinator is the implementation the heap context,
// CLI and tests use.
//
// Mutator lifecycle:
//
//	m := c.Register()   // running
//	...
//	m.Poll()            // parks and waits if a safepoint is requested
//	...
//	m.Park()            // entering a blocking region (I/O, sleep)
//	m.Unpark()          // waits for any safepoint in progress to end
//	...
//	m.Deregister()
//
// Collector side:
//
//	err := c.Do(ctx, func() { gen.Shrink(n) })
package safepoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Predicate reports whether all mutators are parked.
type Predicate interface {
	AtSafepoint() bool
}

// Static is a Predicate with a fixed answer, for single-threaded embeddings
// and tests that drive the heap without mutator goroutines.
type Static bool

// AtSafepoint implements Predicate.
func (s Static) AtSafepoint() bool { return bool(s) }

var (
	// ErrInProgress is returned by Begin when a safepoint is already
	// requested or active.
	ErrInProgress = errors.New("safepoint: already in progress")

	// ErrTooManyMutators is returned by Register when all IDs are in use.
	ErrTooManyMutators = errors.New("safepoint: mutator ID space exhausted")
)

// MaxMutators bounds the number of simultaneously registered mutators.
const MaxMutators = 1 << 16

// Coordinator brings mutators to a safepoint.
//
// Thread Safety: all methods are safe for concurrent use.
type Coordinator struct {
	mu sync.Mutex

	// running counts registered mutators that are not parked.
	running int
	// registered counts all registered mutators.
	registered int

	requested bool
	// req mirrors requested for the lock-free Poll fast path.
	req atomic.Bool
	at  atomic.Bool

	// drained is closed when the last running mutator parks during a
	// request; resume is closed when the safepoint ends.
	drained chan struct{}
	resume  chan struct{}

	// freeIDs is a stack of reusable mutator IDs; nextID hands out fresh
	// ones once the stack is empty.
	freeIDs []uint32
	nextID  uint32

	safepoints atomic.Uint64
}

// New returns a Coordinator with no registered mutators.
func New() *Coordinator {
	return &Coordinator{}
}

// Mutator is a registered mutator thread.
//
// A Mutator must only be used by the goroutine that registered it.
type Mutator struct {
	c       *Coordinator
	id      uint32
	running bool
}

// ID returns the mutator's ID. IDs are reused after Deregister.
func (m *Mutator) ID() uint32 { return m.id }

// Register adds a running mutator. If a safepoint is in progress, Register
// waits for it to end first.
func (c *Coordinator) Register() (*Mutator, error) {
	c.mu.Lock()
	for c.requested {
		ch := c.resume
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	var id uint32
	switch {
	case len(c.freeIDs) > 0:
		id = c.freeIDs[len(c.freeIDs)-1]
		c.freeIDs = c.freeIDs[:len(c.freeIDs)-1]
	case c.nextID < MaxMutators:
		id = c.nextID
		c.nextID++
	default:
		return nil, ErrTooManyMutators
	}

	c.registered++
	c.running++
	return &Mutator{c: c, id: id, running: true}, nil
}

// Deregister removes the mutator. Its ID becomes reusable.
func (m *Mutator) Deregister() {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.running {
		c.parkLocked()
	}
	m.running = false
	c.registered--
	c.freeIDs = append(c.freeIDs, m.id)
	m.c = nil
}

// Park marks the mutator as not touching the heap.
func (m *Mutator) Park() {
	if !m.running {
		return
	}
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()
	m.running = false
	c.parkLocked()
}

func (c *Coordinator) parkLocked() {
	c.running--
	if c.requested && c.running == 0 && !c.at.Load() {
		c.at.Store(true)
		close(c.drained)
	}
}

// Unpark marks the mutator as running again, waiting for a safepoint in
// progress to end.
func (m *Mutator) Unpark() {
	if m.running {
		return
	}
	c := m.c
	c.mu.Lock()
	for c.requested {
		ch := c.resume
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
	}
	m.running = true
	c.running++
	c.mu.Unlock()
}

// Poll parks the mutator for the duration of a requested safepoint. It is
// cheap when no safepoint is pending.
func (m *Mutator) Poll() {
	if !m.c.Requested() {
		return
	}
	m.Park()
	m.Unpark()
}

// Requested reports whether a safepoint is requested or active.
func (c *Coordinator) Requested() bool {
	return c.req.Load()
}

// AtSafepoint implements Predicate.
func (c *Coordinator) AtSafepoint() bool {
	return c.at.Load()
}

// Begin requests a safepoint and waits until every mutator is parked. If
// ctx ends first the request is withdrawn and ctx.Err() is returned.
func (c *Coordinator) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.requested {
		c.mu.Unlock()
		return ErrInProgress
	}
	c.requested = true
	c.req.Store(true)
	c.resume = make(chan struct{})
	c.drained = make(chan struct{})
	if c.running == 0 {
		c.at.Store(true)
		close(c.drained)
	}
	drained := c.drained
	c.mu.Unlock()

	select {
	case <-drained:
		c.safepoints.Add(1)
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.at.Load() {
			// Reached just as the context ended; keep it.
			c.safepoints.Add(1)
			return nil
		}
		c.requested = false
		c.req.Store(false)
		close(c.resume)
		return ctx.Err()
	}
}

// End releases the safepoint and resumes parked mutators.
func (c *Coordinator) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.requested {
		return
	}
	c.requested = false
	c.req.Store(false)
	c.at.Store(false)
	close(c.resume)
}

// Do runs fn at a safepoint.
func (c *Coordinator) Do(ctx context.Context, fn func()) error {
	if err := c.Begin(ctx); err != nil {
		return err
	}
	defer c.End()
	fn()
	return nil
}

// Registered returns the number of registered mutators.
func (c *Coordinator) Registered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Count returns how many safepoints have been reached.
func (c *Coordinator) Count() uint64 {
	return c.safepoints.Load()
}
