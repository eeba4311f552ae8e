package safepoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	require.True(t, Static(true).AtSafepoint())
	require.False(t, Static(false).AtSafepoint())
}

// TestDo_NoMutators verifies a safepoint is immediate without mutators.
func TestDo_NoMutators(t *testing.T) {
	c := New()

	ran := false
	err := c.Do(context.Background(), func() {
		ran = true
		require.True(t, c.AtSafepoint())
	})

	require.NoError(t, err)
	require.True(t, ran)
	require.False(t, c.AtSafepoint())
	require.Equal(t, uint64(1), c.Count())
}

// TestRegister_IDReuse verifies deregistered IDs are handed out again.
func TestRegister_IDReuse(t *testing.T) {
	c := New()

	a, err := c.Register()
	require.NoError(t, err)
	b, err := c.Register()
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, 2, c.Registered())

	id := a.ID()
	a.Deregister()
	require.Equal(t, 1, c.Registered())

	d, err := c.Register()
	require.NoError(t, err)
	require.Equal(t, id, d.ID())
}

// TestBegin_WaitsForRunningMutator verifies the safepoint is only reached
// once the last running mutator parks.
func TestBegin_WaitsForRunningMutator(t *testing.T) {
	c := New()
	m, err := c.Register()
	require.NoError(t, err)

	reached := make(chan struct{})
	go func() {
		require.NoError(t, c.Begin(context.Background()))
		close(reached)
	}()

	// Wait until the request is visible, then confirm it is not reached.
	require.Eventually(t, c.Requested, time.Second, time.Millisecond)
	select {
	case <-reached:
		t.Fatal("safepoint reached while a mutator is running")
	case <-time.After(20 * time.Millisecond):
	}
	require.False(t, c.AtSafepoint())

	m.Park()
	<-reached
	require.True(t, c.AtSafepoint())

	unparked := make(chan struct{})
	go func() {
		m.Unpark()
		close(unparked)
	}()
	select {
	case <-unparked:
		t.Fatal("Unpark returned during a safepoint")
	case <-time.After(20 * time.Millisecond):
	}

	c.End()
	<-unparked
	require.False(t, c.AtSafepoint())
}

// TestBegin_ContextCancel verifies a cancelled request is withdrawn.
func TestBegin_ContextCancel(t *testing.T) {
	c := New()
	_, err := c.Register()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = c.Begin(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.False(t, c.Requested())
	require.False(t, c.AtSafepoint())

	// A new request is possible afterwards.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	require.Error(t, c.Begin(ctx2))
}

func TestBegin_AlreadyInProgress(t *testing.T) {
	c := New()
	require.NoError(t, c.Begin(context.Background()))
	defer c.End()

	require.ErrorIs(t, c.Begin(context.Background()), ErrInProgress)
}

// TestPoll_ManyMutators drives polling mutators through repeated safepoints
// and checks that no mutator is running while the predicate holds.
func TestPoll_ManyMutators(t *testing.T) {
	c := New()

	const workers = 8
	var (
		wg      sync.WaitGroup
		stop    atomic.Bool
		inside  atomic.Int32
		violate atomic.Bool
	)

	ready := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := c.Register()
			if err != nil {
				violate.Store(true)
				return
			}
			defer m.Deregister()
			ready <- struct{}{}

			for !stop.Load() {
				m.Poll()
				inside.Add(1)
				if c.AtSafepoint() {
					violate.Store(true)
				}
				inside.Add(-1)
			}
		}()
	}
	for i := 0; i < workers; i++ {
		<-ready
	}

	for round := 0; round < 20; round++ {
		err := c.Do(context.Background(), func() {
			if inside.Load() != 0 {
				violate.Store(true)
			}
		})
		require.NoError(t, err)
	}

	stop.Store(true)
	wg.Wait()

	require.False(t, violate.Load(), "a mutator ran inside a safepoint")
	require.Equal(t, uint64(20), c.Count())
	require.Equal(t, 0, c.Registered())
}
