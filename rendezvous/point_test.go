package rendezvous

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Hits int
}

func waitResult(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake")
		return nil
	}
}

func TestPointWakesWaiterOnUpdate(t *testing.T) {
	p := NewPoint[counter]()

	errc := make(chan error, 1)
	go func() {
		errc <- p.Wait(context.Background(), 0, func(s *Slot[counter]) (bool, error) {
			return s.State.Hits >= 2, nil
		})
	}()

	require.Eventually(t, func() bool { return p.Waiters() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Update(func(s *Slot[counter]) error { s.State.Hits++; return nil }))
	require.Eventually(t, func() bool { return p.Waiters() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Update(func(s *Slot[counter]) error { s.State.Hits++; return nil }))
	assert.NoError(t, waitResult(t, errc))
	assert.Equal(t, 0, p.Waiters())
}

func TestPointFailedUpdateLeavesStateUnchanged(t *testing.T) {
	p := NewPoint[counter]()
	boom := errors.New("boom")

	err := p.Update(func(s *Slot[counter]) error { return boom })
	assert.ErrorIs(t, err, boom)

	p.Inspect(func(s Slot[counter]) {
		assert.Equal(t, 0, s.State.Hits)
		assert.Equal(t, uint64(0), s.Generation)
	})
}

func TestPointRestartMakesWaitersStale(t *testing.T) {
	p := NewPoint[counter]()
	require.NoError(t, p.Update(func(s *Slot[counter]) error {
		s.Peers[0] = &Presence{Label: "greeter"}
		s.State.Hits = 5
		return nil
	}))

	errc := make(chan error, 1)
	go func() {
		errc <- p.Wait(context.Background(), 0, func(s *Slot[counter]) (bool, error) {
			return s.Paired(), nil
		})
	}()
	require.Eventually(t, func() bool { return p.Waiters() == 1 }, time.Second, time.Millisecond)

	assert.False(t, p.Restart(7))
	assert.True(t, p.Restart(0))
	assert.ErrorIs(t, waitResult(t, errc), ErrStale)

	p.Inspect(func(s Slot[counter]) {
		assert.Equal(t, uint64(1), s.Generation)
		assert.Nil(t, s.Peers[0])
		assert.Equal(t, 0, s.State.Hits)
	})

	// a second restart of the old generation is a no-op
	assert.False(t, p.Restart(0))
}

func TestPointWaitHonoursContext(t *testing.T) {
	p := NewPoint[counter]()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- p.Wait(ctx, 0, func(s *Slot[counter]) (bool, error) { return false, nil })
	}()
	require.Eventually(t, func() bool { return p.Waiters() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, waitResult(t, errc), context.Canceled)
	assert.Equal(t, 0, p.Waiters())

	deadline, cancelDeadline := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelDeadline()
	err := p.Wait(deadline, 0, func(s *Slot[counter]) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPointCloseWakesWaiters(t *testing.T) {
	p := NewPoint[counter]()

	errc := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errc <- p.Wait(context.Background(), 0, func(s *Slot[counter]) (bool, error) { return false, nil })
		}()
	}
	require.Eventually(t, func() bool { return p.Waiters() == 2 }, time.Second, time.Millisecond)

	p.Close()
	assert.ErrorIs(t, waitResult(t, errc), ErrClosed)
	assert.ErrorIs(t, waitResult(t, errc), ErrClosed)
	assert.ErrorIs(t, p.Update(func(*Slot[counter]) error { return nil }), ErrClosed)
}

func TestPointSatisfiedConditionSurvivesClose(t *testing.T) {
	p := NewPoint[counter]()
	require.NoError(t, p.Update(func(s *Slot[counter]) error { s.State.Hits = 1; return nil }))
	p.Close()

	err := p.Wait(context.Background(), 0, func(s *Slot[counter]) (bool, error) { return s.State.Hits == 1, nil })
	assert.NoError(t, err)
}

func TestPointPairsTwoSides(t *testing.T) {
	p := NewPoint[counter]()

	join := func(side int, label string) error {
		var gen uint64
		if err := p.Update(func(s *Slot[counter]) error {
			s.Peers[side] = &Presence{Label: label, Since: time.Now()}
			gen = s.Generation
			return nil
		}); err != nil {
			return err
		}
		return p.Wait(context.Background(), gen, func(s *Slot[counter]) (bool, error) {
			return s.Paired(), nil
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = join(0, "greeter") }()
	go func() { defer wg.Done(); errs[1] = join(1, "claimer") }()
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestBarrierKeysAreIndependent(t *testing.T) {
	b := NewBarrier[string, counter]()
	a1 := b.Point("a")
	a2 := b.Point("a")
	other := b.Point("b")
	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, other)
	assert.Equal(t, 2, b.Len())

	errc := make(chan error, 1)
	go func() {
		errc <- other.Wait(context.Background(), 0, func(s *Slot[counter]) (bool, error) { return s.State.Hits > 0, nil })
	}()
	require.Eventually(t, func() bool { return other.Waiters() == 1 }, time.Second, time.Millisecond)

	// closing "a" must not disturb the waiter on "b"
	assert.Equal(t, 1, b.CloseWhere(func(k string) bool { return k == "a" }))
	_, ok := b.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 1, other.Waiters())

	require.NoError(t, other.Update(func(s *Slot[counter]) error { s.State.Hits = 1; return nil }))
	assert.NoError(t, waitResult(t, errc))
}
