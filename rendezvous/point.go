// Package rendezvous lets two independent callers find each other at a shared
// point and block until the state they share reaches a condition.
//
// A Point holds a Slot: the presence of each side, a generation counter and
// caller-defined state. Every successful mutation wakes all parked waiters,
// which re-evaluate their condition under the point's lock. Waiters never poll.
//
// Restarting a point bumps its generation. Waiters parked under an older
// generation wake with ErrStale, so a slow caller from a torn-down exchange can
// never silently rejoin the new one.
package rendezvous

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrStale  = errors.New("rendezvous generation changed")
	ErrClosed = errors.New("rendezvous point closed")
)

// Presence marks one side as having reached the point.
type Presence struct {
	Label string
	Since time.Time
}

// Slot is the shared state of a point. Peers is indexed by side (0 or 1).
type Slot[S any] struct {
	Generation uint64
	Peers      [2]*Presence
	State      S
}

// Paired reports whether both sides are present.
func (s *Slot[S]) Paired() bool {
	return s.Peers[0] != nil && s.Peers[1] != nil
}

// Reset starts a new generation with no peers and zero state.
func (s *Slot[S]) Reset() {
	var zero S
	s.Generation++
	s.Peers = [2]*Presence{}
	s.State = zero
}

type Point[S any] struct {
	mu      sync.Mutex
	slot    Slot[S]
	closed  bool
	changed chan struct{}
	waiters int
}

func NewPoint[S any]() *Point[S] {
	return &Point[S]{changed: make(chan struct{})}
}

func (p *Point[S]) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Update runs fn under the point's lock and wakes all waiters if fn succeeds.
// fn must validate before mutating: a returned error leaves no trace.
func (p *Point[S]) Update(fn func(*Slot[S]) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if err := fn(&p.slot); err != nil {
		return err
	}
	p.broadcastLocked()
	return nil
}

// Inspect passes a copy of the slot to fn.
func (p *Point[S]) Inspect(fn func(Slot[S])) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.slot)
}

// Restart resets the slot if it is still at generation gen and reports
// whether it did.
func (p *Point[S]) Restart(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.slot.Generation != gen {
		return false
	}
	p.slot.Reset()
	p.broadcastLocked()
	return true
}

// Close wakes every waiter and refuses further updates. Waiters whose
// condition already holds still succeed.
func (p *Point[S]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.broadcastLocked()
}

// Wait parks until ready reports true, the generation moves past gen, the
// point is closed or ctx is done. ready runs under the point's lock and may
// mutate the slot; when it returns true the other waiters are woken.
func (p *Point[S]) Wait(ctx context.Context, gen uint64, ready func(*Slot[S]) (bool, error)) error {
	p.mu.Lock()
	for {
		if p.slot.Generation != gen {
			p.mu.Unlock()
			return ErrStale
		}

		done, err := ready(&p.slot)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if done {
			p.broadcastLocked()
			p.mu.Unlock()
			return nil
		}
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}

		changed := p.changed
		p.waiters++
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.waiters--
			p.mu.Unlock()
			return ctx.Err()
		case <-changed:
		}

		p.mu.Lock()
		p.waiters--
	}
}

// Waiters is the number of callers currently parked on the point.
func (p *Point[S]) Waiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters
}
