package rendezvous

import "sync"

// Barrier is a set of independent points. Points for different keys never
// share a lock.
type Barrier[K comparable, S any] struct {
	mu     sync.Mutex
	points map[K]*Point[S]
}

func NewBarrier[K comparable, S any]() *Barrier[K, S] {
	return &Barrier[K, S]{points: make(map[K]*Point[S])}
}

// Point returns the point for key, creating it on first use.
func (b *Barrier[K, S]) Point(key K) *Point[S] {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.points[key]
	if !ok {
		p = NewPoint[S]()
		b.points[key] = p
	}
	return p
}

func (b *Barrier[K, S]) Lookup(key K) (*Point[S], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.points[key]
	return p, ok
}

// CloseWhere closes and forgets every point whose key matches.
func (b *Barrier[K, S]) CloseWhere(match func(K) bool) int {
	b.mu.Lock()
	var closing []*Point[S]
	for key, p := range b.points {
		if match(key) {
			closing = append(closing, p)
			delete(b.points, key)
		}
	}
	b.mu.Unlock()

	for _, p := range closing {
		p.Close()
	}
	return len(closing)
}

func (b *Barrier[K, S]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.points)
}
