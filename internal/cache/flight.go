package cache

import (
	"context"
	"sync"
)

// flight is one in-progress fetch. The leader closes done exactly once;
// waiters read the outcome afterwards.
type flight struct {
	done    chan struct{}
	payload []byte
	err     error
}

// flightGroup coalesces concurrent work per key: at most one producer runs
// per key at a time, every other caller attaches as a waiter. The leader's
// work is detached from its caller so an abandoned request still completes
// the fetch for the waiters behind it.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight

	onWait func()
}

func newFlightGroup(onWait func()) *flightGroup {
	return &flightGroup{
		flights: make(map[string]*flight),
		onWait:  onWait,
	}
}

// Do runs fn for key unless a flight is already up, in which case the call
// waits for that flight instead. Waiters honour ctx cancellation; the
// running fn does not, it finishes for whoever is still waiting.
func (g *flightGroup) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	g.mu.Lock()
	if f, ok := g.flights[key]; ok {
		g.mu.Unlock()
		if g.onWait != nil {
			g.onWait()
		}
		select {
		case <-f.done:
			return f.payload, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	g.flights[key] = f
	g.mu.Unlock()

	go func() {
		f.payload, f.err = fn(context.WithoutCancel(ctx))

		g.mu.Lock()
		delete(g.flights, key)
		g.mu.Unlock()
		close(f.done)
	}()

	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryStart registers a flight for key without waiting, returning false when
// one is already up. Used for background revalidation so at most one
// refresh runs per fingerprint.
func (g *flightGroup) TryStart(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.flights[key]; ok {
		return false
	}
	g.flights[key] = &flight{done: make(chan struct{})}
	return true
}

// Finish resolves a flight started with TryStart.
func (g *flightGroup) Finish(key string, payload []byte, err error) {
	g.mu.Lock()
	f, ok := g.flights[key]
	if ok {
		delete(g.flights, key)
	}
	g.mu.Unlock()
	if ok {
		f.payload = payload
		f.err = err
		close(f.done)
	}
}
