package nfc

import "sync/atomic"

// Guard lets at most one hardware transaction run at a time.
//
// It never queues: a caller arriving while the guard is held gets ErrBusy
// immediately and is expected to retry later.
type Guard struct {
	held    atomic.Bool
	metrics *Metrics
}

// NewGuard creates a free guard.
func NewGuard(m *Metrics) *Guard {
	if m == nil {
		m = DefaultMetrics()
	}
	return &Guard{metrics: m}
}

// Held reports whether a transaction is in flight.
func (g *Guard) Held() bool {
	return g.held.Load()
}

// Do runs op under the guard. The guard is released on every exit path,
// including a panic inside op.
func (g *Guard) Do(op func() error) error {
	_, err := WithExclusiveAccess(g, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// WithExclusiveAccess runs op under g and returns its result, or ErrBusy
// without running op when g is already held.
func WithExclusiveAccess[T any](g *Guard, op func() (T, error)) (T, error) {
	if !g.held.CompareAndSwap(false, true) {
		g.metrics.Busy.Inc(1)
		var zero T
		return zero, ErrBusy
	}
	defer g.held.Store(false)
	return op()
}
