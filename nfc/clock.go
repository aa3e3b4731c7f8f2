package nfc

import (
	"time"

	"github.com/nedpals/spooltag-agent/internal/syncutil"
)

// Clock abstracts the time source of the presence poller so tests can step
// it without real sleeps.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the poller uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock with the time package.
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return RealClock{}
}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.ticker.C }
func (rt *realTicker) Stop()               { rt.ticker.Stop() }

// FakeClock implements Clock with manually advanced time.
type FakeClock struct {
	mu      syncutil.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFakeClock creates a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *FakeClock) NewTicker(d time.Duration) Ticker {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	ft := &fakeTicker{
		clock:    fc,
		interval: d,
		next:     fc.now.Add(d),
		c:        make(chan time.Time, 1),
	}
	fc.tickers = append(fc.tickers, ft)
	return ft
}

// Tickers returns the number of live tickers.
func (fc *FakeClock) Tickers() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n := 0
	for _, t := range fc.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves time forward by d and fires every ticker whose period has
// elapsed. Like time.Ticker, a ticker whose channel is full drops the tick.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)

	for _, t := range fc.tickers {
		if t.stopped || fc.now.Before(t.next) {
			continue
		}
		for !fc.now.Before(t.next) {
			t.next = t.next.Add(t.interval)
		}
		select {
		case t.c <- fc.now:
		default:
		}
	}
}

type fakeTicker struct {
	clock    *FakeClock
	interval time.Duration
	next     time.Time
	c        chan time.Time
	stopped  bool
}

func (ft *fakeTicker) C() <-chan time.Time { return ft.c }

func (ft *fakeTicker) Stop() {
	ft.clock.mu.Lock()
	ft.stopped = true
	ft.clock.mu.Unlock()
}
