package nfc

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nedpals/spooltag-agent/internal/syncutil"
)

// DefaultPollInterval is the presence poller tick.
const DefaultPollInterval = 200 * time.Millisecond

// PresenceEvent is emitted by the poller on every presence change.
type PresenceEvent struct {
	Present bool       `json:"present"`
	TagData *TagRecord `json:"tagData"`
	Error   *string    `json:"error"`
}

// UIDSource reports the UID of the card currently in the field.
type UIDSource interface {
	CurrentUID() []byte
}

// TagReader performs a guarded tag read.
type TagReader interface {
	ReadTag() (TagRecord, error)
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithClock sets the time source.
func WithClock(c Clock) PollerOption {
	return func(p *Poller) { p.clock = c }
}

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithEmitter adds a presence event listener.
func WithEmitter(fn func(PresenceEvent)) PollerOption {
	return func(p *Poller) { p.emitters = append(p.emitters, fn) }
}

// WithPollerMetrics sets the metrics sink.
func WithPollerMetrics(m *Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// Poller watches the current UID on a fixed interval and triggers one
// automatic read per presence change.
type Poller struct {
	source   UIDSource
	reader   TagReader
	clock    Clock
	interval time.Duration
	metrics  *Metrics

	emitMu   syncutil.RWMutex
	emitters []func(PresenceEvent)

	// lifecycle serializes Enable and Disable.
	lifecycle syncutil.Mutex
	stop      chan struct{}
	wg        sync.WaitGroup

	enabled atomic.Bool

	// tickMu serializes ticks and guards lastUID.
	tickMu  syncutil.Mutex
	lastUID []byte
}

// NewPoller creates a disabled poller.
func NewPoller(source UIDSource, reader TagReader, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		reader:   reader,
		clock:    NewRealClock(),
		interval: DefaultPollInterval,
		metrics:  DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddEmitter registers another presence event listener.
func (p *Poller) AddEmitter(fn func(PresenceEvent)) {
	p.emitMu.Lock()
	p.emitters = append(p.emitters, fn)
	p.emitMu.Unlock()
}

// Enabled reports whether the schedule is running.
func (p *Poller) Enabled() bool {
	return p.enabled.Load()
}

// Enable starts the schedule if needed and, when a tag is already in the
// field, reads it right away instead of waiting for the next tick.
func (p *Poller) Enable() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	wasEnabled := p.enabled.Swap(true)
	p.tickMu.Lock()
	p.lastUID = nil
	p.tickMu.Unlock()

	if !wasEnabled {
		p.stop = make(chan struct{})
		ticker := p.clock.NewTicker(p.interval)
		p.wg.Add(1)
		go p.loop(ticker, p.stop)
		logger.Infof("presence polling enabled (interval %s)", p.interval)
	}

	if len(p.source.CurrentUID()) > 0 {
		p.tick()
	}
}

// Disable stops the schedule, forgets the last UID and emits a single
// absent event. An in-flight tick is allowed to finish first.
func (p *Poller) Disable() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	wasEnabled := p.enabled.Swap(false)
	if wasEnabled {
		close(p.stop)
		p.wg.Wait()
		logger.Infof("presence polling disabled")
	}

	p.tickMu.Lock()
	p.lastUID = nil
	p.tickMu.Unlock()
	p.emit(PresenceEvent{Present: false})
}

func (p *Poller) loop(ticker Ticker, stop <-chan struct{}) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	if !p.enabled.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			logger.Warningf("presence tick failed: %s", msg)
			p.lastUID = nil
			p.emit(PresenceEvent{Present: false, Error: &msg})
		}
	}()

	uid := p.source.CurrentUID()
	if len(uid) == 0 {
		if p.lastUID != nil {
			p.lastUID = nil
			p.emit(PresenceEvent{Present: false})
		}
		return
	}
	if bytes.Equal(uid, p.lastUID) {
		return
	}

	rec, err := p.reader.ReadTag()
	switch {
	case IsBusyError(err):
		logger.Debugf("presence tick skipped: transaction in flight")
	case err != nil:
		msg := err.Error()
		logger.Warningf("automatic read of %s failed: %v", BytesToHex(uid), err)
		p.emit(PresenceEvent{Present: true, Error: &msg})
	default:
		p.lastUID = append([]byte(nil), uid...)
		p.emit(PresenceEvent{Present: true, TagData: &rec})
	}
}

func (p *Poller) emit(ev PresenceEvent) {
	p.metrics.Emissions.Inc(1)

	p.emitMu.RLock()
	emitters := append([]func(PresenceEvent){}, p.emitters...)
	p.emitMu.RUnlock()

	for _, fn := range emitters {
		fn(ev)
	}
}
