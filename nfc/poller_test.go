package nfc

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// scriptedSource reports whatever UID the test sets.
type scriptedSource struct {
	mu  sync.Mutex
	uid []byte
}

func (s *scriptedSource) set(uid []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
}

func (s *scriptedSource) CurrentUID() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

// scriptedReader decodes the current UID's first byte as the material code.
type scriptedReader struct {
	mu     sync.Mutex
	source *scriptedSource
	reads  int
	err    error
	panics bool
}

func (r *scriptedReader) ReadTag() (TagRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.panics {
		panic("reader vanished")
	}
	if r.err != nil {
		return TagRecord{}, r.err
	}
	uid := r.source.CurrentUID()
	return Decode([]byte{uid[0], 0, 1}), nil
}

func (r *scriptedReader) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

type eventRecorder struct {
	mu     sync.Mutex
	events []PresenceEvent
}

func (r *eventRecorder) record(ev PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PresenceEvent(nil), r.events...)
}

func newTestPoller(t *testing.T) (*Poller, *scriptedSource, *scriptedReader, *eventRecorder, *FakeClock) {
	t.Helper()
	source := &scriptedSource{}
	reader := &scriptedReader{source: source}
	rec := &eventRecorder{}
	clock := NewFakeClock(testEpoch)
	p := NewPoller(source, reader,
		WithClock(clock),
		WithEmitter(rec.record),
		WithPollerMetrics(NewMetrics(metrics.NewRegistry())),
	)
	t.Cleanup(func() {
		if p.Enabled() {
			p.Disable()
		}
	})
	return p, source, reader, rec, clock
}

func present(material uint8) PresenceEvent {
	rec := Decode([]byte{material, 0, 1})
	return PresenceEvent{Present: true, TagData: &rec}
}

func TestPoller_TransitionSequence(t *testing.T) {
	p, source, reader, rec, _ := newTestPoller(t)
	p.Enable()

	for _, uid := range [][]byte{nil, {0xA1}, {0xA1}, nil, {0xB2}} {
		source.set(uid)
		p.tick()
	}

	assert.Equal(t, []PresenceEvent{
		present(0xA1),
		{Present: false},
		present(0xB2),
	}, rec.all())
	assert.Equal(t, 2, reader.readCount())
}

func TestPoller_ChangedTagReadsAgain(t *testing.T) {
	p, source, reader, rec, _ := newTestPoller(t)
	p.Enable()

	source.set([]byte{0xA1})
	p.tick()
	source.set([]byte{0xB2})
	p.tick()

	assert.Equal(t, []PresenceEvent{present(0xA1), present(0xB2)}, rec.all())
	assert.Equal(t, 2, reader.readCount())
}

func TestPoller_EnableWithTagPresentReadsImmediately(t *testing.T) {
	p, source, reader, rec, _ := newTestPoller(t)
	source.set([]byte{0xC3})

	p.Enable()

	assert.Equal(t, 1, reader.readCount())
	assert.Equal(t, []PresenceEvent{present(0xC3)}, rec.all())

	p.tick()
	assert.Equal(t, 1, reader.readCount(), "unchanged tag is not read again")
}

func TestPoller_EnableWithoutTagDoesNotRead(t *testing.T) {
	p, _, reader, rec, _ := newTestPoller(t)

	p.Enable()

	assert.Equal(t, 0, reader.readCount())
	assert.Empty(t, rec.all())
}

func TestPoller_DisableEmitsSingleAbsentEvent(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *Poller, source *scriptedSource)
	}{
		{"never enabled", func(*Poller, *scriptedSource) {}},
		{"enabled idle", func(p *Poller, _ *scriptedSource) { p.Enable() }},
		{"enabled with tag", func(p *Poller, source *scriptedSource) {
			source.set([]byte{0xA1})
			p.Enable()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, source, _, rec, _ := newTestPoller(t)
			tt.setup(p, source)
			before := len(rec.all())

			p.Disable()

			events := rec.all()[before:]
			assert.Equal(t, []PresenceEvent{{Present: false}}, events)
			assert.False(t, p.Enabled())

			source.set([]byte{0xB2})
			p.tick()
			assert.Len(t, rec.all(), before+1, "no emissions after disable")
		})
	}
}

func TestPoller_DisableForgetsLastUID(t *testing.T) {
	p, source, reader, _, _ := newTestPoller(t)
	source.set([]byte{0xA1})
	p.Enable()
	p.Disable()

	p.Enable()

	assert.Equal(t, 2, reader.readCount(), "re-enabling reads the same tag again")
}

func TestPoller_BusySkipsTick(t *testing.T) {
	p, source, reader, rec, _ := newTestPoller(t)
	p.Enable()
	reader.err = ErrBusy

	source.set([]byte{0xA1})
	p.tick()
	assert.Empty(t, rec.all())

	reader.err = nil
	p.tick()
	assert.Equal(t, []PresenceEvent{present(0xA1)}, rec.all())
}

func TestPoller_ReadFailureRetriesNextTick(t *testing.T) {
	p, source, reader, rec, _ := newTestPoller(t)
	p.Enable()
	reader.err = NewAuthError(errors.New("key rejected"))

	source.set([]byte{0xA1})
	p.tick()
	p.tick()

	events := rec.all()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.True(t, ev.Present)
		assert.Nil(t, ev.TagData)
		require.NotNil(t, ev.Error)
		assert.Equal(t, "authentication failed: key rejected", *ev.Error)
	}
	assert.Equal(t, 2, reader.readCount())
}

func TestPoller_UnexpectedErrorCountsAsRemoval(t *testing.T) {
	p, source, reader, rec, _ := newTestPoller(t)
	p.Enable()
	source.set([]byte{0xA1})
	p.tick()

	reader.panics = true
	source.set([]byte{0xB2})
	p.tick()

	events := rec.all()
	require.Len(t, events, 2)
	assert.False(t, events[1].Present)
	require.NotNil(t, events[1].Error)
	assert.Equal(t, "reader vanished", *events[1].Error)

	// Last UID was cleared, so the same tag is read again.
	reader.panics = false
	p.tick()
	assert.Equal(t, present(0xB2), rec.all()[2])
}

func TestPoller_TicksOnSchedule(t *testing.T) {
	p, source, _, rec, clock := newTestPoller(t)
	p.Enable()
	require.Equal(t, 1, clock.Tickers())

	source.set([]byte{0xA1})
	clock.Advance(100 * time.Millisecond)
	assert.Never(t, func() bool { return len(rec.all()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(100 * time.Millisecond)
	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)

	p.Disable()
	assert.Equal(t, 0, clock.Tickers())
}

func TestPresenceEvent_JSON(t *testing.T) {
	msg := "Busy"
	tests := []struct {
		ev   PresenceEvent
		want string
	}{
		{PresenceEvent{Present: false}, `{"present":false,"tagData":null,"error":null}`},
		{PresenceEvent{Present: true, Error: &msg}, `{"present":true,"tagData":null,"error":"Busy"}`},
	}
	for _, tt := range tests {
		out, err := json.Marshal(tt.ev)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(out))
	}
}
