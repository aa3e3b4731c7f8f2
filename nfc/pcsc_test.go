package nfc

import (
	"testing"
	"time"

	"github.com/ebfe/scard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedpals/spooltag-agent/internal/syncutil"
)

type statusResult struct {
	state scard.StateFlag
	err   error
}

type fakeScardContext struct {
	mu       syncutil.Mutex
	readers  []string
	listErr  error
	statuses []statusResult
	waited   []scard.StateFlag
	connErrs []error
	card     *fakeScardCard
	released bool
	cancel   chan struct{}
}

func newFakeScardContext(readers ...string) *fakeScardContext {
	return &fakeScardContext{
		readers: readers,
		card:    newFakeScardCard([]byte{0x04, 0xA1, 0xB2, 0xC3}),
		cancel:  make(chan struct{}),
	}
}

func (f *fakeScardContext) queue(results ...statusResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, results...)
}

func (f *fakeScardContext) ListReaders() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readers, f.listErr
}

func (f *fakeScardContext) GetStatusChange(rs []scard.ReaderState, timeout time.Duration) error {
	f.mu.Lock()
	f.waited = append(f.waited, rs[0].CurrentState)
	if len(f.statuses) > 0 {
		next := f.statuses[0]
		f.statuses = f.statuses[1:]
		f.mu.Unlock()
		rs[0].EventState = next.state | scard.StateChanged
		return next.err
	}
	f.mu.Unlock()

	select {
	case <-f.cancel:
		return scard.ErrCancelled
	case <-time.After(timeout):
		return scard.ErrTimeout
	}
}

func (f *fakeScardContext) Connect(string, scard.ShareMode, scard.Protocol) (ScardCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connErrs) > 0 {
		err := f.connErrs[0]
		f.connErrs = f.connErrs[1:]
		return nil, err
	}
	return f.card, nil
}

func (f *fakeScardContext) waitedStates() []scard.StateFlag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scard.StateFlag(nil), f.waited...)
}

func (f *fakeScardContext) Cancel() error {
	close(f.cancel)
	return nil
}

func (f *fakeScardContext) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

type fakeScardCard struct {
	mu           syncutil.Mutex
	uid          []byte
	block        [BlockSize]byte
	transmits    []string
	disconnected bool
}

func newFakeScardCard(uid []byte) *fakeScardCard {
	return &fakeScardCard{uid: uid}
}

func (c *fakeScardCard) Transmit(apdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transmits = append(c.transmits, BytesToHex(apdu))

	ok := []byte{0x90, 0x00}
	switch apdu[1] {
	case INSGetUID:
		return append(append([]byte(nil), c.uid...), ok...), nil
	case INSReadBinary:
		return append(c.block[:apdu[4]], ok...), nil
	case INSUpdateBin:
		copy(c.block[:], apdu[5:])
		return ok, nil
	}
	return ok, nil
}

func (c *fakeScardCard) Disconnect(scard.Disposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeScardCard) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.transmits...)
}

func newSteppedPCSCDriver(ctx *fakeScardContext, opts ...PCSCOption) *PCSCDriver {
	d := NewPCSCDriver(opts...)
	d.ctx = ctx
	return d
}

func nextEvent(t *testing.T, d *PCSCDriver) Event {
	t.Helper()
	select {
	case ev := <-d.Events():
		return ev
	default:
		t.Fatal("expected an event")
		return Event{}
	}
}

func TestPCSCDriver_Lifecycle(t *testing.T) {
	ctx := newFakeScardContext("ACS ACR122U SAM 00", "ACS ACR122U PICC Interface 01")
	d := newSteppedPCSCDriver(ctx)

	require.True(t, d.step())
	ev := nextEvent(t, d)
	assert.Equal(t, EventReaderAttached, ev.Type)
	assert.Equal(t, "ACS ACR122U PICC Interface 01", ev.Reader.Name())

	ctx.queue(statusResult{state: scard.StatePresent})
	require.True(t, d.step())
	ev = nextEvent(t, d)
	assert.Equal(t, EventCardInserted, ev.Type)
	assert.Equal(t, []byte{0x04, 0xA1, 0xB2, 0xC3}, ev.Card.UID())
	assert.Equal(t, []string{"FFCA000000"}, ctx.card.sent())

	// Unchanged presence does not re-insert.
	ctx.queue(statusResult{state: scard.StatePresent})
	require.True(t, d.step())
	assert.Empty(t, d.Events())

	ctx.queue(statusResult{state: scard.StateEmpty})
	require.True(t, d.step())
	assert.Equal(t, EventCardRemoved, nextEvent(t, d).Type)
	assert.True(t, ctx.card.disconnected)

	ctx.queue(statusResult{err: scard.ErrReaderUnavailable})
	require.True(t, d.step())
	ev = nextEvent(t, d)
	assert.Equal(t, EventReaderDetached, ev.Type)
	assert.ErrorIs(t, ev.Err, scard.ErrReaderUnavailable)
	assert.Nil(t, d.reader)
}

func TestPCSCDriver_RetriesCardAfterFailedConnect(t *testing.T) {
	ctx := newFakeScardContext("ACS ACR122U PICC Interface")
	d := newSteppedPCSCDriver(ctx)
	require.True(t, d.step())
	nextEvent(t, d)

	ctx.connErrs = []error{scard.ErrUnresponsiveCard}
	ctx.queue(statusResult{state: scard.StatePresent})
	assert.False(t, d.step(), "monitor backs off after a failed connect")
	assert.Empty(t, d.Events())
	assert.Equal(t, scard.StateUnaware, d.state)

	ctx.queue(statusResult{state: scard.StatePresent})
	require.True(t, d.step())
	ev := nextEvent(t, d)
	assert.Equal(t, EventCardInserted, ev.Type)
	assert.Equal(t, []byte{0x04, 0xA1, 0xB2, 0xC3}, ev.Card.UID())

	waited := ctx.waitedStates()
	require.Len(t, waited, 2)
	assert.Equal(t, scard.StateUnaware, waited[1], "presence is re-reported after the failure")
}

func TestPCSCDriver_EmptyUIDIsNotInserted(t *testing.T) {
	ctx := newFakeScardContext("ACR122U")
	ctx.card = newFakeScardCard(nil)
	d := newSteppedPCSCDriver(ctx)
	require.True(t, d.step())
	nextEvent(t, d)

	ctx.queue(statusResult{state: scard.StatePresent})
	assert.False(t, d.step())
	assert.Empty(t, d.Events())
	assert.True(t, ctx.card.disconnected)
	assert.False(t, d.reader.hasCard())
}

func TestPCSCDriver_UnexpectedErrorDetaches(t *testing.T) {
	ctx := newFakeScardContext("ACR122U")
	d := newSteppedPCSCDriver(ctx)
	require.True(t, d.step())
	nextEvent(t, d)

	ctx.queue(statusResult{state: scard.StatePresent})
	d.step()
	nextEvent(t, d)

	ctx.queue(statusResult{err: scard.ErrCommError})
	d.step()
	ev := nextEvent(t, d)
	assert.Equal(t, EventReaderError, ev.Type)
	assert.True(t, ctx.card.disconnected)
}

func TestPCSCDriver_NoReader(t *testing.T) {
	ctx := newFakeScardContext()
	ctx.listErr = scard.ErrNoReadersAvailable
	d := newSteppedPCSCDriver(ctx)

	assert.False(t, d.step())
	assert.Empty(t, d.Events())
}

func TestPCSCDriver_ReaderFilter(t *testing.T) {
	ctx := newFakeScardContext("Yubico YubiKey", "ACS ACR1252 PICC")
	d := newSteppedPCSCDriver(ctx, WithReaderFilter("yubikey"))

	require.True(t, d.step())
	assert.Equal(t, "Yubico YubiKey", nextEvent(t, d).Reader.Name())
}

func TestSelectReader(t *testing.T) {
	tests := []struct {
		name    string
		readers []string
		filter  string
		want    string
	}{
		{"empty", nil, "", ""},
		{"skips SAM", []string{"ACS ACR1252 SAM", "ACS ACR1252 PICC"}, "", "ACS ACR1252 PICC"},
		{"prefers contactless", []string{"Generic Smart Card", "ACS ACR122U"}, "", "ACS ACR122U"},
		{"falls back to first", []string{"Generic Smart Card"}, "", "Generic Smart Card"},
		{"filter", []string{"ACS ACR122U 00", "ACS ACR122U 01"}, "01", "ACS ACR122U 01"},
		{"filter no match", []string{"ACS ACR122U"}, "HID", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectReader(tt.readers, tt.filter))
		})
	}
}

func TestPCSCReader_BlockAccess(t *testing.T) {
	sc := newFakeScardCard([]byte{0xA1})
	r := newPCSCReader("ACR122U")
	r.setCard(&pcscCard{card: sc, uid: []byte{0xA1}})

	require.NoError(t, r.Authenticate(TagBlock, KeyTypeA, VendorKey.Key[:]))
	require.NoError(t, r.Authenticate(TagBlock, KeyTypeA, VendorKey.Key[:]))
	require.NoError(t, r.WriteBlock(TagBlock, []byte{7, 3, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}))
	data, err := r.ReadBlock(TagBlock, BlockSize)
	require.NoError(t, err)

	assert.Equal(t, []byte{7, 3, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, data)
	assert.Equal(t, []string{
		"FF82000006D3F7D3F7D3F7",
		"FF860000050100046000",
		"FF860000050100046000", // key already resident
		"FFD600041007030100000000000000000000000000",
		"FFB0000410",
	}, sc.sent())
}

func TestPCSCReader_NoCard(t *testing.T) {
	r := newPCSCReader("ACR122U")

	assert.ErrorIs(t, r.Authenticate(TagBlock, KeyTypeA, DefaultKey.Key[:]), ErrNoCard)
	_, err := r.ReadBlock(TagBlock, BlockSize)
	assert.ErrorIs(t, err, ErrNoCard)
}

func TestPCSCDriver_StartClose(t *testing.T) {
	ctx := newFakeScardContext("ACS ACR122U PICC Interface")
	d := NewPCSCDriver(
		WithMonitorTimeout(10*time.Millisecond),
		WithContextFactory(func() (ScardContext, error) { return ctx, nil }),
	)

	require.NoError(t, d.Start())
	select {
	case ev := <-d.Events():
		assert.Equal(t, EventReaderAttached, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("reader was not attached")
	}

	require.NoError(t, d.Close())
	assert.True(t, ctx.released)
	for range d.Events() {
	}
	assert.NoError(t, d.Close(), "second close is a no-op")
}
