package nfc

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/nedpals/spooltag-agent/internal/syncutil"
)

// DefaultMonitorTimeout bounds each GetStatusChange wait.
const DefaultMonitorTimeout = 500 * time.Millisecond

// ScardCard abstracts scard.Card for testing.
type ScardCard interface {
	Transmit([]byte) ([]byte, error)
	Disconnect(scard.Disposition) error
}

// ScardContext abstracts scard.Context for testing.
type ScardContext interface {
	ListReaders() ([]string, error)
	GetStatusChange([]scard.ReaderState, time.Duration) error
	Connect(string, scard.ShareMode, scard.Protocol) (ScardCard, error)
	Cancel() error
	Release() error
}

type realScardContext struct {
	ctx *scard.Context
}

func (r *realScardContext) ListReaders() ([]string, error) {
	readers, err := r.ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return readers, nil
}

func (r *realScardContext) GetStatusChange(rs []scard.ReaderState, timeout time.Duration) error {
	if err := r.ctx.GetStatusChange(rs, timeout); err != nil {
		return fmt.Errorf("failed to get status change: %w", err)
	}
	return nil
}

func (r *realScardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (ScardCard, error) {
	card, err := r.ctx.Connect(reader, mode, proto)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reader: %w", err)
	}
	return card, nil
}

func (r *realScardContext) Cancel() error {
	return r.ctx.Cancel()
}

func (r *realScardContext) Release() error {
	return r.ctx.Release()
}

// ScardContextFactory creates a ScardContext.
type ScardContextFactory func() (ScardContext, error)

// DefaultScardContextFactory establishes a real PC/SC context.
func DefaultScardContextFactory() (ScardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	return &realScardContext{ctx: ctx}, nil
}

// PCSCOption configures a PCSCDriver.
type PCSCOption func(*PCSCDriver)

// WithReaderFilter restricts the driver to readers whose name contains filter
// (case-insensitive).
func WithReaderFilter(filter string) PCSCOption {
	return func(d *PCSCDriver) { d.filter = filter }
}

// WithMonitorTimeout sets the GetStatusChange wait.
func WithMonitorTimeout(timeout time.Duration) PCSCOption {
	return func(d *PCSCDriver) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithContextFactory replaces the PC/SC context factory.
func WithContextFactory(f ScardContextFactory) PCSCOption {
	return func(d *PCSCDriver) { d.factory = f }
}

// PCSCDriver watches a single PC/SC reader and reports attach/detach and
// card insert/removal events.
type PCSCDriver struct {
	factory ScardContextFactory
	filter  string
	timeout time.Duration

	ctx    ScardContext
	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// Owned by the monitor goroutine.
	reader *pcscReader
	state  scard.StateFlag
}

// NewPCSCDriver creates a driver. Call Start to begin monitoring.
func NewPCSCDriver(opts ...PCSCOption) *PCSCDriver {
	d := &PCSCDriver{
		factory: DefaultScardContextFactory,
		timeout: DefaultMonitorTimeout,
		events:  make(chan Event, 16),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *PCSCDriver) Events() <-chan Event {
	return d.events
}

func (d *PCSCDriver) Start() error {
	ctx, err := d.factory()
	if err != nil {
		return err
	}
	d.ctx = ctx

	d.wg.Add(1)
	go d.monitor()
	return nil
}

func (d *PCSCDriver) Close() error {
	var err error
	d.once.Do(func() {
		close(d.stop)
		if d.ctx == nil {
			close(d.events)
			return
		}
		// Wake up a pending GetStatusChange.
		_ = d.ctx.Cancel()
		d.wg.Wait()
		err = d.ctx.Release()
		close(d.events)
	})
	return err
}

func (d *PCSCDriver) monitor() {
	defer d.wg.Done()
	defer func() {
		if d.reader != nil {
			d.detach(EventReaderDetached, nil)
		}
	}()

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		if d.step() {
			continue
		}

		select {
		case <-d.stop:
			return
		case <-time.After(d.timeout):
		}
	}
}

// step runs one monitoring iteration. It reports false when the monitor
// should back off: no reader to watch, or a card that could not be connected.
func (d *PCSCDriver) step() bool {
	if d.reader == nil {
		return d.attach()
	}

	states := []scard.ReaderState{{Reader: d.reader.name, CurrentState: d.state}}
	err := d.ctx.GetStatusChange(states, d.timeout)
	switch {
	case err == nil:
	case errors.Is(err, scard.ErrTimeout), errors.Is(err, scard.ErrCancelled):
		return true
	case errors.Is(err, scard.ErrUnknownReader), errors.Is(err, scard.ErrReaderUnavailable):
		d.detach(EventReaderDetached, err)
		return true
	default:
		d.detach(EventReaderError, err)
		return true
	}

	ev := states[0].EventState
	d.state = ev &^ scard.StateChanged

	switch {
	case ev&(scard.StateUnknown|scard.StateUnavailable) != 0:
		d.detach(EventReaderDetached, nil)
	case ev&scard.StatePresent != 0 && !d.reader.hasCard():
		if err := d.insert(); err != nil {
			// Forget the presence so the next wait reports the card again.
			logger.Debugf("card not ready, retrying: %v", err)
			d.state = scard.StateUnaware
			return false
		}
	case ev&scard.StateEmpty != 0 && d.reader.hasCard():
		d.remove()
	}
	return true
}

func (d *PCSCDriver) attach() bool {
	readers, err := d.ctx.ListReaders()
	if err != nil {
		if !errors.Is(err, scard.ErrNoReadersAvailable) {
			logger.Debugf("listing PC/SC readers: %v", err)
		}
		return false
	}

	name := selectReader(readers, d.filter)
	if name == "" {
		return false
	}

	d.reader = newPCSCReader(name)
	d.state = scard.StateUnaware
	logger.Infof("reader attached: %s", name)
	d.emit(Event{Type: EventReaderAttached, Reader: d.reader})
	return true
}

func (d *PCSCDriver) detach(typ EventType, cause error) {
	if d.reader == nil {
		return
	}
	if card := d.reader.setCard(nil); card != nil {
		_ = card.card.Disconnect(scard.LeaveCard)
	}
	logger.Infof("reader detached: %s", d.reader.name)
	d.reader = nil
	d.state = scard.StateUnaware
	d.emit(Event{Type: typ, Err: cause})
}

func (d *PCSCDriver) insert() error {
	sc, err := d.ctx.Connect(d.reader.name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return err
	}

	uid, err := readUID(sc)
	if err != nil {
		_ = sc.Disconnect(scard.LeaveCard)
		return err
	}

	card := &pcscCard{card: sc, uid: uid}
	d.reader.setCard(card)
	logger.Infof("card inserted: %s", BytesToHex(card.uid))
	d.emit(Event{Type: EventCardInserted, Card: card})
	return nil
}

func readUID(sc ScardCard) ([]byte, error) {
	raw, err := sc.Transmit(GetUIDAPDU())
	if err != nil {
		return nil, fmt.Errorf("GET UID failed: %w", err)
	}
	resp, err := checkAPDU(raw)
	if err != nil {
		return nil, fmt.Errorf("GET UID failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("GET UID returned no UID")
	}
	return resp.Data, nil
}

func (d *PCSCDriver) remove() {
	if card := d.reader.setCard(nil); card != nil {
		_ = card.card.Disconnect(scard.LeaveCard)
		logger.Infof("card removed: %s", BytesToHex(card.uid))
	}
	d.emit(Event{Type: EventCardRemoved})
}

func (d *PCSCDriver) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.stop:
	}
}

// selectReader picks the first contactless reader whose name contains
// filter. SAM slots are never selected.
func selectReader(readers []string, filter string) string {
	filter = strings.ToUpper(filter)
	var fallback string
	for _, r := range readers {
		upper := strings.ToUpper(r)
		if strings.Contains(upper, "SAM") {
			continue
		}
		if filter != "" && !strings.Contains(upper, filter) {
			continue
		}
		if readerContainsPattern(r) {
			return r
		}
		if fallback == "" {
			fallback = r
		}
	}
	return fallback
}

// readerContainsPattern checks if reader name contains common NFC reader patterns
func readerContainsPattern(name string) bool {
	patterns := []string{
		"ACR", "ACS", "NFC", "PICC", "CONTACTLESS",
		"SCL", "HID", "IDENTIV", "CCID", "DUAL",
	}
	upperName := strings.ToUpper(name)
	for _, p := range patterns {
		if strings.Contains(upperName, p) {
			return true
		}
	}
	return false
}

// pcscReader is the Reader handle of a PC/SC reader.
type pcscReader struct {
	name string

	mu   syncutil.Mutex
	card *pcscCard
	// Keys resident in the volatile slots, indexed by key type.
	loaded map[KeyType][]byte
}

func newPCSCReader(name string) *pcscReader {
	return &pcscReader{name: name, loaded: make(map[KeyType][]byte)}
}

func (r *pcscReader) Name() string { return r.name }

func (r *pcscReader) hasCard() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card != nil
}

func (r *pcscReader) setCard(c *pcscCard) *pcscCard {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.card
	r.card = c
	return prev
}

func (r *pcscReader) currentCard() (*pcscCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil {
		return nil, ErrNoCard
	}
	return r.card, nil
}

// Authenticate loads key into the slot reserved for its key type, unless it
// is already resident, and issues a general authenticate for block.
func (r *pcscReader) Authenticate(block byte, keyType KeyType, key []byte) error {
	card, err := r.currentCard()
	if err != nil {
		return err
	}

	slot := byte(0x00)
	if keyType == KeyTypeB {
		slot = 0x01
	}

	r.mu.Lock()
	resident := bytes.Equal(r.loaded[keyType], key)
	r.mu.Unlock()

	if !resident {
		if _, err := card.exchange(LoadKeyAPDU(slot, key)); err != nil {
			return fmt.Errorf("load key: %w", err)
		}
		r.mu.Lock()
		r.loaded[keyType] = append([]byte(nil), key...)
		r.mu.Unlock()
	}

	if _, err := card.exchange(MIFAREAuthAPDU(block, keyType, slot)); err != nil {
		// The slot may have been overwritten by a raw key load.
		r.mu.Lock()
		delete(r.loaded, keyType)
		r.mu.Unlock()
		return fmt.Errorf("authenticate block %d: %w", block, err)
	}
	return nil
}

func (r *pcscReader) ReadBlock(block byte, length int) ([]byte, error) {
	card, err := r.currentCard()
	if err != nil {
		return nil, err
	}
	resp, err := card.exchange(ReadBinaryAPDU(block, byte(length)))
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", block, err)
	}
	return resp.Data, nil
}

func (r *pcscReader) WriteBlock(block byte, data []byte) error {
	card, err := r.currentCard()
	if err != nil {
		return err
	}
	if _, err := card.exchange(UpdateBinaryAPDU(block, data)); err != nil {
		return fmt.Errorf("write block %d: %w", block, err)
	}
	return nil
}

// pcscCard is the Card session of a connected PC/SC card.
type pcscCard struct {
	card ScardCard
	uid  []byte
}

func (c *pcscCard) UID() []byte {
	return append([]byte(nil), c.uid...)
}

func (c *pcscCard) Transmit(apdu []byte) ([]byte, error) {
	logger.Tracef(">> % X", apdu)
	resp, err := c.card.Transmit(apdu)
	if err != nil {
		return nil, err
	}
	logger.Tracef("<< % X", resp)
	return resp, nil
}

func (c *pcscCard) exchange(apdu []byte) (APDUResponse, error) {
	raw, err := c.Transmit(apdu)
	if err != nil {
		return APDUResponse{}, err
	}
	return checkAPDU(raw)
}
