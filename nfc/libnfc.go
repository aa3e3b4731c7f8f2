package nfc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"

	"github.com/nedpals/spooltag-agent/internal/syncutil"
)

// DefaultTransceiveTimeout bounds a raw libnfc exchange.
const DefaultTransceiveTimeout = 500 * time.Millisecond

// Device recovery. A lost device is reopened after reconnectDelay times the
// attempt number, capped at maxReconnectTries delays.
const (
	maxReconnectTries = 10
	reconnectDelay    = 2 * time.Second
	// Consecutive unclassified scan errors before the device is considered lost.
	maxScanErrors = 5
)

// MIFARE Classic native command bytes.
const (
	mifareAuthA byte = 0x60
	mifareAuthB byte = 0x61
	mifareRead  byte = 0x30
	mifareWrite byte = 0xA0
)

// nfcDevice is the part of nfc.Device the driver uses.
type nfcDevice interface {
	InitiatorTransceiveBytes(tx, rx []byte, timeout int) (int, error)
	String() string
	Close() error
}

// classicTag is the part of freefare.ClassicTag the driver uses.
type classicTag interface {
	UID() string
	Connect() error
	Disconnect() error
	Authenticate(block byte, key [6]byte, keyType int) error
	ReadBlock(block byte) ([16]byte, error)
	WriteBlock(block byte, data [16]byte) error
}

// deviceOpener opens and initializes the device, returning it with a tag
// lister bound to it.
type deviceOpener func(connstring string) (nfcDevice, func() ([]classicTag, error), error)

func openLibNFC(connstring string) (nfcDevice, func() ([]classicTag, error), error) {
	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open NFC device %q: %w", connstring, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("failed to initialize NFC device: %w", err)
	}
	list := func() ([]classicTag, error) {
		tags, err := freefare.GetTags(dev)
		if err != nil {
			return nil, err
		}
		var classic []classicTag
		for _, t := range tags {
			if ct, ok := t.(freefare.ClassicTag); ok {
				classic = append(classic, ct)
			}
		}
		return classic, nil
	}
	return dev, list, nil
}

// LibNFCOption configures a LibNFCDriver.
type LibNFCOption func(*LibNFCDriver)

// WithConnstring selects the libnfc device. Empty picks the first one.
func WithConnstring(connstring string) LibNFCOption {
	return func(d *LibNFCDriver) { d.connstring = connstring }
}

// WithPollInterval sets how often the field is scanned for tags.
func WithPollInterval(interval time.Duration) LibNFCOption {
	return func(d *LibNFCDriver) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithTransceiveTimeout bounds each raw exchange.
func WithTransceiveTimeout(timeout time.Duration) LibNFCOption {
	return func(d *LibNFCDriver) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithBusyCheck makes the driver skip field scans while busy reports true.
// Scanning re-selects the target, which would drop the authenticated state
// of a transaction in progress.
func WithBusyCheck(busy func() bool) LibNFCOption {
	return func(d *LibNFCDriver) { d.busy = busy }
}

// LibNFCDriver drives a PN53x style reader through libnfc and libfreefare.
// libnfc has no presence notifications, so the field is scanned on an
// interval.
type LibNFCDriver struct {
	connstring string
	interval   time.Duration
	timeout    time.Duration
	busy       func() bool

	open     deviceOpener
	dev      nfcDevice
	listTags func() ([]classicTag, error)

	// Recovery state, guarded by devMu.
	scanErrors int
	attempts   int
	retryAt    time.Time
	delay      time.Duration
	now        func() time.Time

	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// devMu serializes every libnfc call.
	devMu  syncutil.Mutex
	reader *libnfcReader
}

// NewLibNFCDriver creates a driver. Call Start to open the device.
func NewLibNFCDriver(opts ...LibNFCOption) *LibNFCDriver {
	d := &LibNFCDriver{
		interval: DefaultPollInterval,
		timeout:  DefaultTransceiveTimeout,
		busy:     func() bool { return false },
		open:     openLibNFC,
		delay:    reconnectDelay,
		now:      time.Now,
		events:   make(chan Event, 16),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *LibNFCDriver) Events() <-chan Event {
	return d.events
}

func (d *LibNFCDriver) Start() error {
	dev, list, err := d.open(d.connstring)
	if err != nil {
		return err
	}
	d.dev, d.listTags = dev, list
	d.attach()

	d.wg.Add(1)
	go d.run()
	return nil
}

func (d *LibNFCDriver) Close() error {
	var err error
	d.once.Do(func() {
		close(d.stop)
		d.wg.Wait()
		if d.dev != nil {
			d.devMu.Lock()
			d.dropCard()
			err = d.dev.Close()
			d.devMu.Unlock()
		}
		close(d.events)
	})
	return err
}

func (d *LibNFCDriver) attach() {
	d.reader = &libnfcReader{driver: d, name: d.dev.String()}
	logger.Infof("reader attached: %s", d.reader.name)
	d.emit(Event{Type: EventReaderAttached, Reader: d.reader})
}

func (d *LibNFCDriver) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.scan()
		}
	}
}

// scan looks for a MIFARE Classic tag in the field and reports changes.
// While the device is lost it attempts to reopen it instead.
func (d *LibNFCDriver) scan() {
	d.devMu.Lock()
	defer d.devMu.Unlock()

	if d.dev == nil {
		d.reconnect()
		return
	}
	if d.busy() {
		return
	}

	tags, err := d.listTags()
	if err != nil {
		d.scanErrors++
		if isDeviceError(err) || d.scanErrors >= maxScanErrors {
			d.lose(err)
			return
		}
		logger.Debugf("scanning for tags: %v", err)
		tags = nil
	} else {
		d.scanErrors = 0
	}

	var found classicTag
	if len(tags) > 0 {
		found = tags[0]
	}

	current := d.reader.card
	switch {
	case found == nil && current == nil:
	case found == nil:
		d.dropCard()
		logger.Infof("card removed: %s", BytesToHex(current.uid))
		d.emit(Event{Type: EventCardRemoved})
	case current != nil && current.hexUID == found.UID():
		// Same tag, keep the fresh handle selected.
		_ = current.tag.Disconnect()
		if err := found.Connect(); err != nil {
			logger.Debugf("reselecting tag: %v", err)
		}
		current.tag = found
	default:
		if current != nil {
			d.dropCard()
			d.emit(Event{Type: EventCardRemoved})
		}
		card, err := d.newCard(found)
		if err != nil {
			logger.Debugf("connecting to tag: %v", err)
			return
		}
		d.reader.card = card
		logger.Infof("card inserted: %s", BytesToHex(card.uid))
		d.emit(Event{Type: EventCardInserted, Card: card})
	}
}

// lose closes a failed device and reports the reader gone. Caller holds devMu.
func (d *LibNFCDriver) lose(cause error) {
	logger.Warningf("NFC device %s lost: %v", d.reader.name, cause)
	d.dropCard()
	if err := d.dev.Close(); err != nil {
		logger.Debugf("closing NFC device: %v", err)
	}
	d.dev, d.listTags, d.reader = nil, nil, nil
	d.scanErrors, d.attempts = 0, 0
	d.retryAt = d.now()
	d.emit(Event{Type: EventReaderError, Err: cause})
}

// reconnect makes one reopen attempt once the backoff has elapsed. Caller
// holds devMu.
func (d *LibNFCDriver) reconnect() {
	if d.now().Before(d.retryAt) {
		return
	}

	d.attempts++
	dev, list, err := d.open(d.connstring)
	if err != nil {
		backoff := d.attempts
		if backoff > maxReconnectTries {
			backoff = maxReconnectTries
		}
		d.retryAt = d.now().Add(d.delay * time.Duration(backoff))
		logger.Debugf("reconnect attempt %d failed: %v", d.attempts, err)
		return
	}

	logger.Infof("NFC device reconnected after %d attempt(s)", d.attempts)
	d.dev, d.listTags = dev, list
	d.attempts = 0
	d.attach()
}

// isDeviceError reports errors that mean the device itself is gone or
// unusable, as opposed to a failed exchange with a tag.
func isDeviceError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"input / output error",
		"input/output error",
		"i/o error",
		"broken pipe",
		"operation not permitted",
		"device not configured",
		"device closed",
		"no such device",
		"unable to write to usb",
		"rdr_to_pc_datablock",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func (d *LibNFCDriver) newCard(tag classicTag) (*libnfcCard, error) {
	uid, err := HexToBytes(tag.UID())
	if err != nil {
		return nil, fmt.Errorf("bad UID %q: %w", tag.UID(), err)
	}
	if len(uid) == 0 {
		return nil, errors.New("tag reported no UID")
	}
	if err := tag.Connect(); err != nil {
		return nil, err
	}
	return &libnfcCard{driver: d, tag: tag, hexUID: tag.UID(), uid: uid, slots: make(map[byte][]byte)}, nil
}

// dropCard releases the current tag. Caller holds devMu.
func (d *LibNFCDriver) dropCard() {
	if d.reader == nil || d.reader.card == nil {
		return
	}
	_ = d.reader.card.tag.Disconnect()
	d.reader.card = nil
}

func (d *LibNFCDriver) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.stop:
	}
}

func (d *LibNFCDriver) transceive(tx []byte) ([]byte, error) {
	if d.dev == nil {
		return nil, ErrNotConnected
	}
	rx := make([]byte, 264)
	n, err := d.dev.InitiatorTransceiveBytes(tx, rx, int(d.timeout/time.Millisecond))
	if err != nil {
		return nil, err
	}
	return rx[:n], nil
}

// libnfcReader is the Reader handle of a libnfc device.
type libnfcReader struct {
	driver *LibNFCDriver
	name   string
	card   *libnfcCard // guarded by driver.devMu
}

func (r *libnfcReader) Name() string { return r.name }

func (r *libnfcReader) Authenticate(block byte, keyType KeyType, key []byte) error {
	r.driver.devMu.Lock()
	defer r.driver.devMu.Unlock()

	if r.card == nil {
		return ErrNoCard
	}
	if len(key) != 6 {
		return fmt.Errorf("key must be 6 bytes, got %d", len(key))
	}
	kt := int(freefare.KeyA)
	if keyType == KeyTypeB {
		kt = int(freefare.KeyB)
	}
	return r.card.tag.Authenticate(block, [6]byte(key), kt)
}

func (r *libnfcReader) ReadBlock(block byte, length int) ([]byte, error) {
	r.driver.devMu.Lock()
	defer r.driver.devMu.Unlock()

	if r.card == nil {
		return nil, ErrNoCard
	}
	data, err := r.card.tag.ReadBlock(block)
	if err != nil {
		return nil, err
	}
	if length > len(data) {
		length = len(data)
	}
	return data[:length], nil
}

func (r *libnfcReader) WriteBlock(block byte, data []byte) error {
	r.driver.devMu.Lock()
	defer r.driver.devMu.Unlock()

	if r.card == nil {
		return ErrNoCard
	}
	if len(data) != BlockSize {
		return fmt.Errorf("data must be exactly %d bytes, got %d", BlockSize, len(data))
	}
	return r.card.tag.WriteBlock(block, [16]byte(data))
}

// libnfcCard is the Card session of a selected MIFARE Classic tag.
//
// Transmit understands the PC/SC pseudo-APDUs for key loading, general
// authenticate and binary read/update, translating them to native MIFARE
// frames, so the raw authentication path works the same on both drivers.
type libnfcCard struct {
	driver *LibNFCDriver
	tag    classicTag
	hexUID string
	uid    []byte
	slots  map[byte][]byte
}

func (c *libnfcCard) UID() []byte {
	return append([]byte(nil), c.uid...)
}

var (
	swSuccess = []byte{SW1Success, SW2Success}
	swFailure = []byte{0x63, 0x00}
)

func (c *libnfcCard) Transmit(apdu []byte) ([]byte, error) {
	c.driver.devMu.Lock()
	defer c.driver.devMu.Unlock()

	logger.Tracef(">> % X", apdu)
	if len(apdu) < 5 || apdu[0] != CLAPCSC {
		return c.driver.transceive(apdu)
	}

	switch apdu[1] {
	case INSLoadKey:
		if len(apdu) < 11 || apdu[4] != 6 {
			return nil, errors.New("malformed LOAD KEY command")
		}
		c.slots[apdu[3]] = append([]byte(nil), apdu[5:11]...)
		return swSuccess, nil

	case INSAuth:
		if len(apdu) < 10 {
			return nil, errors.New("malformed GENERAL AUTHENTICATE command")
		}
		block, keyType, slot := apdu[7], apdu[8], apdu[9]
		key, ok := c.slots[slot]
		if !ok || (keyType != mifareAuthA && keyType != mifareAuthB) || len(c.uid) < 4 {
			return swFailure, nil
		}
		frame := append([]byte{keyType, block}, key...)
		frame = append(frame, c.uid[len(c.uid)-4:]...)
		if _, err := c.driver.transceive(frame); err != nil {
			logger.Debugf("native auth of block %d failed: %v", block, err)
			return swFailure, nil
		}
		return swSuccess, nil

	case INSReadBinary:
		data, err := c.driver.transceive([]byte{mifareRead, apdu[3]})
		if err != nil {
			return swFailure, nil
		}
		return append(data, swSuccess...), nil

	case INSUpdateBin:
		if len(apdu) < 5+BlockSize {
			return nil, errors.New("malformed UPDATE BINARY command")
		}
		frame := append([]byte{mifareWrite, apdu[3]}, apdu[5:5+BlockSize]...)
		if _, err := c.driver.transceive(frame); err != nil {
			return swFailure, nil
		}
		return swSuccess, nil
	}

	return c.driver.transceive(apdu)
}
