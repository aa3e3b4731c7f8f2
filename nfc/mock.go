package nfc

import (
	"errors"
	"fmt"
	"sync"
)

// MockReader is a test Reader that simulates a MIFARE Classic tag in the field.
//
// The tag accepts the keys in AcceptedKeys (DefaultKey unless set). Both the
// native Authenticate call and the raw commands sent through a MockCard
// bound to this reader are checked against it, and every call is recorded
// in CallLog in order.
//
// Example:
//
//	reader := NewMockReader("Mock Reader")
//	card := reader.InsertCard([]byte{0xA1, 0xB2, 0xC3, 0xD4})
//	conn.Handle(Event{Type: EventReaderAttached, Reader: reader})
//	conn.Handle(Event{Type: EventCardInserted, Card: card})
type MockReader struct {
	// ReaderName is returned by Name()
	ReaderName string

	// Blocks is the simulated tag memory
	Blocks map[byte][BlockSize]byte

	// AcceptedKeys lists the keys the simulated tag accepts
	AcceptedKeys [][6]byte

	// AuthenticateError, if set, fails every native Authenticate call
	AuthenticateError error

	// RawAuthDisabled makes the raw general authenticate answer 63 00
	RawAuthDisabled bool

	// ReadError and WriteError, if set, fail block access
	ReadError  error
	WriteError error

	// ShortRead truncates ReadBlock results to 8 bytes
	ShortRead bool

	// BeforeCall, if set, runs at the start of every recorded call
	BeforeCall func(call string)

	// CallLog tracks all calls, including raw commands from bound cards
	CallLog []string

	authenticated bool
	mu            sync.Mutex
}

// NewMockReader creates a reader whose tag accepts the default key.
func NewMockReader(name string) *MockReader {
	return &MockReader{
		ReaderName:   name,
		Blocks:       make(map[byte][BlockSize]byte),
		AcceptedKeys: [][6]byte{DefaultKey.Key},
	}
}

// InsertCard creates a MockCard bound to this reader.
func (m *MockReader) InsertCard(uid []byte) *MockCard {
	return &MockCard{CardUID: uid, Reader: m, slots: make(map[byte][]byte)}
}

// Calls returns a copy of the call log.
func (m *MockReader) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// ResetCalls clears the call log.
func (m *MockReader) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = nil
}

// record appends to the log. Caller holds mu.
func (m *MockReader) record(call string) {
	m.CallLog = append(m.CallLog, call)
	if m.BeforeCall != nil {
		hook := m.BeforeCall
		m.mu.Unlock()
		defer m.mu.Lock()
		hook(call)
	}
}

func (m *MockReader) accepts(key []byte) bool {
	for _, k := range m.AcceptedKeys {
		if string(k[:]) == string(key) {
			return true
		}
	}
	return false
}

func (m *MockReader) Name() string {
	return m.ReaderName
}

func (m *MockReader) Authenticate(block byte, keyType KeyType, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(fmt.Sprintf("Authenticate(%d,%s,%s)", block, keyType, BytesToHex(key)))
	m.authenticated = false

	if m.AuthenticateError != nil {
		return m.AuthenticateError
	}
	if !m.accepts(key) {
		return errors.New("mock: key rejected")
	}
	m.authenticated = true
	return nil
}

func (m *MockReader) ReadBlock(block byte, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(fmt.Sprintf("ReadBlock(%d,%d)", block, length))

	if m.ReadError != nil {
		return nil, m.ReadError
	}
	if !m.authenticated {
		return nil, errors.New("mock: sector not authenticated")
	}
	data := m.Blocks[block]
	if m.ShortRead {
		return append([]byte(nil), data[:8]...), nil
	}
	if length > BlockSize {
		length = BlockSize
	}
	return append([]byte(nil), data[:length]...), nil
}

func (m *MockReader) WriteBlock(block byte, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(fmt.Sprintf("WriteBlock(%d,%s)", block, BytesToHex(data)))

	if m.WriteError != nil {
		return m.WriteError
	}
	if !m.authenticated {
		return errors.New("mock: sector not authenticated")
	}
	if len(data) != BlockSize {
		return fmt.Errorf("mock: data must be %d bytes", BlockSize)
	}
	m.Blocks[block] = [BlockSize]byte(data)
	return nil
}

// MockCard is a test Card. Raw commands are answered as a PC/SC reader
// would, against the tag simulated by Reader.
type MockCard struct {
	// CardUID is returned by UID()
	CardUID []byte

	// Reader is the reader holding the simulated tag
	Reader *MockReader

	// TransmitError, if set, fails every Transmit call
	TransmitError error

	slots map[byte][]byte
}

func (c *MockCard) UID() []byte {
	return append([]byte(nil), c.CardUID...)
}

func (c *MockCard) Transmit(apdu []byte) ([]byte, error) {
	m := c.Reader
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("Transmit(" + BytesToHex(apdu) + ")")

	if c.TransmitError != nil {
		return nil, c.TransmitError
	}
	if len(apdu) < 5 || apdu[0] != CLAPCSC {
		return []byte{0x6E, 0x00}, nil
	}

	switch apdu[1] {
	case INSLoadKey:
		if len(apdu) != 11 {
			return []byte{0x67, 0x00}, nil
		}
		if c.slots == nil {
			c.slots = make(map[byte][]byte)
		}
		c.slots[apdu[3]] = append([]byte(nil), apdu[5:]...)
		return []byte{SW1Success, SW2Success}, nil
	case INSAuth:
		m.authenticated = false
		if len(apdu) != 10 || m.RawAuthDisabled {
			return []byte{0x63, 0x00}, nil
		}
		key, ok := c.slots[apdu[9]]
		if !ok || !m.accepts(key) {
			return []byte{0x63, 0x00}, nil
		}
		m.authenticated = true
		return []byte{SW1Success, SW2Success}, nil
	case INSGetUID:
		return append(c.UID(), SW1Success, SW2Success), nil
	}
	return []byte{0x6D, 0x00}, nil
}

// MockDriver is a test Driver whose events are pushed by the test.
type MockDriver struct {
	// StartError, if set, is returned by Start()
	StartError error

	Started bool
	Closed  bool

	events chan Event
	once   sync.Once
	mu     sync.Mutex
}

// NewMockDriver creates a driver with a buffered event channel.
func NewMockDriver() *MockDriver {
	return &MockDriver{events: make(chan Event, 16)}
}

func (d *MockDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StartError != nil {
		return d.StartError
	}
	d.Started = true
	return nil
}

func (d *MockDriver) Events() <-chan Event {
	return d.events
}

// Emit pushes ev to the event channel.
func (d *MockDriver) Emit(ev Event) {
	d.events <- ev
}

func (d *MockDriver) Close() error {
	d.once.Do(func() {
		d.mu.Lock()
		d.Closed = true
		d.mu.Unlock()
		close(d.events)
	})
	return nil
}
