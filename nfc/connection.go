package nfc

import (
	"context"
	"encoding/json"

	"github.com/nedpals/spooltag-agent/internal/syncutil"
)

// ReaderStatus is a point-in-time snapshot of the reader connection.
type ReaderStatus struct {
	Connected   bool
	ReaderName  string
	CardPresent bool
	UID         []byte
}

// MarshalJSON renders absent name/UID as null and the UID as uppercase hex.
func (s ReaderStatus) MarshalJSON() ([]byte, error) {
	var name, uid *string
	if s.ReaderName != "" {
		name = &s.ReaderName
	}
	if len(s.UID) > 0 {
		hexUID := BytesToHex(s.UID)
		uid = &hexUID
	}
	return json.Marshal(struct {
		Connected   bool    `json:"connected"`
		ReaderName  *string `json:"readerName"`
		CardPresent bool    `json:"cardPresent"`
		UID         *string `json:"uid"`
	}{s.Connected, name, s.CardPresent, uid})
}

// ConnectionManager owns the single reader handle and card session.
//
// It consumes driver events (push) and answers state queries (pull). Driver
// errors never propagate past it: any reader error is treated as a detach.
type ConnectionManager struct {
	mu       syncutil.RWMutex
	reader   Reader
	card     Card
	uid      []byte
	onChange []func(ReaderStatus)
}

// NewConnectionManager creates a manager with no reader attached.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// OnChange registers an observer called after every state change.
// Observers run on the event goroutine and must not block.
func (m *ConnectionManager) OnChange(fn func(ReaderStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Run consumes driver events until ctx is cancelled or the channel closes.
// On return the state is reset, since the driver is no longer observed.
func (m *ConnectionManager) Run(ctx context.Context, events <-chan Event) {
	defer m.Handle(Event{Type: EventReaderDetached})
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Handle(ev)
		}
	}
}

// Handle applies a single driver event to the connection state.
func (m *ConnectionManager) Handle(ev Event) {
	m.mu.Lock()
	changed := m.apply(ev)
	var observers []func(ReaderStatus)
	if changed {
		observers = append(observers, m.onChange...)
	}
	status := m.statusLocked()
	m.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}

// apply mutates state for ev and reports whether anything changed. Caller holds mu.
func (m *ConnectionManager) apply(ev Event) bool {
	switch ev.Type {
	case EventReaderAttached:
		if ev.Reader == nil {
			return false
		}
		m.reader = ev.Reader
		m.card = nil
		m.uid = nil
		logger.Infof("reader attached: %s", ev.Reader.Name())
		return true

	case EventReaderDetached, EventReaderError:
		if ev.Err != nil {
			logger.Debugf("%s: %v", ev.Type, ev.Err)
		}
		if m.reader == nil && m.card == nil {
			return false
		}
		if m.reader != nil {
			logger.Infof("reader detached: %s", m.reader.Name())
		}
		m.reader = nil
		m.card = nil
		m.uid = nil
		return true

	case EventCardInserted:
		if m.reader == nil || ev.Card == nil {
			logger.Debugf("ignoring card insert without an attached reader")
			return false
		}
		uid := ev.Card.UID()
		if len(uid) == 0 {
			logger.Warningf("ignoring card insert without a UID")
			return false
		}
		m.card = ev.Card
		m.uid = append([]byte(nil), uid...)
		logger.Infof("card inserted: %s", BytesToHex(m.uid))
		return true

	case EventCardRemoved:
		if m.card == nil && m.uid == nil {
			return false
		}
		logger.Infof("card removed: %s", BytesToHex(m.uid))
		m.card = nil
		m.uid = nil
		return true
	}
	return false
}

// CurrentUID returns the UID of the inserted card, or nil when there is none.
func (m *ConnectionManager) CurrentUID() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.uid == nil {
		return nil
	}
	return append([]byte(nil), m.uid...)
}

// Reader returns the live reader handle, or nil.
func (m *ConnectionManager) Reader() Reader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reader
}

// Card returns the current card session, or nil.
func (m *ConnectionManager) Card() Card {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.card
}

// Status returns a snapshot for external reporting.
func (m *ConnectionManager) Status() ReaderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *ConnectionManager) statusLocked() ReaderStatus {
	status := ReaderStatus{
		Connected:   m.reader != nil,
		CardPresent: m.card != nil,
	}
	if m.reader != nil {
		status.ReaderName = m.reader.Name()
	}
	if m.uid != nil {
		status.UID = append([]byte(nil), m.uid...)
	}
	return status
}
