package nfc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManager_Lifecycle(t *testing.T) {
	conn := NewConnectionManager()
	reader := NewMockReader("ACS ACR122U PICC Interface")
	card := reader.InsertCard([]byte{0x04, 0xA1, 0xB2, 0xC3})

	assert.Equal(t, ReaderStatus{}, conn.Status())

	conn.Handle(Event{Type: EventReaderAttached, Reader: reader})
	status := conn.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, "ACS ACR122U PICC Interface", status.ReaderName)
	assert.False(t, status.CardPresent)
	assert.Nil(t, conn.CurrentUID())

	conn.Handle(Event{Type: EventCardInserted, Card: card})
	assert.Equal(t, []byte{0x04, 0xA1, 0xB2, 0xC3}, conn.CurrentUID())
	assert.True(t, conn.Status().CardPresent)
	assert.Same(t, card, conn.Card())

	conn.Handle(Event{Type: EventCardRemoved})
	assert.Nil(t, conn.CurrentUID())
	assert.Nil(t, conn.Card())
	assert.True(t, conn.Status().Connected, "removal keeps the reader")
}

func TestConnectionManager_DetachClearsCard(t *testing.T) {
	for _, typ := range []EventType{EventReaderDetached, EventReaderError} {
		t.Run(typ.String(), func(t *testing.T) {
			reader := NewMockReader("reader")
			conn, _ := attachedSession(reader, []byte{0xA1})

			conn.Handle(Event{Type: typ, Err: errors.New("SCARD_E_READER_UNAVAILABLE")})

			assert.Equal(t, ReaderStatus{}, conn.Status())
			assert.Nil(t, conn.Reader())
			assert.Nil(t, conn.Card())
			assert.Nil(t, conn.CurrentUID())
		})
	}
}

func TestConnectionManager_IgnoresCardWithoutReader(t *testing.T) {
	conn := NewConnectionManager()
	reader := NewMockReader("reader")

	conn.Handle(Event{Type: EventCardInserted, Card: reader.InsertCard([]byte{0xA1})})

	assert.Nil(t, conn.CurrentUID())
	assert.False(t, conn.Status().CardPresent)
}

func TestConnectionManager_IgnoresCardWithoutUID(t *testing.T) {
	conn := NewConnectionManager()
	reader := NewMockReader("reader")
	conn.Handle(Event{Type: EventReaderAttached, Reader: reader})

	var changes int
	conn.OnChange(func(ReaderStatus) { changes++ })
	conn.Handle(Event{Type: EventCardInserted, Card: reader.InsertCard(nil)})

	assert.Zero(t, changes)
	assert.False(t, conn.Status().CardPresent)
	assert.Nil(t, conn.Card())
	assert.Nil(t, conn.CurrentUID())
}

func TestConnectionManager_CurrentUIDIsCopy(t *testing.T) {
	conn, _ := attachedSession(NewMockReader("reader"), []byte{0xA1, 0xB2})

	uid := conn.CurrentUID()
	uid[0] = 0xFF

	assert.Equal(t, []byte{0xA1, 0xB2}, conn.CurrentUID())
}

func TestConnectionManager_OnChange(t *testing.T) {
	conn := NewConnectionManager()
	var seen []ReaderStatus
	conn.OnChange(func(s ReaderStatus) { seen = append(seen, s) })

	reader := NewMockReader("reader")
	conn.Handle(Event{Type: EventReaderAttached, Reader: reader})
	conn.Handle(Event{Type: EventCardRemoved}) // no card, no change
	conn.Handle(Event{Type: EventCardInserted, Card: reader.InsertCard([]byte{0xA1})})
	conn.Handle(Event{Type: EventReaderDetached})
	conn.Handle(Event{Type: EventReaderDetached}) // already detached

	require.Len(t, seen, 3)
	assert.True(t, seen[0].Connected)
	assert.True(t, seen[1].CardPresent)
	assert.False(t, seen[2].Connected)
}

func TestConnectionManager_RunResetsOnClose(t *testing.T) {
	conn := NewConnectionManager()
	driver := NewMockDriver()
	reader := NewMockReader("reader")

	done := make(chan struct{})
	go func() {
		conn.Run(context.Background(), driver.Events())
		close(done)
	}()

	driver.Emit(Event{Type: EventReaderAttached, Reader: reader})
	driver.Emit(Event{Type: EventCardInserted, Card: reader.InsertCard([]byte{0xA1})})
	require.NoError(t, driver.Close())
	<-done

	assert.Equal(t, ReaderStatus{}, conn.Status())
}

func TestConnectionManager_RunStopsOnCancel(t *testing.T) {
	conn := NewConnectionManager()
	driver := NewMockDriver()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		conn.Run(ctx, driver.Events())
		close(done)
	}()
	cancel()
	<-done
	require.NoError(t, driver.Close())
}

func TestReaderStatus_JSON(t *testing.T) {
	out, err := json.Marshal(ReaderStatus{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"connected":false,"readerName":null,"cardPresent":false,"uid":null}`, string(out))

	out, err = json.Marshal(ReaderStatus{
		Connected:   true,
		ReaderName:  "ACR122U",
		CardPresent: true,
		UID:         []byte{0x04, 0xA1},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"connected":true,"readerName":"ACR122U","cardPresent":true,"uid":"04A1"}`, string(out))
}
