package nfc

import (
	"errors"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	authVendorNative  = "Authenticate(4,A,D3F7D3F7D3F7)"
	authDefaultNative = "Authenticate(4,A,FFFFFFFFFFFF)"
	loadVendorRaw     = "Transmit(FF82000006D3F7D3F7D3F7)"
	authVendorRaw     = "Transmit(FF860000050100046000)"
	loadDefaultRaw    = "Transmit(FF82000106FFFFFFFFFFFF)"
	authDefaultRaw    = "Transmit(FF860000050100046001)"
)

// attachedSession returns a connection manager with reader and card attached.
func attachedSession(reader *MockReader, uid []byte) (*ConnectionManager, *MockCard) {
	conn := NewConnectionManager()
	card := reader.InsertCard(uid)
	conn.Handle(Event{Type: EventReaderAttached, Reader: reader})
	conn.Handle(Event{Type: EventCardInserted, Card: card})
	return conn, card
}

func TestAuthenticate_KeyAndMethodOrder(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(r *MockReader)
		wantCalls []string
		native    int64
		fallback  int64
	}{
		{
			name:      "vendor key native",
			setup:     func(r *MockReader) { r.AcceptedKeys = [][6]byte{VendorKey.Key} },
			wantCalls: []string{authVendorNative},
			native:    1,
		},
		{
			name: "vendor key raw fallback",
			setup: func(r *MockReader) {
				r.AcceptedKeys = [][6]byte{VendorKey.Key}
				r.AuthenticateError = errors.New("native auth unsupported")
			},
			wantCalls: []string{authVendorNative, loadVendorRaw, authVendorRaw},
			fallback:  1,
		},
		{
			name:      "default key native",
			setup:     func(r *MockReader) { r.AcceptedKeys = [][6]byte{DefaultKey.Key} },
			wantCalls: []string{authVendorNative, loadVendorRaw, authVendorRaw, authDefaultNative},
			native:    1,
		},
		{
			name: "default key raw fallback",
			setup: func(r *MockReader) {
				r.AcceptedKeys = [][6]byte{DefaultKey.Key}
				r.AuthenticateError = errors.New("native auth unsupported")
			},
			wantCalls: []string{
				authVendorNative, loadVendorRaw, authVendorRaw,
				authDefaultNative, loadDefaultRaw, authDefaultRaw,
			},
			fallback: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewMockReader("Mock Reader")
			tt.setup(reader)
			conn, _ := attachedSession(reader, []byte{0xA1})
			m := NewMetrics(metrics.NewRegistry())

			err := NewAuthenticator(conn, nil, m).Authenticate(TagBlock)

			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, reader.Calls())
			assert.Equal(t, tt.native, m.AuthNative.Count())
			assert.Equal(t, tt.fallback, m.AuthFallback.Count())
		})
	}
}

func TestAuthenticate_Exhausted(t *testing.T) {
	reader := NewMockReader("Mock Reader")
	reader.AcceptedKeys = nil
	conn, _ := attachedSession(reader, []byte{0xA1})
	m := NewMetrics(metrics.NewRegistry())

	err := NewAuthenticator(conn, nil, m).Authenticate(TagBlock)

	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Contains(t, err.Error(), "authentication failed")
	assert.Equal(t, []string{
		authVendorNative, loadVendorRaw, authVendorRaw,
		authDefaultNative, loadDefaultRaw, authDefaultRaw,
	}, reader.Calls())
	assert.Equal(t, int64(1), m.AuthFailures.Count())
}

func TestAuthenticate_CarriesLastError(t *testing.T) {
	reader := NewMockReader("Mock Reader")
	reader.AcceptedKeys = nil
	reader.AuthenticateError = errors.New("native auth unsupported")
	conn, card := attachedSession(reader, []byte{0xA1})
	transportErr := errors.New("reader unplugged")
	card.TransmitError = transportErr

	err := NewAuthenticator(conn, nil, NewMetrics(nil)).Authenticate(TagBlock)

	assert.True(t, IsAuthError(err))
	assert.ErrorIs(t, err, transportErr)
}

func TestAuthenticate_NotConnected(t *testing.T) {
	err := NewAuthenticator(NewConnectionManager(), nil, NewMetrics(nil)).Authenticate(TagBlock)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAuthenticate_RawPathWithoutCard(t *testing.T) {
	reader := NewMockReader("Mock Reader")
	reader.AuthenticateError = errors.New("native auth unsupported")
	conn := NewConnectionManager()
	conn.Handle(Event{Type: EventReaderAttached, Reader: reader})

	err := NewAuthenticator(conn, nil, NewMetrics(nil)).Authenticate(TagBlock)

	assert.True(t, IsAuthError(err))
	assert.True(t, IsNoCardError(err))
	assert.Equal(t, []string{authVendorNative, authDefaultNative}, reader.Calls())
}

func TestAuthenticate_RejectedLoadKey(t *testing.T) {
	reader := NewMockReader("Mock Reader")
	reader.AcceptedKeys = nil
	reader.AuthenticateError = errors.New("native auth unsupported")
	reader.RawAuthDisabled = true
	conn, _ := attachedSession(reader, []byte{0xA1})

	err := NewAuthenticator(conn, []AuthKey{VendorKey}, NewMetrics(nil)).Authenticate(TagBlock)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "SW1=63 SW2=00")
}
