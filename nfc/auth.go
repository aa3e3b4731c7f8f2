package nfc

import (
	"fmt"
)

// SessionSource exposes the reader handle and card session to the auth engine.
// ConnectionManager implements it.
type SessionSource interface {
	Reader() Reader
	Card() Card
}

// Authenticator opens a sector by trying each known key in order.
//
// Every key is tried with two methods before moving on: the driver's native
// authenticate primitive first, then a manual load-key + general-authenticate
// sequence over the raw command channel. Some reader/driver combinations only
// accept one of the two, so neither is skipped.
type Authenticator struct {
	sessions SessionSource
	keys     []AuthKey
	metrics  *Metrics
}

// NewAuthenticator creates an engine over sessions. A nil keys slice uses AuthKeys().
func NewAuthenticator(sessions SessionSource, keys []AuthKey, m *Metrics) *Authenticator {
	if keys == nil {
		keys = AuthKeys()
	}
	if m == nil {
		m = DefaultMetrics()
	}
	return &Authenticator{sessions: sessions, keys: keys, metrics: m}
}

// Authenticate grants access to block. It fails with ErrNotConnected before
// touching hardware when no reader is attached, and with an auth error carrying
// the last underlying failure once every key and method is exhausted.
func (a *Authenticator) Authenticate(block byte) error {
	reader := a.sessions.Reader()
	if reader == nil {
		return ErrNotConnected
	}

	var lastErr error
	for _, key := range a.keys {
		err := reader.Authenticate(block, key.Type, key.Key[:])
		if err == nil {
			logger.Debugf("block %d: %s key accepted (native)", block, key.Name)
			a.metrics.AuthNative.Inc(1)
			return nil
		}
		logger.Tracef("block %d: native auth with %s key failed: %v", block, key.Name, err)
		lastErr = err

		err = a.authenticateRaw(block, key)
		if err == nil {
			logger.Debugf("block %d: %s key accepted (raw fallback)", block, key.Name)
			a.metrics.AuthFallback.Inc(1)
			return nil
		}
		logger.Tracef("block %d: raw auth with %s key failed: %v", block, key.Name, err)
		lastErr = err
	}

	a.metrics.AuthFailures.Inc(1)
	return NewAuthError(lastErr)
}

// authenticateRaw loads key into its volatile slot and authenticates block against it.
func (a *Authenticator) authenticateRaw(block byte, key AuthKey) error {
	card := a.sessions.Card()
	if card == nil {
		return ErrNoCard
	}

	resp, err := card.Transmit(LoadKeyAPDU(key.Slot, key.Key[:]))
	if err != nil {
		return NewTransportError("load key", err)
	}
	if _, err := checkAPDU(resp); err != nil {
		return fmt.Errorf("load key into slot %d: %w", key.Slot, err)
	}

	resp, err = card.Transmit(MIFAREAuthAPDU(block, key.Type, key.Slot))
	if err != nil {
		return NewTransportError("general authenticate", err)
	}
	if _, err := checkAPDU(resp); err != nil {
		return fmt.Errorf("authenticate block %d with slot %d: %w", block, key.Slot, err)
	}
	return nil
}
