package nfc

import (
	"fmt"
	"time"
)

// TagService performs guarded read/write transactions on the tag block.
type TagService struct {
	conn    *ConnectionManager
	auth    *Authenticator
	guard   *Guard
	metrics *Metrics
}

// NewTagService wires the connection state, auth engine and guard together.
func NewTagService(conn *ConnectionManager, auth *Authenticator, guard *Guard, m *Metrics) *TagService {
	if m == nil {
		m = DefaultMetrics()
	}
	return &TagService{conn: conn, auth: auth, guard: guard, metrics: m}
}

// CurrentUID returns the UID of the card in the field, or nil.
func (s *TagService) CurrentUID() []byte {
	return s.conn.CurrentUID()
}

// ReadTag authenticates and decodes the tag block.
func (s *TagService) ReadTag() (TagRecord, error) {
	return WithExclusiveAccess(s.guard, func() (TagRecord, error) {
		defer s.metrics.Transaction.UpdateSince(time.Now())

		rec, err := s.readBlock()
		if err != nil {
			s.metrics.ReadFailures.Inc(1)
			return TagRecord{}, err
		}
		s.metrics.Reads.Inc(1)
		return rec, nil
	})
}

// WriteTag authenticates and writes block to the tag block.
func (s *TagService) WriteTag(block [BlockSize]byte) error {
	return s.guard.Do(func() error {
		defer s.metrics.Transaction.UpdateSince(time.Now())

		if err := s.writeBlock(block); err != nil {
			s.metrics.WriteFailures.Inc(1)
			return err
		}
		s.metrics.Writes.Inc(1)
		return nil
	})
}

func (s *TagService) readBlock() (TagRecord, error) {
	if s.conn.Reader() == nil {
		return TagRecord{}, ErrNotConnected
	}
	if err := s.auth.Authenticate(TagBlock); err != nil {
		return TagRecord{}, err
	}

	// The handle may have gone away while authenticating.
	reader := s.conn.Reader()
	if reader == nil {
		return TagRecord{}, ErrNotConnected
	}
	data, err := reader.ReadBlock(TagBlock, BlockSize)
	if err != nil {
		return TagRecord{}, NewReadError(err)
	}
	if len(data) < BlockSize {
		return TagRecord{}, &NFCError{
			Code:    ErrCodeInvalidData,
			Op:      "read",
			Message: fmt.Sprintf("short block: got %d bytes, want %d", len(data), BlockSize),
		}
	}

	rec := Decode(data[:BlockSize])
	logger.Debugf("read block %d: material=%d color=%d manufacturer=%d",
		TagBlock, rec.MaterialCode, rec.ColorCode, rec.ManufacturerCode)
	return rec, nil
}

func (s *TagService) writeBlock(block [BlockSize]byte) error {
	if s.conn.Reader() == nil {
		return ErrNotConnected
	}
	if err := s.auth.Authenticate(TagBlock); err != nil {
		return err
	}

	reader := s.conn.Reader()
	if reader == nil {
		return ErrNotConnected
	}
	if err := reader.WriteBlock(TagBlock, block[:]); err != nil {
		return NewWriteError(err)
	}
	logger.Debugf("wrote block %d: % X", TagBlock, block[:3])
	return nil
}
