package nfc

// Reader is the handle of the attached physical reader.
//
// A Reader is obtained from a Driver event and stays valid until the driver
// reports it detached. Only the ConnectionManager keeps a reference to it.
type Reader interface {
	// Name returns the reader name as reported by the driver.
	Name() string

	// Authenticate is the driver's own "authenticate with key" primitive.
	Authenticate(block byte, keyType KeyType, key []byte) error

	// ReadBlock reads length bytes from an already authenticated block.
	ReadBlock(block byte, length int) ([]byte, error)

	// WriteBlock writes a full block to an already authenticated sector.
	WriteBlock(block byte, data []byte) error
}

// Card is the session of the card currently in the field.
type Card interface {
	UID() []byte

	// Transmit sends a raw command to the reader/card and returns the full
	// response including the trailing status word.
	Transmit(apdu []byte) ([]byte, error)
}

// EventType identifies a driver signal.
type EventType int

const (
	EventReaderAttached EventType = iota
	EventReaderDetached
	EventReaderError
	EventCardInserted
	EventCardRemoved
)

func (t EventType) String() string {
	switch t {
	case EventReaderAttached:
		return "reader-attached"
	case EventReaderDetached:
		return "reader-detached"
	case EventReaderError:
		return "reader-error"
	case EventCardInserted:
		return "card-inserted"
	case EventCardRemoved:
		return "card-removed"
	default:
		return "unknown"
	}
}

// Event is a push notification from a Driver.
type Event struct {
	Type   EventType
	Reader Reader // set for EventReaderAttached
	Card   Card   // set for EventCardInserted
	Err    error  // set for EventReaderDetached/EventReaderError when known
}

// Driver produces reader and card lifecycle events.
type Driver interface {
	// Start begins monitoring. Events are delivered on Events() until Close.
	Start() error
	Events() <-chan Event
	Close() error
}
