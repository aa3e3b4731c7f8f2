package nfc

// KeyType selects which MIFARE Classic sector key an authentication uses.
type KeyType byte

// MIFARE key types, as sent in the General Authenticate data block.
const (
	KeyTypeA KeyType = 0x60
	KeyTypeB KeyType = 0x61
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeA:
		return "A"
	case KeyTypeB:
		return "B"
	default:
		return "unknown"
	}
}

// Spool tag layout.
const (
	// TagBlock is the data block holding the material/color/manufacturer record (sector 1).
	TagBlock byte = 4
	// BlockSize is the size of one MIFARE Classic block.
	BlockSize = 16
)

// AuthKey is one of the fixed keys tried when opening the tag sector.
type AuthKey struct {
	Name string
	Key  [6]byte
	// Slot is the volatile reader key slot used by the raw load-key fallback.
	Slot byte
	Type KeyType
}

var (
	// VendorKey is the key spool vendors program into sector 1.
	VendorKey = AuthKey{
		Name: "vendor",
		Key:  [6]byte{0xD3, 0xF7, 0xD3, 0xF7, 0xD3, 0xF7},
		Slot: 0x00,
		Type: KeyTypeA,
	}

	// DefaultKey is the factory transport key found on blank tags.
	DefaultKey = AuthKey{
		Name: "default",
		Key:  [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		Slot: 0x01,
		Type: KeyTypeA,
	}
)

// AuthKeys returns the keys in the order they must be tried: vendor first.
func AuthKeys() []AuthKey {
	return []AuthKey{VendorKey, DefaultKey}
}
