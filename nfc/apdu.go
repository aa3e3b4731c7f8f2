package nfc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// APDU status words
const (
	SW1Success  = 0x90
	SW2Success  = 0x00
	SW1MoreData = 0x61 // More data available
)

// CLAPCSC is the class byte of PC/SC pseudo-APDUs (commands handled by the reader itself).
const CLAPCSC = 0xFF

// PC/SC pseudo-APDU instructions
const (
	INSGetUID     = 0xCA // Get UID
	INSLoadKey    = 0x82 // Load authentication key
	INSAuth       = 0x86 // General authenticate
	INSReadBinary = 0xB0 // Read binary
	INSUpdateBin  = 0xD6 // Update binary
)

// APDUResponse represents a parsed APDU response
type APDUResponse struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// IsSuccess returns true if the response indicates success (SW1=90, SW2=00)
func (r APDUResponse) IsSuccess() bool {
	return r.SW1 == SW1Success && r.SW2 == SW2Success
}

// HasMoreData returns true if more data is available (SW1=61)
func (r APDUResponse) HasMoreData() bool {
	return r.SW1 == SW1MoreData
}

// Error returns an error if the response is not successful
func (r APDUResponse) Error() error {
	if r.IsSuccess() || r.HasMoreData() {
		return nil
	}
	return fmt.Errorf("APDU error: SW1=%02X SW2=%02X", r.SW1, r.SW2)
}

// StatusWord returns the 2-byte status word as uint16
func (r APDUResponse) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// ParseAPDUResponse splits a raw response into data and the trailing status word.
func ParseAPDUResponse(raw []byte) (APDUResponse, error) {
	if len(raw) < 2 {
		return APDUResponse{}, errors.New("response too short")
	}
	return APDUResponse{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// checkAPDU parses raw and turns a non-success status word into an error.
func checkAPDU(raw []byte) (APDUResponse, error) {
	parsed, err := ParseAPDUResponse(raw)
	if err != nil {
		return parsed, err
	}
	if !parsed.IsSuccess() {
		return parsed, parsed.Error()
	}
	return parsed, nil
}

// BuildAPDU constructs an APDU command
func BuildAPDU(cla, ins, p1, p2 byte, data []byte, le *byte) []byte {
	cmd := []byte{cla, ins, p1, p2}

	if len(data) > 0 {
		cmd = append(cmd, byte(len(data)))
		cmd = append(cmd, data...)
	}

	if le != nil {
		cmd = append(cmd, *le)
	}

	return cmd
}

// GetUIDAPDU returns the APDU for getting the card UID: FF CA 00 00 00
func GetUIDAPDU() []byte {
	le := byte(0x00)
	return BuildAPDU(CLAPCSC, INSGetUID, 0x00, 0x00, nil, &le)
}

// LoadKeyAPDU returns the APDU loading a 6-byte key into a volatile reader slot:
// FF 82 00 <slot> 06 <key>
func LoadKeyAPDU(keySlot byte, key []byte) []byte {
	if len(key) != 6 {
		return nil
	}
	return BuildAPDU(CLAPCSC, INSLoadKey, 0x00, keySlot, key, nil)
}

// MIFAREAuthAPDU returns the General Authenticate APDU referencing a loaded key slot:
// FF 86 00 00 05 01 00 <block> <keyType> <slot>
func MIFAREAuthAPDU(block byte, keyType KeyType, keySlot byte) []byte {
	// Version (1) | 0x00 | Block (1) | Key Type (1) | Key Number (1)
	data := []byte{0x01, 0x00, block, byte(keyType), keySlot}
	return BuildAPDU(CLAPCSC, INSAuth, 0x00, 0x00, data, nil)
}

// ReadBinaryAPDU returns the APDU for reading one block: FF B0 00 <block> <length>
func ReadBinaryAPDU(block byte, length byte) []byte {
	return BuildAPDU(CLAPCSC, INSReadBinary, 0x00, block, nil, &length)
}

// UpdateBinaryAPDU returns the APDU for writing one block: FF D6 00 <block> <len> <data>
func UpdateBinaryAPDU(block byte, data []byte) []byte {
	return BuildAPDU(CLAPCSC, INSUpdateBin, 0x00, block, data, nil)
}

// BytesToHex converts bytes to uppercase hex string
func BytesToHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// HexToBytes parses a hex UID. Separators (":", " ", "-") are ignored.
func HexToBytes(s string) ([]byte, error) {
	s = strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	if len(s)%2 != 0 {
		return nil, errors.New("hex string must have even length")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}
