package nfc

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// DefaultManufacturerCode replaces a missing or zero manufacturer code.
const DefaultManufacturerCode uint8 = 1

// TagRecord is the decoded content of the spool tag block.
type TagRecord struct {
	MaterialCode     uint8            `json:"material"`
	ColorCode        uint8            `json:"color"`
	ManufacturerCode uint8            `json:"manufacturer"`
	RawBlock         [BlockSize]uint8 `json:"rawData"`
}

// Decode maps a raw block onto a TagRecord. Missing bytes take their defaults
// and a stored manufacturer code of 0 decodes as DefaultManufacturerCode.
func Decode(raw []byte) TagRecord {
	var rec TagRecord
	copy(rec.RawBlock[:], raw)

	if len(raw) > 0 {
		rec.MaterialCode = raw[0]
	}
	if len(raw) > 1 {
		rec.ColorCode = raw[1]
	}
	rec.ManufacturerCode = DefaultManufacturerCode
	if len(raw) > 2 && raw[2] != 0 {
		rec.ManufacturerCode = raw[2]
	}
	return rec
}

// Encode builds the block payload. Bytes 3-15 are reserved and always zero.
func Encode(material, color, manufacturer uint8) [BlockSize]byte {
	var block [BlockSize]byte
	block[0] = material
	block[1] = color
	block[2] = manufacturer
	return block
}

// EncodeValues encodes loosely typed input, as received from the host shell.
// Missing or non-numeric material/color become 0. A missing, non-numeric or
// zero manufacturer is written as DefaultManufacturerCode.
func EncodeValues(material, color, manufacturer any) [BlockSize]byte {
	maker := CoerceCode(manufacturer, DefaultManufacturerCode)
	if maker == 0 {
		maker = DefaultManufacturerCode
	}
	return Encode(CoerceCode(material, 0), CoerceCode(color, 0), maker)
}

// CoerceCode converts v to an unsigned 8-bit code. Numbers and numeric strings
// are truncated toward zero and wrapped modulo 256; anything else yields fallback.
func CoerceCode(v any, fallback uint8) uint8 {
	switch n := v.(type) {
	case nil:
		return fallback
	case uint8:
		return n
	case int:
		return uint8(n)
	case int8:
		return uint8(n)
	case int16:
		return uint8(n)
	case int32:
		return uint8(n)
	case int64:
		return uint8(n)
	case uint:
		return uint8(n)
	case uint16:
		return uint8(n)
	case uint32:
		return uint8(n)
	case uint64:
		return uint8(n)
	case float32:
		return coerceFloat(float64(n), fallback)
	case float64:
		return coerceFloat(n, fallback)
	case json.Number:
		return coerceString(n.String(), fallback)
	case string:
		return coerceString(n, fallback)
	default:
		return fallback
	}
}

func coerceFloat(f float64, fallback uint8) uint8 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return uint8(int64(math.Trunc(f)))
}

func coerceString(s string, fallback uint8) uint8 {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return uint8(i)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return coerceFloat(f, fallback)
}
