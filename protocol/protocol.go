// Package protocol provides the spool tag agent's wire types for external tools.
// This package is designed to be importable without pulling in server dependencies.
package protocol

// WriteRequest is the payload of rfid-write and POST /api/v1/write.
//
// Codes are accepted loosely: numbers, numeric strings or null. Missing or
// non-numeric material and color codes are written as 0, a missing
// manufacturer code as 1.
type WriteRequest struct {
	MaterialCode     any `json:"materialCode"`
	ColorCode        any `json:"colorCode"`
	ManufacturerCode any `json:"manufacturerCode"`
}

// AutoRequest is the payload of rfid-auto and POST /api/v1/auto.
type AutoRequest struct {
	Enable bool `json:"enable"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Clients   int    `json:"clients"`   // connected WebSocket clients
	Timestamp string `json:"timestamp"` // RFC3339 format
}

// ErrorPayload is the payload of an error response.
type ErrorPayload struct {
	Code string `json:"code"`
}

// Error codes carried in ErrorPayload
const (
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)
