package protocol

import "encoding/json"

// WebSocket message type constants
const (
	// Requests; responses reuse the request type.
	WSTypeWrite      = "rfid-write"
	WSTypeRead       = "rfid-read"
	WSTypeStatus     = "rfid-status"
	WSTypeAutoPoll   = "rfid-auto"
	WSTypeAutoStatus = "rfid-auto-status"
	WSTypeError      = "error"
)

// WebSocketMessage is the envelope of server-initiated messages
// (rfid-status and rfid-auto-status broadcasts).
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketRequest is for incoming requests from WebSocket clients.
type WebSocketRequest struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (r WebSocketRequest) Decode(v any) error {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// WebSocketResponse is for responses to WebSocket requests.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}
