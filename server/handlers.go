package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nedpals/spooltag-agent/nfc"
	"github.com/nedpals/spooltag-agent/protocol"
)

const eventBuffer = 32

// RFIDHandler serves tag reads and writes, status and the auto polling switch.
// It also relays presence events and reader status changes to every client.
type RFIDHandler struct {
	engine Engine
	events chan protocol.WebSocketMessage
}

// NewRFIDHandler creates a handler for engine.
func NewRFIDHandler(engine Engine) *RFIDHandler {
	return &RFIDHandler{
		engine: engine,
		events: make(chan protocol.WebSocketMessage, eventBuffer),
	}
}

// Register implements ServerHandler interface.
func (h *RFIDHandler) Register(server HandlerServer) {
	server.Handle(protocol.WSTypeWrite, h.handleWrite)
	server.Handle(protocol.WSTypeRead, h.handleRead)
	server.Handle(protocol.WSTypeStatus, h.handleStatus)
	server.Handle(protocol.WSTypeAutoPoll, h.handleAuto)

	h.engine.Subscribe(func(ev nfc.PresenceEvent) {
		h.enqueue(protocol.WebSocketMessage{Type: protocol.WSTypeAutoStatus, Payload: ev})
	})
	h.engine.OnStatusChange(func(st nfc.ReaderStatus) {
		h.enqueue(protocol.WebSocketMessage{Type: protocol.WSTypeStatus, Payload: st})
	})

	server.StartLifecycle(func(ctx context.Context) {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-h.events:
					server.Broadcast(msg)
				}
			}
		}()
	})
}

// enqueue never blocks the engine goroutine that produced the event.
func (h *RFIDHandler) enqueue(msg protocol.WebSocketMessage) {
	select {
	case h.events <- msg:
	default:
		logger.Warningf("event queue full, dropping %s", msg.Type)
	}
}

func (h *RFIDHandler) handleWrite(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	var writeReq protocol.WriteRequest
	if err := req.Decode(&writeReq); err != nil {
		logger.Debugf("invalid write payload: %v", err)
		return client.SendError(req.ID, protocol.ErrCodeInvalidPayload, "Invalid write request payload")
	}

	res := h.engine.Write(writeReq.MaterialCode, writeReq.ColorCode, writeReq.ManufacturerCode)
	return client.Respond(req, res.Success, res, res.Message)
}

func (h *RFIDHandler) handleRead(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	res := h.engine.Read()
	return client.Respond(req, res.Success, res, res.Message)
}

func (h *RFIDHandler) handleStatus(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	return client.Respond(req, true, h.engine.Status(), "")
}

func (h *RFIDHandler) handleAuto(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	var autoReq protocol.AutoRequest
	if err := req.Decode(&autoReq); err != nil {
		logger.Debugf("invalid auto payload: %v", err)
		return client.SendError(req.ID, protocol.ErrCodeInvalidPayload, "Invalid auto polling payload")
	}
	return client.Respond(req, true, h.engine.SetAutoPolling(autoReq.Enable), "")
}

// handleStatus serves GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Engine.Status())
}

// handleRead serves POST /api/v1/read
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	res := s.config.Engine.Read()
	writeJSON(w, http.StatusOK, res)
}

// handleWrite serves POST /api/v1/write
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req protocol.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, protocol.WebSocketResponse{
			Type:    protocol.WSTypeError,
			Error:   "Invalid write request payload",
			Payload: protocol.ErrorPayload{Code: protocol.ErrCodeInvalidPayload},
		})
		return
	}
	writeJSON(w, http.StatusOK, s.config.Engine.Write(req.MaterialCode, req.ColorCode, req.ManufacturerCode))
}

// handleAuto serves POST /api/v1/auto
func (s *Server) handleAuto(w http.ResponseWriter, r *http.Request) {
	var req protocol.AutoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.WebSocketResponse{
			Type:    protocol.WSTypeError,
			Error:   "Invalid auto polling payload",
			Payload: protocol.ErrorPayload{Code: protocol.ErrCodeInvalidPayload},
		})
		return
	}
	writeJSON(w, http.StatusOK, s.config.Engine.SetAutoPolling(req.Enable))
}
