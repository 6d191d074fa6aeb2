// Package uds implements the NDJSON request/response and event protocol
// spoken between micmond and its clients over a unix socket.
package uds

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

var idCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Method)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Method, err)
	}
	return nil
}

func newMessage(typ MsgType, id, method string, data any) (Message, error) {
	msg := Message{Type: typ, ID: id, Method: method}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s: %w", method, err)
		}
		msg.Data = b
	}
	return msg, nil
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	return newMessage(MsgTypeReq, fmt.Sprintf("req-%d", idCounter.Add(1)), method, data)
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	return newMessage(MsgTypeRes, reqID, method, data)
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Error: errMsg}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	return newMessage(MsgTypeEvt, fmt.Sprintf("evt-%d", idCounter.Add(1)), method, data)
}

// Methods
const (
	MethodPing    = "Ping"
	MethodStatus  = "Status"
	MethodHistory = "History"

	// EventActivation carries a core.Event for every engine transition.
	EventActivation = "activation"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
}

// HistoryRequest is the payload for a History request. Zero Limit returns
// everything kept.
type HistoryRequest struct {
	Limit  int    `json:"limit,omitempty"`
	Device string `json:"device,omitempty"`
}
