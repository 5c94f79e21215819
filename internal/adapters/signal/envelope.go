package signal

import "encoding/json"

// Envelope is the control-channel wire frame. Data holds the
// event-specific payload untouched; handlers decode it themselves.
type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventReady is sent by the server once it has accepted the client;
// phase two of the connect handshake waits for it.
const EventReady = "ready"

// EventAck echoes back the ack id of an ack-carrying client message.
const EventAck = "ack"
