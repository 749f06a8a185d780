package hub

import "encoding/json"

// Envelope is the relay wire frame for both directions. The hub reads only
// the routing fields; Payload is forwarded untouched.
type Envelope struct {
	Type    string          `json:"type"`
	Pair    string          `json:"pair,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`

	// client is the connection the envelope arrived on. It is used
	// internally by the Hub and never serialized.
	client *Client `json:"-"`
}

// Envelope types.
const (
	TypeJoin   = "join"
	TypeSignal = "signal"

	TypeJoined  = "joined"
	TypeError   = "error"
	TypeExpired = "expired"
)

// Error reasons sent back to clients.
const (
	ReasonBadJoin       = "join needs two distinct names"
	ReasonAlreadyJoined = "connection already joined a pair"
	ReasonNameTaken     = "name already connected"
	ReasonNotJoined     = "join a pair first"
	ReasonQueueFull     = "peer queue full"
)
