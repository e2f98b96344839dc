// Package protocol defines the one-shot JSON handshake exchanged on a new
// connection before the relay takes over. There are exactly two request
// shapes and two reply shapes; everything after a successful handshake is an
// opaque payload the server never inspects.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMailboxID is the largest valid mailbox identifier (30 bits).
const MaxMailboxID = 1<<30 - 1

// Request kinds accepted in a handshake.
const (
	ReqCreate  = "create"
	ReqConnect = "connect"
)

// Reply kinds sent on handshake success.
const (
	RespCreated   = "created"
	RespConnected = "connected"
)

var (
	// ErrUnknownRequest reports a syntactically valid JSON object whose
	// "req" field names no known request.
	ErrUnknownRequest = errors.New("protocol: unknown request")

	// ErrMissingID reports a connect request without a usable "id" field.
	ErrMissingID = errors.New("protocol: connect request missing id")

	// ErrIDRange reports an id outside the 30-bit space.
	ErrIDRange = errors.New("protocol: id out of range")
)

// Request is a decoded handshake request. For connect requests ID carries
// the target mailbox identifier.
type Request struct {
	Req string
	ID  uint32
}

// Reply is a handshake reply.
type Reply struct {
	Resp string `json:"resp"`
	ID   uint32 `json:"id"`
}

// ParseRequest decodes and validates a handshake request. Field names are
// case sensitive (stdlib struct decoding is not, so fields are matched
// against the raw object keys); a connect without an in-range id is
// rejected.
func ParseRequest(data []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Request{}, fmt.Errorf("protocol: decode handshake: %w", err)
	}

	var kind string
	if raw, ok := fields["req"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return Request{}, fmt.Errorf("protocol: decode req field: %w", err)
		}
	}

	switch kind {
	case ReqCreate:
		return Request{Req: ReqCreate}, nil
	case ReqConnect:
		raw, ok := fields["id"]
		if !ok {
			return Request{}, ErrMissingID
		}
		var id uint64
		if err := json.Unmarshal(raw, &id); err != nil {
			return Request{}, fmt.Errorf("protocol: decode id field: %w", err)
		}
		if id > MaxMailboxID {
			return Request{}, ErrIDRange
		}
		return Request{Req: ReqConnect, ID: uint32(id)}, nil
	default:
		return Request{}, ErrUnknownRequest
	}
}

// Created builds the reply to a successful create.
func Created(id uint32) Reply {
	return Reply{Resp: RespCreated, ID: id}
}

// Connected builds the reply to a successful connect.
func Connected(id uint32) Reply {
	return Reply{Resp: RespConnected, ID: id}
}

// Encode renders the reply as the JSON text frame sent to the client.
func (r Reply) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Reply has no unmarshalable fields; this cannot happen.
		panic(fmt.Sprintf("protocol: encode reply: %v", err))
	}
	return data
}
