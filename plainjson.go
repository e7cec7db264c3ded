package signalr

import (
	"bytes"
	"encoding/json"
)

// PlainJSONProtocol exchanges whole JSON objects, one per WebSocket frame,
// with no record separator and no handshake. It exists for plain JSON
// endpoints that are not SignalR hubs but speak a compatible message shape.
//
// Inbound objects carrying a "type" tag are decoded like hub messages.
// Objects without one are surfaced as invocations of their "target" field;
// if the object has no "arguments" either, the whole object becomes the
// single argument. Objects with neither tag nor target are dropped.
type PlainJSONProtocol struct{}

// NewPlainJSONProtocol returns the separator-less JSON codec.
func NewPlainJSONProtocol() *PlainJSONProtocol { return &PlainJSONProtocol{} }

func (*PlainJSONProtocol) Name() string                   { return "json" }
func (*PlainJSONProtocol) Version() int                   { return 1 }
func (*PlainJSONProtocol) TransferFormat() TransferFormat { return TransferFormatText }

// HandshakeRequest returns nil: the connection is usable as soon as the
// transport opens.
func (*PlainJSONProtocol) HandshakeRequest() ([]byte, error) { return nil, nil }

func (*PlainJSONProtocol) ParseHandshake(data []byte) (HandshakeResponse, []byte, error) {
	return HandshakeResponse{}, data, nil
}

func (*PlainJSONProtocol) Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &ProtocolError{Reason: "failed to encode message", Err: err}
	}
	return data, nil
}

func (*PlainJSONProtocol) Decode(data []byte) ([]Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var probe struct {
		Type      int               `json:"type"`
		Target    string            `json:"target"`
		Arguments []json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ProtocolError{Reason: "undecodable message", Err: err}
	}

	if probe.Type != 0 {
		msg, err := decodeHubMessage(data)
		if err != nil || msg == nil {
			return nil, err
		}
		return []Message{msg}, nil
	}

	if probe.Target == "" {
		return nil, nil
	}

	args := probe.Arguments
	if args == nil {
		args = []json.RawMessage{json.RawMessage(data)}
	}
	return []Message{&InvocationMessage{
		Type:      MessageInvocation,
		Target:    probe.Target,
		Arguments: args,
	}}, nil
}
