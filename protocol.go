package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// recordSeparator terminates every JSON text on the wire. A single transport
// frame may carry several separated texts.
const recordSeparator = 0x1e

// TransferFormat is the frame type a protocol expects on the transport.
type TransferFormat int

const (
	TransferFormatText TransferFormat = iota
	TransferFormatBinary
)

// Protocol translates between hub messages and wire frames and owns the
// handshake dialect. Implementations must be safe for use from the read loop
// and concurrent senders; the stock implementations are stateless.
type Protocol interface {
	Name() string
	Version() int
	TransferFormat() TransferFormat

	// HandshakeRequest returns the first frame to send after the transport
	// opens. A nil frame means the protocol performs no handshake.
	HandshakeRequest() ([]byte, error)

	// ParseHandshake parses the first inbound frame into a handshake
	// response and returns any trailing bytes, which are ordinary hub
	// messages that must be dispatched.
	ParseHandshake(data []byte) (HandshakeResponse, []byte, error)

	Encode(msg Message) ([]byte, error)
	Decode(data []byte) ([]Message, error)
}

// JSONProtocol is the SignalR JSON hub protocol, version 1: JSON texts
// delimited by the 0x1E record separator.
type JSONProtocol struct{}

// NewJSONProtocol returns the default hub protocol.
func NewJSONProtocol() *JSONProtocol { return &JSONProtocol{} }

func (*JSONProtocol) Name() string                   { return "json" }
func (*JSONProtocol) Version() int                   { return 1 }
func (*JSONProtocol) TransferFormat() TransferFormat { return TransferFormatText }

func (p *JSONProtocol) HandshakeRequest() ([]byte, error) {
	data, err := json.Marshal(HandshakeRequest{Protocol: p.Name(), Version: p.Version()})
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

func (*JSONProtocol) ParseHandshake(data []byte) (HandshakeResponse, []byte, error) {
	var resp HandshakeResponse

	i := bytes.IndexByte(data, recordSeparator)
	if i < 0 {
		return resp, nil, &ProtocolError{Reason: "incomplete handshake response"}
	}
	if err := json.Unmarshal(data[:i], &resp); err != nil {
		return resp, nil, &ProtocolError{Reason: "malformed handshake response", Err: err}
	}
	return resp, data[i+1:], nil
}

func (*JSONProtocol) Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &ProtocolError{Reason: "failed to encode message", Err: err}
	}
	return append(data, recordSeparator), nil
}

// Decode splits data on the record separator and parses each text, in order.
// Unknown message types are skipped for forward compatibility. Trailing bytes
// without a terminating separator are a protocol error: the stream cannot be
// re-synchronized.
func (*JSONProtocol) Decode(data []byte) ([]Message, error) {
	var msgs []Message
	for len(data) > 0 {
		i := bytes.IndexByte(data, recordSeparator)
		if i < 0 {
			return nil, &ProtocolError{Reason: fmt.Sprintf("partial message of %d bytes", len(data))}
		}

		raw := data[:i]
		data = data[i+1:]
		if len(raw) == 0 {
			continue
		}

		msg, err := decodeHubMessage(raw)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// decodeHubMessage parses a single JSON text into its message variant. Only
// the type tag is inspected first so unknown variants can be skipped without
// touching the rest of the object.
func decodeHubMessage(raw []byte) (Message, error) {
	var tag struct {
		Type int `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, &ProtocolError{Reason: "undecodable message", Err: err}
	}

	var msg Message
	switch tag.Type {
	case MessageInvocation:
		msg = &InvocationMessage{}
	case MessageStreamItem:
		msg = &StreamItemMessage{}
	case MessageCompletion:
		msg = &CompletionMessage{}
	case MessageStreamInvocation:
		msg = &StreamInvocationMessage{}
	case MessageCancelInvocation:
		msg = &CancelInvocationMessage{}
	case MessagePing:
		msg = &PingMessage{}
	case MessageClose:
		msg = &CloseMessage{}
	default:
		// Unknown type tags are ignored, not fatal.
		return nil, nil
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, &ProtocolError{Reason: "undecodable message", Err: err}
	}

	if c, ok := msg.(*CompletionMessage); ok && c.Result != nil && c.Error != "" {
		return nil, &ProtocolError{Reason: fmt.Sprintf("completion %s carries both result and error", c.InvocationID)}
	}

	return msg, nil
}
