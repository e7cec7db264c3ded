package signalr

import "encoding/json"

// Wire message type tags used by the hub protocol. These values are fixed by
// the protocol; they appear verbatim in the "type" field of every JSON frame.
const (
	// MessageInvocation indicates a request to invoke a particular method
	// (the Target) with the provided Arguments on the remote endpoint.
	MessageInvocation = iota + 1

	// MessageStreamItem indicates an individual item of streamed response
	// data from a previous StreamInvocation.
	MessageStreamItem

	// MessageCompletion indicates a previous Invocation or StreamInvocation
	// has completed. Carries an error if the invocation failed, or the result
	// of a non-streaming invocation. Both are absent for void methods. No
	// further StreamItem messages follow a Completion.
	MessageCompletion

	// MessageStreamInvocation indicates a request to invoke a streaming
	// method (the Target) with the provided Arguments on the remote endpoint.
	MessageStreamInvocation

	// MessageCancelInvocation is sent by the client to cancel a streaming or
	// non-streaming invocation on the server.
	MessageCancelInvocation

	// MessagePing is sent by either party to check if the connection is
	// active.
	MessagePing

	// MessageClose is sent by the server when a connection is closed.
	// Carries an error if the connection was closed because of one.
	MessageClose
)

// Message is implemented by every hub message variant.
type Message interface {
	messageType() int
}

// InvocationMessage requests the invocation of Target with Arguments. An
// empty InvocationID marks the invocation as fire-and-forget: no Completion
// is produced for it. When sent by the server with an InvocationID set, the
// client is expected to answer with a Completion (a client result).
type InvocationMessage struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
	StreamIDs    []string          `json:"streamIds,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

func (*InvocationMessage) messageType() int { return MessageInvocation }

// StreamInvocationMessage requests the invocation of a streaming method.
// Unlike InvocationMessage the InvocationID is always present.
type StreamInvocationMessage struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
	Headers      map[string]string `json:"headers,omitempty"`
}

func (*StreamInvocationMessage) messageType() int { return MessageStreamInvocation }

// StreamItemMessage carries a single item produced by a streaming invocation.
type StreamItemMessage struct {
	Type         int             `json:"type"`
	InvocationID string          `json:"invocationId"`
	Item         json.RawMessage `json:"item"`
}

func (*StreamItemMessage) messageType() int { return MessageStreamItem }

// CompletionMessage terminates an invocation. Exactly one of Result or Error
// may be present; both absent means the invocation completed void.
type CompletionMessage struct {
	Type         int             `json:"type"`
	InvocationID string          `json:"invocationId"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func (*CompletionMessage) messageType() int { return MessageCompletion }

// CancelInvocationMessage asks the server to stop an invocation, streaming
// or not. The invocation id stays live until the server's Completion arrives.
type CancelInvocationMessage struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId"`
}

func (*CancelInvocationMessage) messageType() int { return MessageCancelInvocation }

// PingMessage is the keep-alive message. It carries no payload.
type PingMessage struct {
	Type int `json:"type"`
}

func (*PingMessage) messageType() int { return MessagePing }

// CloseMessage is sent by the server to terminate the connection.
// AllowReconnect is a tri-state: only an explicit false forbids the client
// from re-entering its reconnect policy.
type CloseMessage struct {
	Type           int    `json:"type"`
	Error          string `json:"error,omitempty"`
	AllowReconnect *bool  `json:"allowReconnect,omitempty"`
}

func (*CloseMessage) messageType() int { return MessageClose }

// HandshakeRequest is the first frame sent after the transport opens. It is
// not part of the numbered message stream and carries no type tag.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse acknowledges a HandshakeRequest. A non-empty Error means
// the server rejected the requested protocol.
type HandshakeResponse struct {
	Error        string `json:"error,omitempty"`
	MinorVersion int    `json:"minorVersion,omitempty"`
}
