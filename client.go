// Package signalr provides a client for the SignalR core hub protocol:
// a bidirectional, message-oriented RPC protocol layered on WebSockets.
// Clients subscribe to named server events, invoke server methods, answer
// server-originated result requests and consume server streams. Negotiation,
// handshake, framing, keep-alive and reconnection are handled internally.
package signalr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned from Run when the server sent a Close message
// forbidding reconnection.
var ErrServerClosed = errors.New("signalr: server closed the connection")

// ConnectionState describes where a client is in its lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler consumes a server invocation. A non-nil result answers a client
// result request (an invocation carrying an invocationId); it is marshalled
// into the Completion sent back. Returning an error from a client result
// produces an error Completion; from an ordinary event it is routed to the
// OnError hook.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// AccessTokenFactory produces a fresh bearer token. It is invoked exactly
// once per connection attempt, before negotiation.
type AccessTokenFactory func(ctx context.Context) (string, error)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the negotiate call.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithHeaders sets additional handshake headers. The access token factory
// owns Authorization; other user headers win on conflict.
func WithHeaders(h http.Header) Option { return func(c *Client) { c.headers = h } }

// WithAccessTokenFactory sets the bearer token source.
func WithAccessTokenFactory(f AccessTokenFactory) Option {
	return func(c *Client) { c.accessTokenFactory = f }
}

// WithTLSConfig sets the TLS configuration for wss endpoints.
func WithTLSConfig(cfg *tls.Config) Option { return func(c *Client) { c.tlsConfig = cfg } }

// WithProtocol replaces the default JSON hub protocol.
func WithProtocol(p Protocol) Option { return func(c *Client) { c.protocol = p } }

// WithTransport replaces the stock WebSocket transport.
func WithTransport(t Transport) Option { return func(c *Client) { c.transport = t } }

// WithPingInterval sets how long the outbound side may stay silent before a
// Ping is emitted. Default 10s.
func WithPingInterval(d time.Duration) Option { return func(c *Client) { c.pingInterval = d } }

// WithConnectionTimeout sets how long the inbound side may stay silent
// before the connection is considered dead. Default 30s.
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectionTimeout = d }
}

// WithRetry sets the reconnect policy. IntervalRetry and RawRetry cover the
// common cases; any backoff.BackOff works.
func WithRetry(b backoff.BackOff) Option { return func(c *Client) { c.retry = b } }

// WithMaxMessageSize limits inbound frames in bytes. Zero disables the limit.
func WithMaxMessageSize(n int64) Option { return func(c *Client) { c.maxMessageSize = n } }

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

// Client is a SignalR hub connection. It manages negotiation, handshake,
// keep-alive and reconnection so the caller doesn't have to. A Client is
// safe for concurrent use; Run must be called once to drive it.
type Client struct {
	url                string
	httpClient         *http.Client
	headers            http.Header
	accessTokenFactory AccessTokenFactory
	tlsConfig          *tls.Config
	protocol           Protocol
	transport          Transport
	pingInterval       time.Duration
	connectionTimeout  time.Duration
	retry              backoff.BackOff
	maxMessageSize     int64
	logger             zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	onOpen   func(ctx context.Context)
	onClose  func(ctx context.Context, err error)
	onError  func(ctx context.Context, err error)
	connID   string

	invocations *invocations

	state        atomic.Int32
	running      atomic.Bool
	lastInbound  atomic.Int64 // unix nanos of the last received frame
	lastOutbound atomic.Int64 // unix nanos of the last written frame

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewClient creates a client for the given HTTP(S) or WS(S) endpoint.
func NewClient(rawurl string, opts ...Option) *Client {
	c := &Client{
		url:               rawurl,
		httpClient:        &http.Client{},
		headers:           http.Header{},
		protocol:          NewJSONProtocol(),
		pingInterval:      10 * time.Second,
		connectionTimeout: 30 * time.Second,
		retry:             DefaultRetry(),
		logger:            zerolog.Nop(),
		handlers:          make(map[string]Handler),
		invocations:       newInvocations(),
		closedCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = &WebsocketTransport{
			TLSConfig:      c.tlsConfig,
			MaxMessageSize: c.maxMessageSize,
			Format:         c.protocol.TransferFormat(),
		}
	}
	return c
}

// State reports the current connection state.
func (c *Client) State() ConnectionState { return ConnectionState(c.state.Load()) }

// ConnectionID reports the id of the current connected epoch, or "" when not
// connected. A new id is assigned on every successful handshake.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// On registers the handler for a server event. There is exactly one handler
// per event name; re-registration replaces the prior handler, a nil handler
// removes it.
func (c *Client) On(target string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, target)
		return
	}
	c.handlers[target] = h
}

// OnOpen registers the hook fired after every successful handshake,
// including reconnects.
func (c *Client) OnOpen(h func(ctx context.Context)) {
	c.mu.Lock()
	c.onOpen = h
	c.mu.Unlock()
}

// OnClose registers the hook fired when a connected epoch ends, before any
// reconnection attempt.
func (c *Client) OnClose(h func(ctx context.Context, err error)) {
	c.mu.Lock()
	c.onClose = h
	c.mu.Unlock()
}

// OnError registers the hook receiving server-reported completion errors,
// server close errors and handler failures.
func (c *Client) OnError(h func(ctx context.Context, err error)) {
	c.mu.Lock()
	c.onError = h
	c.mu.Unlock()
}

// Send invokes a hub method without expecting a response.
func (c *Client) Send(ctx context.Context, target string, args ...any) error {
	if c.State() != StateConnected {
		return &ConnectionError{Op: "send", Reason: "not connected"}
	}
	rawArgs, err := marshalArgs(args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	return c.write(ctx, &InvocationMessage{
		Type:      MessageInvocation,
		Target:    target,
		Arguments: rawArgs,
	})
}

// Invoke calls a hub method and returns a handle for its completion.
func (c *Client) Invoke(ctx context.Context, target string, args ...any) *Invocation {
	if c.State() != StateConnected {
		return &Invocation{err: &ConnectionError{Op: "invoke", Reason: "not connected"}}
	}
	rawArgs, err := marshalArgs(args)
	if err != nil {
		return &Invocation{err: fmt.Errorf("failed to marshal args: %w", err)}
	}

	p := c.invocations.create(pendingInvoke, target)
	msg := &InvocationMessage{
		Type:         MessageInvocation,
		InvocationID: p.id,
		Target:       target,
		Arguments:    rawArgs,
	}
	if err := c.write(ctx, msg); err != nil {
		c.invocations.remove(p.id)
		return &Invocation{err: err}
	}
	return &Invocation{ctx: ctx, client: c, p: p}
}

// Stream calls a streaming hub method. Items are read from the returned
// Stream until io.EOF.
func (c *Client) Stream(ctx context.Context, target string, args ...any) (*Stream, error) {
	if c.State() != StateConnected {
		return nil, &ConnectionError{Op: "stream", Reason: "not connected"}
	}
	rawArgs, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args: %w", err)
	}

	p := c.invocations.create(pendingStream, target)
	msg := &StreamInvocationMessage{
		Type:         MessageStreamInvocation,
		InvocationID: p.id,
		Target:       target,
		Arguments:    rawArgs,
	}
	if err := c.write(ctx, msg); err != nil {
		c.invocations.remove(p.id)
		return nil, err
	}
	return &Stream{ctx: ctx, client: c, p: p}, nil
}

// Close tears the connection down, fails every pending invocation and makes
// Run return nil. It is idempotent and safe to call from any handler.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.state.Store(int32(StateClosed))
		_ = c.transport.Close()
		c.invocations.failAll(&ConnectionError{Op: "invoke", Reason: "client closed"})
	})
	return nil
}

// Run drives the connection to completion: negotiate, dial, handshake, then
// the read and keep-alive loops, reconnecting per the retry policy. It
// returns nil after Close, otherwise the terminal error.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("signalr: Run called concurrently")
	}
	defer c.running.Store(false)

	if c.isClosed() {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closedCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		err := c.connectOnce(runCtx)

		switch {
		case c.isClosed():
			return nil
		case ctx.Err() != nil:
			c.state.Store(int32(StateClosed))
			return ctx.Err()
		case isTerminal(err):
			c.state.Store(int32(StateClosed))
			return err
		}

		c.setState(StateReconnecting)
		delay := c.retry.NextBackOff()
		if delay == backoff.Stop {
			c.state.Store(int32(StateClosed))
			if err == nil {
				err = &ConnectionError{Op: "dial", Reason: "reconnect attempts exhausted"}
			}
			return err
		}

		c.logger.Info().Dur("delay", delay).Err(err).Msg("reconnecting")
		select {
		case <-runCtx.Done():
			if c.isClosed() {
				return nil
			}
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectOnce runs a single connection epoch: negotiate, dial, handshake,
// then the two loops until one of them fails.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	headers, err := c.connectHeaders(ctx)
	if err != nil {
		return err
	}

	wsURL := c.url
	if u, perr := url.Parse(c.url); perr == nil && (u.Scheme == "http" || u.Scheme == "https") {
		wsURL, headers, err = negotiate(ctx, c.httpClient, c.url, headers)
		if err != nil {
			return err
		}
	}

	if err := c.transport.Dial(ctx, wsURL, headers); err != nil {
		return err
	}
	defer c.transport.Close()

	leftover, err := c.handshake(ctx)
	if err != nil {
		return err
	}

	connID := uuid.NewString()
	c.mu.Lock()
	c.connID = connID
	c.mu.Unlock()

	// Fresh epoch: invocation ids restart at 1 and the retry schedule is
	// earned back.
	c.invocations.reset(&ConnectionError{Op: "invoke", Reason: "connection restarted"})
	c.retry.Reset()

	now := time.Now().UnixNano()
	c.lastInbound.Store(now)
	c.lastOutbound.Store(now)
	c.setState(StateConnected)
	c.logger.Info().Str("connection_id", connID).Str("url", wsURL).Msg("connected")

	c.fireOpen(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, leftover) })
	g.Go(func() error { return c.keepAlive(gctx) })
	err = g.Wait()

	_ = c.transport.Close()
	c.invocations.failAll(&ConnectionError{Op: "invoke", Reason: "connection lost", Err: err})
	c.mu.Lock()
	c.connID = ""
	c.mu.Unlock()
	c.logger.Info().Str("connection_id", connID).Err(err).Msg("disconnected")
	c.fireClose(ctx, err)
	return err
}

func (c *Client) connectHeaders(ctx context.Context) (http.Header, error) {
	headers := cloneHeader(c.headers)
	if c.accessTokenFactory != nil {
		token, err := c.accessTokenFactory(ctx)
		if err != nil {
			return nil, &ConnectionError{Op: "dial", Reason: "access token factory failed", Err: err}
		}
		headers.Set("Authorization", "Bearer "+token)
	}
	return headers, nil
}

// handshake sends the protocol's handshake request and parses the first
// inbound frame. Messages concatenated after the handshake response belong
// to the normal stream and are returned for dispatch.
func (c *Client) handshake(ctx context.Context) ([]byte, error) {
	req, err := c.protocol.HandshakeRequest()
	if err != nil {
		return nil, &HandshakeError{Reason: err.Error()}
	}
	if req == nil {
		return nil, nil
	}

	c.setState(StateHandshaking)
	if err := c.transport.Send(ctx, req); err != nil {
		return nil, err
	}

	// A server that never answers must not hang the state machine.
	timer := time.AfterFunc(c.connectionTimeout, func() { _ = c.transport.Close() })
	frame, err := c.transport.Receive(ctx)
	timer.Stop()
	if err != nil {
		return nil, err
	}

	resp, rest, err := c.protocol.ParseHandshake(frame)
	if err != nil {
		return nil, &HandshakeError{Reason: err.Error()}
	}
	if resp.Error != "" {
		return nil, &HandshakeError{Reason: resp.Error}
	}
	return rest, nil
}

func (c *Client) readLoop(ctx context.Context, leftover []byte) error {
	if len(leftover) > 0 {
		if err := c.processFrame(ctx, leftover); err != nil {
			return err
		}
	}
	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			return err
		}
		c.lastInbound.Store(time.Now().UnixNano())
		if err := c.processFrame(ctx, frame); err != nil {
			return err
		}
	}
}

func (c *Client) processFrame(ctx context.Context, frame []byte) error {
	msgs, err := c.protocol.Decode(frame)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := c.dispatch(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case *InvocationMessage:
		c.dispatchInvocation(ctx, m)

	case *StreamItemMessage:
		p, ok := c.invocations.get(m.InvocationID)
		if !ok || p.kind != pendingStream {
			c.logger.Debug().Str("invocation_id", m.InvocationID).Msg("dropping stream item for unknown invocation")
			return nil
		}
		select {
		case p.items <- m.Item:
		case <-p.canceled:
		case <-ctx.Done():
			return ctx.Err()
		}

	case *CompletionMessage:
		target, ok := c.invocations.complete(m)
		if !ok {
			c.logger.Debug().Str("invocation_id", m.InvocationID).Msg("dropping completion for unknown invocation")
			return nil
		}
		if m.Error != "" {
			c.fireError(ctx, &InvocationError{Target: target, ID: m.InvocationID, Message: m.Error})
		}

	case *PingMessage:
		// Inbound activity was already recorded by the read loop; no reply
		// is required.

	case *CloseMessage:
		if m.Error != "" {
			c.fireError(ctx, fmt.Errorf("signalr: server close: %s", m.Error))
		}
		if m.AllowReconnect != nil && !*m.AllowReconnect {
			if m.Error != "" {
				return fmt.Errorf("%w: %s", ErrServerClosed, m.Error)
			}
			return ErrServerClosed
		}
		return &ConnectionError{Op: "receive", Reason: "server closed the connection for reconnect"}

	case *StreamInvocationMessage, *CancelInvocationMessage:
		// Servers do not stream-invoke clients; drop.
		c.logger.Debug().Int("type", msg.messageType()).Msg("dropping unexpected message")
	}
	return nil
}

func (c *Client) dispatchInvocation(ctx context.Context, m *InvocationMessage) {
	c.mu.Lock()
	h := c.handlers[m.Target]
	c.mu.Unlock()

	if h == nil {
		c.logger.Debug().Str("target", m.Target).Msg("no handler registered for target")
		return
	}

	result, err := invokeHandler(ctx, h, m.Arguments)

	// No invocation id: ordinary event. Handler failures are isolated so
	// one bad handler cannot tear down the connection.
	if m.InvocationID == "" {
		if err != nil {
			c.fireError(ctx, err)
		}
		return
	}

	// Client result: the server awaits a Completion for this id.
	comp := &CompletionMessage{Type: MessageCompletion, InvocationID: m.InvocationID}
	switch {
	case err != nil:
		comp.Error = err.Error()
	case result != nil:
		data, merr := json.Marshal(result)
		if merr != nil {
			comp.Error = merr.Error()
		} else {
			comp.Result = data
		}
	}
	if werr := c.write(ctx, comp); werr != nil {
		c.fireError(ctx, werr)
	}
}

// keepAlive emits a Ping whenever the outbound side has been silent for
// pingInterval, and drops the connection when the inbound side has been
// silent for connectionTimeout.
func (c *Client) keepAlive(ctx context.Context) error {
	for {
		now := time.Now()

		idleIn := now.Sub(time.Unix(0, c.lastInbound.Load()))
		if idleIn >= c.connectionTimeout {
			_ = c.transport.Close()
			return &ConnectionError{
				Op:     "receive",
				Reason: fmt.Sprintf("no messages received for %s", c.connectionTimeout),
			}
		}

		idleOut := now.Sub(time.Unix(0, c.lastOutbound.Load()))
		if idleOut >= c.pingInterval {
			if err := c.write(ctx, &PingMessage{Type: MessagePing}); err != nil {
				return err
			}
			idleOut = 0
		}

		wait := c.pingInterval - idleOut
		if remain := c.connectionTimeout - idleIn; remain < wait {
			wait = remain
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) write(ctx context.Context, msg Message) error {
	data, err := c.protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return err
	}
	c.lastOutbound.Store(time.Now().UnixNano())
	return nil
}

func (c *Client) cancelPending(p *pending) {
	p.cancel(func() {
		if c.State() == StateConnected {
			_ = c.write(context.Background(), &CancelInvocationMessage{
				Type:         MessageCancelInvocation,
				InvocationID: p.id,
			})
		}
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// setState moves the state machine unless the client is already closed.
func (c *Client) setState(s ConnectionState) {
	if c.isClosed() {
		return
	}
	c.state.Store(int32(s))
}

func (c *Client) fireOpen(ctx context.Context) {
	c.mu.Lock()
	h := c.onOpen
	c.mu.Unlock()
	if h == nil {
		return
	}
	if err := runHook(func() { h(ctx) }); err != nil {
		c.fireError(ctx, err)
	}
}

func (c *Client) fireClose(ctx context.Context, cause error) {
	c.mu.Lock()
	h := c.onClose
	c.mu.Unlock()
	if h == nil {
		return
	}
	if err := runHook(func() { h(ctx, cause) }); err != nil {
		c.fireError(ctx, err)
	}
}

func (c *Client) fireError(ctx context.Context, err error) {
	c.mu.Lock()
	h := c.onError
	c.mu.Unlock()
	if h == nil {
		c.logger.Error().Err(err).Msg("unhandled client error")
		return
	}
	if herr := runHook(func() { h(ctx, err) }); herr != nil {
		c.logger.Error().Err(herr).Msg("error hook failed")
	}
}

func isTerminal(err error) bool {
	var authErr *AuthError
	var hsErr *HandshakeError
	return errors.As(err, &authErr) || errors.As(err, &hsErr) || errors.Is(err, ErrServerClosed)
}

func invokeHandler(ctx context.Context, h Handler, args []json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, args)
}

func runHook(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	fn()
	return nil
}

// Invocation is the handle for an in-flight hub invocation.
type Invocation struct {
	ctx    context.Context
	client *Client
	p      *pending
	err    error
}

// Unmarshal blocks until the server's Completion arrives and decodes its
// result into dest. A nil dest discards the result. Cancelling the
// invocation's context sends a CancelInvocation and detaches the caller;
// the invocation id stays reserved until the Completion arrives or the
// connection drops.
func (inv *Invocation) Unmarshal(dest any) error {
	if inv.err != nil {
		return inv.err
	}
	select {
	case <-inv.ctx.Done():
		inv.client.cancelPending(inv.p)
		return inv.ctx.Err()
	case res := <-inv.p.done:
		if res.err != nil {
			return res.err
		}
		if dest == nil || res.result == nil {
			return nil
		}
		return json.Unmarshal(res.result, dest)
	}
}

// Exec blocks until the server's Completion arrives and discards any result.
func (inv *Invocation) Exec() error {
	return inv.Unmarshal(nil)
}

// Stream is the handle for an in-flight streaming invocation.
type Stream struct {
	ctx    context.Context
	client *Client
	p      *pending
	term   *completionResult
}

// Read blocks for the next stream item and decodes it into dest. It returns
// io.EOF after the server's terminating Completion, or the server's error.
// Items are always delivered before the termination.
func (s *Stream) Read(dest any) error {
	for {
		// Drain buffered items first so arrival order survives the race
		// with the terminating completion.
		select {
		case item := <-s.p.items:
			return decodeInto(item, dest)
		default:
		}

		if s.term != nil {
			if s.term.err != nil {
				return s.term.err
			}
			return io.EOF
		}

		select {
		case item := <-s.p.items:
			return decodeInto(item, dest)
		case res := <-s.p.done:
			s.term = &res
		case <-s.ctx.Done():
			s.client.cancelPending(s.p)
			return s.ctx.Err()
		}
	}
}

// Close cancels the stream. The server still owes a Completion; the
// invocation id stays reserved until it arrives or the connection drops.
func (s *Stream) Close() {
	s.client.cancelPending(s.p)
}

func decodeInto(item json.RawMessage, dest any) error {
	if dest == nil {
		return nil
	}
	return json.Unmarshal(item, dest)
}

func marshalArgs(src []any) ([]json.RawMessage, error) {
	res := make([]json.RawMessage, len(src))
	for i, v := range src {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		res[i] = json.RawMessage(data)
	}
	return res, nil
}

// UnmarshalArgs decodes an invocation's arguments into dests, one per
// argument.
func UnmarshalArgs(args []json.RawMessage, dests ...any) error {
	if len(args) != len(dests) {
		return fmt.Errorf("invalid number of arguments: expected %d, got %d", len(dests), len(args))
	}
	for i, v := range args {
		if err := json.Unmarshal(v, dests[i]); err != nil {
			return err
		}
	}
	return nil
}

type pendingKind int

const (
	pendingInvoke pendingKind = iota
	pendingStream
)

type completionResult struct {
	result json.RawMessage
	err    error
}

// pending is a registry entry for an outstanding invocation. done is
// buffered so the completing side never blocks on a detached caller; items
// is never closed, stream termination travels through done.
type pending struct {
	id         string
	kind       pendingKind
	target     string
	done       chan completionResult
	items      chan json.RawMessage
	canceled   chan struct{}
	cancelOnce sync.Once
	created    time.Time
}

// cancel marks the entry canceled, running fn once alongside the first call.
func (p *pending) cancel(fn func()) {
	p.cancelOnce.Do(func() {
		close(p.canceled)
		if fn != nil {
			fn()
		}
	})
}

// invocations tracks outstanding invocation ids. Ids are monotonically
// increasing per connection and must not collide while outstanding.
type invocations struct {
	mtx    sync.Mutex
	nextID int
	data   map[string]*pending
}

func newInvocations() *invocations {
	return &invocations{
		nextID: 1,
		data:   make(map[string]*pending),
	}
}

func (r *invocations) create(kind pendingKind, target string) *pending {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	id := strconv.Itoa(r.nextID)
	r.nextID++

	p := &pending{
		id:       id,
		kind:     kind,
		target:   target,
		done:     make(chan completionResult, 1),
		canceled: make(chan struct{}),
		created:  time.Now(),
	}
	if kind == pendingStream {
		p.items = make(chan json.RawMessage, 16)
	}
	r.data[id] = p
	return p
}

func (r *invocations) get(id string) (*pending, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	p, ok := r.data[id]
	return p, ok
}

func (r *invocations) remove(id string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.data, id)
}

// complete retires an invocation id and delivers the result to its waiter.
// Reports whether the id was outstanding.
func (r *invocations) complete(m *CompletionMessage) (string, bool) {
	r.mtx.Lock()
	p, ok := r.data[m.InvocationID]
	if ok {
		delete(r.data, m.InvocationID)
	}
	r.mtx.Unlock()

	if !ok {
		return "", false
	}

	var err error
	if m.Error != "" {
		err = &InvocationError{Target: p.target, ID: p.id, Message: m.Error}
	}
	p.done <- completionResult{result: m.Result, err: err}
	return p.target, true
}

// failAll fails every outstanding invocation, typically with a
// ConnectionError when the connection drops.
func (r *invocations) failAll(err error) {
	r.mtx.Lock()
	pendings := make([]*pending, 0, len(r.data))
	for _, p := range r.data {
		pendings = append(pendings, p)
	}
	r.data = make(map[string]*pending)
	r.mtx.Unlock()

	for _, p := range pendings {
		p.cancel(nil)
		select {
		case p.done <- completionResult{err: err}:
		default:
		}
	}
}

// reset fails anything left over and restarts the id sequence for a new
// connection epoch.
func (r *invocations) reset(err error) {
	r.failAll(err)
	r.mtx.Lock()
	r.nextID = 1
	r.mtx.Unlock()
}
