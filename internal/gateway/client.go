// Package gateway owns the single WebSocket connection to the agent daemon:
// the connect handshake, the request/response correlator and the fan-out of
// server-pushed events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"roost/internal/domain"
	"roost/internal/endpoint"
	"roost/internal/identity"
	"roost/internal/infra/tracer"
	"roost/internal/protocol"
	"roost/internal/supervise"
)

// State is the connection lifecycle state. Any state may fall back to
// StateDisconnected on socket failure.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateChallengeWait
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateChallengeWait:
		return "challenge-wait"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config tunes one Client. Zero fields take the defaults below.
type Config struct {
	Role   string
	Scopes []string
	Mode   string // "local" or "remote"

	DisplayName     string
	Version         string
	Platform        string
	DeviceFamily    string
	ModelIdentifier string
	Locale          string
	UserAgent       string
	Caps            []string
	InstanceID      string

	// ClientIDs are the ordered handshake candidates; see ClientIDCandidates.
	ClientIDs []string

	ConnectTimeout time.Duration // whole handshake budget (default 6s)
	ChallengeWait  time.Duration // optional challenge window (default 750ms)
	RequestTimeout time.Duration // default per-request budget (default 15s)
	MaxFrameBytes  int64         // wire frame size cap (default 16 MiB)
}

func (cfg *Config) applyDefaults() {
	if cfg.Role == "" {
		cfg.Role = "operator"
	}
	if cfg.Mode == "" {
		cfg.Mode = "local"
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "Roost"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = strings.ToLower(ulid.Make().String())
	}
	if len(cfg.ClientIDs) == 0 {
		cfg.ClientIDs = []string{PrimaryClientID, LegacyClientID}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 6 * time.Second
	}
	if cfg.ChallengeWait <= 0 {
		cfg.ChallengeWait = 750 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 16 << 20
	}
}

// ProcessStarter brings up a local daemon for loopback endpoints before the
// dial. Satisfied by *supervise.Supervisor; nil disables supervision.
type ProcessStarter interface {
	Ensure(ctx context.Context, rawURL string) (supervise.Status, error)
}

// outcome is what a pending request resolves to: the matched response or a
// transport-level error, never both.
type outcome struct {
	resp protocol.Response
	err  error
}

// Client is the gateway protocol client. One Client owns one connection;
// the connection state, pending map and connect-waiter queue are a single
// mutex-guarded unit.
type Client struct {
	cfg      Config
	resolver *endpoint.Resolver
	ids      *identity.Store
	starter  ProcessStarter
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      int // connection generation; orphans stale pump goroutines
	pending  map[string]chan outcome
	waiters  []chan error
	lastSeq  int64
	hello    *protocol.ConnectHello
	tick     time.Duration
	handlers Handlers
}

// New constructs a Client. It performs no I/O; the first Connect or Request
// establishes the connection.
func New(cfg Config, resolver *endpoint.Resolver, ids *identity.Store, starter ProcessStarter, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		resolver: resolver,
		ids:      ids,
		starter:  starter,
		logger:   logger,
		pending:  make(map[string]chan outcome),
	}
}

// SetHandlers replaces the event handler set. Safe while connected.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the ConnectHello of the current connection, or nil when
// never connected.
func (c *Client) Hello() *protocol.ConnectHello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// TickInterval returns the server-announced policy tick, or zero.
func (c *Client) TickInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Connect establishes the connection, performing the full handshake. A
// second caller while an attempt is in flight awaits that attempt's outcome
// instead of opening a second socket.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateChallengeWait, StateHandshaking:
		ch := make(chan error, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting, nil)

	ctx, span := tracer.StartSpan(ctx, "gateway.connect")
	err := c.establish(ctx)
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	span.End()

	return c.finishConnect(err)
}

// finishConnect records the attempt's outcome and settles every queued
// waiter with it. A read failure landing between the handshake finishing
// and this write has already torn the connection down; that attempt is
// reported as failed, never as Connected with no connection behind it.
func (c *Client) finishConnect(err error) error {
	c.mu.Lock()
	if err == nil && c.conn == nil {
		err = fmt.Errorf("%w: connection closed while settling connect", domain.ErrDisconnected)
	}
	final := StateConnected
	if err != nil {
		final = StateDisconnected
	}
	c.state = final
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	// All queued waiters settle together with the attempt's outcome.
	for _, w := range waiters {
		w <- err
	}
	c.notifyState(final, err)
	return err
}

// Close tears the connection down, failing every pending request with a
// disconnected error and clearing internal maps.
func (c *Client) Close() error {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	c.conn = nil
	pend := c.pending
	c.pending = make(map[string]chan outcome)
	c.state = StateDisconnected
	c.mu.Unlock()

	for _, ch := range pend {
		ch <- outcome{err: domain.ErrDisconnected}
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.notifyState(StateDisconnected, nil)
	return nil
}

// Request issues one correlated RPC, lazily connecting first. timeout <= 0
// uses the configured default. Responses are matched strictly by id: calls
// may resolve out of order relative to each other.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	ctx, span := tracer.StartSpan(ctx, "gateway.request")
	span.SetAttributes(tracer.StringAttr("rpc.method", method))
	defer span.End()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%s: encode params: %w", method, err)
		}
		raw = b
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, domain.WrapOp(method, domain.ErrNotConnected)
	}
	conn := c.conn
	id := newRequestID()
	ch := make(chan outcome, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := protocol.EncodeFrame(protocol.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("%s: encode frame: %w", method, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		// A failed write resolves the call immediately, not at the timer.
		c.dropPending(id)
		sendErr := &domain.SendError{Err: err}
		tracer.RecordError(span, sendErr)
		return nil, domain.WrapOp(method, sendErr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			tracer.RecordError(span, out.err)
			return nil, domain.WrapOp(method, out.err)
		}
		if !out.resp.OK {
			reqErr := &domain.RequestError{Message: "request failed"}
			if out.resp.Err != nil {
				reqErr.Code = out.resp.Err.Code
				reqErr.Message = out.resp.Err.Message
			}
			tracer.RecordError(span, reqErr)
			return nil, domain.WrapOp(method, reqErr)
		}
		// ok with no payload is a valid empty result.
		tracer.SetOK(span)
		return out.resp.Payload, nil
	case <-timer.C:
		c.dropPending(id)
		toErr := &domain.TimeoutError{Budget: timeout}
		tracer.RecordError(span, toErr)
		return nil, domain.WrapOp(method, toErr)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, domain.WrapOp(method, ctx.Err())
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readPump reads and decodes frames for one connection. A frame that fails
// to decode is dropped; a read failure ends the pump.
func (c *Client) readPump(conn *websocket.Conn, frames chan<- protocol.Frame, readErr chan<- error) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			readErr <- err
			return
		}
		fr, err := protocol.DecodeFrame(data)
		if err != nil {
			// One malformed frame must not tear down a healthy session.
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		frames <- fr
	}
}

// dispatchLoop is the background receive loop, started only after a fully
// successful handshake. It re-arms after every frame; a receive failure
// terminates it and drains all pending work.
func (c *Client) dispatchLoop(gen int, frames <-chan protocol.Frame, readErr <-chan error) {
	for {
		select {
		case fr := <-frames:
			switch f := fr.(type) {
			case protocol.Response:
				c.resolvePending(f)
			case protocol.Event:
				c.dispatchEvent(f)
			case protocol.Request:
				c.logger.Warn("server sent a request frame, dropping", "method", f.Method)
			}
		case err := <-readErr:
			c.handleReadFailure(gen, err)
			return
		}
	}
}

func (c *Client) resolvePending(resp protocol.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Stale: the caller timed out or never existed.
		c.logger.Debug("dropping unmatched response", "id", resp.ID)
		return
	}
	ch <- outcome{resp: resp}
}

// handleReadFailure flips the connection to disconnected and fails every
// pending request, so no in-flight call hangs past the disconnect.
func (c *Client) handleReadFailure(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	pend := c.pending
	c.pending = make(map[string]chan outcome)
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	discErr := fmt.Errorf("%w: %v", domain.ErrDisconnected, cause)
	for _, ch := range pend {
		ch <- outcome{err: discErr}
	}
	c.logger.Warn("gateway connection lost", "error", cause, "failed_requests", len(pend))
	c.notifyState(StateDisconnected, discErr)
}

func (c *Client) transition(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notifyState(s, nil)
}

func (c *Client) notifyState(s State, err error) {
	c.mu.Lock()
	h := c.handlers.StateChange
	c.mu.Unlock()
	if h != nil {
		h(s, err)
	}
}

func newRequestID() string {
	return strings.ToLower(ulid.Make().String())
}
