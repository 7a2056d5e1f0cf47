package obs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/bryanveloso/landale/internal/apperrors"
	"github.com/bryanveloso/landale/internal/bus"
	"github.com/bryanveloso/landale/internal/logger"
	"github.com/bryanveloso/landale/internal/wsclient"
)

// State is the OBS session's protocol-level FSM state, distinct from the
// transport's own connect/disconnect state (spec.md §4.2).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// AuthTimeout bounds how long a session waits in StateAuthenticating for
// Identified before giving up (spec.md §4.2).
const AuthTimeout = 10 * time.Second

// fatalCloseCodes end a session permanently instead of reconnecting:
// 4002 unsupported rpc version, 4003 session not identified in time,
// 4008 already identified.
var fatalCloseCodes = map[int]bool{4002: true, 4003: true, 4008: true}

// Connection is one OBS WebSocket v5 session: transport + handshake +
// request tracking + event dispatch. A Session (session.go) wraps one
// Connection together with the domain state caches.
type Connection struct {
	id       string
	password string

	transport *wsclient.Client
	tracker   *RequestTracker
	bus       *bus.Bus

	mu    sync.Mutex
	state State
	queue []*queuedRequest

	authTimer *time.Timer

	onReady    func()
	onEvent    func(eventType string, data json.RawMessage)
	onFatal    func(err error)
}

// queuedRequest is a SendRequest call submitted while the session is not
// StateReady. It carries its own result channel rather than reusing the
// tracker's, since it is not registered with the tracker (and so doesn't
// start its 30s timer) until it is actually flushed (spec.md §4.2).
type queuedRequest struct {
	requestType string
	requestData interface{}
	result      chan requestOutcome
}

// NewConnection constructs a Connection that dials url, authenticating
// with password if OBS requires it (empty string means no auth).
func NewConnection(id, url, password string, b *bus.Bus) *Connection {
	c := &Connection{
		id:       id,
		password: password,
		tracker:  NewRequestTracker(),
		bus:      b,
	}
	c.transport = wsclient.New(wsclient.Options{URL: url}, c)
	return c
}

// OnReady registers a callback invoked once the session reaches StateReady.
func (c *Connection) OnReady(fn func())                                     { c.onReady = fn }
func (c *Connection) OnEvent(fn func(eventType string, data json.RawMessage)) { c.onEvent = fn }
func (c *Connection) OnFatal(fn func(err error))                              { c.onFatal = fn }

// Open starts the connect/authenticate/maintain loop.
func (c *Connection) Open(ctx context.Context) {
	c.transport.Open(ctx)
}

// Close tears down the session. Any requests still queued or in flight are
// failed with RequestExpired.
func (c *Connection) Close() {
	c.transport.Close()
	c.tracker.ExpireAll()
	c.expireQueue()
}

// State returns the current protocol-level state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendRequest sends an OBS request and returns its eventual response. If the
// session is not StateReady, the request is queued and sent FIFO once
// handleIdentified flushes the queue (spec.md §4.2); if the session
// disconnects before a queued or in-flight request is answered, the
// returned error is apperrors.RequestExpired.
func (c *Connection) SendRequest(ctx context.Context, requestType string, requestData interface{}) (*RequestResponseData, error) {
	c.mu.Lock()
	var q *queuedRequest
	if c.state != StateReady {
		q = &queuedRequest{requestType: requestType, requestData: requestData, result: make(chan requestOutcome, 1)}
		c.queue = append(c.queue, q)
	}
	c.mu.Unlock()

	if q != nil {
		select {
		case outcome := <-q.result:
			return outcome.response, outcome.err
		case <-ctx.Done():
			c.removeQueued(q)
			return nil, ctx.Err()
		}
	}

	_, wait, err := c.send(requestType, requestData)
	if err != nil {
		return nil, err
	}

	select {
	case outcome := <-wait:
		return outcome.response, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send tracks and transmits a request immediately, without queueing. Any
// failure to encode or transmit fails the tracker entry right away via
// RequestTracker.Fail rather than leaving it to expire after the full
// request timeout.
func (c *Connection) send(requestType string, requestData interface{}) (string, <-chan requestOutcome, error) {
	id, wait := c.tracker.Track(requestType)

	frame := RequestData{RequestType: requestType, RequestID: id, RequestData: requestData}
	payload, err := json.Marshal(frame)
	if err != nil {
		wrapped := apperrors.WrapApplication("ENCODE_FAILED", "failed to encode request", err)
		c.tracker.Fail(id, wrapped)
		return id, nil, wrapped
	}
	body, err := json.Marshal(Frame{Op: OpRequest, D: payload})
	if err != nil {
		wrapped := apperrors.WrapApplication("ENCODE_FAILED", "failed to encode frame", err)
		c.tracker.Fail(id, wrapped)
		return id, nil, wrapped
	}

	if err := c.transport.Send(body); err != nil {
		c.tracker.Fail(id, err)
		return id, nil, err
	}

	return id, wait, nil
}

// sendQueued flushes one queued request once the session reaches
// StateReady, forwarding its eventual outcome to the queued caller's own
// result channel.
func (c *Connection) sendQueued(q *queuedRequest) {
	_, wait, err := c.send(q.requestType, q.requestData)
	if err != nil {
		q.result <- requestOutcome{err: err}
		return
	}
	go func() {
		q.result <- <-wait
	}()
}

// removeQueued drops a queued request that its caller gave up on (ctx
// cancellation) before it was flushed.
func (c *Connection) removeQueued(q *queuedRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, item := range c.queue {
		if item == q {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// expireQueue fails every still-queued request with RequestExpired, used on
// disconnect: anything never flushed did not reach OBS (spec.md §4.2).
func (c *Connection) expireQueue() {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, q := range queue {
		q.result <- requestOutcome{err: apperrors.RequestExpired()}
	}
}

// --- wsclient.Owner ---

func (c *Connection) OnConnecting() {
	c.setState(StateConnecting)
}

func (c *Connection) OnConnected() {
	c.setState(StateAuthenticating)
	c.authTimer = time.AfterFunc(AuthTimeout, func() {
		logger.OBS().Error().Str("session", c.id).Msg("auth timeout, no Identified received")
		c.transport.Close()
	})
}

func (c *Connection) OnTextMessage(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.OBS().Warn().Str("session", c.id).Err(err).Msg("malformed frame, dropping")
		return
	}

	switch frame.Op {
	case OpHello:
		c.handleHello(frame.D)
	case OpIdentified:
		c.handleIdentified()
	case OpEvent:
		c.handleEvent(frame.D)
	case OpRequestResponse:
		c.handleRequestResponse(frame.D)
	case OpRequestBatchResponse:
		c.handleRequestBatchResponse(frame.D)
	default:
		logger.OBS().Warn().Str("session", c.id).Int("op", int(frame.Op)).Msg("unhandled opcode")
	}
}

func (c *Connection) OnDisconnected(reason error) {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.setState(StateDisconnected)
	c.tracker.ExpireAll()
	c.expireQueue()

	if closeErr, ok := reason.(*gorillaws.CloseError); ok && fatalCloseCodes[closeErr.Code] {
		logger.OBS().Error().Str("session", c.id).Int("close_code", closeErr.Code).Msg("fatal close code, not reconnecting")
		if c.onFatal != nil {
			c.onFatal(apperrors.Fatal("OBS_FATAL_CLOSE", "fatal close code received"))
		}
		c.transport.Close()
	}
}

func (c *Connection) OnError(err error) {
	logger.OBS().Warn().Str("session", c.id).Err(err).Msg("transport error")
}

func (c *Connection) handleHello(d json.RawMessage) {
	var hello HelloData
	if err := json.Unmarshal(d, &hello); err != nil {
		logger.OBS().Warn().Str("session", c.id).Err(err).Msg("malformed Hello")
		return
	}

	identify := IdentifyData{
		RPCVersion:         1,
		EventSubscriptions: ALLNonvolatile,
	}

	if hello.Authentication != nil {
		if c.password == "" {
			if c.onFatal != nil {
				c.onFatal(apperrors.Auth(apperrors.CodeAuthRequiredNoPass, "OBS requires a password but none was configured"))
			}
			c.transport.Close()
			return
		}
		identify.Authentication = AuthDigest(c.password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}

	payload, _ := json.Marshal(identify)
	body, _ := json.Marshal(Frame{Op: OpIdentify, D: payload})
	if err := c.transport.Send(body); err != nil {
		logger.OBS().Warn().Str("session", c.id).Err(err).Msg("failed to send Identify")
	}
}

func (c *Connection) handleIdentified() {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}

	c.mu.Lock()
	c.state = StateReady
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	logger.OBS().Info().Str("session", c.id).Int("queued", len(queue)).Msg("session identified and ready")
	if c.onReady != nil {
		c.onReady()
	}
	if c.bus != nil {
		c.bus.Publish(bus.Message{Topic: "obs:" + c.id + ":events", Payload: "ready"})
	}

	for _, q := range queue {
		c.sendQueued(q)
	}
}

func (c *Connection) handleEvent(d json.RawMessage) {
	var event EventData
	if err := json.Unmarshal(d, &event); err != nil {
		logger.OBS().Warn().Str("session", c.id).Err(err).Msg("malformed event")
		return
	}
	if c.onEvent != nil {
		c.onEvent(event.EventType, event.EventData)
	}
	if c.bus != nil {
		c.bus.Publish(bus.Message{Topic: "obs:events", Payload: event})
		c.bus.Publish(bus.Message{Topic: "obs:" + c.id + ":events", Payload: event})
		c.bus.Publish(bus.Message{Topic: "obs:" + c.id + ":" + event.EventType, Payload: event})
	}
}

func (c *Connection) handleRequestResponse(d json.RawMessage) {
	var resp RequestResponseData
	if err := json.Unmarshal(d, &resp); err != nil {
		logger.OBS().Warn().Str("session", c.id).Err(err).Msg("malformed request response")
		return
	}
	c.tracker.Resolve(&resp)
}

func (c *Connection) handleRequestBatchResponse(d json.RawMessage) {
	var batch RequestBatchResponseData
	if err := json.Unmarshal(d, &batch); err != nil {
		logger.OBS().Warn().Str("session", c.id).Err(err).Msg("malformed batch response")
		return
	}
	for i := range batch.Results {
		c.tracker.Resolve(&batch.Results[i])
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
