// Package wsclient is the generic WebSocket transport wrapper shared by the
// OBS and Twitch connection state machines. It owns the socket, the
// reconnect/backoff loop, the heartbeat watchdog, and a small circuit
// breaker; it knows nothing about OBS or Twitch framing. Protocol-specific
// behavior lives entirely in the Owner callbacks.
package wsclient

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bryanveloso/landale/internal/apperrors"
	"github.com/bryanveloso/landale/internal/logger"
)

// Owner receives transport lifecycle events. Implementations (OBS
// Connection, Twitch Connection) run their protocol FSM off of these
// calls; none of them may block for long, since they run on the
// transport's single read goroutine.
type Owner interface {
	OnConnecting()
	OnConnected()
	OnTextMessage(data []byte)
	OnDisconnected(reason error)
	OnError(err error)
}

// Options configures a Client. Zero values fall back to the defaults noted
// on each field.
type Options struct {
	// URL is the ws:// or wss:// endpoint to dial.
	URL string

	// DialHeaders are sent on the upgrade request, e.g. Twitch's
	// required client-id header.
	DialHeaders http.Header

	// HandshakeTimeout bounds the dial + upgrade. Default 10s.
	HandshakeTimeout time.Duration

	// BaseDelay is the first reconnect backoff delay. Default 1s.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff. Default 30s.
	MaxDelay time.Duration
	// Jitter is a fraction (0-1) of symmetric jitter applied to each
	// computed delay. Default 0.1 (±10%).
	Jitter float64

	// HeartbeatInterval is how often a ping is sent while connected.
	// Zero disables the heartbeat (e.g. Twitch drives its own keepalive
	// watchdog off server frames instead).
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long to wait for the matching pong before
	// forcing a reconnect. Default 10s.
	HeartbeatTimeout time.Duration

	// CircuitThreshold is the number of consecutive dial failures that
	// opens the circuit breaker. Default 5.
	CircuitThreshold int
	// CircuitCooldown is how long the breaker stays open. Default 5m.
	CircuitCooldown time.Duration

	// Upgrade400Retry enables the CloudFront retry path: a dial that
	// fails because the server answered the WebSocket upgrade with HTTP
	// 400 is retried immediately, up to MaxUpgradeRetries times, without
	// counting against the reconnect backoff or the circuit breaker.
	// Twitch's EventSub endpoint sits behind a CDN that occasionally
	// answers the upgrade with a spurious 400; OBS's local socket never
	// does, so this stays off by default.
	Upgrade400Retry bool
	// MaxUpgradeRetries caps the immediate 400 retries. Default 3 when
	// Upgrade400Retry is set.
	MaxUpgradeRetries int
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Jitter == 0 {
		o.Jitter = 0.1
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
	if o.CircuitThreshold == 0 {
		o.CircuitThreshold = 5
	}
	if o.CircuitCooldown == 0 {
		o.CircuitCooldown = 5 * time.Minute
	}
	if o.Upgrade400Retry && o.MaxUpgradeRetries == 0 {
		o.MaxUpgradeRetries = 3
	}
}

// State is the transport's own connection state, independent of whatever
// protocol-level FSM the Owner layers on top.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Stats is a point-in-time snapshot for diagnostics, matching the
// "queryable at any time" requirement for the out-of-scope dashboard.
type Stats struct {
	ClientID            string
	State               State
	ConsecutiveFailures int
	CircuitOpen         bool
	LastError           string
}

// Client is a reconnecting WebSocket transport. It is safe for concurrent
// use; Send may be called from any goroutine, but Owner callbacks are
// always invoked serially from the client's own read loop.
type Client struct {
	opts  Options
	owner Owner

	// id is a per-Client trace handle, logged alongside dial/disconnect
	// events so log lines from concurrent OBS/Twitch transports can be
	// told apart; it never appears on the wire.
	id string

	mu                  sync.Mutex
	conn                *websocket.Conn
	state               State
	consecutiveFailures int
	circuitOpenUntil    time.Time
	lastErr             error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	heartbeatStop chan struct{}
}

// New constructs a Client bound to owner. Call Open to start dialing.
func New(opts Options, owner Owner) *Client {
	opts.setDefaults()
	return &Client{
		opts:  opts,
		owner: owner,
		id:    uuid.NewString(),
	}
}

// ID returns this client's trace handle, for correlating log lines across
// the dial/reconnect loop with whatever owns this transport.
func (c *Client) ID() string {
	return c.id
}

// Open starts the connect-and-maintain loop in the background. It returns
// immediately; connection progress is reported via Owner callbacks.
func (c *Client) Open(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
}

// Close tears down the transport and stops all reconnect attempts.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
}

// Send writes a text frame. Returns apperrors.NotConnected if the socket is
// not currently open.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return apperrors.NotConnected()
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.WrapTransient("WRITE_FAILED", "failed to write frame", err)
	}
	return nil
}

// SwapURL closes the current socket (if any) without canceling the run
// loop, so the owner sees an ordinary OnDisconnected and the loop then
// redials url. Used by the Twitch connection manager to implement
// session_reconnect's hot transport swap.
func (c *Client) SwapURL(url string) {
	c.mu.Lock()
	c.opts.URL = url
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	// The read loop's own disconnect detection will see the closed
	// conn and redial immediately (run resets the backoff attempt count on
	// every successful dial), without this function itself publishing
	// anything.
}

// ForceReconnect closes the current socket, if any, without canceling the
// run loop or reporting a terminal shutdown: the reconnect loop redials
// the existing URL immediately, and backs off only if that dial fails.
// Used by owners that detect a
// stale connection themselves (e.g. a keepalive watchdog) and want a fresh
// socket without tearing down the whole transport.
func (c *Client) ForceReconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Stats returns a snapshot of the transport's current condition.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		ClientID:            c.id,
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		CircuitOpen:         time.Now().Before(c.circuitOpenUntil),
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.setState(StateDisconnected)

	attempt := 0
	upgradeRetries := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if open, remaining := c.circuitOpen(); open {
			logger.Transport().Warn().
				Str("client_id", c.id).
				Dur("cooldown_remaining", remaining).
				Msg("circuit breaker open, deferring dial")
			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining):
			}
			continue
		}

		c.setState(StateConnecting)
		c.owner.OnConnecting()

		conn, resp, err := c.dial(ctx)
		if err != nil {
			if c.opts.Upgrade400Retry && resp != nil && resp.StatusCode == http.StatusBadRequest && upgradeRetries < c.opts.MaxUpgradeRetries {
				upgradeRetries++
				logger.Transport().Warn().
					Str("client_id", c.id).
					Int("upgrade_retry", upgradeRetries).
					Msg("upgrade rejected with 400, retrying immediately")
				continue
			}
			upgradeRetries = 0
			c.recordFailure(err)
			c.owner.OnError(err)
			delay := c.backoffDelay(attempt)
			attempt++
			logger.Transport().Warn().
				Str("client_id", c.id).
				Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("dial failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		upgradeRetries = 0
		attempt = 0
		c.recordSuccess()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		c.owner.OnConnected()

		if c.opts.HeartbeatInterval > 0 {
			c.startHeartbeat(conn)
		}

		reason := c.readLoop(ctx, conn)
		c.stopHeartbeat()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
		c.owner.OnDisconnected(reason)

		if ctx.Err() != nil {
			return
		}
		// Loop around to reconnect unless the owner marked this
		// disconnect fatal by closing the context itself (protocol
		// FSMs do this by cancelling via their own supervisor).
	}
}

// dial attempts the upgrade and returns the HTTP response alongside any
// error: the caller needs the response's status code to detect the
// CloudFront 400 case, which gorilla/websocket otherwise only reports as
// an opaque error.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.opts.URL, c.opts.DialHeaders)
	if err != nil {
		return nil, resp, apperrors.WrapTransient("DIAL_FAILED", "websocket dial failed", err)
	}
	return conn, resp, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.owner.OnTextMessage(data)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (c *Client) startHeartbeat(conn *websocket.Conn) {
	c.mu.Lock()
	c.heartbeatStop = make(chan struct{})
	stop := c.heartbeatStop
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatInterval + c.opts.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatInterval + c.opts.HeartbeatTimeout))
	})

	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.HeartbeatTimeout))
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures++
	c.lastErr = err
	if c.consecutiveFailures >= c.opts.CircuitThreshold {
		c.circuitOpenUntil = time.Now().Add(c.opts.CircuitCooldown)
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
	c.circuitOpenUntil = time.Time{}
	c.lastErr = nil
}

func (c *Client) circuitOpen() (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.circuitOpenUntil.IsZero() {
		return false, 0
	}
	remaining := time.Until(c.circuitOpenUntil)
	if remaining <= 0 {
		c.circuitOpenUntil = time.Time{}
		return false, 0
	}
	return true, remaining
}

// backoffDelay computes D(n) = min(max, base*2^n) with symmetric jitter,
// matching the reconnect loop's exponential-with-jitter shape.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.opts.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > c.opts.MaxDelay {
			delay = c.opts.MaxDelay
			break
		}
	}
	if c.opts.Jitter > 0 {
		spread := float64(delay) * c.opts.Jitter
		delay += time.Duration(spread * (rand.Float64()*2 - 1))
		if delay < 0 {
			delay = c.opts.BaseDelay
		}
	}
	return delay
}
