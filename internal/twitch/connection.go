package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bryanveloso/landale/internal/bus"
	"github.com/bryanveloso/landale/internal/logger"
	"github.com/bryanveloso/landale/internal/wsclient"
)

// State is the Twitch session's protocol-level FSM state: ready is only
// reached on session_welcome, distinct from the transport's own connected
// state (spec.md §4.6).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// DefaultKeepaliveTimeout is used until session_welcome reports its own
// keepalive_timeout_seconds.
const DefaultKeepaliveTimeout = 10 * time.Second

// keepaliveCheckInterval is how often the watchdog checks for a stale
// connection.
const keepaliveCheckInterval = 5 * time.Second

// Connection is one Twitch EventSub WebSocket session: transport +
// session/keepalive tracking + message dispatch to a Router.
type Connection struct {
	clientID    string
	accessToken string
	bus         *bus.Bus
	router      *Router

	transport *wsclient.Client

	mu               sync.Mutex
	state            State
	sessionID        string
	keepaliveTimeout time.Duration
	lastMessage      time.Time

	keepaliveStop chan struct{}

	onWelcome func(sessionID string)
}

// NewConnection constructs a Connection that dials the production
// EventSub WebSocket URL. Call Open to start dialing.
func NewConnection(clientID, accessToken string, router *Router, b *bus.Bus) *Connection {
	return NewConnectionWithURL(EventSubWebSocketURL, clientID, accessToken, router, b)
}

// NewConnectionWithURL constructs a Connection against an explicit URL,
// primarily so tests can point it at a local mock server.
func NewConnectionWithURL(url, clientID, accessToken string, router *Router, b *bus.Bus) *Connection {
	c := &Connection{
		clientID:         clientID,
		accessToken:      accessToken,
		bus:              b,
		router:           router,
		keepaliveTimeout: DefaultKeepaliveTimeout,
	}
	headers := http.Header{}
	headers.Set("client-id", clientID)
	c.transport = wsclient.New(wsclient.Options{
		URL:             url,
		DialHeaders:     headers,
		Upgrade400Retry: true,
	}, c)
	return c
}

// OnWelcome registers a callback invoked with the new session id every
// time session_welcome is received (initial connect and every reconnect).
func (c *Connection) OnWelcome(fn func(sessionID string)) { c.onWelcome = fn }

// Open starts the connect/maintain loop.
func (c *Connection) Open(ctx context.Context) {
	c.transport.Open(ctx)
}

// Close tears down the session.
func (c *Connection) Close() {
	c.stopKeepalive()
	c.transport.Close()
}

// State returns the current protocol-level state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the current EventSub session id, empty before the
// first session_welcome.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SwapURL hot-swaps the transport to a new URL while preserving session
// state, implementing session_reconnect (spec.md Open Question 1): no
// additional behavior beyond the transport swap is inferred.
func (c *Connection) SwapURL(url string) {
	c.transport.SwapURL(url)
}

// --- wsclient.Owner ---

func (c *Connection) OnConnecting() {
	c.setState(StateConnecting)
}

func (c *Connection) OnConnected() {
	c.setState(StateConnected)
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()
	c.startKeepalive()
}

func (c *Connection) OnTextMessage(data []byte) {
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Twitch().Warn().Err(err).Msg("malformed EventSub frame, dropping")
		return
	}

	if c.router != nil {
		c.router.Dispatch(c, msg)
	}
}

func (c *Connection) OnDisconnected(reason error) {
	c.stopKeepalive()
	c.setState(StateDisconnected)
	logger.Twitch().Warn().Err(reason).Msg("EventSub transport disconnected")
}

func (c *Connection) OnError(err error) {
	logger.Twitch().Warn().Err(err).Msg("EventSub transport error")
}

// --- session lifecycle, called by Router ---

// handleWelcome is invoked by Router on session_welcome.
func (c *Connection) handleWelcome(welcome WelcomePayload) {
	c.mu.Lock()
	c.sessionID = welcome.Session.ID
	if welcome.Session.KeepaliveTimeoutSeconds > 0 {
		c.keepaliveTimeout = time.Duration(welcome.Session.KeepaliveTimeoutSeconds) * time.Second
	}
	c.state = StateReady
	c.mu.Unlock()

	logger.Twitch().Info().
		Str("session_id", welcome.Session.ID).
		Dur("keepalive_timeout", c.keepaliveTimeout).
		Msg("EventSub session ready")

	if c.bus != nil {
		c.bus.Publish(bus.Message{Topic: "dashboard", Payload: "twitch_session_ready"})
	}
	if c.onWelcome != nil {
		c.onWelcome(welcome.Session.ID)
	}
}

// handleReconnect is invoked by Router on session_reconnect.
func (c *Connection) handleReconnect(reconnect ReconnectPayload) {
	logger.Twitch().Info().
		Str("reconnect_url", reconnect.Session.ReconnectURL).
		Msg("EventSub requested reconnect, swapping transport")
	c.SwapURL(reconnect.Session.ReconnectURL)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) startKeepalive() {
	c.mu.Lock()
	c.keepaliveStop = make(chan struct{})
	stop := c.keepaliveStop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(keepaliveCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				timeout := c.keepaliveTimeout
				last := c.lastMessage
				c.mu.Unlock()

				if timeout > 0 && time.Since(last) > timeout {
					logger.Twitch().Warn().Msg("keepalive timeout, forcing reconnect")
					c.transport.ForceReconnect()
					return
				}
			}
		}
	}()
}

func (c *Connection) stopKeepalive() {
	c.mu.Lock()
	stop := c.keepaliveStop
	c.keepaliveStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
