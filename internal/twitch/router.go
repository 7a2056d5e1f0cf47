package twitch

import (
	"encoding/json"

	"github.com/bryanveloso/landale/internal/logger"
)

// Handler processes a notification's event payload. eventType is the
// subscription type that produced it (e.g. "channel.follow").
type Handler func(eventType string, event json.RawMessage)

// Router dispatches decoded EventSub messages by metadata.message_type
// (spec.md §4.7). It is deliberately dumb: welcome/reconnect drive session
// bookkeeping on the Connection itself, notifications fan out to
// registered Handlers, and anything else is logged and dropped.
type Router struct {
	handlers []Handler
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// OnNotification registers a handler invoked for every notification
// message. Handlers are called synchronously in registration order on the
// connection's read goroutine, so they must not block.
func (r *Router) OnNotification(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Dispatch routes one decoded message to the appropriate handling path.
func (r *Router) Dispatch(conn *Connection, msg Message) {
	switch msg.Metadata.MessageType {
	case MessageTypeWelcome:
		var welcome WelcomePayload
		if err := json.Unmarshal(msg.Payload, &welcome); err != nil {
			logger.Twitch().Warn().Err(err).Msg("malformed session_welcome payload")
			return
		}
		conn.handleWelcome(welcome)

	case MessageTypeKeepalive:
		// Connection.OnTextMessage already bumped lastMessage before
		// dispatch; nothing else to do.

	case MessageTypeReconnect:
		var reconnect ReconnectPayload
		if err := json.Unmarshal(msg.Payload, &reconnect); err != nil {
			logger.Twitch().Warn().Err(err).Msg("malformed session_reconnect payload")
			return
		}
		conn.handleReconnect(reconnect)

	case MessageTypeNotification:
		var notif NotificationPayload
		if err := json.Unmarshal(msg.Payload, &notif); err != nil {
			logger.Twitch().Warn().Err(err).Msg("malformed notification payload")
			return
		}
		for _, h := range r.handlers {
			h(notif.Subscription.Type, notif.Event)
		}

	case MessageTypeRevocation:
		var rev RevocationPayload
		if err := json.Unmarshal(msg.Payload, &rev); err != nil {
			logger.Twitch().Warn().Err(err).Msg("malformed revocation payload")
			return
		}
		logger.Twitch().Warn().
			Str("type", rev.Subscription.Type).
			Str("status", rev.Subscription.Status).
			Msg("subscription revoked")

	default:
		logger.Twitch().Warn().
			Str("message_type", string(msg.Metadata.MessageType)).
			Msg("unknown message type, dropping")
	}
}
