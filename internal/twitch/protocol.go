// Package twitch implements the Twitch EventSub WebSocket protocol:
// connection lifecycle, message routing, session and subscription
// management, OAuth token lifecycle, and event normalization.
package twitch

import "encoding/json"

// MessageType is the discriminated union tag at metadata.message_type.
type MessageType string

const (
	MessageTypeWelcome      MessageType = "session_welcome"
	MessageTypeKeepalive    MessageType = "session_keepalive"
	MessageTypeReconnect    MessageType = "session_reconnect"
	MessageTypeNotification MessageType = "notification"
	MessageTypeRevocation   MessageType = "revocation"
)

// EventSubWebSocketURL is the Twitch EventSub WebSocket endpoint.
const EventSubWebSocketURL = "wss://eventsub.wss.twitch.tv/ws"

// Message is the envelope every EventSub WebSocket frame arrives in.
type Message struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Metadata carries the message type and (for notifications) the
// subscription type/version that produced it.
type Metadata struct {
	MessageID           string      `json:"message_id"`
	MessageType         MessageType `json:"message_type"`
	MessageTimestamp    string      `json:"message_timestamp"`
	SubscriptionType    string      `json:"subscription_type,omitempty"`
	SubscriptionVersion string      `json:"subscription_version,omitempty"`
}

// WelcomePayload is session_welcome's payload.
type WelcomePayload struct {
	Session Session `json:"session"`
}

// Session describes the EventSub session, present on welcome and
// reconnect payloads.
type Session struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	ConnectedAt             string `json:"connected_at"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url,omitempty"`
}

// ReconnectPayload is session_reconnect's payload.
type ReconnectPayload struct {
	Session Session `json:"session"`
}

// NotificationPayload is notification's payload: the subscription that
// fired plus the event body, shaped per subscription type.
type NotificationPayload struct {
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// RevocationPayload is revocation's payload.
type RevocationPayload struct {
	Subscription Subscription `json:"subscription"`
}

// Subscription describes one EventSub subscription as Twitch reports it.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Cost      int               `json:"cost"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt string            `json:"created_at"`
}

// Transport describes how a subscription is delivered. This core always
// requests "websocket" transport.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
	Callback  string `json:"callback,omitempty"`
	Secret    string `json:"secret,omitempty"`
}

// CreateSubscriptionRequest is the POST body for
// /helix/eventsub/subscriptions.
type CreateSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// CreateSubscriptionResponse is Helix's response body on success.
type CreateSubscriptionResponse struct {
	Data         []Subscription `json:"data"`
	Total        int            `json:"total"`
	TotalCost    int            `json:"total_cost"`
	MaxTotalCost int            `json:"max_total_cost"`
}

// subscriptionAPIVersion selects the Helix subscription version per
// spec.md §4.9: channel.follow and channel.update use "2", everything
// else uses "1".
func subscriptionAPIVersion(eventType string) string {
	switch eventType {
	case "channel.follow", "channel.update":
		return "2"
	default:
		return "1"
	}
}
