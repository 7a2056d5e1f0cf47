package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bryanveloso/landale/internal/apperrors"
	"github.com/bryanveloso/landale/internal/logger"
)

const helixSubscriptionsURL = "https://api.twitch.tv/helix/eventsub/subscriptions"

// helixRateLimit approximates Twitch's published Helix rate budget for
// apps without elevated access (800 points/minute), spread evenly rather
// than let a default subscription burst exhaust the bucket in one pass.
const helixRateLimit = rate.Limit(800.0 / 60.0)
const helixRateBurst = 20

// criticalEventTypes get extra retry attempts beyond the default single
// attempt, since losing them would silently break a user-visible feature
// (spec.md §4.9).
var criticalEventTypes = map[string]bool{
	"stream.online":   true,
	"stream.offline":  true,
	"channel.follow":  true,
	"channel.update":  true,
}

const criticalRetryAttempts = 3

// RequiredScopes lists the OAuth scopes each subscription type needs, for
// TokenManager's scope check.
var RequiredScopes = map[string][]string{
	"channel.follow":            {"moderator:read:followers"},
	"channel.update":            {},
	"channel.chat.message":      {"user:read:chat"},
	"channel.chat.notification": {"user:read:chat"},
	"channel.subscribe":         {"channel:read:subscriptions"},
	"channel.cheer":             {"bits:read"},
	"channel.raid":              {},
	"channel.shoutout.create":   {"moderator:read:shoutouts"},
	"channel.shoutout.receive":  {"moderator:read:shoutouts"},
	"user.update":               {},
}

// DefaultSubscriptionTypes is the subscription set created automatically
// for every session (spec.md §4.9).
var DefaultSubscriptionTypes = []string{
	"channel.follow",
	"channel.update",
	"channel.chat.message",
	"channel.subscribe",
	"channel.cheer",
	"channel.raid",
	"channel.shoutout.create",
	"channel.shoutout.receive",
	"user.update",
	"stream.online",
	"stream.offline",
}

// conditionFor builds the condition template for a default subscription's
// event type, per spec.md §4.9's per-event-type condition shapes.
func conditionFor(eventType, broadcasterUserID, moderatorUserID string) map[string]string {
	switch {
	case eventType == "channel.follow" || strings.HasPrefix(eventType, "channel.shoutout."):
		return map[string]string{
			"broadcaster_user_id": broadcasterUserID,
			"moderator_user_id":   moderatorUserID,
		}
	case strings.HasPrefix(eventType, "channel.chat."):
		return map[string]string{
			"broadcaster_user_id": broadcasterUserID,
			"user_id":             moderatorUserID,
		}
	case eventType == "user.update":
		return map[string]string{"user_id": moderatorUserID}
	case eventType == "channel.raid":
		return map[string]string{"to_broadcaster_user_id": broadcasterUserID}
	default:
		return map[string]string{"broadcaster_user_id": broadcasterUserID}
	}
}

// canonicalConditionKey produces a stable dedup key for a subscription:
// type + ":" + the condition map rendered as sorted key=value pairs, so
// two requests for the same (type, condition) never both succeed
// (spec.md §4.9).
func canonicalConditionKey(eventType string, condition map[string]string) string {
	keys := make([]string, 0, len(condition))
	for k := range condition {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(eventType)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(condition[k])
	}
	return b.String()
}

// ScopeChecker reports the OAuth scopes currently granted, so
// CreateSubscription can fail fast on missing scopes rather than round
// tripping to Helix.
type ScopeChecker interface {
	HasScopes(required []string) (missing []string)
}

// EventSubManager creates and deletes Twitch EventSub subscriptions over
// HTTPS, tracking cost and preventing duplicates for the lifetime of one
// EventSub session (spec.md §4.9).
type EventSubManager struct {
	clientID     string
	tokenSource  func() string
	scopes       ScopeChecker
	httpClient   *http.Client
	maxTotalCost int
	limiter      *rate.Limiter

	mu        sync.Mutex
	byKey     map[string]string // canonical key -> subscription id
	totalCost int
}

// NewEventSubManager constructs a manager. tokenSource returns the current
// bearer access token on each call (so token refresh is transparent).
func NewEventSubManager(clientID string, tokenSource func() string, scopes ScopeChecker, maxTotalCost int) *EventSubManager {
	return &EventSubManager{
		clientID:     clientID,
		tokenSource:  tokenSource,
		scopes:       scopes,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		maxTotalCost: maxTotalCost,
		limiter:      rate.NewLimiter(helixRateLimit, helixRateBurst),
		byKey:        make(map[string]string),
	}
}

// CreateDefaultSubscriptions creates the full default subscription set for
// a session, using broadcasterUserID as both the broadcaster and
// moderator/user condition value (this core always operates as the
// broadcaster's own authenticated session).
func (m *EventSubManager) CreateDefaultSubscriptions(ctx context.Context, sessionID, broadcasterUserID string) error {
	for _, eventType := range DefaultSubscriptionTypes {
		condition := conditionFor(eventType, broadcasterUserID, broadcasterUserID)
		if err := m.CreateSubscription(ctx, eventType, condition, sessionID); err != nil {
			if isAppErrorCode(err, apperrors.CodeDuplicateSubscription) {
				continue
			}
			return fmt.Errorf("creating %s: %w", eventType, err)
		}
	}
	return nil
}

// CreateSubscription validates scopes, checks for an existing duplicate,
// and POSTs to Helix; the cost budget is checked on the 202 response, and
// a subscription over budget is deleted again. 202 is success; 429 and 5xx
// are retried only for critical event types (up to criticalRetryAttempts
// attempts), other types get a single attempt; any other 4xx is final.
func (m *EventSubManager) CreateSubscription(ctx context.Context, eventType string, condition map[string]string, sessionID string) error {
	if required, ok := RequiredScopes[eventType]; ok {
		if missing := m.scopes.HasScopes(required); len(missing) > 0 {
			return apperrors.MissingScopes(missing)
		}
	}

	key := canonicalConditionKey(eventType, condition)

	m.mu.Lock()
	if _, exists := m.byKey[key]; exists {
		m.mu.Unlock()
		return apperrors.DuplicateSubscription()
	}
	m.mu.Unlock()

	req := CreateSubscriptionRequest{
		Type:      eventType,
		Version:   subscriptionAPIVersion(eventType),
		Condition: condition,
		Transport: Transport{Method: "websocket", SessionID: sessionID},
	}

	attempts := 1
	if criticalEventTypes[eventType] {
		attempts = criticalRetryAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1000*(1<<uint(attempt))) * time.Millisecond
			if wait > 5*time.Second {
				wait = 5 * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, retryable, err := m.postSubscription(ctx, req)
		if err == nil {
			m.mu.Lock()
			m.totalCost += cheapestCost(resp)
			m.byKey[key] = subscriptionID(resp)
			m.mu.Unlock()
			logger.Twitch().Info().
				Str("type", eventType).
				Str("key", key).
				Msg("eventsub subscription created")
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		logger.Twitch().Warn().Err(err).Str("type", eventType).Int("attempt", attempt).Msg("subscription creation failed, retrying")
	}
	return lastErr
}

// postSubscription performs the actual HTTPS call, classifying the result
// as success, retryable failure, or final failure.
func (m *EventSubManager) postSubscription(ctx context.Context, body CreateSubscriptionRequest) (*CreateSubscriptionResponse, bool, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, false, apperrors.WrapTransient("RATE_LIMIT_WAIT_FAILED", "rate limiter wait failed", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, false, apperrors.WrapApplication("ENCODE_FAILED", "failed to encode subscription request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, helixSubscriptionsURL, bytes.NewReader(payload))
	if err != nil {
		return nil, false, apperrors.WrapTransient("REQUEST_BUILD_FAILED", "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Client-Id", m.clientID)
	httpReq.Header.Set("Authorization", "Bearer "+m.tokenSource())

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, apperrors.WrapTransient("HTTP_FAILED", "subscription request failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		var parsed CreateSubscriptionResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, false, apperrors.WrapApplication("DECODE_FAILED", "failed to decode subscription response", err)
		}
		// Twitch only reports a subscription's actual cost in this 202
		// response, so the budget can't be checked before the POST. If it
		// would put the session over budget, the subscription already
		// exists on Twitch's side: delete it immediately rather than leave
		// it orphaned (created remotely, untracked locally), which would
		// also make a retry of the same (type, condition) look like a
		// fresh, non-duplicate request and double-create (spec.md §4.9).
		if m.wouldExceedBudget(cheapestCost(&parsed)) {
			id := subscriptionID(&parsed)
			if delErr := m.deleteRemote(ctx, id); delErr != nil {
				logger.Twitch().Error().Err(delErr).Str("subscription_id", id).
					Msg("failed to roll back subscription created over cost budget")
			}
			return nil, false, apperrors.CostExceeded()
		}
		return &parsed, false, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, apperrors.Transient("SUBSCRIBE_RETRYABLE", fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)))

	default:
		return nil, false, apperrors.Application("SUBSCRIBE_FAILED", fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)))
	}
}

// DeleteSubscription deletes a subscription by id and removes it from the
// tracked set. 204 is success.
func (m *EventSubManager) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	if err := m.deleteRemote(ctx, subscriptionID); err != nil {
		return err
	}

	m.mu.Lock()
	for key, id := range m.byKey {
		if id == subscriptionID {
			delete(m.byKey, key)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// deleteRemote performs just the Helix DELETE call, without touching byKey
// or totalCost: used both by DeleteSubscription and to roll back a
// subscription that Helix created but this manager is refusing to track
// (e.g. CostExceeded).
func (m *EventSubManager) deleteRemote(ctx context.Context, subscriptionID string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return apperrors.WrapTransient("RATE_LIMIT_WAIT_FAILED", "rate limiter wait failed", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, helixSubscriptionsURL+"?id="+subscriptionID, nil)
	if err != nil {
		return apperrors.WrapTransient("REQUEST_BUILD_FAILED", "failed to build delete request", err)
	}
	httpReq.Header.Set("Client-Id", m.clientID)
	httpReq.Header.Set("Authorization", "Bearer "+m.tokenSource())

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.WrapTransient("HTTP_FAILED", "delete request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return apperrors.Application("DELETE_FAILED", fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)))
	}
	return nil
}

// wouldExceedBudget reports whether adding a subscription of the given cost
// would put the session over maxTotalCost (0 means unbounded).
func (m *EventSubManager) wouldExceedBudget(cost int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTotalCost > 0 && m.totalCost+cost > m.maxTotalCost
}

// TotalCost returns the currently tracked total subscription cost.
func (m *EventSubManager) TotalCost() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCost
}

func cheapestCost(resp *CreateSubscriptionResponse) int {
	if resp == nil || len(resp.Data) == 0 {
		return 0
	}
	return resp.Data[0].Cost
}

func subscriptionID(resp *CreateSubscriptionResponse) string {
	if resp == nil || len(resp.Data) == 0 {
		return ""
	}
	return resp.Data[0].ID
}

func isAppErrorCode(err error, code string) bool {
	appErr, ok := err.(*apperrors.Error)
	return ok && appErr.Code == code
}
