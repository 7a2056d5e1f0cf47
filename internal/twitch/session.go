package twitch

import (
	"context"
	"sync"
	"time"

	"github.com/bryanveloso/landale/internal/apperrors"
	"github.com/bryanveloso/landale/internal/logger"
)

// defaultSubscriptionRetryDelays is the capped exponential backoff used
// while waiting on a prerequisite (most commonly the broadcaster user_id
// not having arrived from TokenManager yet): 500ms, 1s, 2s, 4s, then 5s
// for every later attempt, up to maxDefaultSubscriptionAttempts
// (spec.md §4.8).
var defaultSubscriptionRetryDelays = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	5 * time.Second,
}

// maxDefaultSubscriptionAttempts bounds ensureDefaultSubscriptions: if
// user_id never arrives and/or subscription creation never succeeds within
// this many attempts, the session surfaces subscription_creation_failed to
// its owner instead of retrying forever (spec.md §4.8).
const maxDefaultSubscriptionAttempts = 10

func retryDelay(attempt int) time.Duration {
	if attempt >= len(defaultSubscriptionRetryDelays) {
		return defaultSubscriptionRetryDelays[len(defaultSubscriptionRetryDelays)-1]
	}
	return defaultSubscriptionRetryDelays[attempt]
}

// UserIDProvider supplies the broadcaster's user id once it is known. It
// may race with session_welcome: the SessionManager retries on backoff
// until this returns ok.
type UserIDProvider interface {
	UserID() (id string, ok bool)
}

// SessionManager owns the "create default subscriptions for this session"
// lifecycle. It resets its created-flag on every new session_welcome (a
// reconnect always gets a new session id, and Twitch subscriptions are
// bound to the transport's session id, so they must be recreated) and
// retries subscription creation, since user_id may not yet be available,
// for up to maxAttempts attempts before reporting the failure through
// OnSubscriptionFailure (spec.md §4.8).
type SessionManager struct {
	conn     *Connection
	eventsub *EventSubManager
	userIDs  UserIDProvider

	mu                        sync.Mutex
	currentSessionID          string
	defaultSubscriptionsReady bool
	cancelRetry               context.CancelFunc

	maxAttempts           int
	onSubscriptionFailure func(err error)
}

// NewSessionManager wires a SessionManager to a Connection, an
// EventSubManager for actually creating subscriptions, and a UserIDProvider
// for resolving condition.broadcaster_user_id.
func NewSessionManager(conn *Connection, eventsub *EventSubManager, userIDs UserIDProvider) *SessionManager {
	sm := &SessionManager{conn: conn, eventsub: eventsub, userIDs: userIDs, maxAttempts: maxDefaultSubscriptionAttempts}
	conn.OnWelcome(sm.handleWelcome)
	return sm
}

// OnSubscriptionFailure registers a callback invoked, mirroring
// Connection.OnFatal's shape, when ensureDefaultSubscriptions exhausts its
// attempt budget. The session itself is left running (spec.md §4.8).
func (sm *SessionManager) OnSubscriptionFailure(fn func(err error)) {
	sm.onSubscriptionFailure = fn
}

func (sm *SessionManager) handleWelcome(sessionID string) {
	sm.mu.Lock()
	if sm.cancelRetry != nil {
		sm.cancelRetry()
	}
	sm.currentSessionID = sessionID
	sm.defaultSubscriptionsReady = false
	if sm.eventsub != nil {
		// Subscriptions tracked for the previous session are bound to it;
		// forget them so the defaults are created again on this one.
		sm.eventsub.mu.Lock()
		sm.eventsub.byKey = make(map[string]string)
		sm.eventsub.totalCost = 0
		sm.eventsub.mu.Unlock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancelRetry = cancel
	sm.mu.Unlock()

	go sm.ensureDefaultSubscriptions(ctx, sessionID)
}

func (sm *SessionManager) ensureDefaultSubscriptions(ctx context.Context, sessionID string) {
	var lastErr error
	for attempt := 0; attempt < sm.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		userID, ok := sm.userIDs.UserID()
		if !ok {
			lastErr = apperrors.Application("USER_ID_UNAVAILABLE", "broadcaster user id not yet available")
			logger.Twitch().Debug().
				Int("attempt", attempt).
				Msg("user id not yet available, deferring default subscriptions")
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay(attempt)):
			}
			continue
		}

		if err := sm.eventsub.CreateDefaultSubscriptions(ctx, sessionID, userID); err != nil {
			lastErr = err
			logger.Twitch().Warn().
				Err(err).
				Int("attempt", attempt).
				Msg("failed to create default subscriptions, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay(attempt)):
			}
			continue
		}

		sm.mu.Lock()
		sm.defaultSubscriptionsReady = true
		sm.mu.Unlock()
		logger.Twitch().Info().Str("session_id", sessionID).Msg("default subscriptions created")
		return
	}

	logger.Twitch().Error().
		Err(lastErr).
		Str("session_id", sessionID).
		Int("max_attempts", sm.maxAttempts).
		Msg("default subscription creation exhausted retries, surfacing to owner")
	if sm.onSubscriptionFailure != nil {
		sm.onSubscriptionFailure(apperrors.SubscriptionCreationFailed(lastErr))
	}
}

// DefaultSubscriptionsReady reports whether the current session's default
// subscriptions have been created.
func (sm *SessionManager) DefaultSubscriptionsReady() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.defaultSubscriptionsReady
}

// Close cancels any in-flight retry loop.
func (sm *SessionManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cancelRetry != nil {
		sm.cancelRetry()
	}
}
