package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/bryanveloso/landale/internal/apperrors"
	"github.com/bryanveloso/landale/internal/logger"
)

const (
	validateURL = "https://id.twitch.tv/oauth2/validate"
	tokenURL    = "https://id.twitch.tv/oauth2/token"

	// ValidationInterval is how often the token is revalidated against
	// Twitch (spec.md §4.10).
	ValidationInterval = 15 * time.Minute

	// coalesceLockTTL bounds how long a distributed validate/refresh lock
	// can be held before it is considered abandoned.
	coalesceLockTTL = 30 * time.Second

	// refreshLeadTime is how far ahead of expiry the proactive refresh
	// timer fires (spec.md §4.10).
	refreshLeadTime = 5 * time.Minute

	// refreshRetryDelay is how long a failed proactive refresh waits
	// before retrying, distinct from the 15-minute reactive validate
	// cadence (spec.md §4.10).
	refreshRetryDelay = 60 * time.Second
)

// validateResponse is Twitch's /oauth2/validate response body.
type validateResponse struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// RedisCache is the narrow slice of go-redis/v9 that the token
// coalescer needs, so tests can fake it without a live Redis.
type RedisCache interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// goRedisCache adapts a *redis.Client to RedisCache.
type goRedisCache struct{ client *redis.Client }

func (c *goRedisCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *goRedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// NewGoRedisCache wraps a go-redis client as a RedisCache.
func NewGoRedisCache(client *redis.Client) RedisCache {
	return &goRedisCache{client: client}
}

// TokenManager owns the Twitch OAuth token's validate/refresh lifecycle:
// periodic validation every 15 minutes, proactive refresh ahead of
// expiry, scope enforcement, and an in-memory single-flight guard (backed
// optionally by a Redis SetNX lock across processes) so at most one
// validation and one refresh are ever outstanding at a time (spec.md
// §4.10).
type TokenManager struct {
	clientID     string
	clientSecret string
	store        *FileTokenStore
	redisCache   RedisCache
	httpClient   *http.Client

	mu    sync.RWMutex
	token *Token

	validating sync.Mutex
	refreshing sync.Mutex

	cronSched    *cron.Cron
	schedCtx     context.Context
	timerMu      sync.Mutex
	refreshTimer *time.Timer
}

// NewTokenManager constructs a TokenManager. redisCache may be nil, in
// which case coalescing falls back to the in-process mutex only.
func NewTokenManager(clientID, clientSecret string, store *FileTokenStore, redisCache RedisCache) *TokenManager {
	return &TokenManager{
		clientID:     clientID,
		clientSecret: clientSecret,
		store:        store,
		redisCache:   redisCache,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Load reads the persisted token from the store into memory.
func (tm *TokenManager) Load() error {
	tok, err := tm.store.Load()
	if err != nil {
		return err
	}
	tm.mu.Lock()
	tm.token = tok
	tm.mu.Unlock()
	tm.scheduleProactiveRefresh()
	return nil
}

// UserID implements UserIDProvider for SessionManager.
func (tm *TokenManager) UserID() (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.token == nil || tm.token.UserID == "" {
		return "", false
	}
	return tm.token.UserID, true
}

// HasScopes implements ScopeChecker for EventSubManager.
func (tm *TokenManager) HasScopes(required []string) []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.token == nil {
		return required
	}
	return tm.token.HasScopes(required)
}

// AccessToken returns the current bearer token string, for
// EventSubManager's tokenSource.
func (tm *TokenManager) AccessToken() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.token == nil {
		return ""
	}
	return tm.token.AccessToken
}

// StartScheduler begins the periodic 15-minute validation tick and arms the
// proactive refresh timer ahead of the current token's expiry.
func (tm *TokenManager) StartScheduler(ctx context.Context) error {
	tm.schedCtx = ctx
	tm.cronSched = cron.New()
	_, err := tm.cronSched.AddFunc("@every 15m", func() {
		if err := tm.Validate(ctx); err != nil {
			logger.Twitch().Error().Err(err).Msg("scheduled token validation failed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling validation: %w", err)
	}
	tm.cronSched.Start()
	tm.scheduleProactiveRefresh()
	return nil
}

// StopScheduler stops the periodic validation tick and the proactive
// refresh timer.
func (tm *TokenManager) StopScheduler() {
	if tm.cronSched != nil {
		tm.cronSched.Stop()
	}
	tm.timerMu.Lock()
	if tm.refreshTimer != nil {
		tm.refreshTimer.Stop()
	}
	tm.timerMu.Unlock()
}

// scheduleProactiveRefresh (re)arms a one-shot timer to refresh the token
// refreshLeadTime before it expires, replacing any timer already armed
// (spec.md §4.10). A no-op until a token with a known expiry is loaded.
func (tm *TokenManager) scheduleProactiveRefresh() {
	tm.mu.RLock()
	var expiry time.Time
	if tm.token != nil {
		expiry = tm.token.Expiry
	}
	tm.mu.RUnlock()
	if expiry.IsZero() {
		return
	}

	delay := time.Until(expiry.Add(-refreshLeadTime))
	if delay < 0 {
		delay = 0
	}
	tm.armRefreshTimer(delay)
}

// scheduleRefreshRetry arms the timer to retry a failed refresh in 60s
// (spec.md §4.10), overriding whatever proactive-refresh timer was armed.
func (tm *TokenManager) scheduleRefreshRetry() {
	tm.armRefreshTimer(refreshRetryDelay)
}

func (tm *TokenManager) armRefreshTimer(delay time.Duration) {
	tm.timerMu.Lock()
	if tm.refreshTimer != nil {
		tm.refreshTimer.Stop()
	}
	tm.refreshTimer = time.AfterFunc(delay, tm.runScheduledRefresh)
	tm.timerMu.Unlock()
}

func (tm *TokenManager) runScheduledRefresh() {
	ctx := tm.schedCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := tm.Refresh(ctx); err != nil {
		logger.Twitch().Error().Err(err).Msg("scheduled token refresh failed")
	}
}

// Validate calls Twitch's /oauth2/validate, updating scopes/user_id and
// triggering a refresh if the token needs one. At most one validation is
// ever outstanding: concurrent callers coalesce onto the first.
func (tm *TokenManager) Validate(ctx context.Context) error {
	if !tm.tryLock(ctx, "validate") {
		return nil
	}
	defer tm.unlock(ctx, "validate")

	tm.mu.RLock()
	accessToken := ""
	if tm.token != nil {
		accessToken = tm.token.AccessToken
	}
	tm.mu.RUnlock()

	if accessToken == "" {
		return apperrors.Auth(apperrors.CodeValidationFailed, "no access token to validate")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return apperrors.WrapTransient("REQUEST_BUILD_FAILED", "failed to build validate request", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return apperrors.WrapTransient("VALIDATE_HTTP_FAILED", "validate request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return apperrors.Auth(apperrors.CodeValidationFailed, fmt.Sprintf("validate returned status %d: %s", resp.StatusCode, string(body)))
	}

	var parsed validateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apperrors.WrapApplication("DECODE_FAILED", "failed to decode validate response", err)
	}

	tm.mu.Lock()
	if tm.token != nil {
		tm.token.UserID = parsed.UserID
		tm.token.Scopes = parsed.Scopes
		tm.token.Expiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	needsRefresh := tm.token != nil && tm.token.NeedsRefresh()
	tm.mu.Unlock()

	if missing := tm.HasScopes([]string{"user:read:chat"}); len(missing) > 0 {
		logger.Twitch().Error().Strs("missing_scopes", missing).Msg("token is missing required chat scope")
	}

	if err := tm.persist(); err != nil {
		logger.Twitch().Warn().Err(err).Msg("failed to persist validated token")
	}

	if needsRefresh {
		return tm.Refresh(ctx)
	}
	tm.scheduleProactiveRefresh()
	return nil
}

// Refresh exchanges the current refresh_token for a new access token. At
// most one refresh is ever outstanding. On error, a retry is scheduled in
// refreshRetryDelay regardless of who called Refresh, separate from the
// 15-minute reactive validate cadence (spec.md §4.10).
func (tm *TokenManager) Refresh(ctx context.Context) (err error) {
	if !tm.tryLock(ctx, "refresh") {
		return nil
	}
	defer tm.unlock(ctx, "refresh")
	defer func() {
		if err != nil {
			tm.scheduleRefreshRetry()
		}
	}()

	tm.mu.RLock()
	refreshToken := ""
	if tm.token != nil {
		refreshToken = tm.token.RefreshToken
	}
	tm.mu.RUnlock()

	if refreshToken == "" {
		return apperrors.Auth(apperrors.CodeValidationFailed, "no refresh token available")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", tm.clientID)
	form.Set("client_secret", tm.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return apperrors.WrapTransient("REQUEST_BUILD_FAILED", "failed to build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return apperrors.WrapTransient("REFRESH_HTTP_FAILED", "refresh request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return apperrors.Auth(apperrors.CodeValidationFailed, fmt.Sprintf("refresh returned status %d: %s", resp.StatusCode, string(body)))
	}

	var parsed struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresIn    int      `json:"expires_in"`
		Scope        []string `json:"scope"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apperrors.WrapApplication("DECODE_FAILED", "failed to decode refresh response", err)
	}

	tm.mu.Lock()
	if tm.token == nil {
		tm.token = &Token{}
	}
	tm.token.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		tm.token.RefreshToken = parsed.RefreshToken
	}
	tm.token.Expiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	if len(parsed.Scope) > 0 {
		tm.token.Scopes = parsed.Scope
	}
	tm.mu.Unlock()

	if perr := tm.persist(); perr != nil {
		logger.Twitch().Warn().Err(perr).Msg("failed to persist refreshed token")
	}
	tm.scheduleProactiveRefresh()
	return nil
}

func (tm *TokenManager) persist() error {
	tm.mu.RLock()
	tok := tm.token
	tm.mu.RUnlock()
	if tok == nil {
		return nil
	}
	return tm.store.Save(tok)
}

// tryLock acquires the in-process lock for op ("validate" or "refresh")
// and, if a Redis cache is configured, also tries a distributed SetNX
// lock so coalescing holds across multiple processes sharing one token.
// Returns false if another caller already holds the lock.
func (tm *TokenManager) tryLock(ctx context.Context, op string) bool {
	var mu *sync.Mutex
	switch op {
	case "validate":
		mu = &tm.validating
	case "refresh":
		mu = &tm.refreshing
	default:
		return false
	}
	if !mu.TryLock() {
		return false
	}

	if tm.redisCache != nil {
		ok, err := tm.redisCache.SetNX(ctx, "twitch:token:"+op, "1", coalesceLockTTL)
		if err != nil {
			logger.Twitch().Warn().Err(err).Str("op", op).Msg("redis coalesce lock failed, proceeding with local lock only")
			return true
		}
		if !ok {
			mu.Unlock()
			return false
		}
	}
	return true
}

func (tm *TokenManager) unlock(ctx context.Context, op string) {
	if tm.redisCache != nil {
		if err := tm.redisCache.Del(ctx, "twitch:token:"+op); err != nil {
			logger.Twitch().Warn().Err(err).Str("op", op).Msg("failed to release redis coalesce lock")
		}
	}
	switch op {
	case "validate":
		tm.validating.Unlock()
	case "refresh":
		tm.refreshing.Unlock()
	}
}
