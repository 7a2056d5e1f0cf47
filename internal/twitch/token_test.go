package twitch

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeRedisCache struct {
	mu    sync.Mutex
	locks map[string]bool
}

func newFakeRedisCache() *fakeRedisCache {
	return &fakeRedisCache{locks: make(map[string]bool)}
}

func (f *fakeRedisCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeRedisCache) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	return nil
}

func TestTokenNeedsRefreshWithinBuffer(t *testing.T) {
	tok := &Token{}
	tok.Expiry = time.Now().Add(4 * time.Minute)
	if !tok.NeedsRefresh() {
		t.Fatal("expected refresh needed when within the 5 minute buffer")
	}
}

func TestTokenNeedsRefreshNotYet(t *testing.T) {
	tok := &Token{}
	tok.Expiry = time.Now().Add(30 * time.Minute)
	if tok.NeedsRefresh() {
		t.Fatal("did not expect refresh needed 30 minutes out")
	}
}

func TestTokenHasScopesReportsMissing(t *testing.T) {
	tok := &Token{Scopes: []string{"channel:read:subscriptions"}}
	missing := tok.HasScopes([]string{"channel:read:subscriptions", "user:read:chat"})
	if len(missing) != 1 || missing[0] != "user:read:chat" {
		t.Fatalf("expected missing [user:read:chat], got %v", missing)
	}
}

func TestTryLockCoalescesConcurrentValidations(t *testing.T) {
	tm := &TokenManager{redisCache: newFakeRedisCache()}

	if !tm.tryLock(context.Background(), "validate") {
		t.Fatal("expected first tryLock to succeed")
	}
	if tm.tryLock(context.Background(), "validate") {
		t.Fatal("expected second concurrent tryLock to be coalesced")
	}
	tm.unlock(context.Background(), "validate")

	if !tm.tryLock(context.Background(), "validate") {
		t.Fatal("expected tryLock to succeed again after unlock")
	}
}

func TestScheduleProactiveRefreshArmsTimerBeforeExpiry(t *testing.T) {
	tm := &TokenManager{token: &Token{Expiry: time.Now().Add(refreshLeadTime + 50*time.Millisecond)}}
	tm.scheduleProactiveRefresh()

	tm.timerMu.Lock()
	timer := tm.refreshTimer
	tm.timerMu.Unlock()
	if timer == nil {
		t.Fatal("expected a refresh timer to be armed")
	}
}

func TestScheduleProactiveRefreshNoopWithoutExpiry(t *testing.T) {
	tm := &TokenManager{token: &Token{}}
	tm.scheduleProactiveRefresh()

	tm.timerMu.Lock()
	timer := tm.refreshTimer
	tm.timerMu.Unlock()
	if timer != nil {
		t.Fatal("expected no timer armed when the token has a zero expiry")
	}
}

func TestArmRefreshTimerReplacesPriorTimer(t *testing.T) {
	tm := &TokenManager{}
	tm.armRefreshTimer(time.Hour)

	tm.timerMu.Lock()
	first := tm.refreshTimer
	tm.timerMu.Unlock()

	tm.armRefreshTimer(time.Hour)

	tm.timerMu.Lock()
	second := tm.refreshTimer
	tm.timerMu.Unlock()

	if first == second {
		t.Fatal("expected armRefreshTimer to replace the previously armed timer")
	}
}

func TestTryLockIndependentPerOperation(t *testing.T) {
	tm := &TokenManager{redisCache: newFakeRedisCache()}

	if !tm.tryLock(context.Background(), "validate") {
		t.Fatal("expected validate lock to succeed")
	}
	if !tm.tryLock(context.Background(), "refresh") {
		t.Fatal("expected refresh lock to succeed independently of validate lock")
	}
}
