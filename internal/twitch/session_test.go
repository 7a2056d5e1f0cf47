package twitch

import (
	"context"
	"testing"
	"time"
)

type neverReadyUserIDs struct{}

func (neverReadyUserIDs) UserID() (string, bool) { return "", false }

func TestEnsureDefaultSubscriptionsSurfacesFailureAfterMaxAttempts(t *testing.T) {
	sm := &SessionManager{userIDs: neverReadyUserIDs{}, maxAttempts: 3}

	var gotErr error
	sm.OnSubscriptionFailure(func(err error) { gotErr = err })

	sm.ensureDefaultSubscriptions(context.Background(), "sess")

	if gotErr == nil {
		t.Fatal("expected subscription_creation_failed to be surfaced after exhausting attempts")
	}
	if !isAppErrorCode(gotErr, "SUBSCRIPTION_CREATION_FAILED") {
		t.Fatalf("expected SUBSCRIPTION_CREATION_FAILED, got %v", gotErr)
	}
	if sm.DefaultSubscriptionsReady() {
		t.Fatal("expected default subscriptions not to be marked ready")
	}
}

func TestEnsureDefaultSubscriptionsDoesNotSurfaceFailureOnContextCancel(t *testing.T) {
	sm := &SessionManager{userIDs: neverReadyUserIDs{}, maxAttempts: 100}

	called := false
	sm.OnSubscriptionFailure(func(err error) { called = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sm.ensureDefaultSubscriptions(ctx, "sess")

	// Give any stray goroutine a moment; ensureDefaultSubscriptions itself
	// runs synchronously here, so this mostly documents intent.
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Fatal("expected a cancelled context to return quietly, not surface a failure")
	}
}
