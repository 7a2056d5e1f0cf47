package twitch

import (
	"context"
	"testing"
)

type allowAllScopes struct{}

func (allowAllScopes) HasScopes(required []string) []string { return nil }

type denyScope struct{ deny string }

func (d denyScope) HasScopes(required []string) []string {
	for _, r := range required {
		if r == d.deny {
			return []string{r}
		}
	}
	return nil
}

func TestConditionForFollowIncludesModerator(t *testing.T) {
	cond := conditionFor("channel.follow", "b1", "m1")
	if cond["broadcaster_user_id"] != "b1" || cond["moderator_user_id"] != "m1" {
		t.Fatalf("unexpected condition: %v", cond)
	}
}

func TestConditionForRaidUsesToBroadcaster(t *testing.T) {
	cond := conditionFor("channel.raid", "b1", "m1")
	if cond["to_broadcaster_user_id"] != "b1" {
		t.Fatalf("unexpected condition: %v", cond)
	}
	if _, ok := cond["broadcaster_user_id"]; ok {
		t.Fatal("raid condition should not include broadcaster_user_id")
	}
}

func TestConditionForChatUsesUserID(t *testing.T) {
	cond := conditionFor("channel.chat.message", "b1", "u1")
	if cond["broadcaster_user_id"] != "b1" || cond["user_id"] != "u1" {
		t.Fatalf("unexpected condition: %v", cond)
	}
}

func TestCanonicalConditionKeyIsOrderIndependent(t *testing.T) {
	a := map[string]string{"broadcaster_user_id": "1", "moderator_user_id": "2"}
	b := map[string]string{"moderator_user_id": "2", "broadcaster_user_id": "1"}
	if canonicalConditionKey("channel.follow", a) != canonicalConditionKey("channel.follow", b) {
		t.Fatal("expected canonical key to be independent of map iteration order")
	}
}

func TestCreateSubscriptionRejectsMissingScopes(t *testing.T) {
	m := NewEventSubManager("client-id", func() string { return "token" }, denyScope{deny: "user:read:chat"}, 0)
	err := m.CreateSubscription(context.Background(), "channel.chat.message", map[string]string{"broadcaster_user_id": "1", "user_id": "1"}, "sess")
	if err == nil {
		t.Fatal("expected error for missing scope")
	}
}

func TestEventSubManagerRateLimiterAllowsBurstThenThrottles(t *testing.T) {
	m := NewEventSubManager("client-id", func() string { return "token" }, allowAllScopes{}, 0)

	for i := 0; i < helixRateBurst; i++ {
		if !m.limiter.Allow() {
			t.Fatalf("expected burst token %d to be available", i)
		}
	}
	if m.limiter.Allow() {
		t.Fatal("expected limiter to be exhausted after consuming the full burst")
	}
}

func TestWouldExceedBudgetRejectsOverBudgetCost(t *testing.T) {
	m := NewEventSubManager("client-id", func() string { return "token" }, allowAllScopes{}, 10)
	m.totalCost = 8

	if m.wouldExceedBudget(2) {
		t.Fatal("expected cost exactly at budget to be allowed")
	}
	if !m.wouldExceedBudget(3) {
		t.Fatal("expected cost over budget to be rejected")
	}
}

func TestWouldExceedBudgetUnboundedWhenZero(t *testing.T) {
	m := NewEventSubManager("client-id", func() string { return "token" }, allowAllScopes{}, 0)
	if m.wouldExceedBudget(1_000_000) {
		t.Fatal("expected maxTotalCost of 0 to mean unbounded")
	}
}

func TestCreateSubscriptionDuplicateKeyRejected(t *testing.T) {
	m := NewEventSubManager("client-id", func() string { return "token" }, allowAllScopes{}, 0)
	m.byKey[canonicalConditionKey("channel.follow", map[string]string{"broadcaster_user_id": "1", "moderator_user_id": "1"})] = "existing-id"

	err := m.CreateSubscription(context.Background(), "channel.follow", map[string]string{"broadcaster_user_id": "1", "moderator_user_id": "1"}, "sess")
	if !isAppErrorCode(err, "DUPLICATE_SUBSCRIPTION") {
		t.Fatalf("expected duplicate subscription error, got %v", err)
	}
}
