package obs

import (
	"testing"
	"time"
)

func TestTrackResolveSuccess(t *testing.T) {
	rt := NewRequestTracker()
	id, wait := rt.Track("GetSceneList")

	go rt.Resolve(&RequestResponseData{
		RequestID:     id,
		RequestStatus: RequestStatus{Result: true, Code: 100},
	})

	select {
	case outcome := <-wait:
		if outcome.err != nil {
			t.Fatalf("unexpected error: %v", outcome.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolution")
	}
}

func TestTrackResolveFailure(t *testing.T) {
	rt := NewRequestTracker()
	id, wait := rt.Track("SetCurrentProgramScene")

	rt.Resolve(&RequestResponseData{
		RequestID:     id,
		RequestStatus: RequestStatus{Result: false, Code: 600, Comment: "scene not found"},
	})

	outcome := <-wait
	if outcome.err == nil {
		t.Fatal("expected error for failed request status")
	}
}

func TestTrackTimeout(t *testing.T) {
	rt := NewRequestTrackerWithTimeout(20 * time.Millisecond)
	_, wait := rt.Track("GetStats")

	select {
	case outcome := <-wait:
		if outcome.err == nil {
			t.Fatal("expected timeout error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout resolution")
	}
}

func TestResolveUnknownRequestIDReturnsFalse(t *testing.T) {
	rt := NewRequestTracker()
	if rt.Resolve(&RequestResponseData{RequestID: "999"}) {
		t.Fatal("expected Resolve to return false for unknown request id")
	}
}

func TestExpireAllFailsPendingRequests(t *testing.T) {
	rt := NewRequestTracker()
	_, wait1 := rt.Track("GetSceneList")
	_, wait2 := rt.Track("GetStats")

	rt.ExpireAll()

	for _, wait := range []<-chan requestOutcome{wait1, wait2} {
		select {
		case outcome := <-wait:
			if outcome.err == nil {
				t.Fatal("expected expiry error")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for expiry")
		}
	}

	if rt.Pending() != 0 {
		t.Fatalf("expected 0 pending after ExpireAll, got %d", rt.Pending())
	}
}

func TestRequestIDsAreMonotonicIntegers(t *testing.T) {
	rt := NewRequestTracker()
	id1, _ := rt.Track("A")
	id2, _ := rt.Track("B")
	if id1 == id2 {
		t.Fatal("expected distinct request ids")
	}
	if id1 != "1" || id2 != "2" {
		t.Fatalf("expected sequential integer ids, got %q and %q", id1, id2)
	}
}
