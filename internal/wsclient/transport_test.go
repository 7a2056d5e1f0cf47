package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingOwner struct {
	mu        sync.Mutex
	connected int
	messages  [][]byte
	connCh    chan struct{}
}

func newRecordingOwner() *recordingOwner {
	return &recordingOwner{connCh: make(chan struct{}, 8)}
}

func (o *recordingOwner) OnConnecting() {}
func (o *recordingOwner) OnConnected() {
	o.mu.Lock()
	o.connected++
	o.mu.Unlock()
	o.connCh <- struct{}{}
}
func (o *recordingOwner) OnTextMessage(data []byte) {
	o.mu.Lock()
	o.messages = append(o.messages, data)
	o.mu.Unlock()
}
func (o *recordingOwner) OnDisconnected(reason error) {}
func (o *recordingOwner) OnError(err error)            {}

func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + s.URL[len("http"):]
}

func TestClientConnectsAndExchangesMessages(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	owner := newRecordingOwner()
	c := New(Options{URL: wsURL(srv), BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}, owner)
	c.Open(context.Background())
	defer c.Close()

	select {
	case <-owner.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}

	if err := c.Send([]byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		owner.mu.Lock()
		n := len(owner.messages)
		owner.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for echoed message")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func flakyUpgradeServer(t *testing.T, badUpgrades int) *httptest.Server {
	upgrader := websocket.Upgrader{}
	var attempts int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(atomic.AddInt32(&attempts, 1)) <= badUpgrades {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestUpgrade400RetriesWithoutCountingAgainstBackoffOrCircuit(t *testing.T) {
	srv := flakyUpgradeServer(t, 2)
	defer srv.Close()

	owner := newRecordingOwner()
	c := New(Options{
		URL:              wsURL(srv),
		BaseDelay:        time.Minute, // would stall the test if retries fell into backoff
		CircuitThreshold: 2,           // would open the breaker if retries counted as failures
		Upgrade400Retry:  true,
	}, owner)
	c.Open(context.Background())
	defer c.Close()

	select {
	case <-owner.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection past the 400 retries")
	}

	if stats := c.Stats(); stats.ConsecutiveFailures != 0 || stats.CircuitOpen {
		t.Fatalf("expected 400 retries to leave failure/circuit state untouched, got %+v", stats)
	}
}

func TestSendWithoutConnectionReturnsNotConnected(t *testing.T) {
	owner := newRecordingOwner()
	c := New(Options{URL: "ws://127.0.0.1:1/unreachable"}, owner)

	if err := c.Send([]byte("x")); err == nil {
		t.Fatal("expected error sending before connect")
	}
}

func TestClientIDIsUniquePerInstance(t *testing.T) {
	a := New(Options{}, newRecordingOwner())
	b := New(Options{}, newRecordingOwner())
	if a.ID() == "" {
		t.Fatal("expected non-empty client id")
	}
	if a.ID() == b.ID() {
		t.Fatal("expected distinct ids across clients")
	}
	if a.Stats().ClientID != a.ID() {
		t.Fatalf("expected Stats().ClientID to match ID(), got %q vs %q", a.Stats().ClientID, a.ID())
	}
}

func TestBackoffDelayCapsAtMaxDelay(t *testing.T) {
	c := New(Options{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: 0}, newRecordingOwner())
	// New turns a zero Jitter into the 0.1 default; clear it so the capped
	// delay is exact.
	c.opts.Jitter = 0
	d := c.backoffDelay(10)
	if d != 5*time.Second {
		t.Fatalf("expected capped delay of 5s, got %v", d)
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	c := New(Options{CircuitThreshold: 2, CircuitCooldown: time.Minute}, newRecordingOwner())
	c.recordFailure(context.DeadlineExceeded)
	if open, _ := c.circuitOpen(); open {
		t.Fatal("circuit should not be open after one failure")
	}
	c.recordFailure(context.DeadlineExceeded)
	if open, _ := c.circuitOpen(); !open {
		t.Fatal("circuit should be open after threshold failures")
	}
}

func TestStatsReflectsState(t *testing.T) {
	c := New(Options{}, newRecordingOwner())
	if c.Stats().State != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %v", c.Stats().State)
	}
}
