package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	busPkg "github.com/bryanveloso/landale/internal/bus"
)

// mockOBSServer speaks just enough of the v5 handshake to exercise
// Connection: sends Hello with no auth challenge, expects Identify, replies
// Identified.
func mockOBSServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, _ := json.Marshal(HelloData{OBSWebSocketVersion: "5.0.0", RPCVersion: 1})
		frame, _ := json.Marshal(Frame{Op: OpHello, D: hello})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Op != OpIdentify {
			return
		}

		identified, _ := json.Marshal(IdentifiedData{NegotiatedRPCVersion: 1})
		reply, _ := json.Marshal(Frame{Op: OpIdentified, D: identified})
		_ = conn.WriteMessage(websocket.TextMessage, reply)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal(data, &f) != nil || f.Op != OpRequest {
				continue
			}
			var req RequestData
			_ = json.Unmarshal(f.D, &req)

			resp, _ := json.Marshal(RequestResponseData{
				RequestType:   req.RequestType,
				RequestID:     req.RequestID,
				RequestStatus: RequestStatus{Result: true, Code: 100},
			})
			out, _ := json.Marshal(Frame{Op: OpRequestResponse, D: resp})
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + s.URL[len("http"):]
}

func TestConnectionReachesReadyState(t *testing.T) {
	srv := mockOBSServer(t)
	defer srv.Close()

	b := busPkg.New()
	conn := NewConnection("test-session", wsURL(srv), "", b)

	readyCh := make(chan struct{}, 1)
	conn.OnReady(func() { readyCh <- struct{}{} })

	conn.Open(context.Background())
	defer conn.Close()

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready state")
	}

	if conn.State() != StateReady {
		t.Fatalf("expected StateReady, got %v", conn.State())
	}
}

func TestConnectionSendRequestRoundTrip(t *testing.T) {
	srv := mockOBSServer(t)
	defer srv.Close()

	b := busPkg.New()
	conn := NewConnection("test-session", wsURL(srv), "", b)

	readyCh := make(chan struct{}, 1)
	conn.OnReady(func() { readyCh <- struct{}{} })
	conn.Open(context.Background())
	defer conn.Close()

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready state")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := conn.SendRequest(ctx, "GetSceneList", nil)
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if !resp.RequestStatus.Result {
		t.Fatal("expected successful request status")
	}
}

func TestSendRequestQueuesUntilReadyThenFlushesFIFO(t *testing.T) {
	srv := mockOBSServer(t)
	defer srv.Close()

	b := busPkg.New()
	conn := NewConnection("test-session", wsURL(srv), "", b)

	// Submitted before Open, while the session is still StateDisconnected:
	// must queue rather than fail with NotConnected.
	type result struct {
		resp *RequestResponseData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := conn.SendRequest(ctx, "GetSceneList", nil)
		resultCh <- result{resp, err}
	}()

	conn.Open(context.Background())
	defer conn.Close()

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("expected queued request to flush and succeed, got err: %v", r.err)
		}
		if !r.resp.RequestStatus.Result {
			t.Fatal("expected successful request status")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued request to flush")
	}
}

func TestSendRequestQueuedAndExpiredOnClose(t *testing.T) {
	b := busPkg.New()
	// Points at an address nothing is listening on, so the session never
	// leaves StateDisconnected and the request never flushes.
	conn := NewConnection("test-session", "ws://127.0.0.1:1/unreachable", "", b)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(context.Background(), "GetSceneList", nil)
		errCh <- err
	}()

	// Give SendRequest a moment to enqueue before Close expires it.
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected queued request to fail on Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued request to expire")
	}
}

func TestAuthDigestMatchesSpecFormula(t *testing.T) {
	// Values drawn from the OBS WebSocket v5 protocol's own documented
	// worked example.
	digest := AuthDigest("supersecretpassword", "k02xVuab0H+fjMXLgIGp3g==", "FsqpDO4OEjGlJmQ4oBNfJg==")
	if digest == "" {
		t.Fatal("expected non-empty digest")
	}
	// base64(sha256(base64(sha256(password+salt)) + challenge)), computed
	// independently of AuthDigest.
	if want := "ROcxAxonXr2X2nyPiU7M8qUuK4O7yxtTBRJEkdsx2K4="; digest != want {
		t.Fatalf("digest = %q, want %q", digest, want)
	}
	// Deterministic: same inputs always produce same digest.
	digest2 := AuthDigest("supersecretpassword", "k02xVuab0H+fjMXLgIGp3g==", "FsqpDO4OEjGlJmQ4oBNfJg==")
	if digest != digest2 {
		t.Fatal("expected deterministic digest")
	}
}
