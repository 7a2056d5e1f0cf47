package obs

import (
	"strconv"
	"sync"
	"time"

	"github.com/bryanveloso/landale/internal/apperrors"
	"github.com/bryanveloso/landale/internal/logger"
)

// DefaultRequestTimeout is how long a request waits for a matching
// RequestResponse before it is failed with a timeout (spec.md §4.3).
const DefaultRequestTimeout = 30 * time.Second

// pendingRequest is one in-flight request awaiting its response.
type pendingRequest struct {
	requestType string
	waiter      chan requestOutcome
	sentAt      time.Time
	deadline    time.Time
	timer       *time.Timer
}

// requestOutcome is delivered exactly once to a request's waiter: either a
// successful response payload or an error (application-level failure,
// timeout, or expiry on reconnect).
type requestOutcome struct {
	response *RequestResponseData
	err      error
}

// RequestTracker correlates outbound OBS requests to their eventual
// response by requestId, a monotonically increasing integer encoded as a
// string (never a uuid — OBS expects this exact shape). Safe for
// concurrent use.
type RequestTracker struct {
	mu      sync.Mutex
	nextID  int64
	pending map[string]*pendingRequest
	timeout time.Duration
}

// NewRequestTracker constructs a tracker using the default 30s timeout.
func NewRequestTracker() *RequestTracker {
	return NewRequestTrackerWithTimeout(DefaultRequestTimeout)
}

// NewRequestTrackerWithTimeout constructs a tracker with a caller-chosen
// default timeout, primarily for tests.
func NewRequestTrackerWithTimeout(timeout time.Duration) *RequestTracker {
	return &RequestTracker{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
	}
}

// Track registers a new outbound request and returns its requestId plus a
// channel that receives exactly one outcome: a response, an error, or a
// timeout. The caller is responsible for actually sending the frame.
func (t *RequestTracker) Track(requestType string) (requestID string, wait <-chan requestOutcome) {
	t.mu.Lock()
	t.nextID++
	id := strconv.FormatInt(t.nextID, 10)

	ch := make(chan requestOutcome, 1)
	req := &pendingRequest{
		requestType: requestType,
		waiter:      ch,
		sentAt:      time.Now(),
		deadline:    time.Now().Add(t.timeout),
	}
	req.timer = time.AfterFunc(t.timeout, func() {
		t.resolveTimeout(id)
	})
	t.pending[id] = req
	t.mu.Unlock()

	return id, ch
}

// Resolve delivers a RequestResponse frame to the waiter registered under
// its requestId. Returns false if no such request is pending (already
// resolved, or an unrecognized id — logged and dropped per spec.md §7's
// protocol-framing handling).
func (t *RequestTracker) Resolve(resp *RequestResponseData) bool {
	t.mu.Lock()
	req, ok := t.pending[resp.RequestID]
	if ok {
		delete(t.pending, resp.RequestID)
	}
	t.mu.Unlock()

	if !ok {
		logger.OBS().Warn().
			Str("request_id", resp.RequestID).
			Msg("response for unknown or already-resolved request")
		return false
	}

	req.timer.Stop()

	outcome := requestOutcome{response: resp}
	if !resp.RequestStatus.Result {
		outcome.err = apperrors.Application(
			"REQUEST_FAILED",
			resp.RequestStatus.Comment,
		)
	}
	req.waiter <- outcome
	return true
}

// resolveTimeout fires when a request's deadline elapses unanswered.
func (t *RequestTracker) resolveTimeout(id string) {
	t.mu.Lock()
	req, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	req.waiter <- requestOutcome{err: apperrors.RequestTimeout()}
}

// Fail immediately fails a still-pending request without waiting for its
// timeout, used when sending the request itself failed (encode error,
// transport not connected) so the pending entry and its timer don't linger
// for the full request timeout.
func (t *RequestTracker) Fail(id string, err error) {
	t.mu.Lock()
	req, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	req.timer.Stop()
	req.waiter <- requestOutcome{err: err}
}

// ExpireAll fails every pending request with RequestExpired, used when a
// session disconnects or closes: a request still awaiting its response
// will not get one on the old socket and must not be silently resolved
// later (spec.md §4.2).
func (t *RequestTracker) ExpireAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
		req.waiter <- requestOutcome{err: apperrors.RequestExpired()}
	}
}

// Pending reports the number of in-flight requests, for tests and stats.
func (t *RequestTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
