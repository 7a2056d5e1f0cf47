package obs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bryanveloso/landale/internal/bus"
	"github.com/bryanveloso/landale/internal/logger"
)

// StatsPollInterval is how often StatsCollector polls OBS (spec.md §4.4).
const StatsPollInterval = 5 * time.Second

// LivenessProbeTimeout bounds the GetSceneList liveness probe that
// precedes each GetStats poll.
const LivenessProbeTimeout = 2 * time.Second

// Stats is OBS's GetStats response, the fields this core cares about.
type Stats struct {
	CPUUsage             float64 `json:"cpuUsage"`
	MemoryUsage          float64 `json:"memoryUsage"`
	ActiveFPS            float64 `json:"activeFps"`
	RenderTotalFrames    int     `json:"renderTotalFrames"`
	RenderSkippedFrames  int     `json:"renderSkippedFrames"`
	OutputTotalFrames    int     `json:"outputTotalFrames"`
	OutputSkippedFrames  int     `json:"outputSkippedFrames"`
}

// requester is the subset of Connection that StatsCollector depends on,
// kept narrow so it can be faked in tests without a real transport.
type requester interface {
	SendRequest(ctx context.Context, requestType string, requestData interface{}) (*RequestResponseData, error)
	State() State
}

// StatsCollector periodically probes a session's liveness and polls its
// performance stats, publishing snapshots onto the bus (spec.md §4.4).
type StatsCollector struct {
	sessionID string
	conn      requester
	bus       *bus.Bus

	mu    sync.RWMutex
	last  Stats
	alive bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewStatsCollector constructs a collector for a session's connection.
func NewStatsCollector(sessionID string, conn requester, b *bus.Bus) *StatsCollector {
	return &StatsCollector{
		sessionID: sessionID,
		conn:      conn,
		bus:       b,
		stop:      make(chan struct{}),
	}
}

// Start begins the poll loop in the background. Call Stop to end it.
func (s *StatsCollector) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the poll loop and waits for it to exit.
func (s *StatsCollector) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Snapshot returns the most recently collected stats and whether the last
// liveness probe succeeded.
func (s *StatsCollector) Snapshot() (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.alive
}

func (s *StatsCollector) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(StatsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *StatsCollector) poll() {
	if s.conn.State() != StateReady {
		s.mu.Lock()
		s.alive = false
		s.mu.Unlock()
		return
	}

	liveCtx, cancel := context.WithTimeout(context.Background(), LivenessProbeTimeout)
	_, err := s.conn.SendRequest(liveCtx, "GetSceneList", nil)
	cancel()
	if err != nil {
		logger.OBS().Warn().Str("session", s.sessionID).Err(err).Msg("liveness probe failed")
		s.mu.Lock()
		s.alive = false
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()

	statsCtx, cancel := context.WithTimeout(context.Background(), StatsPollInterval)
	resp, err := s.conn.SendRequest(statsCtx, "GetStats", nil)
	cancel()
	if err != nil {
		logger.OBS().Warn().Str("session", s.sessionID).Err(err).Msg("GetStats failed")
		return
	}

	var stats Stats
	if err := json.Unmarshal(resp.ResponseData, &stats); err != nil {
		logger.OBS().Warn().Str("session", s.sessionID).Err(err).Msg("malformed GetStats response")
		return
	}

	s.mu.Lock()
	s.last = stats
	s.alive = true
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.Message{Topic: "obs:stats", Payload: stats})
	}
}
