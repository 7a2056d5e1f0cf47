package obs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bryanveloso/landale/internal/bus"
	"github.com/bryanveloso/landale/internal/logger"
)

// Session is a supervised OBS connection plus its domain state. It
// restarts Connection one-for-all: any fatal condition tears down the
// connection, scene cache, stream cache, and stats collector together and
// rebuilds a fresh set, rather than trying to patch individual pieces
// (spec.md §4.5).
type Session struct {
	ID       string
	url      string
	password string
	bus      *bus.Bus

	mu      sync.Mutex
	conn    *Connection
	scenes  *SceneManager
	streams *StreamManager
	stats   *StatsCollector

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession constructs a supervised session. Call Start to bring it up.
func NewSession(id, url, password string, b *bus.Bus) *Session {
	return &Session{ID: id, url: url, password: password, bus: b}
}

// Start builds a fresh Connection/SceneManager/StreamManager/StatsCollector
// set and opens the connection.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel

	conn := NewConnection(s.ID, s.url, s.password, s.bus)
	scenes := NewSceneManager()
	streams := NewStreamManager()

	conn.OnEvent(func(eventType string, data json.RawMessage) {
		scenes.ApplyEvent(eventType, data)
		streams.ApplyEvent(eventType, data)
	})
	conn.OnFatal(func(err error) {
		logger.OBS().Error().Str("session", s.ID).Err(err).Msg("fatal condition, restarting session")
		s.restart()
	})

	stats := NewStatsCollector(s.ID, conn, s.bus)

	s.conn = conn
	s.scenes = scenes
	s.streams = streams
	s.stats = stats

	conn.Open(ctx)
	stats.Start()
}

// restart performs the one-for-all teardown and rebuild.
func (s *Session) restart() {
	s.Stop()
	s.Start(context.Background())
}

// Stop tears down the connection and stats collector.
func (s *Session) Stop() {
	s.mu.Lock()
	conn := s.conn
	stats := s.stats
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stats != nil {
		stats.Stop()
	}
	if conn != nil {
		conn.Close()
	}
}

// SceneSnapshot returns the session's current scene state.
func (s *Session) SceneSnapshot() SceneSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenes.Snapshot()
}

// StreamSnapshot returns the session's current stream/record state.
func (s *Session) StreamSnapshot() StreamSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams.Snapshot()
}

// StatsSnapshot returns the session's most recent stats poll.
func (s *Session) StatsSnapshot() (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Snapshot()
}

// SendRequest proxies to the underlying connection.
func (s *Session) SendRequest(ctx context.Context, requestType string, requestData interface{}) (*RequestResponseData, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn.SendRequest(ctx, requestType, requestData)
}
