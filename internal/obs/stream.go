package obs

import (
	"encoding/json"
	"sync"
	"time"
)

// StreamManager caches OBS's streaming and recording output state. Like
// SceneManager, it is a single-writer cache behind an RWMutex (spec.md
// §4.4, §5).
type StreamManager struct {
	mu sync.RWMutex

	streaming        bool
	streamTimecode   string
	recording        bool
	recordingPaused  bool
	recordTimecode   string
	lastStateChange  time.Time
}

// NewStreamManager constructs an empty StreamManager.
func NewStreamManager() *StreamManager {
	return &StreamManager{}
}

// ApplyOutputState applies a GetStreamStatus/GetRecordStatus response.
func (m *StreamManager) ApplyOutputState(streaming bool, streamTimecode string, recording, recordingPaused bool, recordTimecode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = streaming
	m.streamTimecode = streamTimecode
	m.recording = recording
	m.recordingPaused = recordingPaused
	m.recordTimecode = recordTimecode
	m.lastStateChange = time.Now()
}

// ApplyEvent updates the cache in response to an OBS streaming/recording
// event.
func (m *StreamManager) ApplyEvent(eventType string, data json.RawMessage) {
	switch eventType {
	case "StreamStateChanged":
		var payload struct {
			OutputActive bool `json:"outputActive"`
		}
		if json.Unmarshal(data, &payload) == nil {
			m.mu.Lock()
			m.streaming = payload.OutputActive
			m.lastStateChange = time.Now()
			m.mu.Unlock()
		}
	case "RecordStateChanged":
		var payload struct {
			OutputActive bool   `json:"outputActive"`
			OutputPath   string `json:"outputPath"`
		}
		if json.Unmarshal(data, &payload) == nil {
			m.mu.Lock()
			m.recording = payload.OutputActive
			m.lastStateChange = time.Now()
			m.mu.Unlock()
		}
	case "RecordStateChanged.Paused":
		m.mu.Lock()
		m.recordingPaused = true
		m.mu.Unlock()
	}
}

// StreamSnapshot is a point-in-time read of the stream/record cache.
type StreamSnapshot struct {
	Streaming       bool
	StreamTimecode  string
	Recording       bool
	RecordingPaused bool
	RecordTimecode  string
	LastStateChange time.Time
}

// Snapshot returns the current cached streaming/recording state.
func (m *StreamManager) Snapshot() StreamSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StreamSnapshot{
		Streaming:       m.streaming,
		StreamTimecode:  m.streamTimecode,
		Recording:       m.recording,
		RecordingPaused: m.recordingPaused,
		RecordTimecode:  m.recordTimecode,
		LastStateChange: m.lastStateChange,
	}
}
