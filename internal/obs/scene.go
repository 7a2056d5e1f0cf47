package obs

import (
	"encoding/json"
	"sync"
)

// Scene is one entry from OBS's scene list.
type Scene struct {
	Name  string `json:"sceneName"`
	Index int    `json:"sceneIndex"`
}

// SceneManager caches the current scene collection for a session: the full
// scene list and the active program/preview scene names. It is a
// single-writer cache — only Connection's event dispatch goroutine calls
// the Apply* methods — with RWMutex-protected reads for any number of
// concurrent snapshot callers (spec.md §4.4, §5).
type SceneManager struct {
	mu            sync.RWMutex
	scenes        []Scene
	currentScene  string
	previewScene  string
	studioModeOn  bool
}

// NewSceneManager constructs an empty SceneManager.
func NewSceneManager() *SceneManager {
	return &SceneManager{}
}

// ApplySceneList updates the cached scene list from a GetSceneList response.
func (m *SceneManager) ApplySceneList(scenes []Scene, currentScene, previewScene string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes = scenes
	m.currentScene = currentScene
	m.previewScene = previewScene
}

// ApplyEvent updates the cache in response to an OBS scene event.
func (m *SceneManager) ApplyEvent(eventType string, data json.RawMessage) {
	switch eventType {
	case "CurrentProgramSceneChanged":
		var payload struct {
			SceneName string `json:"sceneName"`
		}
		if json.Unmarshal(data, &payload) == nil {
			m.mu.Lock()
			m.currentScene = payload.SceneName
			m.mu.Unlock()
		}
	case "CurrentPreviewSceneChanged":
		var payload struct {
			SceneName string `json:"sceneName"`
		}
		if json.Unmarshal(data, &payload) == nil {
			m.mu.Lock()
			m.previewScene = payload.SceneName
			m.mu.Unlock()
		}
	case "StudioModeStateChanged":
		var payload struct {
			StudioModeEnabled bool `json:"studioModeEnabled"`
		}
		if json.Unmarshal(data, &payload) == nil {
			m.mu.Lock()
			m.studioModeOn = payload.StudioModeEnabled
			m.mu.Unlock()
		}
	case "SceneListChanged":
		var payload struct {
			Scenes []Scene `json:"scenes"`
		}
		if json.Unmarshal(data, &payload) == nil {
			m.mu.Lock()
			m.scenes = payload.Scenes
			m.mu.Unlock()
		}
	}
}

// SceneSnapshot is a point-in-time read of the scene cache.
type SceneSnapshot struct {
	Scenes       []Scene
	CurrentScene string
	PreviewScene string
	StudioMode   bool
}

// Snapshot returns the current cached scene state.
func (m *SceneManager) Snapshot() SceneSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scenes := make([]Scene, len(m.scenes))
	copy(scenes, m.scenes)
	return SceneSnapshot{
		Scenes:       scenes,
		CurrentScene: m.currentScene,
		PreviewScene: m.previewScene,
		StudioMode:   m.studioModeOn,
	}
}
