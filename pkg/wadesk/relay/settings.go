package relay

import (
	"log/slog"
	"sync"

	"github.com/jholhewres/wadesk/pkg/wadesk/config"
	"github.com/jholhewres/wadesk/pkg/wadesk/persist"
)

// SettingsManager owns the runtime settings snapshot: AI provider
// configuration plus the serialized pause registry. Loaded once at startup,
// mutated only through Update and pause toggles, and written immediately on
// every mutation — settings changes are rare and should be durable the
// moment they are acknowledged.
type SettingsManager struct {
	mu       sync.RWMutex
	settings config.Settings

	path   string
	pause  *PauseRegistry
	logger *slog.Logger
}

// NewSettingsManager creates the manager persisting to path.
func NewSettingsManager(path string, pause *PauseRegistry, logger *slog.Logger) *SettingsManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsManager{
		settings: config.DefaultSettings(),
		path:     path,
		pause:    pause,
		logger:   logger.With("component", "settings"),
	}
}

// Load reads the persisted snapshot, seeding the pause registry from it.
// A missing file leaves the defaults in place.
func (m *SettingsManager) Load() error {
	var st config.Settings
	ok, err := persist.Load(m.path, &st)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Info("no settings file, using defaults", "path", m.path)
		return nil
	}

	m.mu.Lock()
	if st.BaseURL != "" {
		m.settings.BaseURL = st.BaseURL
	}
	if st.ModelName != "" {
		m.settings.ModelName = st.ModelName
	}
	if st.SystemPrompt != "" {
		m.settings.SystemPrompt = st.SystemPrompt
	}
	if st.APIKey != "" {
		m.settings.APIKey = st.APIKey
	}
	m.mu.Unlock()

	m.pause.Restore(st.PausedChats)
	m.logger.Info("settings loaded", "path", m.path, "paused_chats", len(st.PausedChats))
	return nil
}

// ResolveAPIKey runs the keyring/env resolution chain over the loaded key.
func (m *SettingsManager) ResolveAPIKey() {
	m.mu.Lock()
	defer m.mu.Unlock()
	config.ResolveAPIKey(&m.settings, m.logger)
}

// Settings returns a copy of the current snapshot with the live paused-chat
// set filled in.
func (m *SettingsManager) Settings() config.Settings {
	m.mu.RLock()
	st := m.settings
	m.mu.RUnlock()

	st.PausedChats = m.pause.Keys()
	return st
}

// Update overwrites the provider fields and persists immediately.
func (m *SettingsManager) Update(apiKey, baseURL, modelName, systemPrompt string) (config.Settings, error) {
	m.mu.Lock()
	m.settings.APIKey = apiKey
	m.settings.BaseURL = baseURL
	m.settings.ModelName = modelName
	m.settings.SystemPrompt = systemPrompt
	m.mu.Unlock()

	if err := m.SaveNow(); err != nil {
		return config.Settings{}, err
	}

	m.logger.Info("settings updated", "model", modelName, "base_url", baseURL)
	return m.Settings(), nil
}

// ProviderSettings implements SettingsSource for the responder.
func (m *SettingsManager) ProviderSettings() (ProviderSettings, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ProviderSettings{
		APIKey:    m.settings.APIKey,
		BaseURL:   m.settings.BaseURL,
		ModelName: m.settings.ModelName,
	}, m.settings.SystemPrompt
}

// SaveNow writes the snapshot synchronously and atomically.
func (m *SettingsManager) SaveNow() error {
	return persist.WriteFileAtomic(m.path, m.Settings())
}
