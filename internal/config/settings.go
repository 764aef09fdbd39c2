package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings is the persisted user settings document. Every field is optional;
// zero values fall through to the environment defaults during resolution.
type Settings struct {
	TransferNumber     string  `yaml:"transfer_number"`
	CallPurpose        string  `yaml:"call_purpose"`
	CustomInstructions string  `yaml:"custom_instructions"`
	UserPhone          string  `yaml:"user_phone"`
	UserEmail          string  `yaml:"user_email"`
	TTSVoice           string  `yaml:"tts_voice"`
	TTSLanguage        string  `yaml:"tts_language"`
	LLMModel           string  `yaml:"llm_model"`
	LLMMaxTokens       int     `yaml:"llm_max_tokens"`
	LLMTemperature     float64 `yaml:"llm_temperature"`
}

// SettingsStore loads and caches the persisted settings file. Reload is
// wired to SIGHUP in main so operators can edit settings without a restart.
// All methods are safe for concurrent use.
type SettingsStore struct {
	path string

	mu       sync.RWMutex
	settings Settings
}

// NewSettingsStore creates a store for the settings file at path. When path
// is empty, <dataDir>/settings.yaml is used. A missing file is not an
// error — the store simply holds zero-value settings.
func NewSettingsStore(path, dataDir string) (*SettingsStore, error) {
	if path == "" {
		path = filepath.Join(dataDir, "settings.yaml")
	}
	s := &SettingsStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the settings file. A missing file clears the cached
// settings; a malformed file is an error and leaves the cache untouched.
func (s *SettingsStore) Reload() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.settings = Settings{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: open settings %q: %w", s.path, err)
	}
	defer f.Close()

	loaded, err := parseSettings(f)
	if err != nil {
		return fmt.Errorf("config: parse settings %q: %w", s.path, err)
	}

	s.mu.Lock()
	s.settings = loaded
	s.mu.Unlock()
	slog.Info("settings loaded", "path", s.path)
	return nil
}

// Current returns a copy of the cached settings.
func (s *SettingsStore) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// parseSettings decodes a settings document, rejecting unknown fields so
// typos in the file surface as errors rather than silent defaults.
func parseSettings(r io.Reader) (Settings, error) {
	var out Settings
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		if err == io.EOF {
			return Settings{}, nil
		}
		return Settings{}, err
	}
	if out.TransferNumber != "" && !IsE164(out.TransferNumber) {
		return Settings{}, fmt.Errorf("transfer_number %q is not E.164", out.TransferNumber)
	}
	return out, nil
}
