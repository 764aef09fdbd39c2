package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func baseConfig() *Config {
	return &Config{
		TransferNumber: "+15550001111",
		CallPurpose:    "speak with a representative",
		TTSVoice:       "Polly.Joanna",
		TTSLanguage:    "en-US",
		LLMModel:       "gpt-4o-mini",
		LLMMaxTokens:   512,
		LLMTemperature: 0.1,
	}
}

func writeSettings(t *testing.T, content string) *SettingsStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	s, err := NewSettingsStore(path, dir)
	if err != nil {
		t.Fatalf("NewSettingsStore() error = %v", err)
	}
	return s
}

func TestResolverBase(t *testing.T) {
	t.Parallel()

	r := NewResolver(baseConfig(), nil)
	got := r.Base()
	if got.Purpose != "speak with a representative" || got.Voice != "Polly.Joanna" {
		t.Errorf("Base() = %+v", got)
	}
}

func TestResolverSettingsOverlay(t *testing.T) {
	t.Parallel()

	settings := writeSettings(t, "call_purpose: reach billing\nllm_max_tokens: 1024\n")
	r := NewResolver(baseConfig(), settings)

	got := r.Base()
	if got.Purpose != "reach billing" {
		t.Errorf("Purpose = %q, want settings overlay", got.Purpose)
	}
	if got.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", got.MaxTokens)
	}
	// Fields the settings file does not mention keep their defaults.
	if got.TransferNumber != "+15550001111" {
		t.Errorf("TransferNumber = %q", got.TransferNumber)
	}
}

func TestResolverLayering(t *testing.T) {
	t.Parallel()

	settings := writeSettings(t, "call_purpose: reach billing\n")
	r := NewResolver(baseConfig(), settings)

	captured := CallConfig{Purpose: "cancel my appointment", Model: "gpt-4.1"}
	query := url.Values{"purpose": {"ask about an invoice"}}

	got := r.Resolve(captured, query)
	if got.Purpose != "ask about an invoice" {
		t.Errorf("Purpose = %q, want the query layer on top", got.Purpose)
	}
	if got.Model != "gpt-4.1" {
		t.Errorf("Model = %q, want the captured layer", got.Model)
	}
	if got.Voice != "Polly.Joanna" {
		t.Errorf("Voice = %q, want the environment default", got.Voice)
	}
}

func TestResolveRejectsBadTransferNumber(t *testing.T) {
	t.Parallel()

	r := NewResolver(baseConfig(), nil)
	got := r.Resolve(CallConfig{}, url.Values{"transfer_number": {"not a number"}})
	if got.TransferNumber != "+15550001111" {
		t.Errorf("TransferNumber = %q, want invalid override ignored", got.TransferNumber)
	}
}

func TestSettingsReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("call_purpose: first\n"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	s, err := NewSettingsStore(path, dir)
	if err != nil {
		t.Fatalf("NewSettingsStore() error = %v", err)
	}
	if s.Current().CallPurpose != "first" {
		t.Fatalf("Current() = %+v", s.Current())
	}

	if err := os.WriteFile(path, []byte("call_purpose: second\n"), 0o644); err != nil {
		t.Fatalf("rewrite settings: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if s.Current().CallPurpose != "second" {
		t.Errorf("Current() after reload = %+v", s.Current())
	}
}

func TestSettingsMissingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewSettingsStore("", dir)
	if err != nil {
		t.Fatalf("NewSettingsStore() error = %v", err)
	}
	if s.Current() != (Settings{}) {
		t.Errorf("Current() = %+v, want zero settings", s.Current())
	}
}

func TestSettingsRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("cal_purpose: typo\n"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	if _, err := NewSettingsStore(path, dir); err == nil {
		t.Error("typoed field accepted")
	}
}

func TestSettingsRejectsBadTransferNumber(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("transfer_number: 555-HELP\n"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	if _, err := NewSettingsStore(path, dir); err == nil {
		t.Error("non-E.164 transfer number accepted")
	}
}
