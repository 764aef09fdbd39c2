// Package config provides process configuration, persisted user settings,
// and the per-turn call-configuration resolver.
//
// Precedence for resolved call settings, highest first: per-turn query
// overrides → configuration captured in call state → persisted settings
// file → process environment defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "DIALTREE_"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the process-wide configuration loaded from the environment.
type Config struct {
	// ListenAddr is the TCP address the HTTP server listens on.
	ListenAddr string

	// LogLevel controls verbosity; LogFormat is "text" or "json".
	LogLevel  LogLevel
	LogFormat string

	// RedactLogs suppresses transcripts and phone numbers in request logs.
	RedactLogs bool

	// DataDir is the directory for the SQLite history database and the
	// default settings file location.
	DataDir string

	// PostgresDSN, when set, selects the Postgres history backend.
	PostgresDSN string

	// SettingsPath points at the persisted user settings YAML file.
	// Empty means <DataDir>/settings.yaml (loaded only if present).
	SettingsPath string

	// OpenAIAPIKey authenticates LLM calls. LLMBaseURL overrides the API
	// endpoint for OpenAI-compatible backends.
	OpenAIAPIKey string
	LLMBaseURL   string

	// LLMModel, LLMMaxTokens, and LLMTemperature are the model defaults for
	// classifier calls.
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64

	// Carrier credentials and API endpoint for outbound call origination.
	CarrierBaseURL    string
	CarrierAccountSID string
	CarrierAuthToken  string

	// CallerNumber is the E.164 number calls are placed from.
	CallerNumber string

	// CallBaseURL is the public base URL the carrier calls back on
	// (e.g. "https://agent.example.com").
	CallBaseURL string

	// Default navigation settings; each can be overridden by persisted
	// settings or per-call parameters.
	TransferNumber     string
	CallPurpose        string
	CustomInstructions string
	UserPhone          string
	UserEmail          string
	TTSVoice           string
	TTSLanguage        string
}

// Defaults for optional settings.
const (
	defaultListenAddr  = ":8080"
	defaultLogLevel    = LogInfo
	defaultLogFormat   = "text"
	defaultDataDir     = "./data"
	defaultLLMModel    = "gpt-4o-mini"
	defaultMaxTokens   = 512
	defaultTemperature = 0.1
	defaultPurpose     = "speak with a representative"
	defaultTTSVoice    = "Polly.Joanna"
	defaultTTSLanguage = "en-US"
)

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envString("LISTEN_ADDR", defaultListenAddr),
		LogLevel:           LogLevel(envString("LOG_LEVEL", string(defaultLogLevel))),
		LogFormat:          envString("LOG_FORMAT", defaultLogFormat),
		RedactLogs:         envBool("REDACT_LOGS", false),
		DataDir:            envString("DATA_DIR", defaultDataDir),
		PostgresDSN:        envString("POSTGRES_DSN", ""),
		SettingsPath:       envString("SETTINGS_PATH", ""),
		OpenAIAPIKey:       envString("OPENAI_API_KEY", ""),
		LLMBaseURL:         envString("LLM_BASE_URL", ""),
		LLMModel:           envString("LLM_MODEL", defaultLLMModel),
		LLMMaxTokens:       envInt("LLM_MAX_TOKENS", defaultMaxTokens),
		LLMTemperature:     envFloat("LLM_TEMPERATURE", defaultTemperature),
		CarrierBaseURL:     envString("CARRIER_BASE_URL", ""),
		CarrierAccountSID:  envString("CARRIER_ACCOUNT_SID", ""),
		CarrierAuthToken:   envString("CARRIER_AUTH_TOKEN", ""),
		CallerNumber:       envString("CALLER_NUMBER", ""),
		CallBaseURL:        strings.TrimRight(envString("CALL_BASE_URL", ""), "/"),
		TransferNumber:     envString("TRANSFER_NUMBER", ""),
		CallPurpose:        envString("CALL_PURPOSE", defaultPurpose),
		CustomInstructions: envString("CUSTOM_INSTRUCTIONS", ""),
		UserPhone:          envString("USER_PHONE", ""),
		UserEmail:          envString("USER_EMAIL", ""),
		TTSVoice:           envString("TTS_VOICE", defaultTTSVoice),
		TTSLanguage:        envString("TTS_LANGUAGE", defaultTTSLanguage),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// validate checks for a coherent configuration, joining all failures.
func (c *Config) validate() error {
	var errs []error

	if !c.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q (want text or json)", c.LogFormat))
	}
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New(envPrefix+"OPENAI_API_KEY is required"))
	}
	if c.CallBaseURL == "" {
		errs = append(errs, errors.New(envPrefix+"CALL_BASE_URL is required"))
	}
	if c.TransferNumber != "" && !IsE164(c.TransferNumber) {
		errs = append(errs, fmt.Errorf("transfer number %q is not E.164", c.TransferNumber))
	}
	if c.CallerNumber != "" && !IsE164(c.CallerNumber) {
		errs = append(errs, fmt.Errorf("caller number %q is not E.164", c.CallerNumber))
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 1 {
		errs = append(errs, fmt.Errorf("LLM temperature %v out of range [0,1]", c.LLMTemperature))
	}

	return errors.Join(errs...)
}

// IsE164 reports whether s looks like an E.164 phone number.
func IsE164(s string) bool {
	if len(s) < 3 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s[1] != '0'
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
