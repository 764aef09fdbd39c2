package config

import "net/url"

// CallConfig is the configuration a single call navigates under. It is
// resolved once per turn and immutable within the turn.
type CallConfig struct {
	// TransferNumber is the E.164 destination for the warm transfer.
	TransferNumber string

	// Purpose is the free-text goal driving DTMF selection.
	Purpose string

	// Instructions are free-text hints layered onto the purpose.
	Instructions string

	// UserPhone and UserEmail are offered to the far end for callbacks.
	UserPhone string
	UserEmail string

	// Voice and Language select the carrier TTS voice.
	Voice    string
	Language string

	// Model, MaxTokens, and Temperature parameterize classifier calls.
	Model       string
	MaxTokens   int
	Temperature float64
}

// Resolver produces per-turn [CallConfig] values from the configured layers.
type Resolver struct {
	cfg      *Config
	settings *SettingsStore
}

// NewResolver creates a resolver over the environment config and the
// persisted settings store. settings may be nil.
func NewResolver(cfg *Config, settings *SettingsStore) *Resolver {
	return &Resolver{cfg: cfg, settings: settings}
}

// Base resolves the two lowest layers: persisted settings over environment
// defaults. This is the configuration captured into call state at call
// start, before any per-call overrides.
func (r *Resolver) Base() CallConfig {
	out := CallConfig{
		TransferNumber: r.cfg.TransferNumber,
		Purpose:        r.cfg.CallPurpose,
		Instructions:   r.cfg.CustomInstructions,
		UserPhone:      r.cfg.UserPhone,
		UserEmail:      r.cfg.UserEmail,
		Voice:          r.cfg.TTSVoice,
		Language:       r.cfg.TTSLanguage,
		Model:          r.cfg.LLMModel,
		MaxTokens:      r.cfg.LLMMaxTokens,
		Temperature:    r.cfg.LLMTemperature,
	}
	if r.settings == nil {
		return out
	}

	s := r.settings.Current()
	overlayString(&out.TransferNumber, s.TransferNumber)
	overlayString(&out.Purpose, s.CallPurpose)
	overlayString(&out.Instructions, s.CustomInstructions)
	overlayString(&out.UserPhone, s.UserPhone)
	overlayString(&out.UserEmail, s.UserEmail)
	overlayString(&out.Voice, s.TTSVoice)
	overlayString(&out.Language, s.TTSLanguage)
	overlayString(&out.Model, s.LLMModel)
	if s.LLMMaxTokens > 0 {
		out.MaxTokens = s.LLMMaxTokens
	}
	if s.LLMTemperature > 0 {
		out.Temperature = s.LLMTemperature
	}
	return out
}

// Resolve layers the captured call-state configuration and the per-turn
// query parameters on top of [Resolver.Base]. captured is the CallConfig
// stored in call state (zero value when state was lost mid-call).
//
// Recognised query parameters: transfer_number, purpose, instructions,
// user_phone, user_email, voice, language, model.
func (r *Resolver) Resolve(captured CallConfig, query url.Values) CallConfig {
	out := r.Base()

	overlayString(&out.TransferNumber, captured.TransferNumber)
	overlayString(&out.Purpose, captured.Purpose)
	overlayString(&out.Instructions, captured.Instructions)
	overlayString(&out.UserPhone, captured.UserPhone)
	overlayString(&out.UserEmail, captured.UserEmail)
	overlayString(&out.Voice, captured.Voice)
	overlayString(&out.Language, captured.Language)
	overlayString(&out.Model, captured.Model)
	if captured.MaxTokens > 0 {
		out.MaxTokens = captured.MaxTokens
	}
	if captured.Temperature > 0 {
		out.Temperature = captured.Temperature
	}

	if query != nil {
		if v := query.Get("transfer_number"); v != "" && IsE164(v) {
			out.TransferNumber = v
		}
		overlayString(&out.Purpose, query.Get("purpose"))
		overlayString(&out.Instructions, query.Get("instructions"))
		overlayString(&out.UserPhone, query.Get("user_phone"))
		overlayString(&out.UserEmail, query.Get("user_email"))
		overlayString(&out.Voice, query.Get("voice"))
		overlayString(&out.Language, query.Get("language"))
		overlayString(&out.Model, query.Get("model"))
	}
	return out
}

// overlayString replaces *dst with v when v is non-empty.
func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
