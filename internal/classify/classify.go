// Package classify implements the speech classifiers that drive IVR
// navigation: menu detection and extraction, transfer-request detection,
// human confirmation, loop detection, termination detection, and
// incomplete-speech detection.
//
// Every classifier is a pure analysis over its inputs — no state, no
// telephony I/O — and is safe to run concurrently against the same speech
// fragment. Each returns a structured verdict with a confidence in [0, 1].
// When the language-model backend fails, the classifier returns a
// conservative default verdict alongside the error so the caller can always
// proceed.
package classify

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dialtree/dialtree/internal/callstate"
	"github.com/dialtree/dialtree/internal/llm"
)

// TerminationReason tags why a call should end.
type TerminationReason string

const (
	TerminationVoicemail TerminationReason = "voicemail"
	TerminationClosed    TerminationReason = "closed"
	TerminationDeadEnd   TerminationReason = "dead-end"
	TerminationNone      TerminationReason = "none"
)

// IsValid reports whether r is a recognised termination reason.
func (r TerminationReason) IsValid() bool {
	switch r {
	case TerminationVoicemail, TerminationClosed, TerminationDeadEnd, TerminationNone:
		return true
	}
	return false
}

// Params carries the per-call model settings resolved by the configuration
// layer.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// MenuDetection is the verdict of [Suite.DetectMenu].
type MenuDetection struct {
	IsMenu     bool    `json:"is_menu" jsonschema:"description=True when the utterance announces touch-tone menu options"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reason     string  `json:"reason"`
}

// ExtractedOption is one menu option as reported by the model.
type ExtractedOption struct {
	Digit string `json:"digit" jsonschema:"description=The keypad key: 0-9 or * or #"`
	Label string `json:"label" jsonschema:"description=What the key selects, lowercased"`
}

// MenuExtraction is the verdict of [Suite.ExtractMenu].
type MenuExtraction struct {
	Options    []ExtractedOption `json:"options"`
	Complete   bool              `json:"complete" jsonschema:"description=False when the menu appears cut off mid-announcement"`
	Confidence float64           `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reason     string            `json:"reason"`
}

// Menu converts the extracted options into a normalized [callstate.Menu].
func (m MenuExtraction) Menu() callstate.Menu {
	out := make(callstate.Menu, 0, len(m.Options))
	for _, o := range m.Options {
		n := callstate.NormalizeOption(callstate.Option{Digit: o.Digit, Label: o.Label})
		if n.Digit != "" {
			out = append(out, n)
		}
	}
	return out
}

// TransferDetection is the verdict of [Suite.DetectTransferRequest].
type TransferDetection struct {
	WantsTransfer bool    `json:"wants_transfer"`
	Confidence    float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reason        string  `json:"reason"`
}

// HumanDetection is the verdict of [Suite.DetectHumanConfirmation].
type HumanDetection struct {
	IsHuman    bool    `json:"is_human"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reason     string  `json:"reason"`
}

// LoopDetection is the verdict of [Suite.DetectLoop].
type LoopDetection struct {
	IsLoop     bool    `json:"is_loop"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reason     string  `json:"reason"`
}

// TerminationDetection is the verdict of [Suite.DetectTermination].
type TerminationDetection struct {
	ShouldTerminate bool    `json:"should_terminate"`
	Reason          string  `json:"reason" jsonschema:"enum=voicemail,enum=closed,enum=dead-end,enum=none"`
	Confidence      float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Message         string  `json:"message" jsonschema:"description=Short explanation suitable for the call log"`
}

// TerminationReason returns the tagged reason, defaulting to none on
// unrecognised values.
func (t TerminationDetection) TerminationReason() TerminationReason {
	r := TerminationReason(t.Reason)
	if !r.IsValid() {
		return TerminationNone
	}
	return r
}

// IncompleteSpeech is the verdict of [Suite.DetectIncompleteSpeech].
type IncompleteSpeech struct {
	Incomplete           bool    `json:"incomplete"`
	Confidence           float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reason               string  `json:"reason"`
	SuggestedWaitSeconds float64 `json:"suggested_wait_seconds" jsonschema:"description=How long to keep listening for the continuation,minimum=0"`
}

// Response schemas, derived once from the verdict structs.
var (
	menuDetectionSchema    = llm.MustSchemaFor[MenuDetection]("menu_detection")
	menuExtractionSchema   = llm.MustSchemaFor[MenuExtraction]("menu_extraction")
	transferSchema         = llm.MustSchemaFor[TransferDetection]("transfer_request")
	humanSchema            = llm.MustSchemaFor[HumanDetection]("human_confirmation")
	loopSchema             = llm.MustSchemaFor[LoopDetection]("loop_detection")
	terminationSchema      = llm.MustSchemaFor[TerminationDetection]("termination_detection")
	incompleteSpeechSchema = llm.MustSchemaFor[IncompleteSpeech]("incomplete_speech")
)

// Suite bundles the seven classifiers over one [llm.Analyzer].
type Suite struct {
	analyzer llm.Analyzer
}

// NewSuite creates a classifier suite backed by analyzer.
func NewSuite(analyzer llm.Analyzer) *Suite {
	return &Suite{analyzer: analyzer}
}

// Analyzer exposes the backing analyzer for callers that issue bespoke
// requests outside the classifier verdicts.
func (s *Suite) Analyzer() llm.Analyzer {
	return s.analyzer
}

// DetectMenu reports whether the utterance announces an IVR menu. On LLM
// failure it falls back to a keypad-phrase pattern scan and returns the
// error for observability.
func (s *Suite) DetectMenu(ctx context.Context, p Params, utterance string) (MenuDetection, error) {
	var out MenuDetection
	err := s.analyzer.Analyze(ctx, llm.Request{
		System:      menuDetectionPrompt,
		User:        "Utterance: " + utterance,
		Schema:      menuDetectionSchema,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}, &out)
	if err != nil {
		if menuPatternRe.MatchString(utterance) {
			return MenuDetection{IsMenu: true, Confidence: 0.6, Reason: "pattern fallback"}, err
		}
		return MenuDetection{Reason: "fallback"}, err
	}
	return out, nil
}

// ExtractMenu pulls every menu option out of the utterance, even when the
// menu looks incomplete. Labels come back lowercased and trimmed.
func (s *Suite) ExtractMenu(ctx context.Context, p Params, utterance string) (MenuExtraction, error) {
	var out MenuExtraction
	err := s.analyzer.Analyze(ctx, llm.Request{
		System:      menuExtractionPrompt,
		User:        "Utterance: " + utterance,
		Schema:      menuExtractionSchema,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}, &out)
	if err != nil {
		return MenuExtraction{Reason: "fallback"}, err
	}
	for i, o := range out.Options {
		out.Options[i].Digit = strings.TrimSpace(o.Digit)
		out.Options[i].Label = strings.ToLower(strings.TrimSpace(o.Label))
	}
	return out, nil
}

// DetectTransferRequest reports whether the far end is announcing or
// offering a transfer to a human, as opposed to a menu option that merely
// names a representative queue.
func (s *Suite) DetectTransferRequest(ctx context.Context, p Params, utterance string) (TransferDetection, error) {
	var out TransferDetection
	err := s.analyzer.Analyze(ctx, llm.Request{
		System:      transferPrompt,
		User:        "Utterance: " + utterance,
		Schema:      transferSchema,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}, &out)
	if err != nil {
		return TransferDetection{Reason: "fallback"}, err
	}
	return out, nil
}

// DetectHumanConfirmation judges the response to "Am I speaking with a real
// person?".
func (s *Suite) DetectHumanConfirmation(ctx context.Context, p Params, utterance string) (HumanDetection, error) {
	var out HumanDetection
	err := s.analyzer.Analyze(ctx, llm.Request{
		System:      humanPrompt,
		User:        "Response: " + utterance,
		Schema:      humanSchema,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}, &out)
	if err != nil {
		return HumanDetection{Reason: "fallback"}, err
	}
	return out, nil
}

// DetectLoop reports whether the current menu is semantically equivalent to
// a menu already seen this call. Reworded labels still count as a loop; an
// option whose purpose materially changed breaks it.
func (s *Suite) DetectLoop(ctx context.Context, p Params, current callstate.Menu, previous []callstate.Menu) (LoopDetection, error) {
	if len(previous) == 0 {
		return LoopDetection{Reason: "no previous menus"}, nil
	}

	var sb strings.Builder
	sb.WriteString("Current menu:\n")
	writeMenu(&sb, current)
	sb.WriteString("\nPrevious menus, oldest first:\n")
	for i, m := range previous {
		fmt.Fprintf(&sb, "Menu %d:\n", i+1)
		writeMenu(&sb, m)
	}

	var out LoopDetection
	err := s.analyzer.Analyze(ctx, llm.Request{
		System:      loopPrompt,
		User:        sb.String(),
		Schema:      loopSchema,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}, &out)
	if err != nil {
		// Conservative both ways: exact repeats still trip the guard.
		if exactMenuRepeat(current, previous) {
			return LoopDetection{IsLoop: true, Confidence: 0.9, Reason: "exact repeat fallback"}, err
		}
		return LoopDetection{Reason: "fallback"}, err
	}
	return out, nil
}

// DetectTermination decides whether the call has reached voicemail, a
// closed-business announcement, or a dead end. A closed announcement
// dominates even when it also offers automated self-service options.
func (s *Suite) DetectTermination(ctx context.Context, p Params, utterance, previous string, silenceMS int) (TerminationDetection, error) {
	var sb strings.Builder
	sb.WriteString("Current utterance: " + utterance + "\n")
	if previous != "" {
		sb.WriteString("Previous utterance: " + previous + "\n")
	}
	if silenceMS > 0 {
		fmt.Fprintf(&sb, "Silence before this utterance: %d ms\n", silenceMS)
	}

	var out TerminationDetection
	err := s.analyzer.Analyze(ctx, llm.Request{
		System:      terminationPrompt,
		User:        sb.String(),
		Schema:      terminationSchema,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}, &out)
	if err != nil {
		return TerminationDetection{Reason: string(TerminationNone), Message: "fallback"}, err
	}
	if !TerminationReason(out.Reason).IsValid() {
		out.Reason = string(TerminationNone)
	}
	return out, nil
}

// DetectIncompleteSpeech reports whether the utterance was cut off
// mid-phrase. Complete menu announcements are not incomplete even without
// terminal punctuation.
func (s *Suite) DetectIncompleteSpeech(ctx context.Context, p Params, utterance string) (IncompleteSpeech, error) {
	var out IncompleteSpeech
	err := s.analyzer.Analyze(ctx, llm.Request{
		System:      incompleteSpeechPrompt,
		User:        "Utterance: " + utterance,
		Schema:      incompleteSpeechSchema,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}, &out)
	if err != nil {
		return IncompleteSpeech{Reason: "fallback"}, err
	}
	return out, nil
}

// writeMenu renders a menu one option per line for prompt context.
func writeMenu(sb *strings.Builder, m callstate.Menu) {
	for _, o := range m {
		fmt.Fprintf(sb, "  %s: %s\n", o.Digit, o.Label)
	}
}

// exactMenuRepeat reports whether current matches any previous menu as an
// unordered option set.
func exactMenuRepeat(current callstate.Menu, previous []callstate.Menu) bool {
	key := func(m callstate.Menu) string {
		opts := make([]string, len(m))
		for i, o := range m {
			opts[i] = o.Digit + "→" + o.Label
		}
		// Order-insensitive comparison via sorted join.
		slices.Sort(opts)
		return strings.Join(opts, "|")
	}
	want := key(current)
	for _, m := range previous {
		if key(m) == want {
			return true
		}
	}
	return false
}
