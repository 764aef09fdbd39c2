// Package dtmf picks which keypad digit, if any, to press for a given IVR
// menu and call purpose.
//
// The chooser is stateless: loop suppression and press budgets are enforced
// by the voice processor. Cheap lexical rules run first; the language model
// is only consulted when no local rule fires.
package dtmf

import (
	"context"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/dialtree/dialtree/internal/callstate"
	"github.com/dialtree/dialtree/internal/classify"
	"github.com/dialtree/dialtree/internal/llm"
)

// Decision is the chooser's verdict for one menu.
type Decision struct {
	ShouldPress   bool
	Digit         string
	MatchedOption callstate.Option
	Reason        string
}

// llmChoice is the model-facing schema for the semantic matching pass.
type llmChoice struct {
	ShouldPress bool   `json:"should_press"`
	Digit       string `json:"digit" jsonschema:"description=The keypad key to press, empty when not pressing"`
	Reason      string `json:"reason"`
}

var choiceSchema = llm.MustSchemaFor[llmChoice]("dtmf_choice")

const choicePrompt = `You navigate a business phone tree on behalf of a caller. Given the
caller's goal and the menu options heard, decide which single key to press.
Press only when an option clearly continues toward the goal; for yes/no
continuation questions pick the answer that advances the goal. If no option
fits, do not press. Never invent a key that was not offered.`

// representativeSynonyms are option labels treated as a live-human queue.
var representativeSynonyms = []string{
	"representative",
	"operator",
	"agent",
	"customer service",
	"customer support",
	"support",
	"all other inquiries",
	"speak to someone",
	"speak with someone",
	"member services",
}

// representativePurposes are purposes that mean "reach a live human".
var representativePurposes = []string{
	"speak with a representative",
	"speak to a representative",
	"talk to a representative",
	"speak with a human",
	"talk to a human",
	"speak to an agent",
	"talk to an agent",
	"reach a person",
	"customer service",
}

// Chooser picks digits for menus. The analyzer backs the semantic matching
// pass; the lexical rules need no I/O.
type Chooser struct {
	analyzer llm.Analyzer
}

// NewChooser creates a chooser over analyzer.
func NewChooser(analyzer llm.Analyzer) *Chooser {
	return &Chooser{analyzer: analyzer}
}

// Choose applies the decision rules in priority order: empty menus are never
// pressed; exact and representative-synonym matches short-circuit; menus
// asking the caller to key in a phone number are declined so the digits can
// be spoken instead; otherwise the model arbitrates, falling back to a
// generic "other" option when it declines.
func (c *Chooser) Choose(ctx context.Context, p classify.Params, utterance string, options callstate.Menu, purpose, instructions string) (Decision, error) {
	if len(options) == 0 {
		return Decision{Reason: "no options to choose from"}, nil
	}
	purpose = strings.ToLower(strings.TrimSpace(purpose))

	if opt, ok := exactMatch(purpose, options); ok {
		return press(opt, "label matches call purpose"), nil
	}
	if wantsRepresentative(purpose) {
		if opt, ok := representativeMatch(options); ok {
			return press(opt, "representative option for live-human purpose"), nil
		}
	}
	if asksForPhoneNumber(purpose, utterance, options) {
		return Decision{Reason: "menu wants a phone number keyed in; digits will be spoken"}, nil
	}

	dec, err := c.semanticMatch(ctx, p, utterance, options, purpose, instructions)
	if err == nil && dec.ShouldPress {
		return dec, nil
	}

	if opt, ok := genericOtherMatch(options); ok {
		return press(opt, "fell back to generic other option"), err
	}
	if err != nil {
		return Decision{Reason: "no match (model unavailable)"}, err
	}
	return Decision{Reason: dec.Reason}, nil
}

// semanticMatch asks the model to arbitrate. A digit the menu never offered
// is treated as a decline.
func (c *Chooser) semanticMatch(ctx context.Context, p classify.Params, utterance string, options callstate.Menu, purpose, instructions string) (Decision, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", purpose)
	if instructions != "" {
		fmt.Fprintf(&sb, "Extra instructions: %s\n", instructions)
	}
	if utterance != "" {
		fmt.Fprintf(&sb, "Menu as heard: %s\n", utterance)
	}
	sb.WriteString("Options:\n")
	for _, o := range options {
		fmt.Fprintf(&sb, "  %s: %s\n", o.Digit, o.Label)
	}

	var choice llmChoice
	err := c.analyzer.Analyze(ctx, llm.Request{
		System:      choicePrompt,
		User:        sb.String(),
		Schema:      choiceSchema,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}, &choice)
	if err != nil {
		return Decision{}, fmt.Errorf("dtmf: semantic match: %w", err)
	}
	if !choice.ShouldPress {
		return Decision{Reason: choice.Reason}, nil
	}
	for _, o := range options {
		if o.Digit == strings.TrimSpace(choice.Digit) {
			return press(o, choice.Reason), nil
		}
	}
	return Decision{Reason: "model chose a key the menu never offered"}, nil
}

// press builds a pressing decision for opt.
func press(opt callstate.Option, reason string) Decision {
	return Decision{ShouldPress: true, Digit: opt.Digit, MatchedOption: opt, Reason: reason}
}

// exactMatch finds an option whose label equals or contains the purpose, or
// sits within a small edit distance of it.
func exactMatch(purpose string, options callstate.Menu) (callstate.Option, bool) {
	if purpose == "" {
		return callstate.Option{}, false
	}
	for _, o := range options {
		if o.Label == purpose || strings.Contains(o.Label, purpose) {
			return o, true
		}
		if fuzzyEqual(o.Label, purpose) {
			return o, true
		}
	}
	return callstate.Option{}, false
}

// wantsRepresentative reports whether the purpose asks for a live human.
func wantsRepresentative(purpose string) bool {
	for _, p := range representativePurposes {
		if purpose == p || strings.Contains(purpose, p) || fuzzyEqual(purpose, p) {
			return true
		}
	}
	return false
}

// representativeMatch finds an option labelled as a live-human queue.
func representativeMatch(options callstate.Menu) (callstate.Option, bool) {
	for _, o := range options {
		for _, syn := range representativeSynonyms {
			if strings.Contains(o.Label, syn) || fuzzyEqual(o.Label, syn) {
				return o, true
			}
		}
	}
	return callstate.Option{}, false
}

// genericOtherMatch finds a catch-all option.
func genericOtherMatch(options callstate.Menu) (callstate.Option, bool) {
	for _, o := range options {
		l := o.Label
		if strings.Contains(l, "all other") || strings.Contains(l, "otherwise") ||
			strings.Contains(l, "anything else") || strings.Contains(l, "everything else") ||
			l == "other" || strings.HasPrefix(l, "other ") || strings.HasSuffix(l, " other") {
			return o, true
		}
	}
	return callstate.Option{}, false
}

// asksForPhoneNumber reports whether the purpose is about a phone number
// while the menu wants one keyed in. Speaking the digits is handled by the
// conversational branch, not a press.
func asksForPhoneNumber(purpose, utterance string, options callstate.Menu) bool {
	purposeWantsNumber := strings.Contains(purpose, "phone number") ||
		strings.Contains(purpose, "callback number") ||
		strings.Contains(purpose, "number on file")
	if !purposeWantsNumber {
		return false
	}
	wantsEntry := func(s string) bool {
		s = strings.ToLower(s)
		return (strings.Contains(s, "enter") || strings.Contains(s, "key in") || strings.Contains(s, "type")) &&
			(strings.Contains(s, "number") || strings.Contains(s, "digits"))
	}
	if wantsEntry(utterance) {
		return true
	}
	for _, o := range options {
		if wantsEntry(o.Label) {
			return true
		}
	}
	return false
}

// fuzzyEqual tolerates transcription slips between two short phrases.
func fuzzyEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return matchr.JaroWinkler(a, b, true) >= 0.92
}
