// Package callstate holds the mutable per-call navigation state and the
// process-wide store that owns it.
//
// One [State] exists per live call. It accumulates everything the voice
// processor needs to reason across turns: menus already seen, partially
// heard menus, buffered incomplete speech, digits pressed, and the
// human-confirmation gate for transfers. The [Store] serializes all
// mutations per call ID and evicts abandoned entries by age.
package callstate

import (
	"strings"
	"time"

	"github.com/dialtree/dialtree/internal/config"
)

// Resource caps. Calls are short-lived; these bound memory per call.
const (
	maxConversationEntries = 20
	maxPressRuns           = 5
	maxPreviousMenus       = 50

	// MaxIncompleteSpeechWaits bounds how many times a cut-off utterance may
	// be buffered for merging with its continuation.
	MaxIncompleteSpeechWaits = 2
)

// Option is a single IVR menu choice: a keypad digit paired with its spoken
// label ("press 1 for sales" → {"1", "sales"}). Labels are stored lowercased
// and trimmed.
type Option struct {
	Digit string `json:"digit"`
	Label string `json:"label"`
}

// Menu is an ordered set of options as announced by the IVR.
type Menu []Option

// NormalizeOption lowercases and trims an option label and trims the digit.
func NormalizeOption(o Option) Option {
	return Option{
		Digit: strings.TrimSpace(o.Digit),
		Label: strings.ToLower(strings.TrimSpace(o.Label)),
	}
}

// MergeOptions unions two menus keyed by (digit, label), first occurrence
// wins, preserving order of first appearance. Duplicates within either input
// are collapsed the same way.
func MergeOptions(a, b Menu) Menu {
	seen := make(map[Option]struct{}, len(a)+len(b))
	merged := make(Menu, 0, len(a)+len(b))
	for _, src := range []Menu{a, b} {
		for _, o := range src {
			o = NormalizeOption(o)
			if o.Digit == "" {
				continue
			}
			if _, dup := seen[o]; dup {
				continue
			}
			seen[o] = struct{}{}
			merged = append(merged, o)
		}
	}
	return merged
}

// clone returns a deep copy of the menu.
func (m Menu) clone() Menu {
	if m == nil {
		return nil
	}
	out := make(Menu, len(m))
	copy(out, m)
	return out
}

// PressRun tallies a run of identical digit presses across consecutive
// menu turns.
type PressRun struct {
	Digit string
	Count int
}

// Role identifies the speaker of a conversation entry.
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// ConversationEntry is one line of the bounded in-state transcript kept for
// prompt context. The durable transcript lives in the history store.
type ConversationEntry struct {
	Role Role
	Text string
	Time time.Time
}

// State is the mutable per-call record. It is owned by the [Store]; callers
// read snapshots and mutate through [Store.Update].
type State struct {
	CallID    string
	CreatedAt time.Time

	// PreviousMenus lists every complete menu observed, in order. Incomplete
	// fragments never land here.
	PreviousMenus []Menu

	// PartialMenuOptions accumulates options extracted from incomplete menu
	// utterances, awaiting the rest of the menu.
	PartialMenuOptions Menu

	// AwaitingCompleteMenu is set when the last turn looked like a menu but
	// extraction judged it incomplete.
	AwaitingCompleteMenu bool

	// LastSpeech is the most recent processed utterance, kept for context
	// and for merging with a cut-off continuation.
	LastSpeech string

	// AwaitingCompleteSpeech is set when LastSpeech was judged cut off
	// mid-phrase. Implies LastSpeech is non-empty.
	AwaitingCompleteSpeech bool

	// IncompleteSpeechWaits counts fragment merges this call; capped at
	// [MaxIncompleteSpeechWaits].
	IncompleteSpeechWaits int

	// LastPressedDigit and LastMenuForDigit record the last DTMF press and
	// the menu that justified it, for loop suppression.
	LastPressedDigit string
	LastMenuForDigit Menu

	// ConsecutivePresses tallies runs of identical presses (bounded).
	ConsecutivePresses []PressRun

	// AwaitingHumanConfirmation and HumanConfirmed gate the warm transfer.
	AwaitingHumanConfirmation bool
	HumanConfirmed            bool

	// Terminated is set once a termination decision has been acted on; later
	// turns for the same call never re-enter menu or transfer handling.
	Terminated bool

	// Conversation is the bounded rolling transcript.
	Conversation []ConversationEntry

	// Config is the call configuration captured at call start.
	Config config.CallConfig
}

// RecordMenu appends a complete menu to PreviousMenus, dropping the oldest
// entry beyond the cap, and clears the partial-menu buffer.
func (s *State) RecordMenu(m Menu) {
	s.PreviousMenus = append(s.PreviousMenus, m.clone())
	if len(s.PreviousMenus) > maxPreviousMenus {
		s.PreviousMenus = s.PreviousMenus[len(s.PreviousMenus)-maxPreviousMenus:]
	}
	s.PartialMenuOptions = nil
	s.AwaitingCompleteMenu = false
}

// RecordPress records a DTMF press against the menu that justified it and
// updates the consecutive-press tally.
func (s *State) RecordPress(digit string, menu Menu) {
	s.LastPressedDigit = digit
	s.LastMenuForDigit = menu.clone()

	if n := len(s.ConsecutivePresses); n > 0 && s.ConsecutivePresses[n-1].Digit == digit {
		s.ConsecutivePresses[n-1].Count++
	} else {
		s.ConsecutivePresses = append(s.ConsecutivePresses, PressRun{Digit: digit, Count: 1})
		if len(s.ConsecutivePresses) > maxPressRuns {
			s.ConsecutivePresses = s.ConsecutivePresses[len(s.ConsecutivePresses)-maxPressRuns:]
		}
	}
}

// LastRun returns the most recent press run, or a zero value when no digit
// has been pressed yet.
func (s *State) LastRun() PressRun {
	if len(s.ConsecutivePresses) == 0 {
		return PressRun{}
	}
	return s.ConsecutivePresses[len(s.ConsecutivePresses)-1]
}

// AppendConversation adds a transcript line, evicting the oldest beyond the
// cap.
func (s *State) AppendConversation(role Role, text string, at time.Time) {
	s.Conversation = append(s.Conversation, ConversationEntry{Role: role, Text: text, Time: at})
	if len(s.Conversation) > maxConversationEntries {
		s.Conversation = s.Conversation[len(s.Conversation)-maxConversationEntries:]
	}
}

// BufferIncompleteSpeech stores a cut-off utterance for merging with its
// continuation. Reports false when the per-call merge budget is exhausted.
func (s *State) BufferIncompleteSpeech(utterance string) bool {
	if s.IncompleteSpeechWaits >= MaxIncompleteSpeechWaits {
		return false
	}
	s.LastSpeech = utterance
	s.AwaitingCompleteSpeech = true
	s.IncompleteSpeechWaits++
	return true
}

// ClearIncompleteSpeech resets the merge flag; the wait counter is kept so
// the per-call budget holds across separate fragments.
func (s *State) ClearIncompleteSpeech() {
	s.AwaitingCompleteSpeech = false
}

// clone returns a deep copy of the state for snapshot reads.
func (s *State) clone() State {
	cp := *s
	cp.PreviousMenus = make([]Menu, len(s.PreviousMenus))
	for i, m := range s.PreviousMenus {
		cp.PreviousMenus[i] = m.clone()
	}
	cp.PartialMenuOptions = s.PartialMenuOptions.clone()
	cp.LastMenuForDigit = s.LastMenuForDigit.clone()
	cp.ConsecutivePresses = append([]PressRun(nil), s.ConsecutivePresses...)
	cp.Conversation = append([]ConversationEntry(nil), s.Conversation...)
	return cp
}
