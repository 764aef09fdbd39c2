package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dialtree/dialtree/internal/callstate"
	"github.com/dialtree/dialtree/internal/classify"
	"github.com/dialtree/dialtree/internal/config"
	"github.com/dialtree/dialtree/internal/dtmf"
	"github.com/dialtree/dialtree/internal/history"
	historymock "github.com/dialtree/dialtree/internal/history/mock"
	llmmock "github.com/dialtree/dialtree/internal/llm/mock"
	"github.com/dialtree/dialtree/internal/twiml"
	"github.com/dialtree/dialtree/internal/voice"
)

type fixture struct {
	orch     *Orchestrator
	analyzer *llmmock.Analyzer
	states   *callstate.Store
	store    *historymock.Store
	sink     *history.Sink
}

// newFixture wires an orchestrator over mocks. The analyzer starts with
// all-negative first-stage verdicts; tests override what they exercise.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	analyzer := &llmmock.Analyzer{}
	analyzer.Respond("termination_detection", classify.TerminationDetection{Reason: "none"})
	analyzer.Respond("transfer_request", classify.TransferDetection{})
	analyzer.Respond("menu_detection", classify.MenuDetection{})
	analyzer.Respond("agent_reply", map[string]string{"reply": "silent"})

	suite := classify.NewSuite(analyzer)
	processor := voice.NewProcessor(suite, dtmf.NewChooser(analyzer), nil)
	states := callstate.NewStore()
	store := historymock.New()
	sink := history.NewSink(store, nil)
	t.Cleanup(sink.Close)

	cfg := &config.Config{
		TransferNumber: "+15559998888",
		CallPurpose:    "speak with a representative",
		TTSVoice:       "Polly.Joanna",
		TTSLanguage:    "en-US",
		LLMModel:       "gpt-4o-mini",
		LLMMaxTokens:   512,
		LLMTemperature: 0.1,
	}
	resolver := config.NewResolver(cfg, nil)

	orch := New(states, resolver, processor, suite, sink, nil, nil, "https://agent.example.com")
	return &fixture{orch: orch, analyzer: analyzer, states: states, store: store, sink: sink}
}

func render(t *testing.T, b *twiml.Builder) string {
	t.Helper()
	out, err := b.Render()
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	return string(out)
}

func (f *fixture) start(t *testing.T, callID string) {
	t.Helper()
	got := render(t, f.orch.StartCall(context.Background(), StartInput{
		CallID: callID,
		To:     "+15550001111",
		From:   "+15550002222",
	}))
	if !strings.Contains(got, "<Gather") {
		t.Fatalf("StartCall response missing gather:\n%s", got)
	}
}

func TestDirectTransferConfirmation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA1")

	// Turn 1: transfer announced, human not yet confirmed.
	f.analyzer.Respond("transfer_request", classify.TransferDetection{WantsTransfer: true, Confidence: 0.9})
	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA1",
		Utterance: "I'm transferring you now to a representative.",
	}))
	if !strings.Contains(got, msgHumanCheck) {
		t.Fatalf("response missing realness question:\n%s", got)
	}
	if strings.Contains(got, "<Dial") {
		t.Fatal("dialed before human confirmation")
	}
	snap, ok := f.states.Snapshot("CA1")
	if !ok || !snap.AwaitingHumanConfirmation {
		t.Fatalf("state = %+v, want awaiting human confirmation", snap)
	}

	// Turn 2: a human answers the question.
	f.analyzer.Respond("transfer_request", classify.TransferDetection{})
	f.analyzer.Respond("human_confirmation", classify.HumanDetection{IsHuman: true, Confidence: 0.95})
	got = render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA1",
		Utterance: "Yes, this is a real person.",
	}))
	if !strings.Contains(got, msgHold) || !strings.Contains(got, ">+15559998888</Number>") {
		t.Fatalf("response missing transfer dial:\n%s", got)
	}
	if !strings.Contains(got, `answerOnBridge="true"`) {
		t.Errorf("dial missing answer-on-media:\n%s", got)
	}
	if _, ok := f.states.Snapshot("CA1"); ok {
		t.Error("state not cleared after transfer dial")
	}
}

func TestHumanConfirmationNeedsConfidence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA2")
	f.states.Update("CA2", func(st *callstate.State) { st.AwaitingHumanConfirmation = true })

	f.analyzer.Respond("human_confirmation", classify.HumanDetection{IsHuman: true, Confidence: 0.5})
	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA2",
		Utterance: "Please hold.",
	}))
	if strings.Contains(got, "<Dial") {
		t.Fatalf("dialed on low-confidence confirmation:\n%s", got)
	}
	if !strings.Contains(got, "<Gather") {
		t.Errorf("expected gather:\n%s", got)
	}
}

func TestRepresentativeOptionPress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA3")

	f.analyzer.Respond("menu_detection", classify.MenuDetection{IsMenu: true, Confidence: 0.95})
	f.analyzer.Respond("menu_extraction", classify.MenuExtraction{
		Options: []classify.ExtractedOption{
			{Digit: "0", Label: "speak with a representative"},
			{Digit: "1", Label: "sales"},
		},
		Complete: true,
	})
	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA3",
		Utterance: "press 0 to speak with a representative, press 1 for sales",
	}))
	if !strings.Contains(got, `<Play digits="0">`) && !strings.Contains(got, `<Play digits="0"/>`) {
		t.Fatalf("response missing press of 0:\n%s", got)
	}
	if !strings.Contains(got, "<Gather") {
		t.Errorf("press must end with a gather:\n%s", got)
	}

	snap, _ := f.states.Snapshot("CA3")
	if snap.LastPressedDigit != "0" {
		t.Errorf("LastPressedDigit = %q, want 0", snap.LastPressedDigit)
	}
	if len(snap.PreviousMenus) != 1 {
		t.Errorf("PreviousMenus = %d entries, want 1", len(snap.PreviousMenus))
	}
}

func TestLoopGuardYieldsGatherOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA4")

	menuUtterance := "press 2 for a financial estimate, press 5 for all other inquiries"
	f.analyzer.Respond("menu_detection", classify.MenuDetection{IsMenu: true, Confidence: 0.95})
	f.analyzer.Respond("menu_extraction", classify.MenuExtraction{
		Options: []classify.ExtractedOption{
			{Digit: "2", Label: "financial estimate"},
			{Digit: "5", Label: "all other inquiries"},
		},
		Complete: true,
	})

	// First appearance: press 5.
	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{CallID: "CA4", Utterance: menuUtterance}))
	if !strings.Contains(got, `digits="5"`) {
		t.Fatalf("first appearance should press 5:\n%s", got)
	}

	// Second appearance: high-confidence loop suppresses the press.
	f.analyzer.Respond("loop_detection", classify.LoopDetection{IsLoop: true, Confidence: 0.85})
	got = render(t, f.orch.SpeechTurn(context.Background(), TurnInput{CallID: "CA4", Utterance: menuUtterance}))
	if strings.Contains(got, "<Play") {
		t.Fatalf("loop guard did not suppress press:\n%s", got)
	}
	if !strings.Contains(got, "<Gather") {
		t.Errorf("suppressed turn must still gather:\n%s", got)
	}
}

func TestClosedBusinessTerminates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA5")

	f.analyzer.Respond("termination_detection", classify.TerminationDetection{
		ShouldTerminate: true,
		Reason:          "closed",
		Confidence:      0.9,
		Message:         "office closed",
	})
	f.analyzer.Respond("menu_detection", classify.MenuDetection{IsMenu: true, Confidence: 0.8})
	f.analyzer.Respond("menu_extraction", classify.MenuExtraction{
		Options:  []classify.ExtractedOption{{Digit: "1", Label: "balance"}, {Digit: "2", Label: "payment"}},
		Complete: true,
	})

	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA5",
		Utterance: "Our office is currently closed. Press 1 for balance, press 2 for payment.",
	}))
	if !strings.Contains(got, msgGoodbye) {
		t.Errorf("response missing goodbye:\n%s", got)
	}
	if !strings.Contains(got, "<Hangup") {
		t.Errorf("response missing hangup:\n%s", got)
	}
	if strings.Contains(got, "<Play") || strings.Contains(got, "<Gather") {
		t.Errorf("terminated call must not press or gather:\n%s", got)
	}
	snap, ok := f.states.Snapshot("CA5")
	if !ok || !snap.Terminated {
		t.Errorf("state = %+v (ok=%v), want a terminated tombstone", snap, ok)
	}

	f.sink.Close()
	rec, err := f.store.GetCall(context.Background(), "CA5")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if rec.Status != history.StatusTerminated {
		t.Errorf("history status = %q, want terminated", rec.Status)
	}
	var sawTermination bool
	for _, ev := range rec.Events {
		if ev.Type == history.EventTermination && ev.Reason == "closed" {
			sawTermination = true
		}
	}
	if !sawTermination {
		t.Error("no closed termination event recorded")
	}
}

func TestTerminatedCallIgnoresLaterTurns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA14")

	f.analyzer.Respond("termination_detection", classify.TerminationDetection{
		ShouldTerminate: true,
		Reason:          "closed",
		Confidence:      0.9,
	})
	render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA14",
		Utterance: "We are closed.",
	}))

	// A menu announcement arriving after the goodbye must not restart
	// navigation.
	f.analyzer.Respond("termination_detection", classify.TerminationDetection{Reason: "none"})
	f.analyzer.Respond("menu_detection", classify.MenuDetection{IsMenu: true, Confidence: 0.95})
	f.analyzer.Respond("menu_extraction", classify.MenuExtraction{
		Options:  []classify.ExtractedOption{{Digit: "0", Label: "speak with a representative"}},
		Complete: true,
	})
	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA14",
		Utterance: "press 0 to speak with a representative",
	}))
	if !strings.Contains(got, "<Hangup") {
		t.Fatalf("post-termination turn must hang up:\n%s", got)
	}
	if strings.Contains(got, "<Play") || strings.Contains(got, "<Gather") {
		t.Errorf("post-termination turn pressed or gathered:\n%s", got)
	}
	if got := f.analyzer.CallsFor("menu_detection"); len(got) != 1 {
		t.Errorf("menu detection ran %d times, want 1 (first turn only)", len(got))
	}

	// The terminal status callback still evicts the tombstone.
	f.orch.CallStatus(context.Background(), "CA14", "completed")
	if _, ok := f.states.Snapshot("CA14"); ok {
		t.Error("tombstone not evicted by terminal status")
	}
}

func TestSilenceFeedsTermination(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA15")

	// Pin the clock and plant a transcript entry twelve seconds back.
	turnTime := time.Now()
	f.orch.now = func() time.Time { return turnTime }
	f.states.Update("CA15", func(st *callstate.State) {
		st.AppendConversation(callstate.RoleCaller, "Please hold.", turnTime.Add(-12*time.Second))
	})

	f.analyzer.Respond("termination_detection", classify.TerminationDetection{
		ShouldTerminate: true,
		Reason:          "voicemail",
		Confidence:      0.85,
	})
	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA15",
		Utterance: "Please leave a message after the tone.",
	}))
	if !strings.Contains(got, msgGoodbye) || !strings.Contains(got, "<Hangup") {
		t.Fatalf("silence-driven voicemail should end the call:\n%s", got)
	}

	calls := f.analyzer.CallsFor("termination_detection")
	if len(calls) != 1 {
		t.Fatalf("got %d termination calls, want 1", len(calls))
	}
	if !strings.Contains(calls[0].User, "Silence before this utterance: 12000 ms") {
		t.Errorf("termination prompt missing silence duration: %q", calls[0].User)
	}
}

func TestIncompleteThenCompleteMenu(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA6")

	// Purpose that matches nothing directly, so the chooser falls through
	// to the generic option.
	f.states.Update("CA6", func(st *callstate.State) {
		st.Config.Purpose = "ask about a general inquiry"
	})
	f.analyzer.Respond("dtmf_choice", map[string]any{"should_press": false, "digit": "", "reason": "menu incomplete"})

	// Turn A: menu cut off after "press 2 for".
	f.analyzer.Respond("menu_detection", classify.MenuDetection{IsMenu: true, Confidence: 0.9})
	f.analyzer.Respond("menu_extraction", classify.MenuExtraction{
		Options:  []classify.ExtractedOption{{Digit: "1", Label: "sales"}},
		Complete: false,
	})
	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA6",
		Utterance: "Press 1 for sales, press 2 for",
	}))
	if strings.Contains(got, "<Play") {
		t.Fatalf("pressed on incomplete menu without a chooser pick:\n%s", got)
	}
	snap, _ := f.states.Snapshot("CA6")
	if !snap.AwaitingCompleteMenu || len(snap.PartialMenuOptions) != 1 {
		t.Fatalf("state = %+v, want partial menu buffered", snap)
	}
	if len(snap.PreviousMenus) != 0 {
		t.Error("incomplete menu must not land in PreviousMenus")
	}

	// Turn B: the rest of the menu arrives and merges.
	f.analyzer.Respond("menu_extraction", classify.MenuExtraction{
		Options:  []classify.ExtractedOption{{Digit: "2", Label: "support"}, {Digit: "3", Label: "all other"}},
		Complete: true,
	})
	got = render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA6",
		Utterance: "support, press 3 for all other",
	}))
	if !strings.Contains(got, `digits="3"`) {
		t.Fatalf("merged menu should press the generic option 3:\n%s", got)
	}

	snap, _ = f.states.Snapshot("CA6")
	if snap.AwaitingCompleteMenu || snap.PartialMenuOptions != nil {
		t.Errorf("partial buffer not cleared: %+v", snap)
	}
	if len(snap.PreviousMenus) != 1 || len(snap.PreviousMenus[0]) != 3 {
		t.Errorf("PreviousMenus = %+v, want one menu of three options", snap.PreviousMenus)
	}
}

func TestIncompleteSpeechMerge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA7")

	// Turn A: long dangling fragment; the classifier judges it cut off.
	f.analyzer.Respond("incomplete_speech", classify.IncompleteSpeech{Incomplete: true, Confidence: 0.9})
	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA7",
		Utterance: "Thank you for calling, this call may be",
	}))
	if strings.Contains(got, "<Say") || strings.Contains(got, "<Play") {
		t.Fatalf("fragment turn must be gather-only:\n%s", got)
	}
	if got := f.analyzer.CallsFor("termination_detection"); len(got) != 0 {
		t.Fatalf("fragment turn ran the processor: %d termination calls", len(got))
	}
	snap, _ := f.states.Snapshot("CA7")
	if !snap.AwaitingCompleteSpeech || snap.IncompleteSpeechWaits != 1 {
		t.Fatalf("state = %+v, want buffered fragment with one wait", snap)
	}

	// Turn B: the continuation is processed as the combined phrase.
	got = render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA7",
		Utterance: "recorded for quality.",
	}))
	if !strings.Contains(got, "<Gather") {
		t.Errorf("expected gather:\n%s", got)
	}
	calls := f.analyzer.CallsFor("termination_detection")
	if len(calls) != 1 {
		t.Fatalf("got %d termination calls after merge, want 1", len(calls))
	}
	if !strings.Contains(calls[0].User, "Thank you for calling, this call may be recorded for quality.") {
		t.Errorf("processor did not see merged utterance: %q", calls[0].User)
	}
}

func TestConversationalReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA8")

	f.analyzer.Respond("agent_reply", map[string]string{"reply": "My callback number is 5 5 5 0 1 0 0."})
	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA8",
		Utterance: "What number can we reach you on?",
	}))
	if !strings.Contains(got, "My callback number is 5 5 5 0 1 0 0.") {
		t.Errorf("response missing spoken reply:\n%s", got)
	}
	if !strings.Contains(got, "<Gather") {
		t.Errorf("reply must end with a gather:\n%s", got)
	}
}

func TestSilentReplyEmitsNoTTS(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA9")

	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{
		CallID:    "CA9",
		Utterance: "Your call is important to us.",
	}))
	if strings.Contains(got, "<Say") {
		t.Errorf("silent reply must not speak:\n%s", got)
	}
	if !strings.Contains(got, "<Gather") {
		t.Errorf("expected gather:\n%s", got)
	}
}

func TestDigitTurnRecordsAndGathers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA10")

	got := render(t, f.orch.DigitTurn(context.Background(), "CA10", "5", nil))
	if !strings.Contains(got, "<Gather") {
		t.Errorf("expected gather:\n%s", got)
	}

	f.sink.Close()
	rec, err := f.store.GetCall(context.Background(), "CA10")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	var sawDigit bool
	for _, ev := range rec.Events {
		if ev.Type == history.EventDTMF && ev.Digit == "5" {
			sawDigit = true
		}
	}
	if !sawDigit {
		t.Error("digit turn not recorded in history")
	}
}

func TestCallStatusTerminalClearsState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA11")

	f.orch.CallStatus(context.Background(), "CA11", "completed")
	if _, ok := f.states.Snapshot("CA11"); ok {
		t.Error("state not cleared on terminal status")
	}

	f.sink.Close()
	rec, err := f.store.GetCall(context.Background(), "CA11")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if rec.Status != history.StatusCompleted || rec.EndedAt == nil {
		t.Errorf("record = %+v, want completed with end time", rec)
	}
}

func TestTransferStatusNeverTouchesState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// No state at all: the callback arrives after the entry was cleared.
	f.orch.TransferStatus(context.Background(), "CA12", "completed")

	f.sink.Close()
	rec, err := f.store.GetCall(context.Background(), "CA12")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if rec.TransferSuccess == nil || !*rec.TransferSuccess {
		t.Errorf("TransferSuccess = %v, want true", rec.TransferSuccess)
	}
	if _, ok := f.states.Snapshot("CA12"); ok {
		t.Error("transfer status created live state")
	}
}

func TestEmptyUtteranceGathers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t, "CA13")

	got := render(t, f.orch.SpeechTurn(context.Background(), TurnInput{CallID: "CA13", Utterance: "  "}))
	if !strings.Contains(got, "<Gather") || strings.Contains(got, "<Say") {
		t.Errorf("empty utterance should gather silently:\n%s", got)
	}
	if len(f.analyzer.Calls) != 0 {
		t.Errorf("empty utterance ran %d classifier calls, want 0", len(f.analyzer.Calls))
	}
}
