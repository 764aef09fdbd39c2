// Package orchestrator owns the stateful side of every call turn: it merges
// voice-processor decisions with call state, writes history, and emits
// exactly one telephony response per webhook.
//
// It is the only component that mutates call state, writes history, or
// renders carrier responses. Everything upstream of it (classifiers, the
// chooser, the voice processor) is pure.
package orchestrator

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dialtree/dialtree/internal/callstate"
	"github.com/dialtree/dialtree/internal/classify"
	"github.com/dialtree/dialtree/internal/config"
	"github.com/dialtree/dialtree/internal/history"
	"github.com/dialtree/dialtree/internal/observe"
	"github.com/dialtree/dialtree/internal/twiml"
	"github.com/dialtree/dialtree/internal/voice"
)

// Spoken lines. The carrier's TTS reads these verbatim.
const (
	msgGoodbye    = "Thank you. Goodbye."
	msgHumanCheck = "Am I speaking with a real person or is this the automated system?"
	msgHold       = "Hold on, please."

	// MsgApology is spoken when a turn cannot be processed at all. The
	// webhook layer also uses it for malformed requests and panics.
	MsgApology = "I'm sorry, I'm having trouble continuing this call. Goodbye."
)

// silentReply is the literal model reply meaning "say nothing".
const silentReply = "silent"

// humanConfidenceThreshold gates the transfer dial on the
// human-confirmation verdict.
const humanConfidenceThreshold = 0.7

// turnBudget bounds one whole turn. When it expires, in-flight classifiers
// time out into their conservative defaults and the turn degrades to a
// plain gather.
const turnBudget = 25 * time.Second

// dialTimeoutSeconds is the carrier-side ring timeout for transfer dials.
const dialTimeoutSeconds = 30

// Orchestrator drives one webhook turn at a time. Turns for the same call
// arrive serialized by the carrier; turns for different calls run
// concurrently.
type Orchestrator struct {
	states    *callstate.Store
	resolver  *config.Resolver
	processor *voice.Processor
	suite     *classify.Suite
	sink      *history.Sink
	metrics   *observe.Metrics
	logger    *slog.Logger

	baseURL string
	now     func() time.Time
}

// New wires an orchestrator. metrics and logger may be nil. baseURL is the
// public base URL the carrier calls back on.
func New(states *callstate.Store, resolver *config.Resolver, processor *voice.Processor, suite *classify.Suite, sink *history.Sink, metrics *observe.Metrics, logger *slog.Logger, baseURL string) *Orchestrator {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		states:    states,
		resolver:  resolver,
		processor: processor,
		suite:     suite,
		sink:      sink,
		metrics:   metrics,
		logger:    logger,
		baseURL:   strings.TrimRight(baseURL, "/"),
		now:       time.Now,
	}
}

// StartInput carries the call-start webhook parameters.
type StartInput struct {
	CallID string
	To     string
	From   string

	// Query holds the per-call override parameters appended to the start
	// URL at origination time.
	Query url.Values
}

// StartCall initializes call state, writes the initial history row, and
// returns the first gather.
func (o *Orchestrator) StartCall(ctx context.Context, in StartInput) *twiml.Builder {
	cfg := o.resolver.Resolve(config.CallConfig{}, in.Query)

	_, existed := o.states.GetOrCreate(in.CallID)
	if !existed {
		o.metrics.ActiveCalls.Add(ctx, 1)
	}
	_, _ = o.states.Update(in.CallID, func(st *callstate.State) {
		st.Config = cfg
	})

	o.sink.StartCall(history.StartCallParams{
		CallID:    in.CallID,
		To:        in.To,
		From:      in.From,
		Purpose:   cfg.Purpose,
		StartedAt: o.now(),
	})
	o.logger.Info("call started", "call_id", in.CallID, "purpose", cfg.Purpose)

	return twiml.New(cfg.Voice, cfg.Language).Gather(o.speechURL(in.CallID))
}

// TurnInput carries one speech-turn webhook.
type TurnInput struct {
	CallID    string
	Utterance string

	// Query holds per-turn override parameters.
	Query url.Values
}

// SpeechTurn processes one utterance and returns the turn's response.
func (o *Orchestrator) SpeechTurn(ctx context.Context, in TurnInput) *twiml.Builder {
	start := o.now()
	ctx, cancel := context.WithTimeout(ctx, turnBudget)
	defer cancel()
	defer func() {
		elapsed := o.now().Sub(start)
		o.metrics.TurnDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("kind", "speech")))
		if elapsed > turnBudget {
			o.logger.Warn("turn exceeded budget", "call_id", in.CallID, "elapsed", elapsed)
		}
	}()

	snap, existed := o.states.GetOrCreate(in.CallID)
	if !existed {
		// State lost mid-call: rebuild best-effort from this webhook.
		o.metrics.ActiveCalls.Add(ctx, 1)
		snap, _ = o.states.Update(in.CallID, func(st *callstate.State) {
			st.Config = o.resolver.Resolve(config.CallConfig{}, in.Query)
		})
		o.logger.Warn("call state recreated mid-call", "call_id", in.CallID)
	}
	cfg := o.resolver.Resolve(snap.Config, in.Query)
	resp := twiml.New(cfg.Voice, cfg.Language)

	if snap.Terminated {
		return resp.Hangup()
	}

	utterance := strings.TrimSpace(in.Utterance)
	if utterance == "" {
		return resp.Gather(o.speechURL(in.CallID))
	}

	// Merge a buffered fragment with its continuation.
	previousSpeech := snap.LastSpeech
	if snap.AwaitingCompleteSpeech && snap.LastSpeech != "" {
		utterance = snap.LastSpeech + " " + utterance
	}

	// Dead air before this utterance, measured from the last transcript
	// entry. Long silences are a termination cue (voicemail beep pauses,
	// abandoned lines).
	silenceMS := 0
	if n := len(snap.Conversation); n > 0 {
		if d := o.now().Sub(snap.Conversation[n-1].Time); d > 0 {
			silenceMS = int(d / time.Millisecond)
		}
	}

	// Fragment handling: the cheap heuristic catches short cut-offs before
	// any model call; longer dangling utterances get one classifier check.
	if snap.IncompleteSpeechWaits < callstate.MaxIncompleteSpeechWaits {
		incomplete := looksCutOff(utterance)
		if !incomplete && endsDangling(utterance) {
			verdict, err := o.suite.DetectIncompleteSpeech(ctx, classifyParams(cfg), utterance)
			o.metrics.RecordClassifier(ctx, "incomplete_speech", err)
			incomplete = verdict.Incomplete && verdict.Confidence > 0.7
		}
		if incomplete {
			buffered := false
			_, _ = o.states.Update(in.CallID, func(st *callstate.State) {
				buffered = st.BufferIncompleteSpeech(utterance)
			})
			if buffered {
				o.logger.Debug("buffered incomplete speech", "call_id", in.CallID)
				return resp.Gather(o.speechURL(in.CallID))
			}
		}
	}
	snap, _ = o.states.Update(in.CallID, func(st *callstate.State) {
		st.ClearIncompleteSpeech()
		st.LastSpeech = utterance
		st.AppendConversation(callstate.RoleCaller, utterance, o.now())
	})

	o.sink.AddEvent(in.CallID, history.ConversationEvent(callstate.RoleCaller, utterance, o.now()))

	dec := o.processor.Process(ctx, voice.Input{
		Utterance:         utterance,
		PreviousUtterance: previousSpeech,
		SilenceMS:         silenceMS,
		State:             snap,
		Config:            cfg,
	})

	if dec.ShouldTerminate {
		return o.terminate(ctx, in.CallID, dec, resp)
	}

	// Human-confirmation gate: when this turn answers the realness
	// question, a confident yes dials immediately.
	if snap.AwaitingHumanConfirmation {
		if done := o.confirmHuman(ctx, in.CallID, utterance, cfg, resp); done != nil {
			return done
		}
	}

	if dec.TransferRequested {
		return o.transfer(ctx, in.CallID, snap, cfg, resp)
	}

	if dec.IsMenu || snap.AwaitingCompleteMenu {
		return o.menuTurn(ctx, in.CallID, snap, dec, resp)
	}

	return o.converse(ctx, in.CallID, utterance, cfg, resp)
}

// DigitTurn handles the digit-turn webhook: the carrier confirming digits
// were sent. It records the press and listens again.
func (o *Orchestrator) DigitTurn(ctx context.Context, callID, digits string, query url.Values) *twiml.Builder {
	start := o.now()
	defer func() {
		o.metrics.TurnDuration.Record(ctx, o.now().Sub(start).Seconds(),
			metric.WithAttributes(attribute.String("kind", "digit")))
	}()

	snap, _ := o.states.Snapshot(callID)
	cfg := o.resolver.Resolve(snap.Config, query)
	if digits != "" {
		o.sink.AddEvent(callID, history.DTMFEvent(digits, o.now()))
	}
	return twiml.New(cfg.Voice, cfg.Language).Gather(o.speechURL(callID))
}

// CallStatus records a carrier call-status callback. Terminal statuses
// close the history record and evict state.
func (o *Orchestrator) CallStatus(ctx context.Context, callID, status string) {
	if !history.TerminalStatuses[status] {
		o.sink.SetStatus(callID, status)
		return
	}
	o.sink.EndCall(callID, status, o.now())
	if _, ok := o.states.Snapshot(callID); ok {
		o.states.Clear(callID)
		o.metrics.ActiveCalls.Add(ctx, -1)
	}
	o.logger.Info("call ended", "call_id", callID, "status", status)
}

// TransferStatus records a transfer-leg status callback. It only writes
// history: the callback may arrive out of order with speech turns, or after
// the state entry is gone, and both must be harmless.
func (o *Orchestrator) TransferStatus(ctx context.Context, callID, dialStatus string) {
	success := dialStatus == "completed" || dialStatus == "answered" || dialStatus == "in-progress"
	o.sink.SetTransferSuccess(callID, success)
	o.logger.Info("transfer status", "call_id", callID, "dial_status", dialStatus, "success", success)
}

// terminate ends the call: history termination event, goodbye, hangup. The
// state entry stays behind as a tombstone so a speech turn racing the hangup
// gets another hangup instead of resuming navigation; the terminal status
// callback or the TTL sweeper evicts it.
func (o *Orchestrator) terminate(ctx context.Context, callID string, dec voice.Decision, resp *twiml.Builder) *twiml.Builder {
	reason := string(dec.TerminationReason)
	o.metrics.Terminations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	o.sink.AddEvent(callID, history.TerminationEvent(reason, dec.TerminationMessage, o.now()))
	o.sink.EndCall(callID, history.StatusTerminated, o.now())

	_, _ = o.states.Update(callID, func(st *callstate.State) {
		st.Terminated = true
	})

	o.logger.Info("call terminated", "call_id", callID, "reason", reason)
	return resp.Say(msgGoodbye).Hangup()
}

// confirmHuman classifies the answer to the realness question. A confident
// yes dials the transfer; otherwise nil is returned and the turn continues
// down the normal branches.
func (o *Orchestrator) confirmHuman(ctx context.Context, callID, utterance string, cfg config.CallConfig, resp *twiml.Builder) *twiml.Builder {
	verdict, err := o.suite.DetectHumanConfirmation(ctx, classifyParams(cfg), utterance)
	o.metrics.RecordClassifier(ctx, "human_confirmation", err)
	if !verdict.IsHuman || verdict.Confidence <= humanConfidenceThreshold {
		return nil
	}

	_, _ = o.states.Update(callID, func(st *callstate.State) {
		st.AwaitingHumanConfirmation = false
		st.HumanConfirmed = true
	})
	o.metrics.Transfers.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "confirmed")))
	return o.dialTransfer(ctx, callID, cfg, resp)
}

// transfer handles a transfer announcement: ask the realness question
// first, dial once a human is confirmed.
func (o *Orchestrator) transfer(ctx context.Context, callID string, snap callstate.State, cfg config.CallConfig, resp *twiml.Builder) *twiml.Builder {
	if !snap.HumanConfirmed {
		_, _ = o.states.Update(callID, func(st *callstate.State) {
			st.AwaitingHumanConfirmation = true
		})
		o.recordAgentLine(callID, msgHumanCheck)
		return resp.Say(msgHumanCheck).Gather(o.speechURL(callID))
	}
	return o.dialTransfer(ctx, callID, cfg, resp)
}

// dialTransfer emits the warm-transfer dial and retires the state entry.
// Status callbacks landing after the clear only touch history.
func (o *Orchestrator) dialTransfer(ctx context.Context, callID string, cfg config.CallConfig, resp *twiml.Builder) *twiml.Builder {
	if cfg.TransferNumber == "" {
		o.logger.Error("transfer requested but no transfer number configured", "call_id", callID)
		return o.converse(ctx, callID, "", cfg, resp)
	}

	o.metrics.Transfers.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "dialed")))
	o.sink.AddEvent(callID, history.TransferEvent(cfg.TransferNumber, o.now()))
	o.recordAgentLine(callID, msgHold)

	o.states.Clear(callID)
	o.metrics.ActiveCalls.Add(ctx, -1)
	o.logger.Info("dialing transfer", "call_id", callID)

	return resp.Say(msgHold).
		Dial(cfg.TransferNumber, o.transferActionURL(callID), o.transferStatusURL(callID), dialTimeoutSeconds)
}

// menuTurn applies the menu branch of the pipeline.
func (o *Orchestrator) menuTurn(ctx context.Context, callID string, snap callstate.State, dec voice.Decision, resp *twiml.Builder) *twiml.Builder {
	// A non-menu utterance abandons any partial menu.
	if snap.AwaitingCompleteMenu && !dec.IsMenu {
		_, _ = o.states.Update(callID, func(st *callstate.State) {
			st.PartialMenuOptions = nil
			st.AwaitingCompleteMenu = false
		})
		return resp.Gather(o.speechURL(callID))
	}

	if !dec.MenuComplete {
		// Enough options plus a confident chooser: press without waiting
		// for the rest of the announcement.
		if len(dec.Options) > 0 && dec.DTMF.ShouldPress {
			return o.press(ctx, callID, dec, false, resp)
		}
		_, _ = o.states.Update(callID, func(st *callstate.State) {
			st.PartialMenuOptions = dec.Options
			st.AwaitingCompleteMenu = true
		})
		o.logger.Debug("awaiting rest of menu", "call_id", callID, "options", len(dec.Options))
		return resp.Gather(o.speechURL(callID))
	}

	// Complete menu: record it, then press or hold off.
	o.sink.AddEvent(callID, history.MenuEvent(dec.Options, o.now()))
	_, _ = o.states.Update(callID, func(st *callstate.State) {
		st.RecordMenu(dec.Options)
	})

	if dec.DTMF.Suppressed {
		o.metrics.PressSuppressions.Add(ctx, 1)
		o.logger.Info("press suppressed", "call_id", callID, "reason", dec.DTMF.Reason)
		return resp.Gather(o.speechURL(callID))
	}
	if dec.DTMF.ShouldPress {
		return o.press(ctx, callID, dec, true, resp)
	}
	return resp.Gather(o.speechURL(callID))
}

// press sends the chosen digit and records it. complete reports whether the
// menu that justified it was fully heard.
func (o *Orchestrator) press(ctx context.Context, callID string, dec voice.Decision, complete bool, resp *twiml.Builder) *twiml.Builder {
	digit := dec.DTMF.Digit
	_, _ = o.states.Update(callID, func(st *callstate.State) {
		st.RecordPress(digit, dec.Options)
		if !complete {
			st.PartialMenuOptions = nil
			st.AwaitingCompleteMenu = false
		}
	})
	o.metrics.DigitPresses.Add(ctx, 1)
	o.sink.AddEvent(callID, history.DTMFEvent(digit, o.now()))
	o.logger.Info("pressing digit",
		"call_id", callID,
		"digit", digit,
		"option", dec.DTMF.MatchedOption.Label,
		"reason", dec.DTMF.Reason)

	return resp.PressDigits(digit).Pause(1).Gather(o.speechURL(callID))
}

// converse emits the rare conversational reply and always gathers again.
func (o *Orchestrator) converse(ctx context.Context, callID, utterance string, cfg config.CallConfig, resp *twiml.Builder) *twiml.Builder {
	reply := o.generateReply(ctx, callID, utterance, cfg)
	if reply != "" {
		o.recordAgentLine(callID, reply)
		resp.Say(reply)
	}
	return resp.Gather(o.speechURL(callID))
}

// recordAgentLine logs one agent utterance to state and history.
func (o *Orchestrator) recordAgentLine(callID, text string) {
	_, _ = o.states.Update(callID, func(st *callstate.State) {
		st.AppendConversation(callstate.RoleAgent, text, o.now())
	})
	o.sink.AddEvent(callID, history.ConversationEvent(callstate.RoleAgent, text, o.now()))
}

// classifyParams maps call config onto classifier parameters.
func classifyParams(cfg config.CallConfig) classify.Params {
	return classify.Params{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Webhook URL builders. The carrier echoes call_id back in its POST body as
// well; the query parameter keeps the URLs self-describing in carrier logs.
func (o *Orchestrator) speechURL(callID string) string {
	return o.baseURL + "/voice/speech?call_id=" + url.QueryEscape(callID)
}

func (o *Orchestrator) transferActionURL(callID string) string {
	return o.baseURL + "/voice/transfer-action?call_id=" + url.QueryEscape(callID)
}

func (o *Orchestrator) transferStatusURL(callID string) string {
	return o.baseURL + "/voice/transfer-status?call_id=" + url.QueryEscape(callID)
}
