// Package voice turns one utterance plus the call's accumulated state into
// a structured [Decision].
//
// The processor is a pure function over its inputs: it issues classifier
// and chooser queries concurrently but performs no state mutation and no
// telephony I/O. That keeps the whole navigation policy testable against
// scripted classifier verdicts.
package voice

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/dialtree/dialtree/internal/callstate"
	"github.com/dialtree/dialtree/internal/classify"
	"github.com/dialtree/dialtree/internal/config"
	"github.com/dialtree/dialtree/internal/dtmf"
)

// loopSuppressionThreshold is the loop confidence above which a press is
// suppressed when any digit was pressed before this turn.
const loopSuppressionThreshold = 0.7

// maxConsecutivePresses caps how many times the same digit may be pressed in
// a row before further presses are suppressed.
const maxConsecutivePresses = 3

// Input is everything one processing pass reads.
type Input struct {
	// Utterance is the effective speech for this turn, with any buffered
	// fragment already merged in by the orchestrator.
	Utterance string

	// PreviousUtterance and SilenceMS feed termination detection.
	PreviousUtterance string
	SilenceMS         int

	// State is a snapshot of the call's accumulated state. The processor
	// never writes through it.
	State callstate.State

	// Config is the call configuration resolved for this turn.
	Config config.CallConfig
}

// Processor runs the classifier fan-out and the chooser for each turn.
type Processor struct {
	suite   *classify.Suite
	chooser *dtmf.Chooser
	logger  *slog.Logger
}

// NewProcessor creates a processor. logger may be nil.
func NewProcessor(suite *classify.Suite, chooser *dtmf.Chooser, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{suite: suite, chooser: chooser, logger: logger}
}

// Process classifies the utterance and assembles the turn decision.
//
// Classifier failures are not fatal: each failed classifier contributes its
// conservative default verdict and the pass continues, so a degraded model
// backend degrades navigation rather than dropping the call.
func (p *Processor) Process(ctx context.Context, in Input) Decision {
	params := classify.Params{
		Model:       in.Config.Model,
		MaxTokens:   in.Config.MaxTokens,
		Temperature: in.Config.Temperature,
	}

	var (
		termination classify.TerminationDetection
		transfer    classify.TransferDetection
		menu        classify.MenuDetection
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		termination, err = p.suite.DetectTermination(gctx, params, in.Utterance, in.PreviousUtterance, in.SilenceMS)
		p.warnOnErr(in.State.CallID, "termination", err)
		return nil
	})
	g.Go(func() error {
		var err error
		transfer, err = p.suite.DetectTransferRequest(gctx, params, in.Utterance)
		p.warnOnErr(in.State.CallID, "transfer", err)
		return nil
	})
	g.Go(func() error {
		var err error
		menu, err = p.suite.DetectMenu(gctx, params, in.Utterance)
		p.warnOnErr(in.State.CallID, "menu detection", err)
		return nil
	})
	_ = g.Wait()

	dec := Decision{
		ShouldTerminate:    termination.ShouldTerminate,
		TerminationReason:  termination.TerminationReason(),
		TerminationMessage: termination.Message,
		TransferRequested:  transfer.WantsTransfer,
		TransferConfidence: transfer.Confidence,
		IsMenu:             menu.IsMenu,
		MenuConfidence:     menu.Confidence,
	}
	if !menu.IsMenu {
		return dec
	}

	extraction, err := p.suite.ExtractMenu(ctx, params, in.Utterance)
	p.warnOnErr(in.State.CallID, "menu extraction", err)

	dec.MenuComplete = extraction.Complete
	dec.Options = callstate.MergeOptions(in.State.PartialMenuOptions, extraction.Menu())

	var (
		loop   classify.LoopDetection
		choice dtmf.Decision
	)
	g2, g2ctx := errgroup.WithContext(ctx)
	if len(in.State.PreviousMenus) > 0 {
		g2.Go(func() error {
			var lerr error
			loop, lerr = p.suite.DetectLoop(g2ctx, params, dec.Options, in.State.PreviousMenus)
			p.warnOnErr(in.State.CallID, "loop detection", lerr)
			return nil
		})
	}
	g2.Go(func() error {
		var cerr error
		choice, cerr = p.chooser.Choose(g2ctx, params, in.Utterance, dec.Options, in.Config.Purpose, in.Config.Instructions)
		p.warnOnErr(in.State.CallID, "dtmf chooser", cerr)
		return nil
	})
	_ = g2.Wait()

	dec.LoopDetected = loop.IsLoop
	dec.LoopConfidence = loop.Confidence
	dec.DTMF = DTMFDecision{
		ShouldPress:   choice.ShouldPress,
		Digit:         choice.Digit,
		MatchedOption: choice.MatchedOption,
		Reason:        choice.Reason,
	}

	if reason, suppress := p.shouldPreventDTMF(in.State, loop); suppress && dec.DTMF.ShouldPress {
		dec.DTMF.ShouldPress = false
		dec.DTMF.Suppressed = true
		dec.DTMF.Reason = reason
		p.logger.Info("dtmf suppressed",
			"call_id", in.State.CallID,
			"reason", reason,
			"chooser_digit", choice.Digit)
	}
	return dec
}

// shouldPreventDTMF applies the loop guard and the consecutive-press budget.
// A high-confidence loop suppresses any press once a digit has been pressed
// this call, even a different digit; that reading keeps the agent from
// orbiting a menu cycle through alternating keys.
func (p *Processor) shouldPreventDTMF(st callstate.State, loop classify.LoopDetection) (string, bool) {
	if loop.IsLoop && loop.Confidence > loopSuppressionThreshold && st.LastPressedDigit != "" {
		return "menu loop detected after a previous press", true
	}
	if run := st.LastRun(); run.Count >= maxConsecutivePresses && run.Digit == st.LastPressedDigit {
		return "consecutive press budget exhausted", true
	}
	return "", false
}

// warnOnErr logs a degraded classifier; the pass continues on defaults.
func (p *Processor) warnOnErr(callID, stage string, err error) {
	if err != nil {
		p.logger.Warn("classifier degraded", "call_id", callID, "stage", stage, "error", err)
	}
}
