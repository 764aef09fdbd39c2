package voice

import (
	"github.com/dialtree/dialtree/internal/callstate"
	"github.com/dialtree/dialtree/internal/classify"
)

// DTMFDecision is the press verdict carried inside a [Decision].
type DTMFDecision struct {
	ShouldPress   bool
	Digit         string
	MatchedOption callstate.Option
	Reason        string

	// Suppressed is set when the loop guard or the press budget overrode a
	// press the chooser wanted.
	Suppressed bool
}

// Decision is the structured outcome of processing one utterance. The
// orchestrator merges it with call state and turns it into a telephony
// response; the processor itself never mutates state.
type Decision struct {
	ShouldTerminate    bool
	TerminationReason  classify.TerminationReason
	TerminationMessage string

	TransferRequested  bool
	TransferConfidence float64

	IsMenu         bool
	MenuConfidence float64

	// MenuComplete reports whether extraction judged the announcement whole.
	// Options holds the extracted options merged with any buffered partials,
	// regardless of completeness.
	MenuComplete bool
	Options      callstate.Menu

	LoopDetected   bool
	LoopConfidence float64

	DTMF DTMFDecision
}
