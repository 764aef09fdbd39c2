package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/dialtree/dialtree/internal/config"
	"github.com/dialtree/dialtree/internal/llm"
)

// agentReply is the model-facing schema for conversational replies.
type agentReply struct {
	Reply string `json:"reply" jsonschema:"description=What to say next, or the single word silent to say nothing"`
}

var replySchema = llm.MustSchemaFor[agentReply]("agent_reply")

const replyPrompt = `You are a calling assistant navigating a business's phone system on a
caller's behalf, trying to reach a live person. You only speak when spoken
input demands an answer: a direct question, a request for information you
have, or a prompt to state digits aloud. Automated announcements, hold
music descriptions, and menus need no reply. Keep any reply under two short
sentences, plain spoken English, no formatting. When nothing needs saying,
reply with the single word: silent.`

// generateReply asks the model for the rare conversational line. Errors and
// the literal "silent" reply both yield the empty string, meaning no TTS.
func (o *Orchestrator) generateReply(ctx context.Context, callID, utterance string, cfg config.CallConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal of this call: %s\n", cfg.Purpose)
	if cfg.Instructions != "" {
		fmt.Fprintf(&sb, "Extra instructions: %s\n", cfg.Instructions)
	}
	if cfg.UserPhone != "" {
		fmt.Fprintf(&sb, "Callback phone number you may give out: %s\n", cfg.UserPhone)
	}
	if cfg.UserEmail != "" {
		fmt.Fprintf(&sb, "Contact email you may give out: %s\n", cfg.UserEmail)
	}
	if utterance != "" {
		fmt.Fprintf(&sb, "They just said: %s\n", utterance)
	}

	var out agentReply
	err := o.suite.Analyzer().Analyze(ctx, llm.Request{
		System:      replyPrompt,
		User:        sb.String(),
		Schema:      replySchema,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, &out)
	o.metrics.RecordClassifier(ctx, "agent_reply", err)
	if err != nil {
		o.logger.Warn("reply generation failed", "call_id", callID, "error", err)
		return ""
	}

	reply := strings.TrimSpace(out.Reply)
	if reply == "" || strings.EqualFold(reply, silentReply) {
		return ""
	}
	return reply
}
