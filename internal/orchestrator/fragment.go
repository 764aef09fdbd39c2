package orchestrator

import "strings"

// danglingWords end an utterance that was almost certainly cut off
// mid-phrase. The list covers conjunctions, prepositions, articles, and the
// menu words an IVR pauses after.
var danglingWords = map[string]bool{
	"and": true, "or": true, "but": true,
	"for": true, "to": true, "of": true, "with": true, "in": true, "on": true, "at": true, "by": true,
	"the": true, "a": true, "an": true,
	"is": true, "are": true, "be": true, "was": true, "may": true, "will": true, "can": true,
	"please": true, "press": true, "dial": true, "select": true, "your": true, "our": true,
}

// maxFragmentWords bounds the cheap heuristic: longer utterances carry
// enough context to classify even when cut off.
const maxFragmentWords = 5

// endsDangling reports whether the utterance stops without terminal
// punctuation on a dangling continuation word.
func endsDangling(utterance string) bool {
	trimmed := strings.TrimSpace(utterance)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?") {
		return false
	}
	words := strings.Fields(trimmed)
	last := strings.ToLower(strings.Trim(words[len(words)-1], ",;:"))
	return danglingWords[last]
}

// looksCutOff is the cheap pre-LLM fragment check: short, no terminal
// punctuation, and ending on a dangling continuation word. Longer dangling
// utterances go through the incomplete-speech classifier instead.
func looksCutOff(utterance string) bool {
	if !endsDangling(utterance) {
		return false
	}
	return len(strings.Fields(utterance)) < maxFragmentWords
}
