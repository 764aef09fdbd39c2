package classify

// System prompts for the classifier suite. Each instructs the model to fill
// the matching JSON schema and nothing else; the schemas are enforced in
// strict mode so prose answers are rejected at the transport layer.

const menuDetectionPrompt = `You analyze a single utterance heard on a phone call to a business.
Decide whether the utterance is an automated phone-tree menu announcing
touch-tone options (for example "press 1 for sales"). A greeting that only
asks the caller to hold, a human speaking conversationally, and voicemail
prompts are NOT menus. A menu that is cut off mid-announcement is still a
menu. Report your confidence between 0 and 1.`

const menuExtractionPrompt = `You extract touch-tone options from a phone-tree menu announcement.
List every option the utterance names as a digit (0-9, *, or #) paired with
a short lowercase label describing what the key selects. Preserve the order
the options were announced in. If the announcement appears cut off before
the menu finished, set complete to false but still list what was heard.
Do not invent options that were not announced.`

const transferPrompt = `You analyze a single utterance heard on a phone call to a business.
Decide whether the speaker is actively connecting or offering to connect
the caller to a live human right now (for example "transferring you to an
agent" or "please hold for the next available representative"). A menu
option that merely names a representative queue (for example "press 0 for
an operator") is NOT a transfer in progress. Report your confidence.`

const humanPrompt = `The caller just asked: "Am I speaking with a real person or is this the
automated system?" You are given the response. Decide whether the response
came from a live human rather than a recording or an automated system.
Natural conversational replies ("yes, this is Sarah, how can I help?")
indicate a human; scripted menu language or silence does not. Report your
confidence.`

const loopPrompt = `You compare the current phone-tree menu against menus heard earlier in the
same call. Decide whether the current menu is semantically the same menu as
any earlier one, meaning the call has looped back. Reworded labels with the
same meaning still count as the same menu. A menu where at least one
option's purpose materially changed is a different menu. Report your
confidence.`

const terminationPrompt = `You analyze an utterance heard on a phone call to a business and decide
whether continuing the call is pointless. Use reason "voicemail" when the
call reached voicemail or an answering machine, "closed" when the business
announces it is closed and no human can be reached this call, "dead-end"
when the call is stuck with no path forward, and "none" otherwise. A closed
announcement counts as closed even when it also offers automated
self-service options. Report your confidence.`

const incompleteSpeechPrompt = `You analyze a speech-recognition result from a phone call and decide
whether the utterance was cut off mid-phrase, so that waiting would yield
the rest of it. A complete menu announcement is complete even without
terminal punctuation. Trailing conjunctions, dangling prepositions, or an
announcement that stops mid-option suggest the speech is incomplete.
Suggest how many seconds to keep listening. Report your confidence.`
