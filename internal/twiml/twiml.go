// Package twiml renders the carrier's declarative XML response document.
//
// Every webhook turn answers with exactly one rendered [Response]. The
// builder keeps the voice and language settled once per turn so individual
// verbs stay terse at the call sites.
package twiml

import (
	"encoding/xml"
	"fmt"
)

// Content-type for rendered responses.
const ContentType = "text/xml; charset=utf-8"

// Gather defaults. speechTimeout bounds how long the carrier waits for
// speech to start; once speech begins, recording runs until a two-second
// intra-speech pause.
const (
	defaultSpeechTimeout = "15"
	defaultSpeechModel   = "phone_call"
)

// Response is the document root.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text with the carrier's TTS.
type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Pause waits silently.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

// Play with a digits attribute sends DTMF tones on the live call.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	Digits  string   `xml:"digits,attr"`
}

// Gather listens for speech or keypad digits and posts the result to
// Action.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr"`
	SpeechModel   string   `xml:"speechModel,attr"`
	Enhanced      bool     `xml:"enhanced,attr"`
	Verbs         []any
}

// Number is the dial target inside a [Dial], carrying the status-callback
// wiring for the transfer leg.
type Number struct {
	XMLName             xml.Name `xml:"Number"`
	StatusCallback      string   `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent string   `xml:"statusCallbackEvent,attr,omitempty"`
	Text                string   `xml:",chardata"`
}

// Dial bridges a second leg. AnswerOnBridge treats the leg as connected as
// soon as audio arrives rather than waiting for a carrier answer signal.
type Dial struct {
	XMLName        xml.Name `xml:"Dial"`
	Action         string   `xml:"action,attr,omitempty"`
	Method         string   `xml:"method,attr,omitempty"`
	Timeout        int      `xml:"timeout,attr,omitempty"`
	AnswerOnBridge bool     `xml:"answerOnBridge,attr"`
	Number         Number
}

// Redirect hands control to another webhook URL.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Builder assembles one response document. The zero value is unusable; use
// [New].
type Builder struct {
	voice    string
	language string
	resp     Response
}

// New creates a builder whose Say verbs default to the given TTS voice and
// language.
func New(voice, language string) *Builder {
	return &Builder{voice: voice, language: language}
}

// Say appends a TTS verb. Empty text appends nothing.
func (b *Builder) Say(text string) *Builder {
	if text == "" {
		return b
	}
	b.resp.Verbs = append(b.resp.Verbs, Say{Voice: b.voice, Language: b.language, Text: text})
	return b
}

// Pause appends a silent wait of the given whole seconds.
func (b *Builder) Pause(seconds int) *Builder {
	if seconds <= 0 {
		return b
	}
	b.resp.Verbs = append(b.resp.Verbs, Pause{Length: seconds})
	return b
}

// PressDigits appends a DTMF send.
func (b *Builder) PressDigits(digits string) *Builder {
	if digits == "" {
		return b
	}
	b.resp.Verbs = append(b.resp.Verbs, Play{Digits: digits})
	return b
}

// Gather appends a speech+digits gather posting to action.
func (b *Builder) Gather(action string) *Builder {
	b.resp.Verbs = append(b.resp.Verbs, Gather{
		Input:         "speech dtmf",
		Action:        action,
		Method:        "POST",
		SpeechTimeout: defaultSpeechTimeout,
		SpeechModel:   defaultSpeechModel,
		Enhanced:      true,
	})
	return b
}

// Dial appends a transfer dial to number with answer-on-media semantics.
// action receives the dial outcome; statusCallback receives per-leg status
// events out of band.
func (b *Builder) Dial(number, action, statusCallback string, timeoutSeconds int) *Builder {
	b.resp.Verbs = append(b.resp.Verbs, Dial{
		Action:         action,
		Method:         "POST",
		Timeout:        timeoutSeconds,
		AnswerOnBridge: true,
		Number: Number{
			StatusCallback:      statusCallback,
			StatusCallbackEvent: "initiated ringing answered completed",
			Text:                number,
		},
	})
	return b
}

// Redirect appends a POST redirect to url.
func (b *Builder) Redirect(url string) *Builder {
	b.resp.Verbs = append(b.resp.Verbs, Redirect{Method: "POST", URL: url})
	return b
}

// Hangup appends a hangup verb.
func (b *Builder) Hangup() *Builder {
	b.resp.Verbs = append(b.resp.Verbs, Hangup{})
	return b
}

// Render marshals the document with the XML declaration.
func (b *Builder) Render() ([]byte, error) {
	body, err := xml.Marshal(b.resp)
	if err != nil {
		return nil, fmt.Errorf("twiml: marshal response: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
