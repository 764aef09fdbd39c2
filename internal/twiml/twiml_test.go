package twiml

import (
	"strings"
	"testing"
)

func render(t *testing.T, b *Builder) string {
	t.Helper()
	out, err := b.Render()
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	return string(out)
}

func TestRenderSayAndGather(t *testing.T) {
	t.Parallel()

	got := render(t, New("Polly.Joanna", "en-US").
		Say("Am I speaking with a real person or is this the automated system?").
		Gather("https://agent.example.com/voice/speech?call_id=CA1"))

	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<Response>`,
		`<Say voice="Polly.Joanna" language="en-US">Am I speaking with a real person or is this the automated system?</Say>`,
		`input="speech dtmf"`,
		`action="https://agent.example.com/voice/speech?call_id=CA1"`,
		`speechTimeout="15"`,
		`enhanced="true"`,
		`</Response>`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered response missing %q:\n%s", want, got)
		}
	}
}

func TestRenderPressAndGather(t *testing.T) {
	t.Parallel()

	got := render(t, New("", "").
		PressDigits("5").
		Pause(1).
		Gather("/voice/speech"))

	if !strings.Contains(got, `<Play digits="5">`) && !strings.Contains(got, `<Play digits="5"/>`) {
		t.Errorf("missing DTMF play verb:\n%s", got)
	}
	if !strings.Contains(got, `<Pause length="1">`) && !strings.Contains(got, `<Pause length="1"/>`) {
		t.Errorf("missing pause verb:\n%s", got)
	}
	if strings.Contains(got, "voice=") {
		t.Errorf("empty voice must not render an attribute:\n%s", got)
	}
}

func TestRenderDial(t *testing.T) {
	t.Parallel()

	got := render(t, New("Polly.Joanna", "en-US").
		Say("Hold on, please.").
		Dial("+15551234567", "/voice/transfer-action?call_id=CA2", "/voice/transfer-status?call_id=CA2", 30))

	for _, want := range []string{
		`answerOnBridge="true"`,
		`timeout="30"`,
		`action="/voice/transfer-action?call_id=CA2"`,
		`statusCallback="/voice/transfer-status?call_id=CA2"`,
		`>+15551234567</Number>`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered dial missing %q:\n%s", want, got)
		}
	}
}

func TestRenderHangup(t *testing.T) {
	t.Parallel()

	got := render(t, New("Polly.Joanna", "en-US").Say("Thank you. Goodbye.").Hangup())
	if !strings.Contains(got, "<Hangup>") && !strings.Contains(got, "<Hangup/>") {
		t.Errorf("missing hangup verb:\n%s", got)
	}
}

func TestSayEmptyTextEmitsNothing(t *testing.T) {
	t.Parallel()

	got := render(t, New("Polly.Joanna", "en-US").Say("").Gather("/voice/speech"))
	if strings.Contains(got, "<Say") {
		t.Errorf("empty say must not render:\n%s", got)
	}
}
