package webhook

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dialtree/dialtree/internal/callstate"
	"github.com/dialtree/dialtree/internal/classify"
	"github.com/dialtree/dialtree/internal/config"
	"github.com/dialtree/dialtree/internal/dtmf"
	"github.com/dialtree/dialtree/internal/history"
	historymock "github.com/dialtree/dialtree/internal/history/mock"
	llmmock "github.com/dialtree/dialtree/internal/llm/mock"
	"github.com/dialtree/dialtree/internal/orchestrator"
	"github.com/dialtree/dialtree/internal/twiml"
	"github.com/dialtree/dialtree/internal/voice"
)

func newTestServer(t *testing.T) (*Server, *llmmock.Analyzer, *callstate.Store) {
	t.Helper()

	analyzer := &llmmock.Analyzer{}
	analyzer.Respond("termination_detection", classify.TerminationDetection{Reason: "none"})
	analyzer.Respond("transfer_request", classify.TransferDetection{})
	analyzer.Respond("menu_detection", classify.MenuDetection{})
	analyzer.Respond("agent_reply", map[string]string{"reply": "silent"})

	suite := classify.NewSuite(analyzer)
	states := callstate.NewStore()
	sink := history.NewSink(historymock.New(), nil)
	t.Cleanup(sink.Close)

	cfg := &config.Config{
		TTSVoice:       "Polly.Joanna",
		TTSLanguage:    "en-US",
		TransferNumber: "+15559998888",
		CallPurpose:    "speak with a representative",
		LLMModel:       "gpt-4o-mini",
	}
	orch := orchestrator.New(
		states,
		config.NewResolver(cfg, nil),
		voice.NewProcessor(suite, dtmf.NewChooser(analyzer), nil),
		suite,
		sink,
		nil,
		nil,
		"https://agent.example.com",
	)
	return NewServer(orch, cfg, nil, nil), analyzer, states
}

func postForm(t *testing.T, srv *Server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestStart(t *testing.T) {
	t.Parallel()

	srv, _, states := newTestServer(t)
	rec := postForm(t, srv, "/voice/start", url.Values{
		"CallSid": {"CA1"},
		"To":      {"+15551234567"},
		"From":    {"+15550002222"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != twiml.ContentType {
		t.Errorf("Content-Type = %q, want %q", ct, twiml.ContentType)
	}
	if body := rec.Body.String(); !strings.Contains(body, "<Gather") {
		t.Errorf("body missing gather:\n%s", body)
	}
	if _, ok := states.Snapshot("CA1"); !ok {
		t.Error("no call state created")
	}
}

func TestStartQueryOverrides(t *testing.T) {
	t.Parallel()

	srv, _, states := newTestServer(t)
	rec := postForm(t, srv, "/voice/start?purpose=reach+billing", url.Values{
		"CallSid": {"CA2"},
		"To":      {"+15551234567"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	snap, ok := states.Snapshot("CA2")
	if !ok || snap.Config.Purpose != "reach billing" {
		t.Errorf("state config = %+v, want purpose override applied", snap.Config)
	}
}

func TestSpeech(t *testing.T) {
	t.Parallel()

	srv, analyzer, _ := newTestServer(t)
	postForm(t, srv, "/voice/start", url.Values{"CallSid": {"CA3"}})

	rec := postForm(t, srv, "/voice/speech", url.Values{
		"CallSid":      {"CA3"},
		"SpeechResult": {"Your call is important to us."},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "<Gather") {
		t.Errorf("body missing gather:\n%s", body)
	}
	if calls := analyzer.CallsFor("termination_detection"); len(calls) != 1 {
		t.Errorf("utterance not classified: %d termination calls", len(calls))
	}
}

func TestSpeechCallIDFromQuery(t *testing.T) {
	t.Parallel()

	srv, _, states := newTestServer(t)
	postForm(t, srv, "/voice/start", url.Values{"CallSid": {"CA4"}})

	// Our own callback URLs carry call_id as a query parameter.
	rec := postForm(t, srv, "/voice/speech?call_id=CA4", url.Values{
		"SpeechResult": {"Please hold."},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := states.Snapshot("CA4"); !ok {
		t.Error("state lost for query-identified call")
	}
}

func TestMissingCallIDSpeaksApology(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	for _, path := range []string{"/voice/start", "/voice/speech", "/voice/digit", "/voice/transfer-action"} {
		rec := postForm(t, srv, path, url.Values{})
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
		body := rec.Body.String()
		if !strings.Contains(body, orchestrator.MsgApology) || !strings.Contains(body, "<Hangup") {
			t.Errorf("%s: body is not the apology document:\n%s", path, body)
		}
	}
}

func TestDigit(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	postForm(t, srv, "/voice/start", url.Values{"CallSid": {"CA5"}})

	rec := postForm(t, srv, "/voice/digit", url.Values{
		"CallSid": {"CA5"},
		"Digits":  {"3"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "<Gather") {
		t.Errorf("body missing gather:\n%s", body)
	}
}

func TestStatusCallback(t *testing.T) {
	t.Parallel()

	srv, _, states := newTestServer(t)
	postForm(t, srv, "/voice/start", url.Values{"CallSid": {"CA6"}})

	rec := postForm(t, srv, "/voice/status", url.Values{
		"CallSid":    {"CA6"},
		"CallStatus": {"completed"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, ok := states.Snapshot("CA6"); ok {
		t.Error("state not evicted on completed status")
	}
}

func TestStatusCallbackWithoutCallID(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := postForm(t, srv, "/voice/status", url.Values{"CallStatus": {"completed"}})
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestTransferAction(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := postForm(t, srv, "/voice/transfer-action", url.Values{
		"CallSid":        {"CA7"},
		"DialCallStatus": {"completed"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "<Hangup") {
		t.Errorf("transfer action must hang up the agent leg:\n%s", body)
	}
}

func TestTransferStatus(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := postForm(t, srv, "/voice/transfer-status", url.Values{
		"CallSid":    {"CA8"},
		"CallStatus": {"answered"},
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}
