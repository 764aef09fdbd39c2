// Package webhook serves the carrier-facing voice endpoints.
//
// Every handler answers 200 with a telephony document, even on bad input or
// a panic: a 5xx would leave the callee hearing dead air. Malformed requests
// get a spoken apology and a hangup instead.
package webhook

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dialtree/dialtree/internal/config"
	"github.com/dialtree/dialtree/internal/observe"
	"github.com/dialtree/dialtree/internal/orchestrator"
	"github.com/dialtree/dialtree/internal/twiml"
)

// Server holds the voice webhook handlers and the chi router.
type Server struct {
	router   *chi.Mux
	orch     *orchestrator.Orchestrator
	voice    string
	language string
	redact   bool
	logger   *slog.Logger
}

// NewServer creates the webhook handler with all routes mounted. metrics and
// logger may be nil.
func NewServer(orch *orchestrator.Orchestrator, cfg *config.Config, metrics *observe.Metrics, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:   chi.NewRouter(),
		orch:     orch,
		voice:    cfg.TTSVoice,
		language: cfg.TTSLanguage,
		redact:   cfg.RedactLogs,
		logger:   logger,
	}
	s.routes(metrics)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts the voice endpoints.
func (s *Server) routes(metrics *observe.Metrics) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observe.Middleware(metrics))
	r.Use(s.logRequests)
	r.Use(s.recoverToApology)

	r.Route("/voice", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/speech", s.handleSpeech)
		r.Post("/digit", s.handleDigit)
		r.Post("/status", s.handleStatus)
		r.Post("/transfer-action", s.handleTransferAction)
		r.Post("/transfer-status", s.handleTransferStatus)
	})
}

// handleStart answers the call-start webhook with the opening gather. Query
// parameters on the start URL carry per-call configuration overrides.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	callID, ok := s.callID(w, r)
	if !ok {
		return
	}
	b := s.orch.StartCall(r.Context(), orchestrator.StartInput{
		CallID: callID,
		To:     r.PostFormValue("To"),
		From:   r.PostFormValue("From"),
		Query:  r.URL.Query(),
	})
	s.writeTwiML(w, b)
}

// handleSpeech answers one speech turn.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	callID, ok := s.callID(w, r)
	if !ok {
		return
	}
	utterance := r.PostFormValue("SpeechResult")
	if !s.redact && utterance != "" {
		s.logger.Debug("speech received", "call_id", callID, "utterance", utterance)
	}
	b := s.orch.SpeechTurn(r.Context(), orchestrator.TurnInput{
		CallID:    callID,
		Utterance: utterance,
		Query:     r.URL.Query(),
	})
	s.writeTwiML(w, b)
}

// handleDigit answers the carrier's confirmation that digits were keyed.
func (s *Server) handleDigit(w http.ResponseWriter, r *http.Request) {
	callID, ok := s.callID(w, r)
	if !ok {
		return
	}
	b := s.orch.DigitTurn(r.Context(), callID, r.PostFormValue("Digits"), r.URL.Query())
	s.writeTwiML(w, b)
}

// handleStatus records a call-status callback. The carrier ignores the
// response body on status callbacks.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	callID := requestCallID(r)
	if callID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.orch.CallStatus(r.Context(), callID, r.PostFormValue("CallStatus"))
	w.WriteHeader(http.StatusNoContent)
}

// handleTransferAction answers the dial action callback, fired when the
// transfer leg finishes. The agent leg has nothing left to do either way.
func (s *Server) handleTransferAction(w http.ResponseWriter, r *http.Request) {
	callID, ok := s.callID(w, r)
	if !ok {
		return
	}
	s.orch.TransferStatus(r.Context(), callID, dialStatus(r))
	s.writeTwiML(w, twiml.New(s.voice, s.language).Hangup())
}

// handleTransferStatus records a transfer-leg status event.
func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	callID := requestCallID(r)
	if callID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.orch.TransferStatus(r.Context(), callID, dialStatus(r))
	w.WriteHeader(http.StatusNoContent)
}

// callID extracts the call ID or, when it is missing, answers with the
// apology document and reports false.
func (s *Server) callID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := requestCallID(r)
	if id == "" {
		s.logger.Warn("webhook without call id", "path", r.URL.Path)
		s.writeApology(w)
		return "", false
	}
	return id, true
}

// requestCallID reads the call ID from the POST body, falling back to the
// call_id query parameter our own callback URLs carry.
func requestCallID(r *http.Request) string {
	if sid := r.PostFormValue("CallSid"); sid != "" {
		return sid
	}
	return r.URL.Query().Get("call_id")
}

// dialStatus reads the transfer-leg status, which the carrier names
// differently on action and status callbacks.
func dialStatus(r *http.Request) string {
	if st := r.PostFormValue("DialCallStatus"); st != "" {
		return st
	}
	return r.PostFormValue("CallStatus")
}

func (s *Server) writeTwiML(w http.ResponseWriter, b *twiml.Builder) {
	out, err := b.Render()
	if err != nil {
		s.logger.Error("render response", "error", err)
		s.writeApology(w)
		return
	}
	w.Header().Set("Content-Type", twiml.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// writeApology speaks the apology line and hangs up. Used for malformed
// requests, render failures, and recovered panics.
func (s *Server) writeApology(w http.ResponseWriter) {
	out, err := twiml.New(s.voice, s.language).
		Say(orchestrator.MsgApology).
		Hangup().
		Render()
	if err != nil {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", twiml.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// recoverToApology turns a handler panic into the apology document. The
// callee hears a sentence and a clean hangup instead of carrier error tones.
func (s *Server) recoverToApology(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("webhook panic", "path", r.URL.Path, "panic", rec)
				s.writeApology(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// logRequests logs one line per webhook. Speech and digit payloads are
// logged by the handlers, which honor the redaction flag.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("webhook",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"call_id", requestCallID(r))
	})
}
