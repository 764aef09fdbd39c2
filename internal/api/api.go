// Package api serves the management REST API: originating calls and
// reading call history.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dialtree/dialtree/internal/config"
	"github.com/dialtree/dialtree/internal/history"
	"github.com/dialtree/dialtree/internal/observe"
	"github.com/dialtree/dialtree/internal/telephony"
)

// defaultListLimit bounds GET /calls when no limit is given.
const defaultListLimit = 50

// Server holds the REST handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	originator telephony.Originator
	store      history.Store
	cfg        *config.Config
	logger     *slog.Logger
}

// NewServer creates the REST handler with all routes mounted. metrics and
// logger may be nil.
func NewServer(originator telephony.Originator, store history.Store, cfg *config.Config, metrics *observe.Metrics, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:     chi.NewRouter(),
		originator: originator,
		store:      store,
		cfg:        cfg,
		logger:     logger,
	}
	s.routes(metrics)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(metrics *observe.Metrics) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(metrics))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/calls", s.handleOriginate)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{callID}", s.handleGetCall)
	})
}

// originateRequest is the POST /calls body. Everything except the callee
// number is an optional override of the configured defaults.
type originateRequest struct {
	To             string `json:"to"`
	Purpose        string `json:"purpose,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	TransferNumber string `json:"transfer_number,omitempty"`
	UserPhone      string `json:"user_phone,omitempty"`
	UserEmail      string `json:"user_email,omitempty"`
	Voice          string `json:"voice,omitempty"`
	Language       string `json:"language,omitempty"`
	Model          string `json:"model,omitempty"`
}

// originateResponse is the POST /calls result.
type originateResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// handleOriginate places an outbound call. The per-call overrides travel as
// query parameters on the start webhook URL, so they survive process
// restarts without any pending-call bookkeeping.
func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if !config.IsE164(req.To) {
		writeError(w, http.StatusBadRequest, "to must be an E.164 phone number")
		return
	}
	if req.TransferNumber != "" && !config.IsE164(req.TransferNumber) {
		writeError(w, http.StatusBadRequest, "transfer_number must be an E.164 phone number")
		return
	}

	callID, err := s.originator.CreateCall(r.Context(), telephony.CreateCallParams{
		To:                req.To,
		From:              s.cfg.CallerNumber,
		StartURL:          s.startURL(req),
		StatusCallbackURL: s.cfg.CallBaseURL + "/voice/status",
	})
	if err != nil {
		s.logger.Error("originate call", "to", req.To, "error", err)
		writeError(w, http.StatusBadGateway, "carrier rejected the call")
		return
	}

	s.logger.Info("call originated", "call_id", callID, "to", req.To)
	writeJSON(w, http.StatusCreated, originateResponse{CallID: callID, Status: "queued"})
}

// startURL builds the call-start webhook URL carrying the request's
// overrides as query parameters.
func (s *Server) startURL(req originateRequest) string {
	q := url.Values{}
	set := func(key, val string) {
		if val != "" {
			q.Set(key, val)
		}
	}
	set("purpose", req.Purpose)
	set("instructions", req.Instructions)
	set("transfer_number", req.TransferNumber)
	set("user_phone", req.UserPhone)
	set("user_email", req.UserEmail)
	set("voice", req.Voice)
	set("language", req.Language)
	set("model", req.Model)

	u := s.cfg.CallBaseURL + "/voice/start"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// handleListCalls returns recent call records, newest first.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	calls, err := s.store.ListCalls(r.Context(), limit)
	if err != nil {
		s.logger.Error("list calls", "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if calls == nil {
		calls = []history.Record{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleGetCall returns one call record with its full event log.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	rec, err := s.store.GetCall(r.Context(), callID)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such call")
		return
	}
	if err != nil {
		s.logger.Error("get call", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
