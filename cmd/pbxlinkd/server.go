/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tejzpr/pbxlink/callcontrol"
	"github.com/tejzpr/pbxlink/cdr"
	"github.com/tejzpr/pbxlink/pbxsdk"
)

// server holds HTTP handler dependencies and the chi router. It is thin
// request/response glue over the session engine; no call-control logic
// lives here.
type server struct {
	router  *chi.Mux
	manager *callcontrol.Manager
	records *cdr.Store
}

// newServer creates the HTTP handler with all routes mounted. records
// may be nil when call-record persistence is disabled.
func newServer(manager *callcontrol.Manager, records *cdr.Store, limiter *rateLimiter) *server {
	s := &server{
		router:  chi.NewRouter(),
		manager: manager,
		records: records,
	}
	s.routes(limiter)
	return s
}

// ServeHTTP implements http.Handler.
func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts all route groups.
func (s *server) routes(limiter *rateLimiter) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Use(limiter.middleware)

		r.Post("/", s.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Delete("/", s.handleCloseSession)
			r.Get("/snapshot", s.handleSnapshot)
			r.Post("/line", s.handleSelectLine)
			r.Post("/device", s.handleSetDevice)
			r.Post("/dial", s.handleDial)
			r.Get("/records", s.handleRecords)

			r.Route("/calls/{participantID}", func(r chi.Router) {
				r.Post("/answer", s.handleAnswer)
				r.Post("/reject", s.handleReject)
				r.Post("/end", s.handleEnd)
				r.Post("/transfer", s.handleTransfer)
				r.Post("/divert", s.handleDivert)
				r.Get("/audio", s.handleAudioRead)
				r.Post("/audio", s.handleAudioSend)
			})
		})
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	UserID      string `json:"user_id"`
	OwnedLine   string `json:"owned_line"`
	ControlLine string `json:"control_line,omitempty"`
}

type createSessionResponse struct {
	SessionID string               `json:"session_id"`
	Snapshot  callcontrol.Snapshot `json:"snapshot"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.manager.CreateSession(r.Context(), callcontrol.Operator{
		UserID:      req.UserID,
		OwnedLine:   req.OwnedLine,
		ControlLine: req.ControlLine,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		Snapshot:  sess.Snapshot(),
	})
}

func (s *server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CloseSession(chi.URLParam(r, "sessionID")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *server) handleSelectLine(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		DN string `json:"dn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	snap, err := sess.SelectLine(req.DN)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleSetDevice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	snap, err := sess.SetActiveDevice(req.DeviceID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleDial(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := sess.Dial(r.Context(), req.Destination); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sess, pid, ok := s.sessionAndParticipant(w, r)
	if !ok {
		return
	}
	answered, err := sess.Answer(r.Context(), pid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answered)
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request) {
	sess, pid, ok := s.sessionAndParticipant(w, r)
	if !ok {
		return
	}
	if err := sess.Reject(r.Context(), pid); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleEnd(w http.ResponseWriter, r *http.Request) {
	sess, pid, ok := s.sessionAndParticipant(w, r)
	if !ok {
		return
	}
	if err := sess.End(r.Context(), pid); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	sess, pid, ok := s.sessionAndParticipant(w, r)
	if !ok {
		return
	}
	var req struct {
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := sess.Transfer(r.Context(), pid, req.Destination); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDivert(w http.ResponseWriter, r *http.Request) {
	sess, pid, ok := s.sessionAndParticipant(w, r)
	if !ok {
		return
	}
	var req struct {
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := sess.Divert(r.Context(), pid, req.Destination); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAudioRead streams the participant's opaque audio to the client.
func (s *server) handleAudioRead(w http.ResponseWriter, r *http.Request) {
	sess, pid, ok := s.sessionAndParticipant(w, r)
	if !ok {
		return
	}
	stream, err := sess.StreamAudio(r.Context(), pid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, stream); err != nil {
		slog.Debug("audio stream copy ended", "error", err)
	}
}

// handleAudioSend forwards the client's opaque audio to the participant.
func (s *server) handleAudioSend(w http.ResponseWriter, r *http.Request) {
	sess, pid, ok := s.sessionAndParticipant(w, r)
	if !ok {
		return
	}
	if err := sess.SendAudio(r.Context(), pid, r.Body); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusNotFound, "call record persistence is disabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	recs, err := s.records.ListRecent(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing call records failed")
		slog.Error("listing call records failed", "session_id", sessionID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- helpers ---

func (s *server) session(w http.ResponseWriter, r *http.Request) (*callcontrol.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, ok := s.manager.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (s *server) sessionAndParticipant(w http.ResponseWriter, r *http.Request) (*callcontrol.Session, int, bool) {
	sess, ok := s.session(w, r)
	if !ok {
		return nil, 0, false
	}
	pid, err := strconv.Atoi(chi.URLParam(r, "participantID"))
	if err != nil || pid < 0 {
		writeError(w, http.StatusBadRequest, "invalid participant id")
		return nil, 0, false
	}
	return sess, pid, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine and upstream errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var answerErr *callcontrol.AnswerError
	switch {
	case errors.Is(err, callcontrol.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, callcontrol.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, callcontrol.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, callcontrol.ErrSessionClosed):
		writeError(w, http.StatusGone, err.Error())
	case errors.As(err, &answerErr):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       answerErr.Error(),
			"attempts":    answerErr.Attempts,
			"last_reason": answerErr.LastReason,
		})
	case pbxsdk.IsBadRequest(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case pbxsdk.IsAuthError(err):
		writeError(w, http.StatusBadGateway, err.Error())
	case pbxsdk.IsForbidden(err):
		writeError(w, http.StatusForbidden, err.Error())
	case pbxsdk.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case pbxsdk.IsUpstreamRejection(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
