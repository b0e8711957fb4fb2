// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/karawan/internal/bridge"
	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/export"
	"github.com/jeranaias/karawan/internal/generation"
	"github.com/jeranaias/karawan/internal/logger"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/ollama"
	"github.com/jeranaias/karawan/internal/permission"
	"github.com/jeranaias/karawan/internal/session"
	"github.com/jeranaias/karawan/internal/storage"
)

const (
	// maxMessageBody bounds a user turn including an attached file.
	maxMessageBody = 16 << 20
	// maxImportBody bounds a backup document.
	maxImportBody = 64 << 20

	healthTimeout = 2 * time.Second
)

// ============================================================================
// DEPENDENCIES
// ============================================================================

// Backend is the model server. *ollama.Client implements it.
type Backend interface {
	CheckRunning(ctx context.Context) error
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
}

// BridgeFS browses the bridge. *bridge.Client implements it.
type BridgeFS interface {
	ListFiles(ctx context.Context, path string) ([]bridge.Node, error)
	ReadFile(ctx context.Context, path string) (string, error)
}

// BridgeMonitor reports and refreshes bridge health. *bridge.Monitor
// implements it.
type BridgeMonitor interface {
	Status() bridge.Status
	Reconnect(ctx context.Context) (bool, error)
}

// Speaker toggles narration. *narration.Scheduler implements it.
type Speaker interface {
	Toggle(messageID, text string) bool
}

// Listener reopens voice input.
type Listener interface {
	Trigger()
}

// SettingsUpdater stores new settings, directly or from a backup, and
// applies them to running components.
type SettingsUpdater interface {
	UpdateSettings(s config.Settings) error
	Import(data []byte) error
}

// Deps are the components the API serves. Speaker, Listener and Settings
// are optional; Settings defaults to the session manager.
type Deps struct {
	Sessions *session.Manager
	Backend  Backend
	Bridge   BridgeFS
	Monitor  BridgeMonitor
	Speaker  Speaker
	Listener Listener
	Settings SettingsUpdater
}

// Options configure the listener and middleware.
type Options struct {
	Addr           string
	Version        string
	AllowedOrigins []string
	RateLimit      float64
	Burst          int
}

// OptionsFromConfig maps the server section of the config file.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:           cfg.Server.Addr,
		Version:        cfg.Version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		Burst:          cfg.Server.Burst,
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the local HTTP API.
type Server struct {
	opts   Options
	deps   Deps
	router *http.ServeMux
	server *http.Server
}

// New creates a server and registers its routes.
func New(opts Options, deps Deps) *Server {
	if deps.Settings == nil {
		deps.Settings = deps.Sessions
	}
	s := &Server{
		opts:   opts,
		deps:   deps,
		router: http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	chain := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		CORSMiddleware(DefaultCORSConfig(s.opts.AllowedOrigins)),
		LoggingMiddleware(),
	}
	if s.opts.RateLimit > 0 {
		chain = append(chain, RateLimitMiddleware(NewRateLimiter(s.opts.RateLimit, s.opts.Burst)))
	}
	return Chain(chain...)(s.router)
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /api/models", s.handleModels)

	s.router.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.router.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.router.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.router.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.router.HandleFunc("POST /api/sessions/{id}/select", s.handleSelectSession)
	s.router.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)
	s.router.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)

	s.router.HandleFunc("POST /api/generation/cancel", s.handleCancel)
	s.router.HandleFunc("POST /api/permissions/{messageId}", s.handlePermission)
	s.router.HandleFunc("POST /api/messages/{id}/speak", s.handleSpeak)

	s.router.HandleFunc("GET /api/bridge/status", s.handleBridgeStatus)
	s.router.HandleFunc("POST /api/bridge/reconnect", s.handleBridgeReconnect)
	s.router.HandleFunc("GET /api/bridge/files", s.handleBridgeFiles)
	s.router.HandleFunc("GET /api/bridge/read", s.handleBridgeRead)

	s.router.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.router.HandleFunc("PUT /api/settings", s.handlePutSettings)
	s.router.HandleFunc("GET /api/export", s.handleExport)
	s.router.HandleFunc("POST /api/import", s.handleImport)
}

// ============================================================================
// HEALTH / MODELS
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Ollama  string `json:"ollama"`
	Bridge  string `json:"bridge"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{Status: "ok", Version: s.opts.Version, Ollama: "not_configured", Bridge: "not_configured"}

	if s.deps.Backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.deps.Backend.CheckRunning(ctx); err == nil {
			health.Ollama = "ok"
		} else {
			health.Ollama = "unavailable"
			health.Status = "degraded"
		}
	}
	if s.deps.Monitor != nil {
		if s.deps.Monitor.Status().Online {
			health.Bridge = "online"
		} else {
			health.Bridge = "offline"
		}
	}

	writeJSON(w, http.StatusOK, health)
}

// ModelsResponse lists installed models.
type ModelsResponse struct {
	Models []ModelEntry `json:"models"`
}

// ModelEntry is one installed model.
type ModelEntry struct {
	Name string `json:"name"`
	Size string `json:"size"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{Models: []ModelEntry{}}
	if s.deps.Backend == nil || !s.deps.Sessions.Settings().FetchLocalModels {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	models, err := s.deps.Backend.ListModels(r.Context())
	if err != nil {
		logger.Warn("model discovery failed", "err", err)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	for _, m := range models {
		resp.Models = append(resp.Models, ModelEntry{Name: m.Name, Size: m.FormatSize()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// SESSIONS
// ============================================================================

// SessionSummary is a sidebar entry.
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  int       `json:"messageCount"`
	Active    bool      `json:"active"`
}

// SessionResponse is a full transcript with its live state.
type SessionResponse struct {
	*model.Session
	Active      bool            `json:"active"`
	Generating  bool            `json:"generating"`
	AlwaysAllow bool            `json:"alwaysAllow"`
	Pending     *PendingRequest `json:"pending,omitempty"`
}

// PendingRequest is the undecided permission request of a session.
type PendingRequest struct {
	ID      string            `json:"id"`
	Command string            `json:"command"`
	Risks   []permission.Risk `json:"risks,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Sessions.ActiveID()
	sessions := s.deps.Sessions.Sessions()

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionSummary{
			ID:        sess.ID,
			Title:     sess.Title,
			Model:     sess.Model,
			CreatedAt: sess.CreatedAt,
			Messages:  len(sess.Messages),
			Active:    sess.ID == active,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.deps.Sessions.Create()
	writeJSON(w, http.StatusCreated, s.sessionResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Session(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.Select(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	sess, err := s.deps.Sessions.Session(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(sess))
}

// handleTranscript renders a session as a Markdown or HTML document.
// ?format= defaults to markdown; ?thoughts=1 includes the reasoning.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Session(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	opts := export.DefaultOptions()
	opts.IncludeThoughts = r.URL.Query().Get("thoughts") == "1"
	exp, err := export.For(format, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := exp.Export(sess)
	if errors.Is(err, export.ErrEmptySession) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", exp.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(sess, exp)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) sessionResponse(sess *model.Session) SessionResponse {
	resp := SessionResponse{Session: sess}

	ctrl := s.deps.Sessions.Controller()
	if ctrl == nil || ctrl.SessionID() != sess.ID {
		return resp
	}
	resp.Active = true
	resp.Generating = ctrl.Busy()
	resp.AlwaysAllow = ctrl.AlwaysAllow()
	if req := ctrl.PendingRequest(); req != nil {
		resp.Pending = &PendingRequest{
			ID:      req.ID,
			Command: req.DirectiveCommand,
			Risks:   permission.Assess(req.DirectiveCommand),
		}
	}
	return resp
}

// SendResponse acknowledges a started generation.
type SendResponse struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var in session.Input
	if err := decodeJSON(w, r, maxMessageBody, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.deps.Sessions.ActiveID() != id {
		if err := s.deps.Sessions.Select(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	ctrl := s.deps.Sessions.Controller()
	if ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	gen, err := ctrl.Submit(in)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, SendResponse{SessionID: id, MessageID: gen.MessageID()})
	case errors.Is(err, session.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, generation.ErrBusy), errors.Is(err, session.ErrNarrationActive), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := false
	if ctrl := s.deps.Sessions.Controller(); ctrl != nil {
		cancelled = ctrl.Cancel()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// PermissionRequest is the body of a permission decision.
type PermissionRequest struct {
	Allowed bool `json:"allowed"`
	Always  bool `json:"always"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if err := decodeJSON(w, r, 1<<10, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctrl := s.deps.Sessions.Controller()
	if ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	err := ctrl.Decide(r.Context(), r.PathValue("messageId"), req.Allowed, req.Always)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"allowed": req.Allowed, "alwaysAllow": ctrl.AlwaysAllow()})
	case errors.Is(err, permission.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, permission.ErrNotPending), errors.Is(err, generation.ErrBusy), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if s.deps.Speaker == nil {
		writeError(w, http.StatusServiceUnavailable, "narration unavailable")
		return
	}
	id := r.PathValue("id")

	sess, err := s.deps.Sessions.Session(s.deps.Sessions.ActiveID())
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	msg := sess.Find(id)
	if msg == nil {
		writeError(w, http.StatusNotFound, model.ErrMessageNotFound.Error())
		return
	}

	speaking := s.deps.Speaker.Toggle(id, msg.Content)
	if !speaking && s.deps.Listener != nil {
		s.deps.Listener.Trigger()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"speaking": speaking})
}

// ============================================================================
// BRIDGE
// ============================================================================

func (s *Server) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeJSON(w, http.StatusOK, bridge.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Monitor.Status())
}

func (s *Server) handleBridgeReconnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge disabled")
		return
	}
	if _, err := s.deps.Monitor.Reconnect(r.Context()); errors.Is(err, bridge.ErrReconnectThrottled) {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Monitor.Status())
}

// FilesResponse is a directory listing.
type FilesResponse struct {
	Path  string        `json:"path"`
	Files []bridge.Node `json:"files"`
}

func (s *Server) handleBridgeFiles(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeReady(w) {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = s.deps.Sessions.Settings().BridgeRootPath
	}

	files, err := s.deps.Bridge.ListFiles(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, FilesResponse{Path: path, Files: files})
}

func (s *Server) handleBridgeRead(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeReady(w) {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	content, err := s.deps.Bridge.ReadFile(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "content": content})
}

func (s *Server) bridgeReady(w http.ResponseWriter) bool {
	if s.deps.Bridge == nil || !s.deps.Sessions.Settings().BridgeEnabled {
		writeError(w, http.StatusServiceUnavailable, "bridge disabled")
		return false
	}
	return true
}

// ============================================================================
// SETTINGS / BACKUP
// ============================================================================

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.deps.Sessions.Settings()
	if err := decodeJSON(w, r, 1<<20, &settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Settings.UpdateSettings(settings); err != nil {
		var verrs config.ValidateErrors
		if errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.Settings())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Sessions.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="karawan-backup.json"`)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err := s.deps.Settings.Import(data); err != nil {
		if errors.Is(err, storage.ErrInvalidBackup) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("server listening", "addr", s.opts.Addr, "version", s.opts.Version)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	logger.Info("server shutting down")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response failed", "err", err)
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: status})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}
