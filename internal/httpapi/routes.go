// Package httpapi exposes the clipboard exchange's HTTP surface: it
// translates between wire formats and the Store/Notifier/AuthGate below,
// enforces authentication, validates payloads, and orchestrates long
// polling.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/benstaniford/copypasta/internal/auth"
	"github.com/benstaniford/copypasta/internal/notify"
	"github.com/benstaniford/copypasta/internal/storage"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

// contextKey avoids collisions with other packages' context values.
type contextKey string

const (
	userIDContextKey    contextKey = "httpapi.user_id"
	sessionIDContextKey contextKey = "httpapi.session_id"
)

// Server wires the Store, Notifier, and AuthGate into the wire contract in
// spec §6.1.
type Server struct {
	store          storage.Store
	notifier       *notify.Notifier
	auth           *auth.Manager
	historyLimit   int
	pollMaxTimeout time.Duration
}

// NewServer builds the Clipboard API. historyLimit and pollMaxTimeout
// correspond to the deployment's HISTORY_LIMIT and POLL_MAX_TIMEOUT
// configuration.
func NewServer(store storage.Store, notifier *notify.Notifier, authMgr *auth.Manager, historyLimit int, pollMaxTimeout time.Duration) *Server {
	if historyLimit < 1 {
		historyLimit = 50
	}
	if pollMaxTimeout <= 0 {
		pollMaxTimeout = 60 * time.Second
	}
	return &Server{
		store:          store,
		notifier:       notifier,
		auth:           authMgr,
		historyLimit:   historyLimit,
		pollMaxTimeout: pollMaxTimeout,
	}
}

// RegisterRoutes wires every endpoint from spec §6.1 onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("/api/paste", s.requireAuth(s.handlePaste))
	mux.HandleFunc("/api/clipboard", s.requireAuth(s.handleClipboard))
	mux.HandleFunc("/api/clipboard/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("/api/poll", s.requireAuth(s.handlePoll))
	mux.HandleFunc("/api/data", s.requireAuth(s.handleClipboard)) // legacy alias, spec §6.1/§9
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{"status": "healthy"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	err := s.auth.Register(r.Context(), w, r, username, password)
	switch {
	case err == nil:
		http.Redirect(w, r, "/", http.StatusFound)
	case errors.Is(err, storage.ErrUsernameTaken):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "username already taken"})
	case errors.Is(err, storage.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		log.Printf("register error: %v", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	err := s.auth.Login(r.Context(), w, r, username, password)
	switch {
	case err == nil:
		http.Redirect(w, r, "/", http.StatusFound)
	case errors.Is(err, storage.ErrAuthFailed):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
	default:
		log.Printf("login error: %v", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.auth.Logout(w, r)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handlePaste(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, _ := userIDFromContext(r.Context())

	var payload struct {
		Type     string `json:"type"`
		Content  string `json:"content"`
		Metadata string `json:"metadata"`
		ClientID string `json:"client_id"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if payload.Metadata == "" {
		payload.Metadata = "{}"
	}

	if err := validatePasteContent(payload.Type, payload.Content); err != nil {
		switch {
		case errors.Is(err, errPayloadTooLarge):
			log.Printf("paste rejected: oversize rich content (%s) from user=%d session=%s", humanize.Bytes(uint64(len(payload.Content))), userID, sessionIDFromContext(r.Context()))
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return
	}

	_, version, err := s.store.InsertEntry(r.Context(), userID, payload.Type, payload.Content, payload.Metadata, payload.ClientID)
	if err != nil {
		log.Printf("paste insert error user=%d session=%s: %v", userID, sessionIDFromContext(r.Context()), err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.notifier.Publish(userID, version)
	writeJSON(w, http.StatusOK, jsonResponse{"status": "success", "version": version})
}

func (s *Server) handleClipboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, _ := userIDFromContext(r.Context())
	entry, err := s.store.GetCurrent(r.Context(), userID)
	if errors.Is(err, storage.ErrEmpty) {
		writeJSON(w, http.StatusOK, jsonResponse{"status": "empty"})
		return
	}
	if err != nil {
		log.Printf("get clipboard error user=%d session=%s: %v", userID, sessionIDFromContext(r.Context()), err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"status": "success", "data": entry})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, _ := userIDFromContext(r.Context())

	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	if limit > s.historyLimit {
		limit = s.historyLimit
	}

	entries, err := s.store.GetHistory(r.Context(), userID, limit)
	if err != nil {
		log.Printf("get history error user=%d session=%s: %v", userID, sessionIDFromContext(r.Context()), err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"status": "success", "data": entries})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, _ := userIDFromContext(r.Context())
	query := r.URL.Query()

	knownVersion := int64(0)
	if raw := query.Get("version"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "version must be a non-negative integer"})
			return
		}
		knownVersion = parsed
	}

	timeout := 30 * time.Second
	if raw := query.Get("timeout"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "timeout must be a positive integer"})
			return
		}
		timeout = time.Duration(parsed) * time.Second
	}
	if timeout > s.pollMaxTimeout {
		timeout = s.pollMaxTimeout
	}

	clientID := query.Get("client_id")

	latest, err := s.store.GetLatestVersion(r.Context(), userID)
	if err != nil {
		log.Printf("poll latest-version error user=%d session=%s: %v", userID, sessionIDFromContext(r.Context()), err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if latest <= knownVersion {
		deadline := make(chan struct{})
		timer := time.AfterFunc(timeout, func() { close(deadline) })
		defer timer.Stop()
		result := s.notifier.WaitForChange(userID, knownVersion, deadline, r.Context().Done())
		switch result.Outcome {
		case notify.Cancelled:
			return // client went away; nothing to write
		case notify.Timeout:
			writeJSON(w, http.StatusOK, jsonResponse{"status": "timeout", "version": result.Version, "data": nil})
			return
		case notify.Advanced:
			latest = result.Version
		}
	}

	entry, err := s.store.GetCurrent(r.Context(), userID)
	if errors.Is(err, storage.ErrEmpty) {
		writeJSON(w, http.StatusOK, jsonResponse{"status": "timeout", "version": latest, "data": nil})
		return
	}
	if err != nil {
		log.Printf("poll get-current error user=%d session=%s: %v", userID, sessionIDFromContext(r.Context()), err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if clientID != "" && entry.ClientID == clientID {
		writeJSON(w, http.StatusOK, jsonResponse{"status": "timeout", "version": entry.Version, "data": nil})
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"status": "success", "version": entry.Version, "data": entry})
}

// requireAuth resolves the session cookie to a user id and rejects the
// request with 401 if none is present, per every endpoint in spec §6.1
// marked "yes".
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.ValidateSession(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), userIDContextKey, identity.UserID)
		ctx = context.WithValue(ctx, sessionIDContextKey, identity.SessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func userIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDContextKey).(int64)
	return userID, ok
}

func sessionIDFromContext(ctx context.Context) string {
	sessionID, _ := ctx.Value(sessionIDContextKey).(string)
	return sessionID
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
