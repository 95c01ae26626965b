package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"companionchat/internal/util"
	"companionchat/pkg/domain"
	"companionchat/services/chat/internal/app"
)

// Limiter decides whether a caller may hit a credential endpoint again.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	AuthLimiter    Limiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
}

// Server exposes the chat HTTP API.
type Server struct {
	app            *app.App
	authLimiter    Limiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		authLimiter:    cfg.AuthLimiter,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	h := util.WithCORS(s.allowedOrigins, s.mux)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog("chat", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/user_creation", s.rateLimited("user_creation", s.handleUserCreation))
	s.mux.Handle("/user_authentication", s.rateLimited("user_authentication", s.handleUserAuthentication))
	s.mux.HandleFunc("/new_chat", s.handleNewChat)
	s.mux.HandleFunc("/chatbot_response", s.handleChatbotResponse)
	s.mux.HandleFunc("/get_chat_history", s.handleGetChatHistory)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) rateLimited(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authLimiter != nil {
			key := scope + ":" + util.ClientIP(r, s.trustedProxies)
			if !s.authLimiter.Allow(r.Context(), key) {
				respond(w, http.StatusTooManyRequests, "message", "Too many requests. Try again later.")
				return
			}
		}
		next(w, r)
	})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleUserCreation(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodePost(w, r, &req) {
		return
	}
	err := s.app.CreateUser(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		respond(w, http.StatusOK, "message", "Account Creation was successful. Now try logging in.")
	case errors.Is(err, app.ErrUserExists):
		respond(w, http.StatusBadRequest, "message", "User profile already exists. Try logging in.")
	default:
		s.writeAppError(w, r, err, "Failed to create user")
	}
}

func (s *Server) handleUserAuthentication(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodePost(w, r, &req) {
		return
	}
	err := s.app.Authenticate(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		respond(w, http.StatusOK, "message", "Login was successful")
	case errors.Is(err, app.ErrWrongPassword):
		respond(w, http.StatusBadRequest, "message", "Incorrect password. Try again.")
	case errors.Is(err, app.ErrUserNotFound):
		respond(w, http.StatusBadRequest, "message", "Username does not exist.")
	default:
		s.writeAppError(w, r, err, "Failed to authenticate user")
	}
}

type newChatRequest struct {
	Username string `json:"username"`
	// ChatID, when set, re-initializes the transcript of a reserved chat.
	ChatID *chatID `json:"chat_id"`
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	var req newChatRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.ChatID != nil {
		id := int64(*req.ChatID)
		if err := s.app.InitTranscript(r.Context(), req.Username, id); err != nil {
			s.writeAppError(w, r, err, "Failed to initialize new chat")
			return
		}
		respond(w, http.StatusOK, "chat_id", id)
		return
	}
	id, err := s.app.StartNewChat(r.Context(), req.Username)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to initialize new chat")
		return
	}
	respond(w, http.StatusOK, "chat_id", id)
}

type chatbotRequest struct {
	Username string  `json:"username"`
	ChatID   *chatID `json:"chat_id"`
	Prompt   string  `json:"prompt"`
}

func (s *Server) handleChatbotResponse(w http.ResponseWriter, r *http.Request) {
	var req chatbotRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.ChatID == nil {
		respond(w, http.StatusBadRequest, "message", "chat_id is required.")
		return
	}
	reply, err := s.app.Respond(r.Context(), req.Username, int64(*req.ChatID), req.Prompt)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to generate a response.")
		return
	}
	respond(w, http.StatusOK, "response", reply)
}

type historyRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleGetChatHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodePost(w, r, &req) {
		return
	}
	history, err := s.app.ReadHistory(r.Context(), req.Username)
	if err != nil {
		s.writeAppError(w, r, err, "Failed to read chat history")
		return
	}
	if history == nil {
		history = []domain.ChatTranscript{}
	}
	respond(w, http.StatusOK, "chat_history", history)
}

// writeAppError maps core errors to fixed client messages; anything
// unrecognized becomes a 500 with fallback. Internal detail goes to the log only.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	logger := util.LoggerFromContext(r.Context())
	var initErr *app.TranscriptInitError
	switch {
	case errors.As(err, &initErr):
		respond(w, http.StatusInternalServerError,
			"message", "Failed to initialize new chat",
			"chat_id", initErr.ChatID,
		)
	case errors.Is(err, app.ErrCredentialsRequired):
		respond(w, http.StatusBadRequest, "message", "Username and password are required.")
	case errors.Is(err, app.ErrUsernameRequired):
		respond(w, http.StatusBadRequest, "message", "Username is required.")
	case errors.Is(err, app.ErrInvalidUsername):
		respond(w, http.StatusBadRequest, "message", "Username is not valid.")
	case errors.Is(err, app.ErrPromptRequired):
		respond(w, http.StatusBadRequest, "message", "Prompt is required.")
	case errors.Is(err, app.ErrInvalidChatID):
		respond(w, http.StatusBadRequest, "message", "chat_id is not valid.")
	case errors.Is(err, app.ErrUserNotFound):
		respond(w, http.StatusBadRequest, "message", "User does not exist")
	case errors.Is(err, app.ErrCompletionTimeout):
		respond(w, http.StatusGatewayTimeout, "message", "The model took too long to respond. Try again.")
	case errors.Is(err, context.Canceled):
		logger.Info("request canceled by client", "path", r.URL.Path)
		respond(w, http.StatusServiceUnavailable, "message", "Request canceled.")
	default:
		logger.Error("request failed", "path", r.URL.Path, "err", err)
		respond(w, http.StatusInternalServerError, "message", fallback)
	}
}

func decodePost(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respond(w, http.StatusMethodNotAllowed, "message", "method not allowed")
		return false
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		respond(w, http.StatusBadRequest, "message", "Invalid JSON body.")
		return false
	}
	return true
}

// respond writes {status_code: status, k1: v1, ...} with the same HTTP status.
func respond(w http.ResponseWriter, status int, kv ...any) {
	body := map[string]any{"status_code": status}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			body[k] = kv[i+1]
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// chatID accepts 3 or "3" on the wire.
type chatID int64

func (c *chatID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*c = chatID(n)
	return nil
}
