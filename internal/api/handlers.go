package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"

	"gwi.com/chat-memory/internal/core"
	"gwi.com/chat-memory/internal/store"
	"gwi.com/chat-memory/internal/utils/errutil"
	"gwi.com/chat-memory/internal/utils/logging"
)

// ChatService is the request path the handlers drive.
type ChatService interface {
	CreateSession(ctx context.Context, owner store.Owner) (*store.Session, error)
	ListSessions(ctx context.Context, owner store.Owner) ([]*store.SessionSummary, error)
	GetHistory(ctx context.Context, sessionID string, owner store.Owner) ([]*store.Message, error)
	PostMessage(ctx context.Context, sessionID string, owner store.Owner, text string) (*core.Reply, error)
	RefreshTitle(ctx context.Context, sessionID string, owner store.Owner) (string, error)
}

// TokenValidator resolves a bearer token to its owner.
type TokenValidator interface {
	ValidateJWT(token string) (string, error)
}

type APIHandler struct {
	chatService ChatService
	tokens      TokenValidator
}

func NewAPIHandler(cs ChatService, tokens TokenValidator) *APIHandler {
	return &APIHandler{chatService: cs, tokens: tokens}
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) store.Owner {
	owner, _ := ctx.Value(ownerKey{}).(store.Owner)
	return owner
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			http.Error(w, "Authorization header must be a bearer token", http.StatusUnauthorized)
			return
		}

		owner, err := h.tokens.ValidateJWT(tokenString)
		if err != nil {
			logging.From(r.Context()).Debug("rejected token", "error", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		ctx = logging.With(ctx, logging.From(ctx).With(store.OwnerKey, owner))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.From(ctx).Error("failed to write response", "error", err)
	}
}

// handleError maps domain errors to HTTP statuses.
func handleError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		errutil.HandleHTTP(ctx, w, err, http.StatusNotFound)
	case errors.Is(err, store.ErrForbidden):
		errutil.HandleHTTP(ctx, w, err, http.StatusForbidden)
	case errors.Is(err, core.ErrUpstreamUnavailable):
		errutil.HandleHTTP(ctx, w, err, http.StatusBadGateway)
	default:
		errutil.HandleHTTP(ctx, w, err, http.StatusInternalServerError)
	}
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, err := h.chatService.CreateSession(ctx, ownerFrom(ctx))
	if err != nil {
		handleError(ctx, w, goerr.Wrap(err, "failed to create session"))
		return
	}
	respondJSON(ctx, w, http.StatusCreated, session)
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessions, err := h.chatService.ListSessions(ctx, ownerFrom(ctx))
	if err != nil {
		handleError(ctx, w, goerr.Wrap(err, "failed to list sessions"))
		return
	}
	respondJSON(ctx, w, http.StatusOK, sessions)
}

type HistoryResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []*store.Message `json:"messages"`
}

func (h *APIHandler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := h.chatService.GetHistory(ctx, sessionID, ownerFrom(ctx))
	if err != nil {
		handleError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, HistoryResponse{SessionID: sessionID, Messages: messages})
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}

	reply, err := h.chatService.PostMessage(ctx, sessionID, ownerFrom(ctx), req.Content)
	if err != nil {
		handleError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, reply)
}

type TitleResponse struct {
	Title string `json:"title"`
}

func (h *APIHandler) RefreshTitleHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	title, err := h.chatService.RefreshTitle(ctx, sessionID, ownerFrom(ctx))
	if err != nil {
		handleError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, TitleResponse{Title: title})
}
