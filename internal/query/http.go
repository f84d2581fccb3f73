package query

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/whisper/chatstream/internal/metrics"
	"github.com/whisper/chatstream/internal/protocol"
)

// Handler serves the query API over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewHandler creates the HTTP surface for svc:
//
//	GET /chats/{chat_id}    messages of one chat
//	GET /chats?user_id=     chats created by a user
//	GET /health             liveness, applied position and chat count
//	GET /metrics            Prometheus metrics
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	h := &Handler{svc: svc, logger: logger.Named("query"), mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /chats/{chat_id}", h.instrument("get_chat", h.handleGetChat))
	h.mux.HandleFunc("GET /chats", h.instrument("get_chats", h.handleGetChats))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.Handle("GET /metrics", metrics.Handler())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) int {
	chatID := r.PathValue("chat_id")
	resp, err := h.svc.GetChat(chatID)
	if errors.Is(err, ErrNotFound) {
		return writeError(w, http.StatusNotFound, "Chat not found")
	}
	if err != nil {
		h.logger.Error("get chat failed", zap.String("chat_id", chatID), zap.Error(err))
		return writeError(w, http.StatusInternalServerError, "internal error")
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetChats(w http.ResponseWriter, r *http.Request) int {
	ownerID := r.URL.Query().Get("user_id")
	if ownerID == "" {
		return writeError(w, http.StatusBadRequest, "user_id is required")
	}
	resp, err := h.svc.GetChats(ownerID)
	if errors.Is(err, ErrNotFound) {
		return writeError(w, http.StatusNotFound, "User not found")
	}
	if err != nil {
		h.logger.Error("get chats failed", zap.String("user_id", ownerID), zap.Error(err))
		return writeError(w, http.StatusInternalServerError, "internal error")
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status   string `json:"status"`
		Position uint64 `json:"position"`
		Chats    int    `json:"chats"`
	}{
		Status:   "ok",
		Position: h.svc.Position(),
		Chats:    h.svc.Chats(),
	})
}

// instrument adapts a handler that reports its status code and counts the
// request by route and status.
func (h *Handler) instrument(route string, fn func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := fn(w, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
	return status
}

func writeError(w http.ResponseWriter, status int, msg string) int {
	return writeJSON(w, status, protocol.ErrorResponse{Message: msg})
}
