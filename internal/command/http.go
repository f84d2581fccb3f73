package command

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/whisper/chatstream/internal/metrics"
	"github.com/whisper/chatstream/internal/protocol"
)

// maxBodyBytes caps command request bodies.
const maxBodyBytes = 4096

// Handler serves the command API over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewHandler creates the HTTP surface for svc:
//
//	POST /create-chat         {username, subject}
//	POST /send-chat-message   {chat_id, user_id, message}
//	GET  /health
//	GET  /metrics
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	h := &Handler{svc: svc, logger: logger.Named("command"), mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /create-chat", h.handleCreateChat)
	h.mux.HandleFunc("POST /send-chat-message", h.handleSendMessage)
	h.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	h.mux.Handle("GET /metrics", metrics.Handler())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.finish(w, "create_chat", err, nil)
		return
	}
	data, err := h.svc.CreateChat(r.Context(), req)
	h.finish(w, "create_chat", err, protocol.CommandResponse{Message: "Chat created successfully", Data: data})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.finish(w, "send_message", err, nil)
		return
	}
	data, err := h.svc.SendMessage(r.Context(), req)
	h.finish(w, "send_message", err, protocol.CommandResponse{Message: "Message sent successfully", Data: data})
}

// finish maps a command outcome to a response and records it.
func (h *Handler) finish(w http.ResponseWriter, command string, err error, ok interface{}) {
	var (
		status int
		result string
		body   interface{}
		verr   *ValidationError
	)
	switch {
	case err == nil:
		status, result, body = http.StatusOK, "ok", ok
	case errors.As(err, &verr):
		status, result, body = http.StatusBadRequest, "invalid", protocol.ErrorResponse{Message: verr.Error()}
	case errors.Is(err, errBadBody):
		status, result, body = http.StatusBadRequest, "invalid", protocol.ErrorResponse{Message: "invalid JSON body"}
	case errors.Is(err, ErrRateLimited):
		status, result, body = http.StatusTooManyRequests, "limited", protocol.ErrorResponse{Message: "too many requests"}
	default:
		h.logger.Error("command failed", zap.String("command", command), zap.Error(err))
		status, result, body = http.StatusServiceUnavailable, "error", protocol.ErrorResponse{Message: "event log unavailable"}
	}

	writeJSON(w, status, body)
	metrics.CommandsTotal.WithLabelValues(command, result).Inc()
	metrics.HTTPRequests.WithLabelValues(command, strconv.Itoa(status)).Inc()
}

var errBadBody = errors.New("command: invalid request body")

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errBadBody
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
