package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/glowlabs/glow/internal/chat"
	"github.com/glowlabs/glow/internal/db"
	"github.com/glowlabs/glow/internal/llm"
	"github.com/glowlabs/glow/internal/models"
	"go.uber.org/zap"
)

type Handler struct {
	db       *db.Database
	pipeline *chat.Pipeline
	logger   *zap.Logger
}

func NewHandler(database *db.Database, pipeline *chat.Pipeline, logger *zap.Logger) *Handler {
	return &Handler{
		db:       database,
		pipeline: pipeline,
		logger:   logger,
	}
}

type ChatRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	RegenerateFrom string `json:"regenerate_from_message_id,omitempty"`
}

type EditMessageRequest struct {
	MessageID  string `json:"message_id"`
	NewContent string `json:"new_content"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type HideMemoryRequest struct {
	MemoryID string `json:"memory_id"`
	UserID   string `json:"user_id"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps pipeline and storage failures onto response codes. Upstream
// provider failures surface as gateway errors, never as our own 5xx.
func statusFor(err error) int {
	var upstream *llm.UpstreamError
	switch {
	case errors.Is(err, chat.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrInvalidRole):
		return http.StatusForbidden
	case errors.As(err, &upstream):
		if upstream.StatusCode == http.StatusServiceUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleChat runs one conversational turn and streams the reply back as
// server-sent events. Failures before the first byte of the stream are plain
// JSON errors; after that, failures arrive as terminal error events.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" && req.RegenerateFrom == "" {
		h.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming is not supported")
		return
	}

	turn, err := h.pipeline.Prepare(r.Context(), chat.TurnRequest{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Message:        strings.TrimSpace(req.Message),
		RegenerateFrom: req.RegenerateFrom,
	})
	if err != nil {
		status := statusFor(err)
		h.logger.Error("Failed to prepare chat turn",
			zap.Error(err),
			zap.Int("status", status),
			zap.String("user_id", req.UserID))
		if status >= http.StatusInternalServerError {
			h.writeError(w, status, chat.FriendlyError(err))
		} else {
			h.writeError(w, status, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	emit := func(ev chat.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Persistence outlives the request: a dropped client must not cancel the
	// title call or either storage phase.
	h.pipeline.Stream(context.WithoutCancel(r.Context()), turn, emit)
}

// HandleEditMessage rewrites a user message in place. Regeneration of the
// reply is a separate chat request with regenerate_from_message_id set.
func (h *Handler) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MessageID == "" {
		h.writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	msg, err := h.pipeline.Edit(req.MessageID, req.NewContent)
	if err != nil {
		status := statusFor(err)
		switch status {
		case http.StatusBadRequest:
			h.writeError(w, status, "New content is required")
		case http.StatusNotFound:
			h.writeError(w, status, "Message not found")
		case http.StatusForbidden:
			h.writeError(w, status, "Only user messages can be edited")
		default:
			h.logger.Error("Failed to edit message", zap.Error(err))
			h.writeError(w, status, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	username := r.URL.Query().Get("user_id")
	if username == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	user, err := h.db.GetOrCreateUser(username)
	if err != nil {
		h.logger.Error("Failed to resolve user", zap.Error(err), zap.String("user_id", username))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	conversations, err := h.db.ListConversations(user.ID)
	if err != nil {
		h.logger.Error("Failed to get conversations", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, conversations)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		h.writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	messages, err := h.db.History(convID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		h.logger.Error("Failed to get messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// The system prompt stays server-side.
	visible := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		visible = append(visible, msg)
	}

	h.writeJSON(w, http.StatusOK, visible)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		h.writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	if err := h.db.DeleteConversation(convID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		h.logger.Error("Failed to delete conversation", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		h.writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		h.writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := h.db.RenameConversation(convID, title); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		h.logger.Error("Failed to update conversation", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) GetMemories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	username := r.URL.Query().Get("user_id")
	if username == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	user, err := h.db.GetOrCreateUser(username)
	if err != nil {
		h.logger.Error("Failed to resolve user", zap.Error(err), zap.String("user_id", username))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	memories, err := h.db.ListMemories(user.ID)
	if err != nil {
		h.logger.Error("Failed to get memories", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, memories)
}

func (h *Handler) HideMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req HideMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MemoryID == "" || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "memory_id and user_id are required")
		return
	}

	user, err := h.db.GetOrCreateUser(req.UserID)
	if err != nil {
		h.logger.Error("Failed to resolve user", zap.Error(err), zap.String("user_id", req.UserID))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := h.db.HideMemory(req.MemoryID, user.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Memory not found")
			return
		}
		h.logger.Error("Failed to hide memory", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "hidden"})
}

func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	memoryID := r.URL.Query().Get("memory_id")
	if memoryID == "" {
		h.writeError(w, http.StatusBadRequest, "memory_id is required")
		return
	}

	if err := h.db.DeleteMemory(memoryID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Memory not found")
			return
		}
		h.logger.Error("Failed to delete memory", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
