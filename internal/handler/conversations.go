package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
	"github.com/mmeshcher/marketplace-core/internal/service"
)

type sendMessageRequest struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

type messageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	Read           bool   `json:"read"`
	CreatedAt      string `json:"createdAt"`
}

type conversationResponse struct {
	ID            string  `json:"id"`
	CounterpartID string  `json:"counterpartId"`
	LastMessage   string  `json:"lastMessage"`
	LastMessageAt *string `json:"lastMessageAt,omitempty"`
	Unread        int64   `json:"unread"`
}

func toMessageResponse(m *model.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Read:           m.Read,
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

// SendMessage отправляет сообщение другому пользователю.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	msg, err := h.service.Send(r.Context(), actor.UserID, req.RecipientID, req.Content)
	if err != nil {
		if errors.Is(err, service.ErrInvalidMessage) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.internalError(w, "send message error", err,
			zap.String("sender_id", actor.UserID), zap.String("recipient_id", req.RecipientID))
		return
	}

	h.writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// GetMessages возвращает сообщения переписки и отмечает входящие прочитанными.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	convID := chi.URLParam(r, "id")
	msgs, err := h.service.Fetch(r.Context(), convID, actor.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConversationNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrForbidden):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.internalError(w, "fetch messages error", err, zap.String("conversation_id", convID))
		}
		return
	}

	resp := make([]messageResponse, 0, len(msgs))
	for i := range msgs {
		resp = append(resp, toMessageResponse(&msgs[i]))
	}

	h.setPollInterval(w)
	h.writeJSON(w, http.StatusOK, resp)
}

// GetConversations возвращает список переписок пользователя.
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	convs, err := h.service.ListConversations(r.Context(), actor.UserID)
	if err != nil {
		h.internalError(w, "list conversations error", err, zap.String("user_id", actor.UserID))
		return
	}

	resp := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		item := conversationResponse{
			ID:            c.ConversationID,
			CounterpartID: c.CounterpartID,
			LastMessage:   c.LastMessage,
			Unread:        c.Unread,
		}
		if c.LastMessageAt != nil {
			at := formatTime(*c.LastMessageAt)
			item.LastMessageAt = &at
		}
		resp = append(resp, item)
	}

	h.setPollInterval(w)
	h.writeJSON(w, http.StatusOK, resp)
}
