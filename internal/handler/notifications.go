package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

type notificationResponse struct {
	ID        string                 `json:"id"`
	Type      model.NotificationType `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Link      string                 `json:"link,omitempty"`
	OrderID   *string                `json:"orderId,omitempty"`
	Read      bool                   `json:"read"`
	CreatedAt string                 `json:"createdAt"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

// GetNotifications возвращает последние уведомления пользователя.
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.service.ListNotifications(r.Context(), actor.UserID, limit)
	if err != nil {
		h.internalError(w, "list notifications error", err, zap.String("user_id", actor.UserID))
		return
	}

	resp := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		resp = append(resp, notificationResponse{
			ID:        n.ID,
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			Link:      n.Link,
			OrderID:   n.OrderID,
			Read:      n.Read,
			CreatedAt: formatTime(n.CreatedAt),
		})
	}

	h.setPollInterval(w)
	h.writeJSON(w, http.StatusOK, resp)
}

// GetUnreadCount возвращает число непрочитанных уведомлений.
func (h *Handler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	count, err := h.service.UnreadCount(r.Context(), actor.UserID)
	if err != nil {
		h.internalError(w, "unread count error", err, zap.String("user_id", actor.UserID))
		return
	}

	h.setPollInterval(w)
	h.writeJSON(w, http.StatusOK, countResponse{Count: count})
}

// MarkNotificationRead отмечает уведомление прочитанным.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.MarkRead(r.Context(), actor.UserID, id); err != nil {
		h.notificationError(w, "mark notification read error", id, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// MarkAllNotificationsRead отмечает прочитанными все уведомления пользователя.
func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	n, err := h.service.MarkAllRead(r.Context(), actor.UserID)
	if err != nil {
		h.internalError(w, "mark all read error", err, zap.String("user_id", actor.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// DeleteNotification удаляет одно уведомление пользователя.
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.DeleteNotification(r.Context(), actor.UserID, id); err != nil {
		h.notificationError(w, "delete notification error", id, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllNotifications удаляет все уведомления пользователя.
func (h *Handler) DeleteAllNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	n, err := h.service.DeleteAllNotifications(r.Context(), actor.UserID)
	if err != nil {
		h.internalError(w, "delete all notifications error", err, zap.String("user_id", actor.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *Handler) notificationError(w http.ResponseWriter, msg, id string, err error) {
	if errors.Is(err, repository.ErrNotificationNotFound) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	h.internalError(w, msg, err, zap.String("notification_id", id))
}
