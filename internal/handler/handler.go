// Package handler содержит HTTP-обработчики API маркетплейса.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/middleware"
	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	Transition(ctx context.Context, orderID string, next model.OrderStatus, actor model.Actor) (*model.Order, error)
	GetOrder(ctx context.Context, orderID string, actor model.Actor) (*model.Order, error)
	ListBuyerOrders(ctx context.Context, buyerID string) ([]model.Order, error)
	ListVendorOrders(ctx context.Context, vendorID string) ([]model.Order, error)

	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	DeleteNotification(ctx context.Context, userID, notificationID string) error
	DeleteAllNotifications(ctx context.Context, userID string) (int64, error)

	Send(ctx context.Context, senderID, recipientID, content string) (*model.Message, error)
	Fetch(ctx context.Context, conversationID, readerID string) ([]model.Message, error)
	ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error)
}

// PushServer обслуживает WebSocket-подключения пользователей.
type PushServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

// Handler реализует HTTP-обработчики API маркетплейса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	push           PushServer
	pollInterval   time.Duration
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// pollInterval сообщается клиентам в заголовке X-Poll-Interval списочных ответов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, push PushServer, pollInterval time.Duration) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		push:           push,
		pollInterval:   pollInterval,
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	ListingID string `json:"listingId,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("encode response", zap.Error(err))
	}
}

func (h *Handler) setPollInterval(w http.ResponseWriter) {
	if h.pollInterval > 0 {
		w.Header().Set("X-Poll-Interval", strconv.Itoa(int(h.pollInterval/time.Second)))
	}
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return model.Actor{}, false
	}
	return actor, true
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	h.logger.Error(msg, append(fields, zap.Error(err))...)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func money(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Health сообщает, что процесс жив.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ServeWS открывает push-канал текущего пользователя.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if h.push == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	h.push.ServeWS(w, r, actor.UserID)
}
