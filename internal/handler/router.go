package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/marketplace-core/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware маркетплейса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		// WebSocket не проходит через gzip: upgrade требует исходный ResponseWriter.
		r.Get("/ws", h.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.GzipMiddleware)

			r.Post("/checkout", h.Checkout)

			r.Get("/orders", h.GetBuyerOrders)
			r.Get("/vendor/orders", h.GetVendorOrders)
			r.Get("/order/{id}", h.GetOrder)
			r.Put("/order/{id}/status", h.UpdateOrderStatus)

			r.Get("/notifications", h.GetNotifications)
			r.Get("/notifications/unread-count", h.GetUnreadCount)
			r.Put("/notifications/read-all", h.MarkAllNotificationsRead)
			r.Delete("/notifications", h.DeleteAllNotifications)
			r.Put("/notification/{id}/read", h.MarkNotificationRead)
			r.Delete("/notification/{id}", h.DeleteNotification)

			r.Get("/conversations", h.GetConversations)
			r.Get("/conversation/{id}/messages", h.GetMessages)
			r.Post("/message/send", h.SendMessage)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
