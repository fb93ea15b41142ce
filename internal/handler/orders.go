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

type checkoutItemRequest struct {
	ListingID string `json:"listingId"`
	Quantity  int64  `json:"quantity"`
}

type checkoutRequest struct {
	Items           []checkoutItemRequest `json:"items"`
	ShippingAddress model.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   model.PaymentMethod   `json:"paymentMethod"`
	PaymentStatus   model.PaymentStatus   `json:"paymentStatus"`
	PaymentRef      string                `json:"paymentRef"`
}

type orderItemResponse struct {
	ListingID string `json:"listingId"`
	Title     string `json:"title"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	LineTotal string `json:"lineTotal"`
}

type orderResponse struct {
	ID              string                `json:"id"`
	BuyerID         string                `json:"buyerId"`
	VendorID        string                `json:"vendorId"`
	Items           []orderItemResponse   `json:"items"`
	Total           string                `json:"total"`
	Status          model.OrderStatus     `json:"status"`
	PaymentMethod   model.PaymentMethod   `json:"paymentMethod"`
	PaymentStatus   model.PaymentStatus   `json:"paymentStatus"`
	ShippingAddress model.ShippingAddress `json:"shippingAddress"`
	CreatedAt       string                `json:"createdAt"`
	UpdatedAt       string                `json:"updatedAt"`
}

type vendorFailureResponse struct {
	VendorID string `json:"vendorId"`
	Error    string `json:"error"`
}

type checkoutResponse struct {
	Orders   []orderResponse         `json:"orders"`
	Failures []vendorFailureResponse `json:"failures"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ListingID: it.ListingID,
			Title:     it.Title,
			Quantity:  it.Quantity,
			UnitPrice: money(it.PriceAtPurchaseCents),
			LineTotal: money(it.LineTotalCents()),
		})
	}
	return orderResponse{
		ID:              o.ID,
		BuyerID:         o.BuyerID,
		VendorID:        o.VendorID,
		Items:           items,
		Total:           money(o.TotalCents),
		Status:          o.Status,
		PaymentMethod:   o.PaymentMethod,
		PaymentStatus:   o.PaymentStatus,
		ShippingAddress: o.ShippingAddress,
		CreatedAt:       formatTime(o.CreatedAt),
		UpdatedAt:       formatTime(o.UpdatedAt),
	}
}

func toOrderResponses(orders []model.Order) []orderResponse {
	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	return resp
}

// Checkout оформляет корзину текущего пользователя: по одному заказу на продавца.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lines := make([]model.CartLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, model.CartLine{ListingID: it.ListingID, Quantity: it.Quantity})
	}

	res, err := h.service.Checkout(r.Context(), service.CheckoutRequest{
		BuyerID:         actor.UserID,
		Lines:           lines,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   req.PaymentStatus,
		PaymentRef:      req.PaymentRef,
	})
	if err != nil {
		h.checkoutError(w, actor, err)
		return
	}

	resp := checkoutResponse{
		Orders:   toOrderResponses(res.Orders),
		Failures: make([]vendorFailureResponse, 0, len(res.Failures)),
	}
	for _, f := range res.Failures {
		resp.Failures = append(resp.Failures, vendorFailureResponse{VendorID: f.VendorID, Error: "order_not_created"})
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) checkoutError(w http.ResponseWriter, actor model.Actor, err error) {
	var checkoutErr *service.CheckoutError
	listingID := ""
	if errors.As(err, &checkoutErr) {
		listingID = checkoutErr.ListingID
	}

	switch {
	case errors.Is(err, repository.ErrInsufficientStock):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: "insufficient_stock", ListingID: listingID})
	case errors.Is(err, repository.ErrListingNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "listing_not_found", ListingID: listingID})
	case errors.Is(err, service.ErrBelowMinimumQuantity):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "below_minimum_quantity", ListingID: listingID})
	case errors.Is(err, service.ErrInvalidQuantity):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_quantity", ListingID: listingID})
	case errors.Is(err, service.ErrInvalidCheckout):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, service.ErrPaymentNotAuthorized):
		h.writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "payment_not_authorized"})
	default:
		h.internalError(w, "checkout error", err, zap.String("buyer_id", actor.UserID))
	}
}

// GetBuyerOrders возвращает заказы текущего пользователя как покупателя.
func (h *Handler) GetBuyerOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListBuyerOrders(r.Context(), actor.UserID)
	if err != nil {
		h.internalError(w, "list buyer orders error", err, zap.String("user_id", actor.UserID))
		return
	}

	h.setPollInterval(w)
	h.writeJSON(w, http.StatusOK, toOrderResponses(orders))
}

// GetVendorOrders возвращает заказы, адресованные текущему продавцу.
func (h *Handler) GetVendorOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if actor.Role != model.RoleVendor && !actor.IsAdmin() {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	orders, err := h.service.ListVendorOrders(r.Context(), actor.UserID)
	if err != nil {
		h.internalError(w, "list vendor orders error", err, zap.String("user_id", actor.UserID))
		return
	}

	h.setPollInterval(w)
	h.writeJSON(w, http.StatusOK, toOrderResponses(orders))
}

// GetOrder возвращает заказ, видимый текущему пользователю.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "id")
	o, err := h.service.GetOrder(r.Context(), orderID, actor)
	if err != nil {
		h.orderError(w, "get order error", orderID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type statusRequest struct {
	Status model.OrderStatus `json:"status"`
}

// UpdateOrderStatus переводит заказ в новый статус.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orderID := chi.URLParam(r, "id")
	o, err := h.service.Transition(r.Context(), orderID, req.Status, actor)
	if err != nil {
		h.orderError(w, "update order status error", orderID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) orderError(w http.ResponseWriter, msg, orderID string, err error) {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, service.ErrInvalidTransition):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: "invalid_transition"})
	case errors.Is(err, repository.ErrStatusConflict):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: "status_conflict"})
	default:
		h.internalError(w, msg, err, zap.String("order_id", orderID))
	}
}
