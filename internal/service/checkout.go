package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

// CheckoutRequest содержит корзину покупателя и параметры оформления.
// PaymentStatus учитывается только без платёжного шлюза: тогда статус оплаты
// считается уже проверенным вызывающей стороной.
type CheckoutRequest struct {
	BuyerID         string
	Lines           []model.CartLine
	ShippingAddress model.ShippingAddress
	PaymentMethod   model.PaymentMethod
	PaymentStatus   model.PaymentStatus
	PaymentRef      string
}

// CheckoutError описывает отказ в оформлении по конкретной строке корзины.
type CheckoutError struct {
	Reason    error
	ListingID string
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout listing %s: %v", e.ListingID, e.Reason)
}

func (e *CheckoutError) Unwrap() error {
	return e.Reason
}

// VendorFailure описывает продавца, заказ которого не удалось сохранить.
type VendorFailure struct {
	VendorID string
	Err      error
}

// CheckoutResult содержит созданные заказы (по одному на продавца) и отказы по продавцам.
type CheckoutResult struct {
	Orders   []model.Order
	Failures []VendorFailure
}

type reservation struct {
	line    model.CartLine
	listing model.Listing
}

// Checkout разбивает корзину на заказы по продавцам. Остатки резервируются в
// порядке возрастания идентификатора товара; при первой неудаче все резервы
// этой попытки возвращаются и заказы не создаются.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.BuyerID == "" {
		return nil, ErrInvalidCheckout
	}

	lines, err := mergeLines(req.Lines)
	if err != nil {
		return nil, err
	}

	method := req.PaymentMethod
	if method == "" {
		method = model.PaymentMethodCOD
	}
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ListingID)
	}
	listings, err := s.repo.GetListings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}
	for _, l := range lines {
		listing, ok := listings[l.ListingID]
		if !ok {
			return nil, &CheckoutError{Reason: repository.ErrListingNotFound, ListingID: l.ListingID}
		}
		if l.Quantity < listing.MinimumOrderQuantity {
			return nil, &CheckoutError{Reason: ErrBelowMinimumQuantity, ListingID: l.ListingID}
		}
	}

	paymentStatus, err := s.resolvePayment(ctx, method, req, cartTotal(lines, listings))
	if err != nil {
		return nil, err
	}

	reserved, err := s.reserveAll(ctx, lines)
	if err != nil {
		return nil, err
	}

	now := s.now()
	result := &CheckoutResult{}
	for _, group := range groupByVendor(lines, reserved) {
		order := &model.Order{
			ID:              uuid.NewString(),
			BuyerID:         req.BuyerID,
			VendorID:        group.vendorID,
			Status:          model.OrderStatusPending,
			PaymentMethod:   method,
			PaymentStatus:   paymentStatus,
			ShippingAddress: req.ShippingAddress,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		for _, r := range group.reservations {
			item := model.OrderItem{
				ListingID:            r.listing.ID,
				VendorID:             r.listing.VendorID,
				Title:                r.listing.Title,
				Quantity:             r.line.Quantity,
				PriceAtPurchaseCents: r.listing.PriceCents,
			}
			order.Items = append(order.Items, item)
			order.TotalCents += item.LineTotalCents()
		}

		if err := s.repo.CreateOrder(ctx, order); err != nil {
			s.logger.Error("create vendor order",
				zap.Error(err),
				zap.String("buyer_id", req.BuyerID),
				zap.String("vendor_id", group.vendorID),
			)
			s.compensate(ctx, group.reservations)
			result.Failures = append(result.Failures, VendorFailure{VendorID: group.vendorID, Err: err})
			continue
		}
		result.Orders = append(result.Orders, *order)
	}

	if len(result.Orders) == 0 {
		return result, ErrCheckoutFailed
	}

	for i := range result.Orders {
		s.notifyOrder(ctx, &result.Orders[i])
	}

	return result, nil
}

// mergeLines складывает количества повторяющихся товаров, сохраняя порядок первого появления.
func mergeLines(lines []model.CartLine) ([]model.CartLine, error) {
	if len(lines) == 0 {
		return nil, ErrInvalidCheckout
	}

	index := make(map[string]int, len(lines))
	merged := make([]model.CartLine, 0, len(lines))
	for _, l := range lines {
		if l.ListingID == "" {
			return nil, ErrInvalidCheckout
		}
		if l.Quantity <= 0 {
			return nil, &CheckoutError{Reason: ErrInvalidQuantity, ListingID: l.ListingID}
		}
		if i, ok := index[l.ListingID]; ok {
			if l.Quantity > math.MaxInt64-merged[i].Quantity {
				return nil, &CheckoutError{Reason: ErrInvalidQuantity, ListingID: l.ListingID}
			}
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ListingID] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

// cartTotal считает сумму корзины в десятичной арифметике, без переполнения int64.
func cartTotal(lines []model.CartLine, listings map[string]model.Listing) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		price := decimal.New(listings[l.ListingID].PriceCents, -2)
		total = total.Add(price.Mul(decimal.NewFromInt(l.Quantity)))
	}
	return total
}

func (s *Service) resolvePayment(ctx context.Context, method model.PaymentMethod, req CheckoutRequest, total decimal.Decimal) (model.PaymentStatus, error) {
	switch req.PaymentStatus {
	case "", model.PaymentStatusPending, model.PaymentStatusPaid:
	default:
		return "", ErrInvalidCheckout
	}

	switch method {
	case model.PaymentMethodCOD:
		return model.PaymentStatusPending, nil
	case model.PaymentMethodOnline:
	default:
		return "", ErrInvalidCheckout
	}

	if s.payments == nil {
		if req.PaymentStatus == model.PaymentStatusPaid {
			return model.PaymentStatusPaid, nil
		}
		return model.PaymentStatusPending, nil
	}

	if req.PaymentRef == "" {
		return "", ErrPaymentNotAuthorized
	}
	status, err := s.payments.VerifyPayment(ctx, req.PaymentRef, total)
	if err != nil {
		s.logger.Warn("verify payment", zap.Error(err), zap.String("payment_ref", req.PaymentRef))
		return "", fmt.Errorf("%w: %v", ErrPaymentNotAuthorized, err)
	}
	if status != model.PaymentStatusPaid {
		return "", ErrPaymentNotAuthorized
	}
	return model.PaymentStatusPaid, nil
}

// reserveAll резервирует строки в порядке возрастания идентификатора товара.
func (s *Service) reserveAll(ctx context.Context, lines []model.CartLine) (map[string]reservation, error) {
	sorted := append([]model.CartLine(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ListingID < sorted[j].ListingID
	})

	reserved := make(map[string]reservation, len(sorted))
	done := make([]reservation, 0, len(sorted))
	for _, l := range sorted {
		listing, err := s.repo.ReserveStock(ctx, l.ListingID, l.Quantity)
		if err != nil {
			s.compensate(ctx, done)
			if errors.Is(err, repository.ErrInsufficientStock) || errors.Is(err, repository.ErrListingNotFound) {
				return nil, &CheckoutError{Reason: err, ListingID: l.ListingID}
			}
			return nil, fmt.Errorf("reserve listing %s: %w", l.ListingID, err)
		}
		r := reservation{line: l, listing: listing}
		reserved[l.ListingID] = r
		done = append(done, r)
	}
	return reserved, nil
}

// compensate возвращает ранее сделанные резервы. Выполняется и после отмены
// контекста запроса: иначе остаток останется списанным без заказа.
func (s *Service) compensate(ctx context.Context, reservations []reservation) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range reservations {
		if err := s.repo.ReleaseStock(ctx, r.line.ListingID, r.line.Quantity); err != nil {
			s.logger.Error("release reservation",
				zap.Error(err),
				zap.String("listing_id", r.line.ListingID),
				zap.Int64("quantity", r.line.Quantity),
			)
		}
	}
}

type vendorGroup struct {
	vendorID     string
	reservations []reservation
}

// groupByVendor группирует строки по продавцу в порядке первого появления продавца в корзине.
func groupByVendor(lines []model.CartLine, reserved map[string]reservation) []vendorGroup {
	index := make(map[string]int)
	var groups []vendorGroup
	for _, l := range lines {
		r := reserved[l.ListingID]
		vendorID := r.listing.VendorID
		i, ok := index[vendorID]
		if !ok {
			i = len(groups)
			index[vendorID] = i
			groups = append(groups, vendorGroup{vendorID: vendorID})
		}
		groups[i].reservations = append(groups[i].reservations, r)
	}
	return groups
}
