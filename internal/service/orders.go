package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

// Каждая неудачная попытка CAS означает, что статус продвинулся по ациклическому
// графу, поэтому число попыток ограничено длиной самого длинного пути.
const maxTransitionAttempts = 8

var statusMessages = map[model.OrderStatus]string{
	model.OrderStatusConfirmed:  "Your order has been confirmed by the vendor",
	model.OrderStatusProcessing: "Your order is being prepared",
	model.OrderStatusShipped:    "Your order has been shipped",
	model.OrderStatusDelivered:  "Your order has been delivered",
	model.OrderStatusCancelled:  "Your order has been cancelled",
}

// Transition переводит заказ в статус next от имени actor. Менять статус могут
// продавец заказа и администратор. Запрос на уже установленный статус считается
// повтором и завершается успешно без побочных эффектов.
func (s *Service) Transition(ctx context.Context, orderID string, next model.OrderStatus, actor model.Actor) (*model.Order, error) {
	if !next.Valid() {
		return nil, ErrInvalidTransition
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}

		if !actor.IsAdmin() && actor.UserID != o.VendorID {
			return nil, ErrForbidden
		}

		if o.Status == next {
			return o, nil
		}

		if !o.Status.CanTransitionTo(next) {
			return nil, ErrInvalidTransition
		}

		updated, err := s.repo.CompareAndSetOrderStatus(ctx, orderID, o.Status, next)
		if errors.Is(err, repository.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update order status: %w", err)
		}

		s.afterTransition(ctx, updated)
		return updated, nil
	}

	return nil, fmt.Errorf("transition order %s: %w", orderID, repository.ErrStatusConflict)
}

// afterTransition выполняет побочные эффекты уже зафиксированной смены статуса.
// Ошибки не возвращаются: незавершённые эффекты доделывает сверка.
func (s *Service) afterTransition(ctx context.Context, o *model.Order) {
	ctx = context.WithoutCancel(ctx)

	if o.Status == model.OrderStatusCancelled {
		if _, err := s.ReleaseOrder(ctx, o); err != nil {
			s.logger.Error("release cancelled order stock",
				zap.Error(err),
				zap.String("order_id", o.ID),
			)
		}
	}

	s.notifyOrder(ctx, o)
}

// notifyOrder создаёт уведомление о текущем статусе заказа и отмечает заказ уведомлённым.
// Новый заказ уведомляет продавца, остальные статусы уведомляют покупателя.
func (s *Service) notifyOrder(ctx context.Context, o *model.Order) {
	notice, err := orderNotice(o)
	if err != nil {
		s.logger.Error("build order notice", zap.Error(err), zap.String("order_id", o.ID))
		return
	}

	if _, err := s.Notify(ctx, notice); err != nil {
		s.logger.Error("notify order status",
			zap.Error(err),
			zap.String("order_id", o.ID),
			zap.String("status", string(o.Status)),
		)
		return
	}

	if err := s.repo.MarkOrderNotified(ctx, o.ID, o.Status); err != nil {
		s.logger.Warn("mark order notified", zap.Error(err), zap.String("order_id", o.ID))
	}
}

func orderDedupeKey(orderID string, status model.OrderStatus) string {
	return fmt.Sprintf("order:%s:%s", orderID, status)
}

func orderNotice(o *model.Order) (Notice, error) {
	if o.Status == model.OrderStatusPending {
		var units int64
		for _, it := range o.Items {
			units += it.Quantity
		}
		return Notice{
			Recipient: o.VendorID,
			Type:      model.NotificationNewOrder,
			Title:     "New order received",
			Message: fmt.Sprintf("Order %s: %d item(s), total %s",
				o.ID, units, decimal.New(o.TotalCents, -2).StringFixed(2)),
			Link:      "/vendor/orders/" + o.ID,
			OrderID:   o.ID,
			DedupeKey: orderDedupeKey(o.ID, o.Status),
		}, nil
	}

	message := statusMessages[o.Status]
	ev, err := model.NewPushEvent(o.BuyerID, model.PushOrderUpdate, model.OrderUpdatePayload{
		OrderID: o.ID,
		Status:  o.Status,
		Message: message,
	})
	if err != nil {
		return Notice{}, err
	}

	return Notice{
		Recipient: o.BuyerID,
		Type:      model.NotificationOrderStatusChanged,
		Title:     "Order " + string(o.Status),
		Message:   message,
		Link:      "/orders/" + o.ID,
		OrderID:   o.ID,
		DedupeKey: orderDedupeKey(o.ID, o.Status),
		Push:      []model.PushEvent{ev},
	}, nil
}

// GetOrder возвращает заказ, если он виден пользователю: покупателю, продавцу или администратору.
func (s *Service) GetOrder(ctx context.Context, orderID string, actor model.Actor) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.UserID != o.BuyerID && actor.UserID != o.VendorID {
		return nil, ErrForbidden
	}
	return o, nil
}

// ListBuyerOrders возвращает заказы покупателя.
func (s *Service) ListBuyerOrders(ctx context.Context, buyerID string) ([]model.Order, error) {
	return s.repo.ListOrdersByBuyer(ctx, buyerID)
}

// ListVendorOrders возвращает заказы продавца.
func (s *Service) ListVendorOrders(ctx context.Context, vendorID string) ([]model.Order, error) {
	return s.repo.ListOrdersByVendor(ctx, vendorID)
}
