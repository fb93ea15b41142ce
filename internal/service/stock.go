package service

import (
	"context"
	"fmt"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

// Reserve атомарно списывает qty единиц товара. Нехватка остатка является ожидаемым
// исходом и возвращается как repository.ErrInsufficientStock.
func (s *Service) Reserve(ctx context.Context, listingID string, qty int64) (model.Listing, error) {
	if qty <= 0 {
		return model.Listing{}, ErrInvalidQuantity
	}
	return s.repo.ReserveStock(ctx, listingID, qty)
}

// Release возвращает qty единиц товара на остаток.
func (s *Service) Release(ctx context.Context, listingID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return s.repo.ReleaseStock(ctx, listingID, qty)
}

// ReleaseOrder возвращает остатки по всем строкам заказа. Для одного заказа
// остатки возвращаются не более одного раза; повторный вызов возвращает false.
func (s *Service) ReleaseOrder(ctx context.Context, o *model.Order) (bool, error) {
	released, err := s.repo.ReleaseOrderStock(ctx, o.ID, o.Items)
	if err != nil {
		return false, fmt.Errorf("release order %s: %w", o.ID, err)
	}
	return released, nil
}
