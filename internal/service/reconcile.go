package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const reconcileBatchSize = 100

// StartReconciliation запускает фоновую сверку: заказы, у которых после смены
// статуса не вернулись остатки или не создано уведомление, доводятся до конца.
func (s *Service) StartReconciliation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReconcileOnce(ctx)
			}
		}
	}()
}

// ReconcileOnce обрабатывает одну пачку заказов и возвращает число обработанных.
func (s *Service) ReconcileOnce(ctx context.Context) int {
	items, err := s.repo.ListOrdersForReconciliation(ctx, reconcileBatchSize)
	if err != nil {
		s.logger.Warn("list orders for reconciliation", zap.Error(err))
		return 0
	}

	processed := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return processed
		}

		o, err := s.repo.GetOrder(ctx, item.OrderID)
		if err != nil {
			s.logger.Warn("load order for reconciliation", zap.Error(err), zap.String("order_id", item.OrderID))
			continue
		}

		if item.NeedsStockRelease {
			released, err := s.ReleaseOrder(ctx, o)
			if err != nil {
				s.logger.Error("reconcile stock release", zap.Error(err), zap.String("order_id", o.ID))
			} else if released {
				s.logger.Info("reconciled stock release", zap.String("order_id", o.ID))
			}
		}

		if item.NeedsNotification {
			s.notifyOrder(ctx, o)
		}
		processed++
	}
	return processed
}
