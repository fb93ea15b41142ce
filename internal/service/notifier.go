package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 100
)

// Notice описывает уведомление для сохранения и push-подсказки к нему.
type Notice struct {
	Recipient string
	Type      model.NotificationType
	Title     string
	Message   string
	Link      string
	OrderID   string
	DedupeKey string
	// Push содержит события для живых сессий. Если пусто, отправляется событие notification.
	Push []model.PushEvent
}

// Notify сохраняет уведомление и затем ставит push-события в очередь доставки.
// Ошибка сохранения возвращается; сбои доставки только логируются.
// Если уведомление с тем же DedupeKey уже есть, возвращается его идентификатор
// и push не повторяется.
func (s *Service) Notify(ctx context.Context, n Notice) (string, error) {
	if n.Recipient == "" || n.Title == "" {
		return "", ErrInvalidNotice
	}

	record := &model.Notification{
		ID:        uuid.NewString(),
		UserID:    n.Recipient,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Link:      n.Link,
		DedupeKey: n.DedupeKey,
		CreatedAt: s.now(),
	}
	if n.OrderID != "" {
		orderID := n.OrderID
		record.OrderID = &orderID
	}

	created, err := s.repo.CreateNotification(ctx, record)
	if err != nil {
		return "", fmt.Errorf("create notification: %w", err)
	}
	if !created {
		return record.ID, nil
	}

	events := n.Push
	if len(events) == 0 {
		ev, err := model.NewPushEvent(n.Recipient, model.PushNotification, model.NotificationPayload{
			NotificationID: record.ID,
			Type:           record.Type,
			Title:          record.Title,
		})
		if err != nil {
			s.logger.Warn("build notification push event", zap.Error(err))
		} else {
			events = []model.PushEvent{ev}
		}
	}
	s.publish(events...)

	return record.ID, nil
}

func (s *Service) publish(events ...model.PushEvent) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if !s.publisher.Enqueue(ev) {
			s.logger.Warn("push queue full, event dropped",
				zap.String("user_id", ev.UserID),
				zap.String("type", string(ev.Type)),
			)
		}
	}
}

// ListNotifications возвращает уведомления пользователя, новые первыми.
func (s *Service) ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	return s.repo.ListNotifications(ctx, userID, limit)
}

// UnreadCount возвращает число непрочитанных уведомлений.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.repo.CountUnreadNotifications(ctx, userID)
}

// MarkRead отмечает уведомление пользователя прочитанным.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	return s.repo.MarkNotificationRead(ctx, userID, notificationID)
}

// MarkAllRead отмечает прочитанными все уведомления пользователя.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.repo.MarkAllNotificationsRead(ctx, userID)
}

// DeleteNotification удаляет уведомление пользователя.
func (s *Service) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	return s.repo.DeleteNotification(ctx, userID, notificationID)
}

// DeleteAllNotifications удаляет все уведомления пользователя.
func (s *Service) DeleteAllNotifications(ctx context.Context, userID string) (int64, error) {
	return s.repo.DeleteAllNotifications(ctx, userID)
}
