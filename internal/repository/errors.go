// Package repository содержит реализации хранилища маркетплейса: PostgreSQL и in-memory.
package repository

import "errors"

var (
	// ErrListingNotFound возвращается, если товар не найден.
	ErrListingNotFound = errors.New("listing not found")
	// ErrInsufficientStock возвращается, если остатка товара не хватает для резерва.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrStatusConflict возвращается, если статус заказа изменился между чтением и записью.
	ErrStatusConflict = errors.New("order status changed concurrently")
	// ErrNotificationNotFound возвращается, если уведомление не найдено у получателя.
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrConversationNotFound возвращается, если переписка не найдена.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrNotParticipant возвращается, если пользователь не участвует в переписке.
	ErrNotParticipant = errors.New("user is not a conversation participant")
)

// OrderForReconciliation описывает заказ, у которого не завершены побочные эффекты смены статуса.
type OrderForReconciliation struct {
	OrderID           string
	NeedsStockRelease bool
	NeedsNotification bool
}
