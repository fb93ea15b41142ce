package model

import (
	"encoding/json"
	"time"
)

// PushEventType описывает тип события, отправляемого клиенту по push-каналу.
type PushEventType string

const (
	PushNewMessage          PushEventType = "new_message"
	PushConversationUpdated PushEventType = "conversation_updated"
	PushOrderUpdate         PushEventType = "order_update"
	PushNotification        PushEventType = "notification"
)

// PushEvent подсказывает клиенту перечитать данные. Источником истины не является.
type PushEvent struct {
	UserID  string          `json:"userId"`
	Type    PushEventType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewPushEvent сериализует полезную нагрузку события.
func NewPushEvent(userID string, typ PushEventType, payload any) (PushEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return PushEvent{}, err
	}
	return PushEvent{UserID: userID, Type: typ, Payload: raw}, nil
}

// NewMessagePayload содержит нагрузку события new_message.
type NewMessagePayload struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationUpdatedPayload содержит нагрузку события conversation_updated.
type ConversationUpdatedPayload struct {
	ConversationID string `json:"conversationId"`
	LastMessage    string `json:"lastMessage"`
	Unread         int64  `json:"unread"`
}

// OrderUpdatePayload содержит нагрузку события order_update.
type OrderUpdatePayload struct {
	OrderID string      `json:"orderId"`
	Status  OrderStatus `json:"status"`
	Message string      `json:"message"`
}

// NotificationPayload содержит нагрузку события notification.
type NotificationPayload struct {
	NotificationID string           `json:"notificationId"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
}
