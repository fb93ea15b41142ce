// Package model содержит доменные сущности маркетплейса.
package model

import "time"

// Role описывает роль аутентифицированного пользователя.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleVendor Role = "vendor"
	RoleAdmin  Role = "admin"
)

// Valid сообщает, известна ли роль.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleVendor, RoleAdmin:
		return true
	}
	return false
}

// Actor описывает пользователя, от имени которого выполняется операция.
type Actor struct {
	UserID string
	Role   Role
}

// IsAdmin сообщает, является ли пользователь администратором.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Listing описывает товар продавца и его доступный остаток.
type Listing struct {
	ID                   string
	VendorID             string
	Title                string
	PriceCents           int64
	StockQuantity        int64
	MinimumOrderQuantity int64
	UpdatedAt            time.Time
}

// CartLine описывает позицию корзины, переданную в оформление заказа.
type CartLine struct {
	ListingID string
	Quantity  int64
}

// PaymentMethod описывает способ оплаты заказа.
type PaymentMethod string

const (
	PaymentMethodCOD    PaymentMethod = "cod"
	PaymentMethodOnline PaymentMethod = "online"
)

// PaymentStatus описывает состояние оплаты, подтверждённое платёжным шлюзом.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// ShippingAddress хранит снимок адреса доставки на момент оформления.
type ShippingAddress struct {
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// OrderItem описывает строку заказа с ценой, зафиксированной при резервировании.
type OrderItem struct {
	ListingID            string `json:"listingId"`
	VendorID             string `json:"vendorId"`
	Title                string `json:"title"`
	Quantity             int64  `json:"quantity"`
	PriceAtPurchaseCents int64  `json:"priceAtPurchaseCents"`
}

// LineTotalCents возвращает стоимость строки заказа.
func (i OrderItem) LineTotalCents() int64 {
	return i.PriceAtPurchaseCents * i.Quantity
}

// Order описывает заказ покупателя у одного продавца.
type Order struct {
	ID              string
	BuyerID         string
	VendorID        string
	Items           []OrderItem
	TotalCents      int64
	Status          OrderStatus
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	ShippingAddress ShippingAddress
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NotificationType описывает тип уведомления.
type NotificationType string

const (
	NotificationOrderStatusChanged NotificationType = "order_status_changed"
	NotificationNewOrder           NotificationType = "new_order"
	NotificationMessage            NotificationType = "message"
)

// Notification описывает долговременную запись о событии для получателя.
type Notification struct {
	ID        string
	UserID    string
	Type      NotificationType
	Title     string
	Message   string
	Link      string
	OrderID   *string
	Read      bool
	DedupeKey string
	CreatedAt time.Time
}

// Conversation описывает переписку двух участников.
type Conversation struct {
	ID            string
	Participants  [2]string
	LastMessage   string
	LastMessageAt *time.Time
	Unread        map[string]int64
	CreatedAt     time.Time
}

// HasParticipant сообщает, участвует ли пользователь в переписке.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Counterpart возвращает второго участника переписки.
func (c *Conversation) Counterpart(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Message описывает сообщение внутри переписки.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Read           bool
	CreatedAt      time.Time
}

// ConversationSummary описывает строку списка переписок для конкретного пользователя.
type ConversationSummary struct {
	ConversationID string
	CounterpartID  string
	LastMessage    string
	LastMessageAt  *time.Time
	Unread         int64
}

// ParticipantPair возвращает участников в каноническом порядке.
func ParticipantPair(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}
