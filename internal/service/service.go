// Package service реализует бизнес-логику маркетплейса: оформление заказа с
// резервированием остатков, жизненный цикл заказа, уведомления и переписку.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

var (
	// ErrInvalidCheckout возвращается при некорректном запросе оформления: пустая корзина, неизвестный способ оплаты.
	ErrInvalidCheckout = errors.New("invalid checkout request")
	// ErrInvalidQuantity возвращается, если количество в строке корзины не положительно
	// или сумма повторяющихся строк не помещается в int64.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrBelowMinimumQuantity возвращается, если количество меньше минимального для товара.
	ErrBelowMinimumQuantity = errors.New("quantity below minimum order quantity")
	// ErrPaymentNotAuthorized возвращается, если платёжный шлюз не подтвердил оплату.
	ErrPaymentNotAuthorized = errors.New("payment not authorized")
	// ErrCheckoutFailed возвращается, если не удалось создать ни одного заказа.
	ErrCheckoutFailed = errors.New("checkout failed for every vendor")
	// ErrForbidden возвращается, если пользователь не имеет права на операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition возвращается при переходе статуса вне графа переходов.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrInvalidMessage возвращается при попытке отправить пустое сообщение или сообщение себе.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidNotice возвращается, если у уведомления не задан получатель или заголовок.
	ErrInvalidNotice = errors.New("invalid notice")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	GetListings(ctx context.Context, ids []string) (map[string]model.Listing, error)
	ReserveStock(ctx context.Context, listingID string, qty int64) (model.Listing, error)
	ReleaseStock(ctx context.Context, listingID string, qty int64) error
	ReleaseOrderStock(ctx context.Context, orderID string, items []model.OrderItem) (bool, error)

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	CompareAndSetOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (*model.Order, error)
	MarkOrderNotified(ctx context.Context, id string, status model.OrderStatus) error
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]model.Order, error)
	ListOrdersByVendor(ctx context.Context, vendorID string) ([]model.Order, error)
	ListOrdersForReconciliation(ctx context.Context, limit int) ([]repository.OrderForReconciliation, error)

	CreateNotification(ctx context.Context, n *model.Notification) (bool, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int64, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
	DeleteNotification(ctx context.Context, userID, id string) error
	DeleteAllNotifications(ctx context.Context, userID string) (int64, error)

	AppendMessage(ctx context.Context, senderID, recipientID, content string, at time.Time) (*model.Conversation, *model.Message, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	FetchMessages(ctx context.Context, conversationID, readerID string) ([]model.Message, error)
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
}

// Publisher принимает push-события для асинхронной доставки.
// Enqueue не блокируется и возвращает false, если событие отброшено.
type Publisher interface {
	Enqueue(ev model.PushEvent) bool
}

// PaymentVerifier сообщает состояние оплаты по ссылке платёжного шлюза.
// amount передаётся для сверки с суммой, которую видит шлюз.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, ref string, amount decimal.Decimal) (model.PaymentStatus, error)
}

// Service содержит бизнес-логику маркетплейса.
type Service struct {
	repo      Repository
	publisher Publisher
	payments  PaymentVerifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewService создаёт сервис. publisher и payments могут быть nil:
// тогда push-доставка и проверка оплаты не выполняются.
func NewService(repo Repository, publisher Publisher, payments PaymentVerifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		payments:  payments,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}
