package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется, когда не задан
// DATABASE_URI, и в тестах. Условные обновления выполняются под мьютексом ключа.
type MemoryRepository struct {
	keys *keyedMutex

	mu            sync.RWMutex
	listings      map[string]*model.Listing
	orders        map[string]*orderRecord
	releases      map[string]time.Time
	notifications map[string][]*model.Notification
	dedupe        map[string]string
	conversations map[string]*conversationRecord
	pairs         map[[2]string]string
}

type orderRecord struct {
	order          model.Order
	notifiedStatus model.OrderStatus
}

type conversationRecord struct {
	conv     model.Conversation
	messages []model.Message
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		keys:          newKeyedMutex(),
		listings:      make(map[string]*model.Listing),
		orders:        make(map[string]*orderRecord),
		releases:      make(map[string]time.Time),
		notifications: make(map[string][]*model.Notification),
		dedupe:        make(map[string]string),
		conversations: make(map[string]*conversationRecord),
		pairs:         make(map[[2]string]string),
	}
}

// Close ничего не делает: ресурсов нет.
func (r *MemoryRepository) Close() error {
	return nil
}

func listingKey(id string) string      { return "listing:" + id }
func orderKey(id string) string        { return "order:" + id }
func releaseKey(id string) string      { return "release:" + id }
func notificationKey(id string) string { return "notifications:" + id }
func conversationKey(id string) string { return "conversation:" + id }

// PutListing создаёт или полностью заменяет товар.
func (r *MemoryRepository) PutListing(_ context.Context, l model.Listing) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	return r.keys.do(listingKey(l.ID), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		stored := l
		r.listings[l.ID] = &stored
		return nil
	})
}

func (r *MemoryRepository) listing(id string) (*model.Listing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[id]
	return l, ok
}

// GetListings возвращает найденные товары по идентификаторам.
func (r *MemoryRepository) GetListings(_ context.Context, ids []string) (map[string]model.Listing, error) {
	res := make(map[string]model.Listing, len(ids))
	for _, id := range ids {
		_ = r.keys.do(listingKey(id), func() error {
			if l, ok := r.listing(id); ok {
				res[id] = *l
			}
			return nil
		})
	}
	return res, nil
}

// ReserveStock уменьшает остаток на qty, только если остаток не меньше qty.
func (r *MemoryRepository) ReserveStock(_ context.Context, listingID string, qty int64) (model.Listing, error) {
	var res model.Listing
	err := r.keys.do(listingKey(listingID), func() error {
		l, ok := r.listing(listingID)
		if !ok {
			return ErrListingNotFound
		}
		if l.StockQuantity < qty {
			return ErrInsufficientStock
		}
		l.StockQuantity -= qty
		l.UpdatedAt = time.Now().UTC()
		res = *l
		return nil
	})
	return res, err
}

// ReleaseStock возвращает qty единиц на остаток товара.
func (r *MemoryRepository) ReleaseStock(_ context.Context, listingID string, qty int64) error {
	return r.keys.do(listingKey(listingID), func() error {
		l, ok := r.listing(listingID)
		if !ok {
			return ErrListingNotFound
		}
		l.StockQuantity += qty
		l.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// ReleaseOrderStock возвращает остатки по всем строкам заказа один раз.
// Повторный вызов для того же заказа ничего не меняет и возвращает false.
func (r *MemoryRepository) ReleaseOrderStock(ctx context.Context, orderID string, items []model.OrderItem) (bool, error) {
	released := false
	err := r.keys.do(releaseKey(orderID), func() error {
		r.mu.RLock()
		_, done := r.releases[orderID]
		r.mu.RUnlock()
		if done {
			return nil
		}

		for _, it := range items {
			if _, ok := r.listing(it.ListingID); !ok {
				return ErrListingNotFound
			}
		}
		for _, it := range sortedByListing(items) {
			if err := r.ReleaseStock(ctx, it.ListingID, it.Quantity); err != nil {
				return err
			}
		}

		r.mu.Lock()
		r.releases[orderID] = time.Now().UTC()
		r.mu.Unlock()
		released = true
		return nil
	})
	return released, err
}

func sortedByListing(items []model.OrderItem) []model.OrderItem {
	sorted := append([]model.OrderItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ListingID < sorted[j].ListingID
	})
	return sorted
}

func copyOrder(o model.Order) *model.Order {
	o.Items = append([]model.OrderItem(nil), o.Items...)
	return &o
}

// CreateOrder сохраняет новый заказ.
func (r *MemoryRepository) CreateOrder(_ context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = &orderRecord{order: *copyOrder(*o)}
	return nil
}

func (r *MemoryRepository) orderRecord(id string) (*orderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orders[id]
	return rec, ok
}

// GetOrder возвращает заказ по идентификатору.
func (r *MemoryRepository) GetOrder(_ context.Context, id string) (*model.Order, error) {
	var res *model.Order
	err := r.keys.do(orderKey(id), func() error {
		rec, ok := r.orderRecord(id)
		if !ok {
			return ErrOrderNotFound
		}
		res = copyOrder(rec.order)
		return nil
	})
	return res, err
}

// CompareAndSetOrderStatus меняет статус заказа с from на to, если текущий статус равен from.
func (r *MemoryRepository) CompareAndSetOrderStatus(_ context.Context, id string, from, to model.OrderStatus) (*model.Order, error) {
	var res *model.Order
	err := r.keys.do(orderKey(id), func() error {
		rec, ok := r.orderRecord(id)
		if !ok {
			return ErrOrderNotFound
		}
		if rec.order.Status != from {
			return ErrStatusConflict
		}
		rec.order.Status = to
		rec.order.UpdatedAt = time.Now().UTC()
		res = copyOrder(rec.order)
		return nil
	})
	return res, err
}

// MarkOrderNotified фиксирует, что уведомление о статусе status отправлено.
func (r *MemoryRepository) MarkOrderNotified(_ context.Context, id string, status model.OrderStatus) error {
	return r.keys.do(orderKey(id), func() error {
		rec, ok := r.orderRecord(id)
		if !ok {
			return ErrOrderNotFound
		}
		if rec.order.Status == status {
			rec.notifiedStatus = status
		}
		return nil
	})
}

func (r *MemoryRepository) listOrders(match func(o *model.Order) bool) []model.Order {
	r.mu.RLock()
	ids := make([]string, 0, len(r.orders))
	for id := range r.orders {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var res []model.Order
	for _, id := range ids {
		_ = r.keys.do(orderKey(id), func() error {
			rec, ok := r.orderRecord(id)
			if ok && match(&rec.order) {
				res = append(res, *copyOrder(rec.order))
			}
			return nil
		})
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res
}

// ListOrdersByBuyer возвращает заказы покупателя, новые первыми.
func (r *MemoryRepository) ListOrdersByBuyer(_ context.Context, buyerID string) ([]model.Order, error) {
	return r.listOrders(func(o *model.Order) bool { return o.BuyerID == buyerID }), nil
}

// ListOrdersByVendor возвращает заказы продавца, новые первыми.
func (r *MemoryRepository) ListOrdersByVendor(_ context.Context, vendorID string) ([]model.Order, error) {
	return r.listOrders(func(o *model.Order) bool { return o.VendorID == vendorID }), nil
}

// ListOrdersForReconciliation возвращает заказы с незавершёнными побочными эффектами.
func (r *MemoryRepository) ListOrdersForReconciliation(_ context.Context, limit int) ([]OrderForReconciliation, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.orders))
	for id := range r.orders {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	var res []OrderForReconciliation
	for _, id := range ids {
		if len(res) >= limit {
			break
		}
		_ = r.keys.do(orderKey(id), func() error {
			rec, ok := r.orderRecord(id)
			if !ok {
				return nil
			}
			r.mu.RLock()
			_, released := r.releases[id]
			r.mu.RUnlock()

			item := OrderForReconciliation{
				OrderID:           id,
				NeedsStockRelease: rec.order.Status == model.OrderStatusCancelled && !released,
				NeedsNotification: rec.notifiedStatus != rec.order.Status,
			}
			if item.NeedsStockRelease || item.NeedsNotification {
				res = append(res, item)
			}
			return nil
		})
	}
	return res, nil
}

func dedupeIndex(userID, key string) string {
	return userID + "\x00" + key
}

// CreateNotification сохраняет уведомление. Если у получателя уже есть уведомление
// с тем же DedupeKey, новое не создаётся: n.ID заполняется существующим, возвращается false.
func (r *MemoryRepository) CreateNotification(_ context.Context, n *model.Notification) (bool, error) {
	created := false
	err := r.keys.do(notificationKey(n.UserID), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if n.DedupeKey != "" {
			if existing, ok := r.dedupe[dedupeIndex(n.UserID, n.DedupeKey)]; ok {
				n.ID = existing
				return nil
			}
			r.dedupe[dedupeIndex(n.UserID, n.DedupeKey)] = n.ID
		}
		stored := *n
		r.notifications[n.UserID] = append(r.notifications[n.UserID], &stored)
		created = true
		return nil
	})
	return created, err
}

// ListNotifications возвращает уведомления получателя, новые первыми.
func (r *MemoryRepository) ListNotifications(_ context.Context, userID string, limit int) ([]model.Notification, error) {
	var res []model.Notification
	err := r.keys.do(notificationKey(userID), func() error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		list := r.notifications[userID]
		for i := len(list) - 1; i >= 0 && len(res) < limit; i-- {
			res = append(res, *list[i])
		}
		return nil
	})
	return res, err
}

// CountUnreadNotifications возвращает число непрочитанных уведомлений.
func (r *MemoryRepository) CountUnreadNotifications(_ context.Context, userID string) (int64, error) {
	var count int64
	err := r.keys.do(notificationKey(userID), func() error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, n := range r.notifications[userID] {
			if !n.Read {
				count++
			}
		}
		return nil
	})
	return count, err
}

// MarkNotificationRead отмечает уведомление прочитанным.
func (r *MemoryRepository) MarkNotificationRead(_ context.Context, userID, id string) error {
	return r.keys.do(notificationKey(userID), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, n := range r.notifications[userID] {
			if n.ID == id {
				n.Read = true
				return nil
			}
		}
		return ErrNotificationNotFound
	})
}

// MarkAllNotificationsRead отмечает прочитанными все уведомления получателя.
func (r *MemoryRepository) MarkAllNotificationsRead(_ context.Context, userID string) (int64, error) {
	var updated int64
	err := r.keys.do(notificationKey(userID), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, n := range r.notifications[userID] {
			if !n.Read {
				n.Read = true
				updated++
			}
		}
		return nil
	})
	return updated, err
}

// DeleteNotification удаляет уведомление получателя.
func (r *MemoryRepository) DeleteNotification(_ context.Context, userID, id string) error {
	return r.keys.do(notificationKey(userID), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.notifications[userID]
		for i, n := range list {
			if n.ID == id {
				r.notifications[userID] = append(list[:i:i], list[i+1:]...)
				if n.DedupeKey != "" {
					delete(r.dedupe, dedupeIndex(userID, n.DedupeKey))
				}
				return nil
			}
		}
		return ErrNotificationNotFound
	})
}

// DeleteAllNotifications удаляет все уведомления получателя.
func (r *MemoryRepository) DeleteAllNotifications(_ context.Context, userID string) (int64, error) {
	var deleted int64
	err := r.keys.do(notificationKey(userID), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, n := range r.notifications[userID] {
			if n.DedupeKey != "" {
				delete(r.dedupe, dedupeIndex(userID, n.DedupeKey))
			}
		}
		deleted = int64(len(r.notifications[userID]))
		delete(r.notifications, userID)
		return nil
	})
	return deleted, err
}

func copyConversation(c model.Conversation) *model.Conversation {
	unread := make(map[string]int64, len(c.Unread))
	for k, v := range c.Unread {
		unread[k] = v
	}
	c.Unread = unread
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		c.LastMessageAt = &at
	}
	return &c
}

func (r *MemoryRepository) conversationForPair(pair [2]string, now time.Time) *conversationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.pairs[pair]; ok {
		return r.conversations[id]
	}
	rec := &conversationRecord{
		conv: model.Conversation{
			ID:           uuid.NewString(),
			Participants: pair,
			Unread:       map[string]int64{pair[0]: 0, pair[1]: 0},
			CreatedAt:    now,
		},
	}
	r.conversations[rec.conv.ID] = rec
	r.pairs[pair] = rec.conv.ID
	return rec
}

// AppendMessage находит или создаёт переписку пары участников, добавляет сообщение
// и увеличивает счётчик непрочитанных у получателя. Запись сериализуется по переписке.
func (r *MemoryRepository) AppendMessage(_ context.Context, senderID, recipientID, content string, at time.Time) (*model.Conversation, *model.Message, error) {
	rec := r.conversationForPair(model.ParticipantPair(senderID, recipientID), at)

	var (
		conv *model.Conversation
		msg  model.Message
	)
	err := r.keys.do(conversationKey(rec.conv.ID), func() error {
		msg = model.Message{
			ID:             uuid.NewString(),
			ConversationID: rec.conv.ID,
			SenderID:       senderID,
			Content:        content,
			CreatedAt:      at,
		}
		rec.messages = append(rec.messages, msg)
		rec.conv.LastMessage = content
		lastAt := at
		rec.conv.LastMessageAt = &lastAt
		rec.conv.Unread[recipientID]++
		conv = copyConversation(rec.conv)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return conv, &msg, nil
}

func (r *MemoryRepository) conversation(id string) (*conversationRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conversations[id]
	return rec, ok
}

// GetConversation возвращает переписку по идентификатору.
func (r *MemoryRepository) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	rec, ok := r.conversation(id)
	if !ok {
		return nil, ErrConversationNotFound
	}
	var res *model.Conversation
	_ = r.keys.do(conversationKey(id), func() error {
		res = copyConversation(rec.conv)
		return nil
	})
	return res, nil
}

// FetchMessages возвращает историю переписки и обнуляет счётчик непрочитанных читателя.
func (r *MemoryRepository) FetchMessages(_ context.Context, conversationID, readerID string) ([]model.Message, error) {
	rec, ok := r.conversation(conversationID)
	if !ok {
		return nil, ErrConversationNotFound
	}

	var res []model.Message
	err := r.keys.do(conversationKey(conversationID), func() error {
		if !rec.conv.HasParticipant(readerID) {
			return ErrNotParticipant
		}
		for i := range rec.messages {
			if rec.messages[i].SenderID != readerID {
				rec.messages[i].Read = true
			}
		}
		rec.conv.Unread[readerID] = 0
		res = append([]model.Message(nil), rec.messages...)
		return nil
	})
	return res, err
}

// ListConversations возвращает переписки пользователя, последние активные первыми.
func (r *MemoryRepository) ListConversations(_ context.Context, userID string) ([]model.Conversation, error) {
	r.mu.RLock()
	var recs []*conversationRecord
	for _, rec := range r.conversations {
		if rec.conv.HasParticipant(userID) {
			recs = append(recs, rec)
		}
	}
	r.mu.RUnlock()

	res := make([]model.Conversation, 0, len(recs))
	for _, rec := range recs {
		_ = r.keys.do(conversationKey(rec.conv.ID), func() error {
			res = append(res, *copyConversation(rec.conv))
			return nil
		})
	}
	sortConversations(res)
	return res, nil
}

func sortConversations(list []model.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastMessageAt, list[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return list[i].CreatedAt.After(list[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
}
