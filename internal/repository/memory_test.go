package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

func seedListing(t *testing.T, r *MemoryRepository, id string, stock int64) {
	t.Helper()
	require.NoError(t, r.PutListing(context.Background(), model.Listing{
		ID:                   id,
		VendorID:             "vendor-1",
		Title:                "item " + id,
		PriceCents:           1000,
		StockQuantity:        stock,
		MinimumOrderQuantity: 1,
	}))
}

func stockOf(t *testing.T, r *MemoryRepository, id string) int64 {
	t.Helper()
	got, err := r.GetListings(context.Background(), []string{id})
	require.NoError(t, err)
	l, ok := got[id]
	require.True(t, ok, "listing %s not found", id)
	return l.StockQuantity
}

func TestReserveStock_NeverOversells(t *testing.T) {
	r := NewMemoryRepository()
	seedListing(t, r, "l1", 10)

	var (
		wg      sync.WaitGroup
		success atomic.Int64
		failed  atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ReserveStock(context.Background(), "l1", 1)
			switch err {
			case nil:
				success.Add(1)
			case ErrInsufficientStock:
				failed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), success.Load())
	assert.Equal(t, int64(90), failed.Load())
	assert.Equal(t, int64(0), stockOf(t, r, "l1"))
}

func TestReserveStock_Errors(t *testing.T) {
	r := NewMemoryRepository()
	seedListing(t, r, "l1", 2)

	_, err := r.ReserveStock(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrListingNotFound)

	_, err = r.ReserveStock(context.Background(), "l1", 3)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, int64(2), stockOf(t, r, "l1"))

	l, err := r.ReserveStock(context.Background(), "l1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.StockQuantity)
}

func TestReleaseOrderStock_ExactlyOnce(t *testing.T) {
	r := NewMemoryRepository()
	seedListing(t, r, "a", 0)
	seedListing(t, r, "b", 5)

	items := []model.OrderItem{
		{ListingID: "b", Quantity: 2},
		{ListingID: "a", Quantity: 3},
	}

	var (
		wg       sync.WaitGroup
		released atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.ReleaseOrderStock(context.Background(), "order-1", items)
			if err != nil {
				t.Errorf("release: %v", err)
				return
			}
			if ok {
				released.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), released.Load())
	assert.Equal(t, int64(3), stockOf(t, r, "a"))
	assert.Equal(t, int64(7), stockOf(t, r, "b"))
}

func TestReleaseOrderStock_MissingListingLeavesStockUntouched(t *testing.T) {
	r := NewMemoryRepository()
	seedListing(t, r, "a", 1)

	_, err := r.ReleaseOrderStock(context.Background(), "order-1", []model.OrderItem{
		{ListingID: "a", Quantity: 1},
		{ListingID: "gone", Quantity: 1},
	})
	assert.ErrorIs(t, err, ErrListingNotFound)
	assert.Equal(t, int64(1), stockOf(t, r, "a"))
}

func TestCompareAndSetOrderStatus(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, r.CreateOrder(ctx, &model.Order{
		ID:        "o1",
		BuyerID:   "buyer",
		VendorID:  "vendor",
		Status:    model.OrderStatusPending,
		CreatedAt: time.Now(),
	}))

	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CompareAndSetOrderStatus(ctx, "o1", model.OrderStatusPending, model.OrderStatusCancelled)
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())

	_, err := r.CompareAndSetOrderStatus(ctx, "missing", model.OrderStatusPending, model.OrderStatusConfirmed)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = r.CompareAndSetOrderStatus(ctx, "o1", model.OrderStatusPending, model.OrderStatusConfirmed)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestListOrdersForReconciliation(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	for _, id := range []string{"o1", "o2"} {
		require.NoError(t, r.CreateOrder(ctx, &model.Order{ID: id, Status: model.OrderStatusPending}))
	}
	require.NoError(t, r.MarkOrderNotified(ctx, "o2", model.OrderStatusPending))

	list, err := r.ListOrdersForReconciliation(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, OrderForReconciliation{OrderID: "o1", NeedsNotification: true}, list[0])

	_, err = r.CompareAndSetOrderStatus(ctx, "o2", model.OrderStatusPending, model.OrderStatusCancelled)
	require.NoError(t, err)

	list, err = r.ListOrdersForReconciliation(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, OrderForReconciliation{OrderID: "o2", NeedsStockRelease: true, NeedsNotification: true}, list[1])

	list, err = r.ListOrdersForReconciliation(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarkOrderNotified_IgnoresStaleStatus(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, r.CreateOrder(ctx, &model.Order{ID: "o1", Status: model.OrderStatusConfirmed}))
	require.NoError(t, r.MarkOrderNotified(ctx, "o1", model.OrderStatusPending))

	list, err := r.ListOrdersForReconciliation(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].NeedsNotification)

	assert.ErrorIs(t, r.MarkOrderNotified(ctx, "missing", model.OrderStatusPending), ErrOrderNotFound)
}

func TestCreateNotification_Dedupe(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	first := &model.Notification{ID: "n1", UserID: "u1", Title: "a", DedupeKey: "order:o1:confirmed"}
	created, err := r.CreateNotification(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &model.Notification{ID: "n2", UserID: "u1", Title: "b", DedupeKey: "order:o1:confirmed"}
	created, err = r.CreateNotification(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "n1", dup.ID)

	// тот же ключ у другого получателя не конфликтует
	other := &model.Notification{ID: "n3", UserID: "u2", DedupeKey: "order:o1:confirmed"}
	created, err = r.CreateNotification(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	list, err := r.ListNotifications(ctx, "u1", 50)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNotifications_ReadAndDelete(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3"} {
		_, err := r.CreateNotification(ctx, &model.Notification{ID: id, UserID: "u1"})
		require.NoError(t, err)
	}

	list, err := r.ListNotifications(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "n3", list[0].ID)
	assert.Equal(t, "n2", list[1].ID)

	require.NoError(t, r.MarkNotificationRead(ctx, "u1", "n1"))
	assert.ErrorIs(t, r.MarkNotificationRead(ctx, "u2", "n1"), ErrNotificationNotFound)

	unread, err := r.CountUnreadNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)

	updated, err := r.MarkAllNotificationsRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	require.NoError(t, r.DeleteNotification(ctx, "u1", "n2"))
	assert.ErrorIs(t, r.DeleteNotification(ctx, "u1", "n2"), ErrNotificationNotFound)

	deleted, err := r.DeleteAllNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	unread, err = r.CountUnreadNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestAppendMessage_UnreadCounters(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	conv, msg, err := r.AppendMessage(ctx, "alice", "bob", "hi", now)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.Equal(t, int64(1), conv.Unread["bob"])
	assert.Equal(t, int64(0), conv.Unread["alice"])

	conv2, _, err := r.AppendMessage(ctx, "bob", "alice", "hey", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, conv.ID, conv2.ID, "pair must map to one conversation")
	assert.Equal(t, int64(1), conv2.Unread["alice"])

	msgs, err := r.FetchMessages(ctx, conv.ID, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Read)
	assert.False(t, msgs[1].Read)

	got, err := r.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Unread["bob"])
	assert.Equal(t, int64(1), got.Unread["alice"])
	assert.Equal(t, "hey", got.LastMessage)

	_, err = r.FetchMessages(ctx, conv.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = r.FetchMessages(ctx, "missing", "bob")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAppendMessage_ConcurrentSendsCountEveryMessage(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := r.AppendMessage(ctx, "alice", "bob", "ping", time.Now()); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	convs, err := r.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int64(50), convs[0].Unread["bob"])

	msgs, err := r.FetchMessages(ctx, convs[0].ID, "bob")
	require.NoError(t, err)
	assert.Len(t, msgs, 50)
}

func TestListConversations_Order(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := r.AppendMessage(ctx, "alice", "bob", "old", now)
	require.NoError(t, err)
	_, _, err = r.AppendMessage(ctx, "carol", "alice", "new", now.Add(time.Minute))
	require.NoError(t, err)

	convs, err := r.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "new", convs[0].LastMessage)
	assert.Equal(t, "old", convs[1].LastMessage)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = k.do("key", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Zero(t, k.size())
}
