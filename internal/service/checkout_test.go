package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

func TestCheckout_SplitsByVendor(t *testing.T) {
	svc, repo, pub := newTestService(t)
	putListing(t, repo, "a", "v1", 1000, 5)
	putListing(t, repo, "b", "v2", 250, 5)
	putListing(t, repo, "c", "v1", 99, 5)

	res, err := svc.Checkout(context.Background(), CheckoutRequest{
		BuyerID: "buyer",
		Lines: []model.CartLine{
			{ListingID: "b", Quantity: 2},
			{ListingID: "a", Quantity: 1},
			{ListingID: "c", Quantity: 3},
			{ListingID: "b", Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	assert.Empty(t, res.Failures)

	v2 := res.Orders[0]
	assert.Equal(t, "v2", v2.VendorID)
	require.Len(t, v2.Items, 1)
	assert.Equal(t, int64(3), v2.Items[0].Quantity, "duplicate lines must be merged")
	assert.Equal(t, int64(750), v2.TotalCents)

	v1 := res.Orders[1]
	assert.Equal(t, "v1", v1.VendorID)
	require.Len(t, v1.Items, 2)
	assert.Equal(t, "a", v1.Items[0].ListingID)
	assert.Equal(t, "c", v1.Items[1].ListingID)
	assert.Equal(t, int64(1000+3*99), v1.TotalCents)

	for _, o := range res.Orders {
		assert.Equal(t, model.OrderStatusPending, o.Status)
		assert.Equal(t, model.PaymentMethodCOD, o.PaymentMethod)
		assert.Equal(t, model.PaymentStatusPending, o.PaymentStatus)
	}

	assert.Equal(t, int64(2), stock(t, repo, "b"))
	assert.Equal(t, int64(4), stock(t, repo, "a"))
	assert.Equal(t, int64(2), stock(t, repo, "c"))

	for _, vendor := range []string{"v1", "v2"} {
		list, err := repo.ListNotifications(context.Background(), vendor, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, model.NotificationNewOrder, list[0].Type)
	}
	assert.Len(t, pub.byType(model.PushNotification), 2)
}

func TestCheckout_NoOversellUnderConcurrency(t *testing.T) {
	svc, repo, _ := newTestService(t)
	putListing(t, repo, "hot", "v1", 100, 10)

	var (
		wg      sync.WaitGroup
		ok      atomic.Int64
		soldOut atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Checkout(context.Background(), CheckoutRequest{
				BuyerID: "buyer",
				Lines:   []model.CartLine{{ListingID: "hot", Quantity: 1}},
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, repository.ErrInsufficientStock):
				soldOut.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	assert.Equal(t, int64(40), soldOut.Load())
	assert.Equal(t, int64(0), stock(t, repo, "hot"))

	orders, err := repo.ListOrdersByVendor(context.Background(), "v1")
	require.NoError(t, err)
	assert.Len(t, orders, 10)
}

func TestCheckout_InsufficientStockIsAtomic(t *testing.T) {
	svc, repo, _ := newTestService(t)
	putListing(t, repo, "a", "v1", 100, 5)
	putListing(t, repo, "b", "v2", 100, 5)
	putListing(t, repo, "z", "v3", 100, 0)

	_, err := svc.Checkout(context.Background(), CheckoutRequest{
		BuyerID: "buyer",
		Lines: []model.CartLine{
			{ListingID: "a", Quantity: 2},
			{ListingID: "z", Quantity: 1},
			{ListingID: "b", Quantity: 3},
		},
	})

	var checkoutErr *CheckoutError
	require.ErrorAs(t, err, &checkoutErr)
	assert.Equal(t, "z", checkoutErr.ListingID)
	assert.ErrorIs(t, err, repository.ErrInsufficientStock)

	assert.Equal(t, int64(5), stock(t, repo, "a"))
	assert.Equal(t, int64(5), stock(t, repo, "b"))
	assert.Equal(t, int64(0), stock(t, repo, "z"))

	orders, err := repo.ListOrdersByBuyer(context.Background(), "buyer")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckout_Validation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	putListing(t, repo, "a", "v1", 100, 50)
	require.NoError(t, repo.PutListing(context.Background(), model.Listing{
		ID: "bulk", VendorID: "v1", PriceCents: 10, StockQuantity: 100, MinimumOrderQuantity: 10,
	}))

	tests := []struct {
		name    string
		req     CheckoutRequest
		wantErr error
	}{
		{
			name:    "empty cart",
			req:     CheckoutRequest{BuyerID: "buyer"},
			wantErr: ErrInvalidCheckout,
		},
		{
			name:    "missing buyer",
			req:     CheckoutRequest{Lines: []model.CartLine{{ListingID: "a", Quantity: 1}}},
			wantErr: ErrInvalidCheckout,
		},
		{
			name:    "zero quantity",
			req:     CheckoutRequest{BuyerID: "buyer", Lines: []model.CartLine{{ListingID: "a", Quantity: 0}}},
			wantErr: ErrInvalidQuantity,
		},
		{
			name:    "unknown listing",
			req:     CheckoutRequest{BuyerID: "buyer", Lines: []model.CartLine{{ListingID: "a", Quantity: 1}, {ListingID: "nope", Quantity: 1}}},
			wantErr: repository.ErrListingNotFound,
		},
		{
			name:    "below minimum quantity",
			req:     CheckoutRequest{BuyerID: "buyer", Lines: []model.CartLine{{ListingID: "bulk", Quantity: 9}}},
			wantErr: ErrBelowMinimumQuantity,
		},
		{
			name: "merged quantity overflows",
			req: CheckoutRequest{BuyerID: "buyer", Lines: []model.CartLine{
				{ListingID: "a", Quantity: math.MaxInt64},
				{ListingID: "a", Quantity: math.MaxInt64},
				{ListingID: "a", Quantity: 3},
			}},
			wantErr: ErrInvalidQuantity,
		},
		{
			name:    "unknown payment status",
			req:     CheckoutRequest{BuyerID: "buyer", PaymentStatus: "refunded", Lines: []model.CartLine{{ListingID: "a", Quantity: 1}}},
			wantErr: ErrInvalidCheckout,
		},
		{
			name:    "unknown payment method",
			req:     CheckoutRequest{BuyerID: "buyer", PaymentMethod: "barter", Lines: []model.CartLine{{ListingID: "a", Quantity: 1}}},
			wantErr: ErrInvalidCheckout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Checkout(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, int64(50), stock(t, repo, "a"))
			assert.Equal(t, int64(100), stock(t, repo, "bulk"))
		})
	}
}

func TestCheckout_MergedQuantityMeetsMinimum(t *testing.T) {
	svc, repo, _ := newTestService(t)
	require.NoError(t, repo.PutListing(context.Background(), model.Listing{
		ID: "bulk", VendorID: "v1", PriceCents: 10, StockQuantity: 100, MinimumOrderQuantity: 10,
	}))

	o := checkoutOne(t, svc, "buyer",
		model.CartLine{ListingID: "bulk", Quantity: 6},
		model.CartLine{ListingID: "bulk", Quantity: 4},
	)
	assert.Equal(t, int64(10), o.Items[0].Quantity)
	assert.Equal(t, int64(90), stock(t, repo, "bulk"))
}

func TestCheckout_PriceSnapshotSurvivesPriceChange(t *testing.T) {
	svc, repo, _ := newTestService(t)
	putListing(t, repo, "a", "v1", 1000, 5)

	o := checkoutOne(t, svc, "buyer", model.CartLine{ListingID: "a", Quantity: 2})

	putListing(t, repo, "a", "v1", 5000, 3)

	got, err := repo.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Items[0].PriceAtPurchaseCents)
	assert.Equal(t, int64(2000), got.TotalCents)
}

func TestCheckout_VendorPersistFailureReleasesOnlyThatVendor(t *testing.T) {
	svc, repo, _ := newTestService(t)
	putListing(t, repo, "a", "v1", 100, 5)
	putListing(t, repo, "b", "v2", 100, 5)
	repo.failCreateOrderVendor = "v2"

	res, err := svc.Checkout(context.Background(), CheckoutRequest{
		BuyerID: "buyer",
		Lines: []model.CartLine{
			{ListingID: "a", Quantity: 1},
			{ListingID: "b", Quantity: 2},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, "v1", res.Orders[0].VendorID)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "v2", res.Failures[0].VendorID)

	assert.Equal(t, int64(4), stock(t, repo, "a"))
	assert.Equal(t, int64(5), stock(t, repo, "b"))
}

func TestCheckout_AllVendorsFail(t *testing.T) {
	svc, repo, _ := newTestService(t)
	putListing(t, repo, "b", "v2", 100, 5)
	repo.failCreateOrderVendor = "v2"

	res, err := svc.Checkout(context.Background(), CheckoutRequest{
		BuyerID: "buyer",
		Lines:   []model.CartLine{{ListingID: "b", Quantity: 2}},
	})
	assert.ErrorIs(t, err, ErrCheckoutFailed)
	require.NotNil(t, res)
	assert.Len(t, res.Failures, 1)
	assert.Equal(t, int64(5), stock(t, repo, "b"))
}

func TestCheckout_NotificationFailureDoesNotFailCheckout(t *testing.T) {
	svc, repo, _ := newTestService(t)
	putListing(t, repo, "a", "v1", 100, 5)
	repo.failNotifications.Store(true)

	o := checkoutOne(t, svc, "buyer", model.CartLine{ListingID: "a", Quantity: 1})

	pending, err := repo.ListOrdersForReconciliation(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, o.ID, pending[0].OrderID)
	assert.True(t, pending[0].NeedsNotification)
}

func TestCheckout_OnlinePaymentVerification(t *testing.T) {
	tests := []struct {
		name       string
		verifier   *stubVerifier
		ref        string
		wantErr    error
		wantStatus model.PaymentStatus
	}{
		{
			name:       "paid",
			verifier:   &stubVerifier{status: model.PaymentStatusPaid},
			ref:        "pay-1",
			wantStatus: model.PaymentStatusPaid,
		},
		{
			name:     "not yet paid",
			verifier: &stubVerifier{status: model.PaymentStatusPending},
			ref:      "pay-1",
			wantErr:  ErrPaymentNotAuthorized,
		},
		{
			name:     "gateway error",
			verifier: &stubVerifier{err: errors.New("gateway down")},
			ref:      "pay-1",
			wantErr:  ErrPaymentNotAuthorized,
		},
		{
			name:     "missing reference",
			verifier: &stubVerifier{status: model.PaymentStatusPaid},
			wantErr:  ErrPaymentNotAuthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &faultyRepo{MemoryRepository: repository.NewMemoryRepository()}
			putListing(t, repo, "a", "v1", 100, 5)
			svc := NewService(repo, nil, tt.verifier, nil)

			res, err := svc.Checkout(context.Background(), CheckoutRequest{
				BuyerID:       "buyer",
				PaymentMethod: model.PaymentMethodOnline,
				PaymentRef:    tt.ref,
				Lines:         []model.CartLine{{ListingID: "a", Quantity: 1}},
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, int64(5), stock(t, repo, "a"))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Orders[0].PaymentStatus)
		})
	}
}

func TestCheckout_OnlineWithoutVerifierUsesDeclaredStatus(t *testing.T) {
	tests := []struct {
		name     string
		declared model.PaymentStatus
		want     model.PaymentStatus
	}{
		{name: "declared paid", declared: model.PaymentStatusPaid, want: model.PaymentStatusPaid},
		{name: "declared pending", declared: model.PaymentStatusPending, want: model.PaymentStatusPending},
		{name: "not declared", want: model.PaymentStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestService(t)
			putListing(t, repo, "a", "v1", 100, 5)

			res, err := svc.Checkout(context.Background(), CheckoutRequest{
				BuyerID:       "buyer",
				PaymentMethod: model.PaymentMethodOnline,
				PaymentStatus: tt.declared,
				Lines:         []model.CartLine{{ListingID: "a", Quantity: 1}},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Orders[0].PaymentStatus)
		})
	}
}

func TestCheckout_VerifierSeesCartTotal(t *testing.T) {
	repo := &faultyRepo{MemoryRepository: repository.NewMemoryRepository()}
	putListing(t, repo, "a", "v1", 1250, 10)
	putListing(t, repo, "b", "v2", 99, 10)
	verifier := &stubVerifier{status: model.PaymentStatusPaid}
	svc := NewService(repo, nil, verifier, nil)

	_, err := svc.Checkout(context.Background(), CheckoutRequest{
		BuyerID:       "buyer",
		PaymentMethod: model.PaymentMethodOnline,
		PaymentRef:    "pay-1",
		Lines: []model.CartLine{
			{ListingID: "a", Quantity: 2},
			{ListingID: "b", Quantity: 3},
			{ListingID: "a", Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, verifier.calls)
	assert.Equal(t, "40.47", verifier.amount.StringFixed(2))
}

func TestCheckout_UnknownListingSkipsPaymentCheck(t *testing.T) {
	repo := &faultyRepo{MemoryRepository: repository.NewMemoryRepository()}
	verifier := &stubVerifier{status: model.PaymentStatusPaid}
	svc := NewService(repo, nil, verifier, nil)

	_, err := svc.Checkout(context.Background(), CheckoutRequest{
		BuyerID:       "buyer",
		PaymentMethod: model.PaymentMethodOnline,
		PaymentRef:    "pay-1",
		Lines:         []model.CartLine{{ListingID: "missing", Quantity: 1}},
	})
	assert.ErrorIs(t, err, repository.ErrListingNotFound)
	assert.Zero(t, verifier.calls)
}
