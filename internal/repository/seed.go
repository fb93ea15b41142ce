package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

// ErrInvalidSeed возвращается, если файл начальных товаров содержит некорректную запись.
var ErrInvalidSeed = errors.New("invalid listing seed")

// ListingWriter сохраняет товар целиком, заменяя существующую запись.
type ListingWriter interface {
	PutListing(ctx context.Context, l model.Listing) error
}

type listingSeed struct {
	ID                   string          `json:"id"`
	VendorID             string          `json:"vendorId"`
	Title                string          `json:"title"`
	Price                decimal.Decimal `json:"price"`
	StockQuantity        int64           `json:"stockQuantity"`
	MinimumOrderQuantity int64           `json:"minimumOrderQuantity"`
}

func (s listingSeed) toListing() (model.Listing, error) {
	if s.ID == "" || s.VendorID == "" {
		return model.Listing{}, fmt.Errorf("%w: id and vendorId are required", ErrInvalidSeed)
	}
	if s.Price.IsNegative() || !s.Price.Equal(s.Price.Truncate(2)) {
		return model.Listing{}, fmt.Errorf("%w: listing %s: price %s", ErrInvalidSeed, s.ID, s.Price)
	}
	if s.StockQuantity < 0 || s.MinimumOrderQuantity < 0 {
		return model.Listing{}, fmt.Errorf("%w: listing %s: negative quantity", ErrInvalidSeed, s.ID)
	}

	minQty := s.MinimumOrderQuantity
	if minQty == 0 {
		minQty = 1
	}

	return model.Listing{
		ID:                   s.ID,
		VendorID:             s.VendorID,
		Title:                s.Title,
		PriceCents:           s.Price.Shift(2).IntPart(),
		StockQuantity:        s.StockQuantity,
		MinimumOrderQuantity: minQty,
	}, nil
}

// LoadListings читает JSON-массив товаров и сохраняет их через w.
// Файл проверяется целиком до первой записи. Возвращает число сохранённых товаров.
func LoadListings(ctx context.Context, w ListingWriter, r io.Reader) (int, error) {
	var seeds []listingSeed
	if err := json.NewDecoder(r).Decode(&seeds); err != nil {
		return 0, fmt.Errorf("decode listings: %w", err)
	}

	listings := make([]model.Listing, 0, len(seeds))
	for _, s := range seeds {
		l, err := s.toListing()
		if err != nil {
			return 0, err
		}
		listings = append(listings, l)
	}

	for i, l := range listings {
		if err := w.PutListing(ctx, l); err != nil {
			return i, fmt.Errorf("put listing %s: %w", l.ID, err)
		}
	}
	return len(listings), nil
}

var (
	_ ListingWriter = (*MemoryRepository)(nil)
	_ ListingWriter = (*PostgresRepository)(nil)
)
